package pop3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/petrelmail/petrel/framework/log"
	"github.com/petrelmail/petrel/internal/auth"
	"github.com/petrelmail/petrel/internal/limits/limiters"
	"github.com/petrelmail/petrel/internal/storage/file"
)

// shutdownGrace is how long Close waits for active sessions to wrap up
// before their connections are closed under them.
const shutdownGrace = 5 * time.Second

type Config struct {
	// Addr is the TCP address to listen on, in net.Listen form.
	Addr string

	Store *file.Store
	Auth  *auth.Static

	// Pool bounds the number of concurrently served connections. It is
	// shared with the other protocol endpoints.
	Pool limiters.L

	// Timeout is the per-command idle limit. Sessions silent for longer
	// are dropped without a reply.
	Timeout time.Duration

	// Log is used by the endpoint and all its sessions. The name
	// defaults to the protocol name if empty.
	Log log.Logger
}

type Endpoint struct {
	store   *file.Store
	auth    *auth.Static
	pool    limiters.L
	timeout time.Duration

	listener    net.Listener
	listenersWg sync.WaitGroup

	sessionsWg sync.WaitGroup
	connsMu    sync.Mutex
	conns      map[net.Conn]struct{}

	acceptCtx    context.Context
	acceptCancel context.CancelFunc

	Log log.Logger
}

// New binds the listener and starts serving connections in the
// background. POP3 sessions only ever see the INBOX folder.
func New(cfg Config) (*Endpoint, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.Pool == nil {
		cfg.Pool = limiters.NewSemaphore(0)
	}

	endp := &Endpoint{
		store:   cfg.Store,
		auth:    cfg.Auth,
		pool:    cfg.Pool,
		timeout: cfg.Timeout,
		conns:   map[net.Conn]struct{}{},
		Log:     cfg.Log,
	}
	if endp.Log.Name == "" {
		endp.Log.Name = "pop3"
	}
	endp.acceptCtx, endp.acceptCancel = context.WithCancel(context.Background())

	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("pop3: %w", err)
	}
	endp.listener = l
	endp.Log.Printf("listening on %v", l.Addr())

	endp.listenersWg.Add(1)
	go endp.serve(l)

	return endp, nil
}

// Addr reports the address the endpoint is bound to.
func (endp *Endpoint) Addr() net.Addr {
	return endp.listener.Addr()
}

func (endp *Endpoint) serve(l net.Listener) {
	defer endp.listenersWg.Done()

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			endp.Log.Error("accept failed", err)
			continue
		}

		// Accepted connections wait here for a worker slot. The pool
		// is shared with the other endpoints, so the bound holds
		// across protocols, not per protocol.
		if err := endp.pool.TakeContext(endp.acceptCtx); err != nil {
			conn.Close()
			return
		}

		endp.sessionsWg.Add(1)
		go func() {
			defer endp.sessionsWg.Done()
			defer endp.pool.Release()
			endp.handle(conn)
		}()
	}
}

func (endp *Endpoint) handle(conn net.Conn) {
	endp.trackConn(conn)
	defer endp.untrackConn(conn)
	defer conn.Close()

	newSession(endp, conn).serve()
}

func (endp *Endpoint) trackConn(conn net.Conn) {
	endp.connsMu.Lock()
	defer endp.connsMu.Unlock()
	endp.conns[conn] = struct{}{}
}

func (endp *Endpoint) untrackConn(conn net.Conn) {
	endp.connsMu.Lock()
	defer endp.connsMu.Unlock()
	delete(endp.conns, conn)
}

// Close stops accepting connections, waits up to shutdownGrace for
// active sessions to finish and then closes the remaining ones.
func (endp *Endpoint) Close() error {
	endp.acceptCancel()
	endp.listener.Close()
	endp.listenersWg.Wait()

	done := make(chan struct{})
	go func() {
		endp.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		endp.Log.Msg("grace period expired, closing remaining sessions")
		endp.connsMu.Lock()
		for conn := range endp.conns {
			conn.Close()
		}
		endp.connsMu.Unlock()
		<-done
	}
	return nil
}
