package smtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/petrelmail/petrel/framework/address"
	"github.com/petrelmail/petrel/framework/buffer"
	"github.com/petrelmail/petrel/framework/log"
	"github.com/petrelmail/petrel/internal/auth"
	"github.com/petrelmail/petrel/internal/limits/limiters"
	"github.com/petrelmail/petrel/internal/storage/file"
)

// shutdownGrace is how long Close waits for active sessions to wrap up
// before their connections are closed under them.
const shutdownGrace = 5 * time.Second

// Relay hands messages addressed to foreign domains to the outbound
// delivery pipeline. The body buffer is valid only until Deliver
// returns.
type Relay interface {
	Deliver(ctx context.Context, mailFrom, rcptTo string, body buffer.Buffer) error
}

type Config struct {
	// Domain is the one domain the server accepts mail for. It is also
	// used in the greeting and HELO replies.
	Domain string

	// Addr is the TCP address to listen on, in net.Listen form.
	Addr string

	Store *file.Store
	Auth  *auth.Static
	Relay Relay

	// Pool bounds the number of concurrently served connections. It is
	// shared with the other protocol endpoints.
	Pool limiters.L

	// Timeout is the per-command idle limit. Sessions silent for longer
	// are dropped without a reply.
	Timeout time.Duration

	// MaxInMemoryBody is the largest DATA payload kept in memory.
	// Larger messages are spooled to a temporary file for the duration
	// of the delivery attempt. 1 MiB if zero.
	MaxInMemoryBody int

	// Log is used by the endpoint and all its sessions. The name
	// defaults to the protocol name if empty.
	Log log.Logger
}

type Endpoint struct {
	domain          string
	store           *file.Store
	auth            *auth.Static
	relay           Relay
	pool            limiters.L
	timeout         time.Duration
	maxInMemoryBody int

	listener    net.Listener
	listenersWg sync.WaitGroup

	sessionsWg sync.WaitGroup
	connsMu    sync.Mutex
	conns      map[net.Conn]struct{}

	// acceptCtx unblocks the accept loop on shutdown. sessionCtx stays
	// live through the grace period so in-flight deliveries can finish.
	acceptCtx     context.Context
	acceptCancel  context.CancelFunc
	sessionCtx    context.Context
	sessionCancel context.CancelFunc

	Log log.Logger
}

// New binds the listener and starts serving connections in the
// background. The returned endpoint accepts mail for cfg.Domain and
// "localhost" locally and relays everything else.
func New(cfg Config) (*Endpoint, error) {
	domain, err := address.CleanDomain(cfg.Domain)
	if err != nil {
		return nil, fmt.Errorf("smtp: malformed domain %q: %w", cfg.Domain, err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Pool == nil {
		cfg.Pool = limiters.NewSemaphore(0)
	}
	if cfg.MaxInMemoryBody == 0 {
		cfg.MaxInMemoryBody = 1 << 20
	}

	endp := &Endpoint{
		domain:          domain,
		store:           cfg.Store,
		auth:            cfg.Auth,
		relay:           cfg.Relay,
		pool:            cfg.Pool,
		timeout:         cfg.Timeout,
		maxInMemoryBody: cfg.MaxInMemoryBody,
		conns:           map[net.Conn]struct{}{},
		Log:             cfg.Log,
	}
	if endp.Log.Name == "" {
		endp.Log.Name = "smtp"
	}
	endp.acceptCtx, endp.acceptCancel = context.WithCancel(context.Background())
	endp.sessionCtx, endp.sessionCancel = context.WithCancel(context.Background())

	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("smtp: %w", err)
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
		endp.sessionCancel()
		endp.connsMu.Lock()
		for conn := range endp.conns {
			conn.Close()
		}
		endp.connsMu.Unlock()
		<-done
	}
	endp.sessionCancel()
	return nil
}
