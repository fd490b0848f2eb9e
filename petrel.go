/*
Petrel Mail Server - compact multi-protocol mail server.
Copyright © 2025 Petrel Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package petrel assembles the server from its parts: the message store,
// the resolver, the outbound relay and the three protocol endpoints.
package petrel

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/petrelmail/petrel/framework/hooks"
	"github.com/petrelmail/petrel/framework/log"
	"github.com/petrelmail/petrel/internal/auth"
	petrelcli "github.com/petrelmail/petrel/internal/cli"
	"github.com/petrelmail/petrel/internal/config"
	"github.com/petrelmail/petrel/internal/dns"
	"github.com/petrelmail/petrel/internal/endpoint/imap"
	"github.com/petrelmail/petrel/internal/endpoint/pop3"
	"github.com/petrelmail/petrel/internal/endpoint/smtp"
	"github.com/petrelmail/petrel/internal/limits/limiters"
	"github.com/petrelmail/petrel/internal/locker"
	"github.com/petrelmail/petrel/internal/storage/file"
	"github.com/petrelmail/petrel/internal/target/remote"
)

func init() {
	petrelcli.AddSubcommand(&cli.Command{
		Name:      "run",
		Usage:     "Start the server",
		ArgsUsage: "<domain> <max-workers>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "enable debug logging early",
				Destination: &log.DefaultLogger.Debug,
			},
		},
		Action: Run,
	})
}

// Run is the entry point for the run subcommand. It parses the
// positional arguments, assembles the server and blocks until a
// termination signal arrives.
func Run(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit(fmt.Sprintf("usage: %s run [options] <domain> <max-workers>", c.App.Name), 1)
	}

	maxWorkers, err := strconv.Atoi(c.Args().Get(1))
	if err != nil {
		return cli.Exit(fmt.Sprintf("max-workers must be an integer: %v", err), 1)
	}

	settings := config.Default(c.Args().Get(0), maxWorkers)
	if err := settings.Validate(); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	srv, err := New(settings, log.DefaultLogger)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	hooks.AddHook(hooks.EventShutdown, srv.Close)
	defer hooks.RunHooks(hooks.EventShutdown)

	log.Printf("petrel %s starting for %s", BuildInfo(), settings.Domain)
	handleSignals()

	return nil
}

// Server ties the shared infrastructure to the protocol endpoints.
// Endpoints that failed to bind are nil.
type Server struct {
	settings config.Settings

	store *file.Store

	smtp *smtp.Endpoint
	imap *imap.Endpoint
	pop3 *pop3.Endpoint

	Log log.Logger
}

// New assembles a server from settings. Each endpoint binds its
// compiled-in port; a bind failure disables that protocol but the
// server still comes up as long as at least one endpoint is listening.
//
// Sub-loggers for the endpoints, resolver and relay are derived from
// logger. Tests pass one that routes through testing.T.
func New(settings config.Settings, logger log.Logger) (*Server, error) {
	authTable, err := auth.NewStatic(settings.Users)
	if err != nil {
		return nil, fmt.Errorf("petrel: %w", err)
	}

	s := &Server{
		settings: settings,
		store:    file.New(settings.StorageBase, locker.New()),
		Log:      logger,
	}
	s.Log.Name = "petrel"

	resolver := &dns.Client{
		Timeout: settings.DNSTimeout,
		Retries: settings.DNSRetries,
		Log:     named(logger, "dns"),
	}

	relay := remote.New(settings.Domain, resolver)
	relay.Port = strconv.Itoa(settings.SMTPPortRemote)
	relay.Log = named(logger, "remote")

	// One semaphore for all three endpoints so the worker cap holds
	// across protocols, not per protocol.
	pool := limiters.NewSemaphore(settings.MaxWorkers)

	// Endpoints default the logger name to their protocol.
	endpLog := named(logger, "")

	started := 0
	smtpEndp, err := smtp.New(smtp.Config{
		Domain:  settings.Domain,
		Addr:    fmt.Sprintf(":%d", settings.SMTPPort),
		Store:   s.store,
		Auth:    authTable,
		Relay:   relay,
		Pool:    pool,
		Timeout: settings.SMTPTimeout,
		Log:     endpLog,
	})
	if err != nil {
		s.Log.Error("SMTP endpoint disabled", err)
	} else {
		s.smtp = smtpEndp
		started++
	}

	imapEndp, err := imap.New(imap.Config{
		Addr:    fmt.Sprintf(":%d", settings.IMAPPort),
		Store:   s.store,
		Auth:    authTable,
		Pool:    pool,
		Timeout: settings.IMAPTimeout,
		Log:     endpLog,
	})
	if err != nil {
		s.Log.Error("IMAP endpoint disabled", err)
	} else {
		s.imap = imapEndp
		started++
	}

	pop3Endp, err := pop3.New(pop3.Config{
		Addr:    fmt.Sprintf(":%d", settings.POP3Port),
		Store:   s.store,
		Auth:    authTable,
		Pool:    pool,
		Timeout: settings.POP3Timeout,
		Log:     endpLog,
	})
	if err != nil {
		s.Log.Error("POP3 endpoint disabled", err)
	} else {
		s.pop3 = pop3Endp
		started++
	}

	if started == 0 {
		s.Close()
		return nil, errors.New("petrel: no endpoint could be started")
	}
	return s, nil
}

// Close stops the listeners and drains active sessions, giving each
// endpoint its grace period before connections are force-closed.
func (s *Server) Close() {
	if s.smtp != nil {
		if err := s.smtp.Close(); err != nil {
			s.Log.Error("SMTP endpoint close", err)
		}
	}
	if s.imap != nil {
		if err := s.imap.Close(); err != nil {
			s.Log.Error("IMAP endpoint close", err)
		}
	}
	if s.pop3 != nil {
		if err := s.pop3.Close(); err != nil {
			s.Log.Error("POP3 endpoint close", err)
		}
	}
}

func named(l log.Logger, name string) log.Logger {
	l.Name = name
	return l
}
