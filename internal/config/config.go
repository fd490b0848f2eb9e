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

// Package config defines the process-wide settings object.
//
// There is no configuration file. Everything except the authoritative
// domain and the worker count is compiled in and can be overridden only
// by tests.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Settings is the complete set of knobs used by the server. A single
// value is created on startup and shared read-only by all endpoints.
type Settings struct {
	// Domain is the authoritative domain. Messages addressed to it are
	// delivered locally, everything else is relayed.
	Domain string

	// MaxWorkers caps the number of concurrently served sessions across
	// all protocols.
	MaxWorkers int

	SMTPPort int
	IMAPPort int
	POP3Port int

	// StorageBase is the directory user mailboxes are created under,
	// relative to the working directory unless absolute.
	StorageBase string

	// Per-protocol I/O timeouts. A connection idle longer than this is
	// closed.
	SMTPTimeout time.Duration
	IMAPTimeout time.Duration
	POP3Timeout time.Duration

	// DNSTimeout is the receive timeout for a single DNS query attempt,
	// DNSRetries is the amount of attempts made before giving up.
	DNSTimeout time.Duration
	DNSRetries int

	// SMTPPortRemote is the port used for outbound relay connections.
	SMTPPortRemote int

	// Users maps login names to plaintext passwords.
	Users map[string]string
}

// Default returns the compiled-in settings for the given authoritative
// domain and worker count.
func Default(domain string, maxWorkers int) Settings {
	return Settings{
		Domain:         domain,
		MaxWorkers:     maxWorkers,
		SMTPPort:       25,
		IMAPPort:       143,
		POP3Port:       110,
		StorageBase:    "storage",
		SMTPTimeout:    5 * time.Minute,
		IMAPTimeout:    30 * time.Minute,
		POP3Timeout:    10 * time.Minute,
		DNSTimeout:     2 * time.Second,
		DNSRetries:     3,
		SMTPPortRemote: 25,
		Users: map[string]string{
			"dcd": "password",
			"vj":  "password",
		},
	}
}

// Validate checks the settings for values that cannot possibly work.
func (s Settings) Validate() error {
	if s.Domain == "" {
		return errors.New("config: domain must not be empty")
	}
	if s.MaxWorkers < 1 {
		return fmt.Errorf("config: max workers must be positive, got %d", s.MaxWorkers)
	}
	if s.StorageBase == "" {
		return errors.New("config: storage base must not be empty")
	}
	return nil
}
