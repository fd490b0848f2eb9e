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

// Package dns implements the minimal stub resolver used for outbound
// mail routing.
//
// Queries are plain RFC 1035 UDP datagrams sent to a single recursive
// server, the first nameserver from /etc/resolv.conf or 8.8.8.8 if none
// can be determined. Responses larger than 512 bytes are not requested
// and TCP fallback is not implemented, which is sufficient for the MX
// and A lookups the relay performs.
package dns

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/petrelmail/petrel/framework/log"
)

// Resolver is the lookup interface the relay depends on. *Client
// implements it, tests substitute an in-memory fake.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
}

const (
	defaultServer  = "8.8.8.8"
	defaultTimeout = 2 * time.Second
	defaultRetries = 3

	resolvConfPath = "/etc/resolv.conf"

	// maxPacketSize is the largest datagram accepted, RFC 1035 UDP limit.
	maxPacketSize = 512
)

// Client is a stub resolver talking to one recursive server.
//
// The zero value is usable and equivalent to
// Client{Timeout: 2s, Retries: 3}.
type Client struct {
	// ServerAddr overrides nameserver discovery. It must include the
	// port. Used by tests to point the client at a local server.
	ServerAddr string

	// ResolvConf overrides the path nameserver discovery reads.
	ResolvConf string

	// Timeout bounds a single receive attempt, Retries is the number of
	// attempts made before the query fails with a timeout.
	Timeout time.Duration
	Retries int

	Log log.Logger
}

func (c *Client) server() string {
	if c.ServerAddr != "" {
		return c.ServerAddr
	}
	path := c.ResolvConf
	if path == "" {
		path = resolvConfPath
	}
	ns := nameserver(path)
	if ns == "" {
		ns = defaultServer
	}
	return net.JoinHostPort(ns, "53")
}

func (c *Client) timeout() time.Duration {
	if c.Timeout != 0 {
		return c.Timeout
	}
	return defaultTimeout
}

func (c *Client) retries() int {
	if c.Retries != 0 {
		return c.Retries
	}
	return defaultRetries
}

// LookupMX returns the domain's MX records sorted by preference,
// most preferred first. An answer section without MX records yields an
// empty result and no error, the caller decides how to fall back.
func (c *Client) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	answers, err := c.exchange(ctx, name, typeMX)
	if err != nil {
		return nil, err
	}

	var records []*net.MX
	for _, a := range answers {
		if a.Type != typeMX {
			continue
		}
		records = append(records, &net.MX{Host: a.Host + ".", Pref: a.Pref})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Pref < records[j].Pref })
	return records, nil
}

// LookupHost returns the host's IPv4 addresses in answer order. An
// answer section without A records yields an empty result and no error.
func (c *Client) LookupHost(ctx context.Context, host string) ([]string, error) {
	answers, err := c.exchange(ctx, host, typeA)
	if err != nil {
		return nil, err
	}

	var addrs []string
	for _, a := range answers {
		if a.Type == typeA {
			addrs = append(addrs, a.Addr)
		}
	}
	return addrs, nil
}

// exchange runs one query against the configured server. Receive
// timeouts are retried with the same packet, anything else fails the
// query immediately.
func (c *Client) exchange(ctx context.Context, name string, qtype uint16) ([]answer, error) {
	server := c.server()

	query, tid, err := buildQuery(name, qtype)
	if err != nil {
		return nil, &net.DNSError{Err: err.Error(), Name: name, Server: server}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", server)
	if err != nil {
		return nil, &net.DNSError{Err: err.Error(), Name: name, Server: server, IsTemporary: true}
	}
	defer conn.Close()

	buf := make([]byte, maxPacketSize)
	for attempt := 0; attempt < c.retries(); attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &net.DNSError{Err: err.Error(), Name: name, Server: server, IsTemporary: true}
		}

		c.Log.Debugf("query %s type %d via %s (attempt %d)", name, qtype, server, attempt+1)

		if _, err := conn.Write(query); err != nil {
			return nil, &net.DNSError{Err: err.Error(), Name: name, Server: server, IsTemporary: true}
		}

		deadline := time.Now().Add(c.timeout())
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, &net.DNSError{Err: err.Error(), Name: name, Server: server, IsTemporary: true}
		}

		n, err := conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return nil, &net.DNSError{Err: err.Error(), Name: name, Server: server, IsTemporary: true}
		}

		answers, err := parseResponse(buf[:n], tid)
		if err != nil {
			return nil, &net.DNSError{Err: err.Error(), Name: name, Server: server}
		}
		return answers, nil
	}

	return nil, &net.DNSError{
		Err:       "i/o timeout",
		Name:      name,
		Server:    server,
		IsTimeout: true,
	}
}
