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

// Package remote implements message delivery to the mail exchangers of
// remote domains.
//
// For each recipient the target resolves the recipient domain's MX
// records, tries the exchangers in preference order and runs the
// outbound SMTP dialog on the first one that accepts a connection. Per
// RFC 5321 Section 5.1, a domain without MX records is treated as its
// own mail exchanger with preference 0.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"

	"github.com/petrelmail/petrel/framework/address"
	"github.com/petrelmail/petrel/framework/buffer"
	"github.com/petrelmail/petrel/framework/exterrors"
	"github.com/petrelmail/petrel/framework/log"
	"github.com/petrelmail/petrel/internal/dns"
	"github.com/petrelmail/petrel/internal/smtpconn"
)

// Target is the outbound relay. Fields are set once during server
// construction and are safe for concurrent use afterwards.
type Target struct {
	// Hostname is the name sent in EHLO/HELO.
	Hostname string

	Resolver dns.Resolver

	// Dialer to use for outbound connections. Tests substitute one that
	// redirects all connections to a local server.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Port to connect to on the remote hosts, "25" unless overridden.
	Port string

	Log log.Logger
}

func New(hostname string, resolver dns.Resolver) *Target {
	return &Target{
		Hostname: hostname,
		Resolver: resolver,
		Dialer:   (&net.Dialer{}).DialContext,
		Port:     "25",
		Log:      log.Logger{Name: "remote"},
	}
}

// Deliver relays the buffered message to a single remote recipient and
// blocks until the remote server accepts or rejects it. The body buffer
// is read once and is not consumed on failure.
//
// The error is marked temporary if another attempt may succeed
// (connection-level failures, 4xx replies).
func (rt *Target) Deliver(ctx context.Context, mailFrom, rcptTo string, body buffer.Buffer) error {
	_, domain, err := address.Split(rcptTo)
	if err != nil {
		return exterrors.WithFields(err, map[string]interface{}{"rcpt": rcptTo})
	}

	conn, err := rt.connectionForDomain(ctx, domain)
	if err != nil {
		failedRelays.WithLabelValues("remote").Inc()
		return err
	}
	defer conn.Close()

	if err := rt.dialog(ctx, conn, mailFrom, rcptTo, body); err != nil {
		failedRelays.WithLabelValues("remote").Inc()
		return err
	}

	relayedMessages.WithLabelValues("remote").Inc()
	rt.Log.Msg("message relayed", "rcpt", rcptTo, "remote_server", conn.ServerAddr())
	return nil
}

func (rt *Target) dialog(ctx context.Context, conn *smtpconn.C, mailFrom, rcptTo string, body buffer.Buffer) error {
	if err := conn.Hello(ctx, rt.Hostname); err != nil {
		return err
	}
	if err := conn.Mail(ctx, mailFrom); err != nil {
		return err
	}
	if err := conn.Rcpt(ctx, rcptTo); err != nil {
		return err
	}

	r, err := body.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := conn.Data(ctx)
	if err != nil {
		return err
	}
	if err := writeWithHeaders(w, mailFrom, rcptTo, r); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	conn.Quit(ctx)
	return nil
}

// connectionForDomain resolves the domain's exchangers and returns an
// established connection to the most preferred one that answers.
func (rt *Target) connectionForDomain(ctx context.Context, domain string) (*smtpconn.C, error) {
	domain, err := address.CleanDomain(domain)
	if err != nil {
		return nil, exterrors.WithFields(err, map[string]interface{}{"domain": domain})
	}

	records := rt.lookupMX(ctx, domain)

	var lastErr error
	for _, record := range records {
		addrs, err := rt.Resolver.LookupHost(ctx, record.Host)
		if err != nil {
			reason, misc := exterrors.UnwrapDNSErr(err)
			if reason != "" {
				misc["reason"] = reason
			}
			lastErr = exterrors.WithFields(err, misc)
			rt.Log.Error("cannot resolve MX", lastErr, "remote_server", record.Host, "domain", domain)
			continue
		}
		if len(addrs) == 0 {
			lastErr = exterrors.WithFields(errors.New("remote: no A records"),
				map[string]interface{}{"remote_server": record.Host, "domain": domain})
			continue
		}

		for _, addr := range addrs {
			conn := smtpconn.New()
			conn.Dialer = rt.Dialer
			conn.Log = rt.Log
			if err := conn.Connect(ctx, net.JoinHostPort(addr, rt.Port)); err != nil {
				rt.Log.Error("cannot connect", err,
					"remote_server", record.Host, "remote_addr", addr, "domain", domain)
				lastErr = err
				continue
			}
			return conn, nil
		}
	}

	if lastErr == nil {
		lastErr = errors.New("remote: no usable MXs")
	}
	return nil, exterrors.WithFields(
		fmt.Errorf("remote: no usable MXs for %s: %w", domain, lastErr),
		map[string]interface{}{"domain": domain})
}

// lookupMX returns the domain's exchangers sorted ascending by
// preference. Lookup failures and empty answers both degrade to the
// implicit MX on the bare domain.
func (rt *Target) lookupMX(ctx context.Context, domain string) []*net.MX {
	records, err := rt.Resolver.LookupMX(ctx, domain)
	if err != nil {
		rt.Log.Error("MX lookup failed, falling back to A", err, "domain", domain)
		records = nil
	}
	if len(records) == 0 {
		mxFallbacks.WithLabelValues("remote").Inc()
		records = append(records, &net.MX{Host: domain, Pref: 0})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})
	return records
}

// writeWithHeaders copies msg to w, prepending From and To header
// fields synthesized from the envelope when the message's own header
// block does not carry them. Some MTAs bounce messages without them.
// Existing bytes are never rewritten, missing fields are prepended.
func writeWithHeaders(w io.Writer, mailFrom, rcptTo string, msg io.Reader) error {
	br := bufio.NewReader(msg)

	// Scan the header block, keeping the bytes so they can be replayed.
	var header bytes.Buffer
	hasFrom, hasTo := false, false
	for {
		line, err := br.ReadString('\n')
		header.WriteString(line)
		l := strings.ToLower(strings.TrimRight(line, "\r\n"))
		switch {
		case strings.HasPrefix(l, "from:"):
			hasFrom = true
		case strings.HasPrefix(l, "to:"):
			hasTo = true
		}
		if err != nil || l == "" {
			break
		}
	}

	if !hasFrom {
		if _, err := fmt.Fprintf(w, "From: %s\r\n", mailFrom); err != nil {
			return err
		}
	}
	if !hasTo {
		if _, err := fmt.Fprintf(w, "To: %s\r\n", rcptTo); err != nil {
			return err
		}
	}
	if _, err := io.Copy(w, &header); err != nil {
		return err
	}
	_, err := io.Copy(w, br)
	return err
}
