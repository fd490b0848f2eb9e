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

// Package smtpconn implements the client side of the outbound SMTP
// dialog used by the remote delivery target.
//
// The wrapper adds error annotation via the exterrors package and
// per-command deadlines on top of a textproto connection. One C object
// represents one session and cannot be reused after Close.
package smtpconn

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"time"

	"github.com/petrelmail/petrel/framework/exterrors"
	"github.com/petrelmail/petrel/framework/log"
)

// C represents the outbound SMTP connection.
type C struct {
	// Dialer to use to estabilish new network connections. Set to use
	// a custom dialer in tests.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// CommandTimeout bounds each command-response exchange as well as
	// the greeting read.
	CommandTimeout time.Duration

	Log log.Logger

	serverAddr string
	conn       net.Conn
	text       *textproto.Conn
}

// New creates a new instance of the C object with reasonable default
// values.
func New() *C {
	return &C{
		Dialer:         (&net.Dialer{}).DialContext,
		CommandTimeout: 5 * time.Minute,
		Log:            log.Logger{Name: "smtpconn"},
	}
}

func (c *C) wrapErr(err error) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{
		"remote_server": c.serverAddr,
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		fields["smtp_code"] = tpErr.Code
		fields["smtp_msg"] = tpErr.Msg
		return exterrors.WithFields(exterrors.WithTemporary(err, tpErr.Code/100 == 4), fields)
	}

	// Connection-level failures can be retried on an another host.
	return exterrors.WithFields(exterrors.WithTemporary(err, true), fields)
}

func (c *C) setDeadline(ctx context.Context) {
	deadline := time.Now().Add(c.CommandTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	c.conn.SetDeadline(deadline)
}

// Connect estabilishes the network connection to addr and reads the
// server greeting.
func (c *C) Connect(ctx context.Context, addr string) error {
	conn, err := c.Dialer(ctx, "tcp", addr)
	if err != nil {
		c.serverAddr = addr
		return c.wrapErr(err)
	}

	c.serverAddr = addr
	c.conn = conn
	c.text = textproto.NewConn(conn)

	c.setDeadline(ctx)
	if _, _, err := c.text.ReadResponse(220); err != nil {
		c.conn.Close()
		return c.wrapErr(err)
	}

	c.Log.DebugMsg("connected", "remote_server", c.serverAddr)
	return nil
}

// cmd sends one command and reads the reply, mirroring the sequencing
// net/smtp uses.
func (c *C) cmd(ctx context.Context, expectCode int, format string, args ...interface{}) (int, string, error) {
	c.setDeadline(ctx)

	id, err := c.text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)
	return c.text.ReadResponse(expectCode)
}

// Hello sends EHLO, falling back to HELO if the server replies with
// anything but 250 to EHLO.
func (c *C) Hello(ctx context.Context, localName string) error {
	_, _, err := c.cmd(ctx, 250, "EHLO %s", localName)
	if err == nil {
		return nil
	}

	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return c.wrapErr(err)
	}

	c.Log.DebugMsg("EHLO rejected, falling back to HELO",
		"smtp_code", tpErr.Code, "remote_server", c.serverAddr)
	if _, _, err := c.cmd(ctx, 250, "HELO %s", localName); err != nil {
		return c.wrapErr(err)
	}
	return nil
}

// Mail sends the MAIL FROM command.
func (c *C) Mail(ctx context.Context, from string) error {
	if _, _, err := c.cmd(ctx, 250, "MAIL FROM:<%s>", from); err != nil {
		return c.wrapErr(err)
	}
	return nil
}

// Rcpt sends the RCPT TO command. Both 250 and 251 ("will forward")
// count as acceptance.
func (c *C) Rcpt(ctx context.Context, to string) error {
	code, msg, err := c.cmd(ctx, 0, "RCPT TO:<%s>", to)
	if err != nil {
		return c.wrapErr(err)
	}
	if code != 250 && code != 251 {
		return c.wrapErr(&textproto.Error{Code: code, Msg: msg})
	}
	return nil
}

type dataCloser struct {
	c *C
	io.WriteCloser
}

// Close terminates the message body and reads the server's verdict.
func (d *dataCloser) Close() error {
	if err := d.WriteCloser.Close(); err != nil {
		return d.c.wrapErr(err)
	}
	if _, _, err := d.c.text.ReadResponse(250); err != nil {
		return d.c.wrapErr(err)
	}
	return nil
}

// Data sends the DATA command and returns the writer for the message
// body. The writer applies dot-stuffing to every line and appends the
// final dot line. Closing the writer completes the transaction and
// returns the server's verdict.
func (c *C) Data(ctx context.Context) (io.WriteCloser, error) {
	if _, _, err := c.cmd(ctx, 354, "DATA"); err != nil {
		return nil, c.wrapErr(err)
	}
	return &dataCloser{c: c, WriteCloser: c.text.DotWriter()}, nil
}

// Quit sends the QUIT command and closes the connection. Errors in the
// QUIT exchange are logged but not returned, the message is already
// accepted or rejected at this point.
func (c *C) Quit(ctx context.Context) {
	if c.conn == nil {
		return
	}
	if _, _, err := c.cmd(ctx, 221, "QUIT"); err != nil {
		c.Log.Error("QUIT failed", c.wrapErr(err))
	}
	c.Close()
}

// Close closes the underlying connection without the QUIT handshake.
func (c *C) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.Log.Error("connection close failed", err)
	}
	c.conn = nil
}

// ServerAddr returns the address passed to Connect, for log fields.
func (c *C) ServerAddr() string {
	return c.serverAddr
}
