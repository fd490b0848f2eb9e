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

package testutils

import (
	"bufio"
	"io"
	"net"
	"path"
	"testing"
	"time"
)

// Conn is a helper that simplifies testing of text protocol interactions.
type Conn struct {
	T *testing.T

	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	allowIOErr bool

	Conn    net.Conn
	Scanner *bufio.Scanner
}

func NewConn(t *testing.T, conn net.Conn) *Conn {
	return &Conn{
		T:            t,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  5 * time.Second,
		Conn:         conn,
		Scanner:      bufio.NewScanner(conn),
	}
}

// Dial connects to addr and wraps the connection.
func Dial(t *testing.T, addr string) *Conn {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal("Cannot connect:", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewConn(t, conn)
}

// AllowIOErr toggles whether I/O errors should be returned to the caller
// of Conn methods or should immediately fail the test.
//
// By default (ok = false), the latter happens.
func (c *Conn) AllowIOErr(ok bool) {
	c.allowIOErr = ok
}

// Write writes the string to the connection socket.
func (c *Conn) Write(s string) {
	c.T.Helper()

	// Make sure the test will not accidentally hang waiting for I/O
	// forever if the server breaks.
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout)); err != nil {
		c.T.Fatalf("Cannot set write deadline: %v", err)
	}
	defer func() {
		c.Conn.SetWriteDeadline(time.Time{})
	}()

	c.T.Logf("> %s", s)
	if _, err := io.WriteString(c.Conn, s); err != nil {
		c.T.Fatalf("Unexpected I/O error: %v", err)
	}
}

func (c *Conn) Writeln(s string) {
	c.T.Helper()

	c.Write(s + "\r\n")
}

func (c *Conn) Readln() (string, error) {
	c.T.Helper()

	if err := c.Conn.SetReadDeadline(time.Now().Add(c.ReadTimeout)); err != nil {
		c.T.Fatalf("Cannot set read deadline: %v", err)
	}
	defer func() {
		c.Conn.SetReadDeadline(time.Time{})
	}()

	if !c.Scanner.Scan() {
		if err := c.Scanner.Err(); err != nil {
			if c.allowIOErr {
				return "", err
			}
			c.T.Fatalf("Unexpected I/O error: %v", err)
		}
		if c.allowIOErr {
			return "", io.EOF
		}
		c.T.Fatal("Unexpected EOF")
	}

	c.T.Logf("< %s", c.Scanner.Text())

	return c.Scanner.Text(), nil
}

func (c *Conn) Expect(line string) {
	c.T.Helper()

	actual, err := c.Readln()
	if err != nil {
		c.T.Fatal("Unexpected I/O error:", err)
	}

	if line != actual {
		c.T.Fatalf("Response line not matching the expected one, want %q, got %q", line, actual)
	}
}

// ExpectPattern reads a line from the connection socket and checks whether
// it matches the supplied shell pattern (as defined by path.Match). The
// original line is returned.
func (c *Conn) ExpectPattern(pat string) string {
	c.T.Helper()

	line, err := c.Readln()
	if err != nil {
		c.T.Fatal("Unexpected I/O error:", err)
	}

	match, err := path.Match(pat, line)
	if err != nil {
		c.T.Fatal("Malformed pattern:", err)
	}
	if !match {
		c.T.Fatalf("Response line not matching the expected pattern, want %q, got %q", pat, line)
	}

	return line
}

// ExpectEOF asserts the server closed the connection.
func (c *Conn) ExpectEOF() {
	c.T.Helper()

	c.AllowIOErr(true)
	defer c.AllowIOErr(false)

	line, err := c.Readln()
	if err == nil {
		c.T.Fatalf("Expected connection close, got %q", line)
	}
}

func (c *Conn) Close() error {
	return c.Conn.Close()
}
