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

package smtp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/petrelmail/petrel/framework/address"
	"github.com/petrelmail/petrel/framework/buffer"
	"github.com/petrelmail/petrel/framework/log"
)

type session struct {
	endp *Endpoint
	conn net.Conn
	text *textproto.Conn
	log  log.Logger

	// Envelope of the transaction in progress. Cleared by RSET and
	// after every completed DATA exchange.
	mailFrom string
	rcptTo   []string
	data     bytes.Buffer
	inData   bool
}

func newSession(endp *Endpoint, conn net.Conn) *session {
	s := &session{
		endp: endp,
		conn: conn,
		text: textproto.NewConn(conn),
		log:  endp.Log,
	}
	s.log.Fields = map[string]interface{}{"src_addr": conn.RemoteAddr()}
	return s
}

func (s *session) serve() {
	if err := s.reply("220 %s Simple Mail Transfer Service Ready", s.endp.domain); err != nil {
		return
	}

	for {
		line, err := s.readLine()
		if err != nil {
			// Both idle timeouts and client disconnects end the session
			// without a reply.
			s.log.DebugMsg("session closed", "reason", err)
			return
		}

		if s.inData {
			s.dataLine(line)
			continue
		}
		if quit := s.command(line); quit {
			return
		}
	}
}

func (s *session) command(line string) (quit bool) {
	verb := line
	if i := strings.IndexByte(line, ' '); i != -1 {
		verb = line[:i]
	}

	switch strings.ToUpper(verb) {
	case "HELO", "EHLO":
		s.reply("250 %s", s.endp.domain)
	case "MAIL":
		addr, ok := cutAddress(line)
		if !ok {
			s.reply("501 Syntax error in parameters")
			return false
		}
		s.mailFrom = addr
		startedSMTPTransactions.WithLabelValues("smtp").Inc()
		s.reply("250 OK")
	case "RCPT":
		addr, ok := cutAddress(line)
		if !ok {
			s.reply("501 Syntax error")
			return false
		}
		s.rcptTo = append(s.rcptTo, addr)
		s.reply("250 OK")
	case "DATA":
		if len(s.rcptTo) == 0 {
			s.reply("503 Bad sequence of commands")
			return false
		}
		s.data.Reset()
		s.inData = true
		s.reply("354 End data with <CRLF>.<CRLF>")
	case "RSET":
		s.resetTransaction()
		s.reply("250 OK")
	case "QUIT":
		s.reply("221 Bye")
		return true
	default:
		s.reply("500 Unrecognized command")
	}
	return false
}

// dataLine consumes one line of the message body. The terminating dot is
// handled here; dot-stuffed lines are reduced back so the stored message
// is exactly what the client composed, with CRLF line endings.
func (s *session) dataLine(line string) {
	if line == "." {
		s.inData = false
		s.dispatch()
		return
	}
	line = strings.TrimPrefix(line, ".")
	s.data.WriteString(line)
	s.data.WriteString("\r\n")
}

// dispatch attempts delivery to every accepted recipient and sends the
// aggregate reply. A failure for any recipient turns the reply into a
// temporary error, but does not stop delivery to the others.
func (s *session) dispatch() {
	body, err := s.bodyBuffer()
	if err != nil {
		s.log.Error("message buffering failed", err, "mail_from", s.mailFrom)
		abortedSMTPTransactions.WithLabelValues("smtp").Inc()
		s.reply("451 Requested action aborted: local error in processing")
		s.resetTransaction()
		return
	}
	defer body.Remove()

	failed := 0
	for _, rcpt := range s.rcptTo {
		if err := s.deliver(rcpt, body); err != nil {
			s.log.Error("delivery failed", err, "rcpt", rcpt, "mail_from", s.mailFrom)
			failedDeliveries.WithLabelValues("smtp").Inc()
			failed++
		}
	}

	if failed == 0 {
		completedSMTPTransactions.WithLabelValues("smtp").Inc()
		s.reply("250 OK Message accepted for delivery")
	} else {
		abortedSMTPTransactions.WithLabelValues("smtp").Inc()
		s.reply("451 Requested action aborted: local error in processing")
	}
	s.resetTransaction()
}

// bodyBuffer moves the accumulated DATA payload out of the line buffer.
// Messages over the in-memory cap are spooled to a temporary file that
// lives until the delivery attempt completes.
func (s *session) bodyBuffer() (buffer.Buffer, error) {
	if s.data.Len() <= s.endp.maxInMemoryBody {
		return buffer.BufferInMemory(&s.data)
	}
	return buffer.BufferInFile(&s.data, os.TempDir())
}

func (s *session) deliver(rcpt string, body buffer.Buffer) error {
	mbox, domain, err := address.Split(rcpt)
	if err != nil {
		return err
	}
	cleaned, err := address.CleanDomain(domain)
	if err != nil {
		return err
	}

	if cleaned == s.endp.domain || cleaned == "localhost" {
		return s.deliverLocal(mbox, rcpt, body)
	}
	if s.endp.relay == nil {
		return errors.New("smtp: relaying is not configured")
	}
	return s.endp.relay.Deliver(s.endp.sessionCtx, s.mailFrom, rcpt, body)
}

func (s *session) deliverLocal(mbox, rcpt string, body buffer.Buffer) error {
	user, ok := s.endp.auth.Lookup(mbox)
	if !ok {
		return fmt.Errorf("smtp: no such user: %s", mbox)
	}

	r, err := body.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	// The stored copy carries the trace headers the message was
	// accepted with.
	var trace bytes.Buffer
	fmt.Fprintf(&trace, "Return-Path: <%s>\r\n", s.mailFrom)
	fmt.Fprintf(&trace, "Delivered-To: %s\r\n", rcpt)

	uid, err := s.endp.store.SaveMessage(user, "INBOX", io.MultiReader(&trace, r))
	if err != nil {
		return err
	}
	s.log.Msg("delivered locally", "user", user, "uid", uid)
	return nil
}

func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	s.data.Reset()
	s.inData = false
}

func (s *session) readLine() (string, error) {
	if err := s.conn.SetDeadline(time.Now().Add(s.endp.timeout)); err != nil {
		return "", err
	}
	return s.text.ReadLine()
}

func (s *session) reply(format string, args ...interface{}) error {
	err := s.text.PrintfLine(format, args...)
	if err != nil {
		s.log.Error("reply write failed", err)
	}
	return err
}

// cutAddress extracts the mail address from a MAIL or RCPT command line:
// everything after the first colon, with the angle brackets and
// surrounding whitespace removed. The colon is required.
func cutAddress(line string) (string, bool) {
	_, rest, ok := strings.Cut(line, ":")
	if !ok {
		return "", false
	}
	addr := strings.TrimSpace(rest)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	return strings.TrimSpace(addr), true
}
