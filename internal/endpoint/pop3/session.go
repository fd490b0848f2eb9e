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

package pop3

import (
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/petrelmail/petrel/framework/log"
	"github.com/petrelmail/petrel/internal/storage/file"
)

// POP3 exposes the INBOX only.
const folder = "INBOX"

type session struct {
	endp *Endpoint
	conn net.Conn
	text *textproto.Conn
	log  log.Logger

	pendingUser string
	user        string

	// msgs is the full INBOX listing as of the last refresh, including
	// messages already marked \Deleted. Commands address messages by
	// their 1-based position in the filtered (non-deleted) view.
	msgs []file.MessageInfo
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
	if err := s.reply("+OK POP3 server ready"); err != nil {
		return
	}

	for {
		line, err := s.readLine()
		if err != nil {
			s.log.DebugMsg("session closed", "reason", err)
			return
		}
		if quit := s.command(line); quit {
			return
		}
	}
}

func (s *session) command(line string) (quit bool) {
	cmd, arg := line, ""
	if i := strings.IndexByte(line, ' '); i != -1 {
		cmd, arg = line[:i], line[i+1:]
	}

	switch strings.ToUpper(cmd) {
	case "USER":
		if arg == "" {
			s.reply("-ERR User required")
			break
		}
		s.pendingUser = arg
		s.reply("+OK User accepted")
	case "PASS":
		if arg == "" {
			s.reply("-ERR Password required")
			break
		}
		s.login(s.pendingUser, arg)
	case "STAT":
		if !s.authed() {
			break
		}
		if err := s.refresh(); err != nil {
			s.storageErr(err)
			break
		}
		vis := s.visible()
		var total int64
		for _, msg := range vis {
			total += msg.Size
		}
		s.reply("+OK %d %d", len(vis), total)
	case "LIST", "UIDL":
		if !s.authed() {
			break
		}
		if err := s.refresh(); err != nil {
			s.storageErr(err)
			break
		}
		s.listing(strings.EqualFold(cmd, "UIDL"), arg)
	case "RETR":
		if !s.authed() {
			break
		}
		if arg == "" {
			s.reply("-ERR Missing argument")
			break
		}
		if err := s.refresh(); err != nil {
			s.storageErr(err)
			break
		}
		s.retr(arg)
	case "DELE":
		if !s.authed() {
			break
		}
		if arg == "" {
			s.reply("-ERR Missing argument")
			break
		}
		if err := s.refresh(); err != nil {
			s.storageErr(err)
			break
		}
		s.dele(arg)
	case "RSET":
		if !s.authed() {
			break
		}
		if err := s.refresh(); err != nil {
			s.storageErr(err)
			break
		}
		s.rset()
	case "NOOP":
		if !s.authed() {
			break
		}
		s.reply("+OK Noop")
	case "QUIT":
		s.update()
		s.reply("+OK Bye")
		return true
	default:
		s.reply("-ERR Unknown command")
	}
	return false
}

func (s *session) login(name, pass string) {
	// Both the bare mailbox name and a full address are accepted.
	mbox := name
	if i := strings.IndexByte(name, '@'); i != -1 {
		mbox = name[:i]
	}

	if err := s.endp.auth.AuthPlain(mbox, pass); err != nil {
		s.log.Error("authentication failed", err, "username", name)
		failedLogins.WithLabelValues("pop3").Inc()
		s.pendingUser = ""
		s.user = ""
		s.reply("-ERR Auth failed")
		return
	}

	user, _ := s.endp.auth.Lookup(mbox)
	s.user = user
	if err := s.refresh(); err != nil {
		s.log.Error("message list failed", err)
	}
	s.reply("+OK Logged in")
}

func (s *session) authed() bool {
	if s.user == "" {
		s.reply("-ERR Authenticate first")
		return false
	}
	return true
}

func (s *session) refresh() error {
	msgs, err := s.endp.store.ListMessages(s.user, folder)
	if err != nil {
		return err
	}
	s.msgs = msgs
	return nil
}

func (s *session) visible() []file.MessageInfo {
	vis := make([]file.MessageInfo, 0, len(s.msgs))
	for _, msg := range s.msgs {
		if s.deleted(msg.UID) {
			continue
		}
		vis = append(vis, msg)
	}
	return vis
}

func (s *session) deleted(uid uint32) bool {
	flags, err := s.endp.store.GetFlags(s.user, folder, uid)
	if err != nil {
		return false
	}
	for _, f := range flags {
		if f == `\Deleted` {
			return true
		}
	}
	return false
}

func (s *session) listing(uidl bool, arg string) {
	vis := s.visible()

	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil {
			s.reply("-ERR Invalid message number")
			return
		}
		if n < 1 || n > len(vis) {
			s.reply("-ERR Message not found or deleted")
			return
		}
		if uidl {
			s.reply("+OK %d %d", n, vis[n-1].UID)
		} else {
			s.reply("+OK %d %d", n, vis[n-1].Size)
		}
		return
	}

	var total int64
	for _, msg := range vis {
		total += msg.Size
	}
	s.reply("+OK %d messages (%d octets)", len(vis), total)
	for i, msg := range vis {
		if uidl {
			s.reply("%d %d", i+1, msg.UID)
		} else {
			s.reply("%d %d", i+1, msg.Size)
		}
	}
	s.reply(".")
}

func (s *session) retr(arg string) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		s.reply("-ERR Invalid message number")
		return
	}
	vis := s.visible()
	if n < 1 || n > len(vis) {
		s.reply("-ERR Message not found or deleted")
		return
	}

	body, err := s.endp.store.ReadMessage(s.user, folder, vis[n-1].UID)
	if err != nil {
		s.storageErr(err)
		return
	}

	if err := s.reply("+OK %d octets", len(body)); err != nil {
		return
	}
	// DotWriter re-stuffs leading dots and appends the terminating line.
	dw := s.text.DotWriter()
	if _, err := dw.Write(body); err != nil {
		s.log.Error("message write failed", err)
	}
	if err := dw.Close(); err != nil {
		s.log.Error("message write failed", err)
		return
	}
	retrievedMessages.WithLabelValues("pop3").Inc()
}

func (s *session) dele(arg string) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		s.reply("-ERR Invalid message number")
		return
	}
	vis := s.visible()
	if n < 1 || n > len(vis) {
		s.reply("-ERR Message not found or deleted")
		return
	}

	uid := vis[n-1].UID
	if s.deleted(uid) {
		s.reply("-ERR Message already deleted or invalid")
		return
	}
	if err := s.endp.store.UpdateFlag(s.user, folder, uid, `\Deleted`, true); err != nil {
		s.storageErr(err)
		return
	}
	s.reply("+OK Message marked for deletion")
}

func (s *session) rset() {
	failed := 0
	for _, msg := range s.msgs {
		if !s.deleted(msg.UID) {
			continue
		}
		if err := s.endp.store.UpdateFlag(s.user, folder, msg.UID, `\Deleted`, false); err != nil {
			s.log.Error("flag reset failed", err, "uid", msg.UID)
			failed++
		}
	}
	if failed != 0 {
		s.reply("-ERR Storage error")
		return
	}
	s.reply("+OK maildrop has %d messages", len(s.msgs))
}

// update runs the UPDATE state: every message still carrying \Deleted is
// removed from the store, file and metadata both.
func (s *session) update() {
	if s.user == "" {
		return
	}
	if err := s.refresh(); err != nil {
		s.log.Error("message list failed", err)
		return
	}
	for _, msg := range s.msgs {
		if !s.deleted(msg.UID) {
			continue
		}
		if err := s.endp.store.DeleteMessage(s.user, folder, msg.UID); err != nil {
			s.log.Error("message delete failed", err, "uid", msg.UID)
			continue
		}
		deletedMessages.WithLabelValues("pop3").Inc()
	}
}

func (s *session) storageErr(err error) {
	s.log.Error("storage error", err)
	s.reply("-ERR Storage error")
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
