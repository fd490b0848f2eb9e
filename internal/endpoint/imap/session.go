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

package imap

import (
	"errors"
	"net"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/petrelmail/petrel/framework/log"
	"github.com/petrelmail/petrel/internal/storage/file"
)

const capabilities = "IMAP4rev1 SASL-IR LOGIN-REFERRALS ID ENABLE IDLE LITERAL+"

type session struct {
	endp *Endpoint
	conn net.Conn
	text *textproto.Conn
	log  log.Logger

	user string

	// folder is the selected mailbox, empty outside the SELECTED state.
	// msgs is the listing cached at SELECT time; message sequence numbers
	// are 1-based positions in it and stay stable until NOOP observes
	// growth or EXPUNGE removes entries.
	folder string
	msgs   []file.MessageInfo
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
	if err := s.reply("* OK [CAPABILITY %s] IMAP4rev1 Service Ready", capabilities); err != nil {
		return
	}

	for {
		line, err := s.readLine()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.reply("* BYE Idle timeout")
			}
			s.log.DebugMsg("session closed", "reason", err)
			return
		}
		if quit := s.command(line); quit {
			return
		}
	}
}

func (s *session) command(line string) (quit bool) {
	tag, rest, ok := strings.Cut(line, " ")
	if !ok || tag == "" {
		s.reply("* BAD Invalid command")
		return false
	}
	verb, args, _ := strings.Cut(rest, " ")

	switch strings.ToUpper(verb) {
	case "CAPABILITY":
		s.reply("* CAPABILITY %s", capabilities)
		s.reply("%s OK CAPABILITY completed", tag)
	case "NOOP":
		s.noop(tag)
	case "LOGOUT":
		s.reply("* BYE Server logging out")
		s.reply("%s OK LOGOUT completed", tag)
		return true
	case "LOGIN":
		s.login(tag, args)
	case "SELECT":
		if !s.authed(tag) {
			break
		}
		s.selectMailbox(tag, args)
	case "LIST", "LSUB":
		if !s.authed(tag) {
			break
		}
		s.list(tag, strings.ToUpper(verb), args)
	case "CREATE":
		if !s.authed(tag) {
			break
		}
		s.create(tag, args)
	case "DELETE":
		if !s.authed(tag) {
			break
		}
		s.delete(tag, args)
	case "RENAME":
		if !s.authed(tag) {
			break
		}
		s.rename(tag, args)
	case "SUBSCRIBE", "UNSUBSCRIBE":
		if !s.authed(tag) {
			break
		}
		s.subscribe(tag, strings.ToUpper(verb), args)
	case "UID":
		if !s.authed(tag) {
			break
		}
		if s.folder == "" {
			s.reply("%s NO Select mailbox first", tag)
			break
		}
		s.uid(tag, args)
	case "EXPUNGE":
		if !s.authed(tag) {
			break
		}
		if s.folder == "" {
			s.reply("%s NO Select first", tag)
			break
		}
		failed := s.expunge(false)
		if failed != 0 {
			s.reply("%s NO Error processing command", tag)
			break
		}
		s.reply("%s OK EXPUNGE completed", tag)
	case "CLOSE":
		if !s.authed(tag) {
			break
		}
		if s.folder == "" {
			s.reply("%s NO Select first", tag)
			break
		}
		s.expunge(true)
		s.folder = ""
		s.msgs = nil
		s.reply("%s OK CLOSE completed", tag)
		return true
	default:
		s.reply("%s BAD Command not supported", tag)
	}
	return false
}

func (s *session) login(tag, args string) {
	if args == "" {
		s.reply("%s BAD Missing args", tag)
		return
	}
	parts := splitArgs(args)
	if len(parts) < 2 {
		s.reply("%s BAD Invalid args", tag)
		return
	}

	// Both the bare mailbox name and a full address are accepted.
	mbox := parts[0]
	if i := strings.IndexByte(mbox, '@'); i != -1 {
		mbox = mbox[:i]
	}

	if err := s.endp.auth.AuthPlain(mbox, parts[1]); err != nil {
		s.log.Error("authentication failed", err, "username", parts[0])
		failedLogins.WithLabelValues("imap").Inc()
		s.reply("%s NO LOGIN failed", tag)
		return
	}

	user, _ := s.endp.auth.Lookup(mbox)
	s.user = user
	s.folder = ""
	s.msgs = nil
	s.reply("%s OK LOGIN completed", tag)
}

func (s *session) authed(tag string) bool {
	if s.user == "" {
		s.reply("%s NO Login first", tag)
		return false
	}
	return true
}

func (s *session) noop(tag string) {
	if s.folder != "" {
		fresh, err := s.endp.store.ListMessages(s.user, s.folder)
		if err != nil {
			s.log.Error("message list failed", err)
		} else if len(fresh) > len(s.msgs) {
			s.reply("* %d EXISTS", len(fresh))
			s.reply("* %d RECENT", len(fresh)-len(s.msgs))
			s.msgs = fresh
		}
	}
	s.reply("%s OK NOOP completed", tag)
}

func (s *session) selectMailbox(tag, args string) {
	parts := splitArgs(args)
	if len(parts) == 0 {
		s.reply("%s BAD Missing args", tag)
		return
	}
	name := parts[0]
	if strings.EqualFold(name, "INBOX") {
		name = "INBOX"
	}

	if !s.endp.store.FolderExists(s.user, name) {
		s.reply("%s NO Mailbox does not exist", tag)
		return
	}
	msgs, err := s.endp.store.ListMessages(s.user, name)
	if err != nil {
		s.log.Error("message list failed", err, "folder", name)
		s.reply("%s NO Error processing command", tag)
		return
	}

	s.folder = name
	s.msgs = msgs

	next := uint32(1)
	if len(msgs) != 0 {
		next = msgs[len(msgs)-1].UID + 1
	}

	s.reply("* %d EXISTS", len(msgs))
	s.reply("* 0 RECENT")
	s.reply("* OK [UIDVALIDITY 1] UIDs valid")
	s.reply("* OK [UIDNEXT %d] Predicted next UID", next)
	s.reply(`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`)
	s.reply(`* OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft \*)] Limited`)
	s.reply("%s OK [READ-WRITE] SELECT completed", tag)
}

func (s *session) list(tag, verb, args string) {
	parts := splitArgs(args)
	if len(parts) < 2 {
		s.reply("%s BAD Missing args", tag)
		return
	}
	ref, pattern := parts[0], parts[1]

	if ref == "" && pattern == "" {
		s.reply(`* LIST (\Noselect) "/" ""`)
		s.reply("%s OK %s completed", tag, verb)
		return
	}

	folders, err := s.endp.store.ListFolders(s.user)
	if err != nil {
		s.log.Error("folder list failed", err)
		s.reply("%s NO Error processing command", tag)
		return
	}

	for _, f := range folders {
		if verb == "LSUB" && !f.Subscribed {
			continue
		}
		if !wildcardMatch(ref+pattern, f.Name) {
			continue
		}
		attr := `\HasNoChildren`
		if f.HasChildren {
			attr = `\HasChildren`
		}
		s.reply(`* LIST (%s) "/" "%s"`, attr, f.Name)
	}
	s.reply("%s OK %s completed", tag, verb)
}

func (s *session) create(tag, args string) {
	parts := splitArgs(args)
	if len(parts) == 0 {
		s.reply("%s BAD Missing args", tag)
		return
	}
	if err := s.endp.store.CreateFolder(s.user, parts[0]); err != nil {
		s.log.Error("folder create failed", err, "folder", parts[0])
		s.reply("%s NO Create failed", tag)
		return
	}
	s.reply("%s OK CREATE completed", tag)
}

func (s *session) delete(tag, args string) {
	parts := splitArgs(args)
	if len(parts) == 0 {
		s.reply("%s BAD Missing args", tag)
		return
	}
	if strings.EqualFold(parts[0], "INBOX") {
		s.reply("%s NO Cannot delete INBOX", tag)
		return
	}
	if err := s.endp.store.DeleteFolder(s.user, parts[0]); err != nil {
		s.log.Error("folder delete failed", err, "folder", parts[0])
		s.reply("%s NO Delete failed", tag)
		return
	}
	s.reply("%s OK DELETE completed", tag)
}

func (s *session) rename(tag, args string) {
	parts := splitArgs(args)
	if len(parts) < 2 {
		s.reply("%s BAD Missing args", tag)
		return
	}
	if strings.EqualFold(parts[0], "INBOX") {
		s.reply("%s NO Cannot rename INBOX", tag)
		return
	}
	if err := s.endp.store.RenameFolder(s.user, parts[0], parts[1]); err != nil {
		s.log.Error("folder rename failed", err, "folder", parts[0])
		s.reply("%s NO Rename failed", tag)
		return
	}
	s.reply("%s OK RENAME completed", tag)
}

func (s *session) subscribe(tag, verb, args string) {
	parts := splitArgs(args)
	if len(parts) == 0 {
		s.reply("%s BAD Missing args", tag)
		return
	}
	subscribed := verb == "SUBSCRIBE"
	if err := s.endp.store.SetSubscribed(s.user, parts[0], subscribed); err != nil {
		s.log.Error("subscription change failed", err, "folder", parts[0])
		if subscribed {
			s.reply("%s NO Subscribe failed", tag)
		} else {
			s.reply("%s NO Unsubscribe failed", tag)
		}
		return
	}
	s.reply("%s OK %s completed", tag, verb)
}

func (s *session) uid(tag, args string) {
	sub, rest, _ := strings.Cut(args, " ")
	switch strings.ToUpper(sub) {
	case "FETCH":
		s.uidFetch(tag, rest)
	case "STORE":
		s.uidStore(tag, rest)
	case "COPY":
		s.uidCopy(tag, rest)
	default:
		s.reply("%s BAD Unknown UID command", tag)
	}
}

func (s *session) uidStore(tag, args string) {
	fields := strings.SplitN(args, " ", 3)
	if len(fields) < 3 {
		s.reply("%s BAD Invalid STORE args", tag)
		return
	}
	set, err := parseUIDSet(fields[0], s.maxUID())
	if err != nil {
		s.reply("%s BAD Invalid UID", tag)
		return
	}
	mode := strings.ToUpper(fields[1])
	silent := strings.HasSuffix(mode, ".SILENT")
	mode = strings.TrimSuffix(mode, ".SILENT")
	if mode != "FLAGS" && mode != "+FLAGS" && mode != "-FLAGS" {
		s.reply("%s BAD Invalid STORE args", tag)
		return
	}
	flags := parseFlagList(fields[2])

	failed := 0
	for i, msg := range s.msgs {
		if !uidSetContains(set, msg.UID) {
			continue
		}
		if err := s.storeFlags(msg.UID, mode, flags); err != nil {
			s.log.Error("flag update failed", err, "uid", msg.UID)
			failed++
			continue
		}
		if silent {
			continue
		}
		cur, err := s.endp.store.GetFlags(s.user, s.folder, msg.UID)
		if err != nil {
			s.log.Error("flag read failed", err, "uid", msg.UID)
			failed++
			continue
		}
		sort.Strings(cur)
		s.reply("* %d FETCH (UID %d FLAGS (%s))", i+1, msg.UID, strings.Join(cur, " "))
	}
	if failed != 0 {
		s.reply("%s NO Error processing command", tag)
		return
	}
	s.reply("%s OK UID STORE completed", tag)
}

func (s *session) storeFlags(uid uint32, mode string, flags []string) error {
	if mode == "FLAGS" {
		return s.endp.store.SetFlags(s.user, s.folder, uid, flags)
	}
	for _, f := range flags {
		if err := s.endp.store.UpdateFlag(s.user, s.folder, uid, f, mode == "+FLAGS"); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) uidCopy(tag, args string) {
	setStr, rest, ok := strings.Cut(args, " ")
	if !ok {
		s.reply("%s BAD Invalid args", tag)
		return
	}
	destParts := splitArgs(rest)
	if len(destParts) == 0 {
		s.reply("%s BAD Invalid args", tag)
		return
	}
	dest := destParts[0]

	set, err := parseUIDSet(setStr, s.maxUID())
	if err != nil {
		s.reply("%s BAD Invalid UID", tag)
		return
	}

	if !s.endp.store.FolderExists(s.user, dest) {
		s.reply("%s NO [TRYCREATE] Mailbox does not exist", tag)
		return
	}

	var srcUIDs, dstUIDs []string
	failed := 0
	for _, msg := range s.msgs {
		if !uidSetContains(set, msg.UID) {
			continue
		}
		newUID, err := s.endp.store.CopyMessage(s.user, s.folder, msg.UID, dest)
		if err != nil {
			s.log.Error("message copy failed", err, "uid", msg.UID, "dest", dest)
			failed++
			continue
		}
		srcUIDs = append(srcUIDs, strconv.Itoa(int(msg.UID)))
		dstUIDs = append(dstUIDs, strconv.Itoa(int(newUID)))
	}
	if failed != 0 {
		s.reply("%s NO Copy failed", tag)
		return
	}
	if len(srcUIDs) == 0 {
		s.reply("%s NO Message not found", tag)
		return
	}
	s.reply("%s OK [COPYUID 1 %s %s] COPY completed", tag, strings.Join(srcUIDs, ","), strings.Join(dstUIDs, ","))
}

// expunge removes every cached message carrying \Deleted. The sequence
// counter holds still after a removal so the untagged EXPUNGE lines
// reflect the renumbering the client performs as it processes them.
func (s *session) expunge(silent bool) (failed int) {
	seq := 1
	kept := make([]file.MessageInfo, 0, len(s.msgs))
	for _, msg := range s.msgs {
		deleted, err := s.hasFlag(msg.UID, `\Deleted`)
		if err != nil {
			s.log.Error("flag read failed", err, "uid", msg.UID)
			failed++
			kept = append(kept, msg)
			seq++
			continue
		}
		if !deleted {
			kept = append(kept, msg)
			seq++
			continue
		}
		if err := s.endp.store.DeleteMessage(s.user, s.folder, msg.UID); err != nil {
			s.log.Error("message delete failed", err, "uid", msg.UID)
			failed++
			kept = append(kept, msg)
			seq++
			continue
		}
		expungedMessages.WithLabelValues("imap").Inc()
		if !silent {
			s.reply("* %d EXPUNGE", seq)
		}
	}
	s.msgs = kept
	return failed
}

func (s *session) maxUID() uint32 {
	if len(s.msgs) == 0 {
		return 0
	}
	return s.msgs[len(s.msgs)-1].UID
}

func (s *session) hasFlag(uid uint32, flag string) (bool, error) {
	flags, err := s.endp.store.GetFlags(s.user, s.folder, uid)
	if err != nil {
		return false, err
	}
	for _, f := range flags {
		if f == flag {
			return true, nil
		}
	}
	return false, nil
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
