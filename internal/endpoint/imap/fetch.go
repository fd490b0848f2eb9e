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
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
	"github.com/petrelmail/petrel/internal/storage/file"
)

const internalDateLayout = "_2-Jan-2006 15:04:05 -0700"

// fetchItem is one parsed FETCH data item. Section requests carry the
// part name ("", "HEADER" or "TEXT") and stream their content as a
// literal; everything else renders inline.
type fetchItem struct {
	name    string
	section bool
	peek    bool
	part    string
}

var (
	macroFast = []fetchItem{{name: "FLAGS"}, {name: "INTERNALDATE"}, {name: "RFC822.SIZE"}}
	macroAll  = []fetchItem{{name: "FLAGS"}, {name: "INTERNALDATE"}, {name: "RFC822.SIZE"}, {name: "ENVELOPE"}}
	macroFull = []fetchItem{{name: "FLAGS"}, {name: "INTERNALDATE"}, {name: "RFC822.SIZE"}, {name: "ENVELOPE"}, {name: "BODY"}}
)

// parseFetchItems parses a FETCH data-item list, resolving the ALL,
// FAST and FULL macros. An explicit UID item is dropped since UID is
// always the first part of every response.
func parseFetchItems(arg string) ([]fetchItem, error) {
	arg = strings.TrimSpace(arg)
	if strings.HasPrefix(arg, "(") {
		if !strings.HasSuffix(arg, ")") {
			return nil, errors.New("imap: unbalanced item list")
		}
		arg = arg[1 : len(arg)-1]
	}
	tokens := strings.Fields(arg)
	if len(tokens) == 0 {
		return nil, errors.New("imap: empty item list")
	}

	if len(tokens) == 1 {
		switch strings.ToUpper(tokens[0]) {
		case "ALL":
			return macroAll, nil
		case "FAST":
			return macroFast, nil
		case "FULL":
			return macroFull, nil
		}
	}

	items := make([]fetchItem, 0, len(tokens))
	for _, tok := range tokens {
		up := strings.ToUpper(tok)
		switch {
		case up == "UID":
		case up == "FLAGS", up == "RFC822.SIZE", up == "INTERNALDATE",
			up == "ENVELOPE", up == "BODYSTRUCTURE", up == "BODY":
			items = append(items, fetchItem{name: up})
		case strings.HasPrefix(up, "BODY.PEEK[") && strings.HasSuffix(up, "]"):
			part := up[len("BODY.PEEK[") : len(up)-1]
			if !validSection(part) {
				return nil, fmt.Errorf("imap: unsupported section %q", tok)
			}
			items = append(items, fetchItem{section: true, peek: true, part: part})
		case strings.HasPrefix(up, "BODY[") && strings.HasSuffix(up, "]"):
			part := up[len("BODY[") : len(up)-1]
			if !validSection(part) {
				return nil, fmt.Errorf("imap: unsupported section %q", tok)
			}
			items = append(items, fetchItem{section: true, part: part})
		default:
			return nil, fmt.Errorf("imap: unknown fetch item %q", tok)
		}
	}
	return items, nil
}

func validSection(part string) bool {
	return part == "" || part == "HEADER" || part == "TEXT"
}

func (s *session) uidFetch(tag, args string) {
	setStr, itemsStr, ok := strings.Cut(args, " ")
	if !ok || strings.TrimSpace(itemsStr) == "" {
		s.reply("%s BAD Invalid args", tag)
		return
	}
	set, err := parseUIDSet(setStr, s.maxUID())
	if err != nil {
		s.reply("%s BAD Invalid UID", tag)
		return
	}
	items, err := parseFetchItems(itemsStr)
	if err != nil {
		s.reply("%s BAD Invalid args", tag)
		return
	}

	failed := 0
	for i, msg := range s.msgs {
		if !uidSetContains(set, msg.UID) {
			continue
		}
		if err := s.fetchMsg(i+1, msg, items); err != nil {
			s.log.Error("fetch failed", err, "uid", msg.UID)
			failed++
		}
	}
	if failed != 0 {
		s.reply("%s NO Error processing command", tag)
		return
	}
	s.reply("%s OK UID FETCH completed", tag)
}

// fetchPart is one rendered data item. Literal parts append a CRLF and
// their raw bytes right after the {n} marker in the text.
type fetchPart struct {
	text  string
	lit   []byte
	isLit bool
}

// fetchMsg renders one FETCH response. All store reads happen before
// the first byte is written so a failing message produces no partial
// line.
func (s *session) fetchMsg(msn int, info file.MessageInfo, items []fetchItem) error {
	var raw []byte
	loaded := false
	load := func() ([]byte, error) {
		if loaded {
			return raw, nil
		}
		var err error
		raw, err = s.endp.store.ReadMessage(s.user, s.folder, info.UID)
		if err != nil {
			return nil, err
		}
		loaded = true
		return raw, nil
	}

	parts := make([]fetchPart, 0, len(items))
	for _, it := range items {
		if it.section {
			msg, err := load()
			if err != nil {
				return err
			}
			content := sectionBytes(msg, it.part)
			if !it.peek {
				if err := s.markSeen(info.UID); err != nil {
					return err
				}
			}
			parts = append(parts, fetchPart{
				text:  fmt.Sprintf("BODY[%s] {%d}", it.part, len(content)),
				lit:   content,
				isLit: true,
			})
			continue
		}

		switch it.name {
		case "FLAGS":
			flags, err := s.endp.store.GetFlags(s.user, s.folder, info.UID)
			if err != nil {
				return err
			}
			sort.Strings(flags)
			parts = append(parts, fetchPart{text: fmt.Sprintf("FLAGS (%s)", strings.Join(flags, " "))})
		case "RFC822.SIZE":
			parts = append(parts, fetchPart{text: fmt.Sprintf("RFC822.SIZE %d", info.Size)})
		case "INTERNALDATE":
			parts = append(parts, fetchPart{text: fmt.Sprintf("INTERNALDATE \"%s\"", info.ModTime.Format(internalDateLayout))})
		case "ENVELOPE":
			msg, err := load()
			if err != nil {
				return err
			}
			env, err := envelope(msg)
			if err != nil {
				return err
			}
			parts = append(parts, fetchPart{text: "ENVELOPE " + env})
		case "BODYSTRUCTURE", "BODY":
			msg, err := load()
			if err != nil {
				return err
			}
			_, text := splitMessage(msg)
			parts = append(parts, fetchPart{text: fmt.Sprintf(
				`%s ("text" "plain" ("charset" "us-ascii") NIL NIL "7bit" %d %d)`,
				it.name, len(text), countLines(text))})
		}
	}

	w := s.text.W
	if _, err := fmt.Fprintf(w, "* %d FETCH (UID %d", msn, info.UID); err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := fmt.Fprintf(w, " %s", p.text); err != nil {
			return err
		}
		if p.isLit {
			if _, err := w.WriteString("\r\n"); err != nil {
				return err
			}
			if _, err := w.Write(p.lit); err != nil {
				return err
			}
		}
	}
	if _, err := w.WriteString(")\r\n"); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fetchedMessages.WithLabelValues("imap").Inc()
	return nil
}

func (s *session) markSeen(uid uint32) error {
	seen, err := s.hasFlag(uid, `\Seen`)
	if err != nil || seen {
		return err
	}
	return s.endp.store.UpdateFlag(s.user, s.folder, uid, `\Seen`, true)
}

func sectionBytes(raw []byte, part string) []byte {
	header, text := splitMessage(raw)
	switch part {
	case "HEADER":
		return header
	case "TEXT":
		return text
	default:
		return raw
	}
}

// splitMessage cuts the message at the first blank line. The header
// half keeps the blank line; the remainder is the body text.
func splitMessage(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i != -1 {
		return raw[:i+4], raw[i+4:]
	}
	return raw, nil
}

func countLines(b []byte) int {
	n := bytes.Count(b, []byte{'\n'})
	if len(b) > 0 && b[len(b)-1] != '\n' {
		n++
	}
	return n
}

// envelope renders the RFC 3501 ENVELOPE structure from the message
// header: date, subject, the six address lists, in-reply-to and
// message-id. Missing Sender and Reply-To inherit From.
func envelope(raw []byte) (string, error) {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", err
	}
	hdr := gomail.Header{Header: ent.Header}

	from := addressList(hdr, "From")
	sender := addressList(hdr, "Sender")
	if sender == "" {
		sender = from
	}
	replyTo := addressList(hdr, "Reply-To")
	if replyTo == "" {
		replyTo = from
	}

	fields := []string{
		quoteOrNIL(hdr.Get("Date")),
		quoteOrNIL(hdr.Get("Subject")),
		orNIL(from),
		orNIL(sender),
		orNIL(replyTo),
		orNIL(addressList(hdr, "To")),
		orNIL(addressList(hdr, "Cc")),
		orNIL(addressList(hdr, "Bcc")),
		quoteOrNIL(hdr.Get("In-Reply-To")),
		quoteOrNIL(hdr.Get("Message-Id")),
	}
	return "(" + strings.Join(fields, " ") + ")", nil
}

// addressList renders one header address list as nested parenthesized
// groups, or "" if the field is absent or unparsable.
func addressList(hdr gomail.Header, key string) string {
	addrs, err := hdr.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteByte('(')
	for _, a := range addrs {
		local, domain := a.Address, ""
		if i := strings.LastIndexByte(a.Address, '@'); i != -1 {
			local, domain = a.Address[:i], a.Address[i+1:]
		}
		b.WriteByte('(')
		if a.Name != "" {
			b.WriteString(quoteString(a.Name))
		} else {
			b.WriteString("NIL")
		}
		b.WriteString(" NIL ")
		b.WriteString(quoteString(local))
		b.WriteByte(' ')
		if domain != "" {
			b.WriteString(quoteString(domain))
		} else {
			b.WriteString("NIL")
		}
		b.WriteByte(')')
	}
	b.WriteByte(')')
	return b.String()
}

func quoteString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func quoteOrNIL(s string) string {
	if s == "" {
		return "NIL"
	}
	return quoteString(s)
}

func orNIL(s string) string {
	if s == "" {
		return "NIL"
	}
	return s
}
