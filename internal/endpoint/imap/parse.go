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
	"strconv"
	"strings"
)

// splitArgs splits a command tail on spaces, honoring double-quoted
// spans. Quotes are stripped and backslash escapes inside them are
// resolved; a quoted empty string is a real (empty) argument.
func splitArgs(s string) []string {
	var args []string
	var cur strings.Builder
	inQuote, sawQuote := false, false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuote = !inQuote
			sawQuote = true
		case c == '\\' && inQuote && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case c == ' ' && !inQuote:
			if cur.Len() > 0 || sawQuote {
				args = append(args, cur.String())
				cur.Reset()
				sawQuote = false
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 || sawQuote {
		args = append(args, cur.String())
	}
	return args
}

// wildcardMatch matches a mailbox name against a LIST pattern: '*'
// matches any run of characters, '%' any run not crossing a '/'.
func wildcardMatch(pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(name); i++ {
			if wildcardMatch(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	case '%':
		for i := 0; i <= len(name); i++ {
			if wildcardMatch(pattern[1:], name[i:]) {
				return true
			}
			if i < len(name) && name[i] == '/' {
				return false
			}
		}
		return false
	default:
		if name == "" || name[0] != pattern[0] {
			return false
		}
		return wildcardMatch(pattern[1:], name[1:])
	}
}

type uidRange struct {
	lo, hi uint32
}

// parseUIDSet parses the UID set grammar: a, a,b,c, a:b, a:*, *. The
// star resolves to max, the highest UID present in the mailbox.
func parseUIDSet(arg string, max uint32) ([]uidRange, error) {
	if arg == "" {
		return nil, errors.New("imap: empty UID set")
	}

	var set []uidRange
	for _, part := range strings.Split(arg, ",") {
		var lo, hi uint32
		var err error
		if i := strings.IndexByte(part, ':'); i != -1 {
			if lo, err = parseUID(part[:i], max); err != nil {
				return nil, err
			}
			if hi, err = parseUID(part[i+1:], max); err != nil {
				return nil, err
			}
		} else {
			if lo, err = parseUID(part, max); err != nil {
				return nil, err
			}
			hi = lo
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		set = append(set, uidRange{lo, hi})
	}
	return set, nil
}

func parseUID(s string, max uint32) (uint32, error) {
	if s == "*" {
		return max, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("imap: UID must be nonzero")
	}
	return uint32(n), nil
}

func uidSetContains(set []uidRange, uid uint32) bool {
	for _, r := range set {
		if uid >= r.lo && uid <= r.hi {
			return true
		}
	}
	return false
}

// parseFlagList splits a flag list argument, tolerating both the
// parenthesized and the bare form.
func parseFlagList(arg string) []string {
	arg = strings.TrimSpace(arg)
	arg = strings.TrimPrefix(arg, "(")
	arg = strings.TrimSuffix(arg, ")")
	return strings.Fields(arg)
}
