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

package dns

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
)

// RFC 1035 constants used on the wire.
const (
	typeA  = 1
	typeMX = 15

	classIN = 1

	// flagsQuery is a standard query with recursion desired.
	flagsQuery = 0x0100

	// maxPointerDepth caps compression pointer chains so a malformed
	// packet cannot keep the parser walking in circles.
	maxPointerDepth = 10
)

var (
	errTruncated   = errors.New("dns: truncated packet")
	errTIDMismatch = errors.New("dns: transaction ID mismatch")
)

// buildQuery encodes a single-question query for name. It returns the
// packet and the transaction ID the response must echo.
func buildQuery(name string, qtype uint16) ([]byte, uint16, error) {
	var tidBytes [2]byte
	if _, err := rand.Read(tidBytes[:]); err != nil {
		return nil, 0, fmt.Errorf("dns: generate transaction ID: %v", err)
	}
	tid := binary.BigEndian.Uint16(tidBytes[:])

	pkt := make([]byte, 12, 12+len(name)+6)
	binary.BigEndian.PutUint16(pkt[0:2], tid)
	binary.BigEndian.PutUint16(pkt[2:4], flagsQuery)
	binary.BigEndian.PutUint16(pkt[4:6], 1) // QDCOUNT

	qname, err := encodeName(name)
	if err != nil {
		return nil, 0, err
	}
	pkt = append(pkt, qname...)
	pkt = binary.BigEndian.AppendUint16(pkt, qtype)
	pkt = binary.BigEndian.AppendUint16(pkt, classIN)

	return pkt, tid, nil
}

// encodeName converts a dotted name into length-prefixed label form.
func encodeName(name string) ([]byte, error) {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return []byte{0}, nil
	}
	if len(name) > 253 {
		return nil, fmt.Errorf("dns: name too long: %q", name)
	}

	out := make([]byte, 0, len(name)+2)
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return nil, fmt.Errorf("dns: invalid label in name %q", name)
		}
		out = append(out, byte(len(label)))
		out = append(out, label...)
	}
	return append(out, 0), nil
}

// answer is one parsed resource record from the answer section. Only the
// fields for the record's type are set.
type answer struct {
	Type uint16

	// MX
	Pref uint16
	Host string

	// A
	Addr string
}

// packet is a parsing cursor over a received datagram.
type packet struct {
	data []byte
	off  int
}

func (p *packet) uint16() (uint16, error) {
	if p.off+2 > len(p.data) {
		return 0, errTruncated
	}
	v := binary.BigEndian.Uint16(p.data[p.off:])
	p.off += 2
	return v, nil
}

func (p *packet) skip(n int) error {
	if p.off+n > len(p.data) {
		return errTruncated
	}
	p.off += n
	return nil
}

// name reads a possibly compressed name. A label byte with the top two
// bits set is a pointer, its low 14 bits are an absolute packet offset.
// After following a pointer the cursor is left just past the 2-byte
// pointer, not at the end of the pointed-to name.
func (p *packet) name() (string, error) {
	var labels []string
	off := p.off
	jumped := false
	depth := 0

	for {
		if off >= len(p.data) {
			return "", errTruncated
		}
		b := p.data[off]
		switch {
		case b == 0:
			if !jumped {
				p.off = off + 1
			}
			return strings.Join(labels, "."), nil
		case b&0xC0 == 0xC0:
			if off+2 > len(p.data) {
				return "", errTruncated
			}
			if !jumped {
				p.off = off + 2
			}
			jumped = true
			depth++
			if depth > maxPointerDepth {
				return "", errors.New("dns: compression pointer chain too deep")
			}
			off = int(binary.BigEndian.Uint16(p.data[off:]) & 0x3FFF)
		case b&0xC0 != 0:
			return "", errors.New("dns: reserved label type")
		default:
			end := off + 1 + int(b)
			if end > len(p.data) {
				return "", errTruncated
			}
			labels = append(labels, string(p.data[off+1:end]))
			off = end
		}
	}
}

// parseResponse checks the transaction ID, skips the echoed question
// section and decodes the answer section. Records of types other than MX
// and A are skipped using their RDLENGTH.
func parseResponse(data []byte, tid uint16) ([]answer, error) {
	p := &packet{data: data}

	gotTID, err := p.uint16()
	if err != nil {
		return nil, err
	}
	if gotTID != tid {
		return nil, errTIDMismatch
	}
	if _, err := p.uint16(); err != nil { // flags
		return nil, err
	}
	qdCount, err := p.uint16()
	if err != nil {
		return nil, err
	}
	anCount, err := p.uint16()
	if err != nil {
		return nil, err
	}
	if err := p.skip(4); err != nil { // NSCOUNT, ARCOUNT
		return nil, err
	}

	for i := 0; i < int(qdCount); i++ {
		if _, err := p.name(); err != nil {
			return nil, err
		}
		if err := p.skip(4); err != nil { // QTYPE, QCLASS
			return nil, err
		}
	}

	answers := make([]answer, 0, anCount)
	for i := 0; i < int(anCount); i++ {
		if _, err := p.name(); err != nil {
			return nil, err
		}
		typ, err := p.uint16()
		if err != nil {
			return nil, err
		}
		if err := p.skip(6); err != nil { // CLASS, TTL
			return nil, err
		}
		rdLength, err := p.uint16()
		if err != nil {
			return nil, err
		}
		rdEnd := p.off + int(rdLength)
		if rdEnd > len(data) {
			return nil, errTruncated
		}

		switch typ {
		case typeMX:
			pref, err := p.uint16()
			if err != nil {
				return nil, err
			}
			host, err := p.name()
			if err != nil {
				return nil, err
			}
			answers = append(answers, answer{Type: typeMX, Pref: pref, Host: host})
		case typeA:
			if rdLength != 4 {
				return nil, fmt.Errorf("dns: A record with RDLENGTH %d", rdLength)
			}
			addr := net.IP(data[p.off:rdEnd]).String()
			answers = append(answers, answer{Type: typeA, Addr: addr})
		}

		p.off = rdEnd
	}

	return answers, nil
}
