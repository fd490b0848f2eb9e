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
	"bytes"
	"errors"
	"reflect"
	"testing"

	mdns "github.com/miekg/dns"
)

func packMX(t *testing.T, tid uint16, hosts map[string]uint16) []byte {
	t.Helper()

	m := new(mdns.Msg)
	m.Id = tid
	m.Response = true
	m.RecursionDesired = true
	m.Question = []mdns.Question{{Name: "example.org.", Qtype: mdns.TypeMX, Qclass: mdns.ClassINET}}
	for host, pref := range hosts {
		m.Answer = append(m.Answer, &mdns.MX{
			Hdr:        mdns.RR_Header{Name: "example.org.", Rrtype: mdns.TypeMX, Class: mdns.ClassINET, Ttl: 300},
			Preference: pref,
			Mx:         host,
		})
	}
	m.Compress = true

	data, err := m.Pack()
	if err != nil {
		t.Fatal("pack:", err)
	}
	return data
}

func TestParseResponseCompressed(t *testing.T) {
	// miekg/dns compresses answer names against the question section,
	// exercising the pointer-following path.
	data := packMX(t, 0x1234, map[string]uint16{
		"mx1.example.org.": 10,
		"mx2.example.org.": 20,
	})

	answers, err := parseResponse(data, 0x1234)
	if err != nil {
		t.Fatal("parseResponse:", err)
	}
	if len(answers) != 2 {
		t.Fatalf("got %d answers, want 2", len(answers))
	}

	hosts := map[string]uint16{}
	for _, a := range answers {
		if a.Type != typeMX {
			t.Errorf("unexpected answer type %d", a.Type)
		}
		hosts[a.Host] = a.Pref
	}
	want := map[string]uint16{"mx1.example.org": 10, "mx2.example.org": 20}
	if !reflect.DeepEqual(hosts, want) {
		t.Errorf("hosts = %v, want %v", hosts, want)
	}
}

func TestParseResponseIdempotent(t *testing.T) {
	data := packMX(t, 7, map[string]uint16{"mx.example.org.": 5})

	first, err := parseResponse(data, 7)
	if err != nil {
		t.Fatal(err)
	}
	second, err := parseResponse(data, 7)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("parse not idempotent: %v != %v", first, second)
	}
}

func TestParseResponseTIDMismatch(t *testing.T) {
	data := packMX(t, 0x1111, map[string]uint16{"mx.example.org.": 5})

	if _, err := parseResponse(data, 0x2222); !errors.Is(err, errTIDMismatch) {
		t.Errorf("err = %v, want errTIDMismatch", err)
	}
}

func TestParseResponsePointerLoop(t *testing.T) {
	// Header with ANCOUNT=1 followed by an answer whose name is a
	// compression pointer to itself.
	pkt := make([]byte, 12, 14)
	pkt[7] = 1 // ANCOUNT
	pkt = append(pkt, 0xC0, 0x0C)

	if _, err := parseResponse(pkt, 0); err == nil {
		t.Error("self-referencing pointer accepted")
	}
}

func TestParseResponseTruncated(t *testing.T) {
	data := packMX(t, 9, map[string]uint16{"mx.example.org.": 5})

	for _, cut := range []int{5, 13, len(data) - 3} {
		if _, err := parseResponse(data[:cut], 9); err == nil {
			t.Errorf("truncation at %d accepted", cut)
		}
	}
}

func TestParseResponseSkipsOtherTypes(t *testing.T) {
	m := new(mdns.Msg)
	m.Id = 3
	m.Response = true
	m.Question = []mdns.Question{{Name: "example.org.", Qtype: mdns.TypeA, Qclass: mdns.ClassINET}}
	m.Answer = []mdns.RR{
		&mdns.CNAME{
			Hdr:    mdns.RR_Header{Name: "example.org.", Rrtype: mdns.TypeCNAME, Class: mdns.ClassINET, Ttl: 300},
			Target: "real.example.org.",
		},
		&mdns.A{
			Hdr: mdns.RR_Header{Name: "real.example.org.", Rrtype: mdns.TypeA, Class: mdns.ClassINET, Ttl: 300},
			A:   []byte{192, 0, 2, 25},
		},
	}
	m.Compress = true
	data, err := m.Pack()
	if err != nil {
		t.Fatal(err)
	}

	answers, err := parseResponse(data, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(answers) != 1 || answers[0].Type != typeA || answers[0].Addr != "192.0.2.25" {
		t.Errorf("answers = %+v, want single A 192.0.2.25", answers)
	}
}

func TestEncodeName(t *testing.T) {
	got, err := encodeName("mail.example.org")
	if err != nil {
		t.Fatal(err)
	}
	want := []byte("\x04mail\x07example\x03org\x00")
	if !bytes.Equal(got, want) {
		t.Errorf("encodeName = %q, want %q", got, want)
	}

	// Trailing dot is the same name.
	dotted, err := encodeName("mail.example.org.")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dotted, want) {
		t.Errorf("encodeName with dot = %q, want %q", dotted, want)
	}

	for _, bad := range []string{"a..b", string(make([]byte, 64)) + ".org"} {
		if _, err := encodeName(bad); err == nil {
			t.Errorf("encodeName(%q) succeeded, want error", bad)
		}
	}
}
