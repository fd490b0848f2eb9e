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
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	mdns "github.com/miekg/dns"

	"github.com/petrelmail/petrel/internal/testutils"
)

// serveUDP runs a one-shot DNS server on the loopback interface. The
// handler gets each received query and returns the reply to send, or nil
// to stay silent.
func serveUDP(t *testing.T, handler func(query *mdns.Msg) *mdns.Msg) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, maxPacketSize)
		for {
			n, raddr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}

			query := new(mdns.Msg)
			if err := query.Unpack(buf[:n]); err != nil {
				continue
			}
			reply := handler(query)
			if reply == nil {
				continue
			}
			reply.Id = query.Id
			reply.Response = true
			reply.Compress = true
			out, err := reply.Pack()
			if err != nil {
				continue
			}
			pc.WriteTo(out, raddr)
		}
	}()

	return pc.LocalAddr().String()
}

func testClient(t *testing.T, addr string) *Client {
	return &Client{
		ServerAddr: addr,
		Timeout:    time.Second,
		Retries:    2,
		Log:        testutils.Logger(t, "dns"),
	}
}

func TestLookupMX(t *testing.T) {
	addr := serveUDP(t, func(query *mdns.Msg) *mdns.Msg {
		reply := new(mdns.Msg)
		reply.Question = query.Question
		for _, mx := range []struct {
			host string
			pref uint16
		}{
			{"backup.example.org.", 20},
			{"primary.example.org.", 5},
		} {
			reply.Answer = append(reply.Answer, &mdns.MX{
				Hdr:        mdns.RR_Header{Name: query.Question[0].Name, Rrtype: mdns.TypeMX, Class: mdns.ClassINET, Ttl: 300},
				Preference: mx.pref,
				Mx:         mx.host,
			})
		}
		return reply
	})

	records, err := testClient(t, addr).LookupMX(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}

	var hosts []string
	for _, r := range records {
		hosts = append(hosts, r.Host)
	}
	want := []string{"primary.example.org.", "backup.example.org."}
	if !reflect.DeepEqual(hosts, want) {
		t.Errorf("hosts = %v, want %v (sorted by preference)", hosts, want)
	}
}

func TestLookupHost(t *testing.T) {
	addr := serveUDP(t, func(query *mdns.Msg) *mdns.Msg {
		reply := new(mdns.Msg)
		reply.Question = query.Question
		reply.Answer = []mdns.RR{&mdns.A{
			Hdr: mdns.RR_Header{Name: query.Question[0].Name, Rrtype: mdns.TypeA, Class: mdns.ClassINET, Ttl: 300},
			A:   []byte{192, 0, 2, 7},
		}}
		return reply
	})

	addrs, err := testClient(t, addr).LookupHost(context.Background(), "mx.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(addrs, []string{"192.0.2.7"}) {
		t.Errorf("addrs = %v, want [192.0.2.7]", addrs)
	}
}

func TestLookupEmptyAnswer(t *testing.T) {
	addr := serveUDP(t, func(query *mdns.Msg) *mdns.Msg {
		reply := new(mdns.Msg)
		reply.Question = query.Question
		return reply
	})

	records, err := testClient(t, addr).LookupMX(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("empty answer must not be an error, got %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records = %v, want none", records)
	}
}

func TestLookupRetriesAfterTimeout(t *testing.T) {
	var dropped atomic.Bool
	addr := serveUDP(t, func(query *mdns.Msg) *mdns.Msg {
		if dropped.CompareAndSwap(false, true) {
			return nil
		}
		reply := new(mdns.Msg)
		reply.Question = query.Question
		reply.Answer = []mdns.RR{&mdns.A{
			Hdr: mdns.RR_Header{Name: query.Question[0].Name, Rrtype: mdns.TypeA, Class: mdns.ClassINET, Ttl: 300},
			A:   []byte{192, 0, 2, 1},
		}}
		return reply
	})

	c := testClient(t, addr)
	c.Timeout = 100 * time.Millisecond

	addrs, err := c.LookupHost(context.Background(), "mx.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 {
		t.Errorf("addrs = %v, want one", addrs)
	}
	if !dropped.Load() {
		t.Error("server never saw the first attempt")
	}
}

func TestLookupTimeout(t *testing.T) {
	addr := serveUDP(t, func(query *mdns.Msg) *mdns.Msg {
		return nil
	})

	c := testClient(t, addr)
	c.Timeout = 50 * time.Millisecond

	_, err := c.LookupHost(context.Background(), "mx.example.org")
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		t.Fatalf("err = %v, want *net.DNSError", err)
	}
	if !dnsErr.IsTimeout {
		t.Errorf("IsTimeout = false: %v", dnsErr)
	}
}

func TestNameserverDiscovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolv.conf")
	content := "# generated by test\n; another comment\noptions timeout:1\nnameserver 192.0.2.53\nnameserver 192.0.2.54\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := nameserver(path); got != "192.0.2.53" {
		t.Errorf("nameserver = %q, want 192.0.2.53", got)
	}

	if got := nameserver(filepath.Join(dir, "missing.conf")); got != "" {
		t.Errorf("nameserver(missing) = %q, want empty", got)
	}
}
