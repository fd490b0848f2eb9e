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
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/petrelmail/petrel/internal/auth"
	"github.com/petrelmail/petrel/internal/limits/limiters"
	"github.com/petrelmail/petrel/internal/locker"
	"github.com/petrelmail/petrel/internal/storage/file"
	"github.com/petrelmail/petrel/internal/testutils"
)

func testEndpoint(t *testing.T) (*Endpoint, *file.Store) {
	t.Helper()

	st := file.New(t.TempDir(), locker.New())
	st.Log = testutils.Logger(t, "storage")

	a, err := auth.NewStatic(map[string]string{"dcd": "password", "vj": "password"})
	if err != nil {
		t.Fatal(err)
	}

	endp, err := New(Config{
		Addr:    "127.0.0.1:0",
		Store:   st,
		Auth:    a,
		Pool:    limiters.NewSemaphore(10),
		Timeout: time.Minute,
		Log:     testutils.Logger(t, "pop3"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { endp.Close() })

	return endp, st
}

func deliver(t *testing.T, st *file.Store, user, content string) uint32 {
	t.Helper()

	uid, err := st.SaveMessage(user, "INBOX", strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	return uid
}

func login(cl *testutils.Conn, user string) {
	cl.Expect("+OK POP3 server ready")
	cl.Writeln("USER " + user)
	cl.Expect("+OK User accepted")
	cl.Writeln("PASS password")
	cl.Expect("+OK Logged in")
}

func TestAuthentication(t *testing.T) {
	endp, _ := testEndpoint(t)

	cl := testutils.Dial(t, endp.Addr().String())
	cl.Expect("+OK POP3 server ready")
	cl.Writeln("STAT")
	cl.Expect("-ERR Authenticate first")
	cl.Writeln("USER")
	cl.Expect("-ERR User required")
	cl.Writeln("USER dcd")
	cl.Expect("+OK User accepted")
	cl.Writeln("PASS")
	cl.Expect("-ERR Password required")
	cl.Writeln("PASS wrong")
	cl.Expect("-ERR Auth failed")
	cl.Writeln("STAT")
	cl.Expect("-ERR Authenticate first")

	// A failed PASS clears the pending name, so a bare retry fails too.
	cl.Writeln("PASS password")
	cl.Expect("-ERR Auth failed")

	cl.Writeln("USER dcd")
	cl.Expect("+OK User accepted")
	cl.Writeln("PASS password")
	cl.Expect("+OK Logged in")
	cl.Writeln("STAT")
	cl.Expect("+OK 0 0")
	cl.Writeln("NOOP")
	cl.Expect("+OK Noop")
	cl.Writeln("QUIT")
	cl.Expect("+OK Bye")
	cl.ExpectEOF()
}

func TestUserWithDomain(t *testing.T) {
	endp, st := testEndpoint(t)

	content := "Subject: hi\r\n\r\nhello\r\n"
	deliver(t, st, "dcd", content)

	cl := testutils.Dial(t, endp.Addr().String())
	login(cl, "dcd@uliege.be")
	cl.Writeln("STAT")
	cl.Expect(fmt.Sprintf("+OK 1 %d", len(content)))
	cl.Writeln("RETR 1")
	cl.Expect(fmt.Sprintf("+OK %d octets", len(content)))
	cl.Expect("Subject: hi")
	cl.Expect("")
	cl.Expect("hello")
	cl.Expect(".")
	cl.Writeln("QUIT")
	cl.Expect("+OK Bye")
}

func TestListUidl(t *testing.T) {
	endp, st := testEndpoint(t)

	first := "Subject: a\r\n\r\none\r\n"
	second := "Subject: b\r\n\r\nsecond body\r\n"
	deliver(t, st, "dcd", first)
	deliver(t, st, "dcd", second)

	cl := testutils.Dial(t, endp.Addr().String())
	login(cl, "dcd")

	total := len(first) + len(second)
	cl.Writeln("LIST")
	cl.Expect(fmt.Sprintf("+OK 2 messages (%d octets)", total))
	cl.Expect(fmt.Sprintf("1 %d", len(first)))
	cl.Expect(fmt.Sprintf("2 %d", len(second)))
	cl.Expect(".")

	cl.Writeln("LIST 2")
	cl.Expect(fmt.Sprintf("+OK 2 %d", len(second)))

	cl.Writeln("UIDL")
	cl.Expect(fmt.Sprintf("+OK 2 messages (%d octets)", total))
	cl.Expect("1 1")
	cl.Expect("2 2")
	cl.Expect(".")

	cl.Writeln("UIDL 1")
	cl.Expect("+OK 1 1")

	cl.Writeln("LIST abc")
	cl.Expect("-ERR Invalid message number")
	cl.Writeln("LIST 3")
	cl.Expect("-ERR Message not found or deleted")
}

func TestRetrDotStuffing(t *testing.T) {
	endp, st := testEndpoint(t)

	content := "Subject: s\r\n\r\n.foo\r\n..bar\r\n"
	deliver(t, st, "dcd", content)

	cl := testutils.Dial(t, endp.Addr().String())
	login(cl, "dcd")

	cl.Writeln("RETR 1")
	cl.Expect(fmt.Sprintf("+OK %d octets", len(content)))
	cl.Expect("Subject: s")
	cl.Expect("")
	cl.Expect("..foo")
	cl.Expect("...bar")
	cl.Expect(".")
}

func TestRetrErrors(t *testing.T) {
	endp, st := testEndpoint(t)

	deliver(t, st, "dcd", "Subject: only\r\n\r\nx\r\n")

	cl := testutils.Dial(t, endp.Addr().String())
	login(cl, "dcd")

	cl.Writeln("RETR")
	cl.Expect("-ERR Missing argument")
	cl.Writeln("RETR abc")
	cl.Expect("-ERR Invalid message number")
	cl.Writeln("RETR 2")
	cl.Expect("-ERR Message not found or deleted")
}

func TestDeleRsetQuit(t *testing.T) {
	endp, st := testEndpoint(t)

	sizes := make([]int, 3)
	for i := 0; i < 3; i++ {
		content := fmt.Sprintf("Subject: m%d\r\n\r\nbody %d\r\n", i+1, i+1)
		sizes[i] = len(content)
		deliver(t, st, "dcd", content)
	}

	cl := testutils.Dial(t, endp.Addr().String())
	login(cl, "dcd")

	cl.Writeln("DELE")
	cl.Expect("-ERR Missing argument")
	cl.Writeln("DELE 2")
	cl.Expect("+OK Message marked for deletion")

	// The view renumbers: the former third message is now index 2.
	cl.Writeln("STAT")
	cl.Expect(fmt.Sprintf("+OK 2 %d", sizes[0]+sizes[2]))
	cl.Writeln("LIST")
	cl.Expect(fmt.Sprintf("+OK 2 messages (%d octets)", sizes[0]+sizes[2]))
	cl.Expect(fmt.Sprintf("1 %d", sizes[0]))
	cl.Expect(fmt.Sprintf("2 %d", sizes[2]))
	cl.Expect(".")

	cl.Writeln("RSET")
	cl.Expect("+OK maildrop has 3 messages")
	cl.Writeln("STAT")
	cl.Expect(fmt.Sprintf("+OK 3 %d", sizes[0]+sizes[1]+sizes[2]))

	cl.Writeln("DELE 1")
	cl.Expect("+OK Message marked for deletion")
	cl.Writeln("QUIT")
	cl.Expect("+OK Bye")
	cl.ExpectEOF()

	msgs, err := st.ListMessages("dcd", "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].UID != 2 || msgs[1].UID != 3 {
		t.Fatalf("wrong messages left after QUIT: %+v", msgs)
	}
}

func TestDeleteMarksPersist(t *testing.T) {
	endp, st := testEndpoint(t)

	uid := deliver(t, st, "dcd", "Subject: once\r\n\r\nx\r\n")

	cl := testutils.Dial(t, endp.Addr().String())
	login(cl, "dcd")
	cl.Writeln("DELE 1")
	cl.Expect("+OK Message marked for deletion")

	// The mark is durable immediately, before QUIT.
	flags, err := st.GetFlags("dcd", "INBOX", uid)
	if err != nil {
		t.Fatal(err)
	}
	marked := false
	for _, f := range flags {
		if f == `\Deleted` {
			marked = true
		}
	}
	if !marked {
		t.Fatalf("DELE did not persist the flag: %v", flags)
	}

	// A disconnect without QUIT leaves the file in place.
	cl.Close()
	msgs, err := st.ListMessages("dcd", "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("message removed without QUIT: %+v", msgs)
	}
}

func TestUnknownCommand(t *testing.T) {
	endp, _ := testEndpoint(t)

	cl := testutils.Dial(t, endp.Addr().String())
	cl.Expect("+OK POP3 server ready")
	cl.Writeln("XYZZY")
	cl.Expect("-ERR Unknown command")
	cl.Writeln("QUIT")
	cl.Expect("+OK Bye")
	cl.ExpectEOF()
}
