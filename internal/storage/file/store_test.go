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

package file

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/petrelmail/petrel/internal/locker"
	"github.com/petrelmail/petrel/internal/testutils"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	s := New(t.TempDir(), locker.New())
	s.Log = testutils.Logger(t, "storage/file")
	return s
}

func save(t *testing.T, s *Store, user, folder, body string) uint32 {
	t.Helper()

	uid, err := s.SaveMessage(user, folder, strings.NewReader(body))
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	return uid
}

func TestSaveMessage(t *testing.T) {
	s := testStore(t)

	for i, want := range []uint32{1, 2, 3} {
		uid := save(t, s, "dcd", "INBOX", "Subject: test\r\n\r\nbody\r\n")
		if uid != want {
			t.Errorf("save %d: uid = %d, want %d", i, uid, want)
		}
	}

	list, err := s.ListMessages("dcd", "INBOX")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("got %d messages, want 3", len(list))
	}
	for i, msg := range list {
		if msg.UID != uint32(i+1) {
			t.Errorf("list[%d].UID = %d, want %d", i, msg.UID, i+1)
		}
	}

	flags, err := s.GetFlags("dcd", "INBOX", 1)
	if err != nil {
		t.Fatalf("GetFlags: %v", err)
	}
	if !reflect.DeepEqual(flags, []string{`\Recent`}) {
		t.Errorf("flags = %v, want [\\Recent]", flags)
	}
}

func TestReadMessageRoundTrip(t *testing.T) {
	s := testStore(t)

	body := "Subject: test\r\n\r\nline one\r\nline two\r\n"
	uid := save(t, s, "dcd", "INBOX", body)

	data, err := s.ReadMessage("dcd", "INBOX", uid)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(data) != body {
		t.Errorf("read back %q, want %q", data, body)
	}

	if _, err := s.ReadMessage("dcd", "INBOX", 999); !errors.Is(err, ErrNoSuchMessage) {
		t.Errorf("ReadMessage(999) = %v, want ErrNoSuchMessage", err)
	}
}

func TestUIDsNeverReused(t *testing.T) {
	s := testStore(t)

	save(t, s, "dcd", "INBOX", "one")
	save(t, s, "dcd", "INBOX", "two")

	if err := s.DeleteMessage("dcd", "INBOX", 1); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if err := s.DeleteMessage("dcd", "INBOX", 2); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}

	if uid := save(t, s, "dcd", "INBOX", "three"); uid != 3 {
		t.Errorf("uid after deletions = %d, want 3", uid)
	}
}

func TestDeleteMessageDropsFlagEntry(t *testing.T) {
	s := testStore(t)

	uid := save(t, s, "dcd", "INBOX", "one")
	if err := s.DeleteMessage("dcd", "INBOX", uid); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}

	flags, err := s.GetFlags("dcd", "INBOX", uid)
	if err != nil {
		t.Fatalf("GetFlags: %v", err)
	}
	if len(flags) != 0 {
		t.Errorf("flags after delete = %v, want none", flags)
	}

	if err := s.DeleteMessage("dcd", "INBOX", uid); !errors.Is(err, ErrNoSuchMessage) {
		t.Errorf("second delete = %v, want ErrNoSuchMessage", err)
	}
}

func TestCopyMessage(t *testing.T) {
	s := testStore(t)

	body := "Subject: copied\r\n\r\nbody\r\n"
	uid := save(t, s, "dcd", "INBOX", body)
	if err := s.SetFlags("dcd", "INBOX", uid, []string{`\Flagged`}); err != nil {
		t.Fatal(err)
	}

	if err := s.CreateFolder("dcd", "Archive"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}

	newUID, err := s.CopyMessage("dcd", "INBOX", uid, "Archive")
	if err != nil {
		t.Fatalf("CopyMessage: %v", err)
	}
	if newUID != 1 {
		t.Errorf("dest uid = %d, want 1", newUID)
	}

	data, err := s.ReadMessage("dcd", "Archive", newUID)
	if err != nil {
		t.Fatalf("ReadMessage(copy): %v", err)
	}
	if string(data) != body {
		t.Errorf("copied bytes differ: %q", data)
	}

	flags, err := s.GetFlags("dcd", "Archive", newUID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(flags, []string{`\Seen`}) {
		t.Errorf("copy flags = %v, want [\\Seen]", flags)
	}

	// Source must be untouched.
	srcFlags, err := s.GetFlags("dcd", "INBOX", uid)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(srcFlags, []string{`\Flagged`}) {
		t.Errorf("source flags = %v, want [\\Flagged]", srcFlags)
	}

	if _, err := s.CopyMessage("dcd", "INBOX", uid, "NoSuch"); !errors.Is(err, ErrNoSuchFolder) {
		t.Errorf("copy to missing folder = %v, want ErrNoSuchFolder", err)
	}

	// INBOX is created on demand even for a fresh user.
	if _, err := s.CopyMessage("dcd", "Archive", newUID, "inbox"); err != nil {
		t.Errorf("copy to INBOX: %v", err)
	}
}

func TestInboxCaseInsensitive(t *testing.T) {
	s := testStore(t)

	uid := save(t, s, "dcd", "inbox", "one")

	list, err := s.ListMessages("dcd", "InBoX")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(list) != 1 || list[0].UID != uid {
		t.Fatalf("list = %v, want one message with uid %d", list, uid)
	}

	if !s.FolderExists("dcd", "iNbOx") {
		t.Error("FolderExists(iNbOx) = false")
	}
}

func TestFolderCRUD(t *testing.T) {
	s := testStore(t)

	if err := s.CreateFolder("dcd", "Work/Projects"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if !s.FolderExists("dcd", "Work") {
		t.Error("intermediate folder not created")
	}
	if !s.FolderExists("dcd", "Work/Projects") {
		t.Error("nested folder not created")
	}
	if s.FolderExists("dcd", "work") {
		t.Error("folder names other than INBOX must be case-sensitive")
	}

	if err := s.CreateFolder("dcd", "Work/Projects"); !errors.Is(err, ErrFolderExists) {
		t.Errorf("duplicate create = %v, want ErrFolderExists", err)
	}
	if err := s.CreateFolder("dcd", "../escape"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("traversal create = %v, want ErrInvalidName", err)
	}

	if err := s.RenameFolder("dcd", "Work/Projects", "Work/Done"); err != nil {
		t.Fatalf("RenameFolder: %v", err)
	}
	if s.FolderExists("dcd", "Work/Projects") || !s.FolderExists("dcd", "Work/Done") {
		t.Error("rename did not move the folder")
	}

	if err := s.DeleteFolder("dcd", "Work"); err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}
	if s.FolderExists("dcd", "Work/Done") {
		t.Error("delete must remove children")
	}

	if err := s.DeleteFolder("dcd", "INBOX"); !errors.Is(err, ErrInboxReserved) {
		t.Errorf("delete INBOX = %v, want ErrInboxReserved", err)
	}
	if err := s.RenameFolder("dcd", "inbox", "Other"); !errors.Is(err, ErrInboxReserved) {
		t.Errorf("rename INBOX = %v, want ErrInboxReserved", err)
	}
	if err := s.DeleteFolder("dcd", "NoSuch"); !errors.Is(err, ErrNoSuchFolder) {
		t.Errorf("delete missing = %v, want ErrNoSuchFolder", err)
	}
}

func TestListFolders(t *testing.T) {
	s := testStore(t)

	// INBOX is always reported, even for a user with no directory yet.
	list, err := s.ListFolders("dcd")
	if err != nil {
		t.Fatalf("ListFolders: %v", err)
	}
	if len(list) != 1 || list[0].Name != "INBOX" {
		t.Fatalf("fresh user folders = %v, want [INBOX]", list)
	}

	for _, name := range []string{"Work/Projects", "Archive"} {
		if err := s.CreateFolder("dcd", name); err != nil {
			t.Fatal(err)
		}
	}

	list, err = s.ListFolders("dcd")
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	byName := map[string]FolderInfo{}
	for _, f := range list {
		names = append(names, f.Name)
		byName[f.Name] = f
	}
	want := []string{"Archive", "INBOX", "Work", "Work/Projects"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("folders = %v, want %v", names, want)
	}

	if !byName["Work"].HasChildren {
		t.Error("Work.HasChildren = false")
	}
	if byName["Archive"].HasChildren {
		t.Error("Archive.HasChildren = true")
	}
	if !byName["INBOX"].Subscribed {
		t.Error("INBOX must start out subscribed")
	}
	if byName["Archive"].Subscribed {
		t.Error("Archive must start out unsubscribed")
	}
}

func TestSubscriptions(t *testing.T) {
	s := testStore(t)

	if err := s.CreateFolder("dcd", "Lists"); err != nil {
		t.Fatal(err)
	}

	if err := s.SetSubscribed("dcd", "Lists", true); err != nil {
		t.Fatalf("SetSubscribed: %v", err)
	}
	sub, err := s.IsSubscribed("dcd", "Lists")
	if err != nil {
		t.Fatal(err)
	}
	if !sub {
		t.Error("IsSubscribed = false after subscribe")
	}

	if err := s.SetSubscribed("dcd", "Lists", false); err != nil {
		t.Fatal(err)
	}
	sub, err = s.IsSubscribed("dcd", "Lists")
	if err != nil {
		t.Fatal(err)
	}
	if sub {
		t.Error("IsSubscribed = true after unsubscribe")
	}
}

func TestFlagUpdateIdentity(t *testing.T) {
	s := testStore(t)

	uid := save(t, s, "dcd", "INBOX", "one")
	if err := s.SetFlags("dcd", "INBOX", uid, []string{`\Answered`}); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateFlag("dcd", "INBOX", uid, `\Seen`, true); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateFlag("dcd", "INBOX", uid, `\Seen`, false); err != nil {
		t.Fatal(err)
	}

	flags, err := s.GetFlags("dcd", "INBOX", uid)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(flags, []string{`\Answered`}) {
		t.Errorf("flags = %v, want [\\Answered]", flags)
	}

	// Adding a flag twice must not duplicate it.
	if err := s.UpdateFlag("dcd", "INBOX", uid, `\Seen`, true); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateFlag("dcd", "INBOX", uid, `\Seen`, true); err != nil {
		t.Fatal(err)
	}
	flags, err = s.GetFlags("dcd", "INBOX", uid)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(flags, []string{`\Answered`, `\Seen`}) {
		t.Errorf("flags = %v, want [\\Answered \\Seen]", flags)
	}
}

func TestNextUID(t *testing.T) {
	s := testStore(t)

	next, err := s.NextUID("dcd", "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if next != 1 {
		t.Errorf("NextUID on empty = %d, want 1", next)
	}

	save(t, s, "dcd", "INBOX", "one")
	next, err = s.NextUID("dcd", "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if next != 2 {
		t.Errorf("NextUID = %d, want 2", next)
	}
}

func TestCorruptMetadataRestartsAllocation(t *testing.T) {
	s := testStore(t)

	save(t, s, "dcd", "INBOX", "one")
	save(t, s, "dcd", "INBOX", "two")

	metaPath := filepath.Join(s.UserDir("dcd"), "INBOX", metaFileName)
	if err := os.WriteFile(metaPath, []byte("not a metadata file"), 0o600); err != nil {
		t.Fatal(err)
	}

	// Unparsable metadata is treated as missing: allocation restarts and
	// the existing 1.eml blocks the save. This is the documented failure
	// mode, not silent reuse.
	_, err := s.SaveMessage("dcd", "INBOX", strings.NewReader("three"))
	if err == nil {
		t.Fatal("save over corrupt metadata succeeded, expected collision error")
	}
}

func TestFolderUIDStable(t *testing.T) {
	s := testStore(t)

	if err := s.CreateFolder("dcd", "Keep"); err != nil {
		t.Fatal(err)
	}
	first, err := s.FolderUID("dcd", "Keep")
	if err != nil {
		t.Fatal(err)
	}
	if first == "" {
		t.Fatal("FolderUID empty after create")
	}

	save(t, s, "dcd", "Keep", "one")
	second, err := s.FolderUID("dcd", "Keep")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("FolderUID changed: %q != %q", first, second)
	}
}
