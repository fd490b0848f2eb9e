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

// Package file implements the on-disk mailbox store shared by all three
// protocol endpoints.
//
// Layout:
//
//	<root>/<user>/INBOX/<UID>.eml
//	<root>/<user>/INBOX/.metadata
//	<root>/<user>/<folder>/...
//
// Folder names use '/' as the hierarchy separator. INBOX is reserved,
// matched case-insensitively and cannot be removed or renamed; all other
// names are case-sensitive. Every public operation takes the owning
// user's reader or writer lock, so concurrent sessions of the same user
// serialize here and different users never contend.
package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/petrelmail/petrel/framework/log"
	"github.com/petrelmail/petrel/internal/locker"
)

var (
	ErrNoSuchFolder  = errors.New("storage: no such folder")
	ErrFolderExists  = errors.New("storage: folder already exists")
	ErrNoSuchMessage = errors.New("storage: no such message")
	ErrInvalidName   = errors.New("storage: invalid folder name")

	// ErrInboxReserved is returned on attempts to delete or rename INBOX.
	ErrInboxReserved = errors.New("storage: INBOX cannot be deleted or renamed")
)

// MessageInfo describes one stored message. ModTime doubles as the IMAP
// internal date, so the file modification time must be preserved by
// anything that touches the store from outside.
type MessageInfo struct {
	UID     uint32
	Path    string
	Size    int64
	ModTime time.Time
}

// FolderInfo describes one folder for LIST-style enumeration.
type FolderInfo struct {
	Name        string
	HasChildren bool
	Subscribed  bool
}

// Store is the filesystem-backed mailbox store.
type Store struct {
	// Root is the base directory user mailboxes live under. It is
	// created lazily on first delivery.
	Root string

	Locks *locker.Registry
	Log   log.Logger
}

func New(root string, locks *locker.Registry) *Store {
	return &Store{
		Root:  root,
		Locks: locks,
		Log:   log.Logger{Name: "storage/file"},
	}
}

// canonicalFolder maps any capitalization of INBOX to the canonical
// spelling. Other names pass through unchanged.
func canonicalFolder(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return name
}

// validFolderName rejects names that could escape the user directory or
// collide with internal files.
func validFolderName(name string) bool {
	if name == "" || strings.ContainsAny(name, "\x00\\") {
		return false
	}
	for _, el := range strings.Split(name, "/") {
		if el == "" || strings.HasPrefix(el, ".") {
			return false
		}
	}
	return true
}

// UserDir returns the user's storage root directory.
func (s *Store) UserDir(user string) string {
	return filepath.Join(s.Root, user)
}

func (s *Store) folderPath(user, folder string) string {
	return filepath.Join(s.UserDir(user), filepath.FromSlash(folder))
}

func (s *Store) msgPath(user, folder string, uid uint32) string {
	return filepath.Join(s.folderPath(user, folder), strconv.FormatUint(uint64(uid), 10)+".eml")
}

// SaveMessage stores the message read from body into the folder,
// allocating the next UID. The folder is created if missing. The new
// message starts out with the \Recent flag only.
func (s *Store) SaveMessage(user, folder string, body io.Reader) (uint32, error) {
	folder = canonicalFolder(folder)
	if !validFolderName(folder) {
		return 0, ErrInvalidName
	}

	s.Locks.Lock(user)
	defer s.Locks.Unlock(user)

	dir := s.folderPath(user, folder)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, fmt.Errorf("storage: create folder: %w", err)
	}

	meta, err := s.readMeta(dir, folder)
	if err != nil {
		return 0, err
	}

	uid := meta.LastUID + 1
	path := filepath.Join(dir, strconv.FormatUint(uint64(uid), 10)+".eml")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("storage: write message: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(path)
		return 0, fmt.Errorf("storage: write message: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("storage: write message: %w", err)
	}

	meta.LastUID = uid
	meta.Flags[uid] = []string{`\Recent`}
	if err := s.writeMeta(dir, meta); err != nil {
		// Keep the store consistent: no message file without a flag
		// map entry.
		os.Remove(path)
		return 0, err
	}

	return uid, nil
}

// ListMessages enumerates the folder's messages sorted ascending by UID.
// A missing INBOX directory is an empty INBOX, any other missing folder
// is an error.
func (s *Store) ListMessages(user, folder string) ([]MessageInfo, error) {
	folder = canonicalFolder(folder)
	if !validFolderName(folder) {
		return nil, ErrNoSuchFolder
	}

	s.Locks.RLock(user)
	defer s.Locks.RUnlock(user)

	dir := s.folderPath(user, folder)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if folder == "INBOX" {
				return nil, nil
			}
			return nil, ErrNoSuchFolder
		}
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}

	var list []MessageInfo
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".eml") {
			continue
		}
		uid, err := strconv.ParseUint(strings.TrimSuffix(ent.Name(), ".eml"), 10, 32)
		if err != nil {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			return nil, fmt.Errorf("storage: list messages: %w", err)
		}
		list = append(list, MessageInfo{
			UID:     uint32(uid),
			Path:    filepath.Join(dir, ent.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(list, func(i, j int) bool { return list[i].UID < list[j].UID })
	return list, nil
}

// ReadMessage returns the stored message bytes exactly as saved.
func (s *Store) ReadMessage(user, folder string, uid uint32) ([]byte, error) {
	folder = canonicalFolder(folder)
	if !validFolderName(folder) {
		return nil, ErrNoSuchFolder
	}

	s.Locks.RLock(user)
	defer s.Locks.RUnlock(user)

	data, err := os.ReadFile(s.msgPath(user, folder, uid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSuchMessage
		}
		return nil, fmt.Errorf("storage: read message: %w", err)
	}
	return data, nil
}

// DeleteMessage removes the message file and its flag map entry. LAST_UID
// is not touched, UIDs are never reused.
func (s *Store) DeleteMessage(user, folder string, uid uint32) error {
	folder = canonicalFolder(folder)
	if !validFolderName(folder) {
		return ErrNoSuchFolder
	}

	s.Locks.Lock(user)
	defer s.Locks.Unlock(user)

	dir := s.folderPath(user, folder)
	if err := os.Remove(s.msgPath(user, folder, uid)); err != nil {
		if os.IsNotExist(err) {
			return ErrNoSuchMessage
		}
		return fmt.Errorf("storage: delete message: %w", err)
	}

	meta, err := s.readMeta(dir, folder)
	if err != nil {
		return err
	}
	delete(meta.Flags, uid)
	return s.writeMeta(dir, meta)
}

// CopyMessage copies the message into destFolder under a freshly
// allocated UID and marks the copy \Seen. The destination must exist
// unless it is INBOX, which is created on demand.
func (s *Store) CopyMessage(user, srcFolder string, uid uint32, destFolder string) (uint32, error) {
	srcFolder = canonicalFolder(srcFolder)
	destFolder = canonicalFolder(destFolder)
	if !validFolderName(srcFolder) || !validFolderName(destFolder) {
		return 0, ErrNoSuchFolder
	}

	s.Locks.Lock(user)
	defer s.Locks.Unlock(user)

	destDir := s.folderPath(user, destFolder)
	if _, err := os.Stat(destDir); err != nil {
		if !os.IsNotExist(err) {
			return 0, fmt.Errorf("storage: copy message: %w", err)
		}
		if destFolder != "INBOX" {
			return 0, ErrNoSuchFolder
		}
		if err := os.MkdirAll(destDir, 0o700); err != nil {
			return 0, fmt.Errorf("storage: copy message: %w", err)
		}
	}

	src, err := os.Open(s.msgPath(user, srcFolder, uid))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoSuchMessage
		}
		return 0, fmt.Errorf("storage: copy message: %w", err)
	}
	defer src.Close()

	meta, err := s.readMeta(destDir, destFolder)
	if err != nil {
		return 0, err
	}

	newUID := meta.LastUID + 1
	destPath := filepath.Join(destDir, strconv.FormatUint(uint64(newUID), 10)+".eml")
	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("storage: copy message: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(destPath)
		return 0, fmt.Errorf("storage: copy message: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(destPath)
		return 0, fmt.Errorf("storage: copy message: %w", err)
	}

	meta.LastUID = newUID
	meta.Flags[newUID] = []string{`\Seen`}
	if err := s.writeMeta(destDir, meta); err != nil {
		os.Remove(destPath)
		return 0, err
	}

	return newUID, nil
}

// CreateFolder creates the folder and its metadata record. Intermediate
// folders in a nested name are created implicitly.
func (s *Store) CreateFolder(user, name string) error {
	name = canonicalFolder(name)
	if name == "INBOX" {
		// INBOX exists from the start, created or not.
		return ErrFolderExists
	}
	if !validFolderName(name) {
		return ErrInvalidName
	}

	s.Locks.Lock(user)
	defer s.Locks.Unlock(user)

	dir := s.folderPath(user, name)
	if _, err := os.Stat(dir); err == nil {
		return ErrFolderExists
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("storage: create folder: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("storage: create folder: %w", err)
	}
	return s.writeMeta(dir, newFolderMeta(name))
}

// DeleteFolder removes the folder with everything beneath it.
func (s *Store) DeleteFolder(user, name string) error {
	name = canonicalFolder(name)
	if name == "INBOX" {
		return ErrInboxReserved
	}
	if !validFolderName(name) {
		return ErrNoSuchFolder
	}

	s.Locks.Lock(user)
	defer s.Locks.Unlock(user)

	dir := s.folderPath(user, name)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return ErrNoSuchFolder
		}
		return fmt.Errorf("storage: delete folder: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("storage: delete folder: %w", err)
	}
	return nil
}

// RenameFolder atomically renames old to new, carrying children and
// metadata along.
func (s *Store) RenameFolder(user, old, new string) error {
	old = canonicalFolder(old)
	new = canonicalFolder(new)
	if old == "INBOX" || new == "INBOX" {
		return ErrInboxReserved
	}
	if !validFolderName(old) {
		return ErrNoSuchFolder
	}
	if !validFolderName(new) {
		return ErrInvalidName
	}

	s.Locks.Lock(user)
	defer s.Locks.Unlock(user)

	oldDir := s.folderPath(user, old)
	newDir := s.folderPath(user, new)
	if _, err := os.Stat(oldDir); err != nil {
		if os.IsNotExist(err) {
			return ErrNoSuchFolder
		}
		return fmt.Errorf("storage: rename folder: %w", err)
	}
	if _, err := os.Stat(newDir); err == nil {
		return ErrFolderExists
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("storage: rename folder: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(newDir), 0o700); err != nil {
		return fmt.Errorf("storage: rename folder: %w", err)
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		return fmt.Errorf("storage: rename folder: %w", err)
	}
	return nil
}

// FolderExists reports whether the folder can be selected. INBOX always
// exists, even before the first delivery creates its directory.
func (s *Store) FolderExists(user, name string) bool {
	name = canonicalFolder(name)
	if name == "INBOX" {
		return true
	}
	if !validFolderName(name) {
		return false
	}

	s.Locks.RLock(user)
	defer s.Locks.RUnlock(user)

	info, err := os.Stat(s.folderPath(user, name))
	return err == nil && info.IsDir()
}

// ListFolders walks the user directory and returns every folder sorted
// alphabetically. INBOX is always present in the result.
func (s *Store) ListFolders(user string) ([]FolderInfo, error) {
	s.Locks.RLock(user)
	defer s.Locks.RUnlock(user)

	root := s.UserDir(user)
	var names []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == root && os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() || path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list folders: %w", err)
	}

	hasInbox := false
	for _, n := range names {
		if n == "INBOX" {
			hasInbox = true
			break
		}
	}
	if !hasInbox {
		names = append(names, "INBOX")
	}
	sort.Strings(names)

	list := make([]FolderInfo, 0, len(names))
	for _, n := range names {
		meta, err := s.readMeta(s.folderPath(user, n), n)
		if err != nil {
			return nil, err
		}
		hasChildren := false
		for _, other := range names {
			if strings.HasPrefix(other, n+"/") {
				hasChildren = true
				break
			}
		}
		list = append(list, FolderInfo{
			Name:        n,
			HasChildren: hasChildren,
			Subscribed:  meta.Subscribed,
		})
	}
	return list, nil
}

// GetFlags returns the flag set of the message, or an empty set if the
// metadata has no entry for it.
func (s *Store) GetFlags(user, folder string, uid uint32) ([]string, error) {
	folder = canonicalFolder(folder)
	if !validFolderName(folder) {
		return nil, ErrNoSuchFolder
	}

	s.Locks.RLock(user)
	defer s.Locks.RUnlock(user)

	meta, err := s.readMeta(s.folderPath(user, folder), folder)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), meta.Flags[uid]...), nil
}

// SetFlags replaces the message's flag set.
func (s *Store) SetFlags(user, folder string, uid uint32, flags []string) error {
	folder = canonicalFolder(folder)
	if !validFolderName(folder) {
		return ErrNoSuchFolder
	}

	s.Locks.Lock(user)
	defer s.Locks.Unlock(user)

	dir := s.folderPath(user, folder)
	meta, err := s.readMeta(dir, folder)
	if err != nil {
		return err
	}
	meta.Flags[uid] = append([]string(nil), flags...)
	return s.writeMeta(dir, meta)
}

// UpdateFlag adds or removes a single flag on the message, leaving the
// rest of the set alone.
func (s *Store) UpdateFlag(user, folder string, uid uint32, flag string, add bool) error {
	folder = canonicalFolder(folder)
	if !validFolderName(folder) {
		return ErrNoSuchFolder
	}

	s.Locks.Lock(user)
	defer s.Locks.Unlock(user)

	dir := s.folderPath(user, folder)
	meta, err := s.readMeta(dir, folder)
	if err != nil {
		return err
	}

	old := meta.Flags[uid]
	updated := make([]string, 0, len(old)+1)
	for _, f := range old {
		if f != flag {
			updated = append(updated, f)
		}
	}
	if add {
		updated = append(updated, flag)
	}
	meta.Flags[uid] = updated
	return s.writeMeta(dir, meta)
}

// NextUID reports the UID the next saved message will get.
func (s *Store) NextUID(user, folder string) (uint32, error) {
	folder = canonicalFolder(folder)
	if !validFolderName(folder) {
		return 0, ErrNoSuchFolder
	}

	s.Locks.RLock(user)
	defer s.Locks.RUnlock(user)

	meta, err := s.readMeta(s.folderPath(user, folder), folder)
	if err != nil {
		return 0, err
	}
	return meta.LastUID + 1, nil
}

// FolderUID returns the folder's stable opaque identity, or "" if the
// metadata record was never persisted.
func (s *Store) FolderUID(user, folder string) (string, error) {
	folder = canonicalFolder(folder)
	if !validFolderName(folder) {
		return "", ErrNoSuchFolder
	}

	s.Locks.RLock(user)
	defer s.Locks.RUnlock(user)

	meta, err := s.readMeta(s.folderPath(user, folder), folder)
	if err != nil {
		return "", err
	}
	return meta.FolderUID, nil
}

// SetSubscribed flips the folder's subscription marker.
func (s *Store) SetSubscribed(user, folder string, subscribed bool) error {
	folder = canonicalFolder(folder)
	if !validFolderName(folder) {
		return ErrNoSuchFolder
	}

	s.Locks.Lock(user)
	defer s.Locks.Unlock(user)

	dir := s.folderPath(user, folder)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) && folder == "INBOX" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("storage: subscribe: %w", err)
			}
		} else if os.IsNotExist(err) {
			return ErrNoSuchFolder
		} else {
			return fmt.Errorf("storage: subscribe: %w", err)
		}
	}

	meta, err := s.readMeta(dir, folder)
	if err != nil {
		return err
	}
	meta.Subscribed = subscribed
	return s.writeMeta(dir, meta)
}

// IsSubscribed reports the folder's subscription marker.
func (s *Store) IsSubscribed(user, folder string) (bool, error) {
	folder = canonicalFolder(folder)
	if !validFolderName(folder) {
		return false, ErrNoSuchFolder
	}

	s.Locks.RLock(user)
	defer s.Locks.RUnlock(user)

	meta, err := s.readMeta(s.folderPath(user, folder), folder)
	if err != nil {
		return false, err
	}
	return meta.Subscribed, nil
}
