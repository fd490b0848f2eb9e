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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const metaFileName = ".metadata"

// folderMeta is the parsed form of a folder's .metadata file.
//
// The file is plain text, UTF-8, LF-separated:
//
//	LAST_UID=<int>
//	FOLDER_UID=<opaque string>
//	[SUBSCRIBED]
//	<uid>=<flag1>|<flag2>|...
//
// The whole file is rewritten on every mutation while the per-user write
// lock is held.
type folderMeta struct {
	LastUID    uint32
	FolderUID  string
	Subscribed bool
	Flags      map[uint32][]string
}

func newFolderMeta(folder string) *folderMeta {
	return &folderMeta{
		Subscribed: folder == "INBOX",
		Flags:      map[uint32][]string{},
	}
}

// newFolderUID generates the stable opaque folder identity recorded at
// first metadata creation.
func newFolderUID() string {
	return uuid.New().String() + "-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
}

func parseMeta(data []byte) (*folderMeta, error) {
	m := &folderMeta{Flags: map[uint32][]string{}}

	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		switch {
		case line == "[SUBSCRIBED]":
			m.Subscribed = true
		case strings.HasPrefix(line, "LAST_UID="):
			val, err := strconv.ParseUint(strings.TrimPrefix(line, "LAST_UID="), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("storage: metadata line %d: bad LAST_UID: %v", n+1, err)
			}
			m.LastUID = uint32(val)
		case strings.HasPrefix(line, "FOLDER_UID="):
			m.FolderUID = strings.TrimPrefix(line, "FOLDER_UID=")
		default:
			eq := strings.IndexByte(line, '=')
			if eq < 1 {
				return nil, fmt.Errorf("storage: metadata line %d: malformed entry", n+1)
			}
			uid, err := strconv.ParseUint(line[:eq], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("storage: metadata line %d: bad UID: %v", n+1, err)
			}
			var flags []string
			for _, f := range strings.Split(line[eq+1:], "|") {
				if f != "" {
					flags = append(flags, f)
				}
			}
			m.Flags[uint32(uid)] = flags
		}
	}

	return m, nil
}

func (m *folderMeta) marshal() []byte {
	var b strings.Builder
	b.WriteString("LAST_UID=")
	b.WriteString(strconv.FormatUint(uint64(m.LastUID), 10))
	b.WriteByte('\n')
	b.WriteString("FOLDER_UID=")
	b.WriteString(m.FolderUID)
	b.WriteByte('\n')
	if m.Subscribed {
		b.WriteString("[SUBSCRIBED]\n")
	}

	uids := make([]uint32, 0, len(m.Flags))
	for uid := range m.Flags {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	for _, uid := range uids {
		b.WriteString(strconv.FormatUint(uint64(uid), 10))
		b.WriteByte('=')
		b.WriteString(strings.Join(m.Flags[uid], "|"))
		b.WriteByte('\n')
	}

	return []byte(b.String())
}

// readMeta loads the metadata record for the folder directory. A missing
// file is not an error and yields a fresh record. A file that cannot be
// parsed is logged and also treated as missing, restarting UID allocation
// from zero.
func (s *Store) readMeta(dir, folder string) (*folderMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return newFolderMeta(folder), nil
		}
		return nil, fmt.Errorf("storage: read metadata: %w", err)
	}

	m, err := parseMeta(data)
	if err != nil {
		s.Log.Error("metadata unreadable, treating as empty", err, "folder", folder)
		return newFolderMeta(folder), nil
	}
	return m, nil
}

// writeMeta rewrites the folder's metadata record. The temporary file and
// rename dance keeps a crash from leaving a half-written record behind.
// The caller must hold the user's write lock.
func (s *Store) writeMeta(dir string, m *folderMeta) error {
	if m.FolderUID == "" {
		m.FolderUID = newFolderUID()
	}

	tmp := filepath.Join(dir, metaFileName+".tmp")
	if err := os.WriteFile(tmp, m.marshal(), 0o600); err != nil {
		return fmt.Errorf("storage: write metadata: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, metaFileName)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: write metadata: %w", err)
	}
	return nil
}
