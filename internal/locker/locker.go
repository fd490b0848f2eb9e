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

// Package locker provides per-user reader/writer locks guarding the
// mailbox store.
package locker

import (
	"sync"
)

// Registry hands out one sync.RWMutex per user. Locks are allocated on
// first use and kept for the process lifetime, so long-run memory is
// bounded by the set of users ever seen.
//
// Locks are per-user, not per-folder. Cross-folder operations within one
// user are serialized; different users proceed fully in parallel.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func New() *Registry {
	return &Registry{locks: make(map[string]*sync.RWMutex)}
}

func (r *Registry) lock(user string) *sync.RWMutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[user]
	if !ok {
		l = new(sync.RWMutex)
		r.locks[user] = l
	}
	return l
}

// RLock acquires the user's lock for reading. Multiple readers may hold
// it at once.
func (r *Registry) RLock(user string) {
	r.lock(user).RLock()
}

func (r *Registry) RUnlock(user string) {
	r.lock(user).RUnlock()
}

// Lock acquires the user's lock for writing, exclusively against both
// readers and other writers.
func (r *Registry) Lock(user string) {
	r.lock(user).Lock()
}

func (r *Registry) Unlock(user string) {
	r.lock(user).Unlock()
}
