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

package locker

import (
	"sync"
	"testing"
)

func TestWriterSerializes(t *testing.T) {
	r := New()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Lock("dcd")
			defer r.Unlock("dcd")
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestReadersShare(t *testing.T) {
	r := New()
	r.RLock("dcd")
	done := make(chan struct{})
	go func() {
		r.RLock("dcd")
		r.RUnlock("dcd")
		close(done)
	}()
	<-done
	r.RUnlock("dcd")
}

func TestUsersIndependent(t *testing.T) {
	r := New()
	r.Lock("dcd")
	done := make(chan struct{})
	go func() {
		r.Lock("vj")
		r.Unlock("vj")
		close(done)
	}()
	<-done
	r.Unlock("dcd")
}
