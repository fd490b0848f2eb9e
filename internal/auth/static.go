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

// Package auth implements credentials checking against the compiled-in
// user table.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/text/secure/precis"
)

// ErrUnknownCredentials is returned by AuthPlain if the username is not
// known or the password does not match. The two cases are deliberately
// not distinguishable by the caller.
var ErrUnknownCredentials = errors.New("unknown credentials")

// Static looks up credentials in a fixed table supplied at construction.
type Static struct {
	users map[string]string
}

// NewStatic builds the lookup table. Usernames are case-mapped using the
// PRECIS UsernameCaseMapped profile so that logins are case-insensitive.
func NewStatic(users map[string]string) (*Static, error) {
	normalized := make(map[string]string, len(users))
	for name, pass := range users {
		key, err := precis.UsernameCaseMapped.CompareKey(name)
		if err != nil {
			return nil, fmt.Errorf("auth: invalid username %q: %w", name, err)
		}
		if _, ok := normalized[key]; ok {
			return nil, fmt.Errorf("auth: duplicate username %q", key)
		}
		normalized[key] = pass
	}
	return &Static{users: normalized}, nil
}

// AuthPlain checks the password for the named user.
func (s *Static) AuthPlain(username, password string) error {
	key, err := precis.UsernameCaseMapped.CompareKey(username)
	if err != nil {
		return ErrUnknownCredentials
	}

	pass, ok := s.users[key]
	if !ok {
		// Compare anyway to not reveal the difference in timing.
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return ErrUnknownCredentials
	}
	if subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
		return ErrUnknownCredentials
	}
	return nil
}

// Lookup returns the canonical (case-mapped) form of the username if it
// exists in the table. It is also the existence check on the delivery
// path where no password is involved.
func (s *Static) Lookup(username string) (string, bool) {
	key, err := precis.UsernameCaseMapped.CompareKey(username)
	if err != nil {
		return "", false
	}
	if _, ok := s.users[key]; !ok {
		return "", false
	}
	return key, true
}
