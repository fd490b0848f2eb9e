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

package address

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// CleanDomain returns the canonical form of a domain name for case and
// Unicode-insensitive comparisons.
//
// IDN domains are converted to the Unicode form, NFC-normalized and
// case-folded. The result should never be used in wire exchanges, it is
// only suitable for local lookups.
func CleanDomain(domain string) (string, error) {
	uDomain, err := idna.ToUnicode(domain)
	if err != nil {
		return "", fmt.Errorf("address: %w", err)
	}
	return strings.ToLower(norm.NFC.String(uDomain)), nil
}
