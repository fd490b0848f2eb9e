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

package imap

import "github.com/prometheus/client_golang/prometheus"

var (
	failedLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petrel",
			Subsystem: "imap",
			Name:      "failed_logins",
			Help:      "Amount of rejected LOGIN commands",
		},
		[]string{"module"},
	)
	fetchedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petrel",
			Subsystem: "imap",
			Name:      "fetched_messages",
			Help:      "Amount of messages returned by UID FETCH",
		},
		[]string{"module"},
	)
	expungedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petrel",
			Subsystem: "imap",
			Name:      "expunged_messages",
			Help:      "Amount of messages removed by EXPUNGE or CLOSE",
		},
		[]string{"module"},
	)
)

func init() {
	prometheus.MustRegister(failedLogins)
	prometheus.MustRegister(fetchedMessages)
	prometheus.MustRegister(expungedMessages)
}
