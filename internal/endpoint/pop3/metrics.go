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

import "github.com/prometheus/client_golang/prometheus"

var (
	failedLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petrel",
			Subsystem: "pop3",
			Name:      "failed_logins",
			Help:      "PASS command failures",
		},
		[]string{"module"},
	)
	retrievedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petrel",
			Subsystem: "pop3",
			Name:      "retrieved_messages",
			Help:      "Messages served via RETR",
		},
		[]string{"module"},
	)
	deletedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petrel",
			Subsystem: "pop3",
			Name:      "deleted_messages",
			Help:      "Messages removed during the UPDATE state",
		},
		[]string{"module"},
	)
)

func init() {
	prometheus.MustRegister(failedLogins)
	prometheus.MustRegister(retrievedMessages)
	prometheus.MustRegister(deletedMessages)
}
