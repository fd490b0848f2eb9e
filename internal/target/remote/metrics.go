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

package remote

import "github.com/prometheus/client_golang/prometheus"

var (
	relayedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petrel",
			Subsystem: "remote",
			Name:      "relayed_messages",
			Help:      "Messages accepted by a remote MX",
		},
		[]string{"module"},
	)
	failedRelays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petrel",
			Subsystem: "remote",
			Name:      "failed_relays",
			Help:      "Relay attempts that failed for all usable MXs",
		},
		[]string{"module"},
	)
	mxFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petrel",
			Subsystem: "remote",
			Name:      "implicit_mx_fallbacks",
			Help:      "Deliveries that used the bare recipient domain as an implicit MX",
		},
		[]string{"module"},
	)
)

func init() {
	prometheus.MustRegister(relayedMessages)
	prometheus.MustRegister(failedRelays)
	prometheus.MustRegister(mxFallbacks)
}
