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

package smtp

import "github.com/prometheus/client_golang/prometheus"

var (
	startedSMTPTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petrel",
			Subsystem: "smtp",
			Name:      "started_transactions",
			Help:      "Amount of SMTP transactions started",
		},
		[]string{"module"},
	)
	completedSMTPTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petrel",
			Subsystem: "smtp",
			Name:      "completed_transactions",
			Help:      "Amount of SMTP transactions successfully completed",
		},
		[]string{"module"},
	)
	abortedSMTPTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petrel",
			Subsystem: "smtp",
			Name:      "aborted_transactions",
			Help:      "Amount of SMTP transactions aborted",
		},
		[]string{"module"},
	)
	failedDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petrel",
			Subsystem: "smtp",
			Name:      "failed_deliveries",
			Help:      "Failed per-recipient delivery attempts",
		},
		[]string{"module"},
	)
)

func init() {
	prometheus.MustRegister(startedSMTPTransactions)
	prometheus.MustRegister(completedSMTPTransactions)
	prometheus.MustRegister(abortedSMTPTransactions)
	prometheus.MustRegister(failedDeliveries)
}
