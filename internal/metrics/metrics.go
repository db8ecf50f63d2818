/*
Copyright 2026 The ConnBroker authors.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package metrics exposes the broker's runtime counters as Prometheus
// collectors, standing in for the status fields the original
// implementation only logged (spec ambient surface, section 9).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "connbroker"

var (
	// ActiveConnections is the current slot-table occupancy.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Number of RDMA connections currently occupying a slot.",
	})

	// FreeSlots is the current slot-table headroom.
	FreeSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "free_slots",
		Help:      "Number of unoccupied slots in the admission table.",
	})

	// AdmissionRejectionsTotal counts connections refused because the
	// slot table was full (spec section 8, property (iv)).
	AdmissionRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_rejections_total",
		Help:      "Total incoming TLS connections rejected for lack of a free slot.",
	})

	// PSNIssuedTotal counts local PSNs issued by this process, one per
	// admitted connection; it is a single counter with no labels.
	PSNIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "psn_issued_total",
		Help:      "Total Packet Sequence Numbers generated by this process.",
	})

	// TransportErrorsTotal counts non-success completion statuses
	// observed on any send or receive work request.
	TransportErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_errors_total",
		Help:      "Total non-success completion statuses observed on a queue pair.",
	}, []string{"status"})

	// HandshakeDurationSeconds measures the time from TLS accept to
	// QP reaching RTS, per connection.
	HandshakeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "handshake_duration_seconds",
		Help:      "Time from TLS accept to the connection's QP reaching RTS.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
