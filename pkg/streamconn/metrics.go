/*
 * Copyright (c) 2024, The edgerelay Authors
 * All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package streamconn

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the connector layer's counters. A nil *Metrics on the
// Env disables them.
type Metrics struct {
	ConnectorsCreated   prometheus.Counter
	ConnectorsDestroyed prometheus.Counter
	StateTransitions    *prometheus.CounterVec
	BytesIn             prometheus.Counter
	BytesOut            prometheus.Counter
	SplicedBytes        prometheus.Counter
	BufferStarvations   prometheus.Counter
	Shutdowns           prometheus.Counter
}

// NewMetrics creates and registers the connector layer's metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectorsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgerelay",
			Subsystem: "streamconn",
			Name:      "connectors_created_total",
			Help:      "Number of stream connectors created.",
		}),
		ConnectorsDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgerelay",
			Subsystem: "streamconn",
			Name:      "connectors_destroyed_total",
			Help:      "Number of stream connectors destroyed.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgerelay",
			Subsystem: "streamconn",
			Name:      "state_transitions_total",
			Help:      "Connector state machine transitions, by target state.",
		}, []string{"state"}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgerelay",
			Subsystem: "streamconn",
			Name:      "bytes_in_total",
			Help:      "Bytes received from endpoints.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgerelay",
			Subsystem: "streamconn",
			Name:      "bytes_out_total",
			Help:      "Bytes sent to endpoints.",
		}),
		SplicedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgerelay",
			Subsystem: "streamconn",
			Name:      "spliced_bytes_total",
			Help:      "Bytes moved through the zero-copy path.",
		}),
		BufferStarvations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgerelay",
			Subsystem: "streamconn",
			Name:      "buffer_starvations_total",
			Help:      "Receives blocked on buffer pool exhaustion.",
		}),
		Shutdowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgerelay",
			Subsystem: "streamconn",
			Name:      "shutdowns_total",
			Help:      "Write shutdowns performed on endpoints.",
		}),
	}
	reg.MustRegister(m.ConnectorsCreated, m.ConnectorsDestroyed,
		m.StateTransitions, m.BytesIn, m.BytesOut, m.SplicedBytes,
		m.BufferStarvations, m.Shutdowns)
	return m
}
