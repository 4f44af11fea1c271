// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package build

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsBuild holds Prometheus metrics for the build subsystem.
type metricsBuild struct {
	once sync.Once

	// Discovery/parse
	filesDiscovered prometheus.Counter
	filesParsed     prometheus.Counter
	filesSkipped    prometheus.Counter
	parseErrors     prometheus.Counter

	// Writes
	nodesWritten prometheus.Counter
	edgesWritten prometheus.Counter
	batchesSent  prometheus.Counter

	// Queue
	buildsQueued   prometheus.Counter
	buildsRejected prometheus.Counter
	buildsFailed   prometheus.Counter

	// Durations
	discoverDuration prometheus.Histogram
	parseDuration    prometheus.Histogram
	writeDuration    prometheus.Histogram
	hookDuration     prometheus.Histogram
	totalDuration    prometheus.Histogram
}

var buildMetrics metricsBuild

func (m *metricsBuild) init() {
	m.once.Do(func() {
		m.filesDiscovered = prometheus.NewCounter(prometheus.CounterOpts{Name: "cis_build_files_discovered_total", Help: "Archivos descubiertos en el walk"})
		m.filesParsed = prometheus.NewCounter(prometheus.CounterOpts{Name: "cis_build_files_parsed_total", Help: "Archivos parseados con símbolos"})
		m.filesSkipped = prometheus.NewCounter(prometheus.CounterOpts{Name: "cis_build_files_skipped_total", Help: "Archivos sin cambios (hash igual)"})
		m.parseErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "cis_build_parse_errors_total", Help: "Errores de parseo por archivo"})

		m.nodesWritten = prometheus.NewCounter(prometheus.CounterOpts{Name: "cis_build_nodes_written_total", Help: "Nodos escritos al grafo"})
		m.edgesWritten = prometheus.NewCounter(prometheus.CounterOpts{Name: "cis_build_edges_written_total", Help: "Edges escritos al grafo"})
		m.batchesSent = prometheus.NewCounter(prometheus.CounterOpts{Name: "cis_build_batches_sent_total", Help: "Batches enviados al store"})

		m.buildsQueued = prometheus.NewCounter(prometheus.CounterOpts{Name: "cis_build_queued_total", Help: "Builds encolados"})
		m.buildsRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "cis_build_rejected_total", Help: "Builds rechazados por proyecto ocupado"})
		m.buildsFailed = prometheus.NewCounter(prometheus.CounterOpts{Name: "cis_build_failed_total", Help: "Builds terminados con error"})

		buckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
		m.discoverDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "cis_build_discover_seconds", Help: "Duración del walk de descubrimiento", Buckets: buckets})
		m.parseDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "cis_build_parse_seconds", Help: "Duración de parseo", Buckets: buckets})
		m.writeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "cis_build_write_seconds", Help: "Duración de escrituras", Buckets: buckets})
		m.hookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "cis_build_hooks_seconds", Help: "Duración de hooks post-build", Buckets: buckets})
		m.totalDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "cis_build_total_seconds", Help: "Duración total del build", Buckets: buckets})

		prometheus.MustRegister(
			m.filesDiscovered, m.filesParsed, m.filesSkipped, m.parseErrors,
			m.nodesWritten, m.edgesWritten, m.batchesSent,
			m.buildsQueued, m.buildsRejected, m.buildsFailed,
			m.discoverDuration, m.parseDuration, m.writeDuration, m.hookDuration, m.totalDuration,
		)
	})
}
