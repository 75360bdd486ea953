// Copyright 2025 The go-meshinfer Authors
// This file is part of the go-meshinfer library.
//
// The go-meshinfer library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-meshinfer library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-meshinfer library. If not, see <http://www.gnu.org/licenses/>.

// Package metrics exposes the control plane's prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshinfer_jobs_created_total",
		Help: "Inference jobs accepted by the dispatcher.",
	})
	JobsPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshinfer_jobs_pushed_total",
		Help: "Jobs delivered over a worker push channel.",
	})
	JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshinfer_jobs_claimed_total",
		Help: "Jobs claimed by polling workers.",
	})
	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshinfer_jobs_completed_total",
		Help: "Jobs that reached the completed state.",
	})
	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshinfer_jobs_failed_total",
		Help: "Jobs that reached the failed state.",
	})
	FramesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshinfer_stream_frames_applied_total",
		Help: "Producer delta frames applied to stream state.",
	})
	OffsetMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshinfer_stream_offset_mismatch_total",
		Help: "Producer frames rejected for offset mismatch.",
	})
	SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshinfer_stream_subscribers_dropped_total",
		Help: "Subscribers dropped on buffer overflow.",
	})
	ReceiptsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshinfer_receipts_appended_total",
		Help: "Receipts appended across all user chains.",
	})
	WorkersLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshinfer_workers_live",
		Help: "Workers currently within their heartbeat window.",
	})
)

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
