// Package metrics registers the Prometheus instrumentation shared by
// the pipeline components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argus_ingest_restarts_total",
		Help: "Ingest worker restarts per camera.",
	}, []string{"camera"})

	IngestState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "argus_ingest_up",
		Help: "1 when the camera ingest is healthy.",
	}, []string{"camera"})

	SegmentsIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "argus_archive_segments_indexed_total",
		Help: "Archive segments indexed from disk.",
	})

	EventsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argus_events_recorded_total",
		Help: "Detection events materialized as clips.",
	}, []string{"reason"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "argus_events_dropped_total",
		Help: "Clip jobs dropped because the queue was full.",
	})

	ClipCutSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "argus_clip_cut_duration_seconds",
		Help:    "Wall time spent cutting event clips.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 9),
	})

	ReapedSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "argus_reaped_segments_total",
		Help: "Archive segments removed by retention.",
	})

	ReapedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "argus_reaped_events_total",
		Help: "Events removed by retention.",
	})

	RouterReloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "argus_router_reloads_total",
		Help: "Media-router configuration reloads applied.",
	})

	RouterReloadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "argus_router_reload_errors_total",
		Help: "Media-router reloads that failed.",
	})

	DetectionFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argus_detection_frames_total",
		Help: "Frames processed by the detection pipeline.",
	}, []string{"camera"})

	StreamCredsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "argus_stream_credentials_active",
		Help: "Live ephemeral viewer credentials.",
	})
)
