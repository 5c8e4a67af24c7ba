package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Config holds the metrics listener settings.
type Config struct {
	Listen string `yaml:"listen"` // e.g. ":9100", empty = disabled
}

var (
	registerOnce sync.Once

	tagReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rfidtrack",
			Subsystem: "reader",
			Name:      "tag_reads_total",
			Help:      "Tag reads by outcome.",
		},
		[]string{"outcome"},
	)
	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rfidtrack",
			Subsystem: "reader",
			Name:      "reconnects_total",
			Help:      "Reader reconnect attempts after a transport fault.",
		},
	)
	detections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rfidtrack",
			Subsystem: "sensor",
			Name:      "detections_total",
			Help:      "In-range presence detections.",
		},
		[]string{"location"},
	)
	records = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rfidtrack",
			Subsystem: "tracking",
			Name:      "records_total",
			Help:      "Tracking records written.",
		},
		[]string{"direction"},
	)
	persistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rfidtrack",
			Subsystem: "tracking",
			Name:      "persist_failures_total",
			Help:      "Failed writes of the durable log.",
		},
	)
	forwards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rfidtrack",
			Subsystem: "dispatch",
			Name:      "forwards_total",
			Help:      "Crossings sent to the dispatcher.",
		},
		[]string{"success"},
	)
	forwardDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "rfidtrack",
			Subsystem: "dispatch",
			Name:      "forward_duration_seconds",
			Help:      "Dispatcher request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Tag read outcomes.
const (
	ReadAccepted   = "accepted"
	ReadDebounced  = "debounced"
	ReadNoPresence = "no_presence"
	ReadUnresolved = "unresolved"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(tagReads, reconnects, detections, records,
			persistFailures, forwards, forwardDuration)
	})
}

func RecordTagRead(outcome string) {
	tagReads.WithLabelValues(outcome).Inc()
}

func RecordReconnect() {
	reconnects.Inc()
}

func RecordDetection(location string) {
	detections.WithLabelValues(location).Inc()
}

func RecordTracking(direction string) {
	records.WithLabelValues(direction).Inc()
}

func RecordPersistFailure() {
	persistFailures.Inc()
}

func RecordForward(success bool, duration time.Duration) {
	label := "false"
	if success {
		label = "true"
	}
	forwards.WithLabelValues(label).Inc()
	forwardDuration.Observe(duration.Seconds())
}

// Serve exposes /metrics on cfg.Listen until ctx is done. It returns
// immediately when no listen address is configured.
func Serve(ctx context.Context, cfg Config) error {
	if cfg.Listen == "" {
		return nil
	}
	RegisterMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("component", "metrics").Str("listen", cfg.Listen).Msg("metrics listener started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
