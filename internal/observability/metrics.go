// Package observability exposes Prometheus metrics for the proximity tracker.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nearby_alerts"

var (
	fixesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "fixes_received_total",
		Help:      "Location fixes handed to the tracker by the provider.",
	})

	fixesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "fixes_dropped_total",
		Help:      "Queued fixes discarded because the queue was full or the tracker stopped.",
	})

	providerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "provider_errors_total",
		Help:      "Transient errors reported by the location provider.",
	})

	nearbyCandidates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decision",
		Name:      "nearby_candidates_total",
		Help:      "Activities found within the radius of a fix.",
	})

	notificationsFired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decision",
		Name:      "notifications_fired_total",
		Help:      "Nearby activities whose cooldown reservation succeeded.",
	})

	notificationsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decision",
		Name:      "notifications_suppressed_total",
		Help:      "Nearby activities skipped because they were still cooling down.",
	})

	deliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "delivery",
		Name:      "failures_total",
		Help:      "Notification deliveries that returned an error, by channel.",
	}, []string{"channel"})

	snapshotSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "activities",
		Help:      "Number of activities in the current snapshot.",
	})

	snapshotTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "last_refresh_timestamp_seconds",
		Help:      "Unix timestamp of the most recent snapshot refresh.",
	})

	ledgerEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cooldown",
		Name:      "entries",
		Help:      "Activity ids currently held in the cooldown ledger.",
	})

	trackerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "state",
		Help:      "1 for the tracker's current lifecycle state, 0 otherwise.",
	}, []string{"state"})

	foreground = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "foreground",
		Help:      "1 while the tracker holds foreground presence.",
	})
)

func init() {
	prometheus.MustRegister(
		fixesReceived,
		fixesDropped,
		providerErrors,
		nearbyCandidates,
		notificationsFired,
		notificationsSuppressed,
		deliveryFailures,
		snapshotSize,
		snapshotTimestamp,
		ledgerEntries,
		trackerState,
		foreground,
	)
}

// RecordFixReceived counts an accepted fix.
func RecordFixReceived() {
	fixesReceived.Inc()
}

// RecordFixesDropped counts discarded fixes.
func RecordFixesDropped(n int) {
	if n <= 0 {
		return
	}
	fixesDropped.Add(float64(n))
}

// RecordProviderError counts a transient provider failure.
func RecordProviderError() {
	providerErrors.Inc()
}

// RecordEvaluation tracks one pass of the nearby/decide pipeline.
func RecordEvaluation(nearby, fired int) {
	nearbyCandidates.Add(float64(nearby))
	notificationsFired.Add(float64(fired))
	if nearby > fired {
		notificationsSuppressed.Add(float64(nearby - fired))
	}
}

// RecordDeliveryFailure counts a failed notification for channel.
func RecordDeliveryFailure(channel string) {
	deliveryFailures.WithLabelValues(channel).Inc()
}

// RecordSnapshot updates snapshot size and refresh watermark.
func RecordSnapshot(size int, at time.Time) {
	snapshotSize.Set(float64(size))
	if !at.IsZero() {
		snapshotTimestamp.Set(float64(at.Unix()))
	}
}

// RecordLedgerSize sets the cooldown ledger gauge.
func RecordLedgerSize(n int) {
	ledgerEntries.Set(float64(n))
}

// RecordState marks current as the active lifecycle state among all.
func RecordState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		trackerState.WithLabelValues(s).Set(v)
	}
}

// SetForeground toggles the foreground presence gauge.
func SetForeground(on bool) {
	if on {
		foreground.Set(1)
		return
	}
	foreground.Set(0)
}
