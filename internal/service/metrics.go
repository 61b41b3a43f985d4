package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "runsync"
)

var (
	syncTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "sync",
		Name:      "transitions_total",
		Help:      "Count of sync state transitions by target state",
	}, []string{
		"state",
	})

	syncPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "sync",
		Name:      "polls_total",
		Help:      "Count of status polls by outcome",
	}, []string{
		"outcome",
	})

	syncTrackedRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: "sync",
		Name:      "tracked_runs",
		Help:      "Runs currently held in the sync registry",
	})

	scannerCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "scanner",
		Name:      "cycles_total",
		Help:      "Count of completed stuck execution scan cycles",
	})

	scannerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "scanner",
		Name:      "runs_total",
		Help:      "Count of runs handled by the scanner by outcome",
	}, []string{
		"outcome",
	})

	scannerCycleSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: "scanner",
		Name:      "last_cycle_seconds",
		Help:      "Duration of the last scan cycle (s)",
	})

	fanoutEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "fanout",
		Name:      "events_total",
		Help:      "Count of pushed events by event name and delivery outcome",
	}, []string{
		"event",
		"outcome",
	})

	fanoutSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: "fanout",
		Name:      "subscriptions",
		Help:      "Active run subscriptions",
	})
)

func RecordSyncTransition(state SyncState) {
	syncTransitionsTotal.WithLabelValues(string(state)).Inc()
}

func RecordPoll(outcome string) {
	syncPollsTotal.WithLabelValues(outcome).Inc()
}

func RecordTrackedRuns(n int) {
	syncTrackedRuns.Set(float64(n))
}

func RecordScanCycle(d time.Duration) {
	scannerCyclesTotal.Inc()
	scannerCycleSeconds.Set(d.Seconds())
}

func RecordScannedRun(outcome string) {
	scannerRunsTotal.WithLabelValues(outcome).Inc()
}

func RecordFanoutEvent(event, outcome string, n int) {
	if n > 0 {
		fanoutEventsTotal.WithLabelValues(event, outcome).Add(float64(n))
	}
}

func RecordSubscriptions(n int) {
	fanoutSubscriptions.Set(float64(n))
}
