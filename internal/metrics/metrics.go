// Package metrics holds the prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts validations by credential variant and result
	// (accepted or the rejection kind).
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkin",
		Name:      "scans_total",
		Help:      "Scan validations by credential variant and result.",
	}, []string{"variant", "result"})

	CredentialsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkin",
		Name:      "credentials_issued_total",
		Help:      "Credential issue attempts by result.",
	}, []string{"result"})

	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "checkin",
		Name:      "live_sessions",
		Help:      "Generator sessions currently streaming to a client.",
	})

	ManualMarks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkin",
		Name:      "manual_marks_total",
		Help:      "Manual settlements and excuse claims by status.",
	}, []string{"status"})
)
