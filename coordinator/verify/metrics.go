package verify

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_verifications_total",
		Help: "Count of finished contribution verifications by verdict.",
	}, []string{"verdict"})
	verificationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coordinator_verification_duration_seconds",
		Help:    "Wall-clock duration of contribution verifications.",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
	})
)

func observeVerification(valid bool, d time.Duration) {
	verdict := "invalid"
	if valid {
		verdict = "valid"
	}
	verificationsTotal.WithLabelValues(verdict).Inc()
	verificationSeconds.Observe(d.Seconds())
}
