package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batonHandOffsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_baton_handoffs_total",
		Help: "Count of circuit baton hand-offs.",
	})
	timeoutsFiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_timeouts_fired_total",
		Help: "Count of contribution timeouts fired by the scheduler.",
	})
	completedContributionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_completed_contributions_total",
		Help: "Count of contributions classified valid.",
	})
	failedContributionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_failed_contributions_total",
		Help: "Count of contributions classified invalid or timed out.",
	})
)
