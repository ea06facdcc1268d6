package prometheus

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// logCounter counts log statements per level and service prefix. Dashboards
// alert on the error-level series of the scheduler and verifier services.
var logCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coordinator",
	Name:      "log_entries_total",
	Help:      "Count of log entries by level and service prefix.",
}, []string{"level", "prefix"})

// LogrusCollector is a logrus hook feeding the log entry counter.
type LogrusCollector struct{}

// NewLogrusCollector returns a hook to install on the process logger.
func NewLogrusCollector() *LogrusCollector {
	return &LogrusCollector{}
}

// Fire runs on every log statement at a counted level.
func (hook *LogrusCollector) Fire(entry *logrus.Entry) error {
	prefix := "global"
	if value, ok := entry.Data["prefix"]; ok {
		prefix, ok = value.(string)
		if !ok {
			return errors.New("prefix field is not a string")
		}
	}
	logCounter.WithLabelValues(entry.Level.String(), prefix).Inc()
	return nil
}

// Levels restricts the hook to the levels worth counting.
func (_ *LogrusCollector) Levels() []logrus.Level {
	return []logrus.Level{logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}
}
