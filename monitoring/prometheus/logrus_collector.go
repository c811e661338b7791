package prometheus

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// LogrusCollector is a logrus hook that counts emitted log entries by level
// and subsystem prefix.
type LogrusCollector struct {
	counter *prometheus.CounterVec
}

var logEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "synapse_log_entries_total",
	Help: "Log entries emitted, partitioned by level and subsystem prefix.",
}, []string{"level", "prefix"})

const (
	prefixField   = "prefix"
	unknownPrefix = "global"
)

// NewLogrusCollector returns a hook suitable for logrus.AddHook. The backing
// counter is registered once at package load, so multiple hooks share it.
func NewLogrusCollector() *LogrusCollector {
	return &LogrusCollector{counter: logEntries}
}

// Fire is called by logrus on every matching log entry.
func (hook *LogrusCollector) Fire(entry *logrus.Entry) error {
	prefix := unknownPrefix
	if v, ok := entry.Data[prefixField]; ok {
		s, ok := v.(string)
		if !ok {
			return errors.Errorf("prefix field is %T, not a string", v)
		}
		prefix = s
	}
	hook.counter.WithLabelValues(entry.Level.String(), prefix).Inc()
	return nil
}

// Levels reports the log levels the hook subscribes to.
func (_ *LogrusCollector) Levels() []logrus.Level {
	return []logrus.Level{logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}
}
