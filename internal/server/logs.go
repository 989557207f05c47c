package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// logRecord is one captured entry as served on /logs.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logRing keeps the most recent warnings and errors. It is a logrus hook.
type logRing struct {
	mu      sync.RWMutex
	items   []logRecord
	limit   int
	enabled atomic.Bool
}

func newLogRing(limit int) *logRing {
	if limit <= 0 {
		limit = 100
	}
	r := &logRing{limit: limit}
	r.enabled.Store(true)
	return r
}

func (r *logRing) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (r *logRing) Fire(entry *logrus.Entry) error {
	if !r.enabled.Load() {
		return nil
	}

	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if component, ok := entry.Data["component"].(string); ok {
		rec.Component = component
	}
	if len(entry.Data) > 0 {
		rec.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" {
				continue
			}
			switch val := v.(type) {
			case error:
				rec.Fields[k] = val.Error()
			case fmt.Stringer:
				rec.Fields[k] = val.String()
			default:
				rec.Fields[k] = val
			}
		}
	}

	r.mu.Lock()
	r.items = append(r.items, rec)
	if len(r.items) > r.limit {
		r.items = append([]logRecord(nil), r.items[len(r.items)-r.limit:]...)
	}
	r.mu.Unlock()
	return nil
}

// snapshot returns the records newest first.
func (r *logRing) snapshot() []logRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]logRecord, len(r.items))
	for i, rec := range r.items {
		out[len(r.items)-1-i] = rec
	}
	return out
}

func (r *logRing) close() {
	r.enabled.Store(false)
}
