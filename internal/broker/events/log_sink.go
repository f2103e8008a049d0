package events

import (
	"github.com/opentransit/gridbroker/internal/shared/logging"
)

// LogSink writes every event to the structured log. It stands in for an
// external event bus; losing an event here costs a log line, nothing more.
type LogSink struct {
	logger logging.Logger
}

func NewLogSink(logger logging.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(e Event) {
	s.logger.Info("Event "+e.Name(), e.Fields()...)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Send(e Event) {}
