package resilience

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulsefit/internal/buffer"
)

// DefaultEventLogSize bounds the fallback decision log.
const DefaultEventLogSize = 50

// Level is the severity of an event log entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one structured fallback-chain decision.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Level     Level             `json:"level"`
	Operation string            `json:"operation"`
	Attempts  int               `json:"attempts"`
	Method    string            `json:"method,omitempty"`
	Error     string            `json:"error,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// EventLog keeps the most recent events in memory and mirrors each one to
// the process logger.
type EventLog struct {
	ring *buffer.Ring[Event]
	now  func() time.Time
}

// NewEventLog creates a log holding at most capacity events.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultEventLogSize
	}
	return &EventLog{
		ring: buffer.New[Event](capacity),
		now:  time.Now,
	}
}

// Append stamps ev with an id and timestamp, stores it and returns it.
func (l *EventLog) Append(ev Event) Event {
	ev.ID = ulid.Make().String()
	ev.Timestamp = l.now().UTC()
	if ev.Level == "" {
		ev.Level = LevelInfo
	}
	if len(ev.Fields) > 0 {
		fields := make(map[string]string, len(ev.Fields))
		for k, v := range ev.Fields {
			fields[k] = v
		}
		ev.Fields = fields
	}
	l.ring.Push(ev)

	e := log.WithLevel(zerologLevel(ev.Level)).
		Str("event_id", ev.ID).
		Str("operation", ev.Operation).
		Int("attempts", ev.Attempts)
	if ev.Method != "" {
		e = e.Str("method", ev.Method)
	}
	if ev.Error != "" {
		e = e.Str("error", ev.Error)
	}
	for k, v := range ev.Fields {
		e = e.Str(k, v)
	}
	e.Msg("Executor event")

	return ev
}

// Entries returns the stored events, oldest first.
func (l *EventLog) Entries() []Event {
	return l.ring.Snapshot()
}

// Len returns the number of stored events.
func (l *EventLog) Len() int {
	return l.ring.Len()
}

// Recall returns the newest value recorded under a field key, e.g. a
// subscription id remembered from an earlier call.
func (l *EventLog) Recall(key string) (string, bool) {
	ev, ok := l.ring.Last(func(ev Event) bool {
		v, ok := ev.Fields[key]
		return ok && v != ""
	})
	if !ok {
		return "", false
	}
	return ev.Fields[key], true
}

// RecallFor is Recall restricted to events whose fields contain every
// key/value pair in where.
func (l *EventLog) RecallFor(key string, where map[string]string) (string, bool) {
	ev, ok := l.ring.Last(func(ev Event) bool {
		if v, ok := ev.Fields[key]; !ok || v == "" {
			return false
		}
		for k, want := range where {
			if ev.Fields[k] != want {
				return false
			}
		}
		return true
	})
	if !ok {
		return "", false
	}
	return ev.Fields[key], true
}

// Reset drops every stored event.
func (l *EventLog) Reset() {
	l.ring.Reset()
}

func zerologLevel(level Level) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
