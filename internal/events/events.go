package events

import (
	"log/slog"
	"time"
)

// Kind identifies what an Event carries.
type Kind string

const (
	KindStdout  Kind = "stdout"
	KindStderr  Kind = "stderr"
	KindPort    Kind = "port"
	KindStarted Kind = "started"
	KindExited  Kind = "exited"
	KindStopped Kind = "stopped"
)

// Topic returns the host-facing event name for a sidecar, e.g.
// "dendrite-stdout" or "dendrite-port-detected".
func (k Kind) Topic(sidecar string) string {
	if k == KindPort {
		return sidecar + "-port-detected"
	}
	return sidecar + "-" + string(k)
}

// Event is a single notification emitted by the supervisor. Output lines are
// never retained by the supervisor itself; sinks decide what to keep.
type Event struct {
	Kind     Kind      `json:"kind"`
	RunID    string    `json:"run_id"`
	Text     string    `json:"text,omitempty"`
	Port     uint16    `json:"port,omitempty"`
	PID      int       `json:"pid,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	At       time.Time `json:"at"`
}

// Sink receives events. Emit is fire-and-forget: implementations must not
// block the caller for long and must be safe for concurrent use.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// LogSink mirrors events into a structured logger: stdout at info, stderr at
// warn, lifecycle events at info.
type LogSink struct {
	Logger  *slog.Logger
	Sidecar string
}

func NewLogSink(l *slog.Logger, sidecar string) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{Logger: l, Sidecar: sidecar}
}

func (s *LogSink) Emit(e Event) {
	switch e.Kind {
	case KindStdout:
		s.Logger.Info(e.Text, "sidecar", s.Sidecar, "stream", "stdout")
	case KindStderr:
		s.Logger.Warn(e.Text, "sidecar", s.Sidecar, "stream", "stderr")
	case KindPort:
		s.Logger.Info("Sidecar port detected", "sidecar", s.Sidecar, "port", e.Port, "run", e.RunID)
	default:
		attrs := []any{"sidecar", s.Sidecar, "event", string(e.Kind), "run", e.RunID}
		if e.PID != 0 {
			attrs = append(attrs, "pid", e.PID)
		}
		if e.ExitCode != nil {
			attrs = append(attrs, "exitCode", *e.ExitCode)
		}
		s.Logger.Debug("Sidecar lifecycle event", attrs...)
	}
}
