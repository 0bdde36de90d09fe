package client

import "time"

// StatusResponse mirrors GET {base}/status. Optional fields are nil while
// the sidecar is stopped or the value is unknown.
type StatusResponse struct {
	State         string  `json:"state"`
	Phase         string  `json:"phase"`
	PID           *int    `json:"pid"`
	UptimeSeconds *uint64 `json:"uptime_seconds"`
	ClientPort    *uint16 `json:"client_port"`
	ErrorMessage  *string `json:"error_message"`
}

// Running reports whether the daemon tracks a live sidecar.
func (s StatusResponse) Running() bool { return s.State == "running" }

// ResultResponse is returned by start and stop.
type ResultResponse struct {
	Result string `json:"result"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Event is one server-sent event from GET {base}/events.
type Event struct {
	// Topic is the SSE event name, e.g. "dendrite-stdout".
	Topic    string    `json:"-"`
	Kind     string    `json:"kind"`
	RunID    string    `json:"run_id"`
	Text     string    `json:"text,omitempty"`
	Port     uint16    `json:"port,omitempty"`
	PID      int       `json:"pid,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	At       time.Time `json:"at"`
}
