package gateway

import "time"

// Status is the lifecycle of one evaluation request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Outcome records one evaluation request and its result. Exactly one of
// Decision and Error is set once Status is no longer pending.
type Outcome struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Status      Status    `json:"status"`
	Score       int       `json:"score"`
	RequestedAt time.Time `json:"requested_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Decision    *Decision `json:"decision,omitempty"`
	Error       *Error    `json:"error,omitempty"`
}

// Done reports whether the request has finished.
func (o Outcome) Done() bool { return o.Status != StatusPending }

// Latency returns the round-trip time of a finished request.
func (o Outcome) Latency() time.Duration {
	if o.CompletedAt.IsZero() {
		return 0
	}
	return o.CompletedAt.Sub(o.RequestedAt)
}
