package drain

import (
	"context"
	"time"
)

// Mode configures how aggressively drain behaves
type Mode string

const (
	// ModeGraceful stops taking new calls and waits for live ones to end.
	ModeGraceful Mode = "graceful"
	// ModeAggressive transfers or hangs up every live call.
	ModeAggressive Mode = "aggressive"
)

// State of the server with respect to draining.
type State string

const (
	StateActive   State = "active"
	StateDraining State = "draining"
	// StateDrained means no tracked session is left.
	StateDrained State = "drained"
)

// Request contains the parameters for a drain operation
type Request struct {
	Mode    Mode          `json:"mode"`
	Timeout time.Duration `json:"-"`
	// Target is the URI calls are transferred to in aggressive mode. When
	// empty, calls are hung up.
	Target string `json:"target,omitempty"`
}

// DefaultTimeout returns the default timeout for a drain mode
func DefaultTimeout(mode Mode) time.Duration {
	switch mode {
	case ModeAggressive:
		return 30 * time.Second
	default:
		return 10 * time.Minute
	}
}

// Status represents the current state of a drain operation
type Status struct {
	State            State          `json:"state"`
	Mode             Mode           `json:"mode,omitempty"`
	Target           string         `json:"target,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
	TotalSessions    int            `json:"total_sessions"`
	Remaining        int            `json:"remaining"`
	TransferredCount int            `json:"transferred_count"`
	HungUpCount      int            `json:"hung_up_count"`
	FailedCount      int            `json:"failed_count"`
	Errors           []SessionError `json:"errors,omitempty"`
}

// SessionError records an error while moving a session off this server.
type SessionError struct {
	CallSid   string    `json:"call_sid"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the part of a call session drain acts on.
type Session interface {
	CallSid() string
	HasStableDialog() bool
	ReferCall(ctx context.Context, targetURI string) (int, error)
	Hangup(ctx context.Context) error
	Kill(ctx context.Context)
}

// Sessions lists live sessions and signals when none are left.
type Sessions interface {
	Count() int
	Sessions() []Session
	WaitIdle(ctx context.Context) error
}
