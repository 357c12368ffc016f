// Package task defines the unit of work a call session executes, the
// preconditions tasks declare, and the optional capabilities live call
// control dispatches to.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sebas/callserver/internal/callserver/callinfo"
	"github.com/sebas/callserver/internal/callserver/resource"
)

// Precondition is the resource requirement a task declares.
type Precondition int

const (
	PreconditionNone Precondition = iota
	PreconditionEndpoint
	PreconditionStableCall
	PreconditionUnansweredCall
)

// String returns the string representation of the precondition
func (p Precondition) String() string {
	switch p {
	case PreconditionNone:
		return "none"
	case PreconditionEndpoint:
		return "endpoint"
	case PreconditionStableCall:
		return "stable-call"
	case PreconditionUnansweredCall:
		return "unanswered-call"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParsePrecondition parses the string form back to a Precondition.
func ParsePrecondition(s string) (Precondition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return PreconditionNone, nil
	case "endpoint":
		return PreconditionEndpoint, nil
	case "stable-call":
		return PreconditionStableCall, nil
	case "unanswered-call":
		return PreconditionUnansweredCall, nil
	}
	return 0, fmt.Errorf("unknown precondition %q", s)
}

// Resources is what precondition resolution hands to a task.
type Resources struct {
	Endpoint resource.Endpoint
	Dialog   resource.Dialog
	// Media is the media session hosting Endpoint. Child legs created by a
	// task share it so their endpoints can be bridged.
	Media resource.MediaSession
}

// Session is the view of a call session a task executes against.
type Session interface {
	CallSid() string
	Snapshot() callinfo.Snapshot
	Logger() *slog.Logger
	// ReplaceApplication swaps the remaining instructions.
	ReplaceApplication(tasks []Task)
	// Decline sends a final non-success response to an unanswered inbound call.
	Decline(ctx context.Context, code int, reason string) error
	// Hangup releases the call from the near end.
	Hangup(ctx context.Context) error
}

// Task is one instruction of a call's application.
type Task interface {
	json.Marshaler
	Name() string
	Preconditions() Precondition
	// EarlyMedia reports whether the task may run before the call is answered.
	EarlyMedia() bool
	// Exec runs the task to completion. The task owns itself until Exec
	// returns or Kill is called.
	Exec(ctx context.Context, s Session, r Resources) error
	// Kill asks a running task to stop. It must be safe to call on a task
	// that is not running.
	Kill(ctx context.Context)
}

// Base implements the bookkeeping parts of Task for concrete verbs to embed.
type Base struct {
	VerbName     string
	Precondition Precondition
	Early        bool
	Raw          json.RawMessage
}

func (b *Base) Name() string                { return b.VerbName }
func (b *Base) Preconditions() Precondition { return b.Precondition }
func (b *Base) EarlyMedia() bool            { return b.Early }

// MarshalJSON returns the task's original application data.
func (b *Base) MarshalJSON() ([]byte, error) {
	if len(b.Raw) == 0 {
		return []byte("{}"), nil
	}
	return b.Raw, nil
}
