package callinfo

import "fmt"

// CallStatus is the externally reported lifecycle state of a call leg.
type CallStatus string

const (
	StatusTrying     CallStatus = "trying"
	StatusRinging    CallStatus = "ringing"
	StatusEarlyMedia CallStatus = "early-media"
	StatusInProgress CallStatus = "in-progress"
	StatusCompleted  CallStatus = "completed"
	StatusFailed     CallStatus = "failed"
	StatusNoAnswer   CallStatus = "no-answer"
	StatusBusy       CallStatus = "busy"
	StatusQueued     CallStatus = "queued"
)

// validTransitions defines which status transitions are allowed.
// Queued is only used by messaging sessions.
var validTransitions = map[CallStatus][]CallStatus{
	StatusQueued:     {StatusCompleted, StatusFailed},
	StatusTrying:     {StatusRinging, StatusEarlyMedia, StatusInProgress, StatusFailed, StatusNoAnswer, StatusBusy},
	StatusRinging:    {StatusEarlyMedia, StatusInProgress, StatusFailed, StatusNoAnswer, StatusBusy},
	StatusEarlyMedia: {StatusRinging, StatusInProgress, StatusFailed, StatusNoAnswer, StatusBusy},
	StatusInProgress: {StatusCompleted},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusNoAnswer:   {},
	StatusBusy:       {},
}

// CanTransitionTo checks if a transition from s to next is valid
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for the final statuses
func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNoAnswer, StatusBusy:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s CallStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// StatusForSIPCode maps a final non-success SIP response code to the call
// status it terminates with.
func StatusForSIPCode(code int) CallStatus {
	switch {
	case code >= 200 && code < 300:
		return StatusInProgress
	case code == 486 || code == 600:
		return StatusBusy
	case code == 408 || code == 480 || code == 487:
		return StatusNoAnswer
	default:
		return StatusFailed
	}
}

// Direction of a call leg relative to this server.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionNone     Direction = ""
)

// TransitionError is returned when a status update would move a call backwards.
type TransitionError struct {
	CallSid string
	From    CallStatus
	To      CallStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("call %s: invalid status transition %s -> %s", e.CallSid, e.From, e.To)
}
