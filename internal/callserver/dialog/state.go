package dialog

import "fmt"

// State is the signaling state of a dialog.
type State int

const (
	StateInitial State = iota
	// StateEarly follows a provisional response.
	StateEarly
	// StateWaitingACK follows our 200 OK to an inbound INVITE.
	StateWaitingACK
	StateConfirmed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateEarly:
		return "Early"
	case StateWaitingACK:
		return "WaitingACK"
	case StateConfirmed:
		return "Confirmed"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

var validTransitions = map[State][]State{
	StateInitial:     {StateEarly, StateWaitingACK, StateConfirmed, StateTerminated},
	StateEarly:       {StateWaitingACK, StateConfirmed, StateTerminated},
	StateWaitingACK:  {StateConfirmed, StateTerminated},
	StateConfirmed:   {StateTerminated},
	StateTerminated:  {},
}

// CanTransitionTo reports whether next is reachable from s.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TerminateReason records which side ended a dialog.
type TerminateReason int

const (
	ReasonNone TerminateReason = iota
	ReasonLocalBYE
	ReasonRemoteBYE
	ReasonCancel
	// ReasonTimeout means the ACK for our 200 OK never arrived.
	ReasonTimeout
	ReasonError
)

func (r TerminateReason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonLocalBYE:
		return "LocalBYE"
	case ReasonRemoteBYE:
		return "RemoteBYE"
	case ReasonCancel:
		return "Cancel"
	case ReasonTimeout:
		return "Timeout"
	case ReasonError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}
