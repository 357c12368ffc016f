package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callserver/internal/callserver/callinfo"
)

// Builder constructs events with consistent defaults.
type Builder struct {
	nodeID string
	now    func() time.Time
}

// NewBuilder creates an event builder for the given instance.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID, now: time.Now}
}

func (b *Builder) newBase(t EventType, snap callinfo.Snapshot, subject string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: t,
		EventTime: b.now().UTC(),
		CallSid:   snap.CallSid,
		SIPCallID: snap.CallID,
		AccountID: snap.AccountSid,
		NodeID:    b.nodeID,
		subject:   subject,
	}
}

// Status builds the events for one status change: always a status event,
// plus an ended event when the status is terminal.
func (b *Builder) Status(snap callinfo.Snapshot) []*StatusEvent {
	out := []*StatusEvent{b.statusEvent(CallStatusChanged, snap, StatusSubject(snap.CallSid, string(snap.CallStatus)))}
	if snap.CallStatus.IsTerminal() {
		out = append(out, b.statusEvent(CallEnded, snap, CallSubject(snap.CallSid, SubjectCallEnded)))
	}
	return out
}

func (b *Builder) statusEvent(t EventType, snap callinfo.Snapshot, subject string) *StatusEvent {
	return &StatusEvent{
		BaseEvent:     b.newBase(t, snap, subject),
		ParentCallSid: snap.ParentCallSid,
		Direction:     snap.Direction,
		From:          snap.From,
		To:            snap.To,
		CallStatus:    snap.CallStatus,
		SipStatus:     snap.SipStatus,
		SipReason:     snap.SipReason,
		Duration:      snap.Duration,
		StartTime:     snap.StartTime,
		AnswerTime:    snap.AnswerTime,
	}
}
