// Package events publishes call status changes to an event bus.
package events

import (
	"time"

	"github.com/sebas/callserver/internal/callserver/callinfo"
)

// EventType identifies the type of call event
type EventType string

const (
	// CallStatusChanged fires on every reported status change of a leg.
	CallStatusChanged EventType = "call.status"
	// CallEnded fires once a leg reaches a terminal status.
	CallEnded EventType = "call.ended"
)

// Event is the base interface for all call events
type Event interface {
	Type() EventType
	// Subject returns the NATS subject this event publishes to.
	Subject() string
	Timestamp() time.Time
	CallID() string
	// ID is unique per event instance and used for deduplication.
	ID() string
}

// BaseEvent contains fields common to all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	// CallSid identifies the call leg.
	CallSid string `json:"call_sid"`
	// SIPCallID is the SIP Call-ID of the leg, when it has one.
	SIPCallID string `json:"sip_call_id,omitempty"`
	AccountID string `json:"account_sid,omitempty"`
	// NodeID identifies the instance that produced the event.
	NodeID string `json:"node_id,omitempty"`

	subject string
}

func (e *BaseEvent) Type() EventType      { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e *BaseEvent) CallID() string       { return e.CallSid }
func (e *BaseEvent) ID() string           { return e.EventID }
func (e *BaseEvent) Subject() string      { return e.subject }

// StatusEvent carries one status change of a call leg.
type StatusEvent struct {
	BaseEvent
	ParentCallSid string              `json:"parent_call_sid,omitempty"`
	Direction     callinfo.Direction  `json:"direction,omitempty"`
	From          string              `json:"from"`
	To            string              `json:"to"`
	CallStatus    callinfo.CallStatus `json:"call_status"`
	SipStatus     int                 `json:"sip_status,omitempty"`
	SipReason     string              `json:"sip_reason,omitempty"`
	Duration      *int                `json:"duration,omitempty"`
	StartTime     time.Time           `json:"start_time"`
	AnswerTime    *time.Time          `json:"answer_time,omitempty"`
}
