// Package callinfo holds the identity and evolving status of a call leg.
package callinfo

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoAnswerTime is returned when a call is completed without ever having
// been answered.
var ErrNoAnswerTime = errors.New("completed without answer time")

// Params carries the identity fields of a new CallInfo.
type Params struct {
	CallSid        string
	ParentCallSid  string
	Direction      Direction
	From           string
	To             string
	CallerName     string
	CallID         string
	AccountSid     string
	ApplicationSid string
	CustomerData   map[string]any
	InitialStatus  CallStatus
}

// CallInfo is owned by exactly one session. Identity fields never change;
// status fields only move forward.
type CallInfo struct {
	mu sync.RWMutex

	callSid        string
	parentCallSid  string
	direction      Direction
	from           string
	to             string
	callerName     string
	callID         string
	accountSid     string
	applicationSid string
	customerData   map[string]any

	status     CallStatus
	sipStatus  int
	sipReason  string
	startTime  time.Time
	answerTime time.Time
	duration   *int

	now func() time.Time
}

// New creates a CallInfo. An empty CallSid gets a fresh UUID.
func New(p Params) *CallInfo {
	if p.CallSid == "" {
		p.CallSid = uuid.New().String()
	}
	status := p.InitialStatus
	if status == "" {
		status = StatusTrying
	}
	ci := &CallInfo{
		callSid:        p.CallSid,
		parentCallSid:  p.ParentCallSid,
		direction:      p.Direction,
		from:           p.From,
		to:             p.To,
		callerName:     p.CallerName,
		callID:         p.CallID,
		accountSid:     p.AccountSid,
		applicationSid: p.ApplicationSid,
		customerData:   p.CustomerData,
		status:         status,
		now:            time.Now,
	}
	ci.startTime = ci.now()
	return ci
}

func (c *CallInfo) CallSid() string      { return c.callSid }
func (c *CallInfo) ParentCallSid() string { return c.parentCallSid }
func (c *CallInfo) Direction() Direction { return c.direction }

// CallID returns the SIP Call-ID, which for outbound legs is only known once
// the request has been built.
func (c *CallInfo) CallID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callID
}

// SetCallID records the signaling Call-ID.
func (c *CallInfo) SetCallID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callID = id
}

// SetCustomerData replaces the opaque application data attached to the call.
func (c *CallInfo) SetCustomerData(data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.customerData = data
}

// Status returns the current status.
func (c *CallInfo) Status() CallStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Update moves the call to status. sipStatus of 0 keeps the previous value.
// Completed computes the duration from the answer time.
func (c *CallInfo) Update(status CallStatus, sipStatus int, sipReason string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.status.CanTransitionTo(status) {
		return c.snapshotLocked(), &TransitionError{CallSid: c.callSid, From: c.status, To: status}
	}

	now := c.now()
	switch status {
	case StatusInProgress:
		c.answerTime = now
	case StatusCompleted:
		if c.answerTime.IsZero() {
			return c.snapshotLocked(), ErrNoAnswerTime
		}
		d := int(now.Sub(c.answerTime).Round(time.Second) / time.Second)
		c.duration = &d
	}

	c.status = status
	if sipStatus != 0 {
		c.sipStatus = sipStatus
		c.sipReason = sipReason
	}
	return c.snapshotLocked(), nil
}

// Snapshot returns an immutable copy.
func (c *CallInfo) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *CallInfo) snapshotLocked() Snapshot {
	s := Snapshot{
		CallSid:        c.callSid,
		ParentCallSid:  c.parentCallSid,
		Direction:      c.direction,
		From:           c.from,
		To:             c.to,
		CallerName:     c.callerName,
		CallID:         c.callID,
		CallStatus:     c.status,
		SipStatus:      c.sipStatus,
		SipReason:      c.sipReason,
		AccountSid:     c.accountSid,
		ApplicationSid: c.applicationSid,
		StartTime:      c.startTime,
	}
	if !c.answerTime.IsZero() {
		t := c.answerTime
		s.AnswerTime = &t
	}
	if c.duration != nil {
		d := *c.duration
		s.Duration = &d
	}
	if len(c.customerData) > 0 {
		s.CustomerData = make(map[string]any, len(c.customerData))
		for k, v := range c.customerData {
			s.CustomerData[k] = v
		}
	}
	return s
}

// Snapshot is the serialized form delivered to webhooks, persistence and events.
type Snapshot struct {
	CallSid        string         `json:"callSid"`
	ParentCallSid  string         `json:"parentCallSid,omitempty"`
	Direction      Direction      `json:"direction,omitempty"`
	From           string         `json:"from"`
	To             string         `json:"to"`
	CallerName     string         `json:"callerName,omitempty"`
	CallID         string         `json:"callId"`
	CallStatus     CallStatus     `json:"callStatus"`
	SipStatus      int            `json:"sipStatus,omitempty"`
	SipReason      string         `json:"sipReason,omitempty"`
	AccountSid     string         `json:"accountSid,omitempty"`
	ApplicationSid string         `json:"applicationSid,omitempty"`
	Duration       *int           `json:"duration,omitempty"`
	CustomerData   map[string]any `json:"customerData,omitempty"`
	StartTime      time.Time      `json:"startTime"`
	AnswerTime     *time.Time     `json:"answerTime,omitempty"`
}

// JSON returns the snapshot encoded for a webhook body.
func (s Snapshot) JSON() []byte {
	data, _ := json.Marshal(s)
	return data
}
