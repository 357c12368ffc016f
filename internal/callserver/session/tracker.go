package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Tracker maps callSid to live sessions. A session is present from the start
// of its task loop until the loop has finished and resources are released.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*CallSession
	idle     chan struct{}
	onChange func(count int)
	logger   *slog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		sessions: make(map[string]*CallSession),
		idle:     make(chan struct{}),
		logger:   logger,
	}
}

// OnChange registers fn to be called with the new count after every mutation.
func (t *Tracker) OnChange(fn func(count int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Add registers s under its callSid.
func (t *Tracker) Add(s *CallSession) {
	t.mu.Lock()
	if _, exists := t.sessions[s.CallSid()]; exists {
		t.logger.Warn("[Tracker] Replacing session with duplicate call sid",
			"call_sid", s.CallSid(),
		)
	}
	t.sessions[s.CallSid()] = s
	n := len(t.sessions)
	fn := t.onChange
	t.mu.Unlock()

	t.logger.Debug("[Tracker] Session added", "call_sid", s.CallSid(), "count", n)
	if fn != nil {
		fn(n)
	}
}

// Remove unregisters the session for callSid. When the last session leaves,
// the current idle channel is closed and a fresh one armed.
func (t *Tracker) Remove(callSid string) {
	t.mu.Lock()
	if _, ok := t.sessions[callSid]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.sessions, callSid)
	n := len(t.sessions)
	if n == 0 {
		close(t.idle)
		t.idle = make(chan struct{})
	}
	fn := t.onChange
	t.mu.Unlock()

	t.logger.Debug("[Tracker] Session removed", "call_sid", callSid, "count", n)
	if n == 0 {
		t.logger.Info("[Tracker] No active sessions")
	}
	if fn != nil {
		fn(n)
	}
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) Get(callSid string) (*CallSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[callSid]
	return s, ok
}

// List returns the live sessions ordered by callSid.
func (t *Tracker) List() []*CallSession {
	t.mu.Lock()
	list := make([]*CallSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		list = append(list, s)
	}
	t.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].CallSid() < list[j].CallSid() })
	return list
}

// Idle returns a channel closed on the next transition from one session to
// none.
func (t *Tracker) Idle() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idle
}

// WaitIdle blocks until no session is tracked or ctx ends.
func (t *Tracker) WaitIdle(ctx context.Context) error {
	t.mu.Lock()
	if len(t.sessions) == 0 {
		t.mu.Unlock()
		return nil
	}
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
