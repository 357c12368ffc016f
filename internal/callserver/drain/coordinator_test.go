package drain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	sid      string
	stable   bool
	referErr error
	referTo  string
	code     int
	hungUp   bool
	killed   bool
	registry *fakeSessions
}

func (f *fakeSession) CallSid() string       { return f.sid }
func (f *fakeSession) HasStableDialog() bool { return f.stable }

func (f *fakeSession) ReferCall(ctx context.Context, target string) (int, error) {
	f.referTo = target
	if f.referErr != nil {
		return 0, f.referErr
	}
	if f.code == 202 {
		f.registry.remove(f.sid)
	}
	return f.code, nil
}

func (f *fakeSession) Hangup(ctx context.Context) error {
	f.hungUp = true
	f.registry.remove(f.sid)
	return nil
}

func (f *fakeSession) Kill(ctx context.Context) {
	f.killed = true
	f.registry.remove(f.sid)
}

type fakeSessions struct {
	mu   sync.Mutex
	live map[string]*fakeSession
	idle chan struct{}
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{live: make(map[string]*fakeSession), idle: make(chan struct{})}
}

func (f *fakeSessions) add(s *fakeSession) *fakeSession {
	s.registry = f
	f.mu.Lock()
	f.live[s.sid] = s
	f.mu.Unlock()
	return s
}

func (f *fakeSessions) remove(sid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[sid]; !ok {
		return
	}
	delete(f.live, sid)
	if len(f.live) == 0 {
		close(f.idle)
		f.idle = make(chan struct{})
	}
}

func (f *fakeSessions) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeSessions) Sessions() []Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Session, 0, len(f.live))
	for _, s := range f.live {
		out = append(out, s)
	}
	return out
}

func (f *fakeSessions) WaitIdle(ctx context.Context) error {
	f.mu.Lock()
	if len(f.live) == 0 {
		f.mu.Unlock()
		return nil
	}
	idle := f.idle
	f.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestGracefulDrainWaitsForIdle(t *testing.T) {
	sessions := newFakeSessions()
	s := sessions.add(&fakeSession{sid: "CA1", stable: true})

	c := NewCoordinator(sessions, nil)
	var changes []bool
	c.OnChange(func(on bool) { changes = append(changes, on) })

	st, err := c.Start(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, StateDraining, st.State)
	require.Equal(t, ModeGraceful, st.Mode)
	require.Equal(t, 1, st.TotalSessions)
	require.True(t, c.Draining())

	_, err = c.Start(context.Background(), Request{})
	require.ErrorIs(t, err, ErrAlreadyDraining)

	require.False(t, s.hungUp, "graceful drain must not touch live calls")
	sessions.remove("CA1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
	require.Equal(t, StateDrained, c.Status().State)
	require.NotNil(t, c.Status().FinishedAt)

	require.NoError(t, c.Cancel())
	require.False(t, c.Draining())
	require.Equal(t, []bool{true, false}, changes)
}

func TestAggressiveDrainTransfersOrHangsUp(t *testing.T) {
	sessions := newFakeSessions()
	accepted := sessions.add(&fakeSession{sid: "CA1", stable: true, code: 202})
	rejected := sessions.add(&fakeSession{sid: "CA2", stable: true, code: 603})
	failing := sessions.add(&fakeSession{sid: "CA3", stable: true, referErr: errors.New("timeout")})
	ringing := sessions.add(&fakeSession{sid: "CA4"})

	c := NewCoordinator(sessions, nil)
	_, err := c.Start(context.Background(), Request{Mode: ModeAggressive, Target: "sip:standby@10.0.0.2"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))

	require.Equal(t, "sip:standby@10.0.0.2", accepted.referTo)
	require.False(t, accepted.hungUp)
	require.True(t, rejected.hungUp)
	require.True(t, failing.hungUp)
	require.True(t, ringing.killed)
	require.Empty(t, ringing.referTo)

	st := c.Status()
	require.Equal(t, StateDrained, st.State)
	require.Equal(t, 1, st.TransferredCount)
	require.Equal(t, 3, st.HungUpCount)
	require.Len(t, st.Errors, 2)
}

func TestDrainTimeoutLeavesDraining(t *testing.T) {
	sessions := newFakeSessions()
	sessions.add(&fakeSession{sid: "CA1", stable: true})

	c := NewCoordinator(sessions, nil)
	_, err := c.Start(context.Background(), Request{Mode: ModeGraceful, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))

	st := c.Status()
	require.Equal(t, StateDraining, st.State)
	require.Equal(t, 1, st.Remaining)
}

func TestCancelWithoutDrain(t *testing.T) {
	c := NewCoordinator(newFakeSessions(), nil)
	require.ErrorIs(t, c.Cancel(), ErrNotDraining)
	_, err := c.Start(context.Background(), Request{Mode: "sideways"})
	require.Error(t, err)
}
