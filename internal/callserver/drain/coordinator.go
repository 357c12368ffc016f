// Package drain takes the server out of service without dropping calls
// abruptly.
package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// MaxConcurrentTransfers limits parallel REFER or hangup operations
const MaxConcurrentTransfers = 5

var (
	ErrAlreadyDraining = errors.New("drain already in progress")
	ErrNotDraining     = errors.New("no drain in progress")
)

// Coordinator orchestrates the drain process for this server
type Coordinator struct {
	mu       sync.RWMutex
	sessions Sessions
	logger   *slog.Logger
	status   Status
	cancel   context.CancelFunc
	done     chan struct{}
	onChange func(draining bool)
}

// NewCoordinator creates a new drain coordinator
func NewCoordinator(sessions Sessions, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		sessions: sessions,
		logger:   logger,
		status:   Status{State: StateActive},
	}
}

// OnChange registers fn to be called when draining starts or is canceled.
func (c *Coordinator) OnChange(fn func(draining bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Draining reports whether new calls must be refused.
func (c *Coordinator) Draining() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.State != StateActive
}

// Start initiates drain. It returns immediately; progress is reported by
// Status.
func (c *Coordinator) Start(ctx context.Context, req Request) (Status, error) {
	switch req.Mode {
	case "":
		req.Mode = ModeGraceful
	case ModeGraceful, ModeAggressive:
	default:
		return Status{}, fmt.Errorf("unknown drain mode %q", req.Mode)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout(req.Mode)
	}

	c.mu.Lock()
	if c.status.State != StateActive {
		c.mu.Unlock()
		return Status{}, ErrAlreadyDraining
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	now := time.Now()
	total := c.sessions.Count()
	c.status = Status{
		State:         StateDraining,
		Mode:          req.Mode,
		Target:        req.Target,
		StartedAt:     &now,
		TotalSessions: total,
		Remaining:     total,
	}
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	fn := c.onChange
	st := c.copyStatus()
	c.mu.Unlock()

	c.logger.Info("[Drain] Drain started",
		"mode", req.Mode,
		"target", req.Target,
		"total_sessions", total,
		"timeout", timeout,
	)
	if fn != nil {
		fn(true)
	}

	go c.run(drainCtx, cancel, done, req)
	return st, nil
}

func (c *Coordinator) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, req Request) {
	defer close(done)
	defer cancel()

	if req.Mode == ModeAggressive {
		c.moveSessions(ctx, req.Target)
	}

	if err := c.sessions.WaitIdle(ctx); err != nil {
		c.mu.RLock()
		st := c.status
		c.mu.RUnlock()
		c.logger.Warn("[Drain] Drain incomplete, sessions remaining",
			"remaining", c.sessions.Count(),
			"transferred", st.TransferredCount,
			"hung_up", st.HungUpCount,
			"failed", st.FailedCount,
			"error", err,
		)
		return
	}

	c.mu.Lock()
	// A cancel may have raced with the last session leaving.
	if c.done != done || c.status.State != StateDraining {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	c.status.State = StateDrained
	c.status.FinishedAt = &now
	c.status.Remaining = 0
	st := c.status
	c.mu.Unlock()

	c.logger.Info("[Drain] Drain completed",
		"transferred", st.TransferredCount,
		"hung_up", st.HungUpCount,
		"failed", st.FailedCount,
	)
}

// moveSessions transfers every live session to target, or hangs it up,
// with bounded concurrency.
func (c *Coordinator) moveSessions(ctx context.Context, target string) {
	sessions := c.sessions.Sessions()
	c.logger.Info("[Drain] Moving sessions",
		"target", target,
		"session_count", len(sessions),
	)

	sem := semaphore.NewWeighted(MaxConcurrentTransfers)
	g, gCtx := errgroup.WithContext(ctx)

	for _, s := range sessions {
		g.Go(func() error {
			if err := sem.Acquire(gCtx, 1); err != nil {
				c.logger.Warn("[Drain] Semaphore acquire failed",
					"call_sid", s.CallSid(),
					"error", err,
				)
				return err
			}
			defer sem.Release(1)
			c.moveSession(gCtx, s, target)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("[Drain] Moving sessions interrupted", "error", err)
	}
}

func (c *Coordinator) moveSession(ctx context.Context, s Session, target string) {
	if !s.HasStableDialog() {
		c.logger.Debug("[Drain] Killing unanswered session", "call_sid", s.CallSid())
		s.Kill(ctx)
		c.record(func(st *Status) { st.HungUpCount++ })
		return
	}

	if target != "" {
		code, err := s.ReferCall(ctx, target)
		if err == nil && (code == 200 || code == 202) {
			c.logger.Info("[Drain] Session transferred",
				"call_sid", s.CallSid(),
				"target", target,
			)
			c.record(func(st *Status) { st.TransferredCount++ })
			return
		}
		if err == nil {
			err = fmt.Errorf("refer rejected with %d", code)
		}
		c.logger.Warn("[Drain] Transfer failed, hanging up",
			"call_sid", s.CallSid(),
			"error", err,
		)
		c.recordError(s.CallSid(), err)
	}

	if err := s.Hangup(ctx); err != nil {
		c.logger.Warn("[Drain] Hangup failed", "call_sid", s.CallSid(), "error", err)
		c.recordError(s.CallSid(), err)
		c.record(func(st *Status) { st.FailedCount++ })
		return
	}
	c.record(func(st *Status) { st.HungUpCount++ })
}

func (c *Coordinator) record(fn func(st *Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.status)
}

func (c *Coordinator) recordError(callSid string, err error) {
	c.record(func(st *Status) {
		st.Errors = append(st.Errors, SessionError{
			CallSid:   callSid,
			Error:     err.Error(),
			Timestamp: time.Now(),
		})
	})
}

// Status returns a copy of the current drain status.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.copyStatus()
	if st.State == StateDraining {
		st.Remaining = c.sessions.Count()
	}
	return st
}

func (c *Coordinator) copyStatus() Status {
	st := c.status
	st.Errors = append([]SessionError(nil), c.status.Errors...)
	return st
}

// Cancel stops an in-progress drain, or leaves the drained state, and
// resumes accepting calls.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	if c.status.State == StateActive {
		c.mu.Unlock()
		return ErrNotDraining
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.status = Status{State: StateActive}
	c.cancel = nil
	c.done = nil
	fn := c.onChange
	c.mu.Unlock()

	c.logger.Info("[Drain] Drain cancelled")
	if fn != nil {
		fn(false)
	}
	return nil
}

// Wait blocks until the running drain operation ends or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()
	if done == nil {
		return ErrNotDraining
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
