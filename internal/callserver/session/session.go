// Package session runs a call leg's instructions: the task loop, precondition
// resolution, resource ownership, status reporting and live call control.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/callserver/internal/callserver/callinfo"
	"github.com/sebas/callserver/internal/callserver/resource"
	"github.com/sebas/callserver/internal/callserver/task"
	"github.com/sebas/callserver/internal/callserver/webhook"
)

const (
	teardownTimeout   = 10 * time.Second
	defaultMovedGrace = 30 * time.Second
)

// AppFetcher retrieves application instructions from a hook.
type AppFetcher interface {
	Fetch(ctx context.Context, hook webhook.Hook, payload any) ([]byte, error)
}

// Config contains dependencies shared by every session.
type Config struct {
	Logger  *slog.Logger
	Tracker *Tracker
	Media   resource.MediaAllocator
	Parser  task.Parser
	Fetcher AppFetcher
	Sinks   Sinks
	// ReferHook is invoked when the far end of an outbound leg sends REFER.
	ReferHook webhook.Hook
	// MovedGrace is how long a transferred call waits for the far end to
	// release it before hanging up locally.
	MovedGrace time.Duration
}

// activeTask is the task currently owned by the loop.
type activeTask struct {
	task   task.Task
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	killed atomic.Bool
}

func (a *activeTask) kill(ctx context.Context) {
	a.once.Do(func() {
		a.killed.Store(true)
		a.task.Kill(ctx)
		a.cancel()
	})
}

// CallSession drives one call leg through its instructions.
type CallSession struct {
	cfg      Config
	variant  Variant
	info     *callinfo.CallInfo
	leg      resource.InboundLeg
	queue    *task.Queue
	reporter *Reporter
	logger   *slog.Logger

	mu         sync.Mutex
	started    bool
	current    *activeTask
	taskIndex  int
	stackDepth int
	gone       bool
	moved      bool
	media      resource.MediaSession
	endpoint   resource.Endpoint
	dialog     *trackedDialog
	owned      []resource.Resource // in allocation order

	canceledOnce sync.Once
	released     chan struct{}
	controlCh    chan controlRequest
	done         chan struct{}
}

func newSession(cfg Config, v Variant, info *callinfo.CallInfo, leg resource.InboundLeg, tasks []task.Task) *CallSession {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MovedGrace == 0 {
		cfg.MovedGrace = defaultMovedGrace
	}
	cfg.Sinks = cfg.Sinks.withDefaults()

	logger := cfg.Logger.With("call_sid", info.CallSid())
	s := &CallSession{
		cfg:       cfg,
		variant:   v,
		info:      info,
		leg:       leg,
		queue:     task.NewQueue(tasks),
		logger:    logger,
		released:  make(chan struct{}),
		controlCh: make(chan controlRequest),
		done:      make(chan struct{}),
	}
	s.reporter = NewReporter(cfg.Sinks, logger)
	go s.controlLoop()
	v.start(s)
	return s
}

func (s *CallSession) CallSid() string              { return s.info.CallSid() }
func (s *CallSession) Kind() Kind                   { return s.variant.Kind() }
func (s *CallSession) Logger() *slog.Logger         { return s.logger }
func (s *CallSession) Snapshot() callinfo.Snapshot  { return s.info.Snapshot() }
func (s *CallSession) CallInfo() *callinfo.CallInfo { return s.info }

// Reporter returns the status pipeline of this leg so that a dialer placing
// the call can report through it.
func (s *CallSession) Reporter() *Reporter { return s.reporter }

// Done is closed once the task loop has finished and resources are released.
func (s *CallSession) Done() <-chan struct{} { return s.done }

// Gone reports whether the call has been released.
func (s *CallSession) Gone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gone
}

// Moved reports whether the call was transferred to another instance.
func (s *CallSession) Moved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moved
}

// CurrentTask returns the name of the executing task, if any.
func (s *CallSession) CurrentTask() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.task.Name()
}

// Exec runs the task loop to completion, then tears the leg down. It returns
// an *ExecutionError when a task failed.
func (s *CallSession) Exec(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s executed twice", ErrInvariant, s.CallSid())
	}
	s.started = true
	s.mu.Unlock()

	kind := string(s.variant.Kind())
	caps := s.variant.Caps()
	if caps.Tracked && s.cfg.Tracker != nil {
		s.cfg.Tracker.Add(s)
	}
	s.cfg.Sinks.Metrics.SessionStarted(kind)

	s.logger.Info("[Session] Starting",
		"kind", kind,
		"tasks", s.queue.Len(),
	)

	loopErr := s.run(ctx)
	if caps.Tracked && s.cfg.Tracker != nil {
		s.cfg.Tracker.Remove(s.CallSid())
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	if s.Moved() {
		s.awaitRelease(ctx)
	}
	s.variant.onTasksDone(cleanupCtx, s)
	s.teardown(cleanupCtx)

	close(s.done)
	s.reporter.Close()
	<-s.reporter.Done()

	s.cfg.Sinks.Metrics.SessionEnded(kind)

	s.logger.Info("[Session] Finished",
		"kind", kind,
		"call_status", s.info.Status(),
	)
	return loopErr
}

func (s *CallSession) run(ctx context.Context) error {
	for {
		active, index, depth, ok := s.next(ctx)
		if !ok {
			return nil
		}
		t := active.task

		res, err := s.resolve(active.ctx, t)
		if err != nil {
			s.finish(active)
			switch {
			case active.killed.Load():
				s.logger.Debug("[Session] Task killed before exec", "task", t.Name())
				s.cfg.Sinks.Metrics.TaskFinished(t.Name(), "killed")
				continue
			case errors.Is(err, ErrPreconditionsNotMet):
				s.logger.Info("[Session] Skipping task",
					"task", t.Name(),
					"precondition", t.Preconditions().String(),
					"error", err,
				)
				s.cfg.Sinks.Metrics.TaskFinished(t.Name(), "skipped")
				continue
			case errors.Is(err, ErrCallGone):
				s.logger.Info("[Session] Call gone during precondition resolution", "task", t.Name())
				return nil
			default:
				return s.execFailed(t, index, depth, err)
			}
		}

		s.logger.Debug("[Session] Executing task",
			"task", t.Name(),
			"index", index,
			"stack_depth", depth,
		)

		err = s.execTask(active, res)
		s.finish(active)

		if active.killed.Load() {
			s.logger.Debug("[Session] Task killed", "task", t.Name())
			s.cfg.Sinks.Metrics.TaskFinished(t.Name(), "killed")
			continue
		}
		if err != nil {
			return s.execFailed(t, index, depth, err)
		}
		s.cfg.Sinks.Metrics.TaskFinished(t.Name(), "ok")
	}
}

func (s *CallSession) next(ctx context.Context) (*activeTask, int, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gone {
		return nil, 0, 0, false
	}
	t, ok := s.queue.Shift()
	if !ok {
		return nil, 0, 0, false
	}

	tctx, cancel := context.WithCancel(ctx)
	a := &activeTask{task: t, ctx: tctx, cancel: cancel}
	index := s.taskIndex
	s.taskIndex++
	s.current = a
	return a, index, s.stackDepth, true
}

func (s *CallSession) finish(a *activeTask) {
	s.mu.Lock()
	if s.current == a {
		s.current = nil
	}
	s.mu.Unlock()
	a.cancel()
}

func (s *CallSession) execTask(a *activeTask, res task.Resources) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("[Session] Task panicked",
				"task", a.task.Name(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = &PanicError{Value: r}
		}
	}()
	return a.task.Exec(a.ctx, s, res)
}

func (s *CallSession) execFailed(t task.Task, index, depth int, cause error) error {
	s.cfg.Sinks.Metrics.TaskFinished(t.Name(), "failed")
	dropped := s.queue.Clear()
	err := &ExecutionError{
		CallSid:    s.CallSid(),
		Task:       t.Name(),
		Index:      index,
		StackDepth: depth,
		Cause:      cause,
	}
	s.logger.Error("[Session] Task failed, abandoning remaining tasks",
		"task", t.Name(),
		"index", index,
		"stack_depth", depth,
		"dropped_tasks", dropped,
		"error", cause,
	)
	return err
}

// ReplaceApplication drops the remaining tasks, installs tasks in their
// place and kills the executing task. It is a no-op once the call is gone.
func (s *CallSession) ReplaceApplication(tasks []task.Task) {
	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		s.logger.Debug("[Session] Ignoring new application, call is gone")
		return
	}
	s.queue.Replace(tasks)
	s.taskIndex = 0
	s.stackDepth++
	depth := s.stackDepth
	cur := s.current
	s.mu.Unlock()

	s.logger.Info("[Session] Application replaced",
		"tasks", len(tasks),
		"stack_depth", depth,
	)
	if cur != nil {
		cur.kill(context.Background())
	}
}

// Kill stops the executing task and empties the queue.
func (s *CallSession) Kill(ctx context.Context) {
	s.mu.Lock()
	dropped := s.queue.Clear()
	cur := s.current
	s.mu.Unlock()

	s.logger.Debug("[Session] Killing session", "dropped_tasks", dropped)
	if cur != nil {
		cur.kill(ctx)
	}
}

// callReleased marks the call gone and stops the task stream.
func (s *CallSession) callReleased(reason string) {
	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		return
	}
	s.gone = true
	dropped := s.queue.Clear()
	cur := s.current
	s.mu.Unlock()
	close(s.released)

	s.logger.Info("[Session] Call released",
		"reason", reason,
		"dropped_tasks", dropped,
	)
	if cur != nil {
		cur.kill(context.Background())
	}
}

// farEndCanceled handles a CANCEL that arrived before any final response.
func (s *CallSession) farEndCanceled() {
	s.canceledOnce.Do(func() {
		s.setStatus(callinfo.StatusNoAnswer, 487, "Request Terminated")
		s.callReleased("caller canceled")
	})
}

func (s *CallSession) awaitRelease(ctx context.Context) {
	timer := time.NewTimer(s.cfg.MovedGrace)
	defer timer.Stop()
	select {
	case <-s.released:
	case <-timer.C:
		s.logger.Warn("[Session] Transferred call not released by far end", "grace", s.cfg.MovedGrace)
	case <-ctx.Done():
	}
}

// setStatus moves the call to status and queues the change for delivery.
func (s *CallSession) setStatus(status callinfo.CallStatus, code int, reason string) {
	snap, err := s.info.Update(status, code, reason)
	if err != nil {
		var terr *callinfo.TransitionError
		switch {
		case errors.As(err, &terr):
			s.logger.Warn("[Session] Rejected status transition",
				"from", terr.From,
				"to", terr.To,
			)
		case errors.Is(err, callinfo.ErrNoAnswerTime):
			s.logger.Error("[Session] Aborting call",
				"error", fmt.Errorf("%w: %v", ErrInvariant, err),
			)
			s.callReleased("invariant violation")
		default:
			s.logger.Error("[Session] Status update failed", "error", err)
		}
		return
	}

	s.logger.Info("[Session] Call status",
		"call_status", status,
		"sip_status", code,
	)
	s.reporter.Report(snap)
}

// Hangup releases an answered call from the near end.
func (s *CallSession) Hangup(ctx context.Context) error {
	d := s.stableDialog()
	if d == nil {
		return preconditionsNotMet("no connected dialog to hang up")
	}
	err := d.Destroy(ctx)
	s.callReleased("near-end hangup")
	if err != nil {
		return fmt.Errorf("hang up: %w", err)
	}
	return nil
}

// Decline sends a final non-success response to the unanswered inbound leg.
func (s *CallSession) Decline(ctx context.Context, code int, reason string) error {
	if code < 300 || code > 699 {
		return fmt.Errorf("%w: decline status %d", ErrInvalidDirective, code)
	}
	if s.leg == nil || s.leg.FinalSent() {
		return preconditionsNotMet("no unanswered inbound leg")
	}
	if err := s.leg.Reject(ctx, code, reason); err != nil {
		return fmt.Errorf("reject inbound leg: %w", err)
	}
	s.setStatus(callinfo.StatusForSIPCode(code), code, reason)
	s.callReleased("declined")
	return nil
}
