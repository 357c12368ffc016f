package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sebas/callserver/internal/callserver/task"
	"github.com/sebas/callserver/internal/callserver/webhook"
)

// Directives is a live call-control request. CallStatus, CallHook and
// ChildCallHook are terminal: the first one present is applied and the rest
// is ignored. The remaining directives combine.
type Directives struct {
	CallStatus    string          `json:"call_status,omitempty"`
	CallHook      *webhook.Hook   `json:"call_hook,omitempty"`
	ChildCallHook *webhook.Hook   `json:"child_call_hook,omitempty"`
	ListenStatus  string          `json:"listen_status,omitempty"`
	MuteStatus    string          `json:"mute_status,omitempty"`
	Whisper       json.RawMessage `json:"whisper,omitempty"`
}

// IsEmpty reports whether no directive is set.
func (d Directives) IsEmpty() bool {
	return d.CallStatus == "" && d.CallHook == nil && d.ChildCallHook == nil &&
		d.ListenStatus == "" && d.MuteStatus == "" && len(d.Whisper) == 0
}

type controlRequest struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

// controlLoop serializes live-control requests until the session is done.
func (s *CallSession) controlLoop() {
	for {
		select {
		case req := <-s.controlCh:
			req.reply <- s.runControl(req)
		case <-s.done:
			return
		}
	}
}

func (s *CallSession) runControl(req controlRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("[Session] Live control panicked", "panic", r)
			err = &PanicError{Value: r}
		}
	}()
	return req.fn(req.ctx)
}

// control runs fn on the control goroutine. Against a finished session it
// is a no-op.
func (s *CallSession) control(ctx context.Context, fn func(ctx context.Context) error) error {
	req := controlRequest{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case s.controlCh <- req:
	case <-s.done:
		s.logger.Debug("[Session] Ignoring live control, session finished")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateCall applies live call-control directives.
func (s *CallSession) UpdateCall(ctx context.Context, d Directives) error {
	if d.IsEmpty() {
		return fmt.Errorf("%w: no directive", ErrInvalidDirective)
	}
	return s.control(ctx, func(ctx context.Context) error {
		return s.applyDirectives(ctx, d)
	})
}

func (s *CallSession) applyDirectives(ctx context.Context, d Directives) error {
	s.logger.Info("[Session] Live control",
		"call_status", d.CallStatus,
		"call_hook", d.CallHook != nil,
		"listen_status", d.ListenStatus,
		"mute_status", d.MuteStatus,
		"whisper", len(d.Whisper) > 0,
	)

	if d.CallStatus != "" {
		return s.applyCallStatus(ctx, d.CallStatus)
	}
	if d.CallHook != nil {
		tasks, err := s.fetchApplication(ctx, *d.CallHook)
		if err != nil {
			return err
		}
		s.ReplaceApplication(tasks)
		return nil
	}
	if d.ChildCallHook != nil {
		return s.redirectChild(ctx, *d.ChildCallHook)
	}

	var errs []error
	if d.ListenStatus != "" {
		errs = append(errs, s.applyListenStatus(ctx, d.ListenStatus))
	}
	if d.MuteStatus != "" {
		errs = append(errs, s.applyMuteStatus(ctx, d.MuteStatus))
	}
	if len(d.Whisper) > 0 {
		errs = append(errs, s.applyWhisper(ctx, d.Whisper))
	}
	return errors.Join(errs...)
}

func (s *CallSession) applyCallStatus(ctx context.Context, status string) error {
	switch status {
	case "completed":
		if s.stableDialog() == nil {
			s.logger.Info("[Session] Ignoring completed directive, no stable dialog")
			return nil
		}
		return s.Hangup(ctx)
	case "no-answer":
		if s.leg != nil && !s.leg.FinalSent() {
			return s.Decline(ctx, 480, "Temporarily Unavailable")
		}
		return s.variant.cancelPending(ctx, s)
	}
	return fmt.Errorf("%w: call_status %q", ErrInvalidDirective, status)
}

func (s *CallSession) runningTask() task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.task
}

func (s *CallSession) applyListenStatus(ctx context.Context, status string) error {
	if status != "pause" && status != "resume" {
		return fmt.Errorf("%w: listen_status %q", ErrInvalidDirective, status)
	}
	l, ok := task.Find[task.Listener](s.runningTask())
	if !ok {
		s.logger.Info("[Session] Ignoring listen_status, no active listen task")
		return nil
	}
	return l.UpdateListen(ctx, status)
}

func (s *CallSession) applyMuteStatus(ctx context.Context, status string) error {
	if status != "mute" && status != "unmute" {
		return fmt.Errorf("%w: mute_status %q", ErrInvalidDirective, status)
	}
	m, ok := task.Find[task.Muter](s.runningTask())
	if !ok {
		s.logger.Info("[Session] Ignoring mute_status, active task cannot mute")
		return nil
	}
	return m.Mute(ctx, status == "mute")
}

func (s *CallSession) applyWhisper(ctx context.Context, raw json.RawMessage) error {
	w, ok := task.Find[task.Whisperer](s.runningTask())
	if !ok {
		s.logger.Info("[Session] Ignoring whisper, no active dial or listen task")
		return nil
	}

	tasks, err := s.whisperTasks(ctx, raw)
	if err != nil {
		return err
	}
	return w.Whisper(ctx, tasks)
}

// whisperTasks accepts a hook URL, an inline array or a single inline
// instruction. Only play and say are allowed, each played once.
func (s *CallSession) whisperTasks(ctx context.Context, raw json.RawMessage) ([]task.Task, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty whisper", ErrInvalidDirective)
	}
	if s.cfg.Parser == nil {
		return nil, fmt.Errorf("%w: no instruction parser", ErrInvariant)
	}

	var tasks []task.Task
	var err error
	switch {
	case raw[0] == '"' || (raw[0] == '{' && isHookObject(raw)):
		var hook webhook.Hook
		if err := json.Unmarshal(raw, &hook); err != nil {
			return nil, fmt.Errorf("%w: whisper hook: %v", ErrInvalidDirective, err)
		}
		tasks, err = s.fetchApplication(ctx, hook)
	case raw[0] == '[' || raw[0] == '{':
		tasks, err = s.cfg.Parser.Parse(raw)
		if err != nil {
			err = fmt.Errorf("%w: whisper: %v", ErrInvalidDirective, err)
		}
	default:
		return nil, fmt.Errorf("%w: whisper must be a url, an instruction or a list", ErrInvalidDirective)
	}
	if err != nil {
		return nil, err
	}

	for _, t := range tasks {
		if t.Name() != "play" && t.Name() != "say" {
			return nil, fmt.Errorf("%w: whisper does not allow %s", ErrInvalidDirective, t.Name())
		}
		if l, ok := t.(task.Looper); ok {
			l.SetLoop(1)
		}
	}
	return tasks, nil
}

func isHookObject(raw json.RawMessage) bool {
	var probe struct {
		Verb string `json:"verb"`
		URL  string `json:"url"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Verb == "" && probe.URL != ""
}

func (s *CallSession) redirectChild(ctx context.Context, hook webhook.Hook) error {
	r, ok := task.Find[task.ChildRedirector](s.runningTask())
	if !ok {
		s.logger.Info("[Session] Ignoring child_call_hook, no connected child leg")
		return nil
	}
	tasks, err := s.fetchApplication(ctx, hook)
	if err != nil {
		return err
	}
	return r.RedirectChild(ctx, tasks)
}

// fetchApplication retrieves and parses instructions from hook.
func (s *CallSession) fetchApplication(ctx context.Context, hook webhook.Hook) ([]task.Task, error) {
	if s.cfg.Fetcher == nil || s.cfg.Parser == nil {
		return nil, fmt.Errorf("%w: no application fetcher", ErrInvariant)
	}
	body, err := s.cfg.Fetcher.Fetch(ctx, hook, s.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("fetch application: %w", err)
	}
	tasks, err := s.cfg.Parser.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDirective, err)
	}
	return tasks, nil
}

// NotifyConferenceEvent forwards a conference event to the active task.
func (s *CallSession) NotifyConferenceEvent(ctx context.Context, opts map[string]any) error {
	return s.control(ctx, func(ctx context.Context) error {
		if n, ok := s.runningTask().(task.ConferenceNotifier); ok {
			n.NotifyConferenceEvent(ctx, opts)
		}
		return nil
	})
}

// NotifyEnqueueEvent forwards a queue event to the active task.
func (s *CallSession) NotifyEnqueueEvent(ctx context.Context, opts map[string]any) error {
	return s.control(ctx, func(ctx context.Context) error {
		if n, ok := s.runningTask().(task.EnqueueNotifier); ok {
			n.NotifyEnqueueEvent(ctx, opts)
		}
		return nil
	})
}

// NotifyDequeueEvent forwards a dequeue event to the active task.
func (s *CallSession) NotifyDequeueEvent(ctx context.Context, opts map[string]any) error {
	return s.control(ctx, func(ctx context.Context) error {
		if n, ok := s.runningTask().(task.DequeueNotifier); ok {
			n.NotifyDequeueEvent(ctx, opts)
		}
		return nil
	})
}

// RemainingTaskData serializes the active task followed by every queued task.
func (s *CallSession) RemainingTaskData() ([]map[string]json.RawMessage, error) {
	s.mu.Lock()
	var tasks []task.Task
	if s.current != nil {
		tasks = append(tasks, s.current.task)
	}
	tasks = append(tasks, s.queue.Tasks()...)
	s.mu.Unlock()

	return task.Serialize(tasks)
}

// ReferCall transfers the connected leg to targetURI. On acceptance the
// queue is cleared and no further status changes are delivered.
func (s *CallSession) ReferCall(ctx context.Context, targetURI string) (int, error) {
	var code int
	err := s.control(ctx, func(ctx context.Context) error {
		d := s.stableDialog()
		if d == nil {
			return preconditionsNotMet("no connected dialog to transfer")
		}

		var err error
		code, err = d.Refer(ctx, targetURI, nil)
		if err != nil {
			return fmt.Errorf("refer to %s: %w", targetURI, err)
		}
		if code != 200 && code != 202 {
			s.logger.Info("[Session] Transfer rejected", "target", targetURI, "sip_status", code)
			return nil
		}

		s.mu.Lock()
		s.moved = true
		dropped := s.queue.Clear()
		cur := s.current
		s.mu.Unlock()
		s.reporter.Suppress()

		s.logger.Info("[Session] Call moved",
			"target", targetURI,
			"sip_status", code,
			"dropped_tasks", dropped,
		)
		if cur != nil {
			cur.kill(ctx)
		}
		return nil
	})
	return code, err
}
