package verbs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sebas/callserver/internal/callserver/task"
	"github.com/sebas/callserver/internal/callserver/webhook"
)

type hangup struct {
	task.Base
	lifecycle
}

func newHangup(raw json.RawMessage) (task.Task, error) {
	return &hangup{Base: task.Base{VerbName: VerbHangup, Precondition: task.PreconditionStableCall, Raw: raw}}, nil
}

func (h *hangup) Exec(ctx context.Context, s task.Session, r task.Resources) error {
	s.Logger().Info("[Verb] Hanging up call")
	return s.Hangup(ctx)
}

// decline rejects an unanswered inbound call with a SIP failure response.
type decline struct {
	task.Base
	lifecycle
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

func newDecline(raw json.RawMessage) (task.Task, error) {
	d := &decline{}
	if err := decode(raw, VerbDecline, d); err != nil {
		return nil, err
	}
	if d.Status < 300 || d.Status > 699 {
		return nil, fmt.Errorf("sip:decline: status %d is not a failure response", d.Status)
	}
	d.Base = task.Base{VerbName: VerbDecline, Precondition: task.PreconditionUnansweredCall, Raw: raw}
	return d, nil
}

func (d *decline) Exec(ctx context.Context, s task.Session, r task.Resources) error {
	return s.Decline(ctx, d.Status, d.Reason)
}

// redirect fetches new instructions and replaces the rest of the application.
type redirect struct {
	task.Base
	lifecycle
	ActionHook webhook.Hook `json:"actionHook"`

	deps Deps
}

func newRedirect(raw json.RawMessage, deps Deps) (task.Task, error) {
	rd := &redirect{deps: deps}
	if err := decode(raw, VerbRedirect, rd); err != nil {
		return nil, err
	}
	if rd.ActionHook.IsZero() {
		return nil, errors.New("redirect: actionHook is required")
	}
	rd.Base = task.Base{VerbName: VerbRedirect, Raw: raw}
	return rd, nil
}

func (rd *redirect) Exec(ctx context.Context, s task.Session, r task.Resources) error {
	ctx, cancel := rd.begin(ctx)
	defer cancel()

	tasks, err := fetchTasks(ctx, rd.deps, rd.ActionHook, s.Snapshot())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redirect: %w", err)
	}
	s.Logger().Info("[Verb] Redirected", "url", rd.ActionHook.URL, "tasks", len(tasks))
	s.ReplaceApplication(tasks)
	return nil
}

func fetchTasks(ctx context.Context, deps Deps, hook webhook.Hook, payload any) ([]task.Task, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("no application fetcher configured")
	}
	body, err := deps.Fetcher.Fetch(ctx, hook, payload)
	if err != nil {
		return nil, err
	}
	return deps.Parser.Parse(body)
}

// message sends a text message and, when an action hook is set, runs the
// instructions it returns.
type message struct {
	task.Base
	lifecycle
	To         string        `json:"to"`
	From       string        `json:"from"`
	Text       string        `json:"text"`
	Carrier    string        `json:"carrier"`
	ActionHook *webhook.Hook `json:"actionHook"`

	deps Deps
}

func newMessage(raw json.RawMessage, deps Deps) (task.Task, error) {
	m := &message{deps: deps}
	if err := decode(raw, VerbMessage, m); err != nil {
		return nil, err
	}
	if m.To == "" {
		return nil, errors.New("message: to is required")
	}
	m.Base = task.Base{VerbName: VerbMessage, Raw: raw}
	return m, nil
}

type messageResult struct {
	CallSid       string `json:"callSid"`
	MessageStatus string `json:"messageStatus"`
	Error         string `json:"error,omitempty"`
}

func (m *message) Exec(ctx context.Context, s task.Session, r task.Resources) error {
	ctx, cancel := m.begin(ctx)
	defer cancel()

	if m.deps.Messenger == nil {
		return errors.New("message: no messaging provider configured")
	}
	from := m.From
	if from == "" {
		from = s.Snapshot().To
	}
	result := messageResult{CallSid: s.CallSid(), MessageStatus: "sent"}
	err := m.deps.Messenger.Send(ctx, Message{
		CallSid: s.CallSid(),
		From:    from,
		To:      m.To,
		Text:    m.Text,
		Carrier: m.Carrier,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.Logger().Warn("[Verb] Message not sent", "to", m.To, "error", err)
		result.MessageStatus = "failed"
		result.Error = err.Error()
	}
	if m.ActionHook == nil || m.ActionHook.IsZero() {
		if err != nil {
			return fmt.Errorf("message: %w", err)
		}
		return nil
	}

	tasks, ferr := fetchTasks(ctx, m.deps, *m.ActionHook, result)
	if ferr != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("message action hook: %w", ferr)
	}
	if len(tasks) > 0 {
		s.ReplaceApplication(tasks)
	}
	return nil
}
