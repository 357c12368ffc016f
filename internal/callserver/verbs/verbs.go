// Package verbs implements the application instructions a call session
// executes and registers them with a task registry.
package verbs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sebas/callserver/internal/callserver/dialer"
	"github.com/sebas/callserver/internal/callserver/session"
	"github.com/sebas/callserver/internal/callserver/task"
)

// Verb names.
const (
	VerbAnswer   = "answer"
	VerbSay      = "say"
	VerbPlay     = "play"
	VerbPause    = "pause"
	VerbHangup   = "hangup"
	VerbDecline  = "sip:decline"
	VerbRedirect = "redirect"
	VerbListen   = "listen"
	VerbDial     = "dial"
	VerbMessage  = "message"
)

// Message is an outbound text message.
type Message struct {
	CallSid string `json:"callSid"`
	From    string `json:"from"`
	To      string `json:"to"`
	Text    string `json:"text"`
	Carrier string `json:"carrier,omitempty"`
}

// Messenger hands text messages to a messaging provider.
type Messenger interface {
	Send(ctx context.Context, msg Message) error
}

// Deps are the collaborators verbs need beyond the session.
type Deps struct {
	Logger    *slog.Logger
	Fetcher   session.AppFetcher
	Parser    task.Parser
	Dialer    dialer.Config
	Messenger Messenger
}

// NewRegistry creates a registry with every verb registered. The registry
// itself parses instructions returned by hooks.
func NewRegistry(deps Deps) *task.Registry {
	r := task.NewRegistry()
	Register(r, deps)
	return r
}

// Register adds every verb to r.
func Register(r *task.Registry, deps Deps) {
	if deps.Parser == nil {
		deps.Parser = r
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r.Register(VerbAnswer, newAnswer)
	r.Register(VerbSay, newSay)
	r.Register(VerbPlay, newPlay)
	r.Register(VerbPause, newPause)
	r.Register(VerbHangup, newHangup)
	r.Register(VerbDecline, newDecline)
	r.Register(VerbListen, func(raw json.RawMessage) (task.Task, error) { return newListen(raw) })
	r.Register(VerbRedirect, func(raw json.RawMessage) (task.Task, error) { return newRedirect(raw, deps) })
	r.Register(VerbDial, func(raw json.RawMessage) (task.Task, error) { return newDial(raw, deps) })
	r.Register(VerbMessage, func(raw json.RawMessage) (task.Task, error) { return newMessage(raw, deps) })
}

func decode(raw json.RawMessage, verb string, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w", verb, err)
	}
	return nil
}

// stringList accepts a string or a list of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = stringList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.New("must be a string or a list of strings")
	}
	*l = list
	return nil
}

// lifecycle ties the context of a running Exec to Kill.
type lifecycle struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	killed bool
}

func (l *lifecycle) begin(ctx context.Context) (context.Context, context.CancelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ctx, cancel := context.WithCancel(ctx)
	if l.killed {
		cancel()
	}
	l.cancel = cancel
	return ctx, cancel
}

func (l *lifecycle) Kill(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.killed = true
	if l.cancel != nil {
		l.cancel()
	}
}

// interrupted hides the error of a media operation cut short by ctx.
func interrupted(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
