package verbs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sebas/callserver/internal/callserver/resource"
	"github.com/sebas/callserver/internal/callserver/task"
)

const forkStopTimeout = 5 * time.Second

// listen streams the call's audio to a websocket until killed or until
// maxLength elapses.
type listen struct {
	task.Base
	lifecycle
	URL        string         `json:"url"`
	SampleRate int            `json:"sampleRate"`
	Mix        bool           `json:"mix"`
	Metadata   map[string]any `json:"metadata"`
	MaxLength  int            `json:"maxLength"`
	Early      bool           `json:"earlyMedia"`

	streamMu sync.Mutex
	ep       resource.Endpoint
	sess     task.Session
	execCtx  context.Context
}

func newListen(raw json.RawMessage) (*listen, error) {
	l := &listen{SampleRate: 8000}
	if err := decode(raw, VerbListen, l); err != nil {
		return nil, err
	}
	if l.URL == "" {
		return nil, errors.New("listen: url is required")
	}
	l.Base = task.Base{VerbName: VerbListen, Precondition: task.PreconditionEndpoint, Early: l.Early, Raw: raw}
	return l, nil
}

func (l *listen) Exec(ctx context.Context, s task.Session, r task.Resources) error {
	ctx, cancel := l.begin(ctx)
	defer cancel()

	ep := r.Endpoint
	if ep == nil {
		return errors.New("listen: no endpoint")
	}
	err := ep.Fork(ctx, resource.ForkCommand{
		Action:     resource.ForkStart,
		URL:        l.URL,
		SampleRate: l.SampleRate,
		Mix:        l.Mix,
		Metadata:   l.Metadata,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("listen: start stream: %w", err)
	}
	s.Logger().Info("[Verb] Streaming audio", "url", l.URL, "sample_rate", l.SampleRate)

	l.streamMu.Lock()
	l.ep, l.sess, l.execCtx = ep, s, ctx
	l.streamMu.Unlock()

	var limit <-chan time.Time
	if l.MaxLength > 0 {
		timer := time.NewTimer(time.Duration(l.MaxLength) * time.Second)
		defer timer.Stop()
		limit = timer.C
	}
	select {
	case <-ctx.Done():
	case <-limit:
		s.Logger().Info("[Verb] Stream reached max length", "max_length", l.MaxLength)
	}

	l.streamMu.Lock()
	l.ep, l.sess, l.execCtx = nil, nil, nil
	l.streamMu.Unlock()

	stopCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), forkStopTimeout)
	defer stop()
	if err := ep.Fork(stopCtx, resource.ForkCommand{Action: resource.ForkStop, URL: l.URL}); err != nil {
		s.Logger().Warn("[Verb] Failed to stop stream", "error", err)
	}
	return nil
}

func (l *listen) active() (resource.Endpoint, task.Session, context.Context) {
	l.streamMu.Lock()
	defer l.streamMu.Unlock()
	return l.ep, l.sess, l.execCtx
}

// UpdateListen pauses or resumes the stream.
func (l *listen) UpdateListen(ctx context.Context, status string) error {
	ep, s, _ := l.active()
	if ep == nil {
		return nil
	}
	var action resource.ForkAction
	switch status {
	case "pause":
		action = resource.ForkPause
	case "resume":
		action = resource.ForkResume
	default:
		return fmt.Errorf("listen: unknown status %q", status)
	}
	s.Logger().Info("[Verb] Updating stream", "action", action)
	return ep.Fork(ctx, resource.ForkCommand{Action: action, URL: l.URL})
}

// Whisper plays tasks to the streamed leg while the stream continues.
func (l *listen) Whisper(ctx context.Context, tasks []task.Task) error {
	ep, s, execCtx := l.active()
	if ep == nil {
		return nil
	}
	go runWhisper(execCtx, s, ep, tasks)
	return nil
}

// runWhisper executes play and say tasks against ep outside the session's
// task loop.
func runWhisper(ctx context.Context, s task.Session, ep resource.Endpoint, tasks []task.Task) {
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		if err := t.Exec(ctx, s, task.Resources{Endpoint: ep}); err != nil {
			s.Logger().Warn("[Verb] Whisper failed", "verb", t.Name(), "error", err)
			return
		}
	}
}
