package verbs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sebas/callserver/internal/callserver/resource"
	"github.com/sebas/callserver/internal/callserver/task"
)

// answer connects the call and does nothing else.
type answer struct {
	task.Base
	lifecycle
}

func newAnswer(raw json.RawMessage) (task.Task, error) {
	return &answer{Base: task.Base{VerbName: VerbAnswer, Precondition: task.PreconditionEndpoint, Raw: raw}}, nil
}

func (a *answer) Exec(ctx context.Context, s task.Session, r task.Resources) error {
	s.Logger().Debug("[Verb] Call answered")
	return nil
}

type synthesizer struct {
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language,omitempty"`
}

type say struct {
	task.Base
	lifecycle
	Text        stringList  `json:"text"`
	Synthesizer synthesizer `json:"synthesizer"`
	Loop        int         `json:"loop"`
	Early       bool        `json:"earlyMedia"`
}

func newSay(raw json.RawMessage) (task.Task, error) {
	s := &say{}
	if err := decode(raw, VerbSay, s); err != nil {
		return nil, err
	}
	if len(s.Text) == 0 {
		return nil, errors.New("say: text is required")
	}
	s.Base = task.Base{VerbName: VerbSay, Precondition: task.PreconditionEndpoint, Early: s.Early, Raw: raw}
	return s, nil
}

func (s *say) SetLoop(n int) { s.Loop = n }

func (s *say) Exec(ctx context.Context, sess task.Session, r task.Resources) error {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	loops := max(s.Loop, 1)
	for i := 0; i < loops; i++ {
		for _, text := range s.Text {
			err := r.Endpoint.Say(ctx, resource.SayRequest{
				Text:     text,
				Voice:    s.Synthesizer.Voice,
				Language: s.Synthesizer.Language,
				Loop:     1,
			})
			if err := interrupted(ctx, err); err != nil {
				return fmt.Errorf("say: %w", err)
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
	return nil
}

type play struct {
	task.Base
	lifecycle
	URL   stringList `json:"url"`
	Loop  int        `json:"loop"`
	Early bool       `json:"earlyMedia"`
}

func newPlay(raw json.RawMessage) (task.Task, error) {
	p := &play{}
	if err := decode(raw, VerbPlay, p); err != nil {
		return nil, err
	}
	if len(p.URL) == 0 {
		return nil, errors.New("play: url is required")
	}
	p.Base = task.Base{VerbName: VerbPlay, Precondition: task.PreconditionEndpoint, Early: p.Early, Raw: raw}
	return p, nil
}

func (p *play) SetLoop(n int) { p.Loop = n }

func (p *play) Exec(ctx context.Context, s task.Session, r task.Resources) error {
	ctx, cancel := p.begin(ctx)
	defer cancel()

	loops := max(p.Loop, 1)
	for i := 0; i < loops; i++ {
		for _, url := range p.URL {
			s.Logger().Debug("[Verb] Playing", "url", url)
			err := r.Endpoint.Play(ctx, resource.PlayRequest{URL: url, Loop: 1})
			if err := interrupted(ctx, err); err != nil {
				return fmt.Errorf("play %s: %w", url, err)
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
	return nil
}

type pause struct {
	task.Base
	lifecycle
	Length int `json:"length"`
}

func newPause(raw json.RawMessage) (task.Task, error) {
	p := &pause{Length: 1}
	if err := decode(raw, VerbPause, p); err != nil {
		return nil, err
	}
	if p.Length < 0 {
		return nil, fmt.Errorf("pause: negative length %d", p.Length)
	}
	p.Base = task.Base{VerbName: VerbPause, Precondition: task.PreconditionEndpoint, Raw: raw}
	return p, nil
}

func (p *pause) Exec(ctx context.Context, s task.Session, r task.Resources) error {
	ctx, cancel := p.begin(ctx)
	defer cancel()

	timer := time.NewTimer(time.Duration(p.Length) * time.Second)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return nil
}
