package task

import "context"

// Listener is implemented by tasks that stream call audio and can be paused.
type Listener interface {
	UpdateListen(ctx context.Context, status string) error
}

// Muter is implemented by tasks that can mute the leg they control.
type Muter interface {
	Mute(ctx context.Context, mute bool) error
}

// Whisperer is implemented by tasks that can play injected instructions to
// one leg without interrupting themselves.
type Whisperer interface {
	Whisper(ctx context.Context, tasks []Task) error
}

// ChildRedirector is implemented by tasks holding a connected child leg that
// can be handed its own instructions.
type ChildRedirector interface {
	RedirectChild(ctx context.Context, tasks []Task) error
}

// Nester exposes a sub-task running inside another task, such as a listen
// nested in a dial.
type Nester interface {
	SubTask() Task
}

// Looper is implemented by playback tasks with a repeat count.
type Looper interface {
	SetLoop(n int)
}

// ConferenceNotifier receives conference membership events.
type ConferenceNotifier interface {
	NotifyConferenceEvent(ctx context.Context, opts map[string]any)
}

// EnqueueNotifier receives queue events for an enqueued caller.
type EnqueueNotifier interface {
	NotifyEnqueueEvent(ctx context.Context, opts map[string]any)
}

// DequeueNotifier receives queue events for a dequeuing agent.
type DequeueNotifier interface {
	NotifyDequeueEvent(ctx context.Context, opts map[string]any)
}

// InstructionWaiter is implemented by tasks that block until new
// instructions arrive, such as after a transfer request.
type InstructionWaiter interface {
	NotifyNewInstructions()
}

// Find walks t and its nested sub-tasks and returns the first one
// implementing C.
func Find[C any](t Task) (C, bool) {
	for t != nil {
		if c, ok := t.(C); ok {
			return c, true
		}
		n, ok := t.(Nester)
		if !ok {
			break
		}
		t = n.SubTask()
	}
	var zero C
	return zero, false
}
