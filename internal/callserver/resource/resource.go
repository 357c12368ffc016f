// Package resource defines the signaling and media handles a call session
// allocates, borrows, and tears down.
package resource

import (
	"context"
	"errors"
)

// ErrCanceled is returned by allocation paths when the far end abandoned the
// call before the resource materialized.
var ErrCanceled = errors.New("call canceled by far end")

// Resource is the capability contract shared by endpoints and dialogs.
type Resource interface {
	// Destroy releases the resource. Calling it more than once is a no-op.
	Destroy(ctx context.Context) error
	// Connected reports whether the resource is still live.
	Connected() bool
}

// PlayRequest plays an audio URL on an endpoint.
type PlayRequest struct {
	URL  string
	Loop int
}

// SayRequest renders text to speech on an endpoint.
type SayRequest struct {
	Text     string
	Voice    string
	Language string
	Loop     int
}

// ForkAction controls an audio fork (listen) on an endpoint.
type ForkAction string

const (
	ForkStart  ForkAction = "start"
	ForkPause  ForkAction = "pause"
	ForkResume ForkAction = "resume"
	ForkStop   ForkAction = "stop"
)

// ForkCommand starts, pauses, resumes or stops streaming an endpoint's audio
// to a websocket URL.
type ForkCommand struct {
	Action     ForkAction
	URL        string
	SampleRate int
	Mix        bool
	Metadata   map[string]any
}

// Endpoint is a media-processing handle for one call leg.
type Endpoint interface {
	Resource
	ID() string
	// LocalSDP is the endpoint's local session description.
	LocalSDP() string
	// Modify applies a new remote offer and returns the new local answer.
	Modify(ctx context.Context, remoteSDP string) (string, error)
	// Play and Say block until rendering finishes or ctx is canceled.
	Play(ctx context.Context, req PlayRequest) error
	Say(ctx context.Context, req SayRequest) error
	Mute(ctx context.Context, mute bool) error
	Fork(ctx context.Context, cmd ForkCommand) error
	Bridge(ctx context.Context, other Endpoint) error
	Unbridge(ctx context.Context) error
}

// MediaSession is a media-server allocation bound to one call leg. It can
// host several endpoints.
type MediaSession interface {
	ID() string
	CreateEndpoint(ctx context.Context, remoteSDP string) (Endpoint, error)
}

// ErrNoMediaSession is returned by Share when callSid holds no session.
var ErrNoMediaSession = errors.New("no media session")

// MediaAllocator hands out media sessions. Allocating twice for the same
// callSid returns the session already bound to it.
type MediaAllocator interface {
	Allocate(ctx context.Context, callSid string) (MediaSession, error)
	// Share binds holder to the session bound to callSid. A holder that
	// already has a session keeps it.
	Share(callSid, holder string) (MediaSession, error)
	// Release drops callSid's binding. The media session is destroyed with
	// its last binding.
	Release(ctx context.Context, callSid string) error
}

// ReferRequest is a mid-call transfer request received on a dialog.
type ReferRequest struct {
	ReferTo    string
	ReferredBy string
	Headers    map[string]string
}

// ModifyHandler answers a mid-call renegotiation with a new local SDP.
type ModifyHandler func(ctx context.Context, remoteSDP string) (string, error)

// ReferHandler decides the SIP status code sent in reply to a REFER.
type ReferHandler func(req ReferRequest) int

// Dialog is an established signaling relationship for one call leg.
type Dialog interface {
	Resource
	CallID() string
	LocalSDP() string
	RemoteSDP() string
	// OnDestroy registers the far-end teardown callback. It fires at most once
	// and never for a local Destroy.
	OnDestroy(fn func(reason string))
	OnModify(fn ModifyHandler)
	OnRefer(fn ReferHandler)
	// Refer asks the far end to transfer to referTo and returns the final
	// status code of the REFER transaction.
	Refer(ctx context.Context, referTo string, headers map[string]string) (int, error)
}

// InboundLeg is the original request of an inbound call together with the
// means to respond to it.
type InboundLeg interface {
	CallID() string
	RemoteSDP() string
	Headers() map[string]string
	// SendProvisional sends a 18x response, carrying localSDP when non-empty.
	SendProvisional(ctx context.Context, code int, localSDP string) error
	// Answer sends the 200 OK carrying localSDP and returns the resulting dialog.
	Answer(ctx context.Context, localSDP string) (Dialog, error)
	// Reject sends a final non-success response.
	Reject(ctx context.Context, code int, reason string) error
	// FinalSent reports whether any final response went out.
	FinalSent() bool
	// Canceled is closed when the far end cancels before a final response.
	Canceled() <-chan struct{}
}
