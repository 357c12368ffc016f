package mediaclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sebas/callserver/internal/callserver/resource"
)

// ErrCrossServerBridge is returned when two endpoints live on different
// media servers.
var ErrCrossServerBridge = errors.New("endpoints are on different media servers")

type mediaSession struct {
	id      string
	callSid string
	member  *poolMember
	refs    int // bindings in Pool.sessions, guarded by Pool.mu
}

var _ resource.MediaSession = (*mediaSession)(nil)

func (s *mediaSession) ID() string { return s.id }

// CreateEndpoint creates an endpoint answering remoteSDP. An empty
// remoteSDP yields an endpoint that makes its own offer.
func (s *mediaSession) CreateEndpoint(ctx context.Context, remoteSDP string) (resource.Endpoint, error) {
	resp, err := s.member.transport.Call(ctx, MethodCreateEndpoint, map[string]any{
		"session_id": s.id,
		"remote_sdp": remoteSDP,
	})
	if err != nil {
		return nil, err
	}
	ep := &endpoint{
		id:        stringField(resp, "endpoint_id"),
		session:   s,
		localSDP:  stringField(resp, "local_sdp"),
		connected: true,
	}
	if ep.id == "" {
		return nil, fmt.Errorf("create endpoint: empty endpoint id")
	}
	slog.Debug("[Media] Endpoint created", "call_sid", s.callSid, "endpoint_id", ep.id)
	return ep, nil
}

// endpoint is a media server endpoint. It implements resource.Endpoint.
type endpoint struct {
	id      string
	session *mediaSession

	mu        sync.Mutex
	localSDP  string
	connected bool
	bridged   string
}

var _ resource.Endpoint = (*endpoint)(nil)

func (e *endpoint) ID() string { return e.id }

func (e *endpoint) LocalSDP() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localSDP
}

func (e *endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *endpoint) call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	if !e.Connected() {
		return nil, fmt.Errorf("%s on endpoint %s: endpoint destroyed", method, e.id)
	}
	req["endpoint_id"] = e.id
	return e.session.member.transport.Call(ctx, method, req)
}

func (e *endpoint) Destroy(ctx context.Context) error {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return nil
	}
	e.connected = false
	e.mu.Unlock()

	_, err := e.session.member.transport.Call(ctx, MethodDestroyEndpt, map[string]any{"endpoint_id": e.id})
	if err != nil {
		return fmt.Errorf("destroy endpoint %s: %w", e.id, err)
	}
	slog.Debug("[Media] Endpoint destroyed", "call_sid", e.session.callSid, "endpoint_id", e.id)
	return nil
}

func (e *endpoint) Modify(ctx context.Context, remoteSDP string) (string, error) {
	resp, err := e.call(ctx, MethodModifyEndpoint, map[string]any{"remote_sdp": remoteSDP})
	if err != nil {
		return "", err
	}
	local := stringField(resp, "local_sdp")
	e.mu.Lock()
	e.localSDP = local
	e.mu.Unlock()
	return local, nil
}

// Play blocks until the media server finishes playback.
func (e *endpoint) Play(ctx context.Context, req resource.PlayRequest) error {
	_, err := e.call(ctx, MethodPlay, map[string]any{
		"url":  req.URL,
		"loop": float64(req.Loop),
	})
	return err
}

// Say blocks until the media server finishes speaking.
func (e *endpoint) Say(ctx context.Context, req resource.SayRequest) error {
	_, err := e.call(ctx, MethodSay, map[string]any{
		"text":     req.Text,
		"voice":    req.Voice,
		"language": req.Language,
		"loop":     float64(req.Loop),
	})
	return err
}

func (e *endpoint) Mute(ctx context.Context, mute bool) error {
	_, err := e.call(ctx, MethodMute, map[string]any{"mute": mute})
	return err
}

func (e *endpoint) Fork(ctx context.Context, cmd resource.ForkCommand) error {
	req := map[string]any{
		"action":      string(cmd.Action),
		"url":         cmd.URL,
		"sample_rate": float64(cmd.SampleRate),
		"mix":         cmd.Mix,
	}
	if cmd.Metadata != nil {
		req["metadata"] = cmd.Metadata
	}
	_, err := e.call(ctx, MethodFork, req)
	return err
}

// Bridge connects this endpoint's audio with other. Both must be on the same
// media server.
func (e *endpoint) Bridge(ctx context.Context, other resource.Endpoint) error {
	peer, ok := other.(*endpoint)
	if !ok {
		return fmt.Errorf("bridge: foreign endpoint %T", other)
	}
	if peer.session.member != e.session.member {
		return ErrCrossServerBridge
	}
	resp, err := e.call(ctx, MethodBridge, map[string]any{"peer_endpoint_id": peer.id})
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.bridged = stringField(resp, "bridge_id")
	e.mu.Unlock()
	return nil
}

func (e *endpoint) Unbridge(ctx context.Context) error {
	e.mu.Lock()
	bridgeID := e.bridged
	e.bridged = ""
	e.mu.Unlock()
	if bridgeID == "" {
		return nil
	}
	_, err := e.call(ctx, MethodUnbridge, map[string]any{"bridge_id": bridgeID})
	return err
}
