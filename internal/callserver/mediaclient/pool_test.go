package mediaclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callserver/internal/callserver/resource"
)

type call struct {
	method string
	req    map[string]any
}

type fakeTransport struct {
	node string

	mu     sync.Mutex
	calls  []call
	ready  bool
	failOn string
	seq    int
	closed bool
}

func (f *fakeTransport) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{method: method, req: req})
	if method == f.failOn {
		return nil, errors.New("unavailable")
	}
	f.seq++
	switch method {
	case MethodCreateSession:
		return map[string]any{"session_id": fmt.Sprintf("%s-s%d", f.node, f.seq)}, nil
	case MethodCreateEndpoint:
		return map[string]any{"endpoint_id": fmt.Sprintf("%s-e%d", f.node, f.seq), "local_sdp": "v=0 " + f.node}, nil
	case MethodModifyEndpoint:
		return map[string]any{"local_sdp": "v=0 modified"}, nil
	case MethodBridge:
		return map[string]any{"bridge_id": "br1"}, nil
	}
	return map[string]any{}, nil
}

func (f *fakeTransport) Ready(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.method
	}
	return out
}

func newTestPool(t *testing.T, nodes ...string) (*Pool, map[string]*fakeTransport) {
	t.Helper()
	transports := make(map[string]*fakeTransport)
	addrs := make(map[string]string)
	for _, n := range nodes {
		transports[n] = &fakeTransport{node: n, ready: true}
		addrs[n] = n + ":9090"
	}
	cfg := DefaultPoolConfig()
	cfg.NodeAddresses = addrs
	cfg.HealthCheckInterval = time.Hour
	cfg.Dial = func(address string) (Transport, error) {
		for n, tr := range transports {
			if addrs[n] == address {
				return tr, nil
			}
		}
		return nil, errors.New("unknown address")
	}
	p, err := NewPool(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, transports
}

func TestAllocateKeepsCallAffinity(t *testing.T) {
	p, _ := newTestPool(t, "media-0", "media-1")
	ctx := context.Background()

	a, err := p.Allocate(ctx, "CA1")
	require.NoError(t, err)
	again, err := p.Allocate(ctx, "CA1")
	require.NoError(t, err)
	assert.Same(t, a, again)

	b, err := p.Allocate(ctx, "CA2")
	require.NoError(t, err)
	assert.NotEqual(t, a.(*mediaSession).member.id, b.(*mediaSession).member.id, "round robin across nodes")

	assert.Equal(t, 2, p.Stats().ActiveSessions)
}

func TestReleaseDestroysSession(t *testing.T) {
	p, transports := newTestPool(t, "media-0")
	ctx := context.Background()

	_, err := p.Allocate(ctx, "CA1")
	require.NoError(t, err)
	require.NoError(t, p.Release(ctx, "CA1"))
	require.NoError(t, p.Release(ctx, "CA1"), "second release is a no-op")

	assert.Equal(t, []string{MethodCreateSession, MethodDestroySession}, transports["media-0"].methods())
	assert.Equal(t, 0, p.Stats().ActiveSessions)
}

func TestSharedSessionOutlivesFirstRelease(t *testing.T) {
	p, transports := newTestPool(t, "media-0")
	ctx := context.Background()

	parent, err := p.Allocate(ctx, "CA-parent")
	require.NoError(t, err)
	child, err := p.Share("CA-parent", "CA-child")
	require.NoError(t, err)
	assert.Same(t, parent, child)
	assert.Equal(t, 1, p.Stats().ActiveSessions)

	require.NoError(t, p.Release(ctx, "CA-parent"))
	assert.Equal(t, []string{MethodCreateSession}, transports["media-0"].methods(), "child still bound")

	again, err := p.Allocate(ctx, "CA-child")
	require.NoError(t, err)
	assert.Same(t, parent, again)

	require.NoError(t, p.Release(ctx, "CA-child"))
	assert.Equal(t, []string{MethodCreateSession, MethodDestroySession}, transports["media-0"].methods())
	assert.Equal(t, 0, p.Stats().ActiveSessions)
}

func TestShareRequiresBoundSession(t *testing.T) {
	p, _ := newTestPool(t, "media-0")
	ctx := context.Background()

	_, err := p.Share("CA-missing", "CA-child")
	require.ErrorIs(t, err, resource.ErrNoMediaSession)

	own, err := p.Allocate(ctx, "CA-child")
	require.NoError(t, err)
	_, err = p.Allocate(ctx, "CA-parent")
	require.NoError(t, err)
	kept, err := p.Share("CA-parent", "CA-child")
	require.NoError(t, err)
	assert.Same(t, own, kept, "a holder with its own session keeps it")
}

func TestAllocateSkipsUnhealthyMembers(t *testing.T) {
	p, transports := newTestPool(t, "media-0", "media-1")
	transports["media-0"].ready = false

	for i := 0; i < p.config.UnhealthyThreshold; i++ {
		p.checkAllHealth()
	}
	stats := p.Stats()
	assert.Equal(t, 1, stats.HealthyMembers)

	for i := 0; i < 4; i++ {
		ms, err := p.Allocate(context.Background(), fmt.Sprintf("CA%d", i))
		require.NoError(t, err)
		assert.Equal(t, "media-1", ms.(*mediaSession).member.id)
	}

	transports["media-0"].ready = true
	for i := 0; i < p.config.HealthyThreshold; i++ {
		p.checkAllHealth()
	}
	assert.Equal(t, 2, p.Stats().HealthyMembers)
}

func TestAllocateWithNoHealthyMembers(t *testing.T) {
	p, transports := newTestPool(t, "media-0")
	transports["media-0"].ready = false
	for i := 0; i < p.config.UnhealthyThreshold; i++ {
		p.checkAllHealth()
	}
	assert.False(t, p.Ready())

	_, err := p.Allocate(context.Background(), "CA1")
	assert.ErrorIs(t, err, ErrNoAvailableMembers)
}

func TestAllocateFailure(t *testing.T) {
	p, transports := newTestPool(t, "media-0")
	transports["media-0"].failOn = MethodCreateSession

	_, err := p.Allocate(context.Background(), "CA1")
	assert.Error(t, err)
	assert.Equal(t, 0, p.Stats().ActiveSessions)
}

func TestNewPoolRequiresAHealthyMember(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.NodeAddresses = map[string]string{"media-0": "media-0:9090"}
	cfg.Dial = func(string) (Transport, error) { return nil, errors.New("refused") }
	_, err := NewPool(cfg)
	assert.Error(t, err)

	_, err = NewPool(DefaultPoolConfig())
	assert.Error(t, err)
}

func TestEndpointOperations(t *testing.T) {
	p, transports := newTestPool(t, "media-0")
	ctx := context.Background()

	ms, err := p.Allocate(ctx, "CA1")
	require.NoError(t, err)
	ep, err := ms.CreateEndpoint(ctx, "v=0 remote")
	require.NoError(t, err)
	assert.Equal(t, "v=0 media-0", ep.LocalSDP())
	assert.True(t, ep.Connected())

	local, err := ep.Modify(ctx, "v=0 reoffer")
	require.NoError(t, err)
	assert.Equal(t, "v=0 modified", local)
	assert.Equal(t, "v=0 modified", ep.LocalSDP())

	require.NoError(t, ep.Play(ctx, resource.PlayRequest{URL: "https://example.com/a.wav", Loop: 2}))
	require.NoError(t, ep.Say(ctx, resource.SayRequest{Text: "hello"}))
	require.NoError(t, ep.Mute(ctx, true))
	require.NoError(t, ep.Fork(ctx, resource.ForkCommand{Action: resource.ForkStart, URL: "wss://example.com/audio", SampleRate: 8000}))

	other, err := ms.CreateEndpoint(ctx, "")
	require.NoError(t, err)
	require.NoError(t, ep.Bridge(ctx, other))
	require.NoError(t, ep.Unbridge(ctx))
	require.NoError(t, ep.Unbridge(ctx), "unbridge without a bridge is a no-op")

	require.NoError(t, ep.Destroy(ctx))
	require.NoError(t, ep.Destroy(ctx))
	assert.False(t, ep.Connected())
	assert.Error(t, ep.Play(ctx, resource.PlayRequest{URL: "x"}))

	assert.Equal(t, []string{
		MethodCreateSession, MethodCreateEndpoint, MethodModifyEndpoint,
		MethodPlay, MethodSay, MethodMute, MethodFork,
		MethodCreateEndpoint, MethodBridge, MethodUnbridge, MethodDestroyEndpt,
	}, transports["media-0"].methods())
}

func TestBridgeAcrossServersRejected(t *testing.T) {
	p, _ := newTestPool(t, "media-0", "media-1")
	ctx := context.Background()

	a, err := p.Allocate(ctx, "CA1")
	require.NoError(t, err)
	b, err := p.Allocate(ctx, "CA2")
	require.NoError(t, err)
	epA, err := a.CreateEndpoint(ctx, "")
	require.NoError(t, err)
	epB, err := b.CreateEndpoint(ctx, "")
	require.NoError(t, err)

	assert.ErrorIs(t, epA.Bridge(ctx, epB), ErrCrossServerBridge)
}

func TestCloseClosesTransports(t *testing.T) {
	p, transports := newTestPool(t, "media-0")
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, transports["media-0"].closed)
}
