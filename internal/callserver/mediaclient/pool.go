package mediaclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/callserver/internal/callserver/resource"
)

// ErrNoAvailableMembers is returned when no media server can take a new
// session.
var ErrNoAvailableMembers = errors.New("no available media servers")

// PoolConfig holds configuration for the media server pool.
type PoolConfig struct {
	// NodeAddresses maps node ID to address, e.g. "media-0" -> "10.0.0.7:9090".
	NodeAddresses map[string]string

	KeepaliveInterval   time.Duration
	KeepaliveTimeout    time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	// UnhealthyThreshold is the number of failed health checks before a member
	// leaves rotation.
	UnhealthyThreshold int
	// HealthyThreshold is the number of successful health checks before a
	// member rejoins.
	HealthyThreshold int

	// Dial opens a transport to one address. Defaults to NewGRPCTransport.
	Dial func(address string) (Transport, error)
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		KeepaliveInterval:   30 * time.Second,
		KeepaliveTimeout:    10 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		HealthCheckTimeout:  2 * time.Second,
		UnhealthyThreshold:  3,
		HealthyThreshold:    2,
	}
}

type poolMember struct {
	id           string
	address      string
	transport    Transport
	healthy      atomic.Bool
	failCount    atomic.Int32
	successCount atomic.Int32
}

// Pool spreads media sessions across media servers. A call stays on the
// server its session was created on. Pool implements
// resource.MediaAllocator.
type Pool struct {
	mu        sync.RWMutex
	members   []*poolMember
	byID      map[string]*poolMember
	sessions  map[string]*mediaSession // callSid -> session
	nextIndex atomic.Uint64
	config    PoolConfig

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ resource.MediaAllocator = (*Pool)(nil)

// NewPool connects to every configured media server and starts health
// checking.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.NodeAddresses) == 0 {
		return nil, fmt.Errorf("no media server addresses provided")
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = DefaultPoolConfig().HealthCheckInterval
	}
	if cfg.HealthCheckTimeout == 0 {
		cfg.HealthCheckTimeout = DefaultPoolConfig().HealthCheckTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = func(address string) (Transport, error) {
			return NewGRPCTransport(GRPCConfig{
				Address:           address,
				KeepaliveInterval: cfg.KeepaliveInterval,
				KeepaliveTimeout:  cfg.KeepaliveTimeout,
			})
		}
	}

	p := &Pool{
		byID:     make(map[string]*poolMember, len(cfg.NodeAddresses)),
		sessions: make(map[string]*mediaSession),
		config:   cfg,
		stopCh:   make(chan struct{}),
	}

	ids := make([]string, 0, len(cfg.NodeAddresses))
	for id := range cfg.NodeAddresses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		addr := cfg.NodeAddresses[id]
		member := &poolMember{id: id, address: addr}
		transport, err := cfg.Dial(addr)
		if err != nil {
			slog.Warn("[Media] Failed to connect to media server", "node_id", id, "address", addr, "error", err)
		} else {
			member.transport = transport
			member.healthy.Store(true)
		}
		p.members = append(p.members, member)
		p.byID[id] = member
	}

	healthy := 0
	for _, m := range p.members {
		if m.healthy.Load() {
			healthy++
		}
	}
	if healthy == 0 {
		return nil, fmt.Errorf("no healthy media servers available")
	}

	p.wg.Add(1)
	go p.healthChecker()

	slog.Info("[Media] Pool initialized", "total", len(p.members), "healthy", healthy)
	return p, nil
}

func (p *Pool) healthChecker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkAllHealth()
		}
	}
}

func (p *Pool) checkAllHealth() {
	for _, member := range p.members {
		if p.checkMemberHealth(member) {
			member.failCount.Store(0)
			n := member.successCount.Add(1)
			if !member.healthy.Load() && int(n) >= p.config.HealthyThreshold {
				member.healthy.Store(true)
				slog.Info("[Media] Media server marked healthy", "node_id", member.id)
			}
			continue
		}
		member.successCount.Store(0)
		n := member.failCount.Add(1)
		if member.healthy.Load() && int(n) >= p.config.UnhealthyThreshold {
			member.healthy.Store(false)
			slog.Warn("[Media] Media server marked unhealthy", "node_id", member.id)
		}
	}
}

func (p *Pool) checkMemberHealth(member *poolMember) bool {
	p.mu.RLock()
	transport := member.transport
	p.mu.RUnlock()

	if transport == nil {
		var err error
		if transport, err = p.config.Dial(member.address); err != nil {
			return false
		}
		p.mu.Lock()
		member.transport = transport
		p.mu.Unlock()
		slog.Info("[Media] Reconnected to media server", "node_id", member.id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.config.HealthCheckTimeout)
	defer cancel()
	return transport.Ready(ctx)
}

func (p *Pool) selectMember() (*poolMember, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	available := make([]*poolMember, 0, len(p.members))
	for _, m := range p.members {
		if m.healthy.Load() && m.transport != nil {
			available = append(available, m)
		}
	}
	if len(available) == 0 {
		return nil, ErrNoAvailableMembers
	}
	idx := p.nextIndex.Add(1) % uint64(len(available))
	return available[idx], nil
}

// Allocate returns the media session bound to callSid, creating one on the
// next healthy media server when none exists.
func (p *Pool) Allocate(ctx context.Context, callSid string) (resource.MediaSession, error) {
	p.mu.RLock()
	existing, ok := p.sessions[callSid]
	p.mu.RUnlock()
	if ok {
		return existing, nil
	}

	member, err := p.selectMember()
	if err != nil {
		return nil, err
	}
	resp, err := member.transport.Call(ctx, MethodCreateSession, map[string]any{"call_sid": callSid})
	if err != nil {
		member.failCount.Add(1)
		return nil, fmt.Errorf("create media session on %s: %w", member.id, err)
	}
	id := stringField(resp, "session_id")
	if id == "" {
		return nil, fmt.Errorf("create media session on %s: empty session id", member.id)
	}

	ms := &mediaSession{id: id, callSid: callSid, member: member, refs: 1}

	p.mu.Lock()
	if raced, ok := p.sessions[callSid]; ok {
		p.mu.Unlock()
		// Lost a concurrent allocation for the same call.
		_, _ = member.transport.Call(ctx, MethodDestroySession, map[string]any{"session_id": id})
		return raced, nil
	}
	p.sessions[callSid] = ms
	p.mu.Unlock()

	slog.Debug("[Media] Session created", "call_sid", callSid, "session_id", id, "node_id", member.id)
	return ms, nil
}

// Share binds holder to the media session bound to callSid. The session is
// destroyed only after both have been released.
func (p *Pool) Share(callSid, holder string) (resource.MediaSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ms, ok := p.sessions[holder]; ok {
		return ms, nil
	}
	ms, ok := p.sessions[callSid]
	if !ok {
		return nil, fmt.Errorf("%w for %s", resource.ErrNoMediaSession, callSid)
	}
	ms.refs++
	p.sessions[holder] = ms
	slog.Debug("[Media] Session shared", "call_sid", callSid, "holder", holder, "session_id", ms.id)
	return ms, nil
}

// Release drops callSid's binding and destroys the media session once no
// call is bound to it.
func (p *Pool) Release(ctx context.Context, callSid string) error {
	p.mu.Lock()
	ms, ok := p.sessions[callSid]
	delete(p.sessions, callSid)
	shared := false
	if ok {
		ms.refs--
		shared = ms.refs > 0
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if shared {
		slog.Debug("[Media] Session still in use", "call_sid", callSid, "session_id", ms.id)
		return nil
	}

	_, err := ms.member.transport.Call(ctx, MethodDestroySession, map[string]any{"session_id": ms.id})
	if err != nil {
		return fmt.Errorf("destroy media session %s: %w", ms.id, err)
	}
	slog.Debug("[Media] Session destroyed", "call_sid", callSid, "session_id", ms.id)
	return nil
}

// Ready reports whether any media server is healthy.
func (p *Pool) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.members {
		if m.healthy.Load() {
			return true
		}
	}
	return false
}

// Close stops health checking and closes every transport.
func (p *Pool) Close() error {
	var lastErr error
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()

		p.mu.Lock()
		defer p.mu.Unlock()
		for _, m := range p.members {
			if m.transport != nil {
				if err := m.transport.Close(); err != nil {
					lastErr = err
				}
			}
		}
	})
	return lastErr
}

// PoolStats holds pool statistics.
type PoolStats struct {
	TotalMembers   int           `json:"total_members"`
	HealthyMembers int           `json:"healthy_members"`
	ActiveSessions int           `json:"active_sessions"`
	Members        []MemberStats `json:"members"`
}

// MemberStats holds stats for a single media server.
type MemberStats struct {
	NodeID       string `json:"node_id"`
	Address      string `json:"address"`
	Healthy      bool   `json:"healthy"`
	SessionCount int    `json:"session_count"`
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	perNode := make(map[string]int)
	seen := make(map[*mediaSession]bool, len(p.sessions))
	for _, ms := range p.sessions {
		if seen[ms] {
			continue
		}
		seen[ms] = true
		perNode[ms.member.id]++
	}
	stats := PoolStats{
		TotalMembers:   len(p.members),
		ActiveSessions: len(seen),
		Members:        make([]MemberStats, 0, len(p.members)),
	}
	for _, m := range p.members {
		ms := MemberStats{
			NodeID:       m.id,
			Address:      m.address,
			Healthy:      m.healthy.Load(),
			SessionCount: perNode[m.id],
		}
		if ms.Healthy {
			stats.HealthyMembers++
		}
		stats.Members = append(stats.Members, ms)
	}
	return stats
}
