// Package resourcetest provides in-memory endpoints, media sessions and
// dialogs for tests of code driving call resources.
package resourcetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/sebas/callserver/internal/callserver/resource"
)

// SDP is a minimal single-stream session description.
const SDP = "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\n"

// Endpoint records the operations applied to it.
type Endpoint struct {
	id    string
	local string

	mu        sync.Mutex
	connected bool
	destroyed int
	modified  []string
	played    []resource.PlayRequest
	said      []resource.SayRequest
	forks     []resource.ForkCommand
	muted     bool
	bridged   resource.Endpoint
	// Block makes Play and Say wait for ctx to end.
	Block bool
	// Err is returned by media operations when set.
	Err error
}

func NewEndpoint(id string) *Endpoint {
	return &Endpoint{id: id, local: SDP, connected: true}
}

func (e *Endpoint) ID() string       { return e.id }
func (e *Endpoint) LocalSDP() string { return e.local }

func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Endpoint) Destroy(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return nil
	}
	e.connected = false
	e.destroyed++
	return nil
}

func (e *Endpoint) Destroyed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

func (e *Endpoint) Modify(ctx context.Context, remoteSDP string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modified = append(e.modified, remoteSDP)
	return e.local, nil
}

// Modified returns the remote descriptions applied so far.
func (e *Endpoint) Modified() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.modified...)
}

func (e *Endpoint) wait(ctx context.Context) error {
	e.mu.Lock()
	block, err := e.Block, e.Err
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (e *Endpoint) Play(ctx context.Context, req resource.PlayRequest) error {
	e.mu.Lock()
	e.played = append(e.played, req)
	e.mu.Unlock()
	return e.wait(ctx)
}

func (e *Endpoint) Say(ctx context.Context, req resource.SayRequest) error {
	e.mu.Lock()
	e.said = append(e.said, req)
	e.mu.Unlock()
	return e.wait(ctx)
}

func (e *Endpoint) Played() []resource.PlayRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]resource.PlayRequest(nil), e.played...)
}

func (e *Endpoint) Said() []resource.SayRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]resource.SayRequest(nil), e.said...)
}

func (e *Endpoint) Mute(ctx context.Context, mute bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = mute
	return e.Err
}

func (e *Endpoint) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

func (e *Endpoint) Fork(ctx context.Context, cmd resource.ForkCommand) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forks = append(e.forks, cmd)
	return e.Err
}

func (e *Endpoint) Forks() []resource.ForkCommand {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]resource.ForkCommand(nil), e.forks...)
}

func (e *Endpoint) Bridge(ctx context.Context, other resource.Endpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bridged = other
	return e.Err
}

func (e *Endpoint) Unbridge(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bridged = nil
	return nil
}

// Bridged returns the endpoint this one is bridged to, if any.
func (e *Endpoint) Bridged() resource.Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bridged
}

// MediaSession creates Endpoints.
type MediaSession struct {
	id string

	mu        sync.Mutex
	endpoints []*Endpoint
	offers    []string
}

func NewMediaSession(id string) *MediaSession { return &MediaSession{id: id} }

func (m *MediaSession) ID() string { return m.id }

func (m *MediaSession) CreateEndpoint(ctx context.Context, remoteSDP string) (resource.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ep := NewEndpoint(fmt.Sprintf("%s-ep%d", m.id, len(m.endpoints)+1))
	m.endpoints = append(m.endpoints, ep)
	m.offers = append(m.offers, remoteSDP)
	return ep, nil
}

// Endpoints returns the endpoints created so far.
func (m *MediaSession) Endpoints() []*Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Endpoint(nil), m.endpoints...)
}

// Allocator hands out one MediaSession per callSid. Shared sessions are
// counted as destroyed when their last binding is released.
type Allocator struct {
	mu        sync.Mutex
	sessions  map[string]*MediaSession
	refs      map[*MediaSession]int
	released  map[string]int
	destroyed map[string]int
	Err       error
}

func NewAllocator() *Allocator {
	return &Allocator{
		sessions:  make(map[string]*MediaSession),
		refs:      make(map[*MediaSession]int),
		released:  make(map[string]int),
		destroyed: make(map[string]int),
	}
}

func (a *Allocator) Allocate(ctx context.Context, callSid string) (resource.MediaSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return nil, a.Err
	}
	ms, ok := a.sessions[callSid]
	if !ok {
		ms = NewMediaSession("ms-" + callSid)
		a.sessions[callSid] = ms
		a.refs[ms] = 1
	}
	return ms, nil
}

func (a *Allocator) Share(callSid, holder string) (resource.MediaSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ms, ok := a.sessions[holder]; ok {
		return ms, nil
	}
	ms, ok := a.sessions[callSid]
	if !ok {
		return nil, resource.ErrNoMediaSession
	}
	a.sessions[holder] = ms
	a.refs[ms]++
	return ms, nil
}

func (a *Allocator) Release(ctx context.Context, callSid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released[callSid]++
	ms, ok := a.sessions[callSid]
	if !ok {
		return nil
	}
	delete(a.sessions, callSid)
	a.refs[ms]--
	if a.refs[ms] == 0 {
		delete(a.refs, ms)
		a.destroyed[ms.ID()]++
	}
	return nil
}

// Destroyed reports how many times the media session with id was destroyed.
func (a *Allocator) Destroyed(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.destroyed[id]
}

// Session returns the media session bound to callSid.
func (a *Allocator) Session(callSid string) (*MediaSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ms, ok := a.sessions[callSid]
	return ms, ok
}

// Released reports how many times callSid was released.
func (a *Allocator) Released(callSid string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released[callSid]
}

// Dialog is a connected dialog whose far end can be hung up with HangUp.
type Dialog struct {
	callID string
	local  string
	remote string

	mu        sync.Mutex
	connected bool
	destroyed int
	onDestroy func(string)
	onModify  resource.ModifyHandler
	onRefer   resource.ReferHandler
	refers    []string
	// ReferCode is returned by Refer. Zero means 202.
	ReferCode int
}

func NewDialog(callID string) *Dialog {
	return &Dialog{callID: callID, local: SDP, remote: SDP, connected: true}
}

func (d *Dialog) CallID() string    { return d.callID }
func (d *Dialog) LocalSDP() string  { return d.local }
func (d *Dialog) RemoteSDP() string { return d.remote }

func (d *Dialog) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Dialog) Destroy(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil
	}
	d.connected = false
	d.destroyed++
	return nil
}

func (d *Dialog) Destroyed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

func (d *Dialog) OnDestroy(fn func(reason string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDestroy = fn
}

func (d *Dialog) OnModify(fn resource.ModifyHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onModify = fn
}

func (d *Dialog) OnRefer(fn resource.ReferHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRefer = fn
}

func (d *Dialog) Refer(ctx context.Context, referTo string, headers map[string]string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refers = append(d.refers, referTo)
	if d.ReferCode == 0 {
		return 202, nil
	}
	return d.ReferCode, nil
}

// Refers returns the transfer targets requested so far.
func (d *Dialog) Refers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.refers...)
}

// HangUp simulates a BYE from the far end.
func (d *Dialog) HangUp(reason string) {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return
	}
	d.connected = false
	fn := d.onDestroy
	d.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

// Modify simulates a re-INVITE from the far end.
func (d *Dialog) Modify(ctx context.Context, remoteSDP string) (string, error) {
	d.mu.Lock()
	fn := d.onModify
	d.mu.Unlock()
	if fn == nil {
		return "", fmt.Errorf("no modify handler")
	}
	return fn(ctx, remoteSDP)
}

// ReceiveRefer simulates a REFER from the far end.
func (d *Dialog) ReceiveRefer(req resource.ReferRequest) int {
	d.mu.Lock()
	fn := d.onRefer
	d.mu.Unlock()
	if fn == nil {
		return 501
	}
	return fn(req)
}

var (
	_ resource.Endpoint       = (*Endpoint)(nil)
	_ resource.MediaSession   = (*MediaSession)(nil)
	_ resource.MediaAllocator = (*Allocator)(nil)
	_ resource.Dialog         = (*Dialog)(nil)
)
