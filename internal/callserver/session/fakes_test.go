package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebas/callserver/internal/callserver/callinfo"
	"github.com/sebas/callserver/internal/callserver/resource"
	"github.com/sebas/callserver/internal/callserver/task"
	"github.com/sebas/callserver/internal/callserver/webhook"
)

const testSDP = "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\n"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// endpoint

type fakeEndpoint struct {
	id        string
	local     string
	mu        sync.Mutex
	connected bool
	destroyed int
	modified  []string
	muted     bool
}

func newFakeEndpoint(id string) *fakeEndpoint {
	return &fakeEndpoint{id: id, local: testSDP, connected: true}
}

func (e *fakeEndpoint) ID() string       { return e.id }
func (e *fakeEndpoint) LocalSDP() string { return e.local }

func (e *fakeEndpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *fakeEndpoint) Destroy(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return nil
	}
	e.connected = false
	e.destroyed++
	return nil
}

func (e *fakeEndpoint) destroyCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

func (e *fakeEndpoint) Modify(ctx context.Context, remoteSDP string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modified = append(e.modified, remoteSDP)
	return e.local, nil
}

func (e *fakeEndpoint) Play(ctx context.Context, req resource.PlayRequest) error { return nil }
func (e *fakeEndpoint) Say(ctx context.Context, req resource.SayRequest) error   { return nil }
func (e *fakeEndpoint) Mute(ctx context.Context, mute bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = mute
	return nil
}
func (e *fakeEndpoint) Fork(ctx context.Context, cmd resource.ForkCommand) error        { return nil }
func (e *fakeEndpoint) Bridge(ctx context.Context, other resource.Endpoint) error        { return nil }
func (e *fakeEndpoint) Unbridge(ctx context.Context) error                              { return nil }

// media

type fakeMediaSession struct {
	id        string
	mu        sync.Mutex
	endpoints []*fakeEndpoint
	answers   []string
}

func (m *fakeMediaSession) ID() string { return m.id }

func (m *fakeMediaSession) CreateEndpoint(ctx context.Context, remoteSDP string) (resource.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep := newFakeEndpoint(fmt.Sprintf("%s-ep%d", m.id, len(m.endpoints)+1))
	if len(m.answers) > len(m.endpoints) {
		ep.local = m.answers[len(m.endpoints)]
	}
	m.endpoints = append(m.endpoints, ep)
	return ep, nil
}

func (m *fakeMediaSession) endpointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.endpoints)
}

type fakeAllocator struct {
	mu       sync.Mutex
	allocs   int
	releases int
	bound    map[string]bool
	destroys int
	session  *fakeMediaSession
	err      error
	block    bool
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{session: &fakeMediaSession{id: "ms1"}, bound: make(map[string]bool)}
}

func (a *fakeAllocator) Allocate(ctx context.Context, callSid string) (resource.MediaSession, error) {
	a.mu.Lock()
	a.allocs++
	block, err := a.block, a.err
	a.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.bound[callSid] = true
	a.mu.Unlock()
	return a.session, nil
}

// Share binds holder to the one media session the fake hands out.
func (a *fakeAllocator) Share(callSid, holder string) (resource.MediaSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.bound[callSid] && !a.bound[holder] {
		return nil, resource.ErrNoMediaSession
	}
	a.bound[holder] = true
	return a.session, nil
}

func (a *fakeAllocator) Release(ctx context.Context, callSid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releases++
	if !a.bound[callSid] {
		return nil
	}
	delete(a.bound, callSid)
	if len(a.bound) == 0 {
		a.destroys++
	}
	return nil
}

// destroyCount reports how often the media session lost its last binding.
func (a *fakeAllocator) destroyCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.destroys
}

func (a *fakeAllocator) allocCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs
}

// dialog

type fakeDialog struct {
	callID    string
	mu        sync.Mutex
	connected bool
	destroyed int
	onDestroy func(string)
	onModify  resource.ModifyHandler
	onRefer   resource.ReferHandler
	referCode int
	referTo   []string
}

func newFakeDialog(callID string) *fakeDialog {
	return &fakeDialog{callID: callID, connected: true, referCode: 202}
}

func (d *fakeDialog) CallID() string    { return d.callID }
func (d *fakeDialog) LocalSDP() string  { return testSDP }
func (d *fakeDialog) RemoteSDP() string { return testSDP }

func (d *fakeDialog) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDialog) Destroy(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil
	}
	d.connected = false
	d.destroyed++
	return nil
}

func (d *fakeDialog) destroyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

func (d *fakeDialog) OnDestroy(fn func(reason string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDestroy = fn
}

func (d *fakeDialog) OnModify(fn resource.ModifyHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onModify = fn
}

func (d *fakeDialog) OnRefer(fn resource.ReferHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRefer = fn
}

func (d *fakeDialog) Refer(ctx context.Context, referTo string, headers map[string]string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.referTo = append(d.referTo, referTo)
	return d.referCode, nil
}

// farEndHangup simulates a BYE from the far end.
func (d *fakeDialog) farEndHangup() {
	d.mu.Lock()
	d.connected = false
	fn := d.onDestroy
	d.mu.Unlock()
	if fn != nil {
		fn("BYE")
	}
}

// inbound leg

type fakeLeg struct {
	remoteSDP   string
	headers     map[string]string
	canceled    chan struct{}
	cancelOnce  sync.Once
	mu          sync.Mutex
	finalSent   bool
	rejectCode  int
	provisional []int
	answers     int
	dialog      *fakeDialog
}

func newFakeLeg() *fakeLeg {
	return &fakeLeg{
		remoteSDP: testSDP,
		headers:   map[string]string{"Content-Type": "application/sdp"},
		canceled:  make(chan struct{}),
	}
}

func (l *fakeLeg) CallID() string              { return "call-1@test" }
func (l *fakeLeg) RemoteSDP() string           { return l.remoteSDP }
func (l *fakeLeg) Headers() map[string]string  { return l.headers }
func (l *fakeLeg) Canceled() <-chan struct{}   { return l.canceled }

func (l *fakeLeg) SendProvisional(ctx context.Context, code int, localSDP string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.provisional = append(l.provisional, code)
	return nil
}

func (l *fakeLeg) Answer(ctx context.Context, localSDP string) (resource.Dialog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finalSent = true
	l.answers++
	l.dialog = newFakeDialog(l.CallID())
	return l.dialog, nil
}

func (l *fakeLeg) Reject(ctx context.Context, code int, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finalSent = true
	l.rejectCode = code
	return nil
}

func (l *fakeLeg) FinalSent() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finalSent
}

func (l *fakeLeg) cancel() {
	l.cancelOnce.Do(func() { close(l.canceled) })
}

func (l *fakeLeg) currentDialog() *fakeDialog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dialog
}

func (l *fakeLeg) rejected() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rejectCode
}

// status recording

type recorder struct {
	mu    sync.Mutex
	snaps []callinfo.Snapshot
}

func (r *recorder) Request(ctx context.Context, hook webhook.Hook, snap callinfo.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return nil
}

func (r *recorder) statuses() []callinfo.CallStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]callinfo.CallStatus, 0, len(r.snaps))
	for _, s := range r.snaps {
		out = append(out, s.CallStatus)
	}
	return out
}

func (r *recorder) all() []callinfo.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]callinfo.Snapshot(nil), r.snaps...)
}

// tasks

type testTask struct {
	task.Base
	exec  func(ctx context.Context, s task.Session, r task.Resources) error
	kills atomic.Int32
	loop  int
}

func newTask(name string, p task.Precondition, exec func(ctx context.Context, s task.Session, r task.Resources) error) *testTask {
	raw, _ := json.Marshal(map[string]string{"verb": name})
	return &testTask{
		Base: task.Base{VerbName: name, Precondition: p, Raw: raw},
		exec: exec,
	}
}

func (t *testTask) Exec(ctx context.Context, s task.Session, r task.Resources) error {
	if t.exec == nil {
		return nil
	}
	return t.exec(ctx, s, r)
}

func (t *testTask) Kill(ctx context.Context) { t.kills.Add(1) }
func (t *testTask) SetLoop(n int)            { t.loop = n }

// blockUntilKilled returns an exec func that waits for ctx cancellation.
func blockUntilKilled(started chan<- struct{}) func(ctx context.Context, s task.Session, r task.Resources) error {
	return func(ctx context.Context, s task.Session, r task.Resources) error {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

type whisperTask struct {
	testTask
	mu       sync.Mutex
	whispers []task.Task
}

func (w *whisperTask) Whisper(ctx context.Context, tasks []task.Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.whispers = append(w.whispers, tasks...)
	return nil
}

type listenTask struct {
	testTask
	mu      sync.Mutex
	updates []string
}

func (l *listenTask) UpdateListen(ctx context.Context, status string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, status)
	return nil
}

func (l *listenTask) listenUpdates() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.updates...)
}

type muteTask struct {
	testTask
	mu    sync.Mutex
	mutes []bool
}

func (m *muteTask) Mute(ctx context.Context, mute bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutes = append(m.mutes, mute)
	return nil
}

func (m *muteTask) muteCalls() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.mutes...)
}

// nestingTask runs until killed while exposing an inner task, the way dial
// exposes its nested listen.
type nestingTask struct {
	testTask
	inner task.Task
}

func (n *nestingTask) SubTask() task.Task { return n.inner }

type parseCounter struct {
	reg    *task.Registry
	parsed atomic.Int32
}

func newParser() *parseCounter {
	p := &parseCounter{reg: task.NewRegistry()}
	for _, verb := range []string{"say", "play", "hangup"} {
		verb := verb
		p.reg.Register(verb, func(raw json.RawMessage) (task.Task, error) {
			p.parsed.Add(1)
			t := newTask(verb, task.PreconditionNone, nil)
			t.Raw = raw
			t.loop = 3
			return t, nil
		})
	}
	return p
}

func (p *parseCounter) Parse(data []byte) ([]task.Task, error) { return p.reg.Parse(data) }

type fakeFetcher struct {
	body []byte
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, hook webhook.Hook, payload any) ([]byte, error) {
	return f.body, f.err
}

type harness struct {
	cfg       Config
	rec       *recorder
	allocator *fakeAllocator
	tracker   *Tracker
	parser    *parseCounter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rec:       &recorder{},
		allocator: newFakeAllocator(),
		tracker:   NewTracker(discardLogger()),
		parser:    newParser(),
	}
	h.cfg = Config{
		Logger:  discardLogger(),
		Tracker: h.tracker,
		Media:   h.allocator,
		Parser:  h.parser,
		Fetcher: &fakeFetcher{},
		Sinks: Sinks{
			Notifier:   h.rec,
			StatusHook: webhook.Hook{URL: "http://status.test/hook"},
		},
		MovedGrace: 200 * time.Millisecond,
	}
	return h
}

// execAsync runs s.Exec on its own goroutine.
func execAsync(s *CallSession) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Exec(context.Background()) }()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}
