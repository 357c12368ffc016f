package verbs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sebas/callserver/internal/callserver/callinfo"
	"github.com/sebas/callserver/internal/callserver/dialer"
	"github.com/sebas/callserver/internal/callserver/dialog"
	"github.com/sebas/callserver/internal/callserver/resource"
	"github.com/sebas/callserver/internal/callserver/resource/resourcetest"
	"github.com/sebas/callserver/internal/callserver/session"
	"github.com/sebas/callserver/internal/callserver/task"
)

// routedInviter answers INVITEs whose request URI contains a key of
// answers, rejects those in rejects and leaves the rest ringing.
func routedInviter(answers map[string]*resourcetest.Dialog, rejects map[string]int) dialer.Inviter {
	return dialer.InviteFunc(func(ctx context.Context, req dialog.InviteRequest, onProvisional func(dialog.Provisional)) (resource.Dialog, error) {
		onProvisional(dialog.Provisional{Code: 180, Reason: "Ringing"})
		for user, dlg := range answers {
			if strings.Contains(req.Target, user) {
				return dlg, nil
			}
		}
		for user, code := range rejects {
			if strings.Contains(req.Target, user) {
				return nil, &dialog.RejectedError{Code: code, Reason: "Busy Here"}
			}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func dialDeps(inv dialer.Inviter, fetcher *recordingFetcher) Deps {
	return Deps{
		Logger:  discardLogger(),
		Fetcher: fetcher,
		Dialer: dialer.Config{
			Logger:   discardLogger(),
			Inviter:  inv,
			Media:    resourcetest.NewAllocator(),
			Registry: dialer.NewRegistry(),
			Domain:   "pbx.example.com",
			Session: session.Config{
				Logger:  discardLogger(),
				Tracker: session.NewTracker(discardLogger()),
			},
		},
	}
}

type dialRun struct {
	parentEp *resourcetest.Endpoint
	media    *resourcetest.MediaSession
	sess     *fakeSession
	task     task.Task
	done     chan error
}

func startDial(t *testing.T, deps Deps, data string) *dialRun {
	t.Helper()
	reg := NewRegistry(deps)
	r := &dialRun{
		parentEp: resourcetest.NewEndpoint("parent-ep"),
		media:    resourcetest.NewMediaSession("parent-ms"),
		sess:     newFakeSession(),
		task:     parseOne(t, reg, data),
		done:     make(chan error, 1),
	}
	go func() {
		r.done <- r.task.Exec(context.Background(), r.sess, task.Resources{Endpoint: r.parentEp, Media: r.media})
	}()
	return r
}

func (r *dialRun) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("dial did not finish")
		return nil
	}
}

func TestDialBridgesFirstAnswer(t *testing.T) {
	alice := resourcetest.NewDialog("alice-call")
	fetcher := &recordingFetcher{body: `[{"verb":"hangup"}]`}
	deps := dialDeps(routedInviter(map[string]*resourcetest.Dialog{"alice": alice}, nil), fetcher)

	run := startDial(t, deps, `{"verb":"dial","target":[{"type":"user","name":"alice"},{"type":"user","name":"bob"}],"actionHook":"http://app/dial-done"}`)

	require.Eventually(t, func() bool { return run.parentEp.Bridged() != nil }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return deps.Dialer.Registry.Count() == 1 }, time.Second, 5*time.Millisecond,
		"ringing leg torn down once alice answered")

	alice.HangUp("far end bye")
	require.NoError(t, run.wait(t))

	require.Nil(t, run.parentEp.Bridged())
	for _, ep := range run.media.Endpoints() {
		require.Equal(t, 1, ep.Destroyed(), "child endpoint %s destroyed", ep.ID())
	}

	outcome, ok := fetcher.lastPayload().(dialOutcome)
	require.True(t, ok)
	require.Equal(t, callinfo.StatusCompleted, outcome.DialCallStatus)
	require.Equal(t, "CA-parent", outcome.CallSid)
	require.NotEmpty(t, outcome.DialCallSid)
	require.Len(t, run.sess.replacements(), 1)
}

func TestDialAllBusy(t *testing.T) {
	fetcher := &recordingFetcher{body: `[]`}
	deps := dialDeps(routedInviter(nil, map[string]int{"alice": 486, "bob": 486}), fetcher)

	run := startDial(t, deps, `{"verb":"dial","target":[{"type":"user","name":"alice"},{"type":"user","name":"bob"}],"actionHook":"http://app/dial-done"}`)
	require.NoError(t, run.wait(t))

	outcome := fetcher.lastPayload().(dialOutcome)
	require.Equal(t, callinfo.StatusBusy, outcome.DialCallStatus)
	require.Equal(t, 486, outcome.DialSipStatus)
	require.Nil(t, run.parentEp.Bridged())
	require.Empty(t, run.sess.replacements())
}

func TestKillDialWhileRinging(t *testing.T) {
	fetcher := &recordingFetcher{body: `[]`}
	deps := dialDeps(routedInviter(nil, nil), fetcher)

	run := startDial(t, deps, `{"verb":"dial","target":[{"type":"phone","number":"+15551234","trunk":"carrier.example.com"}],"actionHook":"http://app/dial-done"}`)
	require.Eventually(t, func() bool { return deps.Dialer.Registry.Count() == 1 }, time.Second, 5*time.Millisecond)

	run.task.Kill(context.Background())
	require.NoError(t, run.wait(t))
	require.Zero(t, fetcher.calls(), "action hook skipped when the dial is killed")
	require.Eventually(t, func() bool { return deps.Dialer.Registry.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDialMuteAndWhisper(t *testing.T) {
	alice := resourcetest.NewDialog("alice-call")
	deps := dialDeps(routedInviter(map[string]*resourcetest.Dialog{"alice": alice}, nil), &recordingFetcher{})

	run := startDial(t, deps, `{"verb":"dial","target":[{"type":"user","name":"alice"}]}`)
	require.Eventually(t, func() bool { return run.parentEp.Bridged() != nil }, time.Second, 5*time.Millisecond)

	muter, ok := task.Find[task.Muter](run.task)
	require.True(t, ok)
	require.NoError(t, muter.Mute(context.Background(), true))
	require.True(t, run.parentEp.Muted())

	whisperer, ok := task.Find[task.Whisperer](run.task)
	require.True(t, ok)
	whisper := parseOne(t, NewRegistry(Deps{}), `{"verb":"say","text":"your caller is waiting"}`)
	require.NoError(t, whisperer.Whisper(context.Background(), []task.Task{whisper}))

	childEp := run.parentEp.Bridged().(*resourcetest.Endpoint)
	require.Eventually(t, func() bool { return len(childEp.Said()) == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, run.parentEp.Said(), "whisper is heard by the child leg only")

	run.task.Kill(context.Background())
	require.NoError(t, run.wait(t))
	require.Equal(t, 1, alice.Destroyed())
}

func TestDialNestedListen(t *testing.T) {
	alice := resourcetest.NewDialog("alice-call")
	deps := dialDeps(routedInviter(map[string]*resourcetest.Dialog{"alice": alice}, nil), &recordingFetcher{})

	run := startDial(t, deps, `{"verb":"dial","target":[{"type":"user","name":"alice"}],"listen":{"url":"wss://rec.example.com"}}`)
	require.Eventually(t, func() bool { return len(run.parentEp.Forks()) == 1 }, time.Second, 5*time.Millisecond)

	listener, ok := task.Find[task.Listener](run.task)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return listener.UpdateListen(context.Background(), "pause") == nil && len(run.parentEp.Forks()) == 2
	}, time.Second, 5*time.Millisecond)

	alice.HangUp("bye")
	require.NoError(t, run.wait(t))

	forks := run.parentEp.Forks()
	require.Len(t, forks, 3)
	require.Equal(t, resource.ForkStop, forks[2].Action)
}

func TestDialRedirectChild(t *testing.T) {
	alice := resourcetest.NewDialog("alice-call")
	deps := dialDeps(routedInviter(map[string]*resourcetest.Dialog{"alice": alice}, nil), &recordingFetcher{})

	run := startDial(t, deps, `{"verb":"dial","target":[{"type":"user","name":"alice"}]}`)
	require.Eventually(t, func() bool { return run.parentEp.Bridged() != nil }, time.Second, 5*time.Millisecond)

	redirector, ok := task.Find[task.ChildRedirector](run.task)
	require.True(t, ok)
	hangup := parseOne(t, NewRegistry(Deps{}), `{"verb":"hangup"}`)
	require.NoError(t, redirector.RedirectChild(context.Background(), []task.Task{hangup}))

	require.NoError(t, run.wait(t))
	require.Nil(t, run.parentEp.Bridged())
	require.Eventually(t, func() bool { return alice.Destroyed() == 1 }, time.Second, 5*time.Millisecond,
		"child session runs its own hangup")
	require.Eventually(t, func() bool { return deps.Dialer.Session.Tracker.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRedirectChildWithoutLeg(t *testing.T) {
	reg := NewRegistry(Deps{})
	tk := parseOne(t, reg, `{"verb":"dial","target":[{"type":"user","name":"alice"}]}`)
	redirector, ok := tk.(task.ChildRedirector)
	require.True(t, ok)
	require.ErrorIs(t, redirector.RedirectChild(context.Background(), nil), dialer.ErrNotConnected)
}
