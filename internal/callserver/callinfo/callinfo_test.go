package callinfo

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestDurationOnlyOnCompleted(t *testing.T) {
	ci := New(Params{Direction: DirectionInbound, From: "+15550001", To: "+15550002"})
	clock, advance := fixedClock(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	ci.now = clock

	steps := []CallStatus{StatusRinging, StatusInProgress}
	for _, st := range steps {
		snap, err := ci.Update(st, 0, "")
		if err != nil {
			t.Fatalf("Update(%s): %v", st, err)
		}
		if snap.Duration != nil {
			t.Errorf("status %s carries duration %d", st, *snap.Duration)
		}
	}

	advance(42 * time.Second)
	snap, err := ci.Update(StatusCompleted, 0, "")
	if err != nil {
		t.Fatalf("Update(completed): %v", err)
	}
	if snap.Duration == nil || *snap.Duration != 42 {
		t.Fatalf("duration = %v, want 42", snap.Duration)
	}
}

func TestBackwardTransitionRejected(t *testing.T) {
	ci := New(Params{})
	if _, err := ci.Update(StatusInProgress, 200, "OK"); err != nil {
		t.Fatalf("answer: %v", err)
	}

	_, err := ci.Update(StatusRinging, 180, "Ringing")
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if ci.Status() != StatusInProgress {
		t.Errorf("status changed to %s after rejected transition", ci.Status())
	}
	if ci.Snapshot().SipStatus != 200 {
		t.Errorf("sip status overwritten by rejected transition")
	}
}

func TestTerminalAlternatesFromEarlyStates(t *testing.T) {
	for _, term := range []CallStatus{StatusFailed, StatusNoAnswer, StatusBusy} {
		ci := New(Params{})
		if _, err := ci.Update(StatusEarlyMedia, 183, "Session Progress"); err != nil {
			t.Fatalf("early media: %v", err)
		}
		snap, err := ci.Update(term, 487, "Request Terminated")
		if err != nil {
			t.Fatalf("%s: %v", term, err)
		}
		if snap.Duration != nil {
			t.Errorf("%s carries a duration", term)
		}
		if !term.IsTerminal() {
			t.Errorf("%s should be terminal", term)
		}
	}
}

func TestStatusForSIPCode(t *testing.T) {
	cases := map[int]CallStatus{
		200: StatusInProgress,
		486: StatusBusy,
		600: StatusBusy,
		408: StatusNoAnswer,
		480: StatusNoAnswer,
		487: StatusNoAnswer,
		403: StatusFailed,
		503: StatusFailed,
	}
	for code, want := range cases {
		if got := StatusForSIPCode(code); got != want {
			t.Errorf("StatusForSIPCode(%d) = %s, want %s", code, got, want)
		}
	}
}

func TestSnapshotJSONFields(t *testing.T) {
	ci := New(Params{
		CallSid:      "cs-1",
		Direction:    DirectionOutbound,
		From:         "alice",
		To:           "bob",
		CallID:       "abc@host",
		CustomerData: map[string]any{"ticket": "42"},
	})

	var m map[string]any
	if err := json.Unmarshal(ci.Snapshot().JSON(), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	checks := map[string]string{
		"callSid":    "cs-1",
		"direction":  "outbound",
		"callId":     "abc@host",
		"callStatus": "trying",
	}
	for k, want := range checks {
		if got, ok := m[k].(string); !ok || got != want {
			t.Errorf("m[%q] = %v, want %q", k, m[k], want)
		}
	}
	if _, ok := m["duration"]; ok {
		t.Errorf("duration must be omitted before completion")
	}
}
