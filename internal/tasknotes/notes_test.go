package tasknotes

import (
	"testing"
	"time"
)

func withFixedClock(t *testing.T, start time.Time) func() time.Duration {
	t.Helper()
	cur := start
	orig := timeNow
	timeNow = func() time.Time { return cur }
	t.Cleanup(func() { timeNow = orig })
	return func() time.Duration {
		cur = cur.Add(time.Second)
		return 0
	}
}

func TestNew_StartsInWaitingClient(t *testing.T) {
	n := New("1.2.3.4:5", "10.0.0.1:443")
	if n.Stage() != WaitingClient {
		t.Fatalf("expected WaitingClient, got %v", n.Stage())
	}
	if n.TaskID.String() == "" {
		t.Fatal("expected a non-empty task ID")
	}
}

func TestSetStage_RecordsTransitionsInOrder(t *testing.T) {
	advance := withFixedClock(t, time.Unix(1000, 0))
	n := New("c", "s")
	advance()
	n.SetStage(Connecting)
	advance()
	n.SetStage(Connected)
	advance()
	n.SetStage(Relaying)
	advance()
	n.SetStage(Finished)

	transitions := n.Transitions()
	want := []Stage{WaitingClient, Connecting, Connected, Relaying, Finished}
	if len(transitions) != len(want) {
		t.Fatalf("got %d transitions, want %d", len(transitions), len(want))
	}
	for i, s := range want {
		if transitions[i].Stage != s {
			t.Fatalf("transition %d: got %v, want %v", i, transitions[i].Stage, s)
		}
	}
	if n.Stage() != Finished {
		t.Fatalf("expected final stage Finished, got %v", n.Stage())
	}
}

func TestUserCtx_NilUntilSet(t *testing.T) {
	n := New("c", "s")
	if n.UserCtx() != nil {
		t.Fatal("expected nil UserCtx before SetUserCtx")
	}
	n.SetUserCtx(UserCtx{User: "alice"})
	if got := n.UserCtx(); got == nil || got.User != "alice" {
		t.Fatalf("got %+v", got)
	}
}

func TestUpstream_EmptyUntilSet(t *testing.T) {
	n := New("c", "s")
	if n.Upstream() != "" {
		t.Fatal("expected empty upstream before SetUpstream")
	}
	n.SetUpstream("example.com:443")
	if n.Upstream() != "example.com:443" {
		t.Fatalf("got %q", n.Upstream())
	}
}

func TestDuration_ZeroWithSingleTransition(t *testing.T) {
	n := New("c", "s")
	if n.Duration() != 0 {
		t.Fatalf("expected zero duration with only one transition, got %v", n.Duration())
	}
}

func TestDuration_SpansFirstToLastTransition(t *testing.T) {
	advance := withFixedClock(t, time.Unix(2000, 0))
	n := New("c", "s")
	advance()
	n.SetStage(Connecting)
	advance()
	n.SetStage(Finished)

	if n.Duration() != 2*time.Second {
		t.Fatalf("got %v, want 2s", n.Duration())
	}
}

func TestStage_String(t *testing.T) {
	cases := map[Stage]string{
		WaitingClient: "waiting_client",
		Connecting:    "connecting",
		Connected:     "connected",
		Relaying:      "relaying",
		Finished:      "finished",
		Stage(99):     "unknown",
	}
	for stage, want := range cases {
		if got := stage.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", stage, got, want)
		}
	}
}
