package escaper

import (
	"context"
	"errors"
	"testing"
)

func TestDummyDeny_AlwaysRefuses(t *testing.T) {
	d := NewDummyDeny("deny")
	_, err := d.TcpSetupConnection(context.Background(), TaskConf{}, nil, nil)
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
}

func TestDivertTcp_Sequential(t *testing.T) {
	a, b := newFakeEscaper("a"), newFakeEscaper("b")
	d := NewDivertTcp("divert", []WeightedChild{{Escaper: a, Weight: 1}, {Escaper: b, Weight: 1}}, SelectSequential)

	for i := 0; i < 3; i++ {
		conn, err := d.TcpSetupConnection(context.Background(), TaskConf{}, nil, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		conn.Close()
	}
	if a.calls != 3 || b.calls != 0 {
		t.Fatalf("expected all calls to go to 'a', got a=%d b=%d", a.calls, b.calls)
	}
}

func TestDivertTcp_RoundRobin(t *testing.T) {
	a, b := newFakeEscaper("a"), newFakeEscaper("b")
	d := NewDivertTcp("divert", []WeightedChild{{Escaper: a, Weight: 1}, {Escaper: b, Weight: 1}}, SelectRoundRobin)

	for i := 0; i < 4; i++ {
		conn, err := d.TcpSetupConnection(context.Background(), TaskConf{}, nil, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		conn.Close()
	}
	if a.calls != 2 || b.calls != 2 {
		t.Fatalf("expected an even round-robin split, got a=%d b=%d", a.calls, b.calls)
	}
}

func TestDivertTcp_DependOnEscaperListsChildren(t *testing.T) {
	a, b := newFakeEscaper("a"), newFakeEscaper("b")
	d := NewDivertTcp("divert", []WeightedChild{{Escaper: a, Weight: 1}, {Escaper: b, Weight: 3}}, SelectRandom)
	deps := d.dependOnEscaper()
	if len(deps) != 2 || deps[0] != "a" || deps[1] != "b" {
		t.Fatalf("got %v", deps)
	}
}

func TestTrickFloat_OnlyPicksAmongWeightedChildren(t *testing.T) {
	a := newFakeEscaper("a")
	zero := newFakeEscaper("zero")
	tf := NewTrickFloat("trick", []WeightedChild{{Escaper: a, Weight: 1}, {Escaper: zero, Weight: 0}})

	for i := 0; i < 20; i++ {
		conn, err := tf.TcpSetupConnection(context.Background(), TaskConf{}, nil, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		conn.Close()
	}
	if zero.calls != 0 {
		t.Fatalf("zero-weight child should never be picked, got %d calls", zero.calls)
	}
	if a.calls != 20 {
		t.Fatalf("expected all 20 calls on the only live child, got %d", a.calls)
	}
}

func TestPickWeightedRandom_AllZeroWeightFails(t *testing.T) {
	_, err := pickWeightedRandom([]WeightedChild{{Escaper: newFakeEscaper("a"), Weight: 0}})
	var tcpErr *TcpConnectError
	if !errors.As(err, &tcpErr) {
		t.Fatalf("expected TcpConnectError, got %v", err)
	}
}
