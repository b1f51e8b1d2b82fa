package escaper

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

func TestRouteClient_ExactAndPrefixAndFallback(t *testing.T) {
	office, home, fallback := newFakeEscaper("office"), newFakeEscaper("home"), newFakeEscaper("fallback")
	tbl := NewIPTable[Escaper]()
	tbl.InsertExact(netip.MustParseAddr("203.0.113.5"), office)
	tbl.InsertPrefix(netip.MustParsePrefix("198.51.100.0/24"), home)

	r := NewRouteClient("rc", tbl, fallback, []Escaper{office, home})

	task := tasknotes.New("203.0.113.5:1234", "")
	conn, err := r.TcpSetupConnection(context.Background(), TaskConf{}, nil, task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	conn.Close()
	if office.calls != 1 {
		t.Fatalf("expected the exact match to be used, got office.calls=%d", office.calls)
	}

	task2 := tasknotes.New("198.51.100.9:1", "")
	conn2, err := r.TcpSetupConnection(context.Background(), TaskConf{}, nil, task2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	conn2.Close()
	if home.calls != 1 {
		t.Fatalf("expected the prefix match to be used, got home.calls=%d", home.calls)
	}

	task3 := tasknotes.New("8.8.8.8:1", "")
	conn3, err := r.TcpSetupConnection(context.Background(), TaskConf{}, nil, task3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	conn3.Close()
	if fallback.calls != 1 {
		t.Fatalf("expected fallback to be used for an unmatched client, got fallback.calls=%d", fallback.calls)
	}
}

func TestRouteUpstream_PrecedenceOrder(t *testing.T) {
	exact, suffixMatch, fallback := newFakeEscaper("exact"), newFakeEscaper("suffix"), newFakeEscaper("fallback")
	suffix := NewSuffixTrie[Escaper]()
	suffix.Insert("example.com", suffixMatch)

	r := NewRouteUpstream(RouteUpstreamConfig{
		Name:        "ru",
		ExactDomain: map[string]Escaper{"exact.example.com": exact},
		Suffix:      suffix,
		Fallback:    fallback,
		Children:    []Escaper{exact, suffixMatch},
	})

	conn, err := r.TcpSetupConnection(context.Background(), TaskConf{UpstreamHost: "exact.example.com"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	if exact.calls != 1 {
		t.Fatalf("expected exact-domain match to win, got %d", exact.calls)
	}

	conn2, err := r.TcpSetupConnection(context.Background(), TaskConf{UpstreamHost: "www.example.com"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	conn2.Close()
	if suffixMatch.calls != 1 {
		t.Fatalf("expected suffix-trie match, got %d", suffixMatch.calls)
	}

	conn3, err := r.TcpSetupConnection(context.Background(), TaskConf{UpstreamHost: "unrelated.net"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	conn3.Close()
	if fallback.calls != 1 {
		t.Fatalf("expected fallback for an unmatched upstream, got %d", fallback.calls)
	}
}

func TestRouteMapping_DirectLookup(t *testing.T) {
	child := newFakeEscaper("child")
	r := NewRouteMapping("rm", map[string]Escaper{"upstream.example:443": child}, nil)

	_, err := r.TcpSetupConnection(context.Background(), TaskConf{UpstreamHost: "other.example", UpstreamPort: 443}, nil, nil)
	var tcpErr *TcpConnectError
	if !errors.As(err, &tcpErr) || tcpErr.Kind != EscaperNotUsable {
		t.Fatalf("expected EscaperNotUsable for unmapped key, got %v", err)
	}

	conn, err := r.TcpSetupConnection(context.Background(), TaskConf{UpstreamHost: "upstream.example", UpstreamPort: 443}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	if child.calls != 1 {
		t.Fatalf("expected the mapped child to be used, got %d", child.calls)
	}
}

func TestRouteSelect_HashIsStableForSameKey(t *testing.T) {
	a, b, c := newFakeEscaper("a"), newFakeEscaper("b"), newFakeEscaper("c")
	r := NewRouteSelect("rs", []Escaper{a, b, c}, SelectPolicyHash)
	task := tasknotes.New("1.2.3.4:1", "")

	var firstPicked string
	for i := 0; i < 5; i++ {
		conn, err := r.TcpSetupConnection(context.Background(), TaskConf{UpstreamHost: "example.com", UpstreamPort: 80}, nil, task)
		if err != nil {
			t.Fatal(err)
		}
		conn.Close()
		picked := ""
		for _, e := range []*fakeEscaper{a, b, c} {
			if e.calls > 0 {
				picked = e.name
			}
		}
		if firstPicked == "" {
			firstPicked = picked
		} else if picked != firstPicked {
			t.Fatalf("expected the same child for a stable key every time, got %q then %q", firstPicked, picked)
		}
	}
}

func TestRouteSelect_RoundRobinCyclesEvenly(t *testing.T) {
	a, b := newFakeEscaper("a"), newFakeEscaper("b")
	r := NewRouteSelect("rs", []Escaper{a, b}, SelectPolicyRoundRobin)
	for i := 0; i < 4; i++ {
		conn, err := r.TcpSetupConnection(context.Background(), TaskConf{}, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		conn.Close()
	}
	if a.calls != 2 || b.calls != 2 {
		t.Fatalf("expected an even split, got a=%d b=%d", a.calls, b.calls)
	}
}

func TestRouteFailover_PrimarySuccessNeverTriesStandby(t *testing.T) {
	primary, standby := newFakeEscaper("primary"), newFakeEscaper("standby")
	r := NewRouteFailover("rf", primary, []Escaper{standby}, 50*time.Millisecond)

	conn, err := r.TcpSetupConnection(context.Background(), TaskConf{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	if primary.calls != 1 || standby.calls != 0 {
		t.Fatalf("expected only the primary to be used, got primary=%d standby=%d", primary.calls, standby.calls)
	}
	if r.Stats.PrimaryUsed.Load() != 1 {
		t.Fatalf("expected PrimaryUsed stat to be 1, got %d", r.Stats.PrimaryUsed.Load())
	}
}

func TestRouteFailover_FallsBackWhenPrimaryFails(t *testing.T) {
	primary := newFakeEscaper("primary")
	primary.failErr = newTcpConnectError(SetupSocketFailed, errors.New("refused"))
	standby := newFakeEscaper("standby")
	r := NewRouteFailover("rf", primary, []Escaper{standby}, 10*time.Millisecond)

	conn, err := r.TcpSetupConnection(context.Background(), TaskConf{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	if standby.calls != 1 {
		t.Fatalf("expected the standby to be used once the primary failed, got %d", standby.calls)
	}
	if r.Stats.StandbyUsed.Load() != 1 {
		t.Fatalf("expected StandbyUsed stat to be 1, got %d", r.Stats.StandbyUsed.Load())
	}
}

type fakeOracle struct {
	name string
	err  error
	hits int
}

func (o *fakeOracle) Query(context.Context, string, string) (string, time.Duration, error) {
	o.hits++
	return o.name, 0, o.err
}

func TestRouteQuery_CachesRepeatLookups(t *testing.T) {
	chosen := newFakeEscaper("chosen")
	oracle := &fakeOracle{name: "chosen"}
	r := NewRouteQuery(RouteQueryConfig{
		Name:         "rq",
		Oracle:       oracle,
		QueryTimeout: time.Second,
		TTL:          time.Minute,
		ByName:       map[string]Escaper{"chosen": chosen},
	})

	task := tasknotes.New("1.2.3.4:1", "")
	for i := 0; i < 5; i++ {
		conn, err := r.TcpSetupConnection(context.Background(), TaskConf{UpstreamHost: "example.com", UpstreamPort: 443}, nil, task)
		if err != nil {
			t.Fatal(err)
		}
		conn.Close()
	}
	if oracle.hits != 1 {
		t.Fatalf("expected the cache to absorb repeat lookups, oracle was hit %d times", oracle.hits)
	}
	if chosen.calls != 5 {
		t.Fatalf("expected all 5 requests to reach the chosen child, got %d", chosen.calls)
	}
}

type ttlOracle struct {
	name string
	ttl  time.Duration
	hits int
}

func (o *ttlOracle) Query(context.Context, string, string) (string, time.Duration, error) {
	o.hits++
	return o.name, o.ttl, nil
}

func TestRouteQuery_ClampsOracleTTLToConfiguredMax(t *testing.T) {
	chosen := newFakeEscaper("chosen")
	oracle := &ttlOracle{name: "chosen", ttl: time.Hour}
	r := NewRouteQuery(RouteQueryConfig{
		Name:         "rq",
		Oracle:       oracle,
		QueryTimeout: time.Second,
		MaxTTL:       20 * time.Millisecond,
		ByName:       map[string]Escaper{"chosen": chosen},
	})

	task := tasknotes.New("1.2.3.4:1", "")
	conn, err := r.TcpSetupConnection(context.Background(), TaskConf{UpstreamHost: "example.com"}, nil, task)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	if oracle.hits != 1 {
		t.Fatalf("expected one oracle query, got %d", oracle.hits)
	}

	time.Sleep(40 * time.Millisecond)

	conn2, err := r.TcpSetupConnection(context.Background(), TaskConf{UpstreamHost: "example.com"}, nil, task)
	if err != nil {
		t.Fatal(err)
	}
	conn2.Close()
	if oracle.hits != 2 {
		t.Fatalf("expected the oracle's 1-hour TTL to be clamped to MaxTTL so the entry expired, got %d hits", oracle.hits)
	}
}

func TestRouteQuery_FallsBackOnOracleFailure(t *testing.T) {
	fallback := newFakeEscaper("fallback")
	oracle := &fakeOracle{err: errors.New("oracle down")}
	r := NewRouteQuery(RouteQueryConfig{
		Name:         "rq",
		Oracle:       oracle,
		QueryTimeout: time.Second,
		Fallback:     fallback,
	})

	conn, err := r.TcpSetupConnection(context.Background(), TaskConf{UpstreamHost: "example.com"}, nil, tasknotes.New("1.2.3.4:1", ""))
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	if fallback.calls != 1 {
		t.Fatalf("expected the fallback to be used on oracle failure, got %d", fallback.calls)
	}
}

func TestComplyAudit_RecordsEntryOnClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	audit, err := tasknotes.OpenAuditHandle(dbPath, 100, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenAuditHandle: %v", err)
	}
	defer audit.Close()

	child := newFakeEscaper("direct")
	ca := NewComplyAudit("audited", child, audit)
	task := tasknotes.New("1.2.3.4:1", "10.0.0.1:443")

	conn, err := ca.TcpSetupConnection(context.Background(), TaskConf{UpstreamHost: "example.com", UpstreamPort: 443}, &TcpNotes{}, task)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := audit.CountRows()
		if err != nil {
			t.Fatal(err)
		}
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for the audit row, have %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
