package escaper

import (
	"context"
	"hash/fnv"
	"sync/atomic"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// SelectPolicy names RouteSelect's child-choice policy.
type SelectPolicy int

const (
	SelectPolicyHash SelectPolicy = iota
	SelectPolicyRoundRobin
	SelectPolicyRandom
)

// RouteSelect chooses among its children by hash, round-robin, or random
// selection (spec §4.2.3). Hash selection hashes client+upstream so the
// same pair always lands on the same child, without needing a cache.
type RouteSelect struct {
	delegating

	children []Escaper
	policy   SelectPolicy
	cursor   atomic.Uint64
}

func NewRouteSelect(name string, children []Escaper, policy SelectPolicy) *RouteSelect {
	r := &RouteSelect{children: children, policy: policy}
	r.delegating = delegating{name: name, pick: r.pickChild}
	return r
}

func (r *RouteSelect) pickChild(_ context.Context, conf TaskConf, _ *TcpNotes, task *tasknotes.TaskNotes) (Escaper, error) {
	if len(r.children) == 0 {
		return nil, newTcpConnectError(EscaperNotUsable, nil)
	}
	switch r.policy {
	case SelectPolicyRoundRobin:
		idx := r.cursor.Add(1) - 1
		return r.children[idx%uint64(len(r.children))], nil
	case SelectPolicyRandom:
		child, err := pickWeightedRandom(equalWeights(r.children))
		return child, err
	default: // SelectPolicyHash
		key := conf.addr()
		if task != nil {
			key = task.ClientAddr + "|" + key
		}
		h := fnv.New64a()
		h.Write([]byte(key))
		idx := h.Sum64() % uint64(len(r.children))
		return r.children[idx], nil
	}
}

func equalWeights(children []Escaper) []WeightedChild {
	out := make([]WeightedChild, len(children))
	for i, c := range children {
		out[i] = WeightedChild{Escaper: c, Weight: 1}
	}
	return out
}

func (r *RouteSelect) dependOnEscaper() []string {
	names := make([]string, len(r.children))
	for i, c := range r.children {
		names[i] = c.Name()
	}
	return names
}
