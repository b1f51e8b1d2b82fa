package escaper

import (
	"context"
	"time"

	"github.com/maypok86/otter"
	"golang.org/x/sync/singleflight"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// Oracle is the external async query source RouteQuery consults on a
// cache miss, returning the chosen child's name and how long the oracle
// says that choice stays valid (spec §4.2.4). A zero ttl means "use
// RouteQuery's own default," not "cache forever."
type Oracle interface {
	Query(ctx context.Context, clientIP, upstream string) (chosenName string, ttl time.Duration, err error)
}

type queryCacheEntry struct {
	chosenName string
	expiresAt  time.Time
}

// RouteQuery is a bounded LRU cache keyed on (client_ip, upstream), with
// single-flight miss coalescing and an oracle-failure fallback. Grounded
// on the teacher's otter-backed LatencyTable (node/latency.go) — the same
// bounded-cache primitive, here storing routing decisions instead of
// TD-EWMA latency samples — paired with golang.org/x/sync/singleflight
// for the miss-coalescing the teacher's table doesn't need.
type RouteQuery struct {
	delegating

	cache otter.Cache[string, queryCacheEntry]
	group singleflight.Group

	oracle       Oracle
	queryTimeout time.Duration
	ttl          time.Duration
	maxTTL       time.Duration

	byName   map[string]Escaper
	fallback Escaper
}

// RouteQueryConfig's TTL is the default applied when the Oracle reports no
// expiry of its own; MaxTTL is the hard cap from RuntimeConfig.RouteQueryMaxTTL
// ("max_cache_ttl") that every cached decision — oracle-supplied or default —
// is clamped to, so a misbehaving oracle can't pin a routing decision in
// place indefinitely.
type RouteQueryConfig struct {
	Name         string
	MaxEntries   int
	Oracle       Oracle
	QueryTimeout time.Duration
	TTL          time.Duration
	MaxTTL       time.Duration
	ByName       map[string]Escaper
	Fallback     Escaper
}

func NewRouteQuery(cfg RouteQueryConfig) *RouteQuery {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	cache, err := otter.MustBuilder[string, queryCacheEntry](maxEntries).
		Cost(func(_ string, _ queryCacheEntry) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("escaper: failed to create RouteQuery cache: " + err.Error())
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	maxTTL := cfg.MaxTTL
	if maxTTL <= 0 {
		maxTTL = 10 * time.Minute
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	r := &RouteQuery{
		cache:        cache,
		oracle:       cfg.Oracle,
		queryTimeout: timeout,
		ttl:          ttl,
		maxTTL:       maxTTL,
		byName:       cfg.ByName,
		fallback:     cfg.Fallback,
	}
	r.delegating = delegating{name: cfg.Name, pick: r.pickChild}
	return r
}

func cacheKey(clientIP, upstream string) string { return clientIP + "\x00" + upstream }

func (r *RouteQuery) selectNext(ctx context.Context, clientIP, upstream string) (Escaper, error) {
	key := cacheKey(clientIP, upstream)
	if entry, ok := r.cache.Get(key); ok && time.Now().Before(entry.expiresAt) {
		if e, ok := r.byName[entry.chosenName]; ok {
			return e, nil
		}
	}

	if r.oracle == nil {
		return r.fallbackOrErr()
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()
		name, oracleTTL, err := r.oracle.Query(queryCtx, clientIP, upstream)
		if err != nil {
			return "", err
		}
		ttl := r.ttl
		if oracleTTL > 0 {
			ttl = oracleTTL
		}
		if ttl > r.maxTTL {
			ttl = r.maxTTL
		}
		r.cache.Set(key, queryCacheEntry{chosenName: name, expiresAt: time.Now().Add(ttl)})
		return name, nil
	})
	if err != nil {
		return r.fallbackOrErr()
	}
	name, _ := v.(string)
	if e, ok := r.byName[name]; ok {
		return e, nil
	}
	return r.fallbackOrErr()
}

func (r *RouteQuery) fallbackOrErr() (Escaper, error) {
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, newTcpConnectError(EscaperNotUsable, nil)
}

func (r *RouteQuery) pickChild(ctx context.Context, conf TaskConf, _ *TcpNotes, task *tasknotes.TaskNotes) (Escaper, error) {
	clientIP := ""
	if task != nil {
		clientIP = task.ClientAddr
	}
	return r.selectNext(ctx, clientIP, conf.addr())
}

func (r *RouteQuery) dependOnEscaper() []string {
	names := make([]string, 0, len(r.byName)+1)
	for _, e := range r.byName {
		names = append(names, e.Name())
	}
	if r.fallback != nil {
		names = append(names, r.fallback.Name())
	}
	return names
}
