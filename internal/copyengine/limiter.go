package copyengine

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter wraps a token-bucket rate limiter for a single egress path's byte
// throughput. It exists as a thin named type (rather than bare *rate.Limiter)
// so callers depend on copyengine's vocabulary, not golang.org/x/time/rate
// directly.
type Limiter struct {
	bucket *rate.Limiter
}

// NewLimiter builds a Limiter allowing bytesPerSecond sustained throughput
// with a burst allowance of burst bytes. bytesPerSecond <= 0 means unlimited.
func NewLimiter(bytesPerSecond float64, burst int) *Limiter {
	if bytesPerSecond <= 0 {
		return &Limiter{bucket: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = int(bytesPerSecond)
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

// WaitN blocks until n bytes' worth of budget is available or ctx is done.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	return l.bucket.WaitN(ctx, n)
}

// AllowN reports whether n bytes of budget are available right now, and
// consumes them if so.
func (l *Limiter) AllowN(n int) bool {
	return l.bucket.AllowN(time.Now(), n)
}

// GlobalDatagramLimiter holds one Limiter per escaper egress leaf, so a
// fleet-wide byte-rate cap can be enforced per leaf rather than per
// connection. Leaves are created lazily on first use.
type GlobalDatagramLimiter struct {
	bytesPerSecond float64
	burst          int

	mu      sync.RWMutex
	perLeaf map[string]*Limiter
}

// NewGlobalDatagramLimiter builds a limiter registry sharing the same
// bytesPerSecond/burst budget across every leaf it is asked for.
func NewGlobalDatagramLimiter(bytesPerSecond float64, burst int) *GlobalDatagramLimiter {
	return &GlobalDatagramLimiter{
		bytesPerSecond: bytesPerSecond,
		burst:          burst,
		perLeaf:        make(map[string]*Limiter),
	}
}

// ForLeaf returns the Limiter for the given leaf name, creating it on first
// use.
func (g *GlobalDatagramLimiter) ForLeaf(leaf string) *Limiter {
	g.mu.RLock()
	l, ok := g.perLeaf[leaf]
	g.mu.RUnlock()
	if ok {
		return l
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok = g.perLeaf[leaf]; ok {
		return l
	}
	l = NewLimiter(g.bytesPerSecond, g.burst)
	g.perLeaf[leaf] = l
	return l
}

// WaitN blocks until n bytes of budget is available on the named leaf.
func (g *GlobalDatagramLimiter) WaitN(ctx context.Context, leaf string, n int) error {
	return g.ForLeaf(leaf).WaitN(ctx, n)
}

// RateLimitedConn wraps a net.Conn, throttling Write calls against a shared
// Limiter — the egress-side counterpart to the teacher's byte-counting
// conn wrapper, applied to bandwidth instead of metrics.
type RateLimitedConn struct {
	net.Conn
	limiter *Limiter
	ctx     context.Context
}

// NewRateLimitedConn wraps conn so every Write first waits for limiter
// budget. A nil limiter makes this a transparent passthrough.
func NewRateLimitedConn(conn net.Conn, limiter *Limiter) *RateLimitedConn {
	return &RateLimitedConn{Conn: conn, limiter: limiter, ctx: context.Background()}
}

func (c *RateLimitedConn) Write(b []byte) (int, error) {
	if c.limiter != nil {
		if err := c.limiter.WaitN(c.ctx, len(b)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}
