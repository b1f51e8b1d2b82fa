package escaper

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// RouteFailoverStats counts how often the primary vs. a standby served a
// request, per spec §4.2.5.
type RouteFailoverStats struct {
	PrimaryUsed atomic.Int64
	StandbyUsed atomic.Int64
}

// RouteFailover races the primary escaper against a timer; if the primary
// hasn't completed within FallbackDelay, the next standby is tried too,
// and whichever completes first (successfully) wins — but a primary that
// finishes any time after the delay still wins if it is the first to
// succeed and no standby has succeeded yet, per
// "or_else_after(delay, try_next)" (not "cancel the primary").
type RouteFailover struct {
	name      string
	primary   Escaper
	standbys  []Escaper
	delay     time.Duration
	Stats     RouteFailoverStats
}

func NewRouteFailover(name string, primary Escaper, standbys []Escaper, delay time.Duration) *RouteFailover {
	return &RouteFailover{name: name, primary: primary, standbys: standbys, delay: delay}
}

func (r *RouteFailover) Name() string { return r.name }

type failoverResult struct {
	conn      net.Conn
	err       error
	isPrimary bool
}

func (r *RouteFailover) raceTCP(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (net.Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan failoverResult, 1+len(r.standbys))
	go func() {
		c, err := r.primary.TcpSetupConnection(ctx, conf, notes, task)
		results <- failoverResult{c, err, true}
	}()

	attempts := 1
	delay := r.delay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	var timer *time.Timer
	standbyIdx := 0
	armTimer := func() {
		timer = time.NewTimer(delay)
	}
	armTimer()
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	var lastErr error
	for {
		select {
		case res := <-results:
			if res.err == nil {
				if res.isPrimary {
					r.Stats.PrimaryUsed.Add(1)
				} else {
					r.Stats.StandbyUsed.Add(1)
				}
				return res.conn, nil
			}
			lastErr = res.err
			attempts--
			if attempts == 0 && standbyIdx >= len(r.standbys) {
				return nil, lastErr
			}
		case <-timer.C:
			if standbyIdx < len(r.standbys) {
				child := r.standbys[standbyIdx]
				standbyIdx++
				attempts++
				go func() {
					c, err := child.TcpSetupConnection(ctx, conf, notes, task)
					results <- failoverResult{c, err, false}
				}()
				armTimer()
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *RouteFailover) TcpSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (net.Conn, error) {
	return r.raceTCP(ctx, conf, notes, task)
}

func (r *RouteFailover) TlsSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (*tls.Conn, error) {
	return tlsSetupFromConn(ctx, conf, r.TcpSetupConnection, notes, task)
}

func (r *RouteFailover) UdpSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes) (net.PacketConn, error) {
	return r.primary.UdpSetupConnection(ctx, conf, notes)
}

func (r *RouteFailover) UdpSetupRelay(ctx context.Context, notes *TcpNotes) (net.PacketConn, error) {
	return r.primary.UdpSetupRelay(ctx, notes)
}

func (r *RouteFailover) NewHttpForwardContext(ctx context.Context, conf TaskConf) (HttpForwardContext, error) {
	return r.primary.NewHttpForwardContext(ctx, conf)
}

func (r *RouteFailover) NewFtpConnectContext(ctx context.Context, conf TaskConf) (FtpConnectContext, error) {
	return r.primary.NewFtpConnectContext(ctx, conf)
}

func (r *RouteFailover) dependOnEscaper() []string {
	names := make([]string, 0, len(r.standbys)+1)
	names = append(names, r.primary.Name())
	for _, s := range r.standbys {
		names = append(names, s.Name())
	}
	return names
}
