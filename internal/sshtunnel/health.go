// health.go detects a dead tunnel so the next Acquire rebuilds it.
//
// Three signals discard the live connection: the SSH session ending (Wait
// returns), a failed keepalive@openssh.com request, and a failed or timed-out
// pool ping from HealthCheck. None of them reconnects on its own.

package sshtunnel

import (
	"context"
	"fmt"
	"time"
)

var (
	// keepaliveInterval is how often SSH keepalive requests are sent.
	keepaliveInterval = 30 * time.Second

	// healthCheckTimeout bounds the pool ping in HealthCheck.
	healthCheckTimeout = 5 * time.Second
)

// watch starts the goroutines that observe lc until it is closed.
func (p *Provider) watch(lc *liveConn) {
	go func() {
		err := lc.session.Wait()
		if lc.watchCtx.Err() != nil {
			return
		}
		reason := "ssh session closed"
		if err != nil {
			reason = fmt.Sprintf("ssh session closed: %v", err)
		}
		p.invalidate(lc, reason)
	}()

	if p.opts.KeepAlive {
		go p.keepalive(lc)
	}
}

// keepalive sends periodic keepalive requests to detect dead connections.
func (p *Provider) keepalive(lc *liveConn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lc.watchCtx.Done():
			return
		case <-ticker.C:
			if _, _, err := lc.session.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				if lc.watchCtx.Err() != nil {
					return
				}
				p.events.record(Event{Type: EventKeepaliveFailed, Details: err.Error()})
				p.invalidate(lc, fmt.Sprintf("keepalive failed: %v", err))
				return
			}
		}
	}
}

// HealthCheck pings the pool when a connection is live. A ping that fails
// because the connection is gone, or that times out, discards the connection.
// It never opens a tunnel.
func (p *Provider) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	lc := p.live
	p.mu.RUnlock()
	if lc == nil {
		return nil
	}

	sqlDB, err := lc.db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		if IsConnectionLost(err) || (pingCtx.Err() != nil && ctx.Err() == nil) {
			p.invalidate(lc, fmt.Sprintf("health check failed: %v", err))
		}
		return fmt.Errorf("ping database: %w", err)
	}
	p.debugf("health check ok (%s)", lc.forwarder.Addr())
	return nil
}
