package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// quadraticBackOff waits base*n^2 before attempt n+1, capped at max.
// It starts from the relay's earlier failures so delays keep growing across calls.
type quadraticBackOff struct {
	base  time.Duration
	max   time.Duration
	start int
	n     int
}

func (b *quadraticBackOff) NextBackOff() time.Duration {
	b.n++
	d := b.base * time.Duration(b.n*b.n)
	if d > b.max || d <= 0 {
		return b.max
	}
	return d
}

func (b *quadraticBackOff) Reset() {
	b.n = b.start
}

// dialWithRetry opens a websocket to relayURL. Every failed attempt counts
// against the relay; the attempt that reaches MaxAttempts marks it
// PermanentlyFailed and returns ErrRelayFailed.
func (p *Pool) dialWithRetry(ctx context.Context, relayURL string) (*websocket.Conn, error) {
	prior := p.relayFailures(relayURL)
	remaining := p.cfg.MaxAttempts - prior
	if remaining <= 0 {
		p.markFailed(relayURL, fmt.Errorf("%d earlier failures", prior))
		return nil, fmt.Errorf("%w: %s", ErrRelayFailed, relayURL)
	}

	b := &quadraticBackOff{base: p.cfg.BaseDelay, max: p.cfg.MaxDelay, start: prior}

	operation := func() (*websocket.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
		defer cancel()

		ws, _, err := p.dialer.DialContext(dialCtx, relayURL, nil)
		if err == nil {
			return ws, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}

		n := p.recordFailure(relayURL)
		if n >= p.cfg.MaxAttempts {
			p.markFailed(relayURL, err)
			return nil, backoff.Permanent(fmt.Errorf("%w: %s after %d attempts: %v", ErrRelayFailed, relayURL, n, err))
		}
		return nil, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(remaining)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Debug("relay dial failed, retrying",
				"relay", relayURL,
				"error", err,
				"retry_in", next)
		}),
	)
}

// recordFailure counts one failure of relayURL and returns the running total
func (p *Pool) recordFailure(relayURL string) int {
	p.counters.IncrementRelayDialFailure()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[relayURL]++
	return p.failures[relayURL]
}

func (p *Pool) relayFailures(relayURL string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[relayURL]
}

func (p *Pool) resetFailures(relayURL string) {
	p.mu.Lock()
	delete(p.failures, relayURL)
	p.mu.Unlock()
}

// markFailed excludes relayURL from selection and reports it once
func (p *Pool) markFailed(relayURL string, cause error) {
	p.mu.Lock()
	if _, already := p.failed[relayURL]; already {
		p.mu.Unlock()
		return
	}
	p.failed[relayURL] = struct{}{}
	onFailed := p.onRelayFailed
	p.mu.Unlock()

	p.counters.IncrementRelayFailed()
	p.logger.Warn("relay permanently failed",
		"relay", relayURL,
		"attempts", p.relayFailures(relayURL),
		"error", cause)

	if onFailed != nil {
		onFailed(relayURL, cause)
	}
}
