// Package metrics holds the engine's counters. A nil *Counters is valid and
// counts nothing, so components can be built without one.
package metrics

import (
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
)

// Counters are the process-local sync counters
type Counters struct {
	// Relay traffic
	EventsReceived  atomic.Int64
	EventsAccepted  atomic.Int64
	EventsDuplicate atomic.Int64
	EventsStale     atomic.Int64
	ParseFailures   atomic.Int64

	// Subscriptions
	SubscriptionsOpened   atomic.Int64
	SubscriptionsTimedOut atomic.Int64
	RelayDialFailures     atomic.Int64
	RelaysFailed          atomic.Int64

	// Cache
	CacheHits   atomic.Int64
	CacheMisses atomic.Int64

	// Identities that ended a batch without a profile
	IdentityFailures atomic.Int64
}

// New returns zeroed counters
func New() *Counters {
	return &Counters{}
}

// IncrementEventReceived counts every EVENT frame delivered to a subscription
func (c *Counters) IncrementEventReceived() {
	if c != nil {
		c.EventsReceived.Add(1)
	}
}

func (c *Counters) IncrementEventAccepted() {
	if c != nil {
		c.EventsAccepted.Add(1)
	}
}

func (c *Counters) IncrementEventDuplicate() {
	if c != nil {
		c.EventsDuplicate.Add(1)
	}
}

func (c *Counters) IncrementEventStale() {
	if c != nil {
		c.EventsStale.Add(1)
	}
}

func (c *Counters) IncrementParseFailure() {
	if c != nil {
		c.ParseFailures.Add(1)
	}
}

func (c *Counters) IncrementSubscriptionOpened() {
	if c != nil {
		c.SubscriptionsOpened.Add(1)
	}
}

func (c *Counters) IncrementSubscriptionTimedOut() {
	if c != nil {
		c.SubscriptionsTimedOut.Add(1)
	}
}

func (c *Counters) IncrementRelayDialFailure() {
	if c != nil {
		c.RelayDialFailures.Add(1)
	}
}

func (c *Counters) IncrementRelayFailed() {
	if c != nil {
		c.RelaysFailed.Add(1)
	}
}

// IncrementCacheHit increments the cache hit counter
func (c *Counters) IncrementCacheHit() {
	if c != nil {
		c.CacheHits.Add(1)
	}
}

// IncrementCacheMiss increments the cache miss counter
func (c *Counters) IncrementCacheMiss() {
	if c != nil {
		c.CacheMisses.Add(1)
	}
}

// AddIdentityFailures counts identities left unresolved at end-of-stream
func (c *Counters) AddIdentityFailures(n int) {
	if c != nil && n > 0 {
		c.IdentityFailures.Add(int64(n))
	}
}

// Gauge is a point-in-time value reported next to the counters
type Gauge struct {
	Name  string
	Help  string
	Value int64
}

// WritePrometheus writes the counters and gauges in Prometheus text format
func (c *Counters) WritePrometheus(w io.Writer, gauges ...Gauge) error {
	if c == nil {
		c = New()
	}
	pw := &promWriter{w: w}

	pw.metric("profilesync_events_received_total", "counter", "EVENT frames delivered to subscriptions", c.EventsReceived.Load())
	pw.metric("profilesync_events_accepted_total", "counter", "Events merged into the store", c.EventsAccepted.Load())
	pw.metric("profilesync_events_duplicate_total", "counter", "Events dropped because their id was already seen", c.EventsDuplicate.Load())
	pw.metric("profilesync_events_stale_total", "counter", "Events dropped because a newer record is stored", c.EventsStale.Load())
	pw.metric("profilesync_parse_failures_total", "counter", "Events with malformed content", c.ParseFailures.Load())

	pw.metric("profilesync_subscriptions_opened_total", "counter", "Subscriptions dispatched to relays", c.SubscriptionsOpened.Load())
	pw.metric("profilesync_subscriptions_timed_out_total", "counter", "Subscriptions ended by their deadline", c.SubscriptionsTimedOut.Load())
	pw.metric("profilesync_relay_dial_failures_total", "counter", "Failed relay connection attempts", c.RelayDialFailures.Load())
	pw.metric("profilesync_relays_failed_total", "counter", "Relays marked permanently failed", c.RelaysFailed.Load())

	hits, misses := c.CacheHits.Load(), c.CacheMisses.Load()
	pw.metric("profilesync_cache_hits_total", "counter", "Total cache hits", hits)
	pw.metric("profilesync_cache_misses_total", "counter", "Total cache misses", misses)

	pw.metric("profilesync_identity_failures_total", "counter", "Identities unresolved at end of a batch", c.IdentityFailures.Load())

	for _, g := range gauges {
		pw.metric(g.Name, "gauge", g.Help, g.Value)
	}

	pw.metric("go_goroutines", "gauge", "Number of active goroutines", int64(runtime.NumGoroutine()))

	// Cache hit ratio (useful for alerting)
	var hitRatio float64
	if total := hits + misses; total > 0 {
		hitRatio = float64(hits) / float64(total)
	}
	pw.printf("# HELP profilesync_cache_hit_ratio Cache hit ratio\n")
	pw.printf("# TYPE profilesync_cache_hit_ratio gauge\n")
	pw.printf("profilesync_cache_hit_ratio %.4f\n", hitRatio)

	return pw.err
}

type promWriter struct {
	w   io.Writer
	err error
}

func (p *promWriter) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *promWriter) metric(name, typ, help string, value int64) {
	p.printf("# HELP %s %s\n", name, help)
	p.printf("# TYPE %s %s\n", name, typ)
	p.printf("%s %d\n\n", name, value)
}
