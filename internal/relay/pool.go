// Package relay runs filtered subscriptions against nostr relays over
// websockets. The Pool bounds the number of live subscriptions, shares one
// connection per relay, and retries failed connections with a capped
// quadratic backoff until the relay is marked permanently failed.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cashubtc/eNuts-sub000/internal/metrics"
	"github.com/cashubtc/eNuts-sub000/internal/nostr"
	"github.com/cashubtc/eNuts-sub000/internal/types"
)

var (
	// ErrNoRelays is returned when no requested relay can be used
	ErrNoRelays = errors.New("no usable relays")
	// ErrRelayFailed marks a relay that exhausted its connection attempts
	ErrRelayFailed = errors.New("relay permanently failed")
	// ErrUnsafeURL is returned for relay URLs pointing at private networks
	ErrUnsafeURL = errors.New("relay URL blocked: unsafe destination")
	// ErrPoolClosed is returned after Close
	ErrPoolClosed = errors.New("relay pool closed")
)

// Config tunes a Pool. Zero fields take the defaults of DefaultConfig.
type Config struct {
	MaxSubscriptions int           `env:"POOL_MAX_SUBSCRIPTIONS" envDefault:"8"`
	PollInterval     time.Duration `env:"POOL_POLL_INTERVAL" envDefault:"100ms"`
	MaxAttempts      int           `env:"POOL_DIAL_ATTEMPTS" envDefault:"10"`
	BaseDelay        time.Duration `env:"POOL_DIAL_BASE_DELAY" envDefault:"250ms"`
	MaxDelay         time.Duration `env:"POOL_DIAL_MAX_DELAY" envDefault:"10s"`
	DialTimeout      time.Duration `env:"POOL_DIAL_TIMEOUT" envDefault:"5s"`
	IdleTimeout      time.Duration `env:"POOL_IDLE_TIMEOUT" envDefault:"2m"`
	// StableAfter is the uptime after which a connection clears the relay's failure count
	StableAfter time.Duration `env:"POOL_STABLE_AFTER" envDefault:"1m"`
	InboxSize        int           `env:"POOL_INBOX_SIZE" envDefault:"256"`

	// AllowPrivate skips the private-network guard (tests, local relays)
	AllowPrivate bool `env:"POOL_ALLOW_PRIVATE"`
}

// DefaultConfig returns the pool defaults
func DefaultConfig() Config {
	return Config{
		MaxSubscriptions: 8,
		PollInterval:     100 * time.Millisecond,
		MaxAttempts:      10,
		BaseDelay:        250 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		DialTimeout:      5 * time.Second,
		IdleTimeout:      2 * time.Minute,
		StableAfter:      time.Minute,
		InboxSize:        256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = d.MaxSubscriptions
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.StableAfter <= 0 {
		c.StableAfter = d.StableAfter
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	return c
}

// Option configures a Pool
type Option func(*Pool)

// WithLogger sets the pool logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l.With("component", "relay_pool") }
}

// WithCounters wires the metrics counters
func WithCounters(c *metrics.Counters) Option {
	return func(p *Pool) { p.counters = c }
}

// WithRelayFailedHook is called once each time a relay becomes PermanentlyFailed
func WithRelayFailedHook(fn func(relayURL string, err error)) Option {
	return func(p *Pool) { p.onRelayFailed = fn }
}

// Pool manages connections to multiple relays
type Pool struct {
	cfg      Config
	logger   *slog.Logger
	counters *metrics.Counters
	dialer   *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	conns         map[string]*conn // relayURL -> connection
	failures      map[string]int
	failed        map[string]struct{}
	safe          map[string]bool // private-network guard results
	active        map[string]*Subscription
	onRelayFailed func(relayURL string, err error)
	closed        bool

	wg sync.WaitGroup
}

// NewPool creates a pool and starts its idle-connection cleanup
func NewPool(cfg Config, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		logger:   slog.Default().With("component", "relay_pool"),
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*conn),
		failures: make(map[string]int),
		failed:   make(map[string]struct{}),
		safe:     make(map[string]bool),
		active:   make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(1)
	go p.cleanupLoop()
	return p
}

// Config returns the effective configuration
func (p *Pool) Config() Config {
	return p.cfg
}

// SelectRelays normalizes urls and drops duplicates, unsafe destinations and
// permanently failed relays, keeping the input order.
func (p *Pool) SelectRelays(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		u := nostr.NormalizeRelayURL(raw)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}

		if !p.isSafe(u) {
			p.logger.Debug("skipping relay", "relay", u, "error", ErrUnsafeURL)
			continue
		}
		p.mu.Lock()
		_, failed := p.failed[u]
		p.mu.Unlock()
		if failed {
			continue
		}
		out = append(out, u)
	}
	return out
}

// isSafe runs the private-network guard once per relay
func (p *Pool) isSafe(relayURL string) bool {
	if p.cfg.AllowPrivate {
		return true
	}
	p.mu.Lock()
	ok, known := p.safe[relayURL]
	p.mu.Unlock()
	if known {
		return ok
	}
	ok = nostr.IsRelayURLSafe(relayURL)
	p.mu.Lock()
	p.safe[relayURL] = ok
	p.mu.Unlock()
	return ok
}

// Subscribe sends req to its relays and delivers results to h.
//
// When MaxSubscriptions are live, Subscribe waits, polling every
// PollInterval, until one ends or ctx is done. The returned subscription
// ends on EOSE from every relay, at req.Deadline or req.Timeout after
// admission, or when ctx is cancelled.
func (p *Pool) Subscribe(ctx context.Context, req types.SubscriptionRequest, h Handler) (*Subscription, error) {
	relays := p.SelectRelays(req.RelayURLs)
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}

	var subCtx context.Context
	var cancel context.CancelFunc
	if req.Deadline.IsZero() {
		subCtx, cancel = context.WithCancel(ctx)
	} else {
		subCtx, cancel = context.WithDeadline(ctx, req.Deadline)
	}

	sub := &Subscription{
		ID:      uuid.NewString(),
		Relays:  relays,
		filter:  req.Filter().Map(),
		handler: h,
		pool:    p,
		ctx:     subCtx,
		cancel:  cancel,
		timeout: req.Timeout,
		inbox:   make(chan inboxItem, p.cfg.InboxSize),
		done:    make(chan struct{}),
	}

	if err := p.reserve(ctx, sub); err != nil {
		cancel()
		return nil, err
	}
	p.counters.IncrementSubscriptionOpened()

	if h.OnOpen != nil {
		h.OnOpen(sub)
	}

	go sub.run()
	for _, relayURL := range relays {
		go p.dispatch(sub, relayURL)
	}

	p.logger.Debug("subscription opened",
		"sub", sub.ID,
		"relays", len(relays),
		"authors", len(req.Identities),
		"kinds", req.Kinds)
	return sub, nil
}

// reserve waits for capacity and registers sub as active
func (p *Pool) reserve(ctx context.Context, sub *Subscription) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		if len(p.active) < p.cfg.MaxSubscriptions {
			p.active[sub.ID] = sub
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// release frees the capacity held by sub and closes it on every relay
func (p *Pool) release(sub *Subscription) {
	p.mu.Lock()
	delete(p.active, sub.ID)
	conns := make([]*conn, 0, len(sub.Relays))
	for _, u := range sub.Relays {
		if c := p.conns[u]; c != nil {
			conns = append(conns, c)
		}
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.sendClose(sub.ID)
	}
}

// dispatch connects to relayURL and sends the REQ of sub
func (p *Pool) dispatch(sub *Subscription, relayURL string) {
	c, err := p.connect(sub.ctx, relayURL)
	if err == nil && sub.ctx.Err() == nil && c.attach(sub) {
		return
	}
	if err != nil && sub.ctx.Err() == nil {
		p.logger.Debug("relay unavailable for subscription", "relay", relayURL, "sub", sub.ID, "error", err)
	}
	sub.push(inboxItem{kind: itemRelayGone, relayURL: relayURL})
}

// connect returns the open connection to relayURL, dialing if needed.
// Dials belong to the pool, so a caller giving up does not abort a dial
// other subscriptions wait on.
func (p *Pool) connect(ctx context.Context, relayURL string) (*conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if _, failed := p.failed[relayURL]; failed {
		p.mu.Unlock()
		return nil, ErrRelayFailed
	}
	c := p.conns[relayURL]
	if c == nil {
		c = newConn(p, relayURL)
		p.conns[relayURL] = c
		p.wg.Add(1)
		go p.dial(c)
	}
	p.mu.Unlock()

	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.dialErr != nil {
		return nil, c.dialErr
	}
	return c, nil
}

func (p *Pool) dial(c *conn) {
	defer p.wg.Done()

	p.logger.Debug("creating new connection", "relay", c.relayURL)
	ws, err := p.dialWithRetry(p.ctx, c.relayURL)
	if err != nil {
		p.forget(c)
		c.dialFailed(err)
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		ws.Close()
		p.forget(c)
		c.dialFailed(ErrPoolClosed)
		return
	}

	// a completed handshake does not clear earlier failures; markClosed
	// does once the connection has proved stable
	c.opened(ws)
}

// forget removes c from the registry if it is still the registered connection
func (p *Pool) forget(c *conn) {
	p.mu.Lock()
	if p.conns[c.relayURL] == c {
		delete(p.conns, c.relayURL)
	}
	p.mu.Unlock()
}

// Unsubscribe stops delivery and releases the subscription. It is idempotent.
func (p *Pool) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.ended.Store(true)
	sub.cancel()
	p.mu.Lock()
	delete(p.active, sub.ID)
	p.mu.Unlock()
}

// ResetRelay clears the failure history of relayURL so it can be selected again
func (p *Pool) ResetRelay(relayURL string) {
	u := nostr.NormalizeRelayURL(relayURL)
	if u == "" {
		u = relayURL
	}
	p.mu.Lock()
	delete(p.failed, u)
	delete(p.failures, u)
	p.mu.Unlock()
	p.logger.Info("relay reset", "relay", u)
}

// RelayState returns the connection state of relayURL
func (p *Pool) RelayState(relayURL string) ConnState {
	u := nostr.NormalizeRelayURL(relayURL)
	if u == "" {
		u = relayURL
	}
	p.mu.Lock()
	_, failed := p.failed[u]
	c := p.conns[u]
	p.mu.Unlock()

	if failed {
		return PermanentlyFailed
	}
	if c == nil {
		return Closed
	}
	return c.State()
}

// ActiveCount returns the number of live subscriptions
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// RelayStatus is the health of one known relay
type RelayStatus struct {
	URL           string
	State         ConnState
	Failures      int
	Subscriptions int
}

// Stats is a snapshot of the pool
type Stats struct {
	ActiveSubscriptions int
	MaxSubscriptions    int
	Relays              []RelayStatus
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	urls := make(map[string]struct{})
	for u := range p.conns {
		urls[u] = struct{}{}
	}
	for u := range p.failures {
		urls[u] = struct{}{}
	}
	for u := range p.failed {
		urls[u] = struct{}{}
	}
	st := Stats{
		ActiveSubscriptions: len(p.active),
		MaxSubscriptions:    p.cfg.MaxSubscriptions,
	}
	statuses := make([]RelayStatus, 0, len(urls))
	for u := range urls {
		rs := RelayStatus{URL: u, State: Closed, Failures: p.failures[u]}
		if _, failed := p.failed[u]; failed {
			rs.State = PermanentlyFailed
		}
		if c := p.conns[u]; c != nil && rs.State != PermanentlyFailed {
			rs.State = c.State()
			rs.Subscriptions = c.subscriptionCount()
		}
		statuses = append(statuses, rs)
	}
	p.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].URL < statuses[j].URL })
	st.Relays = statuses
	return st
}

// cleanupLoop periodically closes idle connections
func (p *Pool) cleanupLoop() {
	defer p.wg.Done()
	interval := p.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

func (p *Pool) cleanup() {
	now := time.Now()
	p.mu.Lock()
	var idle []*conn
	for _, c := range p.conns {
		if c.idle(now, p.cfg.IdleTimeout) {
			idle = append(idle, c)
		}
	}
	p.mu.Unlock()

	for _, c := range idle {
		p.logger.Debug("closing idle connection", "relay", c.relayURL)
		c.markClosed(nil)
	}
}

// Close cancels every subscription and closes every connection
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	subs := make([]*Subscription, 0, len(p.active))
	for _, sub := range p.active {
		subs = append(subs, sub)
	}
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	p.cancel()
	for _, c := range conns {
		if c.State() == Open {
			c.markClosed(nil)
		}
	}
	p.wg.Wait()
	return nil
}
