// Package profilesync keeps the wallet's view of nostr profiles, contact
// lists and relay lists in sync. It serves reads from memory and a TTL cache
// first and resolves the rest over bounded relay subscriptions.
package profilesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cashubtc/eNuts-sub000/internal/batcher"
	"github.com/cashubtc/eNuts-sub000/internal/cache"
	"github.com/cashubtc/eNuts-sub000/internal/config"
	"github.com/cashubtc/eNuts-sub000/internal/events"
	"github.com/cashubtc/eNuts-sub000/internal/metrics"
	"github.com/cashubtc/eNuts-sub000/internal/nostr"
	"github.com/cashubtc/eNuts-sub000/internal/relay"
	"github.com/cashubtc/eNuts-sub000/internal/store"
	"github.com/cashubtc/eNuts-sub000/internal/types"
)

var (
	// ErrNotFound is returned by Resolve when no relay knows the identity
	ErrNotFound = errors.New("profile not found")
	// ErrInvalidIdentity is returned for input that is not hex, npub or nprofile
	ErrInvalidIdentity = nostr.ErrInvalidIdentity
	// ErrEmptyQuery is returned by Search for a blank query
	ErrEmptyQuery = errors.New("empty search query")
)

// Syncer is the entry point of the engine. It is safe for concurrent use.
type Syncer struct {
	cfg      config.Config
	logger   *slog.Logger
	counters *metrics.Counters
	emitter  *events.Emitter

	pool     *relay.Pool
	ownsPool bool
	backend  cache.Backend
	ownsBack bool

	store   *store.Store
	dedup   *store.DedupIndex
	batcher *batcher.Batcher

	profiles   *cache.TTLCache[types.ProfileRecord]
	contacts   *cache.TTLCache[types.ContactList]
	relayLists *cache.TTLCache[types.RelayListing]

	flights singleflight.Group

	mu        sync.RWMutex
	user      string
	userHints []string
}

// Option configures a Syncer
type Option func(*options)

type options struct {
	logger   *slog.Logger
	now      func() time.Time
	pool     *relay.Pool
	counters *metrics.Counters
}

// WithLogger sets the logger; the default is slog.Default()
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces time.Now for cache expiry
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithPool runs subscriptions on an existing pool. The caller keeps
// ownership; Close does not close it.
func WithPool(p *relay.Pool) Option {
	return func(o *options) { o.pool = p }
}

// WithCounters shares counters with other components
func WithCounters(c *metrics.Counters) Option {
	return func(o *options) { o.counters = c }
}

// New creates a Syncer. A nil backend gives an in-memory cache owned by the Syncer.
func New(cfg config.Config, backend cache.Backend, opts ...Option) *Syncer {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.counters == nil {
		o.counters = metrics.New()
	}

	s := &Syncer{
		cfg:      cfg,
		logger:   o.logger.With("component", "profilesync"),
		counters: o.counters,
		emitter:  events.NewEmitter(),
		backend:  backend,
	}

	if s.backend == nil {
		s.backend = cache.NewMemoryCache(cfg.MemoryCacheSize, 2*time.Minute)
		s.ownsBack = true
	}

	s.pool = o.pool
	if s.pool == nil {
		s.pool = relay.NewPool(cfg.Relay,
			relay.WithLogger(o.logger),
			relay.WithCounters(s.counters),
			relay.WithRelayFailedHook(s.relayFailed))
		s.ownsPool = true
	}

	s.store = store.New(s.counters)
	s.dedup = store.NewDedupIndex(cfg.Sync.MaxFailures)
	s.batcher = batcher.New(cfg.Batch, s.pool, s.store, s.dedup, s.emitter, s.counters, o.logger)

	clock := cache.WithClock(o.now)
	s.profiles = cache.NewTTLCache[types.ProfileRecord](s.backend, cache.ProfilePrefix, cfg.Cache.ProfileTTL, clock)
	s.contacts = cache.NewTTLCache[types.ContactList](s.backend, cache.ContactsPrefix, cfg.Cache.ContactTTL, clock)
	s.relayLists = cache.NewTTLCache[types.RelayListing](s.backend, cache.RelayListPrefix, cfg.Cache.RelayListTTL, clock)
	return s
}

// OpenBackend creates the cache backend named by cfg.CacheBackend.
// A redis connection failure falls back to memory.
func OpenBackend(ctx context.Context, cfg config.Config) (cache.Backend, error) {
	switch cfg.CacheBackend {
	case config.BackendRedis:
		slog.Info("initializing Redis cache")
		rc, err := cache.NewRedisCache(ctx, cfg.RedisURL, "profilesync:")
		if err != nil {
			slog.Warn("Redis connection failed, using memory cache", "error", err)
			return cache.NewMemoryCache(cfg.MemoryCacheSize, 2*time.Minute), nil
		}
		return rc, nil
	case config.BackendSQLite:
		slog.Info("initializing SQLite cache", "path", cfg.SQLitePath)
		return cache.OpenSQLiteCache(ctx, cfg.SQLitePath)
	case config.BackendMemory, "":
		slog.Info("initializing in-memory cache")
		return cache.NewMemoryCache(cfg.MemoryCacheSize, 2*time.Minute), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

func (s *Syncer) relayFailed(relayURL string, err error) {
	s.emitter.Emit(events.Notification{Kind: events.RelayFailed, Relay: relayURL, Err: err})
}

// Observe registers o for every notification and returns a function that removes it
func (s *Syncer) Observe(o events.Observer) (cancel func()) {
	return s.emitter.Subscribe(o)
}

// ResetRelay makes a permanently failed relay selectable again
func (s *Syncer) ResetRelay(relayURL string) {
	s.pool.ResetRelay(relayURL)
}

// User returns the bootstrapped identity, or "" before BootstrapUser
func (s *Syncer) User() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Syncer) setUser(pubkey string, hints []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user != pubkey {
		s.userHints = nil
	}
	s.user = pubkey
	s.userHints = mergeRelays(s.userHints, hints)
}

// Profile returns the in-memory profile of pubkey
func (s *Syncer) Profile(pubkey string) (types.ProfileRecord, bool) {
	return s.store.Profile(pubkey)
}

// Profiles lists the in-memory profiles ordered by pubkey. A nil pred lists all.
func (s *Syncer) Profiles(pred func(types.ProfileRecord) bool) []types.ProfileRecord {
	return s.store.List(pred)
}

// ClearCache drops every cached record and all in-memory state, including
// failure counters and the seen-event set.
func (s *Syncer) ClearCache(ctx context.Context) error {
	var errs []error
	if err := s.profiles.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear profiles: %w", err))
	}
	if err := s.contacts.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear contacts: %w", err))
	}
	if err := s.relayLists.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear relay lists: %w", err))
	}
	s.store.Clear()
	s.dedup.Reset()
	s.logger.Info("cache cleared")
	return errors.Join(errs...)
}

// Stats is a snapshot of the engine
type Stats struct {
	User      string
	Store     store.Stats
	Pool      relay.Stats
	Pending   int
	Exhausted int
	Synced    bool
}

func (s *Syncer) Stats() Stats {
	return Stats{
		User:      s.User(),
		Store:     s.store.Stats(),
		Pool:      s.pool.Stats(),
		Pending:   s.dedup.PendingCount(),
		Exhausted: s.dedup.ExhaustedCount(),
		Synced:    s.IsSynced(),
	}
}

// WriteMetrics writes the counters and current gauges in Prometheus text format
func (s *Syncer) WriteMetrics(w io.Writer) error {
	st := s.Stats()
	failed := 0
	for _, r := range st.Pool.Relays {
		if r.State == relay.PermanentlyFailed {
			failed++
		}
	}
	return s.counters.WritePrometheus(w,
		metrics.Gauge{Name: "profilesync_profiles", Help: "Profiles held in memory", Value: int64(st.Store.Profiles)},
		metrics.Gauge{Name: "profilesync_contact_lists", Help: "Contact lists held in memory", Value: int64(st.Store.Contacts)},
		metrics.Gauge{Name: "profilesync_pending_identities", Help: "Identities in a dispatched batch", Value: int64(st.Pending)},
		metrics.Gauge{Name: "profilesync_exhausted_identities", Help: "Identities past the retry ceiling", Value: int64(st.Exhausted)},
		metrics.Gauge{Name: "profilesync_active_subscriptions", Help: "Live relay subscriptions", Value: int64(st.Pool.ActiveSubscriptions)},
		metrics.Gauge{Name: "profilesync_failed_relays", Help: "Relays marked permanently failed", Value: int64(failed)},
	)
}

// Close stops every subscription. The pool and the cache backend are closed
// only when the Syncer created them.
func (s *Syncer) Close() error {
	var errs []error
	if s.ownsPool {
		errs = append(errs, s.pool.Close())
	}
	if s.ownsBack {
		errs = append(errs, s.backend.Close())
	}
	return errors.Join(errs...)
}
