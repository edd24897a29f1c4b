package profilesync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cashubtc/eNuts-sub000/internal/batcher"
	"github.com/cashubtc/eNuts-sub000/internal/nostr"
	"github.com/cashubtc/eNuts-sub000/internal/relay"
	"github.com/cashubtc/eNuts-sub000/internal/store"
	"github.com/cashubtc/eNuts-sub000/internal/types"
	"github.com/cashubtc/eNuts-sub000/internal/util"
)

// DefaultSearchLimit applies when Search is called with limit <= 0
const DefaultSearchLimit = 20

// Resolve returns the profile of identity, looking in memory, then the
// cache, then asking the profile relays. It is the lookup run before a
// payment, so it ignores the retry ceiling. When a running batch already
// has identity in flight, Resolve waits for that batch to end instead of
// sending a second request.
func (s *Syncer) Resolve(ctx context.Context, identity string) (types.ProfileRecord, error) {
	id, err := nostr.ParseIdentity(identity)
	if err != nil {
		return types.ProfileRecord{}, fmt.Errorf("resolve %q: %w", identity, err)
	}
	pk := id.PubKey

	if rec, ok := s.store.Profile(pk); ok {
		return rec, nil
	}
	if rec, ok := s.cachedProfile(ctx, pk); ok {
		s.counters.IncrementCacheHit()
		s.store.AddProfile(rec)
		s.dedup.MarkFulfilled(pk)
		return rec, nil
	}
	s.counters.IncrementCacheMiss()

	if s.dedup.State(pk) == store.Pending {
		if err := s.awaitPending(ctx, pk); err != nil {
			return types.ProfileRecord{}, fmt.Errorf("resolve %s: %w", nostr.ShortID(pk), err)
		}
		if rec, ok := s.store.Profile(pk); ok {
			return rec, nil
		}
	}

	_, err = s.batcher.Run(ctx, []string{pk}, batcher.RunOptions{
		Relays:   util.LimitSlice(mergeRelays(id.RelayHints, s.backlogRelays()), s.relayCap()),
		Override: true,
		Persist:  s.persistProfiles,
	})
	if rec, ok := s.store.Profile(pk); ok {
		return rec, nil
	}
	if err != nil {
		return types.ProfileRecord{}, fmt.Errorf("resolve %s: %w", nostr.ShortID(pk), err)
	}
	return types.ProfileRecord{}, ErrNotFound
}

// awaitPending polls until pk leaves the pending state, for at most one
// batch timeout
func (s *Syncer) awaitPending(ctx context.Context, pk string) error {
	interval := s.cfg.Relay.PollInterval
	if interval <= 0 {
		interval = relay.DefaultConfig().PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	wait := s.cfg.Batch.BatchTimeout
	if wait <= 0 {
		wait = 10 * time.Second
	}
	limit := time.NewTimer(wait)
	defer limit.Stop()

	for s.dedup.State(pk) == store.Pending {
		select {
		case <-ticker.C:
		case <-limit.C:
			s.logger.Debug("gave up waiting for pending batch", "pubkey", nostr.ShortID(pk))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Search runs a one-shot NIP-50 profile search against the search relays.
// Results are neither cached nor merged into the store; they are ordered by
// pubkey and hold the newest profile seen for each.
func (s *Syncer) Search(ctx context.Context, query string, limit int) ([]types.ProfileRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	var mu sync.Mutex
	found := make(map[string]types.ProfileRecord)
	h := relay.Handler{
		OnEvent: func(evt types.Event) {
			rec, err := nostr.ParseProfile(evt)
			if err != nil {
				s.counters.IncrementParseFailure()
				return
			}
			mu.Lock()
			if cur, ok := found[rec.PubKey]; !ok || rec.CreatedAt > cur.CreatedAt {
				found[rec.PubKey] = rec
			}
			mu.Unlock()
		},
	}

	relays := util.LimitSlice(mergeRelays(s.cfg.Relays.SearchRelays), s.relayCap())
	sub, err := s.pool.Subscribe(ctx, types.SubscriptionRequest{
		Kinds:     []int{types.KindProfileMetadata},
		RelayURLs: relays,
		Search:    query,
		Limit:     limit,
		Timeout:   s.cfg.Sync.SearchTimeout,
	}, h)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	<-sub.Done()
	if sub.Reason() == relay.EndCancelled && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	mu.Lock()
	results := make([]types.ProfileRecord, 0, len(found))
	for _, rec := range found {
		results = append(results, rec)
	}
	mu.Unlock()

	sort.Slice(results, func(i, j int) bool { return results[i].PubKey < results[j].PubKey })
	s.logger.Debug("search complete", "query", query, "relays", len(relays), "results", len(results))
	return util.LimitSlice(results, limit), nil
}
