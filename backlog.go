package profilesync

import (
	"context"
	"iter"
	"math/rand/v2"
	"time"

	"github.com/cashubtc/eNuts-sub000/internal/batcher"
	"github.com/cashubtc/eNuts-sub000/internal/events"
	"github.com/cashubtc/eNuts-sub000/internal/nostr"
	"github.com/cashubtc/eNuts-sub000/internal/store"
	"github.com/cashubtc/eNuts-sub000/internal/types"
	"github.com/cashubtc/eNuts-sub000/internal/util"
)

// SyncOptions control one SyncBacklog call
type SyncOptions struct {
	// Limit caps the identities dispatched; 0 means the whole backlog
	Limit int
	Mode  batcher.EmitMode
	// Filter keeps only the contacts it returns true for; nil keeps all
	Filter    func(pubkey string) bool
	Randomize bool
	// Deadline force-terminates the run; zero means none
	Deadline time.Time
}

// PendingBacklog returns the user's contacts that still need a profile:
// not in memory, not cached, not in flight and not past the retry ceiling.
// Cached profiles found on the way are loaded into memory and announced.
func (s *Syncer) PendingBacklog(ctx context.Context, filter func(pubkey string) bool, randomize bool) []string {
	user := s.User()
	if user == "" {
		return nil
	}
	list, ok := s.store.Contacts(user)
	if !ok {
		return nil
	}

	candidates := make([]string, 0, len(list.Members))
	for _, pk := range list.Members {
		if filter != nil && !filter(pk) {
			continue
		}
		if s.store.Has(pk) || s.dedup.State(pk) == store.Pending || s.dedup.Exhausted(pk) {
			continue
		}
		candidates = append(candidates, pk)
	}

	backlog := s.loadCachedProfiles(ctx, candidates)
	if randomize {
		rand.Shuffle(len(backlog), func(i, j int) {
			backlog[i], backlog[j] = backlog[j], backlog[i]
		})
	}
	return backlog
}

// loadCachedProfiles merges the cached profiles among ids into memory and
// returns the ids that were not cached, in their original order
func (s *Syncer) loadCachedProfiles(ctx context.Context, ids []string) []string {
	if len(ids) == 0 {
		return ids
	}
	items, err := s.profiles.GetMany(ctx, ids)
	if err != nil {
		s.logger.Warn("profile cache read failed", "identities", len(ids), "error", err)
		return ids
	}

	hit := make(map[string]struct{}, len(items))
	var loaded []types.ProfileRecord
	for _, it := range items {
		hit[it.Key] = struct{}{}
		s.counters.IncrementCacheHit()
		if s.store.AddProfile(it.Value) {
			loaded = append(loaded, it.Value)
		}
		s.dedup.MarkFulfilled(it.Key)
	}
	if len(loaded) > 0 {
		s.emitter.Emit(events.Notification{Kind: events.ProfileUpdated, Profiles: loaded})
	}

	missing := make([]string, 0, len(ids)-len(hit))
	for _, id := range ids {
		if _, ok := hit[id]; !ok {
			s.counters.IncrementCacheMiss()
			missing = append(missing, id)
		}
	}
	return missing
}

// SyncBacklog resolves the pending backlog of the user's contacts
func (s *Syncer) SyncBacklog(ctx context.Context, opts SyncOptions) (batcher.Summary, error) {
	ids := util.LimitSlice(s.PendingBacklog(ctx, opts.Filter, opts.Randomize), opts.Limit)
	if len(ids) == 0 {
		return batcher.Summary{}, nil
	}
	s.logger.Info("syncing backlog", "identities", len(ids), "mode", opts.Mode.String())

	summary, err := s.batcher.Run(ctx, ids, batcher.RunOptions{
		Relays:   s.backlogRelays(),
		Mode:     opts.Mode,
		Deadline: opts.Deadline,
		Persist:  s.persistProfiles,
	})
	s.logger.Info("backlog sync finished",
		"resolved", summary.Resolved,
		"failed", summary.Failed,
		"batches", summary.Batches)
	return summary, err
}

// SyncIdentities resolves ids even when they are past the retry ceiling.
// Invalid identities are skipped.
func (s *Syncer) SyncIdentities(ctx context.Context, ids []string, mode batcher.EmitMode) (batcher.Summary, error) {
	pubkeys := make([]string, 0, len(ids))
	var hints []string
	for _, raw := range ids {
		id, err := nostr.ParseIdentity(raw)
		if err != nil {
			s.logger.Debug("skipping identity", "input", raw, "error", err)
			continue
		}
		pubkeys = append(pubkeys, id.PubKey)
		hints = append(hints, id.RelayHints...)
	}

	return s.batcher.Run(ctx, s.loadCachedProfiles(ctx, pubkeys), batcher.RunOptions{
		Relays:   util.LimitSlice(mergeRelays(hints, s.backlogRelays()), s.relayCap()),
		Mode:     mode,
		Override: true,
		Persist:  s.persistProfiles,
	})
}

// StreamBacklog yields profiles of the pending backlog as they arrive.
// Each range computes the backlog afresh; the sequence ends once every
// batch has ended or at deadline. Breaking out cancels in-flight batches.
func (s *Syncer) StreamBacklog(ctx context.Context, limit int, deadline time.Time) iter.Seq[types.ProfileRecord] {
	return func(yield func(types.ProfileRecord) bool) {
		ids := util.LimitSlice(s.PendingBacklog(ctx, nil, false), limit)
		if len(ids) == 0 {
			return
		}
		stream := s.batcher.Stream(ctx, ids, batcher.RunOptions{
			Relays:   s.backlogRelays(),
			Deadline: deadline,
			Persist:  s.persistProfiles,
		})
		for rec := range stream {
			if !yield(rec) {
				return
			}
		}
	}
}

// IsSynced reports whether fewer than SyncedThreshold of the user's contacts
// remain unresolved, not counting contacts past the retry ceiling
func (s *Syncer) IsSynced() bool {
	user := s.User()
	if user == "" {
		return false
	}
	list, ok := s.store.Contacts(user)
	if !ok {
		return false
	}
	unresolved := 0
	for _, pk := range list.Members {
		if !s.store.Has(pk) && !s.dedup.Exhausted(pk) {
			unresolved++
		}
	}
	return unresolved < s.cfg.Sync.SyncedThreshold
}

// backlogRelays are the configured profile relays, then the user's read relays
func (s *Syncer) backlogRelays() []string {
	var read []string
	if user := s.User(); user != "" {
		if rl, ok := s.store.RelayList(user); ok {
			read = rl.Read
		}
	}
	return util.LimitSlice(mergeRelays(s.cfg.Relays.ProfileRelays, read), s.relayCap())
}

func (s *Syncer) persistProfiles(ctx context.Context, profiles []types.ProfileRecord) {
	values := make(map[string]types.ProfileRecord, len(profiles))
	for _, p := range profiles {
		values[p.PubKey] = p
	}
	if err := s.profiles.SetMany(ctx, values); err != nil {
		s.logger.Warn("failed to cache profiles", "profiles", len(values), "error", err)
	}
}
