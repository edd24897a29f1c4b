package profilesync

import (
	"context"
	"fmt"
	"sync"

	"github.com/cashubtc/eNuts-sub000/internal/events"
	"github.com/cashubtc/eNuts-sub000/internal/nostr"
	"github.com/cashubtc/eNuts-sub000/internal/relay"
	"github.com/cashubtc/eNuts-sub000/internal/types"
	"github.com/cashubtc/eNuts-sub000/internal/util"
)

// UserState is the user's own metadata after BootstrapUser.
// A nil field means nothing was found, in the cache or on any relay.
type UserState struct {
	PubKey    string
	Profile   *types.ProfileRecord
	Contacts  *types.ContactList
	RelayList *types.RelayListing
	// FromCache is set when all three records were cached and no relay was asked
	FromCache bool
}

// BootstrapUser loads the profile, contact list and relay list of identity
// and makes it the user whose contacts form the backlog. identity may be hex,
// npub or nprofile; nprofile relay hints are queried too.
//
// When all three records are cached and live, no network request is made.
// Otherwise one subscription over kinds 0, 3 and 10002 runs until
// end-of-stream or the bootstrap timeout, and the merged records are cached.
// Concurrent calls for the same identity share one flight.
func (s *Syncer) BootstrapUser(ctx context.Context, identity string) (*UserState, error) {
	id, err := nostr.ParseIdentity(identity)
	if err != nil {
		return nil, fmt.Errorf("bootstrap %q: %w", identity, err)
	}
	s.setUser(id.PubKey, id.RelayHints)

	v, err, shared := s.flights.Do(id.PubKey, func() (interface{}, error) {
		return s.bootstrap(ctx, id)
	})
	if shared {
		s.logger.Debug("singleflight: shared bootstrap", "pubkey", nostr.ShortID(id.PubKey))
	}
	if err != nil {
		return nil, err
	}
	return v.(*UserState), nil
}

func (s *Syncer) bootstrap(ctx context.Context, id nostr.Identity) (*UserState, error) {
	pk := id.PubKey
	logger := s.logger.With("pubkey", nostr.ShortID(pk))

	profile, hasProfile := s.cachedProfile(ctx, pk)
	contacts, hasContacts := s.cachedContacts(ctx, pk)
	relayList, hasRelayList := s.cachedRelayList(ctx, pk)

	if hasProfile {
		s.store.AddProfile(profile)
	}
	if hasContacts {
		s.store.AddContacts(contacts)
	}
	if hasRelayList {
		s.store.AddRelayList(relayList)
	}

	if hasProfile && hasContacts && hasRelayList {
		s.counters.IncrementCacheHit()
		logger.Debug("bootstrap served from cache", "contacts", len(contacts.Members))
		state := s.userState(pk)
		state.FromCache = true
		s.emitUser(state, true, true, true)
		return state, nil
	}
	s.counters.IncrementCacheMiss()

	relays := s.bootstrapRelays(pk)
	var mu sync.Mutex
	var gotProfile, gotContacts, gotRelayList bool

	h := relay.Handler{
		OnEvent: func(evt types.Event) {
			if evt.PubKey != pk {
				return
			}
			accepted, kind := s.mergeUserEvent(evt)
			if !accepted {
				return
			}
			mu.Lock()
			switch kind {
			case types.KindProfileMetadata:
				gotProfile = true
			case types.KindContactList:
				gotContacts = true
			case types.KindRelayList:
				gotRelayList = true
			}
			mu.Unlock()
		},
	}

	sub, err := s.pool.Subscribe(ctx, types.SubscriptionRequest{
		Identities: []string{pk},
		Kinds:      []int{types.KindProfileMetadata, types.KindContactList, types.KindRelayList},
		RelayURLs:  relays,
		Timeout:    s.cfg.Sync.BootstrapTimeout,
	}, h)
	if err != nil {
		return nil, fmt.Errorf("bootstrap %s: %w", nostr.ShortID(pk), err)
	}
	<-sub.Done()
	reason := sub.Reason()

	mu.Lock()
	changedProfile, changedContacts, changedRelayList := gotProfile, gotContacts, gotRelayList
	mu.Unlock()

	// records not served live from the cache are rewritten even when the
	// relays only echoed events the store already held
	state := s.userState(pk)
	s.persistUser(ctx, state, !hasProfile || changedProfile, !hasContacts || changedContacts, !hasRelayList || changedRelayList)
	s.emitUser(state, changedProfile, changedContacts, changedRelayList)

	logger.Info("bootstrap complete",
		"relays", len(relays),
		"reason", reason.String(),
		"profile", state.Profile != nil,
		"contacts", state.Contacts != nil,
		"relay_list", state.RelayList != nil)

	if reason == relay.EndCancelled && ctx.Err() != nil {
		return state, ctx.Err()
	}
	return state, nil
}

// mergeUserEvent parses and merges one event of the user. Malformed events are dropped.
func (s *Syncer) mergeUserEvent(evt types.Event) (bool, int) {
	var accepted bool
	var err error
	switch evt.Kind {
	case types.KindProfileMetadata:
		var rec types.ProfileRecord
		if rec, err = nostr.ParseProfile(evt); err == nil {
			accepted = s.store.AddProfile(rec)
		}
	case types.KindContactList:
		var list types.ContactList
		if list, err = nostr.ParseContactList(evt); err == nil {
			accepted = s.store.AddContacts(list)
		}
	case types.KindRelayList:
		var rl types.RelayListing
		if rl, err = nostr.ParseRelayList(evt); err == nil {
			accepted = s.store.AddRelayList(rl)
		}
	default:
		return false, evt.Kind
	}
	if err != nil {
		s.counters.IncrementParseFailure()
		s.logger.Debug("discarding user event", "kind", evt.Kind, "id", nostr.ShortID(evt.ID), "error", err)
	}
	return accepted, evt.Kind
}

func (s *Syncer) userState(pk string) *UserState {
	state := &UserState{PubKey: pk}
	if rec, ok := s.store.Profile(pk); ok {
		state.Profile = &rec
	}
	if list, ok := s.store.Contacts(pk); ok {
		state.Contacts = &list
	}
	if rl, ok := s.store.RelayList(pk); ok {
		state.RelayList = &rl
	}
	return state
}

func (s *Syncer) emitUser(state *UserState, profile, contacts, relayList bool) {
	if profile && state.Profile != nil {
		s.emitter.Emit(events.Notification{Kind: events.UserMetadataUpdated, User: state.Profile})
	}
	if contacts && state.Contacts != nil {
		s.emitter.Emit(events.Notification{Kind: events.ContactsUpdated, Contacts: state.Contacts})
	}
	if relayList && state.RelayList != nil {
		s.emitter.Emit(events.Notification{Kind: events.RelayListUpdated, RelayList: state.RelayList})
	}
}

// persistUser writes the selected records; cache failures are logged and ignored
func (s *Syncer) persistUser(ctx context.Context, state *UserState, profile, contacts, relayList bool) {
	if profile && state.Profile != nil {
		if err := s.profiles.Set(ctx, state.PubKey, *state.Profile); err != nil {
			s.logger.Warn("failed to cache user profile", "error", err)
		}
	}
	if contacts && state.Contacts != nil {
		if err := s.contacts.Set(ctx, state.PubKey, *state.Contacts); err != nil {
			s.logger.Warn("failed to cache contact list", "error", err)
		}
	}
	if relayList && state.RelayList != nil {
		if err := s.relayLists.Set(ctx, state.PubKey, *state.RelayList); err != nil {
			s.logger.Warn("failed to cache relay list", "error", err)
		}
	}
}

func (s *Syncer) cachedProfile(ctx context.Context, pk string) (types.ProfileRecord, bool) {
	rec, ok, err := s.profiles.Get(ctx, pk)
	if err != nil {
		s.logger.Warn("profile cache read failed", "pubkey", nostr.ShortID(pk), "error", err)
	}
	return rec, ok
}

func (s *Syncer) cachedContacts(ctx context.Context, pk string) (types.ContactList, bool) {
	list, ok, err := s.contacts.Get(ctx, pk)
	if err != nil {
		s.logger.Warn("contact cache read failed", "pubkey", nostr.ShortID(pk), "error", err)
	}
	return list, ok
}

func (s *Syncer) cachedRelayList(ctx context.Context, pk string) (types.RelayListing, bool) {
	rl, ok, err := s.relayLists.Get(ctx, pk)
	if err != nil {
		s.logger.Warn("relay list cache read failed", "pubkey", nostr.ShortID(pk), "error", err)
	}
	return rl, ok
}

// bootstrapRelays are the identity's hints, its known write relays (where
// it publishes), then the configured defaults
func (s *Syncer) bootstrapRelays(pk string) []string {
	s.mu.RLock()
	hints := s.userHints
	s.mu.RUnlock()

	var write []string
	if rl, ok := s.store.RelayList(pk); ok {
		write = rl.Write
	}
	return util.LimitSlice(mergeRelays(hints, write, s.cfg.Relays.DefaultRelays), s.relayCap())
}

func (s *Syncer) relayCap() int {
	return s.cfg.Sync.MaxRelaysPerRequest
}

// mergeRelays normalizes and concatenates relay lists, dropping duplicates
func mergeRelays(lists ...[]string) []string {
	normalized := make([][]string, len(lists))
	for i, list := range lists {
		for _, u := range list {
			if n := nostr.NormalizeRelayURL(u); n != "" {
				normalized[i] = append(normalized[i], n)
			}
		}
	}
	return util.MergeUnique(normalized...)
}
