// Package store holds the merged in-memory state of profiles, contact lists
// and relay lists, and the per-identity request state of the backlog.
//
// Every Add follows one rule: an event id is merged at most once, and a record
// replaces the stored one only when its CreatedAt is strictly greater. The rule
// makes merges idempotent and independent of arrival order.
package store

import (
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/cashubtc/eNuts-sub000/internal/metrics"
	"github.com/cashubtc/eNuts-sub000/internal/types"
)

// Store is safe for concurrent use by subscription dispatchers
type Store struct {
	mu         sync.RWMutex
	profiles   map[string]types.ProfileRecord
	contacts   map[string]types.ContactList
	relayLists map[string]types.RelayListing

	// seen is shared by all kinds and all relays
	seen *xsync.MapOf[string, struct{}]

	counters *metrics.Counters
}

// New creates an empty store; counters may be nil
func New(counters *metrics.Counters) *Store {
	return &Store{
		profiles:   make(map[string]types.ProfileRecord),
		contacts:   make(map[string]types.ContactList),
		relayLists: make(map[string]types.RelayListing),
		seen:       xsync.NewMapOf[string, struct{}](),
		counters:   counters,
	}
}

// markSeen reports whether eventID is new. Records without an id (built
// locally) skip the check.
func (s *Store) markSeen(eventID string) bool {
	if eventID == "" {
		return true
	}
	if _, loaded := s.seen.LoadOrStore(eventID, struct{}{}); loaded {
		s.counters.IncrementEventDuplicate()
		return false
	}
	return true
}

// SeenEvent reports whether eventID has already been merged or rejected
func (s *Store) SeenEvent(eventID string) bool {
	_, ok := s.seen.Load(eventID)
	return ok
}

// AddProfile merges rec and reports whether it was accepted
func (s *Store) AddProfile(rec types.ProfileRecord) bool {
	if rec.PubKey == "" || !s.markSeen(rec.EventID) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.profiles[rec.PubKey]; ok && rec.CreatedAt <= cur.CreatedAt {
		s.counters.IncrementEventStale()
		return false
	}
	s.profiles[rec.PubKey] = rec
	s.counters.IncrementEventAccepted()
	return true
}

// AddContacts replaces the stored contact list of list.PubKey when list is newer
func (s *Store) AddContacts(list types.ContactList) bool {
	if list.PubKey == "" || !s.markSeen(list.EventID) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.contacts[list.PubKey]; ok && list.CreatedAt <= cur.CreatedAt {
		s.counters.IncrementEventStale()
		return false
	}
	s.contacts[list.PubKey] = list
	s.counters.IncrementEventAccepted()
	return true
}

// AddRelayList replaces the stored relay list of rl.PubKey when rl is newer
func (s *Store) AddRelayList(rl types.RelayListing) bool {
	if rl.PubKey == "" || !s.markSeen(rl.EventID) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.relayLists[rl.PubKey]; ok && rl.CreatedAt <= cur.CreatedAt {
		s.counters.IncrementEventStale()
		return false
	}
	s.relayLists[rl.PubKey] = rl
	s.counters.IncrementEventAccepted()
	return true
}

// Profile returns the stored profile of pubkey
func (s *Store) Profile(pubkey string) (types.ProfileRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.profiles[pubkey]
	return rec, ok
}

// Contacts returns the stored contact list of pubkey
func (s *Store) Contacts(pubkey string) (types.ContactList, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, ok := s.contacts[pubkey]
	return list, ok
}

// RelayList returns the stored relay list of pubkey
func (s *Store) RelayList(pubkey string) (types.RelayListing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rl, ok := s.relayLists[pubkey]
	return rl, ok
}

// Has reports whether a profile is stored for pubkey
func (s *Store) Has(pubkey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.profiles[pubkey]
	return ok
}

// List returns the stored profiles matching pred (nil matches all), ordered by pubkey
func (s *Store) List(pred func(types.ProfileRecord) bool) []types.ProfileRecord {
	s.mu.RLock()
	out := make([]types.ProfileRecord, 0, len(s.profiles))
	for _, rec := range s.profiles {
		if pred == nil || pred(rec) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].PubKey < out[j].PubKey
	})
	return out
}

// Len returns the number of stored profiles
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}

// Clear drops every record and the seen-id set
func (s *Store) Clear() {
	s.mu.Lock()
	s.profiles = make(map[string]types.ProfileRecord)
	s.contacts = make(map[string]types.ContactList)
	s.relayLists = make(map[string]types.RelayListing)
	s.mu.Unlock()
	s.seen.Clear()
}

// Stats is a snapshot of store sizes
type Stats struct {
	Profiles   int
	Contacts   int
	RelayLists int
	SeenEvents int
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Profiles:   len(s.profiles),
		Contacts:   len(s.contacts),
		RelayLists: len(s.relayLists),
		SeenEvents: s.seen.Size(),
	}
}
