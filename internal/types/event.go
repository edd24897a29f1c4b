// Package types provides shared type definitions used across internal packages.
package types

import "time"

// Event kinds consumed by the sync engine
const (
	KindProfileMetadata = 0     // NIP-01 profile metadata
	KindContactList     = 3     // NIP-02 follow list
	KindRelayList       = 10002 // NIP-65 relay list metadata
)

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID         string     `json:"id"`
	PubKey     string     `json:"pubkey"`
	CreatedAt  int64      `json:"created_at"`
	Kind       int        `json:"kind"`
	Tags       [][]string `json:"tags"`
	Content    string     `json:"content"`
	Sig        string     `json:"sig"`
	RelaysSeen []string   `json:"-"`
}

// Filter represents a Nostr subscription filter (NIP-01)
type Filter struct {
	Authors []string
	Kinds   []int
	Limit   int
	Search  string // NIP-50 search query
}

// Map renders the filter as the REQ filter object
func (f Filter) Map() map[string]interface{} {
	m := make(map[string]interface{})
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	if f.Search != "" {
		m["search"] = f.Search
	}
	return m
}

// SubscriptionRequest describes one dispatched subscription.
// Deadline is absolute; Timeout is measured from the moment the pool admits
// the subscription. With neither set it only ends on end-of-stream or cancellation.
type SubscriptionRequest struct {
	Identities []string
	Kinds      []int
	RelayURLs  []string
	Search     string
	Limit      int
	Deadline   time.Time
	Timeout    time.Duration
}

// Filter builds the wire filter for the request
func (r SubscriptionRequest) Filter() Filter {
	return Filter{
		Authors: r.Identities,
		Kinds:   r.Kinds,
		Limit:   r.Limit,
		Search:  r.Search,
	}
}

// NostrMessage represents a raw Nostr protocol message
type NostrMessage []interface{}
