// Package events carries sync notifications from the engine to its consumers
// through one typed observer interface.
package events

import (
	"slices"
	"sync"

	"github.com/cashubtc/eNuts-sub000/internal/types"
)

// Kind names a notification variant
type Kind int

const (
	// ProfileUpdated carries accepted contact profiles
	ProfileUpdated Kind = iota
	// ContactsUpdated carries the user's new contact list
	ContactsUpdated
	// UserMetadataUpdated carries the user's own profile
	UserMetadataUpdated
	// RelayListUpdated carries the user's relay list
	RelayListUpdated
	// BatchCompleted fires when a batch reached end-of-stream or its deadline
	BatchCompleted
	// BatchFailed fires when a batch could not be dispatched
	BatchFailed
	// RelayFailed fires when a relay is marked permanently failed
	RelayFailed
)

func (k Kind) String() string {
	switch k {
	case ProfileUpdated:
		return "profile_updated"
	case ContactsUpdated:
		return "contacts_updated"
	case UserMetadataUpdated:
		return "user_metadata_updated"
	case RelayListUpdated:
		return "relay_list_updated"
	case BatchCompleted:
		return "batch_completed"
	case BatchFailed:
		return "batch_failed"
	case RelayFailed:
		return "relay_failed"
	default:
		return "unknown"
	}
}

// BatchResult summarizes one dispatched chunk
type BatchResult struct {
	SubscriptionID string
	Requested      int
	Resolved       int
	Failed         []string
	TimedOut       bool
}

// Notification is one event delivered to observers. Only the fields of its Kind are set.
type Notification struct {
	Kind      Kind
	Profiles  []types.ProfileRecord
	Contacts  *types.ContactList
	User      *types.ProfileRecord
	RelayList *types.RelayListing
	Batch     *BatchResult
	Relay     string
	Err       error
}

// Observer receives notifications. Notify may be called from several
// goroutines and must not block for long.
type Observer interface {
	Notify(Notification)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Notification)

func (f ObserverFunc) Notify(n Notification) { f(n) }

// Emitter fans notifications out to registered observers
type Emitter struct {
	mu        sync.RWMutex
	nextID    int
	observers map[int]Observer
}

func NewEmitter() *Emitter {
	return &Emitter{observers: make(map[int]Observer)}
}

// Subscribe registers o and returns a function that removes it
func (e *Emitter) Subscribe(o Observer) (cancel func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.observers[id] = o
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.observers, id)
			e.mu.Unlock()
		})
	}
}

// Emit delivers n to every observer in registration order
func (e *Emitter) Emit(n Notification) {
	if e == nil {
		return
	}
	e.mu.RLock()
	ids := make([]int, 0, len(e.observers))
	for id := range e.observers {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	slices.Sort(ids)

	for _, id := range ids {
		e.mu.RLock()
		o, ok := e.observers[id]
		e.mu.RUnlock()
		if ok {
			o.Notify(n)
		}
	}
}

// Len returns the number of observers
func (e *Emitter) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.observers)
}
