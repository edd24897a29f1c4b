package store

import "sync"

// DefaultMaxFailures is the failure count at which an identity leaves automatic backlog selection
const DefaultMaxFailures = 25

// State is the request state of one identity
type State int

const (
	Unrequested State = iota
	Pending
	Fulfilled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	default:
		return "unrequested"
	}
}

// DedupIndex tracks which identities are in flight, resolved, or repeatedly failing
type DedupIndex struct {
	mu          sync.Mutex
	pending     map[string]struct{}
	fulfilled   map[string]struct{}
	failures    map[string]int
	maxFailures int
}

// NewDedupIndex creates an index; maxFailures <= 0 uses DefaultMaxFailures
func NewDedupIndex(maxFailures int) *DedupIndex {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &DedupIndex{
		pending:     make(map[string]struct{}),
		fulfilled:   make(map[string]struct{}),
		failures:    make(map[string]int),
		maxFailures: maxFailures,
	}
}

// MaxFailures returns the configured ceiling
func (d *DedupIndex) MaxFailures() int {
	return d.maxFailures
}

func (d *DedupIndex) State(id string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked(id)
}

func (d *DedupIndex) stateLocked(id string) State {
	if _, ok := d.fulfilled[id]; ok {
		return Fulfilled
	}
	if _, ok := d.pending[id]; ok {
		return Pending
	}
	return Unrequested
}

// MarkPending moves id to pending. It returns false if id is already pending.
// A fulfilled identity may be requested again (explicit refresh).
func (d *DedupIndex) MarkPending(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[id]; ok {
		return false
	}
	delete(d.fulfilled, id)
	d.pending[id] = struct{}{}
	return true
}

// MarkFulfilled records the first accepted event of id and reports whether id was pending
func (d *DedupIndex) MarkFulfilled(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, wasPending := d.pending[id]
	delete(d.pending, id)
	d.fulfilled[id] = struct{}{}
	delete(d.failures, id)
	return wasPending
}

// ClearPending drops the pending mark of id and reports whether it was set
func (d *DedupIndex) ClearPending(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[id]
	delete(d.pending, id)
	return ok
}

// FailPending clears the pending mark of every id still pending and
// increments its failure counter. It returns the ids that failed.
func (d *DedupIndex) FailPending(ids []string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var failed []string
	for _, id := range ids {
		if _, ok := d.pending[id]; !ok {
			continue
		}
		delete(d.pending, id)
		d.failures[id]++
		failed = append(failed, id)
	}
	return failed
}

// RecordFailure increments and returns the failure counter of id
func (d *DedupIndex) RecordFailure(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[id]++
	return d.failures[id]
}

func (d *DedupIndex) Failures(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures[id]
}

// Exhausted reports whether id reached the failure ceiling
func (d *DedupIndex) Exhausted(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures[id] >= d.maxFailures
}

// ExhaustedCount returns how many identities reached the ceiling
func (d *DedupIndex) ExhaustedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, f := range d.failures {
		if f >= d.maxFailures {
			n++
		}
	}
	return n
}

func (d *DedupIndex) ResetFailures(id string) {
	d.mu.Lock()
	delete(d.failures, id)
	d.mu.Unlock()
}

func (d *DedupIndex) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Reset forgets all request state
func (d *DedupIndex) Reset() {
	d.mu.Lock()
	d.pending = make(map[string]struct{})
	d.fulfilled = make(map[string]struct{})
	d.failures = make(map[string]int)
	d.mu.Unlock()
}
