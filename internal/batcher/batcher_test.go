package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cashubtc/eNuts-sub000/internal/events"
	"github.com/cashubtc/eNuts-sub000/internal/metrics"
	"github.com/cashubtc/eNuts-sub000/internal/relay"
	"github.com/cashubtc/eNuts-sub000/internal/relay/relaytest"
	"github.com/cashubtc/eNuts-sub000/internal/store"
	"github.com/cashubtc/eNuts-sub000/internal/types"
)

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%064x", i+1)
	}
	return out
}

type harness struct {
	relay    *relaytest.Relay
	pool     *relay.Pool
	store    *store.Store
	dedup    *store.DedupIndex
	emitter  *events.Emitter
	counters *metrics.Counters
	batcher  *Batcher

	mu    sync.Mutex
	notes []events.Notification
}

func newHarness(t *testing.T, cfg Config, maxFailures int) *harness {
	t.Helper()
	h := &harness{
		relay:    relaytest.New(t),
		store:    store.New(nil),
		dedup:    store.NewDedupIndex(maxFailures),
		emitter:  events.NewEmitter(),
		counters: metrics.New(),
	}
	h.pool = relay.NewPool(relay.Config{
		MaxSubscriptions: 2,
		PollInterval:     5 * time.Millisecond,
		MaxAttempts:      2,
		BaseDelay:        time.Millisecond,
		MaxDelay:         2 * time.Millisecond,
		DialTimeout:      time.Second,
	}, relay.WithCounters(h.counters))
	t.Cleanup(func() { h.pool.Close() })

	h.emitter.Subscribe(events.ObserverFunc(func(n events.Notification) {
		h.mu.Lock()
		h.notes = append(h.notes, n)
		h.mu.Unlock()
	}))
	h.batcher = New(cfg, h.pool, h.store, h.dedup, h.emitter, h.counters, nil)
	return h
}

func (h *harness) notifications(kind events.Kind) []events.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []events.Notification
	for _, n := range h.notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func (h *harness) opts() RunOptions {
	return RunOptions{Relays: []string{h.relay.URL()}}
}

func TestRunDispatchesOneSubscriptionPerChunk(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 3, BatchTimeout: 5 * time.Second}, 0)
	all := ids(7)
	for _, id := range all[:4] {
		h.relay.Publish(relaytest.ProfileEvent(id, 100, "user"))
	}

	summary, err := h.batcher.Run(context.Background(), all, h.opts())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := h.relay.ReqCount(); got != 3 {
		t.Errorf("expected ceil(7/3) = 3 REQs, got %d", got)
	}
	if summary.Batches != 3 || summary.Requested != 7 || summary.Dispatched != 7 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if summary.Resolved != 4 || summary.Failed != 3 {
		t.Errorf("expected 4 resolved and 3 failed, got %+v", summary)
	}

	for _, rq := range h.relay.Requests() {
		if len(rq.Authors) > 3 {
			t.Errorf("REQ carried %d authors, chunk size is 3", len(rq.Authors))
		}
		if len(rq.Kinds) != 1 || rq.Kinds[0] != types.KindProfileMetadata {
			t.Errorf("expected kind 0 filter, got %v", rq.Kinds)
		}
	}
	if h.dedup.PendingCount() != 0 {
		t.Errorf("no identity should stay pending, got %d", h.dedup.PendingCount())
	}
}

func TestRunChunkCountLargeBacklog(t *testing.T) {
	h := newHarness(t, Config{BatchTimeout: 5 * time.Second}, 0)

	summary, err := h.batcher.Run(context.Background(), ids(1200), h.opts())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := h.relay.ReqCount(); got != 3 {
		t.Errorf("expected 3 REQs for 1200 identities, got %d", got)
	}
	if summary.Batches != 3 {
		t.Errorf("expected 3 batches, got %d", summary.Batches)
	}
}

func TestRunSkipsKnownAndPending(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 10, BatchTimeout: 5 * time.Second}, 0)
	all := ids(4)
	h.store.AddProfile(types.ProfileRecord{PubKey: all[0], CreatedAt: 1})
	h.dedup.MarkPending(all[1])

	if _, err := h.batcher.Run(context.Background(), append(all, all[2]), h.opts()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	reqs := h.relay.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 REQ, got %d", len(reqs))
	}
	if len(reqs[0].Authors) != 2 || reqs[0].Authors[0] != all[2] || reqs[0].Authors[1] != all[3] {
		t.Errorf("expected authors %v, got %v", all[2:], reqs[0].Authors)
	}
}

func TestRunRecordsFailuresUntilCeiling(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 10, BatchTimeout: 5 * time.Second}, 2)
	missing := ids(2)

	for i := 1; i <= 2; i++ {
		summary, err := h.batcher.Run(context.Background(), missing, h.opts())
		if err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		if summary.Failed != 2 {
			t.Errorf("run %d: expected 2 failures, got %d", i, summary.Failed)
		}
		if got := h.dedup.Failures(missing[0]); got != i {
			t.Errorf("run %d: expected failure counter %d, got %d", i, i, got)
		}
	}
	if !h.dedup.Exhausted(missing[0]) {
		t.Fatal("identity should be exhausted after 2 failures")
	}
	if got := h.counters.IdentityFailures.Load(); got != 4 {
		t.Errorf("expected 4 identity failures counted, got %d", got)
	}

	summary, _ := h.batcher.Run(context.Background(), missing, h.opts())
	if summary.Dispatched != 0 || h.relay.ReqCount() != 2 {
		t.Errorf("exhausted identities must not be dispatched: %+v, %d REQs", summary, h.relay.ReqCount())
	}

	opts := h.opts()
	opts.Override = true
	summary, _ = h.batcher.Run(context.Background(), missing, opts)
	if summary.Dispatched != 2 {
		t.Errorf("override should dispatch exhausted identities, got %+v", summary)
	}
}

func TestEmitOnBatchEnd(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 10, BatchTimeout: 5 * time.Second}, 0)
	all := ids(3)
	for _, id := range all {
		h.relay.Publish(relaytest.ProfileEvent(id, 100, "user"))
	}

	if _, err := h.batcher.Run(context.Background(), all, h.opts()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	updates := h.notifications(events.ProfileUpdated)
	if len(updates) != 1 {
		t.Fatalf("expected 1 ProfileUpdated, got %d", len(updates))
	}
	if len(updates[0].Profiles) != 3 {
		t.Errorf("expected 3 profiles in the batch notification, got %d", len(updates[0].Profiles))
	}
	completed := h.notifications(events.BatchCompleted)
	if len(completed) != 1 || completed[0].Batch.Resolved != 3 || completed[0].Batch.TimedOut {
		t.Errorf("unexpected BatchCompleted: %+v", completed)
	}
}

func TestEmitImmediate(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 10, BatchTimeout: 5 * time.Second}, 0)
	all := ids(3)
	for _, id := range all {
		h.relay.Publish(relaytest.ProfileEvent(id, 100, "user"))
	}

	opts := h.opts()
	opts.Mode = EmitImmediate
	if _, err := h.batcher.Run(context.Background(), all, opts); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	updates := h.notifications(events.ProfileUpdated)
	if len(updates) != 3 {
		t.Fatalf("expected 3 ProfileUpdated, got %d", len(updates))
	}
	for _, n := range updates {
		if len(n.Profiles) != 1 {
			t.Errorf("immediate notification should carry one profile, got %d", len(n.Profiles))
		}
	}
}

func TestRunDiscardsMalformedProfiles(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 10, BatchTimeout: 5 * time.Second}, 0)
	all := ids(2)
	h.relay.Publish(
		relaytest.NewEvent(all[0], types.KindProfileMetadata, 100, "{not json", nil),
		relaytest.ProfileEvent(all[1], 100, "ok"),
	)

	summary, err := h.batcher.Run(context.Background(), all, h.opts())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Resolved != 1 {
		t.Errorf("expected 1 resolved, got %d", summary.Resolved)
	}
	if h.store.Has(all[0]) {
		t.Error("malformed profile must not be stored")
	}
	if got := h.counters.ParseFailures.Load(); got != 1 {
		t.Errorf("expected 1 parse failure, got %d", got)
	}
}

func TestRunTimeoutMarksPendingFailed(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 10, BatchTimeout: 200 * time.Millisecond}, 0)
	h.relay.SetWithholdEOSE(true)
	all := ids(3)
	h.relay.Publish(relaytest.ProfileEvent(all[0], 100, "user"))

	start := time.Now()
	summary, err := h.batcher.Run(context.Background(), all, h.opts())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("run blocked for %s", elapsed)
	}
	if summary.Resolved != 1 || summary.Failed != 2 {
		t.Errorf("expected 1 resolved and 2 failed, got %+v", summary)
	}
	if h.dedup.Failures(all[1]) != 1 || h.dedup.Failures(all[0]) != 0 {
		t.Errorf("unexpected failure counters %d, %d", h.dedup.Failures(all[0]), h.dedup.Failures(all[1]))
	}

	completed := h.notifications(events.BatchCompleted)
	if len(completed) != 1 || !completed[0].Batch.TimedOut || len(completed[0].Batch.Failed) != 2 {
		t.Errorf("expected a timed out batch with 2 failures, got %+v", completed)
	}
}

func TestRunDeadline(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 10, BatchTimeout: time.Minute}, 0)
	h.relay.SetWithholdEOSE(true)
	all := ids(2)

	opts := h.opts()
	opts.Deadline = time.Now().Add(150 * time.Millisecond)
	summary, err := h.batcher.Run(context.Background(), all, opts)
	if err != nil {
		t.Fatalf("deadline must not surface as an error: %v", err)
	}
	if summary.Failed != 2 || h.dedup.Failures(all[0]) != 1 {
		t.Errorf("deadline should fail pending identities: %+v", summary)
	}
}

func TestRunCancelledDoesNotCountFailures(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 10, BatchTimeout: time.Minute}, 0)
	h.relay.SetWithholdEOSE(true)
	all := ids(2)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := h.batcher.Run(ctx, all, h.opts())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.dedup.Failures(all[0]) != 0 || h.dedup.PendingCount() != 0 {
		t.Errorf("cancellation should clear pending without failures: failures=%d pending=%d",
			h.dedup.Failures(all[0]), h.dedup.PendingCount())
	}
}

func TestPersistReceivesAcceptedProfiles(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 2, BatchTimeout: 5 * time.Second}, 0)
	all := ids(3)
	for _, id := range all {
		h.relay.Publish(relaytest.ProfileEvent(id, 100, "user"))
	}

	var mu sync.Mutex
	persisted := make(map[string]bool)
	opts := h.opts()
	opts.Persist = func(_ context.Context, profiles []types.ProfileRecord) {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range profiles {
			persisted[p.PubKey] = true
		}
	}
	if _, err := h.batcher.Run(context.Background(), all, opts); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(persisted) != 3 {
		t.Errorf("expected 3 persisted profiles, got %d", len(persisted))
	}
}

type failingSubscriber struct{}

func (failingSubscriber) Subscribe(context.Context, types.SubscriptionRequest, relay.Handler) (*relay.Subscription, error) {
	return nil, relay.ErrNoRelays
}

func TestSubscribeErrorEmitsBatchFailed(t *testing.T) {
	emitter := events.NewEmitter()
	var failed []events.Notification
	emitter.Subscribe(events.ObserverFunc(func(n events.Notification) {
		if n.Kind == events.BatchFailed {
			failed = append(failed, n)
		}
	}))
	dedup := store.NewDedupIndex(0)
	b := New(Config{ChunkSize: 2}, failingSubscriber{}, store.New(nil), dedup, emitter, nil, nil)

	summary, err := b.Run(context.Background(), ids(3), RunOptions{})
	if !errors.Is(err, relay.ErrNoRelays) {
		t.Fatalf("expected ErrNoRelays, got %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("expected 2 BatchFailed notifications, got %d", len(failed))
	}
	if summary.Batches != 0 || dedup.PendingCount() != 0 {
		t.Errorf("failed dispatch must leave nothing pending: %+v", summary)
	}
}

// claimingSubscriber marks claim pending before subscribing, as a
// concurrent run would between selection and dispatch
type claimingSubscriber struct {
	next  Subscriber
	dedup *store.DedupIndex
	claim string
}

func (s claimingSubscriber) Subscribe(ctx context.Context, req types.SubscriptionRequest, h relay.Handler) (*relay.Subscription, error) {
	s.dedup.MarkPending(s.claim)
	return s.next.Subscribe(ctx, req, h)
}

func TestRunLeavesOtherChunksPendingAlone(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 10, BatchTimeout: 5 * time.Second}, 0)
	all := ids(3)
	h.relay.Publish(relaytest.ProfileEvent(all[0], 100, "user"))

	sub := claimingSubscriber{next: h.pool, dedup: h.dedup, claim: all[1]}
	b := New(Config{ChunkSize: 10, BatchTimeout: 5 * time.Second}, sub, h.store, h.dedup, h.emitter, h.counters, nil)

	if _, err := b.Run(context.Background(), all, h.opts()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st := h.dedup.State(all[1]); st != store.Pending {
		t.Errorf("identity in flight elsewhere: state = %s, want pending", st)
	}
	if n := h.dedup.Failures(all[1]); n != 0 {
		t.Errorf("identity in flight elsewhere: failures = %d, want 0", n)
	}
	if n := h.dedup.Failures(all[2]); n != 1 {
		t.Errorf("unresolved identity: failures = %d, want 1", n)
	}

	completed := h.notifications(events.BatchCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected 1 BatchCompleted, got %d", len(completed))
	}
	if failed := completed[0].Batch.Failed; len(failed) != 1 || failed[0] != all[2] {
		t.Errorf("BatchCompleted.Failed = %v, want only %s", failed, all[2][:8])
	}
}

func TestStreamYieldsProfiles(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 2, BatchTimeout: 5 * time.Second}, 0)
	all := ids(5)
	for _, id := range all {
		h.relay.Publish(relaytest.ProfileEvent(id, 100, "user"))
	}

	got := make(map[string]bool)
	for rec := range h.batcher.Stream(context.Background(), all, h.opts()) {
		got[rec.PubKey] = true
	}
	if len(got) != 5 {
		t.Errorf("expected 5 streamed profiles, got %d", len(got))
	}

	// the profiles are stored now, so a second pass has nothing to fetch
	n := 0
	for range h.batcher.Stream(context.Background(), all, h.opts()) {
		n++
	}
	if n != 0 {
		t.Errorf("expected an empty second pass, got %d", n)
	}
}

func TestStreamBreakCancels(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 10, BatchTimeout: time.Minute}, 0)
	h.relay.SetWithholdEOSE(true)
	all := ids(3)
	for _, id := range all {
		h.relay.Publish(relaytest.ProfileEvent(id, 100, "user"))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range h.batcher.Stream(context.Background(), all, h.opts()) {
			break
		}
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("breaking out of the stream did not return")
	}
	if h.pool.ActiveCount() != 0 {
		t.Errorf("expected no active subscription after break, got %d", h.pool.ActiveCount())
	}
}

func TestStreamBreakBeforeDeadlineCancels(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 10, BatchTimeout: time.Minute}, 0)
	h.relay.SetWithholdEOSE(true)
	all := ids(3)
	h.relay.Publish(relaytest.ProfileEvent(all[0], 100, "user"))

	opts := h.opts()
	opts.Deadline = time.Now().Add(time.Minute)
	for range h.batcher.Stream(context.Background(), all, opts) {
		break
	}

	if h.pool.ActiveCount() != 0 {
		t.Errorf("expected no active subscription after break, got %d", h.pool.ActiveCount())
	}
	if n := h.dedup.PendingCount(); n != 0 {
		t.Errorf("break should clear pending identities, got %d", n)
	}
	for _, id := range all[1:] {
		if f := h.dedup.Failures(id); f != 0 {
			t.Errorf("break is a cancellation, not a failure: %s has %d failures", id[:8], f)
		}
	}
}

func TestStreamDeadline(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 10, BatchTimeout: time.Minute}, 0)
	h.relay.SetWithholdEOSE(true)

	opts := h.opts()
	opts.Deadline = time.Now().Add(150 * time.Millisecond)
	start := time.Now()
	for range h.batcher.Stream(context.Background(), ids(2), opts) {
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("stream ignored its deadline, ran %s", elapsed)
	}
}
