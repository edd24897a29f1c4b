package profilesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cashubtc/eNuts-sub000/internal/nips"
	"github.com/cashubtc/eNuts-sub000/internal/relay/relaytest"
	"github.com/cashubtc/eNuts-sub000/internal/types"
)

func TestResolve(t *testing.T) {
	r := relaytest.New(t)
	s, _ := newTestSyncer(t, testConfig(r.URL()))
	ctx := context.Background()

	inMemory, cached, remote := newPubKey(t), newPubKey(t), newPubKey(t)
	s.store.AddProfile(types.ProfileRecord{PubKey: inMemory, CreatedAt: 1, Content: types.ProfileContent{Name: "memory"}})
	if err := s.profiles.Set(ctx, cached, types.ProfileRecord{PubKey: cached, CreatedAt: 1, Content: types.ProfileContent{Name: "cache"}}); err != nil {
		t.Fatal(err)
	}
	r.Publish(relaytest.NewEvent(remote, types.KindProfileMetadata, 100, `{"name":"remote","lud16":"remote@wallet.example"}`, nil))

	rec, err := s.Resolve(ctx, inMemory)
	if err != nil || rec.Content.Name != "memory" {
		t.Errorf("in-memory resolve: %+v, %v", rec, err)
	}
	rec, err = s.Resolve(ctx, cached)
	if err != nil || rec.Content.Name != "cache" {
		t.Errorf("cached resolve: %+v, %v", rec, err)
	}
	if r.ReqCount() != 0 {
		t.Fatalf("memory and cache hits must not reach relays, got %d REQs", r.ReqCount())
	}

	npub, err := nips.EncodeNPub(remote)
	if err != nil {
		t.Fatal(err)
	}
	rec, err = s.Resolve(ctx, npub)
	if err != nil {
		t.Fatalf("network resolve failed: %v", err)
	}
	if rec.Content.PaymentAddress != "remote@wallet.example" {
		t.Errorf("expected the payment address, got %+v", rec.Content)
	}
	if _, ok := s.cachedProfile(ctx, remote); !ok {
		t.Error("resolved profile should be cached")
	}
}

func TestResolveNotFound(t *testing.T) {
	r := relaytest.New(t)
	s, _ := newTestSyncer(t, testConfig(r.URL()))

	if _, err := s.Resolve(context.Background(), newPubKey(t)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Resolve(context.Background(), "bob"); !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestSearch(t *testing.T) {
	r := relaytest.New(t)
	s, _ := newTestSyncer(t, testConfig(r.URL()))
	satoshi, alice := newPubKey(t), newPubKey(t)
	r.Publish(
		relaytest.ProfileEvent(satoshi, 100, "Satoshi"),
		relaytest.ProfileEvent(satoshi, 200, "Satoshi N"),
		relaytest.ProfileEvent(alice, 100, "alice"),
	)

	results, err := s.Search(context.Background(), "  satoshi ", 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].PubKey != satoshi {
		t.Fatalf("expected one result for satoshi, got %+v", results)
	}
	if results[0].CreatedAt != 200 {
		t.Errorf("expected the newest profile, got created_at %d", results[0].CreatedAt)
	}
	if s.store.Has(satoshi) {
		t.Error("search results must not enter the store")
	}
	if _, ok := s.cachedProfile(context.Background(), satoshi); ok {
		t.Error("search results must not be cached")
	}

	reqs := r.Requests()
	if len(reqs) != 1 || reqs[0].Search != "satoshi" || reqs[0].Limit != DefaultSearchLimit {
		t.Errorf("unexpected search REQ %+v", reqs)
	}

	if _, err := s.Search(context.Background(), "   ", 5); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestResolveWaitsForPendingBatch(t *testing.T) {
	r := relaytest.New(t)
	s, _ := newTestSyncer(t, testConfig(r.URL()))
	pk := newPubKey(t)
	s.dedup.MarkPending(pk)

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.store.AddProfile(types.ProfileRecord{PubKey: pk, CreatedAt: 1, Content: types.ProfileContent{Name: "in flight"}})
		s.dedup.MarkFulfilled(pk)
	}()

	rec, err := s.Resolve(context.Background(), pk)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if rec.Content.Name != "in flight" {
		t.Errorf("expected the profile of the running batch, got %+v", rec.Content)
	}
	if got := r.ReqCount(); got != 0 {
		t.Errorf("resolve should reuse the running batch, relay saw %d REQs", got)
	}
}

func TestResolveAfterPendingBatchFails(t *testing.T) {
	r := relaytest.New(t)
	s, _ := newTestSyncer(t, testConfig(r.URL()))
	pk := newPubKey(t)
	r.Publish(relaytest.ProfileEvent(pk, 100, "retried"))
	s.dedup.MarkPending(pk)

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.dedup.FailPending([]string{pk})
	}()

	rec, err := s.Resolve(context.Background(), pk)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if rec.Content.Name != "retried" {
		t.Errorf("expected a fresh request after the batch failed, got %+v", rec.Content)
	}
}
