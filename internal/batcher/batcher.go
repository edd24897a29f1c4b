// Package batcher resolves large sets of identities to profiles by splitting
// them into bounded chunks and running one relay subscription per chunk.
package batcher

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/cashubtc/eNuts-sub000/internal/events"
	"github.com/cashubtc/eNuts-sub000/internal/metrics"
	"github.com/cashubtc/eNuts-sub000/internal/nostr"
	"github.com/cashubtc/eNuts-sub000/internal/relay"
	"github.com/cashubtc/eNuts-sub000/internal/store"
	"github.com/cashubtc/eNuts-sub000/internal/types"
	"github.com/cashubtc/eNuts-sub000/internal/util"
)

// DefaultChunkSize is the number of authors per REQ; relays commonly reject larger filters
const DefaultChunkSize = 500

// EmitMode selects when ProfileUpdated notifications fire
type EmitMode int

const (
	// EmitOnBatchEnd fires once per chunk with everything it resolved
	EmitOnBatchEnd EmitMode = iota
	// EmitImmediate fires once per accepted event
	EmitImmediate
)

func (m EmitMode) String() string {
	if m == EmitImmediate {
		return "immediate"
	}
	return "batch_end"
}

// Subscriber is the part of relay.Pool the batcher drives
type Subscriber interface {
	Subscribe(ctx context.Context, req types.SubscriptionRequest, h relay.Handler) (*relay.Subscription, error)
}

// Config tunes a Batcher
type Config struct {
	ChunkSize    int           `env:"SYNC_CHUNK_SIZE" envDefault:"500"`
	BatchTimeout time.Duration `env:"SYNC_BATCH_TIMEOUT" envDefault:"10s"`
	StreamBuffer int           `env:"SYNC_STREAM_BUFFER" envDefault:"64"`
}

// RunOptions apply to one Run or Stream call
type RunOptions struct {
	Relays []string
	Mode   EmitMode
	// Override includes identities that reached the failure ceiling
	Override bool
	// Deadline force-terminates the whole run; chunks still open end as timed out
	Deadline time.Time
	// Persist receives the accepted profiles of each chunk at its end
	Persist func(ctx context.Context, profiles []types.ProfileRecord)
}

// Summary reports the outcome of a run
type Summary struct {
	Requested  int // unique identities passed in
	Dispatched int // identities sent to relays
	Resolved   int // identities with an accepted profile
	Failed     int // dispatched identities left unresolved
	Batches    int // subscriptions dispatched
}

// Batcher drives chunks through the pool and merges results into the store
type Batcher struct {
	cfg      Config
	pool     Subscriber
	store    *store.Store
	dedup    *store.DedupIndex
	emitter  *events.Emitter
	counters *metrics.Counters
	logger   *slog.Logger
}

// New creates a batcher. emitter and counters may be nil.
func New(cfg Config, pool Subscriber, st *store.Store, dedup *store.DedupIndex, emitter *events.Emitter, counters *metrics.Counters, logger *slog.Logger) *Batcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Second
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		cfg:      cfg,
		pool:     pool,
		store:    st,
		dedup:    dedup,
		emitter:  emitter,
		counters: counters,
		logger:   logger.With("component", "batcher"),
	}
}

// Select drops duplicates, identities already in the store, identities in
// flight, and (unless override) identities that reached the failure ceiling.
func (b *Batcher) Select(ids []string, override bool) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}

		if b.store.Has(id) || b.dedup.State(id) == store.Pending {
			continue
		}
		if !override && b.dedup.Exhausted(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Run resolves ids and blocks until every dispatched chunk has ended.
// Chunks run concurrently up to the pool's capacity.
func (b *Batcher) Run(ctx context.Context, ids []string, opts RunOptions) (Summary, error) {
	if !opts.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, opts.Deadline)
		defer cancel()
	}
	return b.run(ctx, ids, opts, nil)
}

// Stream returns a single-pass sequence of the profiles resolved for ids.
// Every range over it starts the work again. Breaking out of the loop
// cancels the open subscriptions; the sequence also ends at opts.Deadline.
func (b *Batcher) Stream(ctx context.Context, ids []string, opts RunOptions) iter.Seq[types.ProfileRecord] {
	return func(yield func(types.ProfileRecord) bool) {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if !opts.Deadline.IsZero() {
			var cancelDeadline context.CancelFunc
			runCtx, cancelDeadline = context.WithDeadline(runCtx, opts.Deadline)
			defer cancelDeadline()
		}

		out := make(chan types.ProfileRecord, b.cfg.StreamBuffer)
		go func() {
			defer close(out)
			if _, err := b.run(runCtx, ids, opts, out); err != nil && runCtx.Err() == nil {
				b.logger.Warn("stream run failed", "error", err)
			}
		}()

		for rec := range out {
			if !yield(rec) {
				cancel()
				for range out {
				}
				return
			}
		}
	}
}

type chunkResult struct {
	dispatched int
	resolved   int
	failed     int
	err        error
}

func (b *Batcher) run(ctx context.Context, ids []string, opts RunOptions, out chan<- types.ProfileRecord) (Summary, error) {
	selected := b.Select(ids, opts.Override)
	summary := Summary{Requested: countUnique(ids)}
	if len(selected) == 0 {
		return summary, nil
	}

	chunks := util.Chunk(selected, b.cfg.ChunkSize)
	b.logger.Debug("starting batch run",
		"identities", len(selected),
		"chunks", len(chunks),
		"mode", opts.Mode.String())

	results := make(chan chunkResult, len(chunks))
	var wg sync.WaitGroup
	var firstErr error

	for _, chunk := range chunks {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		err := b.dispatch(ctx, chunk, opts, out, func(r chunkResult) {
			results <- r
			wg.Done()
		})
		if err != nil {
			wg.Done()
			if ctx.Err() != nil {
				break
			}
			if firstErr == nil {
				firstErr = err
			}
			b.emitter.Emit(events.Notification{
				Kind:  events.BatchFailed,
				Batch: &events.BatchResult{Requested: len(chunk), Failed: chunk},
				Err:   err,
			})
			b.logger.Warn("batch dispatch failed", "identities", len(chunk), "error", err)
			continue
		}
		summary.Batches++
	}

	wg.Wait()
	close(results)
	for r := range results {
		summary.Dispatched += r.dispatched
		summary.Resolved += r.resolved
		summary.Failed += r.failed
		if firstErr == nil && r.err != nil {
			firstErr = r.err
		}
	}
	return summary, firstErr
}

// chunkRun is the state of one dispatched chunk
type chunkRun struct {
	ids   []string
	idset map[string]struct{}

	mu sync.Mutex
	// owned are the ids this chunk marked pending; an id another chunk
	// already had in flight is settled by that chunk
	owned    []string
	accepted []types.ProfileRecord
}

// dispatch subscribes one chunk. done runs exactly once at the chunk's end,
// and only when dispatch returns nil.
func (b *Batcher) dispatch(ctx context.Context, chunk []string, opts RunOptions, out chan<- types.ProfileRecord, done func(chunkResult)) error {
	run := &chunkRun{
		ids:   chunk,
		idset: make(map[string]struct{}, len(chunk)),
	}
	for _, id := range chunk {
		run.idset[id] = struct{}{}
	}

	var subID string
	h := relay.Handler{
		OnOpen: func(sub *relay.Subscription) {
			subID = sub.ID
			owned := make([]string, 0, len(chunk))
			for _, id := range chunk {
				if b.dedup.MarkPending(id) {
					owned = append(owned, id)
				}
			}
			run.mu.Lock()
			run.owned = owned
			run.mu.Unlock()
		},
		OnEvent: func(evt types.Event) {
			rec, ok := b.accept(run, evt)
			if !ok {
				return
			}
			if opts.Mode == EmitImmediate {
				b.emitter.Emit(events.Notification{Kind: events.ProfileUpdated, Profiles: []types.ProfileRecord{rec}})
			}
			if out != nil {
				select {
				case out <- rec:
				case <-ctx.Done():
				}
			}
		},
		OnEnd: func(reason relay.EndReason) {
			done(b.finish(ctx, run, subID, reason, opts))
		},
	}

	_, err := b.pool.Subscribe(ctx, types.SubscriptionRequest{
		Identities: chunk,
		Kinds:      []int{types.KindProfileMetadata},
		RelayURLs:  opts.Relays,
		Limit:      len(chunk),
		Timeout:    b.cfg.BatchTimeout,
	}, h)
	return err
}

// accept merges evt when it is a profile of a chunk member
func (b *Batcher) accept(run *chunkRun, evt types.Event) (types.ProfileRecord, bool) {
	if evt.Kind != types.KindProfileMetadata {
		return types.ProfileRecord{}, false
	}
	if _, ok := run.idset[evt.PubKey]; !ok {
		return types.ProfileRecord{}, false
	}
	if b.store.SeenEvent(evt.ID) {
		b.counters.IncrementEventDuplicate()
		return types.ProfileRecord{}, false
	}

	rec, err := nostr.ParseProfile(evt)
	if err != nil {
		b.counters.IncrementParseFailure()
		b.logger.Debug("discarding profile", "pubkey", nostr.ShortID(evt.PubKey), "error", err)
		return types.ProfileRecord{}, false
	}
	if !b.store.AddProfile(rec) {
		return types.ProfileRecord{}, false
	}
	b.dedup.MarkFulfilled(rec.PubKey)

	run.mu.Lock()
	run.accepted = append(run.accepted, rec)
	run.mu.Unlock()
	return rec, true
}

// finish settles the chunk: members resolved elsewhere count as fulfilled,
// the rest fail unless the caller cancelled.
func (b *Batcher) finish(ctx context.Context, run *chunkRun, subID string, reason relay.EndReason, opts RunOptions) chunkResult {
	for _, id := range run.ids {
		if b.store.Has(id) {
			b.dedup.MarkFulfilled(id)
		}
	}

	run.mu.Lock()
	owned := run.owned
	accepted := run.accepted
	run.mu.Unlock()

	var failed []string
	if reason == relay.EndCancelled {
		for _, id := range owned {
			b.dedup.ClearPending(id)
		}
	} else {
		failed = b.dedup.FailPending(owned)
		b.counters.AddIdentityFailures(len(failed))
	}

	if len(accepted) > 0 && opts.Persist != nil {
		// the run context may already be cancelled; persisting what arrived still matters
		opts.Persist(context.WithoutCancel(ctx), accepted)
	}
	if opts.Mode == EmitOnBatchEnd && len(accepted) > 0 {
		b.emitter.Emit(events.Notification{Kind: events.ProfileUpdated, Profiles: accepted})
	}

	resolved := 0
	for _, id := range run.ids {
		if b.store.Has(id) {
			resolved++
		}
	}

	result := events.BatchResult{
		SubscriptionID: subID,
		Requested:      len(run.ids),
		Resolved:       resolved,
		Failed:         failed,
		TimedOut:       reason == relay.EndTimeout,
	}
	b.emitter.Emit(events.Notification{Kind: events.BatchCompleted, Batch: &result})

	b.logger.Debug("batch ended",
		"sub", subID,
		"reason", reason.String(),
		"requested", len(run.ids),
		"resolved", resolved,
		"failed", len(failed))

	return chunkResult{
		dispatched: len(run.ids),
		resolved:   resolved,
		failed:     len(run.ids) - resolved,
		err:        ctxErr(ctx, reason),
	}
}

func ctxErr(ctx context.Context, reason relay.EndReason) error {
	if reason == relay.EndCancelled && ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	return nil
}

func countUnique(ids []string) int {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}
