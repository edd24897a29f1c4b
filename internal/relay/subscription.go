package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cashubtc/eNuts-sub000/internal/types"
)

// Handler receives the callbacks of one subscription.
// OnEvent and OnEnd run on the subscription's dispatcher goroutine, one at a
// time; OnEnd runs exactly once and nothing is delivered after it.
type Handler struct {
	// OnOpen runs once pool capacity is reserved, before any REQ is sent
	OnOpen  func(sub *Subscription)
	OnEvent func(evt types.Event)
	OnEnd   func(reason EndReason)
}

type itemKind int

const (
	itemEvent itemKind = iota
	itemEOSE
	itemRelayGone
)

type inboxItem struct {
	kind     itemKind
	relayURL string
	event    types.Event
}

// Subscription is one REQ fanned out to a set of relays
type Subscription struct {
	ID     string
	Relays []string

	filter  map[string]interface{}
	handler Handler
	pool    *Pool

	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	inbox   chan inboxItem
	done    chan struct{}

	ended  atomic.Bool
	reason EndReason
}

// Done is closed after OnEnd returned
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Reason is valid once Done is closed
func (s *Subscription) Reason() EndReason {
	<-s.done
	return s.reason
}

// Close is the same as Pool.Unsubscribe(s)
func (s *Subscription) Close() {
	s.pool.Unsubscribe(s)
}

// push hands an item to the dispatcher. It blocks while the inbox is full
// and gives up once the subscription ended.
func (s *Subscription) push(it inboxItem) {
	if s.ended.Load() {
		return
	}
	select {
	case s.inbox <- it:
	case <-s.ctx.Done():
	}
}

// run is the dispatcher goroutine
func (s *Subscription) run() {
	pending := make(map[string]struct{}, len(s.Relays))
	for _, u := range s.Relays {
		pending[u] = struct{}{}
	}

	var timeout <-chan time.Time
	if s.timeout > 0 {
		t := time.NewTimer(s.timeout)
		defer t.Stop()
		timeout = t.C
	}

	for {
		select {
		case it := <-s.inbox:
			if s.ctx.Err() != nil {
				s.finish(s.ctxReason())
				return
			}
			switch it.kind {
			case itemEvent:
				if s.handler.OnEvent != nil {
					s.handler.OnEvent(it.event)
				}
			case itemEOSE, itemRelayGone:
				delete(pending, it.relayURL)
				if len(pending) == 0 {
					s.finish(EndOfStream)
					return
				}
			}

		case <-timeout:
			s.finish(EndTimeout)
			return

		case <-s.ctx.Done():
			s.finish(s.ctxReason())
			return
		}
	}
}

func (s *Subscription) ctxReason() EndReason {
	if errors.Is(s.ctx.Err(), context.DeadlineExceeded) {
		return EndTimeout
	}
	return EndCancelled
}

// finish releases pool capacity, closes the relay side and fires OnEnd
func (s *Subscription) finish(reason EndReason) {
	s.ended.Store(true)
	s.reason = reason
	s.cancel()
	s.pool.release(s)

	if reason == EndTimeout {
		s.pool.counters.IncrementSubscriptionTimedOut()
		s.pool.logger.Debug("subscription deadline reached", "sub", s.ID, "relays", len(s.Relays))
	}

	if s.handler.OnEnd != nil {
		s.handler.OnEnd(reason)
	}
	close(s.done)
}
