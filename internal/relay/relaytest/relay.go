// Package relaytest provides an in-process nostr relay for tests. It answers
// REQ with the stored events matching the filter, then EOSE, and records every
// request it receives.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cashubtc/eNuts-sub000/internal/nostr"
	"github.com/cashubtc/eNuts-sub000/internal/types"
)

// Request is one REQ received by the relay
type Request struct {
	SubID   string
	Authors []string
	Kinds   []int
	Search  string
	Limit   int
}

// Relay is a fake relay backed by httptest
type Relay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu           sync.Mutex
	events       []types.Event
	requests     []Request
	closes       []string
	withholdEOSE bool
	eoseDelay    time.Duration
	conns        map[*websocket.Conn]*sync.Mutex
	accepted     int
}

// New starts a relay that is shut down when the test ends
func New(t testing.TB) *Relay {
	t.Helper()
	r := &Relay{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[*websocket.Conn]*sync.Mutex),
	}
	r.server = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.Close)
	return r
}

// URL is the ws:// address of the relay
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

// Publish stores events served to later REQs
func (r *Relay) Publish(evts ...types.Event) {
	r.mu.Lock()
	r.events = append(r.events, evts...)
	r.mu.Unlock()
}

// SetWithholdEOSE makes the relay stream stored events but never send EOSE
func (r *Relay) SetWithholdEOSE(withhold bool) {
	r.mu.Lock()
	r.withholdEOSE = withhold
	r.mu.Unlock()
}

// SetEOSEDelay delays EOSE after the stored events
func (r *Relay) SetEOSEDelay(d time.Duration) {
	r.mu.Lock()
	r.eoseDelay = d
	r.mu.Unlock()
}

// Requests returns every REQ received so far
func (r *Relay) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.requests...)
}

// ReqCount returns the number of REQs received
func (r *Relay) ReqCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// CloseCount returns the number of CLOSE messages received
func (r *Relay) CloseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closes)
}

// Connections returns how many websocket connections were accepted
func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted
}

// Send pushes an arbitrary message to every connected client
func (r *Relay) Send(msg ...interface{}) {
	r.mu.Lock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(r.conns))
	for c, mu := range r.conns {
		conns[c] = mu
	}
	r.mu.Unlock()

	for c, mu := range conns {
		mu.Lock()
		_ = c.WriteJSON(msg)
		mu.Unlock()
	}
}

// DropConnections closes every client socket without a close frame
func (r *Relay) DropConnections() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		c.Close()
	}
}

// Close shuts the relay down
func (r *Relay) Close() {
	r.DropConnections()
	r.server.Close()
}

func (r *Relay) handle(w http.ResponseWriter, req *http.Request) {
	c, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	writeMu := &sync.Mutex{}

	r.mu.Lock()
	r.conns[c] = writeMu
	r.accepted++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()
		c.Close()
	}()

	write := func(msg ...interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return c.WriteJSON(msg)
	}

	for {
		var msg []json.RawMessage
		if err := c.ReadJSON(&msg); err != nil {
			return
		}
		if len(msg) < 2 {
			continue
		}
		var typ, subID string
		if json.Unmarshal(msg[0], &typ) != nil || json.Unmarshal(msg[1], &subID) != nil {
			continue
		}

		switch typ {
		case "REQ":
			var f struct {
				Authors []string `json:"authors"`
				Kinds   []int    `json:"kinds"`
				Search  string   `json:"search"`
				Limit   int      `json:"limit"`
			}
			if len(msg) >= 3 {
				_ = json.Unmarshal(msg[2], &f)
			}
			rq := Request{SubID: subID, Authors: f.Authors, Kinds: f.Kinds, Search: f.Search, Limit: f.Limit}

			r.mu.Lock()
			r.requests = append(r.requests, rq)
			matched := r.match(rq)
			withhold, delay := r.withholdEOSE, r.eoseDelay
			r.mu.Unlock()

			for _, evt := range matched {
				if write("EVENT", subID, evt) != nil {
					return
				}
			}
			if withhold {
				continue
			}
			if delay > 0 {
				go func() {
					time.Sleep(delay)
					_ = write("EOSE", subID)
				}()
				continue
			}
			if write("EOSE", subID) != nil {
				return
			}

		case "CLOSE":
			r.mu.Lock()
			r.closes = append(r.closes, subID)
			r.mu.Unlock()
		}
	}
}

// match must be called with r.mu held
func (r *Relay) match(rq Request) []types.Event {
	var out []types.Event
	for _, evt := range r.events {
		if len(rq.Authors) > 0 && !containsString(rq.Authors, evt.PubKey) {
			continue
		}
		if len(rq.Kinds) > 0 && !containsInt(rq.Kinds, evt.Kind) {
			continue
		}
		if rq.Search != "" && !strings.Contains(strings.ToLower(evt.Content), strings.ToLower(rq.Search)) {
			continue
		}
		out = append(out, evt)
		if rq.Limit > 0 && len(out) >= rq.Limit {
			break
		}
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}

// NewEvent builds an event with a correct id; the signature is left empty
func NewEvent(pubkey string, kind int, createdAt int64, content string, tags [][]string) types.Event {
	if tags == nil {
		tags = [][]string{}
	}
	evt := types.Event{
		PubKey:    pubkey,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	evt.ID = nostr.ComputeEventID(evt)
	return evt
}

// ProfileEvent builds a kind 0 event with the given name
func ProfileEvent(pubkey string, createdAt int64, name string) types.Event {
	content, _ := json.Marshal(map[string]string{"name": name})
	return NewEvent(pubkey, types.KindProfileMetadata, createdAt, string(content), nil)
}

// ContactsEvent builds a kind 3 event following members
func ContactsEvent(pubkey string, createdAt int64, members ...string) types.Event {
	tags := make([][]string, 0, len(members))
	for _, m := range members {
		tags = append(tags, []string{"p", m})
	}
	return NewEvent(pubkey, types.KindContactList, createdAt, "", tags)
}

// RelayListEvent builds a kind 10002 event; each relay is read and write
func RelayListEvent(pubkey string, createdAt int64, relays ...string) types.Event {
	tags := make([][]string, 0, len(relays))
	for _, u := range relays {
		tags = append(tags, []string{"r", u})
	}
	return NewEvent(pubkey, types.KindRelayList, createdAt, "", tags)
}
