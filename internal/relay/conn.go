package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cashubtc/eNuts-sub000/internal/nostr"
)

const writeTimeout = 10 * time.Second

// conn manages a single websocket connection with multiple subscriptions
type conn struct {
	pool     *Pool
	relayURL string

	// ready is closed once the dial finished; dialErr is set before that
	ready   chan struct{}
	dialErr error

	ws      *websocket.Conn
	mu      sync.Mutex
	writeMu sync.Mutex

	state        ConnState
	subs         map[string]*Subscription
	lastActivity time.Time
	openedAt     time.Time
}

func newConn(p *Pool, relayURL string) *conn {
	return &conn{
		pool:         p,
		relayURL:     relayURL,
		ready:        make(chan struct{}),
		state:        Connecting,
		subs:         make(map[string]*Subscription),
		lastActivity: time.Now(),
	}
}

func (c *conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// opened installs the dialed socket and starts reading
func (c *conn) opened(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.state = Open
	c.lastActivity = time.Now()
	c.openedAt = c.lastActivity
	c.mu.Unlock()
	close(c.ready)
	go c.readLoop()
}

func (c *conn) dialFailed(err error) {
	c.mu.Lock()
	c.dialErr = err
	c.state = Closed
	c.mu.Unlock()
	close(c.ready)
}

// attach registers sub and sends its REQ. It returns false when the
// connection is no longer open.
func (c *conn) attach(sub *Subscription) bool {
	c.mu.Lock()
	if c.state != Open {
		c.mu.Unlock()
		return false
	}
	c.subs[sub.ID] = sub
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if err := c.writeJSON([]interface{}{"REQ", sub.ID, sub.filter}); err != nil {
		c.pool.logger.Debug("REQ write failed", "relay", c.relayURL, "sub", sub.ID, "error", err)
		c.detach(sub.ID)
		c.markClosed(err)
		return false
	}
	// the subscription may have ended between the caller's check and registration
	if sub.ended.Load() {
		c.sendClose(sub.ID)
	}
	return true
}

// detach forgets subID and reports whether it was attached
func (c *conn) detach(subID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[subID]; !ok {
		return false
	}
	delete(c.subs, subID)
	c.lastActivity = time.Now()
	return true
}

// sendClose detaches subID and sends CLOSE, best effort
func (c *conn) sendClose(subID string) {
	if !c.detach(subID) || c.State() != Open {
		return
	}
	_ = c.writeJSON([]interface{}{"CLOSE", subID})
}

// writeJSON sends a message on the connection with a timeout
func (c *conn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Set write deadline to prevent indefinite blocking
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer c.ws.SetWriteDeadline(time.Time{})

	return c.ws.WriteJSON(v)
}

func (c *conn) subscription(subID string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[subID]
}

// readLoop continuously reads from the connection and routes messages
func (c *conn) readLoop() {
	var readErr error
	defer func() { c.markClosed(readErr) }()

	for {
		var msg []interface{}
		if err := c.ws.ReadJSON(&msg); err != nil {
			if c.State() == Open {
				readErr = err
				c.pool.logger.Debug("relay read error", "relay", c.relayURL, "error", err)
			}
			return
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()

		if len(msg) < 2 {
			continue
		}
		msgType, ok := msg[0].(string)
		if !ok {
			continue
		}
		subID, _ := msg[1].(string)

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			sub := c.subscription(subID)
			if sub == nil {
				continue
			}
			evt, ok := nostr.ParseEventFromInterface(msg[2])
			if !ok {
				c.pool.counters.IncrementParseFailure()
				continue
			}
			evt.RelaysSeen = []string{c.relayURL}
			c.pool.counters.IncrementEventReceived()
			sub.push(inboxItem{kind: itemEvent, relayURL: c.relayURL, event: evt})

		case "EOSE":
			if sub := c.subscription(subID); sub != nil {
				sub.push(inboxItem{kind: itemEOSE, relayURL: c.relayURL})
			}

		case "CLOSED":
			// Subscription was closed by relay
			sub := c.subscription(subID)
			if sub == nil || !c.detach(subID) {
				continue
			}
			reason := ""
			if len(msg) >= 3 {
				reason, _ = msg[2].(string)
			}
			c.pool.logger.Debug("subscription closed by relay", "relay", c.relayURL, "sub", subID, "reason", reason)
			sub.push(inboxItem{kind: itemRelayGone, relayURL: c.relayURL})

		case "NOTICE":
			c.pool.logger.Debug("relay notice", "relay", c.relayURL, "notice", subID)
		}
	}
}

// markClosed closes the socket and tells every attached subscription the
// relay is gone. A non-nil cause counts as a relay failure. Failures are
// cleared by a clean close or by a connection that stayed up StableAfter.
func (c *conn) markClosed(cause error) {
	c.mu.Lock()
	if c.state == Closing || c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closing
	uptime := time.Since(c.openedAt)
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*Subscription)
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	c.pool.forget(c)

	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()

	if cause == nil || uptime >= c.pool.cfg.StableAfter {
		c.pool.resetFailures(c.relayURL)
	}
	if cause != nil {
		if n := c.pool.recordFailure(c.relayURL); n >= c.pool.cfg.MaxAttempts {
			c.pool.markFailed(c.relayURL, cause)
		}
	}

	for _, sub := range subs {
		sub.push(inboxItem{kind: itemRelayGone, relayURL: c.relayURL})
	}
}

func (c *conn) idle(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Open && len(c.subs) == 0 && now.Sub(c.lastActivity) > timeout
}

func (c *conn) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
