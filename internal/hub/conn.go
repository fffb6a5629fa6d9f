// Package hub implements the real-time delivery hub: a pool of
// load-balanced, health-checked WebSocket connections with a prioritized
// outgoing message queue.
package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yourorg/conduit/pkg/types"
)

// ConnState is the lifecycle state of one pooled connection.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateErrored      ConnState = "errored"
)

// Conn wraps one WebSocket connection owned by the pool. A Conn reports
// its own closure to the pool through a one-way callback and never holds a
// reference back to the pool, so ownership stays acyclic.
type Conn struct {
	ID       string
	Endpoint string

	mu      sync.Mutex
	ws      *websocket.Conn
	state   ConnState
	healthy bool

	lastUsed        time.Time
	messageCount    atomic.Int64
	errorCount      atomic.Int64 // lifetime total, for stats
	consecutiveErrs atomic.Int64 // reset on success, drives unhealthy marking

	pongCh  chan struct{}
	closed  chan struct{}
	onClose func(id string) // set by the pool before the read loop starts

	subs map[types.JobID]struct{} // jobs this peer asked to follow

	writeTimeout time.Duration
}

// Info is a read-only snapshot of a connection's state.
type Info struct {
	ID           string    `json:"id"`
	Endpoint     string    `json:"endpoint"`
	State        ConnState `json:"state"`
	Healthy      bool      `json:"healthy"`
	LastUsed     time.Time `json:"last_used"`
	MessageCount int64     `json:"message_count"`
	ErrorCount   int64     `json:"error_count"`
}

func newConn(ws *websocket.Conn, endpoint string, writeTimeout time.Duration) *Conn {
	return &Conn{
		ID:           uuid.NewString(),
		Endpoint:     endpoint,
		ws:           ws,
		state:        StateConnected,
		healthy:      true,
		lastUsed:     time.Now(),
		pongCh:       make(chan struct{}, 1),
		closed:       make(chan struct{}),
		subs:         make(map[types.JobID]struct{}),
		writeTimeout: writeTimeout,
	}
}

// readLoop consumes inbound envelopes until the socket dies. Pongs feed
// the health checker, pings get answered, subscribe/unsubscribe maintain
// the per-job interest set. Unrecognized envelope types are dropped.
func (c *Conn) readLoop() {
	for {
		var env types.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			c.closeWith(StateDisconnected)
			return
		}
		switch env.Type {
		case types.MsgPong:
			select {
			case c.pongCh <- struct{}{}:
			default:
			}
		case types.MsgPing:
			c.Send(types.Envelope{Type: types.MsgPong, Timestamp: time.Now().UTC()})
		case types.MsgSubscribe, types.MsgUnsubscribe:
			var req struct {
				JobID types.JobID `json:"job_id"`
			}
			if err := json.Unmarshal(env.Data, &req); err != nil || req.JobID == "" {
				continue
			}
			c.mu.Lock()
			if env.Type == types.MsgSubscribe {
				c.subs[req.JobID] = struct{}{}
			} else {
				delete(c.subs, req.JobID)
			}
			c.mu.Unlock()
		}
	}
}

// SubscribedTo reports whether this peer asked to follow jobID.
func (c *Conn) SubscribedTo(jobID types.JobID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[jobID]
	return ok
}

// Send writes one envelope with a bounded write deadline. Send failures
// increment the connection's error count; the pool decides when the count
// crosses into unhealthy territory.
func (c *Conn) Send(env types.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return fmt.Errorf("hub: connection %s is %s", c.ID, c.state)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("hub: marshal envelope: %w", err)
	}

	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.noteWriteError()
		return fmt.Errorf("hub: write to %s: %w", c.ID, err)
	}

	c.noteWriteOK()
	c.lastUsed = time.Now()
	return nil
}

func (c *Conn) noteWriteOK() {
	c.messageCount.Add(1)
	c.consecutiveErrs.Store(0)
}

func (c *Conn) noteWriteError() {
	c.errorCount.Add(1)
	c.consecutiveErrs.Add(1)
}

// Ping sends an application-level ping and waits for the matching pong.
// Returns false when no pong arrives within timeout, which the pool treats
// as a dead or half-open connection.
func (c *Conn) Ping(timeout time.Duration) bool {
	// Drain any stale pong left over from a previous round.
	select {
	case <-c.pongCh:
	default:
	}

	err := c.Send(types.Envelope{Type: types.MsgPing, Timestamp: time.Now().UTC()})
	if err != nil {
		return false
	}

	select {
	case <-c.pongCh:
		return true
	case <-c.closed:
		return false
	case <-time.After(timeout):
		return false
	}
}

// Close tears the connection down and notifies the pool exactly once.
func (c *Conn) Close() {
	c.closeWith(StateDisconnected)
}

func (c *Conn) closeWith(state ConnState) {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateErrored {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.healthy = false
	ws := c.ws
	c.mu.Unlock()

	close(c.closed)
	if ws != nil {
		ws.Close()
	}
	if c.onClose != nil {
		c.onClose(c.ID)
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Healthy reports whether the connection is currently considered healthy.
func (c *Conn) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.healthy
}

func (c *Conn) setHealthy(h bool) {
	c.mu.Lock()
	c.healthy = h
	c.mu.Unlock()
}

// Messages returns the number of envelopes successfully sent.
func (c *Conn) Messages() int64 { return c.messageCount.Load() }

// Errors returns the lifetime number of failed sends.
func (c *Conn) Errors() int64 { return c.errorCount.Load() }

// ConsecutiveErrors returns the failed sends since the last success.
func (c *Conn) ConsecutiveErrors() int64 { return c.consecutiveErrs.Load() }

// Snapshot returns a read-only view of the connection.
func (c *Conn) Snapshot() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:           c.ID,
		Endpoint:     c.Endpoint,
		State:        c.state,
		Healthy:      c.state == StateConnected && c.healthy,
		LastUsed:     c.lastUsed,
		MessageCount: c.messageCount.Load(),
		ErrorCount:   c.errorCount.Load(),
	}
}
