// Package client implements the delivery agent: one logical client
// connection with an explicit state machine, heartbeat-based dead
// connection detection, bounded auto-reconnect, and an offline buffer
// replayed in order on resume.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourorg/conduit/pkg/types"
)

// State is the agent's connection lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// transitions is the explicit FSM table. Anything not listed is a bug.
var transitions = map[State][]State{
	StateIdle:         {StateConnecting, StateClosed},
	StateConnecting:   {StateConnected, StateReconnecting, StateClosed},
	StateConnected:    {StateReconnecting, StateClosed},
	StateReconnecting: {StateConnecting, StateClosed},
	StateClosed:       {},
}

// ErrReconnectExhausted is the persistent error state after the reconnect
// budget runs out; the agent will not retry silently past it.
var ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")

// ErrClosed indicates an operation on a closed agent.
var ErrClosed = errors.New("client: agent is closed")

// Config is the agent's typed configuration.
type Config struct {
	Endpoint             string        `yaml:"endpoint"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	BufferCapacity       int           `yaml:"buffer_capacity"`
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
}

// Handler receives events that passed validation and dedup, in per-job
// sequence order.
type Handler func(ev types.Event)

// Agent maintains one logical connection to a delivery endpoint.
type Agent struct {
	cfg     Config
	log     *slog.Logger
	handler Handler

	mu       sync.Mutex
	state    State
	ws       *websocket.Conn
	writeMu  sync.Mutex
	lastPong time.Time
	attempts int
	lastErr  error
	connGen  int           // invalidates loops belonging to a torn-down socket
	stopCh   chan struct{} // stops the current socket's heartbeat loop

	buffer *Buffer
	dedup  *Dedup
}

// NewAgent builds an agent in the Idle state. A nil handler drops events
// after validation and dedup.
func NewAgent(cfg Config, handler Handler, logger *slog.Logger) *Agent {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:     cfg,
		log:     logger,
		handler: handler,
		state:   StateIdle,
		buffer:  NewBuffer(cfg.BufferCapacity),
		dedup:   NewDedup(),
	}
}

// transition moves the FSM, enforcing the table. Callers hold a.mu.
func (a *Agent) transition(to State) error {
	for _, allowed := range transitions[a.state] {
		if allowed == to {
			a.log.Debug("state transition", "from", a.state, "to", to)
			a.state = to
			return nil
		}
	}
	return fmt.Errorf("client: illegal transition %s -> %s", a.state, to)
}

// State returns the current FSM state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Err returns the persistent error, if the agent has entered one.
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Connect dials the endpoint and starts the read and heartbeat loops.
func (a *Agent) Connect() error {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return ErrClosed
	}
	if err := a.transition(StateConnecting); err != nil {
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()

	ws, _, err := websocket.DefaultDialer.Dial(a.cfg.Endpoint, nil)
	if err != nil {
		a.log.Warn("dial failed", "endpoint", a.cfg.Endpoint, "error", err)
		a.scheduleReconnect()
		return types.Classified(types.KindConnection, err)
	}

	a.mu.Lock()
	if err := a.transition(StateConnected); err != nil {
		a.mu.Unlock()
		ws.Close()
		return err
	}
	a.ws = ws
	a.lastPong = time.Now()
	a.attempts = 0
	a.connGen++
	gen := a.connGen
	a.stopCh = make(chan struct{})
	stop := a.stopCh
	a.mu.Unlock()

	go a.readLoop(ws, gen)
	go a.heartbeatLoop(gen, stop)

	a.flushBuffer()
	a.log.Info("connected", "endpoint", a.cfg.Endpoint)
	return nil
}

// flushBuffer replays events parked while offline, in original order,
// then clears the buffer. Dedup makes replays idempotent.
func (a *Agent) flushBuffer() {
	for _, ev := range a.buffer.Flush() {
		a.dispatch(ev)
	}
}

func (a *Agent) dispatch(ev types.Event) {
	if !a.dedup.Accept(ev) {
		return
	}
	if a.handler != nil {
		a.handler(ev)
	}
}

// Deliver ingests one event for the application layer. Connected events
// flow straight through validation and dedup; events arriving while the
// agent is offline wait in the bounded buffer for the next resume.
func (a *Agent) Deliver(ev types.Event) {
	a.mu.Lock()
	connected := a.state == StateConnected
	a.mu.Unlock()

	if connected {
		a.dispatch(ev)
		return
	}
	a.buffer.Push(ev)
}

// readLoop consumes inbound envelopes until the socket dies.
func (a *Agent) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			a.connectionLost(gen, err)
			return
		}
		a.handleMessage(data)
	}
}

// handleMessage validates and routes one inbound frame. Malformed frames
// are dropped and logged, never propagated (fail-closed).
func (a *Agent) handleMessage(data []byte) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.log.Warn("dropping malformed message", "error",
			types.Classified(types.KindProtocol, err))
		return
	}
	if !types.ValidEnvelopeType(env.Type) {
		a.log.Warn("dropping message with unknown type", "type", env.Type)
		return
	}

	switch env.Type {
	case types.MsgPing:
		a.send(types.Envelope{Type: types.MsgPong, Timestamp: time.Now().UTC()})
	case types.MsgPong:
		a.mu.Lock()
		a.lastPong = time.Now()
		a.mu.Unlock()
	case types.MsgJobProgress, types.MsgJobComplete, types.MsgJobError, types.MsgNotify:
		var ev types.Event
		if err := json.Unmarshal(env.Data, &ev); err != nil || ev.JobID == "" {
			a.log.Warn("dropping event with invalid payload", "type", env.Type, "error", err)
			return
		}
		a.Deliver(ev)
	default:
		// subscribe/unsubscribe are client-to-server only; receiving one
		// here is harmless noise.
	}
}

// heartbeatLoop sends pings and treats a missing pong as a half-open
// connection: the transport would never report it, so the agent closes and
// reconnects proactively.
func (a *Agent) heartbeatLoop(gen int, stop <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		a.mu.Lock()
		stale := gen != a.connGen || a.state != StateConnected
		sincePong := time.Since(a.lastPong)
		a.mu.Unlock()
		if stale {
			return
		}

		if sincePong > a.cfg.HeartbeatInterval+a.cfg.HeartbeatTimeout {
			a.log.Warn("heartbeat timeout, closing half-open connection",
				"since_pong", sincePong)
			a.teardown(gen)
			a.scheduleReconnect()
			return
		}

		if err := a.send(types.Envelope{Type: types.MsgPing, Timestamp: time.Now().UTC()}); err != nil {
			a.connectionLost(gen, err)
			return
		}
	}
}

// send validates and writes one outbound envelope.
func (a *Agent) send(env types.Envelope) error {
	if !types.ValidEnvelopeType(env.Type) {
		a.log.Warn("refusing to send message with unknown type", "type", env.Type)
		return types.Classified(types.KindProtocol,
			fmt.Errorf("unknown envelope type %q", env.Type))
	}

	a.mu.Lock()
	ws := a.ws
	ok := a.state == StateConnected && ws != nil
	a.mu.Unlock()
	if !ok {
		return types.Classified(types.KindConnection,
			errors.New("client: not connected"))
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return ws.WriteJSON(env)
}

// Subscribe asks the delivery endpoint for a job's events.
func (a *Agent) Subscribe(jobID types.JobID) error {
	data, _ := json.Marshal(map[string]string{"job_id": string(jobID)})
	return a.send(types.Envelope{
		Type:      types.MsgSubscribe,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// Unsubscribe stops a job's event flow.
func (a *Agent) Unsubscribe(jobID types.JobID) error {
	data, _ := json.Marshal(map[string]string{"job_id": string(jobID)})
	return a.send(types.Envelope{
		Type:      types.MsgUnsubscribe,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// connectionLost handles a non-manual close: teardown plus reconnect.
func (a *Agent) connectionLost(gen int, cause error) {
	a.mu.Lock()
	if gen != a.connGen || a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	a.log.Warn("connection lost", "error", cause)
	a.teardown(gen)
	a.scheduleReconnect()
}

// teardown closes the socket belonging to gen, if it is still current.
func (a *Agent) teardown(gen int) {
	a.mu.Lock()
	if gen != a.connGen {
		a.mu.Unlock()
		return
	}
	ws := a.ws
	a.ws = nil
	a.connGen++
	if a.stopCh != nil {
		close(a.stopCh)
		a.stopCh = nil
	}
	a.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
}

// scheduleReconnect moves to Reconnecting and retries after the interval,
// up to the configured bound. Exhausting the bound surfaces a persistent
// error state instead of retrying silently forever.
func (a *Agent) scheduleReconnect() {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	if a.state != StateReconnecting {
		if err := a.transition(StateReconnecting); err != nil {
			a.mu.Unlock()
			return
		}
	}
	a.attempts++
	if a.attempts > a.cfg.MaxReconnectAttempts {
		a.lastErr = ErrReconnectExhausted
		a.transition(StateClosed)
		a.mu.Unlock()
		a.log.Error("reconnect attempts exhausted", "attempts", a.attempts-1)
		return
	}
	attempt := a.attempts
	a.mu.Unlock()

	a.log.Info("scheduling reconnect", "attempt", attempt,
		"in", a.cfg.ReconnectInterval)
	time.AfterFunc(a.cfg.ReconnectInterval, func() {
		if a.State() == StateReconnecting {
			a.Connect() // error path re-enters scheduleReconnect
		}
	})
}

// Close shuts the agent down manually; no reconnect follows.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	a.transition(StateClosed)
	ws := a.ws
	a.ws = nil
	a.connGen++
	if a.stopCh != nil {
		close(a.stopCh)
		a.stopCh = nil
	}
	a.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	a.log.Info("agent closed")
}

// Buffered returns how many events wait in the offline buffer.
func (a *Agent) Buffered() int { return a.buffer.Len() }
