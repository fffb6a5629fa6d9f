package hub

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourorg/conduit/internal/metrics"
	"github.com/yourorg/conduit/pkg/types"
)

// Config is the typed pool configuration. Every recognized option and its
// effect is enumerated here; there is no loose option bag.
type Config struct {
	MaxConnections      int           `yaml:"max_connections"`       // hard cap on pooled connections
	MinConnections      int           `yaml:"min_connections"`       // restore target after removals
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`       // dial handshake budget
	HealthCheckInterval time.Duration `yaml:"health_check_interval"` // ping cadence
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`     // pong wait per ping
	WriteTimeout        time.Duration `yaml:"write_timeout"`         // per-message write deadline
	DrainInterval       time.Duration `yaml:"drain_interval"`        // outgoing queue sweep cadence
	ErrorThreshold      int           `yaml:"error_threshold"`       // consecutive send errors before unhealthy
	Strategy            Strategy      `yaml:"load_balancing_strategy"`
	Endpoints           []string      `yaml:"endpoints"`
}

func (c *Config) applyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.MinConnections <= 0 {
		c.MinConnections = 1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 15 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 100 * time.Millisecond
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 3
	}
	if !c.Strategy.Valid() {
		c.Strategy = StrategyHealthBased
	}
}

// Pool owns a keyed set of transport connections, load-balances outgoing
// events across them, health-checks them on an interval, and queues
// messages whenever no connection is available.
type Pool struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *slog.Logger
	m      *metrics.Hub

	mu       sync.Mutex
	conns    map[string]*Conn
	order    []string // insertion order, for stable round-robin
	rrIndex  int
	out      messageHeap
	fifoSeq  uint64
	draining bool // single-flight guard for queue processing
	epIndex  int  // next endpoint for restore rounds

	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	started bool
	stopped bool
}

// NewPool builds a pool. metrics may be nil.
func NewPool(cfg Config, m *metrics.Hub, logger *slog.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		log:    logger,
		m:      m,
		conns:  make(map[string]*Conn),
		stopCh: make(chan struct{}),
	}
}

// Start opens the initial connections (tolerating individual failures) and
// launches the health-check and drain loops.
func (p *Pool) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("hub: pool already started")
	}
	p.started = true
	p.mu.Unlock()

	p.restore()

	p.loopWg.Add(2)
	go p.healthLoop()
	go p.drainLoop()

	p.log.Info("connection pool started",
		"strategy", p.cfg.Strategy,
		"endpoints", len(p.cfg.Endpoints))
	return nil
}

// Connect dials one endpoint and adds the connection to the pool. A dial
// that fails or times out is counted and discarded without a synchronous
// retry.
func (p *Pool) Connect(endpoint string) (*Conn, error) {
	p.mu.Lock()
	if len(p.conns) >= p.cfg.MaxConnections {
		p.mu.Unlock()
		return nil, fmt.Errorf("hub: pool at max_connections (%d)", p.cfg.MaxConnections)
	}
	p.mu.Unlock()

	ws, _, err := p.dialer.Dial(endpoint, nil)
	if err != nil {
		if p.m != nil {
			p.m.RecordDialError()
		}
		return nil, types.Classified(types.KindConnection,
			fmt.Errorf("hub: dial %s: %w", endpoint, err))
	}

	return p.adopt(ws, endpoint), nil
}

// Adopt takes ownership of an already-established socket, e.g. one the
// gateway accepted from a subscriber.
func (p *Pool) Adopt(ws *websocket.Conn, endpoint string) *Conn {
	return p.adopt(ws, endpoint)
}

func (p *Pool) adopt(ws *websocket.Conn, endpoint string) *Conn {
	c := newConn(ws, endpoint, p.cfg.WriteTimeout)
	c.onClose = p.removeConn

	p.mu.Lock()
	p.conns[c.ID] = c
	p.order = append(p.order, c.ID)
	p.mu.Unlock()

	go c.readLoop()

	p.updateGauges()
	p.log.Info("connection added", "connID", c.ID, "endpoint", endpoint)
	return c
}

// removeConn is the one-way closure callback each Conn holds.
func (p *Pool) removeConn(id string) {
	p.mu.Lock()
	if _, ok := p.conns[id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.conns, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	p.updateGauges()
	p.log.Info("connection removed", "connID", id)
}

// SendEvent delivers a per-job pipeline event. Connections that
// subscribed to the job each get a copy; when no subscriber exists the
// event is queued for point-to-point delivery to the best available
// connection.
func (p *Pool) SendEvent(ev types.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("marshal event", "jobID", ev.JobID, "error", err)
		return
	}
	env := types.Envelope{
		Type:      types.EnvelopeTypeFor(ev.Type),
		Data:      data,
		Timestamp: ev.Timestamp,
	}

	p.mu.Lock()
	var subs []*Conn
	for _, id := range p.order {
		if c := p.conns[id]; c != nil && c.State() == StateConnected && c.SubscribedTo(ev.JobID) {
			subs = append(subs, c)
		}
	}
	p.mu.Unlock()

	if len(subs) == 0 {
		p.Send(env, DefaultPriority)
		return
	}
	for _, c := range subs {
		if err := c.Send(env); err != nil {
			p.noteSendFailure(c, err)
		} else if p.m != nil {
			p.m.RecordSent()
		}
	}
}

// Send queues one envelope for point-to-point delivery to the best
// available connection. Messages are never dropped here; they wait in the
// priority queue until a connection can carry them.
func (p *Pool) Send(env types.Envelope, priority int) {
	p.enqueue(&Message{Envelope: env, Priority: priority})
	p.drain()
}

// Broadcast fans one envelope out to every connected connection, used for
// global notifications.
func (p *Pool) Broadcast(env types.Envelope) {
	p.mu.Lock()
	targets := make([]*Conn, 0, len(p.conns))
	for _, id := range p.order {
		if c := p.conns[id]; c != nil && c.State() == StateConnected {
			targets = append(targets, c)
		}
	}
	p.mu.Unlock()

	for _, c := range targets {
		if err := c.Send(env); err != nil {
			p.noteSendFailure(c, err)
		} else if p.m != nil {
			p.m.RecordSent()
		}
	}
}

func (p *Pool) enqueue(msg *Message) {
	p.mu.Lock()
	p.fifoSeq++
	msg.fifo = p.fifoSeq
	heap.Push(&p.out, msg)
	qlen := p.out.Len()
	p.mu.Unlock()

	if p.m != nil {
		p.m.SetOutQueueLen(qlen)
	}
}

// drain processes the outgoing queue until it empties or no connection is
// available. The draining flag guarantees the queue is never processed by
// two goroutines at once.
func (p *Pool) drain() {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.draining = false
		qlen := p.out.Len()
		p.mu.Unlock()
		if p.m != nil {
			p.m.SetOutQueueLen(qlen)
		}
	}()

	for {
		p.mu.Lock()
		if p.out.Len() == 0 {
			p.mu.Unlock()
			return
		}
		conn := p.selectConn()
		if conn == nil {
			// Nothing to carry the message; leave the queue intact.
			p.mu.Unlock()
			return
		}
		msg := heap.Pop(&p.out).(*Message)
		p.mu.Unlock()

		if err := conn.Send(msg.Envelope); err != nil {
			p.noteSendFailure(conn, err)
			// Requeue with decayed priority so a repeatedly-failing message
			// cannot starve fresher ones forever.
			msg.Priority--
			p.enqueue(msg)
			continue
		}
		if p.m != nil {
			p.m.RecordSent()
		}
	}
}

func (p *Pool) noteSendFailure(c *Conn, err error) {
	if p.m != nil {
		p.m.RecordSendError()
	}
	p.log.Warn("send failed", "connID", c.ID, "consecutive", c.ConsecutiveErrors(), "error", err)
	if c.ConsecutiveErrors() >= int64(p.cfg.ErrorThreshold) {
		c.setHealthy(false)
		p.updateGauges()
	}
}

// healthLoop pings every connected connection on a fixed interval, removes
// the ones that miss their pong, and restores the pool to MinConnections.
func (p *Pool) healthLoop() {
	defer p.loopWg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

func (p *Pool) checkHealth() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, id := range p.order {
		if c := p.conns[id]; c != nil && c.State() == StateConnected {
			conns = append(conns, c)
		}
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			if c.Ping(p.cfg.HeartbeatTimeout) {
				c.setHealthy(true)
				return
			}
			p.log.Warn("heartbeat missed, closing connection", "connID", c.ID)
			c.Close() // triggers removeConn via the closure callback
		}(c)
	}
	wg.Wait()

	p.restore()
	p.updateGauges()
}

// restore opens replacement connections until MinConnections is reached,
// walking the endpoint list and tolerating individual dial failures
// without aborting the batch.
func (p *Pool) restore() {
	if len(p.cfg.Endpoints) == 0 {
		return
	}

	// One dial attempt per missing connection, but at least one full walk
	// of the endpoint list, so a short list can still fill a larger
	// minimum in a single round.
	p.mu.Lock()
	maxAttempts := p.cfg.MinConnections - len(p.conns)
	p.mu.Unlock()
	if maxAttempts < len(p.cfg.Endpoints) {
		maxAttempts = len(p.cfg.Endpoints)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		p.mu.Lock()
		need := p.cfg.MinConnections - len(p.conns)
		endpoint := p.cfg.Endpoints[p.epIndex%len(p.cfg.Endpoints)]
		p.epIndex++
		p.mu.Unlock()

		if need <= 0 {
			return
		}
		if _, err := p.Connect(endpoint); err != nil {
			p.log.Warn("restore dial failed", "endpoint", endpoint, "error", err)
		}
	}
}

// drainLoop periodically retries the queue so messages parked while no
// connection was available get sent once one comes back.
func (p *Pool) drainLoop() {
	defer p.loopWg.Done()
	ticker := time.NewTicker(p.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.drain()
		}
	}
}

// Stats is a read-only derived view of the pool.
type Stats struct {
	Total    int   `json:"total_connections"`
	Active   int   `json:"active_connections"`
	Healthy  int   `json:"healthy_connections"`
	Messages int64 `json:"messages_sent"`
	Errors   int64 `json:"send_errors"`
	QueueLen int   `json:"queued_messages"`
}

// Stats snapshots current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Total: len(p.conns), QueueLen: p.out.Len()}
	for _, c := range p.conns {
		if c.State() == StateConnected {
			s.Active++
			if c.Healthy() {
				s.Healthy++
			}
		}
		s.Messages += c.Messages()
		s.Errors += c.Errors()
	}
	return s
}

// Connections returns snapshots of every pooled connection.
func (p *Pool) Connections() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]Info, 0, len(p.conns))
	for _, id := range p.order {
		if c := p.conns[id]; c != nil {
			infos = append(infos, c.Snapshot())
		}
	}
	return infos
}

func (p *Pool) updateGauges() {
	if p.m == nil {
		return
	}
	s := p.Stats()
	p.m.SetConnections(s.Total, s.Active, s.Healthy)
}

// Stop closes every connection and waits for the loops to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.loopWg.Wait()

	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	p.log.Info("connection pool stopped")
}
