package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/conduit/pkg/types"
)

// wsPeer is a test WebSocket endpoint. Received non-ping envelopes land
// on Inbox; pings are answered with pongs when autoPong is set.
type wsPeer struct {
	URL   string
	Inbox chan types.Envelope

	srv      *httptest.Server
	autoPong bool
}

func newWSPeer(t *testing.T, autoPong bool) *wsPeer {
	t.Helper()
	peer := &wsPeer{Inbox: make(chan types.Envelope, 64), autoPong: autoPong}

	upgrader := websocket.Upgrader{}
	peer.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			var env types.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == types.MsgPing {
				if peer.autoPong {
					ws.WriteJSON(types.Envelope{Type: types.MsgPong, Timestamp: time.Now().UTC()})
				}
				continue
			}
			peer.Inbox <- env
		}
	}))
	t.Cleanup(peer.srv.Close)

	peer.URL = "ws" + strings.TrimPrefix(peer.srv.URL, "http")
	return peer
}

func (p *wsPeer) recv(t *testing.T) types.Envelope {
	t.Helper()
	select {
	case env := <-p.Inbox:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return types.Envelope{}
	}
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := NewPool(cfg, nil, nil)
	t.Cleanup(p.Stop)
	return p
}

func TestConnectAndSend(t *testing.T) {
	peer := newWSPeer(t, true)
	p := newTestPool(t, Config{Endpoints: []string{peer.URL}})
	require.NoError(t, p.Start())

	p.Send(types.Envelope{Type: types.MsgNotify, Timestamp: time.Now().UTC()}, DefaultPriority)

	env := peer.recv(t)
	assert.Equal(t, types.MsgNotify, env.Type)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 0, stats.QueueLen)
}

func TestSendQueuesUntilConnectionAvailable(t *testing.T) {
	p := newTestPool(t, Config{DrainInterval: 20 * time.Millisecond})
	require.NoError(t, p.Start())

	// No connection yet: the message waits in the queue, never dropped.
	p.Send(types.Envelope{Type: types.MsgNotify}, DefaultPriority)
	assert.Equal(t, 1, p.Stats().QueueLen)

	peer := newWSPeer(t, true)
	ws, _, err := websocket.DefaultDialer.Dial(peer.URL, nil)
	require.NoError(t, err)
	p.Adopt(ws, peer.URL)

	env := peer.recv(t)
	assert.Equal(t, types.MsgNotify, env.Type)
}

func TestMaxConnectionsCap(t *testing.T) {
	peer := newWSPeer(t, true)
	p := newTestPool(t, Config{MaxConnections: 1})

	_, err := p.Connect(peer.URL)
	require.NoError(t, err)

	_, err = p.Connect(peer.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_connections")
}

func TestDialFailureIsClassified(t *testing.T) {
	p := newTestPool(t, Config{ConnectTimeout: 200 * time.Millisecond})

	_, err := p.Connect("ws://127.0.0.1:1/ws")
	require.Error(t, err)
	assert.Equal(t, types.KindConnection, types.KindOf(err))
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	peerA := newWSPeer(t, true)
	peerB := newWSPeer(t, true)
	p := newTestPool(t, Config{MaxConnections: 5})

	_, err := p.Connect(peerA.URL)
	require.NoError(t, err)
	_, err = p.Connect(peerB.URL)
	require.NoError(t, err)

	p.Broadcast(types.Envelope{Type: types.MsgNotify, Timestamp: time.Now().UTC()})

	assert.Equal(t, types.MsgNotify, peerA.recv(t).Type)
	assert.Equal(t, types.MsgNotify, peerB.recv(t).Type)
}

func TestSubscribedPeerReceivesJobEvents(t *testing.T) {
	peer := newWSPeer(t, true)
	p := newTestPool(t, Config{MaxConnections: 5})

	conn, err := p.Connect(peer.URL)
	require.NoError(t, err)

	// Simulate the peer's subscribe request landing on the read loop.
	conn.mu.Lock()
	conn.subs["job-001"] = struct{}{}
	conn.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"stage": "extract"})
	p.SendEvent(types.Event{
		JobID:     "job-001",
		Type:      types.EventProgress,
		Seq:       1,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})

	env := peer.recv(t)
	assert.Equal(t, types.MsgJobProgress, env.Type)

	var ev types.Event
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, types.JobID("job-001"), ev.JobID)
	assert.Equal(t, uint64(1), ev.Seq)
}

func TestHealthCheckRemovesSilentPeerAndRestores(t *testing.T) {
	silent := newWSPeer(t, false) // never answers pings
	p := newTestPool(t, Config{
		MinConnections:      1,
		HealthCheckInterval: time.Hour, // driven manually below
		HeartbeatTimeout:    100 * time.Millisecond,
		Endpoints:           []string{silent.URL},
	})

	_, err := p.Connect(silent.URL)
	require.NoError(t, err)
	require.Equal(t, 1, p.Stats().Total)

	p.checkHealth()

	// The silent connection was closed and a replacement dialed to keep
	// the pool at MinConnections.
	stats := p.Stats()
	assert.Equal(t, 1, stats.Total)
}

func TestPingPongKeepsConnectionAlive(t *testing.T) {
	peer := newWSPeer(t, true)
	p := newTestPool(t, Config{HeartbeatTimeout: time.Second})

	conn, err := p.Connect(peer.URL)
	require.NoError(t, err)

	assert.True(t, conn.Ping(time.Second))
	assert.True(t, conn.Healthy())
}

func TestRemovedConnLeavesPool(t *testing.T) {
	peer := newWSPeer(t, true)
	p := newTestPool(t, Config{})

	conn, err := p.Connect(peer.URL)
	require.NoError(t, err)
	require.Equal(t, 1, p.Stats().Total)

	conn.Close()

	require.Eventually(t, func() bool {
		return p.Stats().Total == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestUnhealthyNeedsConsecutiveSendFailures(t *testing.T) {
	peer := newWSPeer(t, true)
	p := newTestPool(t, Config{ErrorThreshold: 2})

	conn, err := p.Connect(peer.URL)
	require.NoError(t, err)

	conn.noteWriteError()
	assert.Equal(t, int64(1), conn.ConsecutiveErrors())

	// A successful send resets the streak; the lifetime total keeps
	// counting for stats.
	require.NoError(t, conn.Send(types.Envelope{Type: types.MsgNotify, Timestamp: time.Now().UTC()}))
	assert.Equal(t, int64(0), conn.ConsecutiveErrors())
	assert.Equal(t, int64(1), conn.Errors())

	// A single failure long after recovery must not re-trip the threshold.
	conn.noteWriteError()
	p.noteSendFailure(conn, errors.New("write: broken pipe"))
	assert.True(t, conn.Healthy())

	conn.noteWriteError()
	p.noteSendFailure(conn, errors.New("write: broken pipe"))
	assert.False(t, conn.Healthy())
}

func TestRestoreFillsMinimumFromFewEndpoints(t *testing.T) {
	peer := newWSPeer(t, true)
	p := newTestPool(t, Config{
		MinConnections: 3,
		MaxConnections: 5,
		Endpoints:      []string{peer.URL},
	})

	// A single endpoint must still be able to fill a larger minimum in
	// one round.
	p.restore()
	assert.Equal(t, 3, p.Stats().Total)
}
