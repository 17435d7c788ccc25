// Package nodechannel is the per-node invalidation fan-out channel
// (spec.md §4.7): one long-lived WebSocket per node agent, notification
// only — the agent always re-fetches canonical config over a separate
// idempotent HTTP read, so a lossy push transport never risks correctness.
package nodechannel

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/ztnet/control-plane/pkg/wireproto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AuthenticateFunc reports whether hostname+publicKey match an active node
// (spec.md §4.7: "both must match an active node"). Kept as a function
// value rather than an interface bound to the registry package so this
// package stays free of a registry import, the same decoupling
// internal/eventbus.Persister gives the event bus from the registry.
type AuthenticateFunc func(hostname, publicKey string) bool

// HeartbeatFunc is invoked for every inbound heartbeat frame so the caller
// can update last_seen and feed the integrity verifier (spec.md §4.7).
type HeartbeatFunc func(hostname string, data map[string]interface{})

type nodeConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	lastPing time.Time
	stopIdle chan struct{}
}

// Manager owns the hostname -> connection map for every connected node
// agent.
type Manager struct {
	logger       hclog.Logger
	pingInterval time.Duration
	authenticate AuthenticateFunc
	onHeartbeat  HeartbeatFunc

	mu    sync.Mutex
	conns map[string]*nodeConn
}

// NewManager constructs a Manager. pingInterval bounds the idle-death
// timeout at 2*pingInterval, matching the hub channel's rule.
func NewManager(logger hclog.Logger, pingInterval time.Duration, authenticate AuthenticateFunc, onHeartbeat HeartbeatFunc) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		logger:       logger.Named("nodechannel"),
		pingInterval: pingInterval,
		authenticate: authenticate,
		onHeartbeat:  onHeartbeat,
		conns:        make(map[string]*nodeConn),
	}
}

// HandleConnect upgrades the request at /api/v1/ws/agent/{hostname} and
// runs that node's read loop until the connection closes.
func (m *Manager) HandleConnect(w http.ResponseWriter, r *http.Request) {
	hostname := mux.Vars(r)["hostname"]
	publicKey := r.URL.Query().Get("public_key")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "error", err, "hostname", hostname)
		return
	}

	if hostname == "" || !m.authenticate(hostname, publicKey) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(wireproto.CloseCodeAuthFailed, "hostname/public_key mismatch"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	nc := &nodeConn{conn: conn, lastPing: time.Now(), stopIdle: make(chan struct{})}
	m.supersede(hostname, nc)
	defer m.drop(hostname, nc)

	go m.watchIdle(hostname, nc)
	m.readLoop(hostname, nc)
}

// supersede closes any existing connection for hostname with close code
// 1000 before registering the new one (spec.md §4.7: "a new connect for
// the same hostname supersedes the old one").
func (m *Manager) supersede(hostname string, nc *nodeConn) {
	m.mu.Lock()
	old := m.conns[hostname]
	m.conns[hostname] = nc
	m.mu.Unlock()

	if old != nil {
		close(old.stopIdle)
		_ = old.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(wireproto.CloseCodeSuperseded, "superseded"),
			time.Now().Add(time.Second))
		old.conn.Close()
	}
}

func (m *Manager) drop(hostname string, nc *nodeConn) {
	m.mu.Lock()
	if m.conns[hostname] == nc {
		delete(m.conns, hostname)
	}
	m.mu.Unlock()
	nc.conn.Close()
}

func (m *Manager) watchIdle(hostname string, nc *nodeConn) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-nc.stopIdle:
			return
		case <-ticker.C:
			m.mu.Lock()
			last := nc.lastPing
			m.mu.Unlock()
			if time.Since(last) > 2*m.pingInterval {
				m.logger.Warn("node channel idle timeout", "hostname", hostname)
				nc.conn.Close()
				return
			}
		}
	}
}

func (m *Manager) readLoop(hostname string, nc *nodeConn) {
	for {
		_, raw, err := nc.conn.ReadMessage()
		if err != nil {
			return
		}
		m.mu.Lock()
		nc.lastPing = time.Now()
		m.mu.Unlock()

		var frame wireproto.NodeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			m.logger.Warn("malformed node frame", "hostname", hostname, "error", err)
			continue
		}
		switch frame.Type {
		case wireproto.NodeFramePing:
			m.send(nc, wireproto.NodeFrame{Type: wireproto.NodeFramePong, Timestamp: time.Now().Unix()})
		case wireproto.NodeFrameHeartbeat:
			m.send(nc, wireproto.NodeFrame{Type: wireproto.NodeFrameHeartbeatAck, Timestamp: time.Now().Unix()})
			if m.onHeartbeat != nil {
				m.onHeartbeat(hostname, frame.Data)
			}
		default:
			m.logger.Warn("unknown node frame type", "hostname", hostname, "type", frame.Type)
		}
	}
}

func (m *Manager) send(nc *nodeConn, frame wireproto.NodeFrame) error {
	nc.writeMu.Lock()
	defer nc.writeMu.Unlock()
	return nc.conn.WriteJSON(frame)
}

// NotifyConfigUpdate delivers a config_updated frame to every hostname in
// targets (or every connected agent when targets is nil), dropping and
// excluding any connection whose send fails (spec.md §4.7). It returns the
// count delivered.
func (m *Manager) NotifyConfigUpdate(targets []string) int {
	frame := wireproto.NodeFrame{Type: wireproto.NodeFrameConfigUpdated, Timestamp: time.Now().Unix()}

	m.mu.Lock()
	var recipients map[string]*nodeConn
	if targets == nil {
		recipients = make(map[string]*nodeConn, len(m.conns))
		for h, nc := range m.conns {
			recipients[h] = nc
		}
	} else {
		recipients = make(map[string]*nodeConn, len(targets))
		for _, h := range targets {
			if nc, ok := m.conns[h]; ok {
				recipients[h] = nc
			}
		}
	}
	m.mu.Unlock()

	delivered := 0
	for hostname, nc := range recipients {
		if err := m.send(nc, frame); err != nil {
			m.logger.Warn("config_updated delivery failed, dropping connection", "hostname", hostname, "error", err)
			m.drop(hostname, nc)
			continue
		}
		delivered++
	}
	return delivered
}

// NotifyStatusChanged pushes a status_changed frame to a single node, if
// connected. It is not an error for the node to be offline.
func (m *Manager) NotifyStatusChanged(hostname, status string) {
	m.mu.Lock()
	nc, ok := m.conns[hostname]
	m.mu.Unlock()
	if !ok {
		return
	}
	frame := wireproto.NodeFrame{Type: wireproto.NodeFrameStatusChanged, Data: map[string]interface{}{"status": status}, Timestamp: time.Now().Unix()}
	if err := m.send(nc, frame); err != nil {
		m.drop(hostname, nc)
	}
}

// Connected reports whether hostname currently has a live connection.
func (m *Manager) Connected(hostname string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[hostname]
	return ok
}

// ConnectedCount returns the number of currently connected node agents.
func (m *Manager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
