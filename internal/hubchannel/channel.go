// Package hubchannel is the single bidirectional framed channel to the one
// hub agent (spec.md §4.6). The control plane is the server side: the hub
// agent dials in, authenticates with a shared API key, and the channel
// multiplexes outbound commands against a command_id-keyed map of pending
// response slots.
package hubchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"

	"github.com/ztnet/control-plane/pkg/wireproto"
)

// ErrDisconnected is returned when a command is sent while no hub agent is
// connected (spec.md §7: "Disconnected").
var ErrDisconnected = errors.New("hubchannel: no hub agent connected")

// ErrTimeout is returned when a command's response does not arrive before
// its deadline (spec.md §7: "Timeout").
var ErrTimeout = errors.New("hubchannel: command timed out")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Channel owns the single hub connection plus its pending-command map. It
// is an ordinary constructed value (spec.md §9) — callers own its
// lifecycle and wire its HandleConnect into an HTTP mux themselves.
type Channel struct {
	logger         hclog.Logger
	apiKey         string
	pingInterval   time.Duration
	commandTimeout time.Duration

	mu            sync.Mutex
	conn          *websocket.Conn
	writeMu       sync.Mutex
	nextCommandID uint64
	pending       map[uint64]chan wireproto.HubFrame
	lastInbound   time.Time
	stopIdle      chan struct{}
}

// New constructs a Channel. pingInterval must match the value the hub
// agent is configured with; the channel is considered dead after
// 2*pingInterval of silence (spec.md §4.6).
func New(logger hclog.Logger, apiKey string, pingInterval, commandTimeout time.Duration) *Channel {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Channel{
		logger:         logger.Named("hubchannel"),
		apiKey:         apiKey,
		pingInterval:   pingInterval,
		commandTimeout: commandTimeout,
		pending:        make(map[uint64]chan wireproto.HubFrame),
	}
}

// Connected reports whether a hub agent is currently attached.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// HandleConnect upgrades the HTTP request to a WebSocket and runs the
// channel's read loop until the connection closes. It blocks, so callers
// invoke it directly from their HTTP handler goroutine.
func (c *Channel) HandleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if r.URL.Query().Get("api_key") != c.apiKey {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(wireproto.CloseCodeAuthFailed, "invalid api_key"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	c.supersede(conn)
	defer c.disconnect(conn)

	c.sendFrame(wireproto.HubFrame{Type: wireproto.HubFrameWelcome, Timestamp: c.nowUnix()})

	stopIdle := make(chan struct{})
	c.mu.Lock()
	c.stopIdle = stopIdle
	c.mu.Unlock()
	go c.watchIdle(conn, stopIdle)

	c.readLoop(conn)
}

// supersede closes any existing connection with close code 1000 and fails
// its pending slots, then installs the new connection (spec.md §4.6: "a
// new successful connect supersedes the previous one").
func (c *Channel) supersede(conn *websocket.Conn) {
	c.mu.Lock()
	old := c.conn
	oldStop := c.stopIdle
	c.conn = conn
	c.lastInbound = time.Now()
	c.mu.Unlock()

	if old != nil {
		if oldStop != nil {
			close(oldStop)
		}
		_ = old.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(wireproto.CloseCodeSuperseded, "superseded"),
			time.Now().Add(time.Second))
		old.Close()
		c.failAllPending(ErrDisconnected)
	}
}

func (c *Channel) disconnect(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
	c.failAllPending(ErrDisconnected)
}

func (c *Channel) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan wireproto.HubFrame)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- wireproto.HubFrame{Type: wireproto.HubFrameCommandResult, Success: false, Error: err.Error()}
		close(ch)
	}
}

// watchIdle closes conn once 2*pingInterval has elapsed without inbound
// traffic (spec.md §5: "Agent channels use 2 x ping_interval as an
// idle-death timeout").
func (c *Channel) watchIdle(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			last := c.lastInbound
			c.mu.Unlock()
			if time.Since(last) > 2*c.pingInterval {
				c.logger.Warn("hub channel idle timeout, closing")
				conn.Close()
				return
			}
		}
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.mu.Lock()
		c.lastInbound = time.Now()
		c.mu.Unlock()

		var frame wireproto.HubFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Warn("malformed hub frame", "error", err)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Channel) handleFrame(frame wireproto.HubFrame) {
	switch frame.Type {
	case wireproto.HubFramePing:
		c.sendFrame(wireproto.HubFrame{Type: wireproto.HubFramePong, Timestamp: c.nowUnix()})
	case wireproto.HubFrameHello:
		c.logger.Info("hub agent reconnected", "data", frame.Data)
	case wireproto.HubFrameStatus:
		c.logger.Debug("hub status frame", "data", frame.Data)
	case wireproto.HubFrameResponse, wireproto.HubFrameCommandResult:
		c.resolveCommand(frame)
	default:
		c.logger.Warn("unknown hub frame type", "type", frame.Type)
	}
}

func (c *Channel) resolveCommand(frame wireproto.HubFrame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.CommandID]
	if ok {
		delete(c.pending, frame.CommandID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- frame
	close(ch)
}

func (c *Channel) sendFrame(frame wireproto.HubFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

func (c *Channel) nowUnix() int64 { return time.Now().Unix() }

// SendCommand issues command with payload and blocks for the response, or
// until ctx is done / commandTimeout elapses (spec.md §4.6: "Send + wait
// exposes a timeout (default 30s). Concurrent senders are safe").
func (c *Channel) SendCommand(ctx context.Context, command string, payload map[string]interface{}) (wireproto.HubFrame, error) {
	if !c.Connected() {
		return wireproto.HubFrame{}, ErrDisconnected
	}

	id := atomic.AddUint64(&c.nextCommandID, 1)
	respCh := make(chan wireproto.HubFrame, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	frame := wireproto.HubFrame{CommandID: id, Type: wireproto.HubFrameCommand, Command: command, Payload: payload, Timestamp: c.nowUnix()}
	if err := c.sendFrame(frame); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return wireproto.HubFrame{}, err
	}

	timeout := c.commandTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != "" {
			return resp, fmt.Errorf("hubchannel: command %s failed: %s", command, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return wireproto.HubFrame{}, ErrTimeout
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return wireproto.HubFrame{}, ctx.Err()
	}
}

// AddPeer is the add_peer command (spec.md §4.6).
func (c *Channel) AddPeer(ctx context.Context, publicKey, allowedIP string) error {
	_, err := c.SendCommand(ctx, wireproto.CommandAddPeer, map[string]interface{}{"public_key": publicKey, "allowed_ip": allowedIP})
	return err
}

// RemovePeer is the remove_peer command.
func (c *Channel) RemovePeer(ctx context.Context, publicKey string) error {
	_, err := c.SendCommand(ctx, wireproto.CommandRemovePeer, map[string]interface{}{"public_key": publicKey})
	return err
}

// UpdatePeer is the update_peer command.
func (c *Channel) UpdatePeer(ctx context.Context, publicKey, allowedIP string) error {
	_, err := c.SendCommand(ctx, wireproto.CommandUpdatePeer, map[string]interface{}{"public_key": publicKey, "allowed_ip": allowedIP})
	return err
}

// SyncPeers authoritatively replaces the hub's peer set (spec.md §4.6:
// "sync_peers (authoritative replacement) ... returns a diff").
func (c *Channel) SyncPeers(ctx context.Context, peers []wireproto.PeerWire) (wireproto.SyncPeersDiff, error) {
	payload := map[string]interface{}{"peers": peers}
	resp, err := c.SendCommand(ctx, wireproto.CommandSyncPeers, payload)
	if err != nil {
		return wireproto.SyncPeersDiff{}, err
	}
	diff, err := decodeDiff(resp.Data)
	if err != nil {
		c.logger.Warn("malformed sync_peers response data", "error", err)
		return wireproto.SyncPeersDiff{}, nil
	}
	return diff, nil
}

// decodeDiff converts the command_result frame's loosely-typed payload
// (unmarshaled JSON, so every slice arrives as []interface{}) into a
// SyncPeersDiff the same way mapstructure decodes RPC argument maps
// throughout the teacher tree, rather than hand-rolling the type
// assertions per field.
func decodeDiff(data map[string]interface{}) (wireproto.SyncPeersDiff, error) {
	var diff wireproto.SyncPeersDiff
	err := mapstructure.Decode(data, &diff)
	return diff, err
}

// GetStatus is the get_status command.
func (c *Channel) GetStatus(ctx context.Context) (map[string]interface{}, error) {
	resp, err := c.SendCommand(ctx, wireproto.CommandGetStatus, nil)
	return resp.Data, err
}

// GetPeers is the get_peers command.
func (c *Channel) GetPeers(ctx context.Context) (map[string]interface{}, error) {
	resp, err := c.SendCommand(ctx, wireproto.CommandGetPeers, nil)
	return resp.Data, err
}

// GetPeerStats is the get_peer_stats command.
func (c *Channel) GetPeerStats(ctx context.Context) (map[string]interface{}, error) {
	resp, err := c.SendCommand(ctx, wireproto.CommandGetPeerStats, nil)
	return resp.Data, err
}

// RestartInterface is the restart_interface command.
func (c *Channel) RestartInterface(ctx context.Context) error {
	_, err := c.SendCommand(ctx, wireproto.CommandRestartInterface, nil)
	return err
}

// Ping is the ping command (distinct from the keepalive ping/pong frames:
// this is a command/command_result round trip used for health probes).
func (c *Channel) Ping(ctx context.Context) error {
	_, err := c.SendCommand(ctx, wireproto.CommandPing, nil)
	return err
}
