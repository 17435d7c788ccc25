package hubexec

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/ztnet/control-plane/pkg/wireproto"
)

// retryInterval and maxBackoffTime mirror the exponential-backoff shape
// the teacher's watch package uses for its own long-lived reconnect loop:
// failures^2 * retryInterval, capped at maxBackoffTime.
const (
	retryInterval  = 2 * time.Second
	maxBackoffTime = 60 * time.Second
)

// Client dials the control plane's hub command channel and services
// commands against exec until the stop channel passed to Run is closed. It reconnects
// with exponential backoff on any disconnect (spec.md §4.6).
type Client struct {
	logger       hclog.Logger
	url          string
	apiKey       string
	pingInterval time.Duration
	exec         Executor
}

// NewClient constructs a Client. wsURL is the ws(s):// endpoint for the
// hub channel, e.g. "ws://control-plane:8080/api/v1/ws/hub".
func NewClient(logger hclog.Logger, wsURL, apiKey string, pingInterval time.Duration, exec Executor) *Client {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Client{logger: logger.Named("hubexec.client"), url: wsURL, apiKey: apiKey, pingInterval: pingInterval, exec: exec}
}

// Run connects and services commands until stopCh is closed, reconnecting
// on failure with exponential backoff. It never returns until stopCh
// closes.
func (c *Client) Run(stopCh <-chan struct{}) {
	failures := 0
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if err := c.runOnce(stopCh); err != nil {
			c.logger.Warn("hub channel session ended", "error", err)
		}

		select {
		case <-stopCh:
			return
		default:
		}

		failures++
		backoff := retryInterval * time.Duration(failures*failures)
		if backoff > maxBackoffTime {
			backoff = maxBackoffTime
		}
		c.logger.Info("reconnecting to hub channel", "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-stopCh:
			return
		}
	}
}

func (c *Client) runOnce(stopCh <-chan struct{}) error {
	dialURL, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("hubexec: invalid url: %w", err)
	}
	q := dialURL.Query()
	q.Set("api_key", c.apiKey)
	dialURL.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL.String(), nil)
	if err != nil {
		return fmt.Errorf("hubexec: dial failed: %w", err)
	}
	defer conn.Close()
	c.logger.Info("connected to hub channel")

	var writeMu sync.Mutex
	send := func(frame wireproto.HubFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(frame)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-stopCh:
				conn.Close()
				return
			case <-ticker.C:
				if err := send(wireproto.HubFrame{Type: wireproto.HubFramePing, Timestamp: time.Now().Unix()}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			<-done
			return err
		}

		var frame wireproto.HubFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Warn("malformed frame from control plane", "error", err)
			continue
		}

		switch frame.Type {
		case wireproto.HubFrameWelcome:
			c.logger.Info("welcomed by control plane")
		case wireproto.HubFramePong:
			// keepalive response, nothing to do
		case wireproto.HubFrameCommand:
			go c.handleCommand(send, frame)
		default:
			c.logger.Warn("unexpected frame type from control plane", "type", frame.Type)
		}
	}
}

func (c *Client) handleCommand(send func(wireproto.HubFrame) error, frame wireproto.HubFrame) {
	result := wireproto.HubFrame{Type: wireproto.HubFrameCommandResult, CommandID: frame.CommandID, Timestamp: time.Now().Unix()}

	switch frame.Command {
	case wireproto.CommandAddPeer:
		pk, _ := frame.Payload["public_key"].(string)
		ip, _ := frame.Payload["allowed_ip"].(string)
		if err := c.exec.AddPeer(pk, ip); err != nil {
			result.Error = err.Error()
		}
	case wireproto.CommandRemovePeer:
		pk, _ := frame.Payload["public_key"].(string)
		if err := c.exec.RemovePeer(pk); err != nil {
			result.Error = err.Error()
		}
	case wireproto.CommandUpdatePeer:
		pk, _ := frame.Payload["public_key"].(string)
		ip, _ := frame.Payload["allowed_ip"].(string)
		if err := c.exec.UpdatePeer(pk, ip); err != nil {
			result.Error = err.Error()
		}
	case wireproto.CommandSyncPeers:
		peers := decodePeers(frame.Payload["peers"])
		diff := c.exec.SyncPeers(peers)
		result.Data = diffToMap(diff)
	case wireproto.CommandGetStatus:
		result.Data = c.exec.GetStatus()
	case wireproto.CommandGetPeers:
		result.Data = c.exec.GetPeers()
	case wireproto.CommandGetPeerStats:
		result.Data = c.exec.GetPeerStats()
	case wireproto.CommandRestartInterface:
		if err := c.exec.RestartInterface(); err != nil {
			result.Error = err.Error()
		}
	case wireproto.CommandPing:
		// result carries no payload; a clean command_result is the pong
	default:
		result.Error = fmt.Sprintf("unknown command %q", frame.Command)
	}

	if err := send(result); err != nil {
		c.logger.Warn("failed to send command result", "command", frame.Command, "error", err)
	}
}

func decodePeers(v interface{}) []wireproto.PeerWire {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]wireproto.PeerWire, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		pk, _ := m["public_key"].(string)
		ip, _ := m["allowed_ip"].(string)
		out = append(out, wireproto.PeerWire{PublicKey: pk, AllowedIP: ip})
	}
	return out
}

func diffToMap(diff wireproto.SyncPeersDiff) map[string]interface{} {
	toInterfaces := func(ss []string) []interface{} {
		out := make([]interface{}, len(ss))
		for i, s := range ss {
			out[i] = s
		}
		return out
	}
	return map[string]interface{}{
		"added":     toInterfaces(diff.Added),
		"removed":   toInterfaces(diff.Removed),
		"updated":   toInterfaces(diff.Updated),
		"unchanged": toInterfaces(diff.Unchanged),
		"errors":    toInterfaces(diff.Errors),
	}
}
