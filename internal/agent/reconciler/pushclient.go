package reconciler

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/ztnet/control-plane/pkg/wireproto"
)

// pushClient dials the per-node invalidation channel (spec.md §4.7) and
// delivers a signal on notify whenever the control plane says config may
// have changed. It reconnects with the same backoff shape
// internal/agent/hubexec.Client uses, since spec.md §4.7 explicitly allows
// degrading to HTTP polling when this channel is unavailable — reconnect
// failures here are not fatal to the reconciler.
type pushClient struct {
	logger       hclog.Logger
	wsBaseURL    string
	hostname     string
	publicKey    string
	pingInterval time.Duration
	notify       chan<- struct{}
}

func newPushClient(logger hclog.Logger, wsBaseURL, hostname, publicKey string, pingInterval time.Duration, notify chan<- struct{}) *pushClient {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &pushClient{
		logger:       logger.Named("reconciler.pushclient"),
		wsBaseURL:    wsBaseURL,
		hostname:     hostname,
		publicKey:    publicKey,
		pingInterval: pingInterval,
		notify:       notify,
	}
}

func (p *pushClient) run(stopCh <-chan struct{}) {
	failures := 0
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if err := p.runOnce(stopCh); err != nil {
			p.logger.Warn("push channel session ended, falling back to polling until reconnect", "error", err)
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
		select {
		case <-time.After(backoff):
		case <-stopCh:
			return
		}
	}
}

func (p *pushClient) runOnce(stopCh <-chan struct{}) error {
	dialURL, err := url.Parse(p.wsBaseURL)
	if err != nil {
		return err
	}
	dialURL.Path = strings.TrimSuffix(dialURL.Path, "/") + "/" + p.hostname
	q := dialURL.Query()
	q.Set("public_key", p.publicKey)
	dialURL.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	p.logger.Info("connected to push channel")

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-stopCh:
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteJSON(wireproto.NodeFrame{Type: wireproto.NodeFramePing, Timestamp: time.Now().Unix()}); err != nil {
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
		var frame wireproto.NodeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case wireproto.NodeFrameConfigUpdated, wireproto.NodeFrameStatusChanged:
			select {
			case p.notify <- struct{}{}:
			default:
			}
		}
	}
}
