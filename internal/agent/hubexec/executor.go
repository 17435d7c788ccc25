// Package hubexec is the hub-side counterpart to internal/hubchannel: it
// dials into the control plane's hub command channel as a WebSocket
// client, executes the commands it receives against a local tunnel
// interface, and reports results back (spec.md §4.6).
package hubexec

import (
	"fmt"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/ztnet/control-plane/pkg/wireproto"
)

// Executor applies peer and interface operations to the hub's local
// WireGuard-style tunnel. The real implementation shells out to (or binds
// against) the host's tunnel tooling; actually wiring that is outside this
// module's scope, so NoopExecutor below stands in for it the way the
// teacher's own agent/cache package stubs network calls behind an
// interface for testability.
type Executor interface {
	AddPeer(publicKey, allowedIP string) error
	RemovePeer(publicKey string) error
	UpdatePeer(publicKey, allowedIP string) error
	SyncPeers(peers []wireproto.PeerWire) wireproto.SyncPeersDiff
	GetStatus() map[string]interface{}
	GetPeers() map[string]interface{}
	GetPeerStats() map[string]interface{}
	RestartInterface() error
}

// NoopExecutor logs every operation instead of touching an actual tunnel
// interface, and tracks peers in memory so GetPeers/SyncPeers reporting is
// still exercisable in tests and local runs.
type NoopExecutor struct {
	logger hclog.Logger
	peers  map[string]string // public_key -> allowed_ip
}

// NewNoopExecutor constructs a NoopExecutor.
func NewNoopExecutor(logger hclog.Logger) *NoopExecutor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &NoopExecutor{logger: logger.Named("hubexec"), peers: make(map[string]string)}
}

func (e *NoopExecutor) AddPeer(publicKey, allowedIP string) error {
	e.logger.Info("add_peer", "public_key", publicKey, "allowed_ip", allowedIP)
	e.peers[publicKey] = allowedIP
	return nil
}

func (e *NoopExecutor) RemovePeer(publicKey string) error {
	e.logger.Info("remove_peer", "public_key", publicKey)
	delete(e.peers, publicKey)
	return nil
}

func (e *NoopExecutor) UpdatePeer(publicKey, allowedIP string) error {
	if _, ok := e.peers[publicKey]; !ok {
		return fmt.Errorf("hubexec: unknown peer %s", publicKey)
	}
	e.logger.Info("update_peer", "public_key", publicKey, "allowed_ip", allowedIP)
	e.peers[publicKey] = allowedIP
	return nil
}

// SyncPeers authoritatively replaces the peer set, diffing against what is
// currently applied (spec.md §4.6: "sync_peers ... returns a diff").
func (e *NoopExecutor) SyncPeers(peers []wireproto.PeerWire) wireproto.SyncPeersDiff {
	desired := make(map[string]string, len(peers))
	for _, p := range peers {
		desired[p.PublicKey] = p.AllowedIP
	}

	var diff wireproto.SyncPeersDiff
	for pk, allowedIP := range desired {
		current, existed := e.peers[pk]
		switch {
		case !existed:
			diff.Added = append(diff.Added, pk)
		case current != allowedIP:
			diff.Updated = append(diff.Updated, pk)
		default:
			diff.Unchanged = append(diff.Unchanged, pk)
		}
	}
	for pk := range e.peers {
		if _, stillWanted := desired[pk]; !stillWanted {
			diff.Removed = append(diff.Removed, pk)
		}
	}
	e.peers = desired
	e.logger.Info("sync_peers", "added", len(diff.Added), "removed", len(diff.Removed), "updated", len(diff.Updated))
	return diff
}

func (e *NoopExecutor) GetStatus() map[string]interface{} {
	return map[string]interface{}{"peer_count": len(e.peers), "interface": "noop0"}
}

func (e *NoopExecutor) GetPeers() map[string]interface{} {
	out := make(map[string]interface{}, len(e.peers))
	for pk, ip := range e.peers {
		out[pk] = ip
	}
	return out
}

func (e *NoopExecutor) GetPeerStats() map[string]interface{} {
	return map[string]interface{}{"peer_count": len(e.peers)}
}

func (e *NoopExecutor) RestartInterface() error {
	e.logger.Info("restart_interface")
	return nil
}
