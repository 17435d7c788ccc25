package reconciler

import (
	hclog "github.com/hashicorp/go-hclog"

	"github.com/ztnet/control-plane/pkg/wireproto"
)

// Executor applies a compiled peer-set and ACL-set to the node's local
// tunnel interface and firewall. Ordering matters: spec.md §4.9 requires
// peers applied before ACL rules, since a rule referencing a not-yet-added
// peer is meaningless.
type Executor interface {
	ApplyPeers(peers []wireproto.PeerWire) error
	ApplyACLRules(rules []wireproto.ACLRuleWire) error
}

// NoopExecutor logs what it would apply. Real host-level tunnel/firewall
// wiring is outside this module's scope, mirroring hubexec.NoopExecutor's
// role on the hub side.
type NoopExecutor struct {
	logger hclog.Logger
}

// NewNoopExecutor constructs a NoopExecutor.
func NewNoopExecutor(logger hclog.Logger) *NoopExecutor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &NoopExecutor{logger: logger.Named("reconciler.executor")}
}

func (e *NoopExecutor) ApplyPeers(peers []wireproto.PeerWire) error {
	e.logger.Info("applying peer set", "count", len(peers))
	return nil
}

func (e *NoopExecutor) ApplyACLRules(rules []wireproto.ACLRuleWire) error {
	e.logger.Info("applying acl rules", "count", len(rules))
	return nil
}
