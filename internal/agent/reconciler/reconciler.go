// Package reconciler implements the node agent's main loop (spec.md
// §4.9): register once, wait for approval, then continuously keep the
// local tunnel peer-set and ACL-set in sync with the control plane's
// canonical configuration, driven by either the push channel or a
// polling fallback.
package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/ztnet/control-plane/pkg/wireproto"
)

// retryInterval and maxBackoffTime shape both the registration retry loop
// and the push channel's reconnect loop, the same failures^2 backoff
// watch/plan.go in the teacher tree uses for its own reconnect.
const (
	retryInterval  = 2 * time.Second
	maxBackoffTime = 60 * time.Second
)

// Config controls one reconciler run.
type Config struct {
	HTTPBaseURL  string // e.g. "http://control-plane:8080"
	WSBaseURL    string // e.g. "ws://control-plane:8080/api/v1/ws/agent"
	Hostname     string
	Role         string
	AgentVersion string
	KeypairPath  string
	PollInterval time.Duration
	PingInterval time.Duration
}

// Reconciler drives one node agent's lifecycle end to end.
type Reconciler struct {
	cfg      Config
	logger   hclog.Logger
	http     *httpClient
	executor Executor

	keypair     Keypair
	nodeID      string
	lastApplied uint64
}

// New constructs a Reconciler. The keypair is generated and persisted on
// first use if cfg.KeypairPath does not yet exist (spec.md §4.9).
func New(logger hclog.Logger, cfg Config, executor Executor) (*Reconciler, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if executor == nil {
		executor = NewNoopExecutor(logger)
	}

	kp, err := LoadOrGenerateKeypair(cfg.KeypairPath)
	if err != nil {
		return nil, err
	}

	return &Reconciler{
		cfg:      cfg,
		logger:   logger.Named("reconciler"),
		http:     newHTTPClient(cfg.HTTPBaseURL),
		executor: executor,
		keypair:  kp,
	}, nil
}

// Run blocks until stopCh closes: it registers (retrying with backoff),
// waits for admin approval, then enters the apply/heartbeat loop.
func (r *Reconciler) Run(stopCh <-chan struct{}) error {
	status, err := r.registerUntilSuccess(stopCh)
	if err != nil {
		return err
	}

	status, err = r.waitForApproval(status, stopCh)
	if err != nil {
		return err
	}
	r.logger.Info("node approved, entering reconcile loop", "status", status)

	notify := make(chan struct{}, 1)
	pc := newPushClient(r.logger, r.cfg.WSBaseURL, r.cfg.Hostname, r.keypair.PublicKey, r.cfg.PingInterval, notify)
	go pc.run(stopCh)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	heartbeatTicker := time.NewTicker(r.cfg.PingInterval)
	defer heartbeatTicker.Stop()

	r.reconcileOnce(context.Background())

	for {
		select {
		case <-stopCh:
			return nil
		case <-notify:
			r.reconcileOnce(context.Background())
		case <-ticker.C:
			r.reconcileOnce(context.Background())
		case <-heartbeatTicker.C:
			r.sendHeartbeat(context.Background())
		}
	}
}

func (r *Reconciler) registerUntilSuccess(stopCh <-chan struct{}) (string, error) {
	failures := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		resp, err := r.http.register(ctx, wireproto.RegisterRequest{
			Hostname:     r.cfg.Hostname,
			Role:         r.cfg.Role,
			PublicKey:    r.keypair.PublicKey,
			AgentVersion: r.cfg.AgentVersion,
		})
		cancel()
		if err == nil {
			r.nodeID = resp.NodeID
			return resp.Status, nil
		}
		r.logger.Warn("registration attempt failed", "error", err)

		failures++
		backoff := retryInterval * time.Duration(failures*failures)
		if backoff > maxBackoffTime {
			backoff = maxBackoffTime
		}
		select {
		case <-time.After(backoff):
		case <-stopCh:
			return "", fmt.Errorf("reconciler: stopped before registration succeeded")
		}
	}
}

// waitForApproval polls get_config until it succeeds, i.e. until the node
// is active. A 403 (pending, suspended or revoked) keeps it waiting; apart
// from success, only closing stopCh ends the wait.
func (r *Reconciler) waitForApproval(status string, stopCh <-chan struct{}) (string, error) {
	if status == "active" {
		return status, nil
	}
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return "", fmt.Errorf("reconciler: stopped while awaiting approval")
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			_, httpStatus, err := r.http.getConfig(ctx, r.cfg.Hostname)
			cancel()
			if err == nil {
				return "active", nil
			}
			if httpStatus == 403 {
				continue
			}
			r.logger.Warn("error while awaiting approval", "error", err)
		}
	}
}

// reconcileOnce fetches canonical config and applies it only if
// config_version strictly increased (spec.md §4.9: "a received config
// with version <= last applied is silently ignored").
func (r *Reconciler) reconcileOnce(ctx context.Context) {
	cfg, _, err := r.http.getConfig(ctx, r.cfg.Hostname)
	if err != nil {
		r.logger.Warn("get_config failed", "error", err)
		return
	}
	if cfg.ConfigVersion <= r.lastApplied {
		return
	}

	if err := r.executor.ApplyPeers(cfg.Peers); err != nil {
		r.logger.Error("failed to apply peer set", "error", err)
		return
	}
	if err := r.executor.ApplyACLRules(cfg.ACLRules); err != nil {
		r.logger.Error("failed to apply acl rules", "error", err)
		return
	}
	r.lastApplied = cfg.ConfigVersion
	r.logger.Info("applied config", "config_version", cfg.ConfigVersion, "peers", len(cfg.Peers), "acl_rules", len(cfg.ACLRules))
}

func (r *Reconciler) sendHeartbeat(ctx context.Context) {
	resp, err := r.http.heartbeat(ctx, wireproto.HeartbeatRequest{
		Hostname:  r.cfg.Hostname,
		PublicKey: r.keypair.PublicKey,
		AgentHash: r.agentHash(),
	})
	if err != nil {
		r.logger.Warn("heartbeat failed", "error", err)
		return
	}
	if resp.ConfigChanged {
		r.reconcileOnce(ctx)
	}
}

// agentHash is a stand-in for a real binary-integrity measurement (e.g.
// hashing the running executable); computing that is outside this
// module's scope, so this derives a stable per-identity value instead —
// enough to exercise the integrity verifier's comparison logic end to
// end without claiming to attest to anything real.
func (r *Reconciler) agentHash() string {
	sum := sha256.Sum256([]byte(r.cfg.Hostname + ":" + r.cfg.AgentVersion + ":" + r.keypair.PublicKey))
	return hex.EncodeToString(sum[:])
}
