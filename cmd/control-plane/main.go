// Command control-plane runs the registry, event bus, hub command
// channel, node push channel, and the admin + agent-facing HTTP APIs in
// one process (spec.md §2: "a single control-plane process").
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/ztnet/control-plane/internal/adminapi"
	"github.com/ztnet/control-plane/internal/agentapi"
	"github.com/ztnet/control-plane/internal/config"
	"github.com/ztnet/control-plane/internal/eventbus"
	"github.com/ztnet/control-plane/internal/hubchannel"
	"github.com/ztnet/control-plane/internal/nodechannel"
	"github.com/ztnet/control-plane/internal/policy"
	"github.com/ztnet/control-plane/internal/registry"
	"github.com/ztnet/control-plane/pkg/wireproto"
)

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "control-plane",
		Level: hclog.LevelFromString(os.Getenv("LOG_LEVEL")),
	})

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("starting control plane", "config", cfg.Sanitized())

	store, err := registry.New(logger, cfg.OverlayNetwork, cfg.IPPoolLowWatermark)
	if err != nil {
		logger.Error("failed to construct registry", "error", err)
		os.Exit(1)
	}

	bus := eventbus.New(logger, store)
	store.AttachBus(bus)
	registerDefaultEventHandlers(logger, bus)

	hub := hubchannel.New(logger, cfg.HubAgentAPIKey, cfg.PingInterval, cfg.CommandTimeout)
	registerHubPeerSync(logger, bus, hub)
	nodes := nodechannel.NewManager(logger, cfg.PingInterval, func(hostname, publicKey string) bool {
		node, err := store.GetNodeByHostname(hostname)
		if err != nil || node.PublicKey != publicKey || node.Status != registry.StatusActive {
			return false
		}
		return true
	}, func(hostname string, data map[string]interface{}) {
		if _, err := store.UpdateHeartbeat(hostname, ""); err != nil {
			logger.Warn("heartbeat via push channel failed", "hostname", hostname, "error", err)
		}
	})

	admin := adminapi.New(logger, store, hub, cfg.AdminSecret)
	agent := agentapi.New(logger, store, cfg)

	router := mux.NewRouter()
	router.PathPrefix("/api/v1/admin/").Handler(admin.Router())
	router.PathPrefix("/api/v1/agent/").Handler(agent.Router())
	router.HandleFunc("/api/v1/ws/hub", hub.HandleConnect)
	router.HandleFunc("/api/v1/ws/agent/{hostname}", nodes.HandleConnect)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", "error", err)
			os.Exit(1)
		}
	}()

	syncCtx, stopSync := context.WithCancel(context.Background())
	go runHubSyncLoop(syncCtx, logger, store, hub, cfg.HubSyncInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	stopSync()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}

// registerHubPeerSync invokes add_peer the moment a node transitions to
// active (spec.md §4.6: "Event handlers on NodeRegistered (with
// status=active) invoke add_peer"; this registry models that transition as
// NodeApproved, fired by both ApproveNode and ResumeNode). Dispatch is
// best-effort: failures here are recovered by runHubSyncLoop's periodic
// authoritative resync rather than retried inline.
func registerHubPeerSync(logger hclog.Logger, bus *eventbus.Bus, hub *hubchannel.Channel) {
	bus.Subscribe(eventbus.NodeApproved, func(ctx context.Context, evt eventbus.Event) error {
		publicKey, _ := evt.Payload["public_key"].(string)
		overlayIP, _ := evt.Payload["overlay_ip"].(string)
		if publicKey == "" || overlayIP == "" {
			return nil
		}
		if err := hub.AddPeer(ctx, publicKey, overlayIP+"/32"); err != nil {
			logger.Warn("add_peer dispatch failed, awaiting periodic sync_peers backstop",
				"hostname", evt.Payload["hostname"], "error", err)
		}
		return nil
	}, eventbus.PriorityNormal, 0, 0)
}

// runHubSyncLoop recomputes the active peer set from the registry and
// pushes it to the hub as an authoritative sync_peers command on every
// tick, the backstop spec.md §4.6 and §9 require for add_peer/remove_peer
// dispatches dropped by a disconnected or momentarily unreachable hub.
func runHubSyncLoop(ctx context.Context, logger hclog.Logger, store *registry.Store, hub *hubchannel.Channel, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !hub.Connected() {
				continue
			}
			nodes, err := store.ListNodes("")
			if err != nil {
				logger.Warn("sync_peers backstop: failed to list nodes", "error", err)
				continue
			}
			peers := policy.CompilePeerSet(nodes)
			wirePeers := make([]wireproto.PeerWire, len(peers))
			for i, p := range peers {
				wirePeers[i] = wireproto.PeerWire{PublicKey: p.PublicKey, AllowedIP: p.AllowedIP}
			}
			diff, err := hub.SyncPeers(ctx, wirePeers)
			if err != nil {
				logger.Warn("sync_peers backstop failed", "error", err)
				continue
			}
			logger.Debug("sync_peers backstop completed",
				"added", len(diff.Added), "removed", len(diff.Removed), "updated", len(diff.Updated))
		}
	}
}

// registerDefaultEventHandlers wires a logging subscriber onto every
// domain event type (spec.md §4.5 "register_event_handlers"); real
// deployments would add notification/metrics handlers alongside it here.
func registerDefaultEventHandlers(logger hclog.Logger, bus *eventbus.Bus) {
	logHandler := func(ctx context.Context, evt eventbus.Event) error {
		logger.Debug("domain event", "type", evt.Type, "source", evt.Source, "payload", evt.Payload)
		return nil
	}
	for _, eventType := range []eventbus.EventType{
		eventbus.NodeRegistered, eventbus.NodeApproved, eventbus.NodeSuspended,
		eventbus.NodeRevoked, eventbus.NodeDeleted, eventbus.ClientRegistered,
		eventbus.ClientDeleted, eventbus.PolicyCreated, eventbus.PolicyUpdated,
		eventbus.PolicyDeleted, eventbus.GroupCreated, eventbus.GroupUpdated,
		eventbus.GroupDeleted, eventbus.IPAllocated, eventbus.IPReleased,
		eventbus.IPPoolLow, eventbus.IPPoolExhausted, eventbus.TrustScoreChanged,
		eventbus.IntegrityWarning, eventbus.SecurityAlert, eventbus.ConfigVersionBump,
		eventbus.PeerAdded, eventbus.PeerRemoved, eventbus.PeerSyncRequested,
	} {
		bus.Subscribe(eventType, logHandler, eventbus.PriorityLow, 0, 0)
	}
}
