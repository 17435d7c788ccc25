// Command node-agent runs the reconciler loop that registers a workload
// node with the control plane, waits for admin approval, then keeps its
// local peer set and ACL set in sync (spec.md §4.9).
package main

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/ztnet/control-plane/internal/agent/reconciler"
	"github.com/ztnet/control-plane/internal/registry"
)

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "node-agent",
		Level: hclog.LevelFromString(os.Getenv("LOG_LEVEL")),
	})

	hostname := os.Getenv("NODE_HOSTNAME")
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			logger.Error("NODE_HOSTNAME not set and os.Hostname failed", "error", err)
			os.Exit(1)
		}
		hostname = h
	}

	role := getenv("NODE_ROLE", registry.RoleApp)
	cfg := reconciler.Config{
		HTTPBaseURL:  getenv("CONTROL_PLANE_HTTP_URL", "http://127.0.0.1:8080"),
		WSBaseURL:    getenv("CONTROL_PLANE_WS_URL", "ws://127.0.0.1:8080/api/v1/ws/agent"),
		Hostname:     hostname,
		Role:         role,
		AgentVersion: getenv("AGENT_VERSION", "dev"),
		KeypairPath:  getenv("KEYPAIR_PATH", "/var/lib/node-agent/keypair.json"),
		PollInterval: getenvSeconds(logger, "POLL_INTERVAL_SECONDS", 30*time.Second),
		PingInterval: getenvSeconds(logger, "PING_INTERVAL_SECONDS", 30*time.Second),
	}

	exec := reconciler.NewNoopExecutor(logger)
	r, err := reconciler.New(logger, cfg, exec)
	if err != nil {
		logger.Error("failed to construct reconciler", "error", err)
		os.Exit(1)
	}

	stopCh := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down")
		close(stopCh)
	}()

	logger.Info("starting reconciler", "hostname", hostname, "role", role)
	if err := r.Run(stopCh); err != nil {
		logger.Error("reconciler exited", "error", err)
		os.Exit(1)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvSeconds(logger hclog.Logger, key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	seconds, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn("invalid duration env var, using default", "key", key, "value", v)
		return def
	}
	return time.Duration(seconds) * time.Second
}
