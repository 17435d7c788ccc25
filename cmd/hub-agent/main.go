// Command hub-agent runs the peer executor client that dials the control
// plane's hub command channel (spec.md §4.7: "the hub is a WebSocket
// client; the control plane is the server"). It is the process that would,
// in a real deployment, own the WireGuard interface the hub role routes
// traffic through.
package main

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/ztnet/control-plane/internal/agent/hubexec"
)

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "hub-agent",
		Level: hclog.LevelFromString(os.Getenv("LOG_LEVEL")),
	})

	controlPlaneURL := getenv("CONTROL_PLANE_WS_URL", "ws://127.0.0.1:8080/api/v1/ws/hub")
	apiKey := os.Getenv("HUB_AGENT_API_KEY")
	if apiKey == "" {
		logger.Error("HUB_AGENT_API_KEY must be set")
		os.Exit(1)
	}
	pingInterval := getenvDuration(logger, "PING_INTERVAL", 30*time.Second)

	exec := hubexec.NewNoopExecutor(logger)
	client := hubexec.NewClient(logger, controlPlaneURL, apiKey, pingInterval, exec)

	stopCh := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down")
		close(stopCh)
	}()

	logger.Info("connecting to control plane", "url", controlPlaneURL)
	client.Run(stopCh)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(logger hclog.Logger, key string, def time.Duration) time.Duration {
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
