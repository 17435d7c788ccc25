// Package wireproto holds the JSON wire shapes shared by the agent-facing
// HTTP API, the hub command channel, and the node push channel (spec.md
// §6). Keeping them in one package lets every transport and the agent
// binaries decode/encode the same structs instead of each hand-rolling its
// own copy.
package wireproto

// RegisterRequest is the body of POST /api/v1/agent/register.
type RegisterRequest struct {
	Hostname     string `json:"hostname"`
	Role         string `json:"role"`
	PublicKey    string `json:"public_key"`
	OSInfo       string `json:"os_info,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
}

// RegisterResponse is returned from a successful register call.
type RegisterResponse struct {
	NodeID       string   `json:"node_id"`
	OverlayIP    string   `json:"overlay_ip"`
	HubPublicKey string   `json:"hub_public_key"`
	HubEndpoint  string   `json:"hub_endpoint"`
	AllowedIPs   []string `json:"allowed_ips"`
	DNSServers   []string `json:"dns_servers"`
	Status       string   `json:"status"`
}

// PeerWire is one peer entry in a GetConfig response.
type PeerWire struct {
	PublicKey string `json:"public_key"`
	AllowedIP string `json:"allowed_ip"`
}

// ACLRuleWire is the ACL wire shape from spec.md §6: "{src_ip, dst_ip?,
// protocol, port?, action, description?}".
type ACLRuleWire struct {
	SrcIP       string `json:"src_ip,omitempty"`
	DstIP       string `json:"dst_ip,omitempty"`
	Protocol    string `json:"protocol"`
	Port        int    `json:"port,omitempty"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

// ConfigResponse is the body of GET /api/v1/agent/config.
type ConfigResponse struct {
	OverlayIP     string        `json:"overlay_ip"`
	HubPublicKey  string        `json:"hub_public_key"`
	HubEndpoint   string        `json:"hub_endpoint"`
	Peers         []PeerWire    `json:"peers"`
	ACLRules      []ACLRuleWire `json:"acl_rules"`
	ConfigVersion uint64        `json:"config_version"`
	Status        string        `json:"status"`
}

// HeartbeatRequest is the body of POST /api/v1/agent/heartbeat.
type HeartbeatRequest struct {
	Hostname  string                 `json:"hostname"`
	PublicKey string                 `json:"public_key"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
	AgentHash string                 `json:"agent_hash,omitempty"`
}

// HeartbeatResponse reports whether the agent should re-fetch config.
type HeartbeatResponse struct {
	Success       bool `json:"success"`
	ConfigChanged bool `json:"config_changed"`
}

// HubFrame is the envelope carried on the hub command channel in both
// directions (spec.md §6: "{id|command_id, type, command|payload,
// timestamp}").
type HubFrame struct {
	ID        string                 `json:"id,omitempty"`
	CommandID uint64                 `json:"command_id,omitempty"`
	Type      string                 `json:"type"`
	Command   string                 `json:"command,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Success   bool                   `json:"success,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Hub command channel frame/command type constants (spec.md §4.6).
const (
	HubFrameWelcome       = "welcome"
	HubFrameHello         = "hello"
	HubFramePing          = "ping"
	HubFramePong          = "pong"
	HubFrameStatus        = "status"
	HubFrameCommand       = "command"
	HubFrameResponse      = "response"
	HubFrameCommandResult = "command_result"

	CommandAddPeer         = "add_peer"
	CommandRemovePeer       = "remove_peer"
	CommandUpdatePeer       = "update_peer"
	CommandSyncPeers        = "sync_peers"
	CommandGetStatus        = "get_status"
	CommandGetPeers         = "get_peers"
	CommandGetPeerStats     = "get_peer_stats"
	CommandRestartInterface = "restart_interface"
	CommandPing             = "ping"
)

// SyncPeersDiff is the result of an authoritative sync_peers command
// (spec.md §4.6: "returns a diff (added, removed, updated, unchanged,
// errors)").
type SyncPeersDiff struct {
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
	Errors    []string `json:"errors"`
}

// NodeFrame is the envelope carried on a per-node push channel (spec.md
// §4.7).
type NodeFrame struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Node push channel frame type constants.
const (
	NodeFramePing           = "ping"
	NodeFramePong           = "pong"
	NodeFrameHeartbeat      = "heartbeat"
	NodeFrameHeartbeatAck   = "heartbeat_ack"
	NodeFrameConfigUpdated  = "config_updated"
	NodeFrameStatusChanged  = "status_changed"
)

// WebSocket close codes spec.md §6 assigns specific meanings to.
const (
	CloseCodeAuthFailed = 4001
	CloseCodeSuperseded = 1000
)
