// Package policy compiles the registry's declared policy model into
// concrete per-node ACL sets, the hub's peer set, and user×resource access
// decisions (spec.md §4.3). Every exported function here is a pure
// function of its arguments — no hidden state, no registry handle — so the
// compiler can be unit tested against hand-built snapshots, per spec.md
// §9's design note.
package policy

import (
	"net"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/ztnet/control-plane/internal/registry"
)

// ACLEntry is one compiled firewall rule a node agent installs locally
// (spec.md §6's wire shape).
type ACLEntry struct {
	SrcIP       string
	DstIP       string
	Protocol    string
	Port        int
	Action      string
	Description string
}

// Peer is one hub WireGuard-style peer (spec.md §4.3).
type Peer struct {
	PublicKey string
	AllowedIP string // overlay_ip/32
}

// CompileNodeACL produces the node-ACL compilation for target (spec.md
// §4.3). Only active nodes are eligible sources. Per spec.md §9's Open
// Question decision, only the legacy role-pair ACL model feeds this
// compilation; the richer user/group policy model feeds EvaluateAccess
// instead.
func CompileNodeACL(target *registry.Node, allNodes []*registry.Node, rules []*registry.LegacyACLRule) []ACLEntry {
	var entries []ACLEntry

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if rule.DstRole != "*" && rule.DstRole != target.Role {
			continue
		}
		for _, src := range allNodes {
			if src.Status != registry.StatusActive {
				continue
			}
			if src.Role != rule.SrcRole {
				continue
			}
			entries = append(entries, ACLEntry{
				SrcIP:    src.OverlayIP,
				DstIP:    target.OverlayIP,
				Protocol: rule.Protocol,
				Port:     rule.Port,
				Action:   rule.Action,
			})
		}
	}

	sortBySpecificity(entries)

	entries = append(entries,
		ACLEntry{Protocol: "tcp", Action: registry.ActionAllow, Description: "established,related"},
		ACLEntry{Protocol: "icmp", Action: registry.ActionAllow, Description: "icmp-echo-request"},
		ACLEntry{Action: registry.ActionDeny, Description: "default-drop"},
	)
	return entries
}

// sortBySpecificity implements spec.md §4.3's scoring: /32 on either
// address is +100, a non-/32 CIDR is +50, a specific port is +25, a
// specific protocol is +10 — higher sum sorts earlier. Ties keep the
// stable order the source rule produced them in.
func sortBySpecificity(entries []ACLEntry) {
	score := func(e ACLEntry) int {
		s := 0
		if isSlash32(e.SrcIP) || isSlash32(e.DstIP) {
			s += 100
		} else if e.SrcIP != "" || e.DstIP != "" {
			s += 50
		}
		if e.Port != 0 {
			s += 25
		}
		if e.Protocol != "" {
			s += 10
		}
		return s
	}
	sort.SliceStable(entries, func(i, j int) bool { return score(entries[i]) > score(entries[j]) })
}

func isSlash32(ip string) bool {
	return ip != "" && !strings.Contains(ip, "/") && net.ParseIP(ip) != nil
}

// CompilePeerSet is the hub peer set: every active node's (public_key,
// overlay_ip/32). Suspended and revoked nodes are omitted (spec.md §4.3).
func CompilePeerSet(allNodes []*registry.Node) []Peer {
	var peers []Peer
	for _, n := range allNodes {
		if n.Status != registry.StatusActive {
			continue
		}
		peers = append(peers, Peer{PublicKey: n.PublicKey, AllowedIP: n.OverlayIP + "/32"})
	}
	return peers
}

// AccessContext is the runtime context an access evaluation is judged
// against (spec.md §4.3).
type AccessContext struct {
	DeviceType string
	Now        time.Time
	ClientIP   net.IP
	VPNPresent bool
}

// Decision is the result of EvaluateAccess.
type Decision struct {
	Action       string // allow, deny, require_mfa
	MatchedPolicy *registry.Policy
}

// deniedByDefault is returned when no policy matches — "closed by default"
// (spec.md §4.3).
var deniedByDefault = Decision{Action: registry.ActionDeny}

// EvaluateAccess resolves whether userID may reach a resource of the given
// type/value, given the set of policies, the user's transitive group
// membership, and the access context. Absence of a match denies (spec.md
// §4.3).
func EvaluateAccess(userID string, transitiveGroups map[string]bool, resourceType, resourceValue string, ctx AccessContext, policies []*registry.Policy) Decision {
	var candidates []*registry.Policy
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		if !subjectMatches(p, userID, transitiveGroups) {
			continue
		}
		if p.ResourceType != resourceType {
			continue
		}
		if !resourceValueMatches(p.ResourceType, p.ResourceValue, resourceValue) {
			continue
		}
		if !withinValidityWindow(p, ctx.Now) {
			continue
		}
		if !conditionsSatisfied(p, ctx) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return deniedByDefault
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })
	winner := candidates[0]
	return Decision{Action: winner.Action, MatchedPolicy: winner}
}

func subjectMatches(p *registry.Policy, userID string, transitiveGroups map[string]bool) bool {
	switch p.SubjectType {
	case registry.SubjectAll:
		return true
	case registry.SubjectUser:
		return p.SubjectID == userID
	case registry.SubjectGroup:
		return transitiveGroups[p.SubjectID]
	default:
		return false
	}
}

func resourceValueMatches(resourceType, policyValue, requested string) bool {
	switch resourceType {
	case registry.ResourceDomain:
		return domainMatches(policyValue, requested)
	case registry.ResourceIPRange:
		return ipInCIDR(policyValue, requested)
	case registry.ResourceZone, registry.ResourceService:
		return policyValue == requested
	case registry.ResourceURLPattern:
		matched, err := path.Match(policyValue, requested)
		return err == nil && matched
	default:
		return false
	}
}

// domainMatches supports a leading "*." wildcard for suffix matching, e.g.
// policy value "*.internal.example.com" matches "db.internal.example.com".
func domainMatches(pattern, requested string) bool {
	if pattern == requested {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // keep the leading dot
		return strings.HasSuffix(requested, suffix)
	}
	return false
}

func ipInCIDR(cidr, ipStr string) bool {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	return network.Contains(ip)
}

func withinValidityWindow(p *registry.Policy, now time.Time) bool {
	if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
		return false
	}
	if p.ValidUntil != nil && now.After(*p.ValidUntil) {
		return false
	}
	return true
}

func conditionsSatisfied(p *registry.Policy, ctx AccessContext) bool {
	c := p.Conditions

	if len(c.DeviceTypes) > 0 && !contains(c.DeviceTypes, ctx.DeviceType) {
		return false
	}
	if c.RequireVPN && !ctx.VPNPresent {
		return false
	}
	if len(c.ClientCIDRs) > 0 {
		matched := false
		for _, cidr := range c.ClientCIDRs {
			if ipInCIDR(cidr, ctx.ClientIP.String()) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(c.Weekdays) > 0 && !withinTimeWindow(c, ctx.Now) {
		return false
	}
	return true
}

func withinTimeWindow(c registry.PolicyConditions, now time.Time) bool {
	dayOK := false
	for _, d := range c.Weekdays {
		if d == now.Weekday() {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return false
	}
	if c.WindowStart == "" || c.WindowEnd == "" {
		return true
	}
	nowHHMM := now.Format("15:04")
	return nowHHMM >= c.WindowStart && nowHHMM <= c.WindowEnd
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
