// Package sessions persists conversation state: a manifest of keyed
// sessions plus per-segment JSONL transcripts.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{channelId}[:{accountId}]:{peerType}:{peerId}[:thread:{threadId}]
//
// Where peerType is "dm" or "group". Examples:
//
//	agent:main:telegram:dm:386246614
//	agent:main:telegram:group:-100123456
//	agent:main:telegram:bot2:dm:386246614
//	agent:main:discord:group:987654:thread:112233
package sessions

import (
	"fmt"
	"strings"
)

// PeerType distinguishes direct-message from group conversations.
type PeerType string

const (
	PeerDM    PeerType = "dm"
	PeerGroup PeerType = "group"
)

// PeerTypeFromGroup returns PeerGroup when isGroup is true, PeerDM otherwise.
func PeerTypeFromGroup(isGroup bool) PeerType {
	if isGroup {
		return PeerGroup
	}
	return PeerDM
}

// KeyParts holds the components of a session key. AccountID and ThreadID
// are optional.
type KeyParts struct {
	AgentID   string
	ChannelID string
	AccountID string
	PeerType  PeerType
	PeerID    string
	ThreadID  string
}

// String assembles the canonical key.
func (p KeyParts) String() string {
	var b strings.Builder
	b.WriteString("agent:")
	b.WriteString(p.AgentID)
	b.WriteString(":")
	b.WriteString(p.ChannelID)
	if p.AccountID != "" {
		b.WriteString(":")
		b.WriteString(p.AccountID)
	}
	b.WriteString(":")
	b.WriteString(string(p.PeerType))
	b.WriteString(":")
	b.WriteString(p.PeerID)
	if p.ThreadID != "" {
		b.WriteString(":thread:")
		b.WriteString(p.ThreadID)
	}
	return b.String()
}

// BuildKey assembles a session key without account or thread qualifiers.
func BuildKey(agentID, channelID string, peer PeerType, peerID string) string {
	return KeyParts{AgentID: agentID, ChannelID: channelID, PeerType: peer, PeerID: peerID}.String()
}

// BuildThreadKey assembles a session key scoped to a thread inside a peer
// conversation.
func BuildThreadKey(agentID, channelID string, peer PeerType, peerID, threadID string) string {
	return KeyParts{AgentID: agentID, ChannelID: channelID, PeerType: peer, PeerID: peerID, ThreadID: threadID}.String()
}

// SubagentKey derives the session key for a child run spawned from a
// parent session. The child's transcript is isolated from the parent's
// but remains traceable to it.
func SubagentKey(agentID, parentSessionKey string) string {
	return fmt.Sprintf("%s::%s", agentID, parentSessionKey)
}

// ParseKey extracts the agent id and the remainder of a canonical key.
// Returns ("", "") when key is not in the agent:{id}:{rest} form.
func ParseKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// AgentIDFromKey returns the owning agent id, or "" if unparseable.
func AgentIDFromKey(key string) string {
	agentID, _ := ParseKey(key)
	return agentID
}

// IsDmSessionKey reports whether the key addresses a direct-message
// conversation.
func IsDmSessionKey(key string) bool {
	return strings.Contains(key, ":dm:")
}

// ExtractDmPeerId returns the peer id from a DM session key, with any
// trailing thread qualifier stripped. Returns "" for non-DM keys.
func ExtractDmPeerId(key string) string {
	idx := strings.Index(key, ":dm:")
	if idx < 0 {
		return ""
	}
	peer := key[idx+len(":dm:"):]
	if t := strings.Index(peer, ":thread:"); t >= 0 {
		peer = peer[:t]
	}
	return peer
}

// IsSubagentKey reports whether the key was derived for a child run.
func IsSubagentKey(key string) bool {
	return strings.Contains(key, "::")
}

// ParentKeyFromSubagent returns the parent session key a child key was
// derived from, or "" if key is not a subagent key.
func ParentKeyFromSubagent(key string) string {
	idx := strings.Index(key, "::")
	if idx < 0 {
		return ""
	}
	return key[idx+2:]
}
