package sessions

import "testing"

// TestBuildKey verifies the canonical key format for the supported
// combinations of account and thread qualifiers.
func TestBuildKey(t *testing.T) {
	tests := []struct {
		name  string
		parts KeyParts
		want  string
	}{
		{
			name:  "dm without account",
			parts: KeyParts{AgentID: "main", ChannelID: "telegram", PeerType: PeerDM, PeerID: "386246614"},
			want:  "agent:main:telegram:dm:386246614",
		},
		{
			name:  "group without account",
			parts: KeyParts{AgentID: "main", ChannelID: "telegram", PeerType: PeerGroup, PeerID: "-100123456"},
			want:  "agent:main:telegram:group:-100123456",
		},
		{
			name:  "dm with account",
			parts: KeyParts{AgentID: "ops", ChannelID: "discord", AccountID: "bot2", PeerType: PeerDM, PeerID: "42"},
			want:  "agent:ops:discord:bot2:dm:42",
		},
		{
			name:  "group with thread",
			parts: KeyParts{AgentID: "main", ChannelID: "discord", PeerType: PeerGroup, PeerID: "987654", ThreadID: "112233"},
			want:  "agent:main:discord:group:987654:thread:112233",
		},
		{
			name:  "dm with account and thread",
			parts: KeyParts{AgentID: "main", ChannelID: "slack", AccountID: "acct", PeerType: PeerDM, PeerID: "U1", ThreadID: "171234.99"},
			want:  "agent:main:slack:acct:dm:U1:thread:171234.99",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.parts.String(); got != tt.want {
				t.Errorf("KeyParts.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestIsDmSessionKey verifies DM detection via the :dm: marker.
func TestIsDmSessionKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"agent:main:telegram:dm:123", true},
		{"agent:main:telegram:bot2:dm:123", true},
		{"agent:main:telegram:group:-100", false},
		{"agent:main:telegram:group:-100:thread:7", false},
		{"global", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := IsDmSessionKey(tt.key); got != tt.want {
				t.Errorf("IsDmSessionKey(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

// TestExtractDmPeerId verifies peer extraction, including thread-qualifier
// stripping and non-DM keys.
func TestExtractDmPeerId(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"agent:main:telegram:dm:386246614", "386246614"},
		{"agent:main:slack:acct:dm:U1:thread:171234.99", "U1"},
		{"agent:main:telegram:group:-100123456", ""},
		{"not-a-key", ""},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := ExtractDmPeerId(tt.key); got != tt.want {
				t.Errorf("ExtractDmPeerId(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

// TestParseKey verifies agent-id extraction and rejection of malformed keys.
func TestParseKey(t *testing.T) {
	agentID, rest := ParseKey("agent:main:telegram:dm:123")
	if agentID != "main" || rest != "telegram:dm:123" {
		t.Errorf("ParseKey = (%q, %q), want (main, telegram:dm:123)", agentID, rest)
	}

	if agentID, rest := ParseKey("bogus"); agentID != "" || rest != "" {
		t.Errorf("ParseKey(bogus) = (%q, %q), want empty", agentID, rest)
	}
	if agentID, rest := ParseKey("session:x:y"); agentID != "" || rest != "" {
		t.Errorf("ParseKey(session:x:y) = (%q, %q), want empty", agentID, rest)
	}
}

// TestSubagentKey verifies child-key derivation and parent recovery.
func TestSubagentKey(t *testing.T) {
	parent := "agent:main:telegram:dm:123"
	child := SubagentKey("researcher", parent)
	if child != "researcher::agent:main:telegram:dm:123" {
		t.Errorf("SubagentKey = %q", child)
	}
	if !IsSubagentKey(child) {
		t.Error("IsSubagentKey(child) = false, want true")
	}
	if IsSubagentKey(parent) {
		t.Error("IsSubagentKey(parent) = true, want false")
	}
	if got := ParentKeyFromSubagent(child); got != parent {
		t.Errorf("ParentKeyFromSubagent = %q, want %q", got, parent)
	}
}
