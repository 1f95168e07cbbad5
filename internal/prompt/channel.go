package prompt

import (
	"fmt"
	"strings"
	"time"
)

// ChannelContext describes the inbound channel binding of a session. It
// is rendered once per session, on the first inbound message.
type ChannelContext struct {
	Channel    string
	PeerType   string
	PeerID     string
	AccountID  string
	ThreadID   string
	SenderID   string
	SenderName string
	Timestamp  time.Time
}

// BuildChannelContext renders the channel context block. Empty fields
// are omitted; every value is sanitized before embedding.
func BuildChannelContext(cc ChannelContext) string {
	var b strings.Builder
	b.WriteString("# Channel Context\n")
	field := func(key, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "- %s: %s\n", key, Sanitize(value))
	}
	field("channel", cc.Channel)
	field("peerType", cc.PeerType)
	field("peerId", cc.PeerID)
	field("accountId", cc.AccountID)
	field("threadId", cc.ThreadID)
	field("senderId", cc.SenderID)
	field("senderName", cc.SenderName)
	if !cc.Timestamp.IsZero() {
		field("timestamp", cc.Timestamp.UTC().Format(time.RFC3339))
	}
	return strings.TrimSuffix(b.String(), "\n")
}
