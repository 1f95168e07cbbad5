package protocol

// RPC method name constants.
const (
	// Chat
	MethodChatSend  = "chat.send"
	MethodChatAbort = "chat.abort"

	// Sessions
	MethodSessionsList   = "sessions.list"
	MethodSessionsShow   = "sessions.show"
	MethodSessionsReset  = "sessions.reset"
	MethodSessionsRevert = "sessions.revert"

	// Config
	MethodConfigSnapshot = "config.snapshot"
	MethodConfigPatch    = "config.patch"
	MethodConfigApply    = "config.apply"

	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
)
