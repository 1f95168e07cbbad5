package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/moziai/mozi/internal/providers"
)

// ToolCallIDMode selects how tool-call ids are normalized before a
// transcript is sent to a provider.
type ToolCallIDMode string

const (
	// ToolCallIDOff leaves ids untouched.
	ToolCallIDOff ToolCallIDMode = "off"
	// ToolCallIDStrict restricts ids to [A-Za-z0-9_-].
	ToolCallIDStrict ToolCallIDMode = "strict"
	// ToolCallIDStrict9 yields exactly nine [A-Za-z0-9] characters.
	ToolCallIDStrict9 ToolCallIDMode = "strict9"
)

// TranscriptPolicy describes the repairs a provider target needs before
// it will accept a replayed transcript.
type TranscriptPolicy struct {
	SanitizeToolCallIDs        ToolCallIDMode
	SanitizeThinkingSignatures bool
	RepairToolUseResultPairing bool
	AllowSyntheticToolResults  bool
	ApplyGoogleTurnOrdering    bool
	ValidateGeminiTurns        bool
	ValidateAnthropicTurns     bool
}

// active reports whether any repair stage is enabled.
func (p TranscriptPolicy) active() bool {
	return (p.SanitizeToolCallIDs != "" && p.SanitizeToolCallIDs != ToolCallIDOff) ||
		p.SanitizeThinkingSignatures ||
		p.RepairToolUseResultPairing ||
		p.ApplyGoogleTurnOrdering ||
		p.ValidateGeminiTurns ||
		p.ValidateAnthropicTurns
}

// IsGeminiLikeTarget reports whether a model reference routes to a
// Gemini-family backend. Only the model id participates; API family and
// provider id do not.
func IsGeminiLikeTarget(modelRef string) bool {
	return strings.Contains(strings.ToLower(modelRef), "gemini")
}

// TranscriptPolicyFor derives the repair policy for a target from its
// model reference, API family, and provider id.
func TranscriptPolicyFor(modelRef, api, provider string) TranscriptPolicy {
	if IsGeminiLikeTarget(modelRef) {
		return TranscriptPolicy{
			SanitizeToolCallIDs:        ToolCallIDStrict9,
			SanitizeThinkingSignatures: true,
			RepairToolUseResultPairing: true,
			AllowSyntheticToolResults:  true,
			ApplyGoogleTurnOrdering:    true,
			ValidateGeminiTurns:        true,
		}
	}
	switch strings.ToLower(api) {
	case "anthropic", "anthropic-messages":
		return TranscriptPolicy{
			RepairToolUseResultPairing: true,
			AllowSyntheticToolResults:  true,
			ValidateAnthropicTurns:     true,
		}
	case "openai", "openai-chat", "openai-responses":
		return TranscriptPolicy{
			SanitizeToolCallIDs:        ToolCallIDStrict,
			RepairToolUseResultPairing: true,
			AllowSyntheticToolResults:  true,
		}
	}
	return TranscriptPolicy{}
}

// SanitizeForModel repairs a transcript for the given target. See
// SanitizeTranscript.
func SanitizeForModel(msgs []providers.Message, modelRef, api, provider string) []providers.Message {
	return SanitizeTranscript(msgs, TranscriptPolicyFor(modelRef, api, provider))
}

// SanitizeTranscript runs the repair pipeline selected by policy, in a
// fixed stage order: strip leaked request metadata, normalize tool-call
// ids, drop invalid thinking signatures, repair tool-call inputs, repair
// tool-use/result pairing, enforce Google turn ordering, merge
// consecutive assistant turns, merge consecutive user turns.
//
// When the policy enables nothing, the input slice is returned as-is.
func SanitizeTranscript(msgs []providers.Message, policy TranscriptPolicy) []providers.Message {
	if !policy.active() || len(msgs) == 0 {
		return msgs
	}

	out := providers.CloneMessages(msgs)
	out = stripRequestMetadata(out)
	if policy.SanitizeToolCallIDs == ToolCallIDStrict || policy.SanitizeToolCallIDs == ToolCallIDStrict9 {
		out = normalizeToolCallIDs(out, policy.SanitizeToolCallIDs)
	}
	if policy.SanitizeThinkingSignatures {
		out = stripInvalidThinkingSignatures(out)
	}
	out = repairToolCallInputs(out)
	if policy.RepairToolUseResultPairing {
		out = repairToolPairing(out, policy.AllowSyntheticToolResults)
	}
	if policy.ApplyGoogleTurnOrdering {
		out = applyGoogleTurnOrdering(out)
	}
	if policy.ValidateGeminiTurns {
		out = mergeConsecutiveTurns(out, providers.RoleAssistant)
	}
	if policy.ValidateAnthropicTurns {
		out = mergeConsecutiveTurns(out, providers.RoleUser)
	}
	return out
}

// stripRequestMetadata removes request-level fields a transport leaked
// onto message objects.
func stripRequestMetadata(msgs []providers.Message) []providers.Message {
	for i := range msgs {
		if len(msgs[i].Extra) == 0 {
			continue
		}
		for key := range msgs[i].Extra {
			if providers.IsRequestLevelField(key) {
				delete(msgs[i].Extra, key)
			}
		}
	}
	return msgs
}

var (
	strictIDInvalidRe = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	alnumOnlyRe       = regexp.MustCompile(`[^A-Za-z0-9]`)
)

// normalizeToolCallIDs rewrites tool_use ids and matching toolResult
// references. The mapping is stable: the same source id always yields
// the same normalized id. Empty ids get a generated toolcall_{seq} name.
func normalizeToolCallIDs(msgs []providers.Message, mode ToolCallIDMode) []providers.Message {
	idMap := make(map[string]string)
	seq := 0

	normalize := func(id string) string {
		if mapped, ok := idMap[id]; ok {
			return mapped
		}
		base := id
		if base == "" {
			seq++
			base = fmt.Sprintf("toolcall_%d", seq)
		}
		var n string
		switch mode {
		case ToolCallIDStrict9:
			n = alnumOnlyRe.ReplaceAllString(base, "")
			if len(n) > 9 {
				n = n[:9]
			}
			for len(n) < 9 {
				n += "0"
			}
		default: // strict
			n = strictIDInvalidRe.ReplaceAllString(base, "_")
		}
		if id != "" {
			idMap[id] = n
		}
		return n
	}

	for i := range msgs {
		m := &msgs[i]
		for j := range m.Content {
			b := &m.Content[j]
			switch b.Type {
			case providers.BlockToolUse:
				b.ID = normalize(b.ID)
			case providers.BlockToolResult:
				if b.ToolCallID != "" {
					b.ToolCallID = normalize(b.ToolCallID)
				}
			}
		}
		if m.Role == providers.RoleToolResult && m.ToolCallID != "" {
			m.ToolCallID = normalize(m.ToolCallID)
		}
	}
	return msgs
}

var base64SignatureRe = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

func isValidThinkingSignature(sig string) bool {
	return sig != "" && len(sig)%4 == 0 && base64SignatureRe.MatchString(sig)
}

// stripInvalidThinkingSignatures drops thinking blocks whose signature
// the backend would reject, and drops assistant messages that empty out.
func stripInvalidThinkingSignatures(msgs []providers.Message) []providers.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if len(m.Content) > 0 {
			kept := m.Content[:0]
			for _, b := range m.Content {
				if b.Type == providers.BlockThinking && !isValidThinkingSignature(b.EffectiveSignature()) {
					continue
				}
				kept = append(kept, b)
			}
			m.Content = kept
			if len(m.Content) == 0 && m.Role == providers.RoleAssistant {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// repairToolCallInputs drops tool_use blocks that carry neither input
// nor arguments, and drops assistant messages that empty out.
func repairToolCallInputs(msgs []providers.Message) []providers.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if len(m.Content) > 0 {
			kept := m.Content[:0]
			for _, b := range m.Content {
				if b.Type == providers.BlockToolUse && b.Input == nil && b.Arguments == nil {
					continue
				}
				kept = append(kept, b)
			}
			m.Content = kept
			if len(m.Content) == 0 && m.Role == providers.RoleAssistant {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// toolResultID returns the call id a toolResult message answers.
func toolResultID(m *providers.Message) string {
	if m.ToolCallID != "" {
		return m.ToolCallID
	}
	for i := range m.Content {
		if m.Content[i].Type == providers.BlockToolResult && m.Content[i].ToolCallID != "" {
			return m.Content[i].ToolCallID
		}
	}
	return ""
}

// repairToolPairing rebuilds each assistant tool-call span so every
// tool_use is answered by exactly one toolResult, in call order.
// Missing results become synthetic errors when allowed; duplicates and
// orphans are dropped; interleaved non-tool messages are moved after the
// result block.
func repairToolPairing(msgs []providers.Message, allowSynthetic bool) []providers.Message {
	var out []providers.Message
	i := 0
	for i < len(msgs) {
		m := msgs[i]
		anchor := m.Role == providers.RoleAssistant &&
			m.StopReason != "error" && m.StopReason != "aborted" &&
			len(m.Content.ToolUses()) > 0

		if !anchor {
			// Tool results with no live call above them are orphans.
			if m.Role != providers.RoleToolResult {
				out = append(out, m)
			}
			i++
			continue
		}

		calls := m.Content.ToolUses()
		callNames := make(map[string]string, len(calls))
		order := make([]string, 0, len(calls))
		for _, c := range calls {
			order = append(order, c.ID)
			callNames[c.ID] = c.Name
		}

		results := make(map[string]providers.Message, len(calls))
		var remainder []providers.Message
		j := i + 1
		for j < len(msgs) && msgs[j].Role != providers.RoleAssistant {
			r := msgs[j]
			if r.Role == providers.RoleToolResult {
				id := toolResultID(&r)
				if _, wanted := callNames[id]; wanted {
					if _, dup := results[id]; !dup {
						results[id] = r
					}
				}
				// duplicates and orphans fall away
			} else {
				remainder = append(remainder, r)
			}
			j++
		}

		out = append(out, m)
		for _, id := range order {
			if r, ok := results[id]; ok {
				out = append(out, r)
				continue
			}
			if allowSynthetic {
				out = append(out, syntheticToolResult(id, callNames[id]))
			}
		}
		out = append(out, remainder...)
		i = j
	}
	return out
}

func syntheticToolResult(id, name string) providers.Message {
	text := fmt.Sprintf("[Tool result missing for %s]", name)
	if name == "" {
		text = "[Tool result missing]"
	}
	return providers.Message{
		Role:       providers.RoleToolResult,
		ToolCallID: id,
		ToolName:   name,
		IsError:    true,
		Content: providers.BlockList{
			providers.ToolResultBlock(id, name, text, true),
		},
	}
}

// applyGoogleTurnOrdering prepends a bootstrap user turn when the
// transcript opens with an assistant message. Idempotent.
func applyGoogleTurnOrdering(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 || msgs[0].Role != providers.RoleAssistant {
		return msgs
	}
	bootstrap := providers.Message{
		Role:    providers.RoleUser,
		Content: providers.BlockList{providers.TextBlock("(session bootstrap)")},
	}
	return append([]providers.Message{bootstrap}, msgs...)
}

// mergeConsecutiveTurns concatenates adjacent messages of one role into
// a single message, keeping the later message's usage, stop reason, and
// error.
func mergeConsecutiveTurns(msgs []providers.Message, role string) []providers.Message {
	if len(msgs) < 2 {
		return msgs
	}
	out := msgs[:0]
	for _, m := range msgs {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.Role == role && m.Role == role {
				last.Content = append(last.Content, m.Content...)
				last.Usage = m.Usage
				last.StopReason = m.StopReason
				last.ErrorMessage = m.ErrorMessage
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// ValidateMessageStructure reports shape problems on a single message:
// missing or unknown role, and request-level fields that leaked onto the
// object. An empty slice means the message is well-formed.
func ValidateMessageStructure(msg providers.Message) []string {
	var issues []string
	switch msg.Role {
	case "":
		issues = append(issues, "missing role")
	case providers.RoleUser, providers.RoleAssistant, providers.RoleToolResult, providers.RoleBashExecution:
	default:
		issues = append(issues, fmt.Sprintf("unknown role %q", msg.Role))
	}
	for key := range msg.Extra {
		if providers.IsRequestLevelField(key) {
			issues = append(issues, fmt.Sprintf("request-level field %q on message", key))
		}
	}
	return issues
}
