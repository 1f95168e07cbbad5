package agent

import (
	"regexp"
	"strings"
)

// Provider errors that definitively indicate the request blew the model's
// context budget. Matched case-insensitively as substrings.
var overflowMarkers = []string{
	"request_too_large",
	"request exceeds the maximum size",
	"context length exceeded",
	"maximum context length",
	"prompt is too long",
	"exceeds model context window",
	"context overflow",
}

var likelyOverflowRe = regexp.MustCompile(`context window.*(too large|exceed|limit|max|requested|tokens)`)

// IsContextOverflowError classifies a provider error message as a hard
// context-window overflow.
func IsContextOverflowError(errMsg string) bool {
	if errMsg == "" {
		return false
	}
	m := strings.ToLower(errMsg)
	for _, marker := range overflowMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	if strings.Contains(m, "request size exceeds") &&
		(strings.Contains(m, "context window") || strings.Contains(m, "context length")) {
		return true
	}
	if strings.Contains(m, "413") && strings.Contains(m, "too large") {
		return true
	}
	return false
}

// IsLikelyContextOverflow applies a broader heuristic for providers with
// nonstandard overflow wording. Guardrail rejections ("context window too
// small", "minimum is ...") are explicitly not overflows.
func IsLikelyContextOverflow(errMsg string) bool {
	if IsContextOverflowError(errMsg) {
		return true
	}
	m := strings.ToLower(errMsg)
	if strings.Contains(m, "context window too small") || strings.Contains(m, "minimum is") {
		return false
	}
	return likelyOverflowRe.MatchString(m)
}

// IsCompactionFailure reports whether an overflow persisted through a
// compaction attempt, i.e. the error is an overflow and carries a
// compaction marker added by the retry path.
func IsCompactionFailure(errMsg string) bool {
	if !IsLikelyContextOverflow(errMsg) {
		return false
	}
	m := strings.ToLower(errMsg)
	return strings.Contains(m, "summarization failed") || strings.Contains(m, "compaction")
}
