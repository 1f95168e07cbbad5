package agent

import (
	"github.com/moziai/mozi/internal/providers"
)

// LimitHistoryTurns keeps only the last limit user turns from a
// transcript. A turn is one user message plus every following non-user
// message up to the next user message, so tool results and assistant
// spans always travel with the user message that triggered them.
// limit <= 0 means unlimited. Applying the same limit twice is a no-op.
func LimitHistoryTurns(msgs []providers.Message, limit int) []providers.Message {
	if limit <= 0 || len(msgs) == 0 {
		return msgs
	}

	userCount := 0
	lastUserIndex := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == providers.RoleUser {
			userCount++
			if userCount > limit {
				return msgs[lastUserIndex:]
			}
			lastUserIndex = i
		}
	}
	return msgs
}
