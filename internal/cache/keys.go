package cache

import (
	"fmt"

	"chatify/internal/domain"
)

// ConversationKey is canonical: both orderings of the pair map to the same
// key, so a conversation snapshot has exactly one cache entry.
func ConversationKey(a, b int64) string {
	lo, hi := domain.PairKey(a, b)
	return fmt.Sprintf("conversation:%d:%d", lo, hi)
}

// MessagesKey is direction-sensitive: the list cached for (a,b) is keyed
// separately from (b,a). Mutations must invalidate both orderings.
func MessagesKey(a, b int64) string {
	return fmt.Sprintf("messages:%d:%d", a, b)
}
