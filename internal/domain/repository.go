package domain

import (
	"context"
	"time"
)

// ConversationRepository defines persistence operations for conversations.
//
// CreateForPair must serialize concurrent creates for the same pair: when
// two senders race on the first message of a pair, both calls return the
// same conversation row.
type ConversationRepository interface {
	FindByPair(ctx context.Context, lo, hi int64) (*Conversation, error)
	CreateForPair(ctx context.Context, lo, hi int64) (*Conversation, error)
	GetByID(ctx context.Context, id int64) (*Conversation, error)
	Touch(ctx context.Context, id int64, at time.Time) error
}

// MessageRepository defines persistence operations for messages.
type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id int64) (*Message, error)
	ListBetween(ctx context.Context, a, b int64) ([]*Message, error)
	MarkSeen(ctx context.Context, id int64) error
	SoftDelete(ctx context.Context, id int64) error
}
