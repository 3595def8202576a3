package domain

import "time"

// Conversation is the unique container for all messages exchanged between
// one unordered pair of users. The (UserLo, UserHi) pair is canonical:
// UserLo < UserHi always holds, so one pair maps to exactly one row.
type Conversation struct {
	ID        int64     `db:"id" json:"id"`
	UserLo    int64     `db:"user_lo" json:"user_lo"`
	UserHi    int64     `db:"user_hi" json:"user_hi"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PairKey canonicalizes two user ids into the order-independent (lo, hi)
// form used for conversation lookup and cache keys.
func PairKey(a, b int64) (lo, hi int64) {
	if a < b {
		return a, b
	}
	return b, a
}

// Message represents a single direct message.
//
// ID is assigned by the durable store at commit time and is zero before
// that. TransientID identifies the message across the optimistic-relay
// window, before a durable id exists.
type Message struct {
	ID             int64     `db:"id" json:"id"`
	TransientID    string    `db:"-" json:"transient_id,omitempty"`
	ConversationID int64     `db:"conversation_id" json:"conversation_id"`
	SenderID       int64     `db:"sender_id" json:"sender_id"`
	ReceiverID     int64     `db:"receiver_id" json:"receiver_id"`
	Body           string    `db:"body" json:"body"`
	Seen           bool      `db:"seen" json:"seen"`
	Deleted        bool      `db:"deleted" json:"deleted"`
	Provisional    bool      `db:"-" json:"provisional"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
