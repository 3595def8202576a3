package eventlog

import (
	"encoding/json"
	"fmt"
	"time"
)

// TypeNewMessage is the record type appended once per durably committed
// message.
const TypeNewMessage = "new_message"

// EventRecord is the wire payload stored in the log. Consumers dedup on
// MessageID: delivery is at-least-once and duplicates are possible after a
// pause/resume cycle or a publisher retry.
type EventRecord struct {
	Type           string    `json:"type"`
	MessageID      int64     `json:"message_id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	ReceiverID     int64     `json:"receiver_id"`
	Timestamp      time.Time `json:"timestamp"`
}

func encodeRecord(rec EventRecord) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return b, nil
}

func decodeRecord(b []byte) (EventRecord, error) {
	var rec EventRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return EventRecord{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
