package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"chatify/internal/eventlog"
)

// Notifier is the downstream consumer of the message event log. It is
// idempotent on the durable message id: the log delivers at-least-once, and
// a record replayed after a pause/resume cycle or restart is skipped.
type Notifier struct {
	logger zerolog.Logger

	mu        sync.Mutex
	processed map[int64]struct{}
}

func NewNotifier(logger zerolog.Logger) *Notifier {
	return &Notifier{
		logger:    logger.With().Str("component", "notifier").Logger(),
		processed: make(map[int64]struct{}),
	}
}

// Handle implements eventlog.Handler.
func (n *Notifier) Handle(_ context.Context, e eventlog.Entry) error {
	n.mu.Lock()
	if _, dup := n.processed[e.Record.MessageID]; dup {
		n.mu.Unlock()
		n.logger.Debug().Int64("message_id", e.Record.MessageID).Msg("duplicate record skipped")
		return nil
	}
	n.processed[e.Record.MessageID] = struct{}{}
	n.mu.Unlock()

	n.logger.Info().
		Str("type", e.Record.Type).
		Int64("message_id", e.Record.MessageID).
		Int64("conversation_id", e.Record.ConversationID).
		Int64("sender_id", e.Record.SenderID).
		Int64("receiver_id", e.Record.ReceiverID).
		Msg("message event processed")
	return nil
}
