package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatify/internal/cache"
	"chatify/internal/committer"
	"chatify/internal/domain"
	"chatify/internal/eventlog"
	"chatify/internal/presence"
)

// Relay event types pushed to live endpoints.
const (
	EventNewMessage       = "new_message"
	EventMessageCommitted = "message_committed"
	EventSendFailed       = "send_failed"
)

// RelayEvent is the one payload shape delivered over any live endpoint. It
// always carries the full message value; transports never assemble partial
// shapes of their own.
type RelayEvent struct {
	Type        string          `json:"type"`
	TransientID string          `json:"transient_id,omitempty"`
	Message     *domain.Message `json:"message,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// DeliveryOptions tunes the orchestrator.
type DeliveryOptions struct {
	RelayDelay        time.Duration
	CommitTimeout     time.Duration
	CommitterCapacity int
	CacheTTL          time.Duration
}

// DeliveryService orchestrates message delivery: live relay through the
// presence registry, read-cache discipline, durable commit (synchronous or
// deferred), and event-log publication.
type DeliveryService struct {
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	cache         cache.Cache
	presence      *presence.Registry
	log           *eventlog.Log
	committer     *committer.Committer

	relayDelay time.Duration
	cacheTTL   time.Duration
	logger     zerolog.Logger
}

func NewDeliveryService(
	conversations domain.ConversationRepository,
	messages domain.MessageRepository,
	c cache.Cache,
	registry *presence.Registry,
	log *eventlog.Log,
	opts DeliveryOptions,
	logger zerolog.Logger,
) *DeliveryService {
	s := &DeliveryService{
		conversations: conversations,
		messages:      messages,
		cache:         c,
		presence:      registry,
		log:           log,
		relayDelay:    opts.RelayDelay,
		cacheTTL:      opts.CacheTTL,
		logger:        logger.With().Str("component", "delivery").Logger(),
	}
	s.committer = committer.New(opts.CommitterCapacity, opts.CommitTimeout, s.commitDeferred, logger)
	return s
}

// Close stops the deferred committer, waiting for in-flight commits.
func (s *DeliveryService) Close() {
	s.committer.Stop()
}

// PendingCommits reports the size of the deferred-commit set.
func (s *DeliveryService) PendingCommits() int {
	return s.committer.Pending()
}

type SendInput struct {
	SenderID   int64
	ReceiverID int64
	Body       string
	Optimistic bool
}

// SendMessage delivers a message from sender to receiver.
//
// Optimistic sends relay the body to the receiver's live endpoint right
// away under a transient id and defer the durability commit; the returned
// message is provisional (no durable id yet). Non-optimistic sends commit
// synchronously and return the durable message.
func (s *DeliveryService) SendMessage(ctx context.Context, in SendInput) (*domain.Message, error) {
	if in.SenderID <= 0 || in.ReceiverID <= 0 || in.SenderID == in.ReceiverID {
		return nil, fmt.Errorf("%w: sender and receiver must be distinct valid ids", domain.ErrInvalidInput)
	}
	if in.Body == "" {
		return nil, fmt.Errorf("%w: message body cannot be empty", domain.ErrInvalidInput)
	}
	if len([]rune(in.Body)) > 5000 {
		return nil, fmt.Errorf("%w: message body exceeds 5000 characters", domain.ErrInvalidInput)
	}

	conv, err := s.resolveConversation(ctx, in.SenderID, in.ReceiverID)
	if err != nil {
		return nil, err
	}

	msg := &domain.Message{
		TransientID:    uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Body:           in.Body,
		Provisional:    in.Optimistic,
		CreatedAt:      time.Now().UTC(),
	}

	if !in.Optimistic {
		if err := s.commit(ctx, msg); err != nil {
			return nil, err
		}
		return msg, nil
	}

	// The committer commits a private copy on its own goroutine; the value
	// returned to the caller stays provisional and is never written again.
	// Enqueue before relaying so a send rejected for backpressure never
	// reaches the receiver as a ghost provisional message.
	pending := *msg
	if err := s.committer.Enqueue(&pending, s.relayDelay); err != nil {
		return nil, err
	}

	// Best-effort live relay: an offline receiver is not an error, they
	// will see the message on the next read-through.
	s.relay(msg.ReceiverID, RelayEvent{
		Type:        EventNewMessage,
		TransientID: msg.TransientID,
		Message:     msg,
	})
	return msg, nil
}

// MarkSeen marks the message as seen. Only the receiver may do so.
func (s *DeliveryService) MarkSeen(ctx context.Context, messageID, callerID int64) error {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return s.storeErr("get message", err)
	}
	if msg.ReceiverID != callerID {
		return domain.ErrForbidden
	}
	if err := s.messages.MarkSeen(ctx, messageID); err != nil {
		return s.storeErr("mark seen", err)
	}
	return s.invalidatePair(ctx, msg.SenderID, msg.ReceiverID)
}

// SoftDelete flags the message as deleted. Only the sender may do so; the
// row is never physically removed.
func (s *DeliveryService) SoftDelete(ctx context.Context, messageID, callerID int64) error {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return s.storeErr("get message", err)
	}
	if msg.SenderID != callerID {
		return domain.ErrForbidden
	}
	if err := s.messages.SoftDelete(ctx, messageID); err != nil {
		return s.storeErr("soft delete", err)
	}
	return s.invalidatePair(ctx, msg.SenderID, msg.ReceiverID)
}

// GetMessages returns the ordered message history between two users,
// serving from the read cache when possible and back-filling it on miss.
func (s *DeliveryService) GetMessages(ctx context.Context, userA, userB int64) ([]*domain.Message, error) {
	key := cache.MessagesKey(userA, userB)
	if b, err := s.cache.Get(ctx, key); err == nil {
		var msgs []*domain.Message
		if jsonErr := json.Unmarshal(b, &msgs); jsonErr == nil {
			return msgs, nil
		}
		// Undecodable entry: drop it and fall through to the store.
		_ = s.cache.Del(ctx, key)
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn().Str("key", key).Err(err).Msg("cache read failed, falling back to store")
	}

	msgs, err := s.messages.ListBetween(ctx, userA, userB)
	if err != nil {
		return nil, s.storeErr("list messages", err)
	}
	if b, err := json.Marshal(msgs); err == nil {
		if err := s.cache.Set(ctx, key, b, s.cacheTTL); err != nil {
			s.logger.Warn().Str("key", key).Err(err).Msg("cache backfill failed")
		}
	}
	return msgs, nil
}

// resolveConversation finds or lazily creates the conversation for the
// pair. The cached snapshot carries the conversation id, so a cache hit
// costs no store round-trip. Concurrent first-use is serialized by the
// store's pair uniqueness constraint.
func (s *DeliveryService) resolveConversation(ctx context.Context, a, b int64) (*domain.Conversation, error) {
	key := cache.ConversationKey(a, b)
	if raw, err := s.cache.Get(ctx, key); err == nil {
		conv := &domain.Conversation{}
		if jsonErr := json.Unmarshal(raw, conv); jsonErr == nil && conv.ID != 0 {
			return conv, nil
		}
		_ = s.cache.Del(ctx, key)
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn().Str("key", key).Err(err).Msg("cache read failed, falling back to store")
	}

	lo, hi := domain.PairKey(a, b)
	conv, err := s.conversations.FindByPair(ctx, lo, hi)
	if errors.Is(err, domain.ErrNotFound) {
		conv, err = s.conversations.CreateForPair(ctx, lo, hi)
	}
	if err != nil {
		return nil, s.storeErr("resolve conversation", err)
	}

	if raw, err := json.Marshal(conv); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
			s.logger.Warn().Str("key", key).Err(err).Msg("cache backfill failed")
		}
	}
	return conv, nil
}

// commit is the durability commit of §"synchronous commit path": persist
// the message, bump the conversation, invalidate every cache key computed
// from the pair, publish the event record, and swap the transient id for
// the durable one on any live endpoints.
func (s *DeliveryService) commit(ctx context.Context, msg *domain.Message) error {
	wasProvisional := msg.Provisional

	if err := s.messages.Create(ctx, msg); err != nil {
		return s.storeErr("persist message", err)
	}
	msg.Provisional = false

	// The row is durable from here on, so stale list snapshots must go
	// before anything else can fail and short-circuit the commit.
	if err := s.invalidatePair(ctx, msg.SenderID, msg.ReceiverID); err != nil {
		return err
	}

	if err := s.conversations.Touch(ctx, msg.ConversationID, msg.CreatedAt); err != nil {
		return s.storeErr("touch conversation", err)
	}

	// Log publication is best-effort relative to the store: a failure is
	// logged and the commit stands.
	rec := eventlog.EventRecord{
		Type:           eventlog.TypeNewMessage,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Timestamp:      msg.CreatedAt,
	}
	if _, _, err := s.log.Publish(ctx, rec); err != nil {
		s.logger.Error().Int64("message_id", msg.ID).Err(err).Msg("event publish failed, commit stands")
	}

	if wasProvisional {
		committed := RelayEvent{
			Type:        EventMessageCommitted,
			TransientID: msg.TransientID,
			Message:     msg,
		}
		s.relay(msg.SenderID, committed)
		s.relay(msg.ReceiverID, committed)
	}
	return nil
}

// commitDeferred runs inside the committer after the relay delay. There is
// no caller left to surface errors to, so a failed commit is pushed to the
// sender's live endpoint (if any) for an explicit re-send.
func (s *DeliveryService) commitDeferred(ctx context.Context, msg *domain.Message) error {
	err := s.commit(ctx, msg)
	if err != nil {
		s.relay(msg.SenderID, RelayEvent{
			Type:        EventSendFailed,
			TransientID: msg.TransientID,
			Reason:      "message could not be saved, please resend",
		})
	}
	return err
}

// invalidatePair removes every cache entry derived from mutated state:
// the message-list keys for both directions of the pair. The conversation
// entry is an identity snapshot (id and participants never change) and
// stays valid across message mutations. Invalidation happens before the
// mutation is observable through any cached read path.
func (s *DeliveryService) invalidatePair(ctx context.Context, a, b int64) error {
	err := s.cache.Del(ctx,
		cache.MessagesKey(a, b),
		cache.MessagesKey(b, a),
	)
	if err != nil {
		// A surviving stale entry would be served as truth; that makes an
		// invalidation failure a transient store failure, not a warning.
		return fmt.Errorf("%w: invalidate cache: %v", domain.ErrTransientStore, err)
	}
	return nil
}

func (s *DeliveryService) relay(userID int64, ev RelayEvent) {
	ep, ok := s.presence.Lookup(userID)
	if !ok {
		s.logger.Debug().Int64("user_id", userID).Str("event", ev.Type).Msg("no live endpoint, relay skipped")
		return
	}
	if err := ep.Deliver(ev); err != nil {
		s.logger.Debug().Int64("user_id", userID).Str("event", ev.Type).Err(err).Msg("relay delivery failed")
	}
}

func (s *DeliveryService) storeErr(op string, err error) error {
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrForbidden) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrTransientStore, op, err)
}
