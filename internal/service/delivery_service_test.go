package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatify/internal/cache"
	"chatify/internal/domain"
	"chatify/internal/eventlog"
	"chatify/internal/presence"
	"chatify/internal/service"
)

// Mock repositories

type MockConversationRepo struct {
	mock.Mock
}

func (m *MockConversationRepo) FindByPair(ctx context.Context, lo, hi int64) (*domain.Conversation, error) {
	args := m.Called(ctx, lo, hi)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepo) CreateForPair(ctx context.Context, lo, hi int64) (*domain.Conversation, error) {
	args := m.Called(ctx, lo, hi)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepo) GetByID(ctx context.Context, id int64) (*domain.Conversation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepo) Touch(ctx context.Context, id int64, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

type MockMessageRepo struct {
	mock.Mock
}

func (m *MockMessageRepo) Create(ctx context.Context, msg *domain.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockMessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockMessageRepo) ListBetween(ctx context.Context, a, b int64) ([]*domain.Message, error) {
	args := m.Called(ctx, a, b)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *MockMessageRepo) MarkSeen(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockMessageRepo) SoftDelete(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// fakeEndpoint records every relay event delivered to it.
type fakeEndpoint struct {
	mu     sync.Mutex
	events []service.RelayEvent
}

func (f *fakeEndpoint) Deliver(payload any) error {
	if ev, ok := payload.(service.RelayEvent); ok {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeEndpoint) snapshot() []service.RelayEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]service.RelayEvent, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeEndpoint) countType(t string) int {
	n := 0
	for _, ev := range f.snapshot() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	convs    *MockConversationRepo
	msgs     *MockMessageRepo
	cache    *cache.Memory
	registry *presence.Registry
	elog     *eventlog.Log
	svc      *service.DeliveryService
}

func newFixture(t *testing.T, opts service.DeliveryOptions) *fixture {
	t.Helper()
	elog, err := eventlog.Open(t.TempDir(), 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = elog.Close() })

	if opts.CommitTimeout == 0 {
		opts.CommitTimeout = time.Second
	}
	if opts.CommitterCapacity == 0 {
		opts.CommitterCapacity = 16
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = time.Hour
	}

	f := &fixture{
		convs:    new(MockConversationRepo),
		msgs:     new(MockMessageRepo),
		cache:    cache.NewMemory(),
		registry: presence.NewRegistry(),
	}
	f.elog = elog
	f.svc = service.NewDeliveryService(f.convs, f.msgs, f.cache, f.registry, elog, opts, zerolog.Nop())
	t.Cleanup(f.svc.Close)
	return f
}

func (f *fixture) expectCreateMessage(assignID int64) *mock.Call {
	return f.msgs.On("Create", mock.Anything, mock.AnythingOfType("*domain.Message")).
		Run(func(args mock.Arguments) {
			args.Get(1).(*domain.Message).ID = assignID
		}).Return(nil)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSendMessageSynchronous(t *testing.T) {
	f := newFixture(t, service.DeliveryOptions{})
	ctx := context.Background()

	conv := &domain.Conversation{ID: 9, UserLo: 1, UserHi: 2}
	f.convs.On("FindByPair", mock.Anything, int64(1), int64(2)).Return(nil, domain.ErrNotFound).Once()
	f.convs.On("CreateForPair", mock.Anything, int64(1), int64(2)).Return(conv, nil).Once()
	f.convs.On("Touch", mock.Anything, int64(9), mock.Anything).Return(nil)
	f.expectCreateMessage(41)

	// Seed stale list snapshots for both directions; the commit must wipe
	// them before returning.
	require.NoError(t, f.cache.Set(ctx, cache.MessagesKey(1, 2), []byte("[]"), 0))
	require.NoError(t, f.cache.Set(ctx, cache.MessagesKey(2, 1), []byte("[]"), 0))

	msg, err := f.svc.SendMessage(ctx, service.SendInput{SenderID: 1, ReceiverID: 2, Body: "hi"})
	require.NoError(t, err)

	assert.Equal(t, int64(41), msg.ID)
	assert.False(t, msg.Provisional)
	assert.Equal(t, int64(9), msg.ConversationID)

	_, err = f.cache.Get(ctx, cache.MessagesKey(1, 2))
	assert.ErrorIs(t, err, cache.ErrMiss)
	_, err = f.cache.Get(ctx, cache.MessagesKey(2, 1))
	assert.ErrorIs(t, err, cache.ErrMiss)

	part := f.elog.PartitionFor(9)
	entries, err := f.elog.Read(part, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, eventlog.TypeNewMessage, entries[0].Record.Type)
	assert.Equal(t, int64(41), entries[0].Record.MessageID)
	assert.Equal(t, int64(9), entries[0].Record.ConversationID)

	f.convs.AssertExpectations(t)
	f.msgs.AssertExpectations(t)
}

func TestSendMessageUsesCachedConversation(t *testing.T) {
	f := newFixture(t, service.DeliveryOptions{})
	ctx := context.Background()

	conv := &domain.Conversation{ID: 3, UserLo: 1, UserHi: 2}
	raw, _ := json.Marshal(conv)
	require.NoError(t, f.cache.Set(ctx, cache.ConversationKey(2, 1), raw, 0))

	// No FindByPair/CreateForPair expectations: a cache hit must not touch
	// the store for conversation resolution.
	f.convs.On("Touch", mock.Anything, int64(3), mock.Anything).Return(nil)
	f.expectCreateMessage(50)

	msg, err := f.svc.SendMessage(ctx, service.SendInput{SenderID: 1, ReceiverID: 2, Body: "cached"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), msg.ConversationID)

	f.convs.AssertNotCalled(t, "FindByPair", mock.Anything, mock.Anything, mock.Anything)
	f.convs.AssertNotCalled(t, "CreateForPair", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMessageOptimistic(t *testing.T) {
	f := newFixture(t, service.DeliveryOptions{RelayDelay: 40 * time.Millisecond})
	ctx := context.Background()

	sender := &fakeEndpoint{}
	receiver := &fakeEndpoint{}
	f.registry.Register(1, sender)
	f.registry.Register(2, receiver)

	conv := &domain.Conversation{ID: 5, UserLo: 1, UserHi: 2}
	f.convs.On("FindByPair", mock.Anything, int64(1), int64(2)).Return(conv, nil).Once()
	f.convs.On("Touch", mock.Anything, int64(5), mock.Anything).Return(nil)
	f.expectCreateMessage(77)

	msg, err := f.svc.SendMessage(ctx, service.SendInput{SenderID: 1, ReceiverID: 2, Body: "hi", Optimistic: true})
	require.NoError(t, err)

	// Provisional: no durable id yet, relay already happened.
	assert.Zero(t, msg.ID)
	assert.True(t, msg.Provisional)
	require.NotEmpty(t, msg.TransientID)
	require.Equal(t, 1, receiver.countType(service.EventNewMessage))
	live := receiver.snapshot()[0]
	assert.Equal(t, msg.TransientID, live.TransientID)
	assert.True(t, live.Message.Provisional)
	assert.Equal(t, "hi", live.Message.Body)
	assert.Equal(t, 1, f.svc.PendingCommits())

	// After the delay window: exactly one durable-id notification to each
	// reachable party, carrying the full durable message.
	waitFor(t, 2*time.Second, func() bool {
		return sender.countType(service.EventMessageCommitted) == 1 &&
			receiver.countType(service.EventMessageCommitted) == 1
	})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, sender.countType(service.EventMessageCommitted), "no duplicate durable-id notification")
	assert.Equal(t, 1, receiver.countType(service.EventMessageCommitted))

	for _, ev := range receiver.snapshot() {
		if ev.Type == service.EventMessageCommitted {
			assert.Equal(t, msg.TransientID, ev.TransientID)
			assert.Equal(t, int64(77), ev.Message.ID)
			assert.False(t, ev.Message.Provisional)
		}
	}
	assert.Equal(t, 0, f.svc.PendingCommits())

	entries, err := f.elog.Read(f.elog.PartitionFor(5), 0, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSendMessageOptimisticOfflineReceiver(t *testing.T) {
	// Optimistic send to an offline receiver: no live relay lands anywhere,
	// but the commit, invalidation, and publication must all still happen.
	f := newFixture(t, service.DeliveryOptions{RelayDelay: 30 * time.Millisecond})
	ctx := context.Background()

	conv := &domain.Conversation{ID: 2, UserLo: 4, UserHi: 8}
	f.convs.On("FindByPair", mock.Anything, int64(4), int64(8)).Return(nil, domain.ErrNotFound).Once()
	f.convs.On("CreateForPair", mock.Anything, int64(4), int64(8)).Return(conv, nil).Once()
	f.convs.On("Touch", mock.Anything, int64(2), mock.Anything).Return(nil)
	f.expectCreateMessage(13)

	require.NoError(t, f.cache.Set(ctx, cache.MessagesKey(4, 8), []byte("[]"), 0))
	require.NoError(t, f.cache.Set(ctx, cache.MessagesKey(8, 4), []byte("[]"), 0))

	msg, err := f.svc.SendMessage(ctx, service.SendInput{SenderID: 4, ReceiverID: 8, Body: "hi", Optimistic: true})
	require.NoError(t, err)
	assert.True(t, msg.Provisional)

	// Publication is the last step of the commit path; once the record is
	// readable the store write and invalidation have happened.
	part := f.elog.PartitionFor(2)
	waitFor(t, 2*time.Second, func() bool {
		entries, rerr := f.elog.Read(part, 0, 0)
		return rerr == nil && len(entries) == 1
	})

	// The caller's value is never written after return: the commit runs on
	// a private copy, so the returned message stays provisional.
	assert.Zero(t, msg.ID)
	assert.True(t, msg.Provisional)

	// Both directional list snapshots invalidated.
	_, err = f.cache.Get(ctx, cache.MessagesKey(4, 8))
	assert.ErrorIs(t, err, cache.ErrMiss)
	_, err = f.cache.Get(ctx, cache.MessagesKey(8, 4))
	assert.ErrorIs(t, err, cache.ErrMiss)

	// Exactly one event record published, carrying the durable id.
	entries, err := f.elog.Read(part, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, eventlog.TypeNewMessage, entries[0].Record.Type)
	assert.Equal(t, int64(13), entries[0].Record.MessageID)
	f.convs.AssertExpectations(t)
}

func TestSendMessageBackpressure(t *testing.T) {
	f := newFixture(t, service.DeliveryOptions{RelayDelay: time.Hour, CommitterCapacity: 1})
	ctx := context.Background()

	receiver := &fakeEndpoint{}
	f.registry.Register(2, receiver)

	conv := &domain.Conversation{ID: 1, UserLo: 1, UserHi: 2}
	f.convs.On("FindByPair", mock.Anything, int64(1), int64(2)).Return(conv, nil)

	_, err := f.svc.SendMessage(ctx, service.SendInput{SenderID: 1, ReceiverID: 2, Body: "first", Optimistic: true})
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, service.SendInput{SenderID: 1, ReceiverID: 2, Body: "second", Optimistic: true})
	assert.ErrorIs(t, err, domain.ErrBackpressure)

	// A rejected send must not have reached the receiver: no ghost
	// provisional message that will never be committed or reconciled.
	assert.Equal(t, 1, receiver.countType(service.EventNewMessage))
}

func TestSendMessageOptimisticReturnedValueImmutable(t *testing.T) {
	// The deferred commit runs on the committer's goroutine. It must work
	// on its own copy: concurrent reads of the returned message (a handler
	// encoding the response while the delay elapses) stay race-free, and
	// the returned value keeps its provisional shape.
	f := newFixture(t, service.DeliveryOptions{RelayDelay: time.Millisecond})
	ctx := context.Background()

	conv := &domain.Conversation{ID: 6, UserLo: 1, UserHi: 2}
	f.convs.On("FindByPair", mock.Anything, int64(1), int64(2)).Return(conv, nil)
	f.convs.On("Touch", mock.Anything, int64(6), mock.Anything).Return(nil)
	f.expectCreateMessage(91)

	msg, err := f.svc.SendMessage(ctx, service.SendInput{SenderID: 1, ReceiverID: 2, Body: "hi", Optimistic: true})
	require.NoError(t, err)

	// Marshal the returned value in a tight loop across the commit window.
	part := f.elog.PartitionFor(6)
	committed := func() bool {
		entries, rerr := f.elog.Read(part, 0, 0)
		return rerr == nil && len(entries) == 1
	}
	deadline := time.Now().Add(2 * time.Second)
	for !committed() {
		if time.Now().After(deadline) {
			t.Fatal("commit did not land in time")
		}
		_, merr := json.Marshal(msg)
		require.NoError(t, merr)
	}

	assert.Zero(t, msg.ID)
	assert.True(t, msg.Provisional)
}

func TestCommitInvalidatesCacheWhenTouchFails(t *testing.T) {
	// Once the message row is durable, the stale list snapshots are wrong
	// even if a later step of the commit fails.
	f := newFixture(t, service.DeliveryOptions{})
	ctx := context.Background()

	conv := &domain.Conversation{ID: 1, UserLo: 1, UserHi: 2}
	f.convs.On("FindByPair", mock.Anything, int64(1), int64(2)).Return(conv, nil)
	f.convs.On("Touch", mock.Anything, int64(1), mock.Anything).Return(errors.New("conn reset"))
	f.expectCreateMessage(41)

	require.NoError(t, f.cache.Set(ctx, cache.MessagesKey(1, 2), []byte("[]"), 0))
	require.NoError(t, f.cache.Set(ctx, cache.MessagesKey(2, 1), []byte("[]"), 0))

	_, err := f.svc.SendMessage(ctx, service.SendInput{SenderID: 1, ReceiverID: 2, Body: "hi"})
	assert.ErrorIs(t, err, domain.ErrTransientStore)

	_, err = f.cache.Get(ctx, cache.MessagesKey(1, 2))
	assert.ErrorIs(t, err, cache.ErrMiss)
	_, err = f.cache.Get(ctx, cache.MessagesKey(2, 1))
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t, service.DeliveryOptions{})
	ctx := context.Background()

	cases := []struct {
		name string
		in   service.SendInput
	}{
		{"EmptyBody", service.SendInput{SenderID: 1, ReceiverID: 2}},
		{"SelfSend", service.SendInput{SenderID: 1, ReceiverID: 1, Body: "hi"}},
		{"ZeroSender", service.SendInput{ReceiverID: 2, Body: "hi"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.SendMessage(ctx, tc.in)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestMarkSeen(t *testing.T) {
	f := newFixture(t, service.DeliveryOptions{})
	ctx := context.Background()

	msg := &domain.Message{ID: 7, SenderID: 1, ReceiverID: 2, Body: "hi"}
	f.msgs.On("GetByID", mock.Anything, int64(7)).Return(msg, nil)

	t.Run("ForbiddenForSender", func(t *testing.T) {
		err := f.svc.MarkSeen(ctx, 7, 1)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("ForbiddenForThirdParty", func(t *testing.T) {
		err := f.svc.MarkSeen(ctx, 7, 99)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("ReceiverSucceedsAndInvalidates", func(t *testing.T) {
		require.NoError(t, f.cache.Set(ctx, cache.MessagesKey(1, 2), []byte("[]"), 0))
		f.msgs.On("MarkSeen", mock.Anything, int64(7)).Return(nil).Once()

		require.NoError(t, f.svc.MarkSeen(ctx, 7, 2))

		_, err := f.cache.Get(ctx, cache.MessagesKey(1, 2))
		assert.ErrorIs(t, err, cache.ErrMiss)
	})

	t.Run("NotFound", func(t *testing.T) {
		f.msgs.On("GetByID", mock.Anything, int64(404)).Return(nil, domain.ErrNotFound)
		err := f.svc.MarkSeen(ctx, 404, 2)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestSoftDelete(t *testing.T) {
	f := newFixture(t, service.DeliveryOptions{})
	ctx := context.Background()

	msg := &domain.Message{ID: 8, SenderID: 1, ReceiverID: 2, Body: "oops"}
	f.msgs.On("GetByID", mock.Anything, int64(8)).Return(msg, nil)

	t.Run("ForbiddenForReceiver", func(t *testing.T) {
		err := f.svc.SoftDelete(ctx, 8, 2)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("SenderSucceeds", func(t *testing.T) {
		f.msgs.On("SoftDelete", mock.Anything, int64(8)).Return(nil).Once()
		assert.NoError(t, f.svc.SoftDelete(ctx, 8, 1))
	})
}

func TestGetMessagesReadThrough(t *testing.T) {
	f := newFixture(t, service.DeliveryOptions{})
	ctx := context.Background()

	history := []*domain.Message{
		{ID: 1, SenderID: 1, ReceiverID: 2, Body: "a"},
		{ID: 2, SenderID: 2, ReceiverID: 1, Body: "b"},
	}
	f.msgs.On("ListBetween", mock.Anything, int64(1), int64(2)).Return(history, nil).Once()

	// Miss populates the cache; the second call must be served from it.
	got, err := f.svc.GetMessages(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = f.svc.GetMessages(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Body)
	f.msgs.AssertNumberOfCalls(t, "ListBetween", 1)

	// A mutation invalidates both directions; the next read of either
	// ordering re-derives from the store.
	seen := &domain.Message{ID: 1, SenderID: 1, ReceiverID: 2, Body: "a"}
	f.msgs.On("GetByID", mock.Anything, int64(1)).Return(seen, nil).Once()
	f.msgs.On("MarkSeen", mock.Anything, int64(1)).Return(nil).Once()
	require.NoError(t, f.svc.MarkSeen(ctx, 1, 2))

	f.msgs.On("ListBetween", mock.Anything, int64(2), int64(1)).Return(history, nil).Once()
	_, err = f.svc.GetMessages(ctx, 2, 1)
	require.NoError(t, err)
	f.msgs.On("ListBetween", mock.Anything, int64(1), int64(2)).Return(history, nil).Once()
	_, err = f.svc.GetMessages(ctx, 1, 2)
	require.NoError(t, err)
	f.msgs.AssertExpectations(t)
}

func TestCommitStoreFailureIsRetryable(t *testing.T) {
	f := newFixture(t, service.DeliveryOptions{})
	ctx := context.Background()

	conv := &domain.Conversation{ID: 1, UserLo: 1, UserHi: 2}
	f.convs.On("FindByPair", mock.Anything, int64(1), int64(2)).Return(conv, nil)
	f.msgs.On("Create", mock.Anything, mock.Anything).Return(errors.New("db down"))

	_, err := f.svc.SendMessage(ctx, service.SendInput{SenderID: 1, ReceiverID: 2, Body: "hi"})
	assert.ErrorIs(t, err, domain.ErrTransientStore)
}

func TestDeferredCommitFailureNotifiesSender(t *testing.T) {
	f := newFixture(t, service.DeliveryOptions{RelayDelay: 20 * time.Millisecond})
	ctx := context.Background()

	sender := &fakeEndpoint{}
	f.registry.Register(1, sender)

	conv := &domain.Conversation{ID: 1, UserLo: 1, UserHi: 2}
	f.convs.On("FindByPair", mock.Anything, int64(1), int64(2)).Return(conv, nil)
	f.msgs.On("Create", mock.Anything, mock.Anything).Return(errors.New("db down"))

	msg, err := f.svc.SendMessage(ctx, service.SendInput{SenderID: 1, ReceiverID: 2, Body: "hi", Optimistic: true})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		return sender.countType(service.EventSendFailed) == 1
	})
	failed := sender.snapshot()[len(sender.snapshot())-1]
	assert.Equal(t, msg.TransientID, failed.TransientID)
}
