package replication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shardchat/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessageSource struct {
	messages []*domain.Message
	readErr  error
	pingErr  error

	mu        sync.Mutex
	pingCalls int
	lastSince time.Time
}

func (s *fakeMessageSource) CreatedSince(ctx context.Context, since time.Time) ([]*domain.Message, error) {
	s.mu.Lock()
	s.lastSince = since
	s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	var out []*domain.Message
	for _, msg := range s.messages {
		if !msg.CreatedAt.Before(since) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *fakeMessageSource) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingCalls++
	return s.pingErr
}

type fakeMessageTarget struct {
	mu      sync.Mutex
	applied map[uuid.UUID]*domain.Message
	err     error
	pingErr error
}

func newFakeMessageTarget() *fakeMessageTarget {
	return &fakeMessageTarget{applied: make(map[uuid.UUID]*domain.Message)}
}

func (t *fakeMessageTarget) Upsert(ctx context.Context, msg *domain.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	if existing, ok := t.applied[msg.ID]; ok {
		// Mirror the store contract: conflicts overwrite content only.
		existing.Content = msg.Content
		return nil
	}
	copied := *msg
	t.applied[msg.ID] = &copied
	return nil
}

func (t *fakeMessageTarget) Ping(ctx context.Context) error {
	return t.pingErr
}

func (t *fakeMessageTarget) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.applied)
}

type fakeUserSource struct {
	users []*domain.User
	err   error
}

func (s *fakeUserSource) All(ctx context.Context) ([]*domain.User, error) {
	return s.users, s.err
}

type fakeUserTarget struct {
	mu      sync.Mutex
	applied map[int64]*domain.User
	err     error
}

func newFakeUserTarget() *fakeUserTarget {
	return &fakeUserTarget{applied: make(map[int64]*domain.User)}
}

func (t *fakeUserTarget) Upsert(ctx context.Context, u *domain.User) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	copied := *u
	t.applied[u.ID] = &copied
	return nil
}

func testMessage(content string, at time.Time) *domain.Message {
	return &domain.Message{
		ID:        uuid.New(),
		FromID:    1,
		ToID:      2,
		Content:   content,
		CreatedAt: at,
		ShardID:   1,
	}
}

func newTestManager(src *fakeMessageSource, users *fakeUserSource, msgTarget *fakeMessageTarget, userTarget *fakeUserTarget) *Manager {
	m := NewManager(1, src, users, msgTarget, userTarget)
	m.interval = 10 * time.Millisecond
	m.retryDelay = 5 * time.Millisecond
	return m
}

func TestTickCopiesRecentMessagesAndUsers(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	src := &fakeMessageSource{messages: []*domain.Message{
		testMessage("recent", now.Add(-10*time.Second)),
		testMessage("just inside window", now.Add(-59*time.Second)),
		testMessage("outside window", now.Add(-2*time.Minute)),
	}}
	users := &fakeUserSource{users: []*domain.User{
		{ID: 1, Name: "alice", ShardID: 1},
		{ID: 4, Name: "dave", ShardID: 1},
	}}
	msgTarget := newFakeMessageTarget()
	userTarget := newFakeUserTarget()

	m := newTestManager(src, users, msgTarget, userTarget)
	m.now = func() time.Time { return now }

	m.tick(context.Background())

	assert.Equal(t, now.Add(-time.Minute), src.lastSince)
	assert.Equal(t, 2, msgTarget.count(), "only messages inside the window replicate")
	assert.Len(t, userTarget.applied, 2)
	assert.Equal(t, "alice", userTarget.applied[1].Name)
}

func TestTickIsIdempotent(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := testMessage("hello", now.Add(-time.Second))

	src := &fakeMessageSource{messages: []*domain.Message{msg}}
	msgTarget := newFakeMessageTarget()
	m := newTestManager(src, &fakeUserSource{}, msgTarget, newFakeUserTarget())
	m.now = func() time.Time { return now }

	// Overlapping windows reapply the same message on every tick.
	m.tick(context.Background())
	m.tick(context.Background())

	require.Equal(t, 1, msgTarget.count())
	applied := msgTarget.applied[msg.ID]
	assert.Equal(t, msg.FromID, applied.FromID)
	assert.Equal(t, msg.ToID, applied.ToID)
	assert.True(t, msg.CreatedAt.Equal(applied.CreatedAt))
}

func TestTickContinuesPastUserReadFailure(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	src := &fakeMessageSource{messages: []*domain.Message{testMessage("hello", now)}}
	users := &fakeUserSource{err: errors.New("db down")}
	msgTarget := newFakeMessageTarget()

	m := newTestManager(src, users, msgTarget, newFakeUserTarget())
	m.now = func() time.Time { return now }

	m.tick(context.Background())
	assert.Equal(t, 1, msgTarget.count(), "message copy runs even when the user copy fails")
}

func TestTickAbsorbsUpsertFailures(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	src := &fakeMessageSource{messages: []*domain.Message{testMessage("hello", now)}}
	msgTarget := newFakeMessageTarget()
	msgTarget.err = errors.New("backup down")

	m := newTestManager(src, &fakeUserSource{}, msgTarget, newFakeUserTarget())
	m.now = func() time.Time { return now }

	// Must not panic or abort; errors are logged and swallowed.
	m.tick(context.Background())
	assert.Equal(t, 0, msgTarget.count())
}

func TestStartWaitsForConnectivity(t *testing.T) {
	now := time.Now()
	src := &fakeMessageSource{
		messages: []*domain.Message{testMessage("hello", now)},
		pingErr:  errors.New("not yet"),
	}
	msgTarget := newFakeMessageTarget()

	m := newTestManager(src, &fakeUserSource{}, msgTarget, newFakeUserTarget())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	// Loop must not start while the primary is unreachable.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, msgTarget.count())

	src.mu.Lock()
	src.pingErr = nil
	src.mu.Unlock()

	require.Eventually(t, func() bool {
		return msgTarget.count() == 1
	}, time.Second, 5*time.Millisecond, "replication should begin once connectivity verifies")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not stop on context cancellation")
	}
}

func TestStartStopsWhileRetryingInit(t *testing.T) {
	src := &fakeMessageSource{pingErr: errors.New("always down")}
	m := newTestManager(src, &fakeUserSource{}, newFakeMessageTarget(), newFakeUserTarget())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not stop on context cancellation")
	}
}
