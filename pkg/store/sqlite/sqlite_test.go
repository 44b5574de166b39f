package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/codeagent/pkg/domain"
	"github.com/nstogner/codeagent/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir() + "/test.db")
	require.NoError(t, err, "failed to create store")
	t.Cleanup(func() { s.Close() })
	return s
}

func createSession(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateSession(context.Background(), &domain.Session{ID: id}))
}

func intPtr(n int) *int { return &n }

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &domain.Session{ID: "s-1", Metadata: map[string]string{"project": "demo"}}
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.False(t, sess.CreatedAt.IsZero())

	got, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", got.ID)
	assert.Empty(t, got.Summary)
	assert.Nil(t, got.LastCompactedAt)
	assert.Equal(t, "demo", got.Metadata["project"])

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	createSession(t, s, "s-2")
	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCreateSessionDuplicateIsStorageError(t *testing.T) {
	s := newTestStore(t)
	createSession(t, s, "dup")

	err := s.CreateSession(context.Background(), &domain.Session{ID: "dup"})
	var se *store.StorageError
	assert.True(t, errors.As(err, &se), "expected StorageError, got %v", err)
}

func TestAppendAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s-1")

	before, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)

	var ids []int64
	for i, text := range []string{"m1", "m2", "m3", "m4", "m5"} {
		msg, err := s.Append(ctx, "s-1", domain.RoleUser, domain.TextContent(text), intPtr(i+1))
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1], "ids must be strictly increasing")
	}

	all, err := s.All(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "m1", all[0].Text())
	assert.Equal(t, "m5", all[4].Text())

	window, err := s.RecentWindow(ctx, "s-1", 2)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "m4", window[0].Text())
	assert.Equal(t, "m5", window[1].Text())

	total, err := s.TotalTokens(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 15, total)

	after, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))
}

func TestAppendUnknownSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(context.Background(), "nope", domain.RoleUser, domain.TextContent("hi"), nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppendRejectsInvalidRole(t *testing.T) {
	s := newTestStore(t)
	createSession(t, s, "s-1")
	_, err := s.Append(context.Background(), "s-1", domain.Role("tool"), domain.TextContent("hi"), nil)
	assert.Error(t, err)
}

func TestOmittedTokenCountsContributeZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s-1")

	_, err := s.Append(ctx, "s-1", domain.RoleUser, domain.TextContent("a"), intPtr(10))
	require.NoError(t, err)
	_, err = s.Append(ctx, "s-1", domain.RoleAssistant, domain.TextContent("b"), nil)
	require.NoError(t, err)

	total, err := s.TotalTokens(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 10, total)

	all, err := s.All(ctx, "s-1")
	require.NoError(t, err)
	require.NotNil(t, all[0].TokenCount)
	assert.Nil(t, all[1].TokenCount)
}

func TestContentUnionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s-1")

	content := []domain.Content{
		{Kind: domain.ContentText, Text: "running it"},
		{Kind: domain.ContentToolCall, ToolCall: &domain.ToolCall{ID: "c1", Name: "run_shell", Input: map[string]any{"command": "ls"}}},
		{Kind: domain.ContentImage, Image: &domain.Image{MediaType: "image/png", Data: []byte{1, 2, 3}}},
	}
	_, err := s.Append(ctx, "s-1", domain.RoleAssistant, content, nil)
	require.NoError(t, err)

	all, err := s.All(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	got := all[0]
	require.Len(t, got.Content, 3)
	calls := got.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "run_shell", calls[0].Name)
	assert.Equal(t, "ls", calls[0].Input["command"])
	assert.Equal(t, []byte{1, 2, 3}, got.Content[2].Image.Data)
}

func TestPruneBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s-1")
	createSession(t, s, "s-2")

	var ids []int64
	for _, text := range []string{"a", "b", "c"} {
		msg, err := s.Append(ctx, "s-1", domain.RoleUser, domain.TextContent(text), intPtr(1))
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	_, err := s.Append(ctx, "s-2", domain.RoleUser, domain.TextContent("other"), intPtr(1))
	require.NoError(t, err)

	n, err := s.PruneBefore(ctx, "s-1", ids[2])
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := s.Count(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	other, err := s.Count(ctx, "s-2")
	require.NoError(t, err)
	assert.Equal(t, 1, other, "pruning must not touch other sessions")
}

func TestIDsNotReusedAfterPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s-1")

	last, err := s.Append(ctx, "s-1", domain.RoleUser, domain.TextContent("a"), nil)
	require.NoError(t, err)
	_, err = s.PruneBefore(ctx, "s-1", last.ID+1)
	require.NoError(t, err)

	next, err := s.Append(ctx, "s-1", domain.RoleUser, domain.TextContent("b"), nil)
	require.NoError(t, err)
	assert.Greater(t, next.ID, last.ID)
}

func TestApplyCompaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s-1")

	var ids []int64
	for _, text := range []string{"m1", "m2", "m3", "m4", "m5"} {
		msg, err := s.Append(ctx, "s-1", domain.RoleUser, domain.TextContent(text), intPtr(2))
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	pruned, err := s.ApplyCompaction(ctx, "s-1", "Goal: test", at, ids[3])
	require.NoError(t, err)
	assert.Equal(t, 3, pruned)

	sess, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "Goal: test", sess.Summary)
	require.NotNil(t, sess.LastCompactedAt)
	assert.True(t, sess.LastCompactedAt.Equal(at))

	remaining, err := s.All(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, "m4", remaining[0].Text())
}

func TestApplyCompactionUnknownSessionLeavesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyCompaction(ctx, "missing", "x", time.Now(), 100)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s-1")

	r1, err := s.StartRun(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, r1.StepNo)
	assert.Equal(t, domain.RunRunning, r1.Status)
	require.NoError(t, s.FinishRun(ctx, r1.ID, nil))

	r2, err := s.StartRun(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 2, r2.StepNo)
	require.NoError(t, s.FinishRun(ctx, r2.ID, errors.New("model exploded")))

	runs, err := s.ListRuns(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, domain.RunCompleted, runs[0].Status)
	assert.NotNil(t, runs[0].FinishedAt)
	assert.Equal(t, domain.RunFailed, runs[1].Status)
	assert.Equal(t, "model exploded", runs[1].Error)

	assert.ErrorIs(t, s.FinishRun(ctx, "missing", nil), store.ErrNotFound)
}

func TestSubscribeNotifiesOnAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s-1")

	ch := s.Subscribe()
	_, err := s.Append(ctx, "s-1", domain.RoleUser, domain.TextContent("hi"), nil)
	require.NoError(t, err)

	select {
	case id := <-ch:
		assert.Equal(t, "s-1", id)
	case <-time.After(time.Second):
		t.Fatal("expected notification")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s-1")

	ch := s.Subscribe()
	s.Unsubscribe(ch)
	_, err := s.Append(ctx, "s-1", domain.RoleUser, domain.TextContent("hi"), nil)
	require.NoError(t, err)

	select {
	case <-ch:
		t.Fatal("unexpected notification")
	default:
	}
}

func TestConcurrentAppendsAcrossSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sessions := []string{"a", "b", "c"}
	for _, id := range sessions {
		createSession(t, s, id)
	}

	var wg sync.WaitGroup
	for _, id := range sessions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := s.Append(ctx, id, domain.RoleUser, domain.TextContent("x"), intPtr(1))
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	for _, id := range sessions {
		n, err := s.Count(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 10, n)
	}
}
