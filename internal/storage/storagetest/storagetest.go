// Package storagetest holds the behavioral contract every storage.Store
// backend must satisfy. Backend test packages call Run with a live store.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/threadbox/internal/model"
	"github.com/ashita-ai/threadbox/internal/storage"
)

// Run exercises s against the Store contract. s may already contain data
// from other tests; every subtest creates its own threads.
func Run(t *testing.T, s storage.Store) {
	t.Run("CreateAndGetThread", func(t *testing.T) { testCreateAndGetThread(t, s) })
	t.Run("GetMissingThread", func(t *testing.T) { testGetMissingThread(t, s) })
	t.Run("UpdateThreadMergesMetadata", func(t *testing.T) { testUpdateThreadMergesMetadata(t, s) })
	t.Run("TransitionRules", func(t *testing.T) { testTransitionRules(t, s) })
	t.Run("TouchRenewsStartingOnly", func(t *testing.T) { testTouchThread(t, s) })
	t.Run("ConcurrentTransitionOnlyOneWins", func(t *testing.T) { testConcurrentTransition(t, s) })
	t.Run("ListThreadsCountsLogs", func(t *testing.T) { testListThreadsCountsLogs(t, s) })
	t.Run("LogsOrderedAndEditable", func(t *testing.T) { testLogsOrderedAndEditable(t, s) })
	t.Run("LogRequiresLiveThread", func(t *testing.T) { testLogRequiresLiveThread(t, s) })
	t.Run("DeleteThreadCascades", func(t *testing.T) { testDeleteThreadCascades(t, s) })
	t.Run("Settings", func(t *testing.T) { testSettings(t, s) })
}

func testCreateAndGetThread(t *testing.T, s storage.Store) {
	ctx := context.Background()
	created, err := s.CreateThread(ctx, "demo", map[string]any{"owner": "qa"})
	require.NoError(t, err)
	require.NoError(t, model.ValidateID(created.ID))
	assert.Equal(t, model.ThreadStateIdle, created.State)

	got, err := s.GetThread(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "demo", got.Name)
	assert.Equal(t, model.ThreadStateIdle, got.State)
	assert.Equal(t, "qa", got.Metadata["owner"])
	assert.False(t, got.CreatedOn.IsZero())
}

func testGetMissingThread(t *testing.T, s storage.Store) {
	_, err := s.GetThread(context.Background(), model.NewID())
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

func testUpdateThreadMergesMetadata(t *testing.T, s storage.Store) {
	ctx := context.Background()
	th, err := s.CreateThread(ctx, "before", map[string]any{"b": 2})
	require.NoError(t, err)

	name := "after"
	updated, err := s.UpdateThread(ctx, th.ID, &name, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "after", updated.Name)
	assert.EqualValues(t, 1, updated.Metadata["a"])
	assert.EqualValues(t, 2, updated.Metadata["b"])
	assert.Equal(t, model.ThreadStateIdle, updated.State, "update must not touch state")

	merged, err := s.MergeThreadMetadata(ctx, th.ID, map[string]any{"b": 3})
	require.NoError(t, err)
	assert.Equal(t, "after", merged.Name)
	assert.EqualValues(t, 1, merged.Metadata["a"])
	assert.EqualValues(t, 3, merged.Metadata["b"])

	_, err = s.UpdateThread(ctx, model.NewID(), &name, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testTransitionRules(t *testing.T, s storage.Store) {
	ctx := context.Background()
	th, err := s.CreateThread(ctx, "fsm", nil)
	require.NoError(t, err)

	_, err = s.TransitionThread(ctx, th.ID, model.ThreadStateCompleted, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition, "idle -> completed is not allowed")

	got, err := s.TransitionThread(ctx, th.ID, model.ThreadStateStarting, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStateStarting, got.State)

	_, err = s.TransitionThread(ctx, th.ID, model.ThreadStateStarting, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition, "starting -> starting is not allowed")

	got, err = s.TransitionThread(ctx, th.ID, model.ThreadStateError, map[string]any{"error": "boom"})
	require.NoError(t, err)
	assert.Equal(t, model.ThreadStateError, got.State)
	assert.Equal(t, "boom", got.Metadata["error"])

	got, err = s.TransitionThread(ctx, th.ID, model.ThreadStateStarting, nil)
	require.NoError(t, err, "a terminal thread may be restarted")
	assert.Equal(t, "boom", got.Metadata["error"], "restart keeps history")

	_, err = s.TransitionThread(ctx, model.NewID(), model.ThreadStateStarting, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testTouchThread(t *testing.T, s storage.Store) {
	ctx := context.Background()
	th, err := s.CreateThread(ctx, "lease", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, s.TouchThread(ctx, th.ID), storage.ErrInvalidTransition, "idle threads hold no lease")

	started, err := s.TransitionThread(ctx, th.ID, model.ThreadStateStarting, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.TouchThread(ctx, th.ID))

	got, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.True(t, got.EditedOn.After(started.EditedOn), "touch moves edited_on forward")
	assert.Equal(t, model.ThreadStateStarting, got.State)

	assert.ErrorIs(t, s.TouchThread(ctx, model.NewID()), storage.ErrNotFound)
}

func testConcurrentTransition(t *testing.T, s storage.Store) {
	ctx := context.Background()
	th, err := s.CreateThread(ctx, "race", nil)
	require.NoError(t, err)

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.TransitionThread(ctx, th.ID, model.ThreadStateStarting, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, storage.ErrInvalidTransition):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, rejected)
}

func testListThreadsCountsLogs(t *testing.T, s storage.Store) {
	ctx := context.Background()
	th, err := s.CreateThread(ctx, "counted", nil)
	require.NoError(t, err)
	for range 3 {
		_, err := s.CreateLog(ctx, model.NewLog{ThreadID: th.ID, Sender: "user", Type: "note", Payload: "x"})
		require.NoError(t, err)
	}

	list, err := s.ListThreads(ctx)
	require.NoError(t, err)
	var found bool
	for _, sum := range list {
		if sum.ID == th.ID {
			found = true
			assert.Equal(t, 3, sum.LogCount)
		}
	}
	assert.True(t, found, "created thread should be listed")

	n, err := s.CountLogs(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func testLogsOrderedAndEditable(t *testing.T, s storage.Store) {
	ctx := context.Background()
	th, err := s.CreateThread(ctx, "logs", nil)
	require.NoError(t, err)

	var ids []string
	for _, p := range []string{"first", "second", "third"} {
		l, err := s.CreateLog(ctx, model.NewLog{
			ThreadID: th.ID, Sender: model.SenderSystem, Type: model.LogTypeOutput, Payload: p,
			Metadata: map[string]any{"seq": p},
		})
		require.NoError(t, err)
		ids = append(ids, l.ID)
	}

	logs, err := s.ListLogs(ctx, th.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "first", logs[0].Payload)
	assert.Equal(t, "third", logs[2].Payload)

	payload := "rewritten"
	updated, err := s.UpdateLog(ctx, ids[1], model.LogPatch{Payload: &payload, Metadata: map[string]any{"edited": true}})
	require.NoError(t, err)
	assert.Equal(t, "rewritten", updated.Payload)
	assert.Equal(t, model.SenderSystem, updated.Sender)
	assert.Equal(t, "second", updated.Metadata["seq"])
	assert.Equal(t, true, updated.Metadata["edited"])

	require.NoError(t, s.DeleteLog(ctx, ids[0]))
	_, err = s.GetLog(ctx, ids[0])
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteLog(ctx, ids[0]), storage.ErrNotFound)
}

func testLogRequiresLiveThread(t *testing.T, s storage.Store) {
	_, err := s.CreateLog(context.Background(), model.NewLog{
		ThreadID: model.NewID(), Sender: "user", Type: "note", Payload: "orphan",
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeleteThreadCascades(t *testing.T, s storage.Store) {
	ctx := context.Background()
	th, err := s.CreateThread(ctx, "doomed", nil)
	require.NoError(t, err)
	l, err := s.CreateLog(ctx, model.NewLog{ThreadID: th.ID, Sender: "user", Type: "note", Payload: "bye"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteThread(ctx, th.ID))

	_, err = s.GetThread(ctx, th.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetLog(ctx, l.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "logs must be removed with their thread")
	assert.ErrorIs(t, s.DeleteThread(ctx, th.ID), storage.ErrNotFound)
}

func testSettings(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.GetSetting(ctx, "missing.key")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.PutSettings(ctx, map[string]string{"a.key": "1", "b.key": "2"}))
	require.NoError(t, s.PutSettings(ctx, map[string]string{"a.key": "3"}))

	v, err := s.GetSetting(ctx, "a.key")
	require.NoError(t, err)
	assert.Equal(t, "3", v)
	v, err = s.GetSetting(ctx, "b.key")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}
