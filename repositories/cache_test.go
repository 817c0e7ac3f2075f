package repositories

import (
	"context"
	"testing"
	"time"

	"taskboard/microservices/tasks-service/models"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type countingStore struct {
	Store
	lists int
}

func (c *countingStore) ListTasks(ctx context.Context, boardID primitive.ObjectID, filter models.TaskFilter, page models.PageRequest) ([]models.Task, int64, error) {
	c.lists++
	return c.Store.ListTasks(ctx, boardID, filter, page)
}

func newCachedStore(t *testing.T) (*CachedStore, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	base := &countingStore{Store: newSQLiteStore(t)}
	return NewCachedStore(base, client, time.Minute), base, mr
}

func TestCachedListMissThenHit(t *testing.T) {
	cache, base, mr := newCachedStore(t)
	ctx := context.Background()
	creator := primitive.NewObjectID()
	board, columns, err := SeedBoard(ctx, cache, "b", creator, time.Now().UTC())
	require.NoError(t, err)
	seedTasks(t, cache, board.ID, columns[0].ID, creator, "A", "B")

	tasks, total, err := cache.ListTasks(ctx, board.ID, models.TaskFilter{}, models.PageRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, tasks, 2)
	assert.Equal(t, 1, base.lists)

	cached, total, err := cache.ListTasks(ctx, board.ID, models.TaskFilter{}, models.PageRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, cached, 2)
	assert.Equal(t, tasks[0].ID, cached[0].ID)
	assert.Equal(t, "B", cached[1].Title)
	assert.Equal(t, 1, base.lists)

	key := listCacheKey(board.ID, 1, models.TaskFilter{}, models.PageRequest{}.Normalize())
	ttl := mr.TTL(key)
	assert.True(t, ttl > 0 && ttl <= time.Minute, "unexpected TTL %v", ttl)
}

func TestCommittedWriteInvalidatesBoardListings(t *testing.T) {
	cache, base, _ := newCachedStore(t)
	ctx := context.Background()
	creator := primitive.NewObjectID()
	board, columns, err := SeedBoard(ctx, cache, "b", creator, time.Now().UTC())
	require.NoError(t, err)
	ids := seedTasks(t, cache, board.ID, columns[0].ID, creator, "A")

	_, _, err = cache.ListTasks(ctx, board.ID, models.TaskFilter{}, models.PageRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, base.lists)

	require.NoError(t, cache.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetTask(ctx, ids[0]); err != nil {
			return err
		}
		return tx.DeleteTask(ctx, ids[0])
	}))

	tasks, total, err := cache.ListTasks(ctx, board.ID, models.TaskFilter{}, models.PageRequest{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.EqualValues(t, 0, total)
	assert.Equal(t, 2, base.lists)
}

func TestAbortedWriteKeepsListings(t *testing.T) {
	cache, base, _ := newCachedStore(t)
	ctx := context.Background()
	creator := primitive.NewObjectID()
	board, columns, err := SeedBoard(ctx, cache, "b", creator, time.Now().UTC())
	require.NoError(t, err)
	ids := seedTasks(t, cache, board.ID, columns[0].ID, creator, "A")

	_, _, err = cache.ListTasks(ctx, board.ID, models.TaskFilter{}, models.PageRequest{})
	require.NoError(t, err)

	err = cache.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetTask(ctx, ids[0]); err != nil {
			return err
		}
		return context.Canceled
	})
	require.Error(t, err)

	_, _, err = cache.ListTasks(ctx, board.ID, models.TaskFilter{}, models.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, base.lists)
}

func TestFiltersGetSeparateEntries(t *testing.T) {
	cache, base, _ := newCachedStore(t)
	ctx := context.Background()
	creator := primitive.NewObjectID()
	board, columns, err := SeedBoard(ctx, cache, "b", creator, time.Now().UTC())
	require.NoError(t, err)
	seedTasks(t, cache, board.ID, columns[0].ID, creator, "Write docs", "Fix bug")

	_, total, err := cache.ListTasks(ctx, board.ID, models.TaskFilter{Query: "write"}, models.PageRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	_, total, err = cache.ListTasks(ctx, board.ID, models.TaskFilter{}, models.PageRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Equal(t, 2, base.lists)
}

func TestRedisOutageFallsBackToStore(t *testing.T) {
	cache, base, mr := newCachedStore(t)
	ctx := context.Background()
	creator := primitive.NewObjectID()
	board, columns, err := SeedBoard(ctx, cache, "b", creator, time.Now().UTC())
	require.NoError(t, err)
	seedTasks(t, cache, board.ID, columns[0].ID, creator, "A")

	mr.Close()

	tasks, _, err := cache.ListTasks(ctx, board.ID, models.TaskFilter{}, models.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Equal(t, 1, base.lists)
}
