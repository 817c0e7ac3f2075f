package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"taskboard/microservices/tasks-service/logging"
	"taskboard/microservices/tasks-service/models"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CachedStore serves task listings from Redis. Every board has a version
// counter that committed writes bump, and list entries are keyed by that
// version, so a listing never outlives the write that made it stale. Redis
// failures fall back to the wrapped store.
type CachedStore struct {
	Store
	redis *redis.Client
	ttl   time.Duration
}

func NewCachedStore(base Store, client *redis.Client, ttl time.Duration) *CachedStore {
	if base == nil {
		panic("repositories.NewCachedStore: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &CachedStore{Store: base, redis: client, ttl: ttl}
}

type cachedPage struct {
	Items []models.Task `json:"items"`
	Total int64         `json:"total"`
}

func (c *CachedStore) ListTasks(ctx context.Context, boardID primitive.ObjectID, filter models.TaskFilter, page models.PageRequest) ([]models.Task, int64, error) {
	page = page.Normalize()
	if c.redis == nil || c.ttl == 0 {
		return c.Store.ListTasks(ctx, boardID, filter, page)
	}

	version, err := c.boardVersion(ctx, boardID)
	if err != nil {
		logging.Logger.Warnf("Event ID: CACHE_UNAVAILABLE, Description: reading board version failed: %v", err)
		return c.Store.ListTasks(ctx, boardID, filter, page)
	}
	key := listCacheKey(boardID, version, filter, page)

	if cached, ok := c.load(ctx, key); ok {
		return cached.Items, cached.Total, nil
	}

	tasks, total, err := c.Store.ListTasks(ctx, boardID, filter, page)
	if err != nil {
		return nil, 0, err
	}
	c.store(ctx, key, cachedPage{Items: tasks, Total: total})
	return tasks, total, nil
}

// WithinTx runs fn against the wrapped store and, once it commits, bumps the
// version of every board the unit of work touched.
func (c *CachedStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var touched map[primitive.ObjectID]struct{}
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		rec := &recordingTx{Tx: tx, boards: make(map[primitive.ObjectID]struct{})}
		touched = rec.boards
		return fn(ctx, rec)
	})
	if err != nil {
		return err
	}
	for boardID := range touched {
		c.Evict(ctx, boardID)
	}
	return nil
}

// Evict invalidates every cached listing of the board.
func (c *CachedStore) Evict(ctx context.Context, boardID primitive.ObjectID) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Incr(context.WithoutCancel(ctx), versionCacheKey(boardID)).Err(); err != nil {
		logging.Logger.Warnf("Event ID: CACHE_EVICT_FAILED, Description: board=%s: %v", boardID.Hex(), err)
	}
}

func (c *CachedStore) boardVersion(ctx context.Context, boardID primitive.ObjectID) (int64, error) {
	v, err := c.redis.Get(ctx, versionCacheKey(boardID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (c *CachedStore) load(ctx context.Context, key string) (cachedPage, bool) {
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			_ = c.redis.Del(ctx, key).Err()
		}
		return cachedPage{}, false
	}
	var page cachedPage
	if err := json.Unmarshal(data, &page); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return cachedPage{}, false
	}
	return page, true
}

func (c *CachedStore) store(ctx context.Context, key string, page cachedPage) {
	data, err := json.Marshal(page)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func versionCacheKey(boardID primitive.ObjectID) string {
	return "tasks:ver:" + boardID.Hex()
}

func listCacheKey(boardID primitive.ObjectID, version int64, filter models.TaskFilter, page models.PageRequest) string {
	q := url.Values{}
	if filter.ColumnID != nil {
		q.Set("column", filter.ColumnID.Hex())
	}
	if filter.AssignedTo != nil {
		q.Set("assignedTo", filter.AssignedTo.Hex())
	}
	if filter.Query != "" {
		q.Set("q", filter.Query)
	}
	if filter.DueFrom != nil {
		q.Set("dueFrom", strconv.FormatInt(filter.DueFrom.UnixNano(), 10))
	}
	if filter.DueTo != nil {
		q.Set("dueTo", strconv.FormatInt(filter.DueTo.UnixNano(), 10))
	}
	q.Set("page", strconv.Itoa(page.Page))
	q.Set("limit", strconv.Itoa(page.Limit))
	return fmt.Sprintf("tasks:list:%s:%d:%s", boardID.Hex(), version, q.Encode())
}

// recordingTx notes the boards a unit of work reads or writes tasks of.
type recordingTx struct {
	Tx
	boards map[primitive.ObjectID]struct{}
}

func (r *recordingTx) GetTask(ctx context.Context, taskID primitive.ObjectID) (*models.Task, error) {
	task, err := r.Tx.GetTask(ctx, taskID)
	if err == nil {
		r.boards[task.BoardID] = struct{}{}
	}
	return task, err
}

func (r *recordingTx) GetColumn(ctx context.Context, boardID, columnID primitive.ObjectID) (*models.Column, error) {
	r.boards[boardID] = struct{}{}
	return r.Tx.GetColumn(ctx, boardID, columnID)
}

func (r *recordingTx) InsertTask(ctx context.Context, task *models.Task) error {
	r.boards[task.BoardID] = struct{}{}
	return r.Tx.InsertTask(ctx, task)
}

func (r *recordingTx) UpdateTask(ctx context.Context, taskID primitive.ObjectID, patch models.TaskPatch, updatedBy primitive.ObjectID, at time.Time) (*models.Task, error) {
	task, err := r.Tx.UpdateTask(ctx, taskID, patch, updatedBy, at)
	if err == nil {
		r.boards[task.BoardID] = struct{}{}
	}
	return task, err
}
