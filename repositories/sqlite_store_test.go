package repositories

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskboard/microservices/tasks-service/apperrors"
	"taskboard/microservices/tasks-service/models"
	"taskboard/microservices/tasks-service/ordering"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tasks.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func seedTasks(t *testing.T, store Store, boardID, columnID, creator primitive.ObjectID, titles ...string) []primitive.ObjectID {
	t.Helper()
	now := time.Now().UTC()
	ids := make([]primitive.ObjectID, 0, len(titles))
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		for _, title := range titles {
			highest, err := tx.MaxOrder(ctx, columnID)
			if err != nil {
				return err
			}
			task := &models.Task{
				ID:        primitive.NewObjectID(),
				BoardID:   boardID,
				ColumnID:  columnID,
				Title:     title,
				Priority:  models.PriorityMedium,
				Order:     highest + 1,
				CreatedBy: creator,
				UpdatedBy: creator,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.InsertTask(ctx, task); err != nil {
				return err
			}
			ids = append(ids, task.ID)
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func columnOrder(t *testing.T, store Store, columnID primitive.ObjectID) ([]string, []int) {
	t.Helper()
	var (
		titles []string
		orders []int
	)
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		tasks, err := tx.ColumnTasks(ctx, columnID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			titles = append(titles, task.Title)
			orders = append(orders, task.Order)
		}
		return nil
	})
	require.NoError(t, err)
	return titles, orders
}

func TestSeedBoardCreatesDefaultColumnsAndAdmin(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	creator := primitive.NewObjectID()

	board, columns, err := SeedBoard(ctx, store, "Launch", creator, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, columns, 3)

	listed, err := store.ListColumns(ctx, board.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i, c := range listed {
		assert.Equal(t, models.DefaultColumns[i], c.Title)
		assert.Equal(t, i, c.Order)
	}

	m, err := store.GetMembership(ctx, board.ID, creator)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, m.Role)

	got, err := store.GetBoard(ctx, board.ID)
	require.NoError(t, err)
	assert.Equal(t, "Launch", got.Title)
	assert.False(t, got.IsDeleted)
}

func TestMissingRowsAreNotFound(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	_, err := store.GetTask(ctx, primitive.NewObjectID())
	assert.True(t, apperrors.Is(err, apperrors.NotFound))
	_, err = store.GetBoard(ctx, primitive.NewObjectID())
	assert.True(t, apperrors.Is(err, apperrors.NotFound))
	_, err = store.GetMembership(ctx, primitive.NewObjectID(), primitive.NewObjectID())
	assert.True(t, apperrors.Is(err, apperrors.NotFound))

	err = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.GetColumn(ctx, primitive.NewObjectID(), primitive.NewObjectID())
		return err
	})
	assert.True(t, apperrors.Is(err, apperrors.NotFound))
}

func TestInsertAppendsAndDeleteLeavesGap(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	creator := primitive.NewObjectID()
	board, columns, err := SeedBoard(ctx, store, "b", creator, time.Now().UTC())
	require.NoError(t, err)

	ids := seedTasks(t, store, board.ID, columns[0].ID, creator, "A", "B", "C")
	titles, orders := columnOrder(t, store, columns[0].ID)
	assert.Equal(t, []string{"A", "B", "C"}, titles)
	assert.Equal(t, []int{0, 1, 2}, orders)

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.DeleteTask(ctx, ids[1])
	}))
	titles, orders = columnOrder(t, store, columns[0].ID)
	assert.Equal(t, []string{"A", "C"}, titles)
	assert.Equal(t, []int{0, 2}, orders)

	seedTasks(t, store, board.ID, columns[0].ID, creator, "D")
	_, orders = columnOrder(t, store, columns[0].ID)
	assert.Equal(t, []int{0, 2, 3}, orders)
}

func TestUpdateTaskPatchesOnlyGivenFields(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	creator := primitive.NewObjectID()
	board, columns, err := SeedBoard(ctx, store, "b", creator, time.Now().UTC())
	require.NoError(t, err)
	ids := seedTasks(t, store, board.ID, columns[0].ID, creator, "Draft")

	title := "Final"
	high := models.PriorityHigh
	labels := []string{"ops"}
	editor := primitive.NewObjectID()
	var updated *models.Task
	err = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		updated, err = tx.UpdateTask(ctx, ids[0], models.TaskPatch{Title: &title, Priority: &high, Labels: &labels}, editor, time.Now().UTC())
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "Final", updated.Title)
	assert.Equal(t, models.PriorityHigh, updated.Priority)
	assert.Equal(t, []string{"ops"}, updated.Labels)
	assert.Equal(t, editor, updated.UpdatedBy)
	assert.Equal(t, creator, updated.CreatedBy)
	assert.Equal(t, 0, updated.Order)
	assert.Equal(t, columns[0].ID, updated.ColumnID)
}

func TestRolledBackTxLeavesNoWrites(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	creator := primitive.NewObjectID()
	board, columns, err := SeedBoard(ctx, store, "b", creator, time.Now().UTC())
	require.NoError(t, err)
	ids := seedTasks(t, store, board.ID, columns[0].ID, creator, "A", "B")

	err = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.SetOrders(ctx, []OrderAssignment{{ID: ids[0], Order: 1}, {ID: ids[1], Order: 0}}); err != nil {
			return err
		}
		return apperrors.Invalid("abort")
	})
	assert.True(t, apperrors.Is(err, apperrors.InvalidArgument))

	titles, orders := columnOrder(t, store, columns[0].ID)
	assert.Equal(t, []string{"A", "B"}, titles)
	assert.Equal(t, []int{0, 1}, orders)
}

func TestListTasksFiltersAndPaginates(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	creator := primitive.NewObjectID()
	board, columns, err := SeedBoard(ctx, store, "b", creator, time.Now().UTC())
	require.NoError(t, err)

	seedTasks(t, store, board.ID, columns[0].ID, creator, "Write docs", "Fix login", "Write tests")
	ids := seedTasks(t, store, board.ID, columns[1].ID, creator, "Review 100%_done")

	assignee := primitive.NewObjectID()
	due := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.UpdateTask(ctx, ids[0], models.TaskPatch{AssignedTo: &assignee, DueDate: &due}, creator, time.Now().UTC())
		return err
	}))

	tasks, total, err := store.ListTasks(ctx, board.ID, models.TaskFilter{}, models.PageRequest{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	require.Len(t, tasks, 2)

	tasks, total, err = store.ListTasks(ctx, board.ID, models.TaskFilter{Query: "write"}, models.PageRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Equal(t, "Write docs", tasks[0].Title)
	assert.Equal(t, "Write tests", tasks[1].Title)

	_, total, err = store.ListTasks(ctx, board.ID, models.TaskFilter{Query: "100%_"}, models.PageRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	tasks, _, err = store.ListTasks(ctx, board.ID, models.TaskFilter{AssignedTo: &assignee}, models.PageRequest{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, ids[0], tasks[0].ID)

	from := due.Add(-time.Hour)
	to := due.Add(time.Hour)
	_, total, err = store.ListTasks(ctx, board.ID, models.TaskFilter{DueFrom: &from, DueTo: &to}, models.PageRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	_, total, err = store.ListTasks(ctx, board.ID, models.TaskFilter{ColumnID: &columns[0].ID}, models.PageRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
}

// rotateColumn moves the first task of the column to the end. Without the
// column lock two rotations could read the same snapshot and one would be lost.
func rotateColumn(ctx context.Context, store Store, columnID primitive.ObjectID) error {
	return store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.LockColumn(ctx, columnID); err != nil {
			return err
		}
		tasks, err := tx.ColumnTasks(ctx, columnID)
		if err != nil || len(tasks) == 0 {
			return err
		}
		orders := make([]OrderAssignment, 0, len(tasks))
		for i, task := range tasks[1:] {
			orders = append(orders, OrderAssignment{ID: task.ID, Order: i})
		}
		orders = append(orders, OrderAssignment{ID: tasks[0].ID, Order: len(tasks) - 1})
		return tx.SetOrders(ctx, orders)
	})
}

// appendTo moves a task to the end of another column and renumbers the
// column it left, locking both in ascending id order.
func appendTo(ctx context.Context, store Store, taskID, toColumn primitive.ObjectID) error {
	return store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		locks := []primitive.ObjectID{task.ColumnID, toColumn}
		if toColumn.Hex() < task.ColumnID.Hex() {
			locks[0], locks[1] = locks[1], locks[0]
		}
		for _, c := range locks {
			if err := tx.LockColumn(ctx, c); err != nil {
				return err
			}
		}
		highest, err := tx.MaxOrder(ctx, toColumn)
		if err != nil {
			return err
		}
		if err := tx.MoveToColumn(ctx, taskID, toColumn, task.UpdatedBy, time.Now().UTC()); err != nil {
			return err
		}
		orders := []OrderAssignment{{ID: taskID, Order: highest + 1}}
		rest, err := tx.ColumnTasks(ctx, task.ColumnID)
		if err != nil {
			return err
		}
		for i, r := range rest {
			orders = append(orders, OrderAssignment{ID: r.ID, Order: i})
		}
		return tx.SetOrders(ctx, orders)
	})
}

// retryConflicts re-runs fn while the store reports a conflict.
func retryConflicts(t *testing.T, fn func() error) {
	for attempt := 0; attempt < 50; attempt++ {
		err := fn()
		if err == nil || !apperrors.Is(err, apperrors.Conflict) {
			assert.NoError(t, err)
			return
		}
		time.Sleep(time.Duration(attempt+1) * 5 * time.Millisecond)
	}
	t.Error("still conflicting after 50 attempts")
}

func TestConcurrentRotationsAreNotLost(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	creator := primitive.NewObjectID()
	board, columns, err := SeedBoard(ctx, store, "b", creator, time.Now().UTC())
	require.NoError(t, err)
	seedTasks(t, store, board.ID, columns[0].ID, creator, "A", "B", "C", "D", "E")

	var wg sync.WaitGroup
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			retryConflicts(t, func() error { return rotateColumn(ctx, store, columns[0].ID) })
		}()
	}
	wg.Wait()

	titles, orders := columnOrder(t, store, columns[0].ID)
	assert.Equal(t, []string{"C", "D", "E", "A", "B"}, titles)
	assert.True(t, ordering.Contiguous(orders), "orders %v", orders)
}

func TestConcurrentCrossColumnMovesIntoEmptyColumn(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	creator := primitive.NewObjectID()
	board, columns, err := SeedBoard(ctx, store, "b", creator, time.Now().UTC())
	require.NoError(t, err)
	left := seedTasks(t, store, board.ID, columns[0].ID, creator, "A", "B")
	right := seedTasks(t, store, board.ID, columns[1].ID, creator, "C", "D")

	var wg sync.WaitGroup
	for _, id := range append(left, right...) {
		wg.Add(1)
		go func(id primitive.ObjectID) {
			defer wg.Done()
			retryConflicts(t, func() error { return appendTo(ctx, store, id, columns[2].ID) })
		}(id)
	}
	wg.Wait()

	for i, c := range columns {
		titles, orders := columnOrder(t, store, c.ID)
		assert.True(t, ordering.Contiguous(orders), "column %d orders %v", i, orders)
		if i == 2 {
			assert.Len(t, titles, 4)
		} else {
			assert.Empty(t, titles)
		}
	}
}
