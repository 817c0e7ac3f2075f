package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"taskboard/microservices/tasks-service/apperrors"
	"taskboard/microservices/tasks-service/logging"
	"taskboard/microservices/tasks-service/membership"
	"taskboard/microservices/tasks-service/models"
	"taskboard/microservices/tasks-service/ordering"
	"taskboard/microservices/tasks-service/repositories"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	DefaultTxTimeout  = 5 * time.Second
	DefaultMaxRetries = 3
	retryBaseDelay    = 15 * time.Millisecond
)

type Options struct {
	// TxTimeout bounds each unit of work, lock waits included.
	TxTimeout time.Duration
	// MaxRetries is how many times a conflicting write is re-run with a
	// fresh read before Conflict reaches the caller.
	MaxRetries int
	Now        func() time.Time
}

type TaskService struct {
	store      repositories.Store
	auth       membership.Authorizer
	txTimeout  time.Duration
	maxRetries int
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewTaskService(store repositories.Store, auth membership.Authorizer, opts Options) *TaskService {
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = DefaultTxTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &TaskService{
		store:      store,
		auth:       auth,
		txTimeout:  opts.TxTimeout,
		maxRetries: opts.MaxRetries,
		now:        opts.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// authorize resolves the caller's membership and checks the capability.
func (s *TaskService) authorize(ctx context.Context, identity models.Identity, boardID primitive.ObjectID, capability models.Capability) (models.Membership, error) {
	if identity.UserID.IsZero() {
		return models.Membership{}, apperrors.New(apperrors.Unauthorized, "authentication required")
	}
	m, err := s.auth.EnsureMember(ctx, identity.UserID, boardID)
	if err != nil {
		return models.Membership{}, err
	}
	if !m.Role.Can(capability) {
		return models.Membership{}, apperrors.Forbiddenf("role %s may not perform this action", m.Role)
	}
	return m, nil
}

// inTx runs fn in a unit of work bounded by the tx timeout and re-runs it on
// Conflict with jittered exponential backoff.
func (s *TaskService) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx repositories.Tx) error) error {
	for attempt := 0; ; attempt++ {
		txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
		err := s.store.WithinTx(txCtx, fn)
		cancel()
		if err == nil {
			return nil
		}
		if !apperrors.Is(err, apperrors.Conflict) || attempt >= s.maxRetries || ctx.Err() != nil {
			return err
		}

		delay := retryBaseDelay << attempt
		delay += rand.N(delay)
		logging.Logger.Warnf("Event ID: TX_CONFLICT_RETRY, Description: %s conflicted, attempt=%d, backoff=%s: %v", op, attempt+1, delay, err)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", apperrors.Invalid("title is required")
	}
	if utf8.RuneCountInString(title) > models.MaxTitleLength {
		return "", apperrors.Invalid("title must be at most %d characters", models.MaxTitleLength)
	}
	return title, nil
}

func normalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func (s *TaskService) ListTasks(ctx context.Context, identity models.Identity, boardID primitive.ObjectID, filter models.TaskFilter, page models.PageRequest) (models.TaskPage, error) {
	if filter.DueFrom != nil && filter.DueTo != nil && filter.DueFrom.After(*filter.DueTo) {
		return models.TaskPage{}, apperrors.Invalid("dueFrom must not be after dueTo")
	}
	if _, err := s.authorize(ctx, identity, boardID, models.CapViewTasks); err != nil {
		return models.TaskPage{}, err
	}

	page = page.Normalize()
	tasks, total, err := s.store.ListTasks(ctx, boardID, filter, page)
	if err != nil {
		return models.TaskPage{}, fmt.Errorf("list tasks: %w", err)
	}
	return models.NewTaskPage(tasks, total, page), nil
}

func (s *TaskService) CreateTask(ctx context.Context, identity models.Identity, boardID primitive.ObjectID, in models.NewTask) (*models.Task, error) {
	title, err := normalizeTitle(in.Title)
	if err != nil {
		return nil, err
	}
	if in.ColumnID.IsZero() {
		return nil, apperrors.Invalid("columnId is required")
	}
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return nil, apperrors.Invalid("priority must be one of low, medium, high")
	}
	if _, err := s.authorize(ctx, identity, boardID, models.CapEditTasks); err != nil {
		return nil, err
	}

	// The id is fixed before the first attempt so a retry after a commit whose
	// outcome was unknown finds the task instead of inserting a second one.
	taskID := primitive.NewObjectID()
	now := s.now()
	var task *models.Task
	err = s.inTx(ctx, "create task", func(ctx context.Context, tx repositories.Tx) error {
		existing, err := tx.GetTask(ctx, taskID)
		if err == nil {
			task = existing
			return nil
		}
		if !apperrors.Is(err, apperrors.NotFound) {
			return err
		}
		if _, err := tx.GetColumn(ctx, boardID, in.ColumnID); err != nil {
			if apperrors.Is(err, apperrors.NotFound) {
				return apperrors.Invalid("invalid column")
			}
			return err
		}
		if err := tx.LockColumn(ctx, in.ColumnID); err != nil {
			return err
		}
		highest, err := tx.MaxOrder(ctx, in.ColumnID)
		if err != nil {
			return err
		}

		task = &models.Task{
			ID:          taskID,
			BoardID:     boardID,
			ColumnID:    in.ColumnID,
			Title:       title,
			Description: strings.TrimSpace(in.Description),
			AssignedTo:  in.AssignedTo,
			DueDate:     in.DueDate,
			Priority:    priority,
			Labels:      normalizeLabels(in.Labels),
			Order:       highest + 1,
			CreatedBy:   identity.UserID,
			UpdatedBy:   identity.UserID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return tx.InsertTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}

	logging.Logger.Infof("Event ID: TASK_CREATED, Description: task %s created in column %s at order %d", task.ID.Hex(), task.ColumnID.Hex(), task.Order)
	return task, nil
}

func (s *TaskService) UpdateTask(ctx context.Context, identity models.Identity, taskID primitive.ObjectID, patch models.TaskPatch) (*models.Task, error) {
	if patch.Empty() {
		return nil, apperrors.Invalid("no updatable fields provided")
	}
	if patch.Title != nil {
		title, err := normalizeTitle(*patch.Title)
		if err != nil {
			return nil, err
		}
		patch.Title = &title
	}
	if patch.Description != nil {
		d := strings.TrimSpace(*patch.Description)
		patch.Description = &d
	}
	if patch.Priority != nil && !patch.Priority.Valid() {
		return nil, apperrors.Invalid("priority must be one of low, medium, high")
	}
	if patch.Labels != nil {
		labels := normalizeLabels(*patch.Labels)
		patch.Labels = &labels
	}

	current, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, identity, current.BoardID, models.CapEditTasks); err != nil {
		return nil, err
	}

	var updated *models.Task
	err = s.inTx(ctx, "update task", func(ctx context.Context, tx repositories.Tx) error {
		var err error
		updated, err = tx.UpdateTask(ctx, taskID, patch, identity.UserID, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteTask removes the task. Its column keeps a gap until the next move
// renumbers it.
func (s *TaskService) DeleteTask(ctx context.Context, identity models.Identity, taskID primitive.ObjectID) error {
	current, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if _, err := s.authorize(ctx, identity, current.BoardID, models.CapEditTasks); err != nil {
		return err
	}

	// deleted records an attempt that reached commit. If that commit's outcome
	// was unknown and the retry no longer finds the task, the delete landed.
	deleted := false
	err = s.inTx(ctx, "delete task", func(ctx context.Context, tx repositories.Tx) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			if deleted && apperrors.Is(err, apperrors.NotFound) {
				return nil
			}
			return err
		}
		if err := tx.LockColumn(ctx, task.ColumnID); err != nil {
			return err
		}
		if err := tx.DeleteTask(ctx, taskID); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return err
	}
	logging.Logger.Infof("Event ID: TASK_DELETED, Description: task %s deleted by %s", taskID.Hex(), identity.UserID.Hex())
	return nil
}

// MoveTask repositions a task inside its column or into another column of the
// same board. Every task of the touched columns ends up at 0..n-1; the result
// carries the index actually applied after clamping.
func (s *TaskService) MoveTask(ctx context.Context, identity models.Identity, boardID, taskID primitive.ObjectID, req models.MoveRequest) (models.MoveResult, error) {
	if req.ToColumnID.IsZero() {
		return models.MoveResult{}, apperrors.Invalid("toColumnId is required")
	}
	if req.ToIndex == nil {
		return models.MoveResult{}, apperrors.Invalid("toIndex is required")
	}
	if *req.ToIndex < 0 {
		return models.MoveResult{}, apperrors.Invalid("toIndex must be >= 0")
	}
	if _, err := s.authorize(ctx, identity, boardID, models.CapEditTasks); err != nil {
		return models.MoveResult{}, err
	}

	var result models.MoveResult
	err := s.inTx(ctx, "move task", func(ctx context.Context, tx repositories.Tx) error {
		var err error
		result, err = s.moveInTx(ctx, tx, identity, boardID, taskID, req.ToColumnID, *req.ToIndex)
		return err
	})
	if err != nil {
		return models.MoveResult{}, err
	}

	logging.Logger.Infof("Event ID: TASK_MOVED, Description: task %s moved from column %s to column %s at index %d",
		taskID.Hex(), result.FromColumnID.Hex(), result.ToColumnID.Hex(), result.ToIndex)
	return result, nil
}

func (s *TaskService) moveInTx(ctx context.Context, tx repositories.Tx, identity models.Identity, boardID, taskID, toColumn primitive.ObjectID, toIndex int) (models.MoveResult, error) {
	task, err := tx.GetTask(ctx, taskID)
	if err != nil {
		return models.MoveResult{}, err
	}
	if task.BoardID != boardID {
		return models.MoveResult{}, apperrors.NotFoundf("task not found")
	}
	if _, err := tx.GetColumn(ctx, boardID, toColumn); err != nil {
		if apperrors.Is(err, apperrors.NotFound) {
			return models.MoveResult{}, apperrors.Invalid("invalid destination column")
		}
		return models.MoveResult{}, err
	}
	fromColumn := task.ColumnID
	crossColumn := fromColumn != toColumn

	for _, c := range lockOrder(fromColumn, toColumn) {
		if err := tx.LockColumn(ctx, c); err != nil {
			return models.MoveResult{}, err
		}
	}

	current := make(map[primitive.ObjectID]int)
	source, err := tx.ColumnTasks(ctx, fromColumn)
	if err != nil {
		return models.MoveResult{}, err
	}
	fromIDs := taskIDs(source, current)

	var plan ordering.Plan[primitive.ObjectID]
	if crossColumn {
		var dest []models.Task
		if dest, err = tx.ColumnTasks(ctx, toColumn); err != nil {
			return models.MoveResult{}, err
		}
		plan, err = ordering.Across(fromIDs, taskIDs(dest, current), taskID, toIndex)
	} else {
		plan, err = ordering.Within(fromIDs, taskID, toIndex)
	}
	if errors.Is(err, ordering.ErrNotInColumn) {
		return models.MoveResult{}, apperrors.Wrap(apperrors.Conflict, "task changed column concurrently, retry", err)
	}
	if err != nil {
		return models.MoveResult{}, err
	}

	if crossColumn {
		if err := tx.MoveToColumn(ctx, taskID, toColumn, identity.UserID, s.now()); err != nil {
			return models.MoveResult{}, err
		}
	}
	next := append(append([]repositories.OrderAssignment(nil), plan.From...), plan.To...)
	if err := tx.SetOrders(ctx, ordering.Changed(current, next)); err != nil {
		return models.MoveResult{}, err
	}

	return models.MoveResult{FromColumnID: fromColumn, ToColumnID: toColumn, ToIndex: plan.Index}, nil
}

// lockOrder returns the distinct columns in ascending id order.
func lockOrder(a, b primitive.ObjectID) []primitive.ObjectID {
	if a == b {
		return []primitive.ObjectID{a}
	}
	if b.Hex() < a.Hex() {
		a, b = b, a
	}
	return []primitive.ObjectID{a, b}
}

func taskIDs(tasks []models.Task, orders map[primitive.ObjectID]int) []primitive.ObjectID {
	ids := make([]primitive.ObjectID, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
		orders[t.ID] = t.Order
	}
	return ids
}
