// Package repositories persists boards, columns, memberships and tasks and
// exposes the unit of work every column-mutating operation runs in.
package repositories

import (
	"context"
	"time"

	"taskboard/microservices/tasks-service/models"
	"taskboard/microservices/tasks-service/ordering"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type OrderAssignment = ordering.Assignment[primitive.ObjectID]

// Reader serves committed state outside of any transaction.
type Reader interface {
	GetTask(ctx context.Context, taskID primitive.ObjectID) (*models.Task, error)
	GetBoard(ctx context.Context, boardID primitive.ObjectID) (*models.Board, error)
	GetMembership(ctx context.Context, boardID, userID primitive.ObjectID) (*models.Membership, error)
	ListColumns(ctx context.Context, boardID primitive.ObjectID) ([]models.Column, error)
	ListTasks(ctx context.Context, boardID primitive.ObjectID, filter models.TaskFilter, page models.PageRequest) ([]models.Task, int64, error)
}

// Tx is the set of operations available inside a unit of work. Every method
// must be called with the ctx handed to the WithinTx callback.
type Tx interface {
	GetTask(ctx context.Context, taskID primitive.ObjectID) (*models.Task, error)
	GetColumn(ctx context.Context, boardID, columnID primitive.ObjectID) (*models.Column, error)
	// LockColumn bumps the column revision. Two transactions locking the same
	// column cannot both commit.
	LockColumn(ctx context.Context, columnID primitive.ObjectID) error
	// ColumnTasks returns the column's tasks sorted by (order, id).
	ColumnTasks(ctx context.Context, columnID primitive.ObjectID) ([]models.Task, error)
	// MaxOrder returns the highest order in the column, or -1 when empty.
	MaxOrder(ctx context.Context, columnID primitive.ObjectID) (int, error)
	InsertTask(ctx context.Context, task *models.Task) error
	UpdateTask(ctx context.Context, taskID primitive.ObjectID, patch models.TaskPatch, updatedBy primitive.ObjectID, at time.Time) (*models.Task, error)
	DeleteTask(ctx context.Context, taskID primitive.ObjectID) error
	SetOrders(ctx context.Context, orders []OrderAssignment) error
	MoveToColumn(ctx context.Context, taskID, columnID, updatedBy primitive.ObjectID, at time.Time) error

	InsertBoard(ctx context.Context, board *models.Board) error
	InsertColumn(ctx context.Context, column *models.Column) error
	UpsertMembership(ctx context.Context, membership models.Membership) error
}

// Store is the storage collaborator: committed reads plus an explicit unit of
// work. WithinTx commits when fn returns nil and aborts otherwise; errors are
// classified into apperrors kinds.
type Store interface {
	Reader
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close(ctx context.Context) error
}

// SeedBoard creates a board with the default columns and makes the creator
// its admin, atomically.
func SeedBoard(ctx context.Context, store Store, title string, creator primitive.ObjectID, now time.Time) (*models.Board, []models.Column, error) {
	board := &models.Board{
		ID:        primitive.NewObjectID(),
		Title:     title,
		CreatedBy: creator,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var columns []models.Column

	err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		columns = columns[:0]
		if err := tx.InsertBoard(ctx, board); err != nil {
			return err
		}
		for i, name := range models.DefaultColumns {
			col := models.Column{
				ID:        primitive.NewObjectID(),
				BoardID:   board.ID,
				Title:     name,
				Order:     i,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.InsertColumn(ctx, &col); err != nil {
				return err
			}
			columns = append(columns, col)
		}
		return tx.UpsertMembership(ctx, models.Membership{
			BoardID:  board.ID,
			UserID:   creator,
			Role:     models.RoleAdmin,
			JoinedAt: now,
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return board, columns, nil
}
