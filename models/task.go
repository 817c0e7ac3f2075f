package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

const MaxTitleLength = 200

// Task is a card on a board. Order is its position inside ColumnID and is
// only ever changed by a move.
type Task struct {
	ID          primitive.ObjectID  `json:"id" bson:"_id,omitempty"`
	BoardID     primitive.ObjectID  `json:"board" bson:"board"`
	ColumnID    primitive.ObjectID  `json:"column" bson:"column"`
	Title       string              `json:"title" bson:"title"`
	Description string              `json:"description" bson:"description"`
	AssignedTo  *primitive.ObjectID `json:"assignedTo" bson:"assignedTo"`
	DueDate     *time.Time          `json:"dueDate" bson:"dueDate"`
	Priority    Priority            `json:"priority" bson:"priority"`
	Labels      []string            `json:"labels" bson:"labels"`
	Order       int                 `json:"order" bson:"order"`
	CreatedBy   primitive.ObjectID  `json:"createdBy" bson:"createdBy"`
	UpdatedBy   primitive.ObjectID  `json:"updatedBy" bson:"updatedBy"`
	CreatedAt   time.Time           `json:"createdAt" bson:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt" bson:"updatedAt"`
}

// NewTask carries the fields accepted when a task is created in a column.
type NewTask struct {
	ColumnID    primitive.ObjectID
	Title       string
	Description string
	AssignedTo  *primitive.ObjectID
	DueDate     *time.Time
	Priority    Priority
	Labels      []string
}

// TaskPatch holds the non-positional fields of an update. Nil means "leave
// as is". ClearAssignee and ClearDueDate unset the optional references.
type TaskPatch struct {
	Title         *string
	Description   *string
	AssignedTo    *primitive.ObjectID
	ClearAssignee bool
	DueDate       *time.Time
	ClearDueDate  bool
	Priority      *Priority
	Labels        *[]string
}

func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.AssignedTo == nil && !p.ClearAssignee &&
		p.DueDate == nil && !p.ClearDueDate && p.Priority == nil && p.Labels == nil
}

// MoveRequest is a drag-and-drop reposition. ToIndex is a pointer so a missing
// index can be told apart from zero.
type MoveRequest struct {
	ToColumnID primitive.ObjectID
	ToIndex    *int
}

type MoveResult struct {
	FromColumnID primitive.ObjectID `json:"fromColumnId"`
	ToColumnID   primitive.ObjectID `json:"toColumnId"`
	ToIndex      int                `json:"toIndex"`
}
