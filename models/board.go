package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Board struct {
	ID        primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Title     string             `json:"title" bson:"title"`
	CreatedBy primitive.ObjectID `json:"createdBy" bson:"createdBy"`
	IsDeleted bool               `json:"isDeleted" bson:"isDeleted"`
	CreatedAt time.Time          `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt" bson:"updatedAt"`
}

// Column is a list inside a board. Revision is bumped by every transaction
// that rewrites the ordering of the column's tasks.
type Column struct {
	ID        primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	BoardID   primitive.ObjectID `json:"board" bson:"board"`
	Title     string             `json:"title" bson:"title"`
	Order     int                `json:"order" bson:"order"`
	Revision  int64              `json:"revision" bson:"revision"`
	CreatedAt time.Time          `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt" bson:"updatedAt"`
}

// DefaultColumns are created with every new board.
var DefaultColumns = []string{"Todo", "In Progress", "Done"}
