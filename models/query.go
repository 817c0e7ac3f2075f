package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

type TaskFilter struct {
	ColumnID   *primitive.ObjectID
	AssignedTo *primitive.ObjectID
	Query      string
	DueFrom    *time.Time
	DueTo      *time.Time
}

type PageRequest struct {
	Page  int
	Limit int
}

// Normalize applies the listing defaults: page 1, limit 10, limit capped.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

func (p PageRequest) Offset() int {
	return (p.Page - 1) * p.Limit
}

type TaskPage struct {
	Items     []Task `json:"items"`
	Total     int64  `json:"total"`
	Page      int    `json:"page"`
	PageCount int    `json:"pageCount"`
}

func NewTaskPage(items []Task, total int64, page PageRequest) TaskPage {
	if items == nil {
		items = []Task{}
	}
	pageCount := int((total + int64(page.Limit) - 1) / int64(page.Limit))
	return TaskPage{Items: items, Total: total, Page: page.Page, PageCount: pageCount}
}
