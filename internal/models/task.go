package models

import "time"

// Status enumerates task lifecycle states.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

// Valid reports whether s is a recognized status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Priority enumerates task priorities.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task represents a unit of trackable work persisted in Postgres.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	UserID      string     `json:"user_id"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Overdue reports whether the task is past due relative to now.
func (t Task) Overdue(now time.Time) bool {
	return t.DueDate != nil && t.DueDate.Before(now)
}

// RoleAdmin may act on any task regardless of ownership.
const RoleAdmin = "admin"

// Actor is the authenticated principal supplied by the authorization layer.
// Identity is trusted as-is; only ownership is checked here.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// CanModify reports whether the actor may mutate the given task.
func (a Actor) CanModify(t Task) bool {
	return a.Role == RoleAdmin || a.ID == t.UserID
}
