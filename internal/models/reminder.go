package models

import "time"

// Status is the lifecycle state of a reminder. Transitions between states
// are validated by the lifecycle package; a reminder only moves forward.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusNotified  Status = "notified"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusNotified, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Source identifies where a reminder originated.
type Source string

const (
	SourceManual   Source = "manual"
	SourceLMS      Source = "LMS"
	SourceCalendar Source = "calendar"
	SourceExternal Source = "external"
)

// Valid reports whether s is a known source value.
func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceLMS, SourceCalendar, SourceExternal:
		return true
	}
	return false
}

// Validation bounds for reminder fields.
const (
	MaxTitleLength        = 255
	MinAdvanceMinutes     = 0
	MaxAdvanceMinutes     = 10080 // 7 days
	DefaultAdvanceMinutes = 15
)

// Reminder is the persisted entity. NotifiedAt is set exactly when the
// reminder reaches the notified state; rows are never physically deleted,
// deletion is a transition to cancelled.
type Reminder struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId"`
	Title          string         `json:"title"`
	DueAt          time.Time      `json:"dueAt"`
	Status         Status         `json:"status"`
	Source         Source         `json:"source"`
	AdvanceMinutes int            `json:"advanceMinutes"`
	Metadata       map[string]any `json:"metadata"`
	NotifiedAt     *time.Time     `json:"notifiedAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// NotifyAt is the instant the reminder becomes a due candidate.
func (r *Reminder) NotifyAt() time.Time {
	return r.DueAt.Add(-time.Duration(r.AdvanceMinutes) * time.Minute)
}

// CreateReminderRequest is the POST /v1/reminders payload.
// dueAt is an RFC3339 timestamp; source defaults to manual and
// advanceMinutes to DefaultAdvanceMinutes when omitted.
type CreateReminderRequest struct {
	UserID         string         `json:"userId"`
	Title          string         `json:"title"`
	DueAt          string         `json:"dueAt"`
	Source         Source         `json:"source,omitempty"`
	AdvanceMinutes *int           `json:"advanceMinutes,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// UpdateReminderRequest is the PATCH /v1/reminders/:id payload.
// All fields are optional; absent fields are left untouched.
type UpdateReminderRequest struct {
	Title          *string        `json:"title,omitempty"`
	DueAt          *string        `json:"dueAt,omitempty"`
	Status         *Status        `json:"status,omitempty"`
	AdvanceMinutes *int           `json:"advanceMinutes,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Pagination describes the page window of a list response.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

// ReminderList is the GET /v1/reminders response envelope.
type ReminderList struct {
	Data       []Reminder `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// ValidTitle reports whether t satisfies the 1..MaxTitleLength bound.
func ValidTitle(t string) bool {
	return len(t) >= 1 && len(t) <= MaxTitleLength
}

// ValidAdvanceMinutes reports whether m is within [MinAdvanceMinutes, MaxAdvanceMinutes].
func ValidAdvanceMinutes(m int) bool {
	return m >= MinAdvanceMinutes && m <= MaxAdvanceMinutes
}
