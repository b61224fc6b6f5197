package model

import "time"

// NotificationType identifies what a notification announces
type NotificationType string

const (
	NotificationTaskCreated   NotificationType = "task_created"
	NotificationTaskStarted   NotificationType = "task_started"
	NotificationTaskProgress  NotificationType = "task_progress"
	NotificationTaskCompleted NotificationType = "task_completed"
	NotificationTaskFailed    NotificationType = "task_failed"
	NotificationTaskCancelled NotificationType = "task_cancelled"
	NotificationSystemStatus  NotificationType = "system_status"
	NotificationClientMessage NotificationType = "client_message"
)

// Priority orders notifications for the front-end
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Notification is an immutable fan-out message. ClientID addresses a single
// subscriber, GroupID a group; neither set means broadcast.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Priority  Priority         `json:"priority"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
	TaskID    string           `json:"task_id,omitempty"`
	ClientID  string           `json:"client_id,omitempty"`
	GroupID   string           `json:"group_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
}

// Validate checks the addressing invariant
func (n Notification) Validate() error {
	if n.ClientID != "" && n.GroupID != "" {
		return ErrInvalidAddress
	}
	return nil
}

// IsBroadcast reports whether n goes to every client
func (n Notification) IsBroadcast() bool {
	return n.ClientID == "" && n.GroupID == ""
}

// Expired reports whether n should no longer be delivered at now
func (n Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}
