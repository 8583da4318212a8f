package model

import "time"

// Notification is a message addressed to a single registered user.
type Notification struct {
	ID        uint64    `json:"id"`         // notifications.id
	UserID    uint64    `json:"user_id"`    // notifications.user_id
	Title     string    `json:"title"`      // notifications.title
	Body      string    `json:"body"`       // notifications.body
	IsRead    bool      `json:"is_read"`    // notifications.is_read
	CreatedAt time.Time `json:"created_at"` // notifications.created_at
}
