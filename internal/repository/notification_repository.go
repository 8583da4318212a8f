package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/hajj-portal/internal/model"
)

// NotificationRepo stores per-user notifications.
type NotificationRepo struct{ DB *sql.DB }

func NewNotificationRepo(db *sql.DB) *NotificationRepo { return &NotificationRepo{DB: db} }

// Create inserts an unread notification and returns its id.
func (r *NotificationRepo) Create(ctx context.Context, userID uint64, title, body string, at time.Time) (uint64, error) {
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO notifications (user_id, title, body, is_read, created_at) VALUES (?,?,?,0,?)",
		userID, title, body, at.UTC())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// Latest returns up to limit notifications for the user, newest first.
func (r *NotificationRepo) Latest(ctx context.Context, userID uint64, limit int) ([]model.Notification, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, user_id, title, body, is_read, created_at
		 FROM notifications WHERE user_id=? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Notification{}
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UnreadCount returns how many notifications the user has not read.
func (r *NotificationRepo) UnreadCount(ctx context.Context, userID uint64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM notifications WHERE user_id=? AND is_read=0", userID).Scan(&n)
	return n, err
}

// MarkRead flags one notification as read.  Another user's notification
// is reported as ErrNotFound.
func (r *NotificationRepo) MarkRead(ctx context.Context, userID, id uint64) error {
	var owner uint64
	err := r.DB.QueryRowContext(ctx, "SELECT user_id FROM notifications WHERE id=? LIMIT 1", id).Scan(&owner)
	if err != nil {
		return notFound(err)
	}
	if owner != userID {
		return ErrNotFound
	}
	_, err = r.DB.ExecContext(ctx, "UPDATE notifications SET is_read=1 WHERE id=?", id)
	return err
}

// MarkAllRead flags every notification of the user as read and returns how
// many changed.
func (r *NotificationRepo) MarkAllRead(ctx context.Context, userID uint64) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE notifications SET is_read=1 WHERE user_id=? AND is_read=0", userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
