package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/iliyamo/hajj-portal/internal/model"
)

// TrackRepo appends to and reads the completed_tracks history.  History
// rows are never updated or deleted.
type TrackRepo struct{ DB *sql.DB }

func NewTrackRepo(db *sql.DB) *TrackRepo { return &TrackRepo{DB: db} }

// CreateTx inserts one history row within q and returns its id.  The part
// snapshot is stored as JSON.
func (r *TrackRepo) CreateTx(ctx context.Context, q Querier, t model.CompletedTrack) (uint64, error) {
	details, err := json.Marshal(t.Details)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}
	res, err := q.ExecContext(ctx,
		"INSERT INTO completed_tracks (name, participants_count, details, completed_at) VALUES (?,?,?,?)",
		t.Name, t.ParticipantsCount, string(details), t.CompletedAt.UTC())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// List returns the newest history rows first.  A non-positive limit means
// no limit.
func (r *TrackRepo) List(ctx context.Context, limit int) ([]model.CompletedTrack, error) {
	query := "SELECT id, name, participants_count, details, completed_at FROM completed_tracks ORDER BY completed_at DESC, id DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tracks := []model.CompletedTrack{}
	for rows.Next() {
		var (
			t       model.CompletedTrack
			details []byte
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.ParticipantsCount, &details, &t.CompletedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &t.Details); err != nil {
				return nil, fmt.Errorf("decode snapshot of track %d: %w", t.ID, err)
			}
		}
		t.CompletedAt = t.CompletedAt.UTC()
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

// Count returns the number of archived tracks.
func (r *TrackRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM completed_tracks").Scan(&n)
	return n, err
}
