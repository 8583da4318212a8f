package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// FeedProbe fingerprints the watched tables for the polling change feed.
type FeedProbe struct{ DB *sql.DB }

func NewFeedProbe(db *sql.DB) *FeedProbe { return &FeedProbe{DB: db} }

var probeQueries = map[string]string{
	"quran_parts": `SELECT id, COALESCE(claimed_by_user_id, 0), COALESCE(guest_name, ''), COALESCE(device_id, ''),
	                       COALESCE(claimed_at, '')
	                FROM quran_parts ORDER BY id`,
	"app_settings":     `SELECT setting_key, setting_value FROM app_settings ORDER BY setting_key`,
	"completed_tracks": `SELECT COUNT(*), COALESCE(MAX(id), 0) FROM completed_tracks`,
	"notifications":    `SELECT COUNT(*), COALESCE(MAX(id), 0), COALESCE(SUM(is_read), 0) FROM notifications`,
}

// Fingerprint hashes the rows that matter to subscribers of table.
func (p *FeedProbe) Fingerprint(ctx context.Context, table string) (string, error) {
	query, ok := probeQueries[table]
	if !ok {
		return "", fmt.Errorf("no probe for table %q", table)
	}
	rows, err := p.DB.QueryContext(ctx, query)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	vals := make([]sql.RawBytes, len(cols))
	dest := make([]any, len(cols))
	for i := range vals {
		dest[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return "", err
		}
		for _, v := range vals {
			h.Write(v)
			h.Write([]byte{0})
		}
		h.Write([]byte{'\n'})
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
