package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/hajj-portal/internal/database"
	"github.com/iliyamo/hajj-portal/internal/model"
)

// SettingsRepo reads and writes the app_settings key/value table.
type SettingsRepo struct {
	DB      *sql.DB
	Dialect database.Dialect
}

func NewSettingsRepo(db *sql.DB, d database.Dialect) *SettingsRepo {
	return &SettingsRepo{DB: db, Dialect: d}
}

// GetTx returns the values stored for keys.  Missing keys are absent from
// the map.
func (r *SettingsRepo) GetTx(ctx context.Context, q Querier, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	rows, err := q.QueryContext(ctx,
		"SELECT setting_key, setting_value FROM app_settings WHERE setting_key IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// UpsertTx stores value under key, replacing any previous value.
func (r *SettingsRepo) UpsertTx(ctx context.Context, q Querier, key, value string, at time.Time) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO app_settings (setting_key, setting_value, updated_at) VALUES (?, ?, ?)"+
			r.Dialect.Upsert("setting_key", "setting_value"),
		key, value, at.UTC())
	return err
}

// StateTx reads the current track name and completed count.  Absent keys
// fall back to defaultName and zero.
func (r *SettingsRepo) StateTx(ctx context.Context, q Querier, defaultName string) (model.TrackerState, error) {
	kv, err := r.GetTx(ctx, q, model.SettingCurrentTrackName, model.SettingCompletedCount)
	if err != nil {
		return model.TrackerState{}, err
	}
	st := model.TrackerState{Name: defaultName}
	if name := kv[model.SettingCurrentTrackName]; name != "" {
		st.Name = name
	}
	if raw, ok := kv[model.SettingCompletedCount]; ok && raw != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return model.TrackerState{}, fmt.Errorf("setting %s: %w", model.SettingCompletedCount, err)
		}
		st.CompletedCount = n
	}
	return st, nil
}

// State is StateTx against the repository's own connection pool.
func (r *SettingsRepo) State(ctx context.Context, defaultName string) (model.TrackerState, error) {
	return r.StateTx(ctx, r.DB, defaultName)
}

// SeedDefaults creates the tracker keys when they do not exist yet.
func (r *SettingsRepo) SeedDefaults(ctx context.Context, defaultName string, at time.Time) error {
	query := r.Dialect.InsertIgnore() + " INTO app_settings (setting_key, setting_value, updated_at) VALUES (?, ?, ?)"
	if _, err := r.DB.ExecContext(ctx, query, model.SettingCompletedCount, "0", at.UTC()); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, query, model.SettingCurrentTrackName, defaultName, at.UTC())
	return err
}
