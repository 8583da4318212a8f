// Package testutil builds throwaway SQLite databases and fixtures for
// package tests.
package testutil

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iliyamo/hajj-portal/internal/database"
	"github.com/iliyamo/hajj-portal/internal/model"
	"github.com/iliyamo/hajj-portal/internal/repository"
)

// TestParts is the grid size used by fixtures.
const TestParts = 30

// TestTrackName is the initial round name used by fixtures.
const TestTrackName = "Cycle A"

var dbSeq atomic.Int64

// SetupTestDB opens a private in-memory SQLite database with the full schema
// applied.  It is closed when the test ends.
func SetupTestDB(t testing.TB) *sql.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
	db, err := database.OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.Migrate(context.Background(), db, database.SQLite); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

// SetupTrackerDB is SetupTestDB plus the seeded part grid and default
// settings.
func SetupTrackerDB(t testing.TB) *sql.DB {
	t.Helper()
	db := SetupTestDB(t)
	ctx := context.Background()
	if err := repository.NewPartRepo(db, database.SQLite).Seed(ctx, TestParts); err != nil {
		t.Fatalf("Failed to seed parts: %v", err)
	}
	if err := repository.NewSettingsRepo(db, database.SQLite).SeedDefaults(ctx, TestTrackName, time.Now()); err != nil {
		t.Fatalf("Failed to seed settings: %v", err)
	}
	return db
}

// CreateTestUser inserts an account with password "password" and returns it.
func CreateTestUser(t testing.TB, db *sql.DB, username, fullName, role string) model.User {
	t.Helper()
	users := repository.NewUserRepo(db)
	ctx := context.Background()
	id, err := users.Create(ctx, username, "password", fullName, role, 4)
	if err != nil {
		t.Fatalf("Failed to create user %s: %v", username, err)
	}
	u, err := users.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("Failed to load user %s: %v", username, err)
	}
	return u
}

// MakeRequest builds a request with an optional JSON body and headers.
func MakeRequest(method, path string, body any, headers map[string]string) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}
