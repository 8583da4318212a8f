package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/hajj-portal/internal/database"
	"github.com/iliyamo/hajj-portal/internal/model"
)

// PartRepo provides data access to the quran_parts table.  Claims are
// conditional writes guarded on both claimant columns being NULL so that
// the database, not the caller, decides who wins a race.  All timestamps
// are written in UTC.
type PartRepo struct {
	DB      *sql.DB
	Dialect database.Dialect
}

// NewPartRepo returns a PartRepo bound to the provided database.
func NewPartRepo(db *sql.DB, d database.Dialect) *PartRepo {
	return &PartRepo{DB: db, Dialect: d}
}

const partSelect = `SELECT p.id, p.part_number, p.claimed_by_user_id, COALESCE(u.full_name, ''),
       p.guest_name, p.device_id, p.claimed_at
FROM quran_parts p
LEFT JOIN users u ON u.id = p.claimed_by_user_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPart(s rowScanner) (model.Part, error) {
	var (
		p         model.Part
		userID    sql.NullInt64
		guestName sql.NullString
		deviceID  sql.NullString
		claimedAt sql.NullTime
	)
	if err := s.Scan(&p.ID, &p.PartNumber, &userID, &p.ClaimedByName, &guestName, &deviceID, &claimedAt); err != nil {
		return model.Part{}, err
	}
	if userID.Valid {
		id := uint64(userID.Int64)
		p.ClaimedByUserID = &id
	} else {
		p.ClaimedByName = ""
	}
	if guestName.Valid {
		p.GuestName = &guestName.String
	}
	if deviceID.Valid {
		p.DeviceID = &deviceID.String
	}
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		p.ClaimedAt = &t
	}
	return p, nil
}

// ListAll returns every part ordered by part_number.
func (r *PartRepo) ListAll(ctx context.Context) ([]model.Part, error) {
	return r.ListTx(ctx, r.DB, false)
}

// ListTx returns every part ordered by part_number using q.  With
// forUpdate set the rows are locked until the surrounding transaction
// ends (MySQL only).
func (r *PartRepo) ListTx(ctx context.Context, q Querier, forUpdate bool) ([]model.Part, error) {
	query := partSelect + " ORDER BY p.part_number"
	if forUpdate {
		query += r.Dialect.ForUpdate()
	}
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	parts := make([]model.Part, 0, 32)
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return parts, nil
}

// GetByID fetches one part.  It returns ErrNotFound when the id does not
// exist.
func (r *PartRepo) GetByID(ctx context.Context, id int) (model.Part, error) {
	p, err := scanPart(r.DB.QueryRowContext(ctx, partSelect+" WHERE p.id = ? LIMIT 1", id))
	if err != nil {
		return model.Part{}, notFound(err)
	}
	return p, nil
}

// ClaimForUser assigns the part to a registered user if it is still free.
// Zero affected rows yields ErrConflict, or ErrNotFound when the part does
// not exist at all.
func (r *PartRepo) ClaimForUser(ctx context.Context, id int, userID uint64, at time.Time) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE quran_parts
		 SET claimed_by_user_id = ?, guest_name = NULL, device_id = NULL, claimed_at = ?
		 WHERE id = ? AND claimed_by_user_id IS NULL AND guest_name IS NULL`,
		userID, at.UTC(), id)
	if err != nil {
		return err
	}
	return r.guardResult(ctx, res, id)
}

// ClaimForGuest assigns the part to an anonymous claimant if it is still
// free.  Errors follow ClaimForUser.
func (r *PartRepo) ClaimForGuest(ctx context.Context, id int, guestName, deviceID string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE quran_parts
		 SET claimed_by_user_id = NULL, guest_name = ?, device_id = ?, claimed_at = ?
		 WHERE id = ? AND claimed_by_user_id IS NULL AND guest_name IS NULL`,
		guestName, deviceID, at.UTC(), id)
	if err != nil {
		return err
	}
	return r.guardResult(ctx, res, id)
}

func (r *PartRepo) guardResult(ctx context.Context, res sql.Result, id int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// the guard rejected the write; tell a lost race from a bad id
	var exists int
	err = r.DB.QueryRowContext(ctx, "SELECT 1 FROM quran_parts WHERE id = ? LIMIT 1", id).Scan(&exists)
	if err != nil {
		return notFound(err)
	}
	return ErrConflict
}

// Release clears every claim column of the part unconditionally.
func (r *PartRepo) Release(ctx context.Context, id int) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE quran_parts
		 SET claimed_by_user_id = NULL, guest_name = NULL, device_id = NULL, claimed_at = NULL
		 WHERE id = ?`, id)
	return err
}

// ResetAllTx clears the claim columns of every part within q.
func (r *PartRepo) ResetAllTx(ctx context.Context, q Querier) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE quran_parts
		 SET claimed_by_user_id = NULL, guest_name = NULL, device_id = NULL, claimed_at = NULL`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Seed makes sure parts 1..n exist.  Existing rows keep their claims.
func (r *PartRepo) Seed(ctx context.Context, n int) error {
	query := r.Dialect.InsertIgnore() + " INTO quran_parts (id, part_number) VALUES (?, ?)"
	for i := 1; i <= n; i++ {
		if _, err := r.DB.ExecContext(ctx, query, i, i); err != nil {
			return err
		}
	}
	return nil
}

// Counts returns the total number of parts and how many are claimed.
func (r *PartRepo) Counts(ctx context.Context) (total, claimed int, err error) {
	err = r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN claimed_by_user_id IS NOT NULL OR guest_name IS NOT NULL THEN 1 ELSE 0 END), 0)
		 FROM quran_parts`).Scan(&total, &claimed)
	return total, claimed, err
}
