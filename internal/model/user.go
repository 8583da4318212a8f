package model

import "time"

// Roles a registered account can hold.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// EmailDomain is appended to usernames to build the synthetic login email.
const EmailDomain = "local.app"

// User represents an application user record as stored in the
// `users` table.  Accounts sign in with a username; the email column
// is derived from it and kept unique so the synthetic address can be
// used as an alternate login key.
//
// Fields:
//  ID           – primary key identifier of the user.
//  Username     – unique login name, lower-cased.
//  Email        – "<username>@local.app".
//  PasswordHash – bcrypt hashed password.
//  FullName     – display name shown next to claimed parts.
//  Role         – "user" or "admin".
//  IsActive     – whether the account is active.
//  CreatedAt    – timestamp of creation.
//  UpdatedAt    – timestamp of last update.
type User struct {
	ID           uint64    // users.id
	Username     string    // users.username
	Email        string    // users.email
	PasswordHash string    // users.password_hash
	FullName     string    // users.full_name
	Role         string    // users.role
	IsActive     bool      // users.is_active
	CreatedAt    time.Time // users.created_at
	UpdatedAt    time.Time // users.updated_at
}

// IsAdmin reports whether the account holds the admin role.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// RefreshToken models an entry in the `refresh_tokens` table.  Each
// refresh token belongs to a user and contains metadata for expiry
// and revocation.  The plain token is not stored; only its
// SHA-256 hash.
type RefreshToken struct {
	ID        uint64     // refresh_tokens.id
	UserID    uint64     // refresh_tokens.user_id
	TokenHash string     // refresh_tokens.token_hash
	ExpiresAt time.Time  // refresh_tokens.expires_at
	RevokedAt *time.Time // refresh_tokens.revoked_at (nullable)
	CreatedAt time.Time  // refresh_tokens.created_at
}
