package model

import "time"

// Part is one numbered slot of the collaborative reading tracker.
// The grid holds a fixed number of parts seeded once; rows are never
// deleted, only claimed, released and reset.  A part is either free,
// claimed by a registered user or claimed by a guest, never both.
//
// Fields:
//  ID              – primary key identifier (equal to PartNumber when seeded).
//  PartNumber      – position in the grid, 1..N, immutable.
//  ClaimedByUserID – owning registered user (nullable).
//  ClaimedByName   – the owner's full name, joined from users (read only).
//  GuestName       – display name typed by an anonymous claimant (nullable).
//  DeviceID        – anonymous claimant's device token; set iff GuestName is.
//  ClaimedAt       – when the current claim was made (nullable).
type Part struct {
	ID              int        `json:"id"`                        // quran_parts.id
	PartNumber      int        `json:"part_number"`               // quran_parts.part_number
	ClaimedByUserID *uint64    `json:"claimed_by_user_id"`        // quran_parts.claimed_by_user_id (nullable)
	ClaimedByName   string     `json:"claimed_by_name,omitempty"` // users.full_name
	GuestName       *string    `json:"guest_name"`                // quran_parts.guest_name (nullable)
	DeviceID        *string    `json:"device_id,omitempty"`       // quran_parts.device_id (nullable)
	ClaimedAt       *time.Time `json:"claimed_at"`                // quran_parts.claimed_at (nullable)
}

// Claimed reports whether anyone holds the part.
func (p Part) Claimed() bool {
	return p.ClaimedByUserID != nil || p.GuestName != nil
}

// ClaimedByGuest reports whether an anonymous claimant holds the part.
func (p Part) ClaimedByGuest() bool {
	return p.ClaimedByUserID == nil && p.GuestName != nil
}

// ClaimantName returns the display name of whoever holds the part, or ""
// when it is free.
func (p Part) ClaimantName() string {
	switch {
	case p.ClaimedByUserID != nil:
		return p.ClaimedByName
	case p.GuestName != nil:
		return *p.GuestName
	}
	return ""
}
