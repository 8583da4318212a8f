package model

import "time"

// Setting keys stored in app_settings.
const (
	SettingCompletedCount   = "khatma_count"
	SettingCurrentTrackName = "current_track_name"
)

// CompletedTrack is one archived reading round.  Details holds the full
// part grid as it stood right before the reset.  Rows are append-only.
type CompletedTrack struct {
	ID                uint64    `json:"id"`                 // completed_tracks.id
	Name              string    `json:"name"`               // completed_tracks.name
	ParticipantsCount int       `json:"participants_count"` // completed_tracks.participants_count
	Details           []Part    `json:"details"`            // completed_tracks.details (JSON)
	CompletedAt       time.Time `json:"completed_at"`       // completed_tracks.completed_at
}

// TrackerState is the current round's label and the number of rounds
// completed so far.
type TrackerState struct {
	Name           string `json:"current_track_name"`
	CompletedCount int    `json:"khatma_count"`
}
