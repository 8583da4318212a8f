// Package queue defines message payloads exchanged over the message broker
// and the background consumer that records them.
package queue

// TrackCompletedQueue is the durable queue carrying TrackCompletedEvent.
const TrackCompletedQueue = "track.completed"

// TrackCompletedEvent is published after a reading round has been archived
// and the part grid reset.  It carries enough information for downstream
// consumers to log or announce the round without querying the database.
type TrackCompletedEvent struct {
	TrackID           uint64 `json:"track_id"`
	Name              string `json:"name"`
	NextName          string `json:"next_name"`
	ParticipantsCount int    `json:"participants_count"`
	CompletedCount    int    `json:"khatma_count"`
	ArchivedBy        uint64 `json:"archived_by"`
	CompletedAt       string `json:"completed_at"`
}
