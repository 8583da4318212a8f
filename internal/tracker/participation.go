package tracker

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/iliyamo/hajj-portal/internal/identity"
	"github.com/iliyamo/hajj-portal/internal/model"
)

// Participant aggregates everything one person has claimed, in the current
// round and in archived ones.  Registered users are keyed by account, guests
// by device token.
type Participant struct {
	Key        string        `json:"id"`
	Name       string        `json:"name"`
	Kind       identity.Kind `json:"type"`
	Actions    []string      `json:"actions"`
	LastActive time.Time     `json:"last_active"`
}

// Stats are the admin dashboard counters.
type Stats struct {
	Users          int `json:"users"`
	TotalParts     int `json:"total_parts"`
	ClaimedParts   int `json:"claimed_parts"`
	CompletedCount int `json:"khatma_count"`
	ArchivedTracks int `json:"archived_tracks"`
}

const currentRoundLabel = "current"

// Participation groups the claims in current and in every archived track
// by participant.  The result is ordered by most recent activity.
func Participation(current []model.Part, history []model.CompletedTrack) []Participant {
	byKey := make(map[string]*Participant)
	var order []string

	add := func(p model.Part, round, guestSuffix string, at time.Time) {
		var key string
		kind := identity.Guest
		switch {
		case p.ClaimedByUserID != nil:
			key = "user:" + strconv.FormatUint(*p.ClaimedByUserID, 10)
			kind = identity.Registered
		case p.GuestName != nil:
			if p.DeviceID != nil && *p.DeviceID != "" {
				key = *p.DeviceID
			} else {
				key = fmt.Sprintf("guest_%d%s", p.ID, guestSuffix)
			}
		default:
			return
		}
		entry, ok := byKey[key]
		if !ok {
			name := p.ClaimantName()
			if name == "" {
				name = "participant"
			}
			entry = &Participant{Key: key, Name: name, Kind: kind, LastActive: at}
			byKey[key] = entry
			order = append(order, key)
		}
		entry.Actions = append(entry.Actions, fmt.Sprintf("part %d (%s)", p.PartNumber, round))
		if at.After(entry.LastActive) {
			entry.LastActive = at
		}
	}

	for _, p := range current {
		var at time.Time
		if p.ClaimedAt != nil {
			at = *p.ClaimedAt
		}
		add(p, currentRoundLabel, "", at)
	}
	for _, t := range history {
		for _, p := range t.Details {
			add(p, t.Name, "_old", t.CompletedAt)
		}
	}

	out := make([]Participant, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActive.After(out[j].LastActive)
	})
	return out
}
