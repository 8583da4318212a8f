package tracker

import (
	"time"

	"github.com/iliyamo/hajj-portal/internal/identity"
	"github.com/iliyamo/hajj-portal/internal/model"
)

// Slot statuses as seen by one viewer.
const (
	StatusAvailable = "available"
	StatusMine      = "mine"
	StatusTaken     = "taken"
)

// PartView is a part rendered for a particular viewer.  Device ids are only
// shown to admins.
type PartView struct {
	ID           int        `json:"id"`
	PartNumber   int        `json:"part_number"`
	Status       string     `json:"status"`
	ClaimantName string     `json:"claimant_name,omitempty"`
	IsGuest      bool       `json:"is_guest"`
	DeviceID     string     `json:"device_id,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	CanRelease   bool       `json:"can_release"`
}

// GridView is the grid rendered for a viewer.
type GridView struct {
	Parts     []PartView         `json:"parts"`
	State     model.TrackerState `json:"state"`
	MineCount int                `json:"mine_count"`
	Claimed   int                `json:"claimed_count"`
	Version   uint64             `json:"version,omitempty"`
}

// ViewPart derives the viewer-relative status of p.
func ViewPart(p model.Part, viewer identity.Identity) PartView {
	v := PartView{
		ID:           p.ID,
		PartNumber:   p.PartNumber,
		Status:       StatusAvailable,
		ClaimantName: p.ClaimantName(),
		IsGuest:      p.ClaimedByGuest(),
		ClaimedAt:    p.ClaimedAt,
	}
	if !p.Claimed() {
		return v
	}
	if viewer.Owns(p) {
		v.Status = StatusMine
		v.CanRelease = true
	} else {
		v.Status = StatusTaken
		v.CanRelease = viewer.IsAdmin()
	}
	if viewer.IsAdmin() && p.DeviceID != nil {
		v.DeviceID = *p.DeviceID
	}
	return v
}

// View renders parts and state for viewer.
func View(parts []model.Part, state model.TrackerState, viewer identity.Identity) GridView {
	g := GridView{Parts: make([]PartView, 0, len(parts)), State: state}
	for _, p := range parts {
		v := ViewPart(p, viewer)
		switch v.Status {
		case StatusMine:
			g.MineCount++
			g.Claimed++
		case StatusTaken:
			g.Claimed++
		}
		g.Parts = append(g.Parts, v)
	}
	return g
}

// ViewSnapshot renders s for viewer.
func ViewSnapshot(s *Snapshot, viewer identity.Identity) GridView {
	g := View(s.Parts, s.State, viewer)
	g.Version = s.Version
	return g
}
