// Package identity describes who is acting on the tracker: a registered
// account authenticated by an access token, or an anonymous guest known
// only by a self-asserted device token.  The device token is a weak,
// non-secret identifier; a guest "owns" a part only because the token
// stored on the part matches the one the guest presents.
package identity

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/hajj-portal/internal/model"
)

// Kind distinguishes registered accounts from guests.
type Kind string

const (
	Registered Kind = "registered"
	Guest      Kind = "guest"
)

// Identity is the resolved actor of a request.
type Identity struct {
	Kind     Kind
	UserID   uint64 // set for Registered
	Role     string // set for Registered
	DeviceID string // set for Guest
}

// NewRegistered returns a registered identity.
func NewRegistered(userID uint64, role string) Identity {
	return Identity{Kind: Registered, UserID: userID, Role: role}
}

// NewGuest returns a guest identity bound to deviceID.
func NewGuest(deviceID string) Identity {
	return Identity{Kind: Guest, DeviceID: deviceID}
}

// IsRegistered reports whether the actor is signed in.
func (i Identity) IsRegistered() bool { return i.Kind == Registered }

// IsAdmin reports whether the actor holds the admin role.
func (i Identity) IsAdmin() bool { return i.Kind == Registered && i.Role == model.RoleAdmin }

// Owns reports whether the actor is the current claimant of p.
func (i Identity) Owns(p model.Part) bool {
	switch i.Kind {
	case Registered:
		return p.ClaimedByUserID != nil && *p.ClaimedByUserID == i.UserID
	case Guest:
		return p.ClaimedByGuest() && p.DeviceID != nil && i.DeviceID != "" && *p.DeviceID == i.DeviceID
	}
	return false
}

// Key is a stable string for rate limiting and logging.
func (i Identity) Key() string {
	if i.Kind == Registered {
		return "user:" + strconv.FormatUint(i.UserID, 10)
	}
	return "device:" + i.DeviceID
}

const (
	devicePrefix    = "dev_"
	deviceRandChars = 9
	maxDeviceIDLen  = 64
)

// NewDeviceID generates an anonymous device token: "dev_", nine random base
// 36 characters and the current unix time in milliseconds in base 36.  It is
// unique enough for a single deployment, not unguessable.
func NewDeviceID() string {
	return newDeviceID(time.Now())
}

func newDeviceID(now time.Time) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	var b strings.Builder
	b.WriteString(devicePrefix)
	base := big.NewInt(int64(len(alphabet)))
	for i := 0; i < deviceRandChars; i++ {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			// crypto/rand never fails on supported platforms; fall back to the clock
			n = big.NewInt(now.UnixNano() % int64(len(alphabet)))
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 36))
	return b.String()
}

// ValidDeviceID reports whether a client supplied token is acceptable.
// Tokens are opaque but must be short printable ASCII without separators.
func ValidDeviceID(s string) bool {
	if s == "" || len(s) > maxDeviceIDLen {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
