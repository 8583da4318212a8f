package identity

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/iliyamo/hajj-portal/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestNewDeviceIDShape(t *testing.T) {
	now := time.UnixMilli(1718000000000)
	id := newDeviceID(now)
	assert.True(t, strings.HasPrefix(id, "dev_"))
	suffix := strconv.FormatInt(now.UnixMilli(), 36)
	assert.True(t, strings.HasSuffix(id, suffix))
	assert.Len(t, id, len("dev_")+9+len(suffix))
	assert.True(t, ValidDeviceID(id))
	assert.NotEqual(t, NewDeviceID(), NewDeviceID())
}

func TestValidDeviceID(t *testing.T) {
	assert.False(t, ValidDeviceID(""))
	assert.False(t, ValidDeviceID("dev x"))
	assert.False(t, ValidDeviceID("dev;drop"))
	assert.False(t, ValidDeviceID(strings.Repeat("a", 65)))
	assert.True(t, ValidDeviceID("dev_abc123-XYZ"))
}

func TestOwns(t *testing.T) {
	userPart := model.Part{ID: 1, ClaimedByUserID: ptr(uint64(7))}
	guestPart := model.Part{ID: 2, GuestName: ptr("Ali"), DeviceID: ptr("dev_a")}
	free := model.Part{ID: 3}

	u7 := NewRegistered(7, model.RoleUser)
	u8 := NewRegistered(8, model.RoleAdmin)
	g := NewGuest("dev_a")
	other := NewGuest("dev_b")

	assert.True(t, u7.Owns(userPart))
	assert.False(t, u8.Owns(userPart))
	assert.False(t, g.Owns(userPart))

	assert.True(t, g.Owns(guestPart))
	assert.False(t, other.Owns(guestPart))
	assert.False(t, u7.Owns(guestPart))

	assert.False(t, g.Owns(free))
	assert.False(t, NewGuest("").Owns(free))

	assert.True(t, u8.IsAdmin())
	assert.False(t, u7.IsAdmin())
	assert.False(t, g.IsAdmin())
	assert.Equal(t, "user:7", u7.Key())
	assert.Equal(t, "device:dev_a", g.Key())
}
