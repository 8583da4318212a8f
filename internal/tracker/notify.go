package tracker

import (
	"context"
	"strconv"
	"time"

	"github.com/iliyamo/hajj-portal/internal/feed"
)

// NotificationStore persists notifications.  *repository.NotificationRepo
// implements it.
type NotificationStore interface {
	Create(ctx context.Context, userID uint64, title, body string, at time.Time) (uint64, error)
}

// Notifier stores a notification and announces it on the change feed with
// the recipient as row owner, so per-user streams pick it up.
type Notifier struct {
	store NotificationStore
	bus   feed.Bus
	now   func() time.Time
}

func NewNotifier(store NotificationStore, bus feed.Bus) *Notifier {
	return &Notifier{store: store, bus: bus, now: time.Now}
}

// Notify implements UserNotifier.
func (n *Notifier) Notify(ctx context.Context, userID uint64, title, body string) error {
	at := n.now().UTC()
	id, err := n.store.Create(ctx, userID, title, body, at)
	if err != nil {
		return err
	}
	if n.bus != nil {
		return n.bus.Publish(context.WithoutCancel(ctx), feed.Change{
			Table:  feed.TableNotifications,
			Op:     feed.OpInsert,
			RowID:  strconv.FormatUint(id, 10),
			UserID: userID,
			At:     at,
		})
	}
	return nil
}
