package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/iliyamo/hajj-portal/internal/feed"
	"github.com/iliyamo/hajj-portal/internal/identity"
	"github.com/iliyamo/hajj-portal/internal/model"
	"github.com/iliyamo/hajj-portal/internal/queue"
	"github.com/iliyamo/hajj-portal/internal/repository"
)

// MaxTrackNameLen bounds the name of a reading round, in runes.
const MaxTrackNameLen = 255

// archiveTimeout bounds a whole archive run.
const archiveTimeout = 30 * time.Second

// Txn is an open transaction.  *sql.Tx implements it.
type Txn interface {
	repository.Querier
	Commit() error
	Rollback() error
}

// Beginner opens transactions.
type Beginner interface {
	Begin(ctx context.Context) (Txn, error)
}

// SQLBeginner adapts *sql.DB to Beginner.
type SQLBeginner struct{ DB *sql.DB }

func (b SQLBeginner) Begin(ctx context.Context) (Txn, error) {
	return b.DB.BeginTx(ctx, nil)
}

// EventPublisher announces completed rounds to other systems.
type EventPublisher interface {
	PublishTrackCompleted(ctx context.Context, ev queue.TrackCompletedEvent) error
}

// CachePurger drops cached responses under a key prefix.
type CachePurger interface {
	Purge(ctx context.Context, prefix string) error
}

// ArchiveResult describes a finished archive.
type ArchiveResult struct {
	Track model.CompletedTrack `json:"track"`
	State model.TrackerState   `json:"state"`
}

// Archiver closes the current reading round: it snapshots the grid into the
// history log, resets every part, bumps the completed count and starts a
// new named round.  All of it happens in one transaction.
type Archiver struct {
	begin       Beginner
	parts       *repository.PartRepo
	settings    *repository.SettingsRepo
	tracks      *repository.TrackRepo
	defaultName string

	bus         feed.Bus
	events      EventPublisher
	notifier    UserNotifier
	cache       CachePurger
	cachePrefix string
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// ArchiverDeps are the optional collaborators of an Archiver.
type ArchiverDeps struct {
	Bus         feed.Bus
	Events      EventPublisher
	Notifier    UserNotifier
	Cache       CachePurger
	CachePrefix string
	Metrics     *Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

func NewArchiver(begin Beginner, parts *repository.PartRepo, settings *repository.SettingsRepo, tracks *repository.TrackRepo, defaultName string, deps ArchiverDeps) *Archiver {
	a := &Archiver{
		begin:       begin,
		parts:       parts,
		settings:    settings,
		tracks:      tracks,
		defaultName: defaultName,
		bus:         deps.Bus,
		events:      deps.Events,
		notifier:    deps.Notifier,
		cache:       deps.Cache,
		cachePrefix: deps.CachePrefix,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		now:         deps.Now,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// ArchiveAndReset archives the current round under its current name and
// opens a new one called newName.  Only admins may call it.
//
// Failures before the reset leave everything untouched and return
// ErrBackendUnavailable.  A failure after the history row was inserted is
// rolled back; if the rollback itself fails, or the commit fails, the
// outcome is unknown and ErrPartialArchive is returned.
func (a *Archiver) ArchiveAndReset(ctx context.Context, actor identity.Identity, newName string) (ArchiveResult, error) {
	if !actor.IsAdmin() {
		a.metrics.archive("denied")
		return ArchiveResult{}, fmt.Errorf("archive: %w", ErrPermissionDenied)
	}
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return ArchiveResult{}, validationError("name is required")
	}
	if utf8.RuneCountInString(newName) > MaxTrackNameLen {
		return ArchiveResult{}, validationError("name must be at most %d characters", MaxTrackNameLen)
	}

	ctx, cancel := detach(ctx, archiveTimeout)
	defer cancel()

	res, err := a.run(ctx, newName)
	if err != nil {
		if IsFatal(err) {
			a.metrics.archive("partial")
			a.logger.Error("archive left inconsistent state, manual check required", "err", err, "actor", actor.Key())
		} else {
			a.metrics.archive("failed")
			a.logger.Warn("archive failed", "err", err, "actor", actor.Key())
		}
		return ArchiveResult{}, err
	}
	a.metrics.archive("ok")
	a.logger.Info("track archived",
		"track_id", res.Track.ID, "name", res.Track.Name,
		"participants", res.Track.ParticipantsCount, "next", newName, "actor", actor.Key())
	a.afterCommit(ctx, actor, res)
	return res, nil
}

func (a *Archiver) run(ctx context.Context, newName string) (ArchiveResult, error) {
	tx, err := a.begin.Begin(ctx)
	if err != nil {
		return ArchiveResult{}, backendError("archive: begin", err)
	}

	parts, err := a.parts.ListTx(ctx, tx, true)
	if err != nil {
		_ = tx.Rollback()
		return ArchiveResult{}, backendError("archive: snapshot parts", err)
	}
	state, err := a.settings.StateTx(ctx, tx, a.defaultName)
	if err != nil {
		_ = tx.Rollback()
		return ArchiveResult{}, backendError("archive: read settings", err)
	}

	participants := 0
	for _, p := range parts {
		if p.Claimed() {
			participants++
		}
	}
	now := a.now().UTC()
	track := model.CompletedTrack{
		Name:              state.Name,
		ParticipantsCount: participants,
		Details:           parts,
		CompletedAt:       now,
	}
	track.ID, err = a.tracks.CreateTx(ctx, tx, track)
	if err != nil {
		_ = tx.Rollback()
		return ArchiveResult{}, backendError("archive: insert history", err)
	}

	// the history row now exists inside the transaction
	if _, err := a.parts.ResetAllTx(ctx, tx); err != nil {
		return ArchiveResult{}, abort(tx, "reset parts", err)
	}
	next := model.TrackerState{Name: newName, CompletedCount: state.CompletedCount + 1}
	if err := a.settings.UpsertTx(ctx, tx, model.SettingCompletedCount, strconv.Itoa(next.CompletedCount), now); err != nil {
		return ArchiveResult{}, abort(tx, "bump completed count", err)
	}
	if err := a.settings.UpsertTx(ctx, tx, model.SettingCurrentTrackName, next.Name, now); err != nil {
		return ArchiveResult{}, abort(tx, "set track name", err)
	}
	if err := tx.Commit(); err != nil {
		return ArchiveResult{}, fmt.Errorf("archive: commit: %w: %w", ErrPartialArchive, err)
	}
	return ArchiveResult{Track: track, State: next}, nil
}

func abort(tx Txn, step string, cause error) error {
	if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		return fmt.Errorf("archive: %s: %w: %w (rollback: %v)", step, ErrPartialArchive, cause, rbErr)
	}
	return backendError("archive: "+step, cause)
}

func (a *Archiver) afterCommit(ctx context.Context, actor identity.Identity, res ArchiveResult) {
	if a.bus != nil {
		for _, c := range []feed.Change{
			feed.NewChange(feed.TableTracks, feed.OpInsert, strconv.FormatUint(res.Track.ID, 10)),
			feed.NewChange(feed.TableParts, feed.OpUpdate, ""),
			feed.NewChange(feed.TableSettings, feed.OpUpdate, ""),
		} {
			if err := a.bus.Publish(ctx, c); err != nil {
				a.logger.Warn("publish change failed", "table", c.Table, "err", err)
			}
		}
	}
	if a.cache != nil {
		if err := a.cache.Purge(ctx, a.cachePrefix); err != nil {
			a.logger.Warn("purge cached history failed", "err", err)
		}
	}
	if a.events != nil {
		ev := queue.TrackCompletedEvent{
			TrackID:           res.Track.ID,
			Name:              res.Track.Name,
			NextName:          res.State.Name,
			ParticipantsCount: res.Track.ParticipantsCount,
			CompletedCount:    res.State.CompletedCount,
			ArchivedBy:        actor.UserID,
			CompletedAt:       res.Track.CompletedAt.Format(time.RFC3339),
		}
		if err := a.events.PublishTrackCompleted(ctx, ev); err != nil {
			a.logger.Warn("publish track.completed failed", "track_id", res.Track.ID, "err", err)
		}
	}
	if a.notifier != nil {
		seen := map[uint64]bool{}
		for _, p := range res.Track.Details {
			if p.ClaimedByUserID == nil || seen[*p.ClaimedByUserID] {
				continue
			}
			uid := *p.ClaimedByUserID
			seen[uid] = true
			title := fmt.Sprintf("%s completed", res.Track.Name)
			body := fmt.Sprintf("The reading round %q is complete with %d participants. Thank you for taking part.", res.Track.Name, res.Track.ParticipantsCount)
			if err := a.notifier.Notify(ctx, uid, title, body); err != nil {
				a.logger.Warn("notify participant failed", "user", uid, "err", err)
			}
		}
	}
}
