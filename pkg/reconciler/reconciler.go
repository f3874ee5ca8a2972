// Package reconciler applies the authority's change notifications to the
// local record store and lock set, and invalidates the local edit session
// when the record it is editing changes underneath it.
//
// The Reconciler is the only writer of the store and the lock set.
// Notifications are applied one at a time in the order they are received.
package reconciler

import (
	"context"
	"fmt"

	"github.com/userlist/userlist/pkg/logger"
	"github.com/userlist/userlist/pkg/models"
	"github.com/userlist/userlist/pkg/store"
)

var ErrUnknownKind = models.ErrUnknownKind

// Editor is the view of the edit session the reconciler needs.
type Editor interface {
	// IsActive reports whether id is the record being edited locally.
	IsActive(id int64) bool
	// Invalidate closes the session if it is editing id.
	Invalidate(id int64) bool
	// Active returns the record being edited, if any.
	Active() (models.Record, bool)
}

// Event describes what applying one notification, or one resync, did.
type Event struct {
	Notification models.RecordNotification

	// Invalidated is set when the local edit session was closed as a result.
	Invalidated bool

	// Suppressed is set when a Lock was ignored because it names the record
	// this client is editing.
	Suppressed bool

	// Resync is set for the event emitted after Resync; Notification is zero.
	Resync bool
}

// Observer is called on the reconciler goroutine after every applied
// notification. It must not block for long.
type Observer func(Event)

type Config struct {
	Records  *store.RecordStore
	Locks    *store.LockSet
	Editor   Editor
	Observer Observer
	Logger   logger.Logger
}

type Reconciler struct {
	records  *store.RecordStore
	locks    *store.LockSet
	editor   Editor
	observer Observer
	logger   logger.Logger

	resyncs chan resyncRequest
}

type resyncRequest struct {
	records []models.Record
	done    chan struct{}
}

func New(cfg Config) *Reconciler {
	return &Reconciler{
		records:  cfg.Records,
		locks:    cfg.Locks,
		editor:   cfg.Editor,
		observer: cfg.Observer,
		logger:   logger.OrDiscard(cfg.Logger),
		resyncs:  make(chan resyncRequest),
	}
}

// Apply reconciles a single notification. It is exported for callers that
// drive the reconciler synchronously; everyone else should use Run.
func (r *Reconciler) Apply(n models.RecordNotification) (Event, error) {
	ev := Event{Notification: n}
	id := n.Payload.ID

	switch n.Kind {
	case models.Insert, models.Update:
		ev.Invalidated = r.editor.Invalidate(id)
		r.records.Upsert(n.Payload)
	case models.Delete:
		ev.Invalidated = r.editor.Invalidate(id)
		r.records.Remove(id)
	case models.Lock:
		if r.editor.IsActive(id) {
			// Our own lock coming back, or someone racing us for the same
			// record. Either way it must not lock us out.
			ev.Suppressed = true
		} else {
			r.locks.MarkLocked(id)
		}
	case models.Unlock:
		r.locks.MarkUnlocked(id)
	default:
		return Event{}, fmt.Errorf("reconciler cannot apply %q: %w", string(n.Kind), ErrUnknownKind)
	}

	r.logger.Debug("reconciler applied notification",
		"kind", string(n.Kind),
		"id", id,
		"invalidated", ev.Invalidated,
		"suppressed", ev.Suppressed)

	return ev, nil
}

// Run applies notifications from in until in is closed or ctx is done.
// It returns nil when in is closed.
func (r *Reconciler) Run(ctx context.Context, in <-chan models.RecordNotification) error {
	for {
		select {
		case n, ok := <-in:
			if !ok {
				r.logger.Debug("reconciler input closed")
				return nil
			}
			ev, err := r.Apply(n)
			if err != nil {
				r.logger.Warn("reconciler skipped notification", "error", err)
				continue
			}
			r.notify(ev)
		case req := <-r.resyncs:
			invalidated := r.resync(req.records)
			close(req.done)
			r.notify(Event{Resync: true, Invalidated: invalidated})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Reconciler) notify(ev Event) {
	if r.observer != nil {
		r.observer(ev)
	}
}

// Resync forgets all foreign locks and, when records is non-nil, replaces the
// store with records. It is meant for a freshly re-established stream, whose
// lock knowledge starts from nothing.
//
// The work happens on the Run goroutine, between two notifications; Resync
// blocks until it is done or ctx is done.
func (r *Reconciler) Resync(ctx context.Context, records []models.Record) error {
	req := resyncRequest{records: records, done: make(chan struct{})}

	select {
	case r.resyncs <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) resync(records []models.Record) bool {
	r.locks.Clear()
	if records == nil {
		r.logger.Info("reconciler cleared locks")
		return false
	}

	r.records.Seed(records)
	r.logger.Info("reconciler resynced records", "count", r.records.Len())

	active, ok := r.editor.Active()
	if !ok {
		return false
	}
	if _, found := r.records.Get(active.ID); found {
		return false
	}
	return r.editor.Invalidate(active.ID)
}
