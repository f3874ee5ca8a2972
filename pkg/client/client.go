// Package client wires the record store, the lock set, the edit session, the
// change feed and the command dispatcher into one synchronizing client.
//
// A Client is started once, seeds its store from the authority, and then
// keeps the store in step with the change feed until it is closed or the
// feed is lost. User actions go through BeginCreate, BeginModify, Cancel,
// Commit and Delete; the list is read through Snapshot.
//
// Commands never change the local store directly. Their effect is applied
// when the authority echoes them back on the feed.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/userlist/userlist/pkg/authority"
	"github.com/userlist/userlist/pkg/logger"
	"github.com/userlist/userlist/pkg/models"
	"github.com/userlist/userlist/pkg/reconciler"
	"github.com/userlist/userlist/pkg/session"
	"github.com/userlist/userlist/pkg/store"
	"github.com/userlist/userlist/pkg/stream"
)

var (
	ErrNotFound   = errors.New("no such record")
	ErrLocked     = errors.New("record is being edited elsewhere")
	ErrNotStarted = errors.New("client is not started")
)

// flushTimeout bounds how long Close waits for queued intents to be written.
const flushTimeout = time.Second

type Client struct {
	cfg    Config
	logger logger.Logger

	records *store.RecordStore
	locks   *store.LockSet
	session *session.Session
	api     *authority.Client
	sub     *stream.Subscriber
	rec     *reconciler.Reconciler

	changes chan struct{}

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

func New(cfg Config) *Client {
	c := &Client{
		cfg:     cfg,
		logger:  logger.OrDiscard(cfg.Logger),
		records: store.NewRecordStore(),
		locks:   store.NewLockSet(),
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	c.api = authority.NewClient(cfg.HTTPURL)
	if cfg.HTTPClient != nil {
		c.api.WithHTTPClient(cfg.HTTPClient)
	}

	c.sub = stream.New(stream.Config{
		URL:         cfg.StreamURL,
		Codec:       cfg.Codec,
		Retryer:     cfg.Retryer,
		OnReconnect: c.onReconnect,
		Logger:      c.logger,
	})

	c.session = session.New(c.sub, c.logger)

	c.rec = reconciler.New(reconciler.Config{
		Records:  c.records,
		Locks:    c.locks,
		Editor:   c.session,
		Observer: c.observe,
		Logger:   c.logger,
	})

	return c
}

// Start seeds the store from the authority, opens the change feed and starts
// reconciling. ctx bounds the initial load only: once started, the client runs
// until Close or until the feed is lost, so that Close can still release an
// open edit after the caller's context is gone.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.New("client already started")
	}

	users, err := c.api.Users(ctx)
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	c.records.Seed(users)
	c.logger.Info("client loaded users", "count", c.records.Len())

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := c.sub.Start(runCtx); err != nil {
		cancel()
		return err
	}

	c.started = true
	c.cancel = cancel

	go func() {
		defer close(c.done)
		err := c.rec.Run(runCtx, c.sub.Notifications())
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("client reconciler stopped", "error", err)
		}
		c.mu.Lock()
		c.runErr = err
		c.mu.Unlock()
		c.signal()
	}()

	return nil
}

// onReconnect brings a re-established feed back in step: the list is reloaded,
// stale foreign locks are dropped and our own lock is announced again.
func (c *Client) onReconnect(ctx context.Context) {
	users, err := c.api.Users(ctx)
	if err != nil {
		c.logger.Warn("client could not reload users after reconnect", "error", err)
		users = nil
	}

	if err := c.rec.Resync(ctx, users); err != nil {
		c.logger.Warn("client resync interrupted", "error", err)
		return
	}
	c.session.Reannounce()
}

func (c *Client) observe(ev reconciler.Event) {
	if c.cfg.Observer != nil {
		c.cfg.Observer(ev)
	}
	c.signal()
}

func (c *Client) signal() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

// Changes is signalled, coalescing, whenever the list, the locks or the edit
// session may have changed because of the feed.
func (c *Client) Changes() <-chan struct{} {
	return c.changes
}

// Done is closed once the client has stopped reconciling, either because it
// was closed or because the feed was lost for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why reconciling stopped. It is nil while running and when the
// feed ended on its own.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.runErr
}

// Editable reports whether the record may be modified or deleted from here.
func (c *Client) Editable(id int64) bool {
	if _, ok := c.records.Get(id); !ok {
		return false
	}
	return c.cfg.IgnoreLocks || !c.locks.IsLocked(id)
}

// BeginCreate opens the edit session for a new record.
func (c *Client) BeginCreate() {
	c.session.OpenInsert()
}

// BeginModify opens the edit session on record id and announces the lock.
func (c *Client) BeginModify(id int64) error {
	r, ok := c.records.Get(id)
	if !ok {
		return fmt.Errorf("cannot modify %d: %w", id, ErrNotFound)
	}
	if !c.cfg.IgnoreLocks && c.locks.IsLocked(id) {
		return fmt.Errorf("cannot modify %s: %w", r, ErrLocked)
	}

	c.session.OpenUpdate(r)
	return nil
}

// Cancel closes the edit session without sending anything. It reports whether
// a session was open.
func (c *Client) Cancel() bool {
	return c.session.Close()
}

// Commit closes the edit session and sends the create or modify command for
// name. An empty name commits nothing. session.ErrNotOpen is returned when
// the session is closed, including when it was invalidated by the feed.
func (c *Client) Commit(ctx context.Context, name string) error {
	p, err := c.session.Commit(name)
	if err != nil {
		return err
	}

	switch p.Mode {
	case session.ModeNone:
		return nil
	case session.ModeInsert:
		err = c.api.Create(ctx, p.Name)
	case session.ModeUpdate:
		err = c.api.Modify(ctx, p.Record)
	default:
		err = fmt.Errorf("BUG: commit in unexpected mode %s", p.Mode)
	}

	if err != nil {
		c.logger.Error("client command failed", "mode", p.Mode, "name", p.Name, "error", err)
		return err
	}
	return nil
}

// Delete asks the authority to remove record id.
func (c *Client) Delete(ctx context.Context, id int64) error {
	r, ok := c.records.Get(id)
	if !ok {
		return fmt.Errorf("cannot delete %d: %w", id, ErrNotFound)
	}
	if !c.cfg.IgnoreLocks && c.locks.IsLocked(id) {
		return fmt.Errorf("cannot delete %s: %w", r, ErrLocked)
	}

	if err := c.api.Remove(ctx, id); err != nil {
		c.logger.Error("client command failed", "mode", "delete", "id", id, "error", err)
		return err
	}
	return nil
}

// Row is one record as presented to the user.
type Row struct {
	models.Record
	// Locked is set when another client is editing the record.
	Locked bool
	// Editing is set for the record this client is editing.
	Editing bool
}

// View is a consistent-enough snapshot for rendering.
type View struct {
	Rows   []Row
	Mode   session.Mode
	Active *models.Record
}

// Snapshot returns the list sorted by ID along with the lock and session
// state.
func (c *Client) Snapshot() View {
	v := View{Mode: c.session.Mode()}
	active, editing := c.session.Active()
	if editing {
		v.Active = &active
	}

	for _, r := range c.records.Sorted() {
		v.Rows = append(v.Rows, Row{
			Record:  r,
			Locked:  !c.cfg.IgnoreLocks && c.locks.IsLocked(r.ID),
			Editing: editing && active.ID == r.ID,
		})
	}
	return v
}

// Close cancels any open edit session, gives its unlock a moment to reach the
// authority, and stops the feed and the reconciler.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	started, cancel := c.started, c.cancel
	c.mu.Unlock()

	if !started {
		return ErrNotStarted
	}

	if c.session.Close() {
		c.flush(ctx)
	}

	err := c.sub.Close(ctx)
	cancel()

	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if errors.Is(err, stream.ErrClosed) {
		// The feed had already ended.
		return nil
	}
	return err
}

func (c *Client) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	if err := c.sub.Flush(ctx); err != nil {
		c.logger.Warn("client closing with unsent intents", "count", c.sub.Queue().Pending(), "error", err)
	}
}
