package client

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/userlist/userlist/internal/fakeauthority"
	"github.com/userlist/userlist/pkg/authority"
	"github.com/userlist/userlist/pkg/codec"
	"github.com/userlist/userlist/pkg/models"
	"github.com/userlist/userlist/pkg/reconciler"
	"github.com/userlist/userlist/pkg/session"
	"github.com/userlist/userlist/pkg/stream"
)

const waitFor = 2 * time.Second

var (
	recA = models.Record{ID: 1, Name: "A"}
	recB = models.Record{ID: 2, Name: "B"}
)

type ClientTestSuite struct {
	suite.Suite

	server *fakeauthority.Server
	ctx    context.Context
	cancel context.CancelFunc
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func (s *ClientTestSuite) SetupTest() {
	s.server = fakeauthority.NewServer("127.0.0.1:0")
	s.Require().NoError(s.server.Start())
	s.server.Seed(recA, recB)
	s.ctx, s.cancel = context.WithCancel(context.Background())
}

func (s *ClientTestSuite) TearDownTest() {
	s.cancel()
	s.Require().NoError(s.server.Stop())
}

func (s *ClientTestSuite) config() Config {
	return Config{
		HTTPURL:   s.server.HTTPURL(),
		StreamURL: s.server.WebSocketURL(),
	}
}

// start starts a client and waits until the authority has registered its feed.
func (s *ClientTestSuite) start(cfg Config) *Client {
	c := New(cfg)
	s.Require().NoError(c.Start(s.ctx))
	s.T().Cleanup(func() { _ = c.Close(context.Background()) })

	s.awaitOpened()
	return c
}

func (s *ClientTestSuite) awaitOpened() {
	select {
	case <-s.server.Opened():
	case <-time.After(waitFor):
		s.FailNow("feed connection was not registered")
	}
}

func (s *ClientTestSuite) names(c *Client) map[int64]string {
	out := map[int64]string{}
	for _, row := range c.Snapshot().Rows {
		out[row.ID] = row.Name
	}
	return out
}

func (s *ClientTestSuite) row(c *Client, id int64) (Row, bool) {
	for _, row := range c.Snapshot().Rows {
		if row.ID == id {
			return row, true
		}
	}
	return Row{}, false
}

func (s *ClientTestSuite) lockedIn(c *Client, id int64) func() bool {
	return func() bool {
		row, ok := s.row(c, id)
		return ok && row.Locked
	}
}

func (s *ClientTestSuite) TestStartSeedsSortedList() {
	s.server.Seed(models.Record{ID: 3, Name: "C"}, recA, recB)
	c := s.start(s.config())

	v := c.Snapshot()
	s.Equal(session.ModeNone, v.Mode)
	s.Nil(v.Active)
	s.Equal([]Row{{Record: recA}, {Record: recB}, {Record: models.Record{ID: 3, Name: "C"}}}, v.Rows)
}

func (s *ClientTestSuite) TestStartFailsWhenAuthorityIsDown() {
	cfg := s.config()
	s.Require().NoError(s.server.Stop())

	err := New(cfg).Start(s.ctx)
	s.Error(err)
}

func (s *ClientTestSuite) TestCreateIsAppliedFromTheEcho() {
	a := s.start(s.config())
	b := s.start(s.config())

	a.BeginCreate()
	s.Require().NoError(a.Commit(s.ctx, "C"))

	for _, c := range []*Client{a, b} {
		s.Eventually(func() bool { return s.names(c)[3] == "C" }, waitFor, 10*time.Millisecond)
	}
	s.Equal(session.ModeNone, a.Snapshot().Mode)
}

func (s *ClientTestSuite) TestClientsSeeEachOthersLocks() {
	suppressed := make(chan models.RecordNotification, 1)
	cfg := s.config()
	cfg.Observer = func(ev reconciler.Event) {
		if ev.Suppressed {
			suppressed <- ev.Notification
		}
	}
	a := s.start(cfg)
	b := s.start(s.config())

	s.Require().NoError(a.BeginModify(2))

	s.Eventually(s.lockedIn(b, 2), waitFor, 10*time.Millisecond)
	s.False(b.Editable(2))
	s.ErrorIs(b.BeginModify(2), ErrLocked)
	s.ErrorIs(b.Delete(s.ctx, 2), ErrLocked)

	// The editing client receives its own lock back and must not lock itself out.
	select {
	case n := <-suppressed:
		s.Equal(models.LockOf(recB), n)
	case <-time.After(waitFor):
		s.FailNow("own lock echo never arrived")
	}
	row, _ := s.row(a, 2)
	s.False(row.Locked)
	s.True(row.Editing)
	s.True(a.Editable(2))

	s.Require().NoError(a.Commit(s.ctx, "B2"))

	for _, c := range []*Client{a, b} {
		s.Eventually(func() bool { return s.names(c)[2] == "B2" }, waitFor, 10*time.Millisecond)
	}
	s.Eventually(func() bool { return !s.lockedIn(b, 2)() }, waitFor, 10*time.Millisecond)
	s.Equal([]models.RecordNotification{models.LockOf(recB), models.UnlockOf(recB)}, s.server.Intents())
}

func (s *ClientTestSuite) TestCancelReleasesLock() {
	a := s.start(s.config())
	b := s.start(s.config())

	s.Require().NoError(a.BeginModify(1))
	s.Eventually(s.lockedIn(b, 1), waitFor, 10*time.Millisecond)

	s.True(a.Cancel())
	s.False(a.Cancel())

	s.Eventually(func() bool { return b.Editable(1) }, waitFor, 10*time.Millisecond)
	s.Equal(map[int64]string{1: "A", 2: "B"}, s.names(a))
}

func (s *ClientTestSuite) TestRemoteDeleteInvalidatesEdit() {
	a := s.start(s.config())
	cfg := s.config()
	cfg.IgnoreLocks = true
	admin := s.start(cfg)

	s.Require().NoError(a.BeginModify(2))
	s.Eventually(func() bool { return len(s.server.Intents()) == 1 }, waitFor, 10*time.Millisecond)

	s.True(admin.Editable(2))
	s.Require().NoError(admin.Delete(s.ctx, 2))

	s.Eventually(func() bool { return a.Snapshot().Mode == session.ModeNone }, waitFor, 10*time.Millisecond)
	s.ErrorIs(a.Commit(s.ctx, "too late"), session.ErrNotOpen)
	_, ok := s.row(a, 2)
	s.False(ok)

	s.Eventually(func() bool { return len(s.server.Intents()) == 2 }, waitFor, 10*time.Millisecond)
	s.Equal(models.UnlockOf(recB), s.server.Intents()[1])
}

func (s *ClientTestSuite) TestIgnoreLocksHidesLocks() {
	a := s.start(s.config())
	cfg := s.config()
	cfg.IgnoreLocks = true
	b := s.start(cfg)

	s.Require().NoError(a.BeginModify(1))
	s.Eventually(func() bool { return len(s.server.Intents()) == 1 }, waitFor, 10*time.Millisecond)

	row, _ := s.row(b, 1)
	s.False(row.Locked)
	s.NoError(b.BeginModify(1))
}

func (s *ClientTestSuite) TestEmptyNameCommitsNothing() {
	a := s.start(s.config())

	s.Require().NoError(a.BeginModify(1))
	s.Require().NoError(a.Commit(s.ctx, ""))

	s.Equal(session.ModeNone, a.Snapshot().Mode)
	s.Equal([]models.Record{recA, recB}, s.server.Records())
}

func (s *ClientTestSuite) TestFailedCommandChangesNothing() {
	a := s.start(s.config())

	s.server.FailNext(http.StatusInternalServerError)
	a.BeginCreate()
	err := a.Commit(s.ctx, "C")

	var statusErr *authority.StatusError
	s.Require().ErrorAs(err, &statusErr)
	s.Equal(http.StatusInternalServerError, statusErr.StatusCode)
	s.Equal(map[int64]string{1: "A", 2: "B"}, s.names(a))
	s.Equal(session.ModeNone, a.Snapshot().Mode)
}

func (s *ClientTestSuite) TestUnknownRecord() {
	a := s.start(s.config())

	s.ErrorIs(a.BeginModify(42), ErrNotFound)
	s.ErrorIs(a.Delete(s.ctx, 42), ErrNotFound)
	s.False(a.Editable(42))
}

func (s *ClientTestSuite) TestMalformedFrameDoesNotKillTheFeed() {
	a := s.start(s.config())

	s.server.BroadcastRaw([]byte(`{"action":"Update","data":{"id":"x"}}`))
	s.server.BroadcastRaw([]byte(`{"action":"Explode","data":{"id":1,"name":"A"}}`))
	s.server.BroadcastRaw([]byte(`]]]`))
	s.Require().NoError(s.server.Broadcast(models.NewNotification(models.Update, models.Record{ID: 1, Name: "A2"})))

	s.Eventually(func() bool { return s.names(a)[1] == "A2" }, waitFor, 10*time.Millisecond)
	select {
	case <-a.Done():
		s.Fail("client stopped on a malformed frame")
	default:
	}
}

func (s *ClientTestSuite) TestChangesAreSignalled() {
	var events []bool
	cfg := s.config()
	observed := make(chan struct{}, 8)
	cfg.Observer = func(ev reconciler.Event) {
		events = append(events, ev.Invalidated)
		observed <- struct{}{}
	}
	a := s.start(cfg)

	// Drain anything from startup.
	select {
	case <-a.Changes():
	default:
	}

	s.Require().NoError(s.server.Broadcast(models.NewNotification(models.Delete, recA)))

	select {
	case <-a.Changes():
	case <-time.After(waitFor):
		s.FailNow("no change signalled")
	}
	<-observed
	s.Equal([]bool{false}, events)
}

func (s *ClientTestSuite) TestFeedLossStopsClient() {
	a := s.start(s.config())

	s.server.DropConnections()

	select {
	case <-a.Done():
	case <-time.After(waitFor):
		s.FailNow("client did not stop after losing the feed")
	}
	s.NoError(a.Err())
	s.NoError(a.Close(context.Background()))
}

func (s *ClientTestSuite) TestReconnectResyncsAndReannounces() {
	cfg := s.config()
	cfg.Retryer = stream.NewFixedDelayRetryer(20*time.Millisecond, 0)
	a := s.start(cfg)
	b := s.start(s.config())

	s.Require().NoError(b.BeginModify(2))
	s.Eventually(s.lockedIn(a, 2), waitFor, 10*time.Millisecond)
	s.Require().NoError(a.BeginModify(1))
	s.Eventually(func() bool { return len(s.server.Intents()) == 2 }, waitFor, 10*time.Millisecond)

	// Changes made while a is away reach it through the reload.
	s.server.DropConnections()
	s.server.Seed(recA, recB, models.Record{ID: 7, Name: "G"})
	s.awaitOpened()

	s.Eventually(func() bool { return s.names(a)[7] == "G" }, waitFor, 10*time.Millisecond)
	s.Eventually(func() bool { return len(s.server.Intents()) == 3 }, waitFor, 10*time.Millisecond)
	s.Equal(models.LockOf(recA), s.server.Intents()[2])

	// Stale foreign locks are forgotten.
	s.False(s.lockedIn(a, 2)())
	s.Equal(session.ModeUpdate, a.Snapshot().Mode)
}

func (s *ClientTestSuite) TestCloseUnlocksOpenEdit() {
	a := New(s.config())
	s.Require().NoError(a.Start(s.ctx))
	s.awaitOpened()

	s.Require().NoError(a.BeginModify(1))
	s.Require().NoError(a.Close(context.Background()))

	s.Eventually(func() bool { return len(s.server.Intents()) == 2 }, waitFor, 10*time.Millisecond)
	s.Equal(models.UnlockOf(recA), s.server.Intents()[1])

	select {
	case <-a.Done():
	default:
		s.Fail("Done not closed after Close")
	}
}

func (s *ClientTestSuite) TestCloseUnlocksAfterStartContextIsCancelled() {
	ctx, cancel := context.WithCancel(s.ctx)
	a := New(s.config())
	s.Require().NoError(a.Start(ctx))
	s.awaitOpened()

	s.Require().NoError(a.BeginModify(1))
	s.Eventually(func() bool { return len(s.server.Intents()) == 1 }, waitFor, 10*time.Millisecond)

	// An interrupt ends the caller's context before the client is closed.
	cancel()

	began := time.Now()
	s.Require().NoError(a.Close(context.Background()))
	s.Less(time.Since(began), flushTimeout)

	s.Eventually(func() bool { return len(s.server.Intents()) == 2 }, waitFor, 10*time.Millisecond)
	s.Equal(models.UnlockOf(recA), s.server.Intents()[1])
}

func (s *ClientTestSuite) TestCloseBeforeStart() {
	s.ErrorIs(New(s.config()).Close(context.Background()), ErrNotStarted)
}

func (s *ClientTestSuite) TestCBORFeed() {
	s.Require().NoError(s.server.Stop())
	s.server = fakeauthority.NewServer("127.0.0.1:0").WithCodec(codec.NewCBOR())
	s.Require().NoError(s.server.Start())
	s.server.Seed(recA)

	cfg := s.config()
	cfg.Codec = codec.NewCBOR()
	a := s.start(cfg)

	a.BeginCreate()
	s.Require().NoError(a.Commit(s.ctx, "B"))
	s.Eventually(func() bool { return s.names(a)[2] == "B" }, waitFor, 10*time.Millisecond)
}
