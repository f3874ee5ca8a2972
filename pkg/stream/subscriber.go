// Package stream owns the persistent websocket to the authority's change
// feed.
//
// A [Subscriber] keeps one connection at a time. While it is up, two loops run
// side by side: the outbound loop drains the [Queue] of lock and unlock
// intents onto the socket, and the inbound loop decodes change notifications
// and hands them to the consumer of [Subscriber.Notifications] in arrival
// order. A message that fails to decode is logged and dropped without
// affecting the connection.
//
// By default a lost connection ends the subscription. Setting
// [Config.Retryer] turns on redialing.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/gofrs/uuid"
	gorilla "github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/userlist/userlist/pkg/codec"
	"github.com/userlist/userlist/pkg/logger"
	"github.com/userlist/userlist/pkg/models"
)

var (
	ErrClosed         = errors.New("stream subscriber is closed")
	ErrMissingPayload = errors.New("message has no data")
)

const (
	closeWriteTimeout = time.Second
	flushPollInterval = 10 * time.Millisecond
)

type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost/user.
	URL string

	Header http.Header

	// Codec defaults to codec.JSON.
	Codec codec.Codec

	// Dialer defaults to a copy of gorilla's DefaultDialer.
	Dialer *gorilla.Dialer

	// Retryer enables reconnection when set.
	Retryer Retryer

	// OnReconnect runs on the subscriber goroutine after a redial succeeds and
	// before the new connection's loops start.
	OnReconnect func(ctx context.Context)

	Logger logger.Logger
}

type Subscriber struct {
	cfg    Config
	codec  codec.Codec
	dialer *gorilla.Dialer
	logger logger.Logger

	queue         *Queue
	notifications chan models.RecordNotification

	stateMu sync.Mutex
	state   State

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) *Subscriber {
	c := cfg.Codec
	if c == nil {
		c = codec.JSON{}
	}

	dialer := cfg.Dialer
	if dialer == nil {
		d := *gorilla.DefaultDialer
		dialer = &d
	}
	if c.Binary() && len(dialer.Subprotocols) == 0 {
		dialer.Subprotocols = []string{c.Name()}
	}

	return &Subscriber{
		cfg:    cfg,
		codec:  c,
		dialer: dialer,
		logger: logger.OrDiscard(cfg.Logger),
		queue:  NewQueue(),
		// Unbuffered so that a notification handed over has been taken by the
		// consumer before anything else is read off the wire.
		notifications: make(chan models.RecordNotification),
		state:         StateDisconnected,
		done:          make(chan struct{}),
	}
}

// Push queues an outbound lock or unlock intent. It never blocks.
func (s *Subscriber) Push(n models.RecordNotification) {
	s.queue.Push(n)
}

// Queue exposes the outbound queue.
func (s *Subscriber) Queue() *Queue {
	return s.queue
}

// Notifications delivers decoded notifications in wire order.
// The channel is closed when the subscription ends.
func (s *Subscriber) Notifications() <-chan models.RecordNotification {
	return s.notifications
}

// Done is closed once both loops have stopped for good.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	return s.state
}

func (s *Subscriber) transitionTo(newState State) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if err := s.state.validateTransitionTo(newState); err != nil {
		return err
	}

	s.state = newState
	s.logger.Debug("stream.Subscriber state transitioned", "new_state", newState)

	return nil
}

// Start dials the authority and starts the loops in the background.
//
// A failed initial dial is returned to the caller and is not retried, even
// with a Retryer configured: it usually means a wrong URL. ctx bounds the
// lifetime of the whole subscription.
func (s *Subscriber) Start(ctx context.Context) error {
	if err := s.transitionTo(StateConnecting); err != nil {
		return fmt.Errorf("stream.Subscriber cannot start: %w", err)
	}

	conn, err := s.dial(ctx)
	if err != nil {
		if stateErr := s.transitionTo(StateDisconnected); stateErr != nil {
			s.logger.Error("BUG: stream.Subscriber failed to transition to disconnected state", "error", stateErr)
		}
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)

	// The state and the cancel func change together so that Close never sees
	// a connected subscriber it cannot stop.
	s.stateMu.Lock()
	if err := s.state.validateTransitionTo(StateConnected); err != nil {
		s.stateMu.Unlock()
		cancel()
		_ = conn.Close()
		return fmt.Errorf("stream.Subscriber cannot start: %w", err)
	}
	s.state = StateConnected
	s.cancel = cancel
	s.stateMu.Unlock()

	s.logger.Info("stream.Subscriber connected", "url", s.cfg.URL)
	go s.run(runCtx, conn)

	return nil
}

func (s *Subscriber) dial(ctx context.Context) (*gorilla.Conn, error) {
	conn, res, err := s.dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
	if res != nil && res.Body != nil {
		defer res.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("stream.Subscriber failed to dial %s: %w", s.cfg.URL, err)
	}
	return conn, nil
}

func (s *Subscriber) run(ctx context.Context, conn *gorilla.Conn) {
	defer close(s.done)
	defer close(s.notifications)

	for {
		err := s.serve(ctx, conn)
		if ctx.Err() != nil {
			s.toDisconnected()
			return
		}

		s.logger.Error("stream.Subscriber lost the connection", "error", err)
		if s.cfg.Retryer == nil {
			s.toDisconnected()
			return
		}

		if err := s.transitionTo(StateConnecting); err != nil {
			return
		}
		conn, err = s.redial(ctx, err)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("stream.Subscriber gave up reconnecting", "error", err)
			}
			s.toDisconnected()
			return
		}
		if err := s.transitionTo(StateConnected); err != nil {
			_ = conn.Close()
			return
		}

		s.logger.Info("stream.Subscriber reconnected", "url", s.cfg.URL)
		if s.cfg.OnReconnect != nil {
			s.cfg.OnReconnect(ctx)
		}
	}
}

func (s *Subscriber) toDisconnected() {
	if err := s.transitionTo(StateDisconnected); err != nil {
		// Close won the race; it owns the remaining transitions.
		s.logger.Debug("stream.Subscriber not marked disconnected", "error", err)
	}
}

func (s *Subscriber) redial(ctx context.Context, lastErr error) (*gorilla.Conn, error) {
	for attempt := 0; ; attempt++ {
		delay, ok := s.cfg.Retryer.NextDelay(attempt, lastErr)
		if !ok {
			return nil, fmt.Errorf("no more retries after %d attempts: %w", attempt, lastErr)
		}

		s.logger.Debug("stream.Subscriber waiting before redial", "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		conn, err := s.dial(ctx)
		if err == nil {
			s.cfg.Retryer.Reset()
			return conn, nil
		}
		s.logger.Warn("stream.Subscriber redial failed", "attempt", attempt, "error", err)
		lastErr = err
	}
}

// serve runs both loops over conn until one of them fails or ctx is done.
func (s *Subscriber) serve(ctx context.Context, conn *gorilla.Conn) error {
	log := logger.With(s.logger, "conn", uuid.Must(uuid.NewV4()).String())
	log.Debug("stream.Subscriber serving connection", "url", s.cfg.URL)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.outbound(gctx, conn, log)
	})
	g.Go(func() error {
		return s.inbound(gctx, conn, log)
	})
	g.Go(func() error {
		// Closing the socket is the only way to unblock a pending read.
		<-gctx.Done()
		deadline := time.Now().Add(closeWriteTimeout)
		msg := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "")
		if err := conn.WriteControl(gorilla.CloseMessage, msg, deadline); err != nil {
			log.Debug("stream.Subscriber could not write close message", "error", err)
		}
		return conn.Close()
	})

	return g.Wait()
}

func (s *Subscriber) outbound(ctx context.Context, conn *gorilla.Conn, log logger.Logger) error {
	messageType := gorilla.TextMessage
	if s.codec.Binary() {
		messageType = gorilla.BinaryMessage
	}

	for {
		n, err := s.queue.Pop(ctx)
		if err != nil {
			return err
		}

		data, err := s.codec.Marshal(n)
		if err != nil {
			log.Error("stream.Subscriber dropping unencodable intent", "intent", n.String(), "error", err)
			s.queue.Ack()
			continue
		}

		if err := conn.WriteMessage(messageType, data); err != nil {
			s.queue.PushFront(n)
			return fmt.Errorf("stream.Subscriber failed to write: %w", err)
		}
		s.queue.Ack()
		log.Debug("stream.Subscriber sent intent", "intent", n.String())
	}
}

func (s *Subscriber) inbound(ctx context.Context, conn *gorilla.Conn, log logger.Logger) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("stream.Subscriber failed to read: %w", err)
		}

		// A pointer payload tells a missing or null data field apart from a
		// record with zero values.
		var wire models.Notification[*models.Record]
		if err := s.codec.Unmarshal(data, &wire); err != nil {
			log.Warn("stream.Subscriber dropping undecodable message", "action", s.peekAction(data), "error", err)
			continue
		}
		if err := wire.Kind.Validate(); err != nil {
			log.Warn("stream.Subscriber dropping message", "error", err)
			continue
		}
		if wire.Payload == nil {
			log.Warn("stream.Subscriber dropping message", "action", string(wire.Kind), "error", ErrMissingPayload)
			continue
		}
		n := models.NewNotification(wire.Kind, *wire.Payload)

		select {
		case s.notifications <- n:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// peekAction extracts the action of a JSON message that failed to decode as a
// whole, to tell a bad payload apart from an unknown message shape.
func (s *Subscriber) peekAction(data []byte) string {
	if s.codec.Binary() {
		return ""
	}
	action, err := jsonparser.GetString(data, "action")
	if err != nil {
		return ""
	}
	return action
}

// Flush waits until every queued intent has been written, the connection is
// no longer up, or ctx is done.
func (s *Subscriber) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()

	for s.queue.Pending() > 0 {
		if state := s.State(); state != StateConnected {
			return fmt.Errorf("stream.Subscriber cannot flush %d intents: %s", s.queue.Pending(), state)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return fmt.Errorf("stream.Subscriber cannot flush %d intents: %w", s.queue.Pending(), ErrClosed)
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops both loops and releases the connection. It waits for the loops
// to exit or for ctx to be done, whichever comes first.
func (s *Subscriber) Close(ctx context.Context) error {
	if err := s.transitionTo(StateClosing); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	defer func() {
		if err := s.transitionTo(StateClosed); err != nil {
			s.logger.Error("BUG: stream.Subscriber failed to transition to closed state", "error", err)
		}
	}()

	s.stateMu.Lock()
	cancel := s.cancel
	s.stateMu.Unlock()

	if cancel == nil {
		// Never started, so no loop will close these.
		close(s.notifications)
		close(s.done)
		return nil
	}
	cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
