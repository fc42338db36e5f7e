package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	v1 "shopsync/shared/contracts/realtime/v1"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// DialFunc opens a new connection. Session calls it on every (re)connect.
type DialFunc func(ctx context.Context) (*Client, error)

// Session keeps a Reconciler in sync across reconnects.
type Session struct {
	log  *slog.Logger
	dial DialFunc
	rec  *Reconciler

	minBackoff time.Duration
	maxBackoff time.Duration
	onEnvelope func(v1.Envelope)
	onReady    func()

	mu  sync.Mutex
	cur *Client
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithBackoff bounds the reconnect delay.
func WithBackoff(min, max time.Duration) SessionOption {
	return func(s *Session) {
		if min > 0 {
			s.minBackoff = min
		}
		if max >= s.minBackoff {
			s.maxBackoff = max
		}
	}
}

// WithOnEnvelope is called for every envelope received, after events have been applied.
func WithOnEnvelope(fn func(v1.Envelope)) SessionOption {
	return func(s *Session) { s.onEnvelope = fn }
}

// WithOnReady is called after every successful resync.
func WithOnReady(fn func()) SessionOption {
	return func(s *Session) { s.onReady = fn }
}

// NewSession wires dial and rec together.
func NewSession(log *slog.Logger, dial DialFunc, rec *Reconciler, opts ...SessionOption) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		log:        log,
		dial:       dial,
		rec:        rec,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run connects and keeps reconnecting until ctx is done or the server refuses
// the credential (ErrReauthenticate) or the handshake (ErrRejected).
func (s *Session) Run(ctx context.Context) error {
	b := s.newBackoff()
	attempt := 0
	for {
		ready, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrReauthenticate) || errors.Is(err, ErrRejected) {
			s.log.Warn("reconcile.session.stop", "err", err)
			return err
		}
		if ready {
			attempt = 0
			b.Reset()
		}
		delay := b.NextBackOff()
		attempt++
		s.log.Info("reconcile.session.reconnect", "in", delay, "attempt", attempt, "err", err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// newBackoff doubles from minBackoff up to maxBackoff with 20% jitter.
func (s *Session) newBackoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.minBackoff,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         s.maxBackoff,
	}
	b.Reset()
	return b
}

func (s *Session) runOnce(ctx context.Context) (ready bool, err error) {
	c, err := s.dial(ctx)
	if err != nil {
		return false, err
	}
	s.setClient(c)
	defer func() {
		s.setClient(nil)
		_ = c.Close()
	}()

	// Join returns after the echo, so the resync below cannot miss an event.
	for _, listID := range s.rec.Rooms() {
		err := c.Join(ctx, listID)
		switch {
		case errors.Is(err, ErrJoinDenied):
			// The resync finds the list gone and closes it with a notice.
			s.log.Info("reconcile.session.rejoin.denied", "list_id", listID)
		case err != nil:
			return false, err
		}
	}
	if err := s.rec.Resync(ctx); err != nil {
		return false, err
	}
	s.log.Info("reconcile.session.ready", "session_id", c.Hello().SessionID)
	if s.onReady != nil {
		s.onReady()
	}

	for {
		env, err := c.Next(ctx)
		if err != nil {
			return true, err
		}
		s.handle(env)
	}
}

func (s *Session) handle(env v1.Envelope) {
	if s.onEnvelope != nil {
		defer s.onEnvelope(env)
	}
	if !v1.IsEventType(env.Type) {
		switch env.Type {
		case v1.TypeError:
			s.log.Warn("reconcile.server.error", "payload", string(env.Payload))
		default:
			s.log.Debug("reconcile.control", "type", env.Type)
		}
		return
	}
	ev, err := v1.DecodeEvent(env)
	if err != nil {
		s.log.Warn("reconcile.decode.fail", "type", env.Type, "err", err)
		return
	}
	s.rec.Apply(ev)
}

func (s *Session) setClient(c *Client) {
	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()
}

func (s *Session) client() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Open joins the list room (when connected) and then loads the list. A join
// the server does not confirm fails with ErrJoinDenied and nothing is loaded.
func (s *Session) Open(ctx context.Context, listID string) (v1.List, error) {
	if prev := s.rec.CloseOpen(); prev != "" && prev != listID {
		if c := s.client(); c != nil {
			_ = c.Leave(ctx, prev)
		}
	}
	if c := s.client(); c != nil {
		if err := c.Join(ctx, listID); err != nil {
			return v1.List{}, err
		}
	}
	return s.rec.Open(ctx, listID)
}

// CloseList leaves the open list's room.
func (s *Session) CloseList(ctx context.Context) error {
	id := s.rec.CloseOpen()
	if id == "" {
		return nil
	}
	if c := s.client(); c != nil {
		return c.Leave(ctx, id)
	}
	return nil
}
