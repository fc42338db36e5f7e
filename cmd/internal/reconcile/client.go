package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	v1 "shopsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	clientWriteTimeout = 5 * time.Second
	defaultJoinTimeout = 5 * time.Second
)

// ErrJoinDenied: the server did not confirm a room join in time. Denials are
// silent on the wire, so a missing echo is the only answer.
var ErrJoinDenied = errors.New("reconcile: join denied")

// RefusalError is a 401 answer to a handshake or request. It matches ErrReauthenticate.
type RefusalError struct {
	Status int
	Reason string
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("reconcile: refused (%d): %s", e.Status, e.Reason)
}

func (e *RefusalError) Is(target error) bool { return target == ErrReauthenticate }

// Expired reports whether a refreshed token is enough, as opposed to a new login.
func (e *RefusalError) Expired() bool { return e.Reason == "expired_token" }

// DialConfig describes how to reach the websocket endpoint.
type DialConfig struct {
	// URL is the ws:// or wss:// endpoint, e.g. ws://localhost:8080/ws.
	URL    string
	Token  string
	Origin string

	HTTPClient *http.Client
	// JoinTimeout bounds how long Join waits for the echo. Defaults to 5s.
	JoinTimeout time.Duration
}

// Client is one websocket connection speaking the v1 protocol. After Dial a
// single goroutine owns reads; Next consumes what it queued.
type Client struct {
	conn        *websocket.Conn
	hello       v1.HelloPayload
	joinTimeout time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	notify chan struct{}

	mu      sync.Mutex
	queue   []v1.Envelope
	readErr error
	waiters map[string][]chan struct{}
}

// Dial connects, authenticates and waits for the hello envelope.
func Dial(ctx context.Context, cfg DialConfig) (*Client, error) {
	h := http.Header{}
	if cfg.Token != "" {
		h.Set("Authorization", "Bearer "+cfg.Token)
	}
	if strings.TrimSpace(cfg.Origin) != "" {
		h.Set("Origin", cfg.Origin)
	}

	conn, resp, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
		HTTPClient:   cfg.HTTPClient,
	})
	if err != nil {
		return nil, classifyDialErr(resp, err)
	}
	conn.SetReadLimit(4 << 20)

	c := &Client{
		conn:        conn,
		joinTimeout: cfg.JoinTimeout,
		done:        make(chan struct{}),
		notify:      make(chan struct{}, 1),
		waiters:     make(map[string][]chan struct{}),
	}
	if c.joinTimeout <= 0 {
		c.joinTimeout = defaultJoinTimeout
	}
	env, err := c.read(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no hello")
		return nil, fmt.Errorf("reconcile: read hello: %w", err)
	}
	if env.Type != v1.TypeHello {
		_ = conn.Close(websocket.StatusProtocolError, "no hello")
		return nil, fmt.Errorf("reconcile: first envelope %q, want hello", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &c.hello); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "bad hello")
		return nil, fmt.Errorf("reconcile: hello payload: %w", err)
	}

	rctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop(rctx)
	return c, nil
}

func classifyDialErr(resp *http.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("reconcile: dial: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		reason := resp.Header.Get("X-Auth-Error")
		if reason == "" && resp.Body != nil {
			var body apiError
			if json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body) == nil {
				reason = body.Error.Code
			}
		}
		if reason == "" {
			reason = "invalid_token"
		}
		return &RefusalError{Status: resp.StatusCode, Reason: reason}
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: dial: status %d: %v", ErrRejected, resp.StatusCode, err)
	default:
		return fmt.Errorf("reconcile: dial: status %d: %w", resp.StatusCode, err)
	}
}

// Hello returns the identity the server bound to this connection.
func (c *Client) Hello() v1.HelloPayload { return c.hello }

// Join subscribes to listID and waits for the server's echo, so a read issued
// after Join returns cannot miss an event. No echo within the join timeout
// means the server denied the join (ErrJoinDenied).
func (c *Client) Join(ctx context.Context, listID string) error {
	ch := c.addWaiter(listID)
	if err := c.sendRoom(ctx, v1.TypeJoinList, listID); err != nil {
		c.dropWaiter(listID, ch)
		return err
	}

	t := time.NewTimer(c.joinTimeout)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-t.C:
		c.dropWaiter(listID, ch)
		return fmt.Errorf("%w: %s", ErrJoinDenied, listID)
	case <-ctx.Done():
		c.dropWaiter(listID, ch)
		return ctx.Err()
	case <-c.done:
		c.dropWaiter(listID, ch)
		return c.closedErr()
	}
}

// Leave unsubscribes from listID.
func (c *Client) Leave(ctx context.Context, listID string) error {
	return c.sendRoom(ctx, v1.TypeLeaveList, listID)
}

func (c *Client) addWaiter(listID string) chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters[listID] = append(c.waiters[listID], ch)
	c.mu.Unlock()
	return ch
}

func (c *Client) dropWaiter(listID string, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waiters[listID]
	for i, w := range ws {
		if w == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(c.waiters, listID)
	} else {
		c.waiters[listID] = ws
	}
}

func (c *Client) sendRoom(ctx context.Context, typ, listID string) error {
	p, err := json.Marshal(v1.ListRoomPayload{ListID: listID})
	if err != nil {
		return err
	}
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: p})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, clientWriteTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, b)
}

// Next blocks for the next envelope, in arrival order.
func (c *Client) Next(ctx context.Context) (v1.Envelope, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			env := c.queue[0]
			c.queue[0] = v1.Envelope{}
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return env, nil
		}
		err := c.readErr
		c.mu.Unlock()
		if err != nil {
			return v1.Envelope{}, err
		}

		select {
		case <-c.notify:
		case <-c.done:
		case <-ctx.Done():
			return v1.Envelope{}, ctx.Err()
		}
	}
}

// readLoop is the only reader after the handshake. Join echoes release their
// waiters before the envelope is queued for Next.
func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		env, err := c.read(ctx)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		if env.Type == v1.TypeJoinList {
			var p v1.ListRoomPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				for _, ch := range c.waiters[p.ListID] {
					close(ch)
				}
				delete(c.waiters, p.ListID)
			}
		}
		c.queue = append(c.queue, env)
		c.mu.Unlock()

		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

func (c *Client) read(ctx context.Context) (v1.Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("reconcile: decode envelope: %w", err)
	}
	return env, nil
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return net.ErrClosed
}

// Close performs a normal close handshake.
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "bye")
	if c.cancel != nil {
		c.cancel()
	}
	if err != nil && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
