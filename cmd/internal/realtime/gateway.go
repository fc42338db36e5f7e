package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"shopsync/cmd/internal/auth"
	"shopsync/cmd/internal/lists"
	v1 "shopsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second
	wsHubCallTimeout      = 2 * time.Second

	wsMaxPingFailures = 3
)

// AccessChecker decides whether userID may join the room of listID.
// It is consulted on every join; membership is not rechecked afterwards.
type AccessChecker interface {
	CanJoinList(ctx context.Context, userID, listID string) (bool, error)
}

// UserDirectory records the identity of every authenticated connection so
// that users become discoverable by email.
type UserDirectory interface {
	EnsureUser(ctx context.Context, u lists.User) error
}

// GatewayConfig holds websocket knobs. Zero values fall back to defaults.
type GatewayConfig struct {
	// DevInsecure disables the origin check entirely.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig requires an Origin header and only allows localhost.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// Gateway is the websocket entrypoint.
//
// It authenticates the handshake once, registers the connection with the Hub
// (which joins the user's private room) and then serves joinList/leaveList requests.
// Origin policy, subprotocol selection, rate limits and heartbeats are enforced per connection.
type Gateway struct {
	log      *slog.Logger
	hub      *Hub
	verifier auth.Verifier
	access   AccessChecker
	users    UserDirectory
	metrics  *Metrics
	now      func() time.Time

	cfg GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// GatewayOption configures optional gateway collaborators.
type GatewayOption func(*Gateway)

// WithUserDirectory records each authenticated identity before the upgrade.
func WithUserDirectory(d UserDirectory) GatewayOption {
	return func(g *Gateway) { g.users = d }
}

// WithGatewayMetrics attaches realtime collectors.
func WithGatewayMetrics(m *Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// WithGatewayClock overrides the clock used for token verification (tests).
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGateway constructs a gateway.
func NewGateway(log *slog.Logger, hub *Hub, verifier auth.Verifier, access AccessChecker, cfg GatewayConfig, opts ...GatewayOption) (*Gateway, error) {
	if hub == nil {
		return nil, errors.New("realtime: nil hub")
	}
	if verifier == nil {
		return nil, errors.New("realtime: nil verifier")
	}
	if access == nil {
		return nil, errors.New("realtime: nil access checker")
	}
	if log == nil {
		log = slog.Default()
	}

	g := &Gateway{
		log:      log,
		hub:      hub,
		verifier: verifier,
		access:   access,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// Patterns are derived from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.cfg.AllowedOrigins)
	return g, nil
}

// ServeHTTP upgrades an HTTP request to a websocket session and runs the realtime loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	id, err := g.verifier.Verify(auth.TokenFromRequest(r), g.now())
	if err != nil {
		reason := auth.Code(err)
		g.metrics.authFailure(reason)
		g.log.Info("ws.reject.auth", "reason", reason, "remote", r.RemoteAddr)
		writeRefusal(w, reason)
		return
	}
	if g.users != nil {
		u := lists.User{ID: id.UserID, Username: id.Username, Email: id.Email}
		if err := g.users.EnsureUser(r.Context(), u); err != nil {
			g.log.Error("ws.user.record.fail", "user_id", id.UserID, "err", err)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	g.serve(r.Context(), conn, id)
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, id auth.Identity) {
	now := time.Now().UTC()
	sessionID, err := NewSessionID(now)
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(id.UserID, sessionID, g.cfg.SendQueueSize)
	log := g.log.With("session_id", sessionID, "user_id", id.UserID)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := g.hub.Register(ctx, client); err != nil {
		log.Info("ws.register.fail", "err", err)
		_ = conn.Close(websocket.StatusTryAgainLater, "server unavailable")
		return
	}
	g.metrics.connOpened()
	log.Info("ws.connected")

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Room membership is removed before client.Close so broadcasts never see a closing client twice.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			uctx, ucancel := context.WithTimeout(context.WithoutCancel(ctx), wsHubCallTimeout)
			if err := g.hub.Unregister(uctx, client); err != nil && !errors.Is(err, ErrHubStopped) {
				log.Warn("ws.unregister.fail", "err", err)
			}
			ucancel()

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.metrics.connClosed()
			log.Info("ws.disconnected", "reason", reason)
		})
	}

	hello, _ := json.Marshal(v1.HelloPayload{SessionID: sessionID, UserID: id.UserID})
	if !g.enqueue(ctx, client, g.newEnvelope(v1.TypeHello, hello)) {
		shutdown(websocket.StatusTryAgainLater, "backpressure")
		return
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Closed by the hub on server shutdown.
				shutdown(websocket.StatusGoingAway, "server shutting down")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				// Malformed frames count against the rate limit too.
				if !rl.Allow(time.Now().UTC()) {
					g.trySendError(ctx, client, "rate_limited", "too many events")
					shutdown(websocket.StatusPolicyViolation, "rate limited")
					break readLoop
				}
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeJoinList:
			if err := g.onJoin(ctx, log, client, env); err != nil {
				g.trySendError(ctx, client, joinErrCode(err), err.Error())
			}
		case v1.TypeLeaveList:
			if err := g.onLeave(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "leave_failed", err.Error())
			}
		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onJoin(ctx context.Context, log *slog.Logger, client *Client, env v1.Envelope) error {
	listID, err := roomPayload(env)
	if err != nil {
		return err
	}
	room := ListRoom(listID)

	ok, err := g.access.CanJoinList(ctx, client.UserID, listID)
	if err != nil {
		return fmt.Errorf("access check: %w", err)
	}
	if !ok {
		g.denyJoin(log, listID)
		return nil
	}

	// Reserve, then check again: a revoke or delete that committed before the
	// second check is denied here, and one that commits after it evicts the
	// reserved membership.
	if err := g.hub.Reserve(ctx, client, room); err != nil {
		return err
	}
	ok, err = g.access.CanJoinList(ctx, client.UserID, listID)
	if err != nil {
		_ = g.hub.Leave(ctx, client, room)
		return fmt.Errorf("access check: %w", err)
	}
	if !ok {
		_ = g.hub.Leave(ctx, client, room)
		g.denyJoin(log, listID)
		return nil
	}
	active, err := g.hub.Activate(ctx, client, room)
	if err != nil {
		return err
	}
	if !active {
		g.denyJoin(log, listID)
		return nil
	}
	log.Debug("room.join.ok", "list_id", listID)

	echo, _ := json.Marshal(v1.ListRoomPayload{ListID: listID})
	if !g.enqueue(ctx, client, g.newEnvelope(v1.TypeJoinList, echo)) {
		_ = g.hub.Leave(ctx, client, room)
		return errors.New("backpressure: join echo")
	}
	return nil
}

// denyJoin is silent toward the client: the connection never learns whether
// the list exists.
func (g *Gateway) denyJoin(log *slog.Logger, listID string) {
	g.metrics.joinDenied()
	log.Info("room.join.denied", "list_id", listID)
}

func (g *Gateway) onLeave(ctx context.Context, client *Client, env v1.Envelope) error {
	listID, err := roomPayload(env)
	if err != nil {
		return err
	}
	if err := g.hub.Leave(ctx, client, ListRoom(listID)); err != nil {
		return err
	}
	echo, _ := json.Marshal(v1.ListRoomPayload{ListID: listID})
	_ = g.enqueue(ctx, client, g.newEnvelope(v1.TypeLeaveList, echo))
	return nil
}

func roomPayload(env v1.Envelope) (string, error) {
	var p v1.ListRoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	listID := strings.TrimSpace(p.ListID)
	if listID == "" {
		return "", errors.New("missing listId")
	}
	return listID, nil
}

func joinErrCode(err error) string {
	if errors.Is(err, ErrTooManyRooms) {
		return "too_many_rooms"
	}
	return "join_failed"
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, g.newEnvelope(v1.TypeError, p))
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return client.offer(env)
}

func (g *Gateway) newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	now := time.Now().UTC()
	id, _ := NewEnvelopeID(now)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: payload,
	}
}

type refusalBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeRefusal answers a failed handshake before the upgrade, so clients can tell
// an expired credential (re-login) from other failures.
func writeRefusal(w http.ResponseWriter, reason string) {
	var body refusalBody
	body.Error.Code = reason
	body.Error.Message = "authentication required"

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Auth-Error", reason)
	w.Header().Set("WWW-Authenticate", `Bearer error="`+reason+`"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(body)
}

// ---- envelope IO ----

var errBadJSON = errors.New("realtime: bad json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	if g.cfg.DevInsecure {
		return nil
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins builds the patterns websocket.Accept matches
// against the Origin host[:port] (filepath.Match syntax, so "*" allows any host).
// Each allowed host is accepted on any port, mirroring enforceOrigin.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, 2*len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
		if h != "*" {
			seen[h+":*"] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
