// shopsync-smoke is a CI-friendly end-to-end check against a running shopsync server.
//
// It validates:
//   - handshake, subprotocol selection and hello
//   - list room join echo
//   - invitation fan-out to the invitee's private room
//   - item events reaching an accepted member
//   - revocation evicting the member before listAccessRemoved
//   - deletion reaching the owner
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"shopsync/cmd/internal/auth"
	"shopsync/cmd/internal/reconcile"
	v1 "shopsync/shared/contracts/realtime/v1"
)

type smokeUser struct {
	name   string
	id     auth.Identity
	token  string
	client *reconcile.Client
}

type options struct {
	baseURL string
	origin  string
	secret  string
	issuer  string
	timeout time.Duration
	verbose bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("shopsync-smoke", pflag.ContinueOnError)
	flagSet.StringVar(&opts.baseURL, "url", "http://127.0.0.1:8080", "server base URL")
	flagSet.StringVar(&opts.origin, "origin", "http://localhost", "Origin header for the websocket handshake")
	flagSet.StringVar(&opts.secret, "jwt-secret", os.Getenv("SHOPSYNC_JWT_SECRET"), "HS256 secret shared with the server, used to mint test tokens")
	flagSet.StringVar(&opts.issuer, "jwt-issuer", os.Getenv("SHOPSYNC_JWT_ISSUER"), "iss claim for minted tokens")
	flagSet.DurationVar(&opts.timeout, "timeout", 7*time.Second, "per-step timeout")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	base, err := url.Parse(strings.TrimRight(opts.baseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return fmt.Errorf("invalid --url %q", opts.baseURL)
	}
	if opts.secret == "" {
		return errors.New("--jwt-secret (or SHOPSYNC_JWT_SECRET) is required")
	}

	issuer, err := auth.NewJWTVerifier([]byte(opts.secret), true, auth.WithIssuer(opts.issuer))
	if err != nil {
		return err
	}

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	owner := &smokeUser{name: "owner", id: auth.Identity{UserID: "smoke-owner-" + suffix, Email: "owner-" + suffix + "@smoke.test", Username: "owner"}}
	guest := &smokeUser{name: "guest", id: auth.Identity{UserID: "smoke-guest-" + suffix, Email: "guest-" + suffix + "@smoke.test", Username: "guest"}}

	root := context.Background()
	for _, u := range []*smokeUser{owner, guest} {
		if u.token, err = issuer.Issue(u.id, time.Now(), 10*time.Minute); err != nil {
			return err
		}
		if err := connect(root, opts, base, u); err != nil {
			return err
		}
		defer u.client.Close()
		if opts.verbose {
			fmt.Printf("connected: %s session=%s\n", u.name, u.client.Hello().SessionID)
		}
	}

	api := &restClient{base: base.String(), timeout: opts.timeout}

	var list v1.List
	if err := api.do(root, owner.token, http.MethodPost, "/lists", map[string]any{"name": "smoke " + suffix}, &list); err != nil {
		return fmt.Errorf("create list: %w", err)
	}
	if err := join(root, opts, owner, list.ID); err != nil {
		return err
	}

	if err := api.do(root, owner.token, http.MethodPost, "/lists/"+list.ID+"/share",
		map[string]any{"email": guest.id.Email, "role": "editor"}, nil); err != nil {
		return fmt.Errorf("share: %w", err)
	}
	if _, err := expect[v1.InvitePending](root, opts, guest, v1.TypeInvitePending, list.ID); err != nil {
		return err
	}

	if err := api.do(root, guest.token, http.MethodPut, "/lists/"+list.ID+"/invite/"+guest.id.UserID+"/accept", nil, nil); err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	if _, err := expect[v1.ListSharedWithYou](root, opts, guest, v1.TypeListSharedWithYou, list.ID); err != nil {
		return err
	}
	if err := join(root, opts, guest, list.ID); err != nil {
		return err
	}

	var item v1.Item
	if err := api.do(root, owner.token, http.MethodPost, "/lists/"+list.ID+"/items", map[string]any{"name": "milk"}, &item); err != nil {
		return fmt.Errorf("add item: %w", err)
	}
	added, err := expect[v1.ItemAdded](root, opts, guest, v1.TypeItemAdded, list.ID)
	if err != nil {
		return err
	}
	if added.Item.ID != item.ID {
		return fmt.Errorf("itemAdded id=%s want %s", added.Item.ID, item.ID)
	}

	if err := api.do(root, owner.token, http.MethodDelete, "/lists/"+list.ID+"/share/"+guest.id.UserID, nil, nil); err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	// The revoked member is evicted first, so the next list-scoped event it sees is the removal notice.
	if _, err := expect[v1.ListAccessRemoved](root, opts, guest, v1.TypeListAccessRemoved, list.ID); err != nil {
		return err
	}

	if err := api.do(root, owner.token, http.MethodDelete, "/lists/"+list.ID, nil, nil); err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	if _, err := expect[v1.ListDeleted](root, opts, owner, v1.TypeListDeleted, list.ID); err != nil {
		return err
	}

	fmt.Printf("OK: list_id=%s item_id=%s owner=%s guest=%s\n", list.ID, item.ID, owner.client.Hello().SessionID, guest.client.Hello().SessionID)
	return nil
}

func connect(parent context.Context, opts options, base *url.URL, u *smokeUser) error {
	ctx, cancel := context.WithTimeout(parent, opts.timeout)
	defer cancel()

	ws := *base
	ws.Scheme = map[string]string{"http": "ws", "https": "wss"}[base.Scheme]
	ws.Path = strings.TrimRight(base.Path, "/") + "/ws"

	c, err := reconcile.Dial(ctx, reconcile.DialConfig{URL: ws.String(), Token: u.token, Origin: opts.origin})
	if err != nil {
		return fmt.Errorf("%s: connect: %w", u.name, err)
	}
	if c.Hello().UserID != u.id.UserID {
		_ = c.Close()
		return fmt.Errorf("%s: hello user=%s want %s", u.name, c.Hello().UserID, u.id.UserID)
	}
	u.client = c
	return nil
}

func join(parent context.Context, opts options, u *smokeUser, listID string) error {
	ctx, cancel := context.WithTimeout(parent, opts.timeout)
	defer cancel()

	if err := u.client.Join(ctx, listID); err != nil {
		return fmt.Errorf("%s: join: %w", u.name, err)
	}
	env, err := next(ctx, opts, u, v1.TypeJoinList)
	if err != nil {
		return err
	}
	var p v1.ListRoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.ListID != listID {
		return fmt.Errorf("%s: join echo for %q, want %q", u.name, p.ListID, listID)
	}
	return nil
}

// expect reads until an envelope of typ arrives and decodes it as T. It fails on
// an error envelope or when the event belongs to another list.
func expect[T v1.Event](parent context.Context, opts options, u *smokeUser, typ, listID string) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(parent, opts.timeout)
	defer cancel()

	env, err := next(ctx, opts, u, typ)
	if err != nil {
		return zero, err
	}
	ev, err := v1.DecodeEvent(env)
	if err != nil {
		return zero, fmt.Errorf("%s: decode %s: %w", u.name, typ, err)
	}
	out, ok := ev.(T)
	if !ok {
		return zero, fmt.Errorf("%s: %s decoded as %T", u.name, typ, ev)
	}
	if got := ev.EventListID(); got != listID {
		return zero, fmt.Errorf("%s: %s for list %q, want %q", u.name, typ, got, listID)
	}
	return out, nil
}

func next(ctx context.Context, opts options, u *smokeUser, typ string) (v1.Envelope, error) {
	for {
		env, err := u.client.Next(ctx)
		if err != nil {
			return v1.Envelope{}, fmt.Errorf("%s: waiting for %s: %w", u.name, typ, err)
		}
		if opts.verbose {
			fmt.Printf("%s <- %s %s\n", u.name, env.Type, env.Payload)
		}
		switch env.Type {
		case typ:
			return env, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return v1.Envelope{}, fmt.Errorf("%s: server error %s: %s", u.name, p.Code, p.Message)
		}
	}
}

type restClient struct {
	base    string
	timeout time.Duration
}

func (c *restClient) do(parent context.Context, token, method, path string, body, dst any) error {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, res.StatusCode, bytes.TrimSpace(raw))
	}
	if dst == nil {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
