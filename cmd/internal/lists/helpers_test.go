package lists

import (
	"context"
	"sync"
	"testing"
	"time"

	v1 "shopsync/shared/contracts/realtime/v1"
)

type emitted struct {
	kind   string // list, user, evict, close
	target string
	ev     v1.Event
}

type recorder struct {
	mu  sync.Mutex
	out []emitted
}

func (r *recorder) add(e emitted) {
	r.mu.Lock()
	r.out = append(r.out, e)
	r.mu.Unlock()
}

func (r *recorder) ToList(_ context.Context, listID string, ev v1.Event) {
	r.add(emitted{kind: "list", target: listID, ev: ev})
}

func (r *recorder) ToUser(_ context.Context, userID string, ev v1.Event) {
	r.add(emitted{kind: "user", target: userID, ev: ev})
}

func (r *recorder) EvictFromList(_ context.Context, listID, userID string) {
	r.add(emitted{kind: "evict", target: listID + "/" + userID})
}

func (r *recorder) CloseList(_ context.Context, listID string) {
	r.add(emitted{kind: "close", target: listID})
}

func (r *recorder) events() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.out...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.out = nil
	r.mu.Unlock()
}

// types renders the recorded stream as "kind:target:type" strings.
func (r *recorder) types() []string {
	var out []string
	for _, e := range r.events() {
		s := e.kind + ":" + e.target
		if e.ev != nil {
			s += ":" + e.ev.EventType()
		}
		out = append(out, s)
	}
	return out
}

var (
	alice = User{ID: "u-alice", Username: "alice", Email: "alice@example.com"}
	bob   = User{ID: "u-bob", Username: "bob", Email: "bob@example.com"}
	carol = User{ID: "u-carol", Username: "carol", Email: "carol@example.com"}
)

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestService(t *testing.T, st Store, opts ...Option) (*Service, *recorder) {
	t.Helper()

	rec := &recorder{}
	clock := &fixedClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	all := append([]Option{WithBroadcaster(rec), WithClock(clock.Now)}, opts...)
	svc, err := NewService(st, all...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	for _, u := range []User{alice, bob, carol} {
		if err := svc.EnsureUser(ctx, u); err != nil {
			t.Fatalf("ensure user %s: %v", u.ID, err)
		}
	}
	return svc, rec
}

func assertInvariants(t *testing.T, l List) {
	t.Helper()

	seen := map[string]bool{}
	for _, e := range l.SharedWith {
		if e.User.ID == l.Owner.ID {
			t.Fatalf("owner %q present in sharedWith", l.Owner.ID)
		}
		if seen[e.User.ID] {
			t.Fatalf("duplicate sharedWith entry for %q", e.User.ID)
		}
		seen[e.User.ID] = true
	}
	items := map[string]bool{}
	for _, it := range l.Items {
		if items[it.ID] {
			t.Fatalf("duplicate item id %q", it.ID)
		}
		items[it.ID] = true
	}
}

func ptr[T any](v T) *T { return &v }
