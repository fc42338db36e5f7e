package lists

import (
	"context"
	"errors"
	"testing"
	"time"
)

// testStoreContract exercises the behavior every Store implementation shares.
func testStoreContract(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, u := range []User{alice, bob, carol} {
		if err := st.PutUser(ctx, u); err != nil {
			t.Fatalf("put user: %v", err)
		}
	}
	u, err := st.FindUserByEmail(ctx, " ALICE@example.com")
	if err != nil || u.ID != alice.ID {
		t.Fatalf("find by email: %+v %v", u, err)
	}
	if _, err := st.FindUserByID(ctx, "nope"); !IsNotFound(err) {
		t.Fatalf("find missing user err=%v", err)
	}

	// An email stays bound to one user; the owner may re-put it.
	if err := st.PutUser(ctx, User{ID: "other", Email: alice.Email}); !IsConflict(err) {
		t.Fatalf("put with taken email err=%v, want conflict", err)
	}
	if u, err := st.FindUserByEmail(ctx, alice.Email); err != nil || u.ID != alice.ID {
		t.Fatalf("email rebound: %+v %v", u, err)
	}
	if err := st.PutUser(ctx, alice); err != nil {
		t.Fatalf("re-put user: %v", err)
	}

	id, _ := NewID(now)
	created, err := st.CreateList(ctx, List{
		ID:        id,
		Name:      "Groceries",
		Owner:     alice,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Revision != 1 {
		t.Fatalf("revision=%d, want 1", created.Revision)
	}
	if _, err := st.CreateList(ctx, created); !IsConflict(err) {
		t.Fatalf("duplicate create err=%v", err)
	}

	got, err := st.FindList(ctx, id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Name != "Groceries" || got.Owner.ID != alice.ID || got.Items == nil || got.SharedWith == nil {
		t.Fatalf("loaded=%+v", got)
	}

	next := got.Clone()
	next.Items = append(next.Items, Item{ID: "i1", Name: "Milk", Quantity: 2, Category: DefaultCategory, BoughtBy: []string{}})
	next.SharedWith = append(next.SharedWith, SharedWith{User: bob, Role: RoleViewer, Status: StatusPending})
	next.UpdatedAt = now.Add(time.Minute)
	saved, err := st.SaveList(ctx, next, got.Revision)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Revision != 2 {
		t.Fatalf("revision=%d, want 2", saved.Revision)
	}

	// A writer holding the old revision loses.
	stale := got.Clone()
	stale.Name = "Overwritten"
	_, err = st.SaveList(ctx, stale, got.Revision)
	if !IsConflict(err) || !errors.Is(err, ErrStaleRevision) {
		t.Fatalf("stale save err=%v", err)
	}
	reloaded, _ := st.FindList(ctx, id)
	if reloaded.Name != "Groceries" || len(reloaded.Items) != 1 || reloaded.Revision != 2 {
		t.Fatalf("stale write leaked: %+v", reloaded)
	}
	if !reloaded.CreatedAt.Equal(now) {
		t.Fatalf("createdAt=%v, want %v", reloaded.CreatedAt, now)
	}

	// Shared-with lookup covers pending entries; unrelated users see nothing.
	for _, tc := range []struct {
		user string
		want int
	}{{alice.ID, 1}, {bob.ID, 1}, {carol.ID, 0}} {
		ls, err := st.FindListsForUser(ctx, tc.user)
		if err != nil {
			t.Fatalf("lists for %s: %v", tc.user, err)
		}
		if len(ls) != tc.want {
			t.Fatalf("lists for %s=%d, want %d", tc.user, len(ls), tc.want)
		}
	}

	ghost := reloaded.Clone()
	ghost.ID = "missing"
	if _, err := st.SaveList(ctx, ghost, 1); !IsNotFound(err) {
		t.Fatalf("save missing err=%v", err)
	}

	if err := st.DeleteList(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.FindList(ctx, id); !IsNotFound(err) {
		t.Fatalf("find after delete err=%v", err)
	}
	if err := st.DeleteList(ctx, id); !IsNotFound(err) {
		t.Fatalf("second delete err=%v", err)
	}
	if err := st.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestInMemoryStore_Contract(t *testing.T) {
	testStoreContract(t, NewInMemoryStore())
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()
	l, err := st.CreateList(ctx, List{ID: "l1", Name: "L", Owner: alice, Items: []Item{{ID: "i1", Name: "Milk"}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	l.Items[0].Name = "changed"

	got, _ := st.FindList(ctx, "l1")
	if got.Items[0].Name != "Milk" {
		t.Fatalf("caller mutation leaked into store")
	}
}
