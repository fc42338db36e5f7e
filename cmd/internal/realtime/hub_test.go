package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "shopsync/shared/contracts/realtime/v1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHub(t *testing.T) *Hub {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(discardLogger(), nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func mustRegister(t *testing.T, h *Hub, userID, sessionID string, queue int) *Client {
	t.Helper()
	c := NewClient(userID, sessionID, queue)
	if err := h.Register(context.Background(), c); err != nil {
		t.Fatalf("Register(%s): %v", sessionID, err)
	}
	return c
}

func testEnvelope(typ string) v1.Envelope {
	return v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC()}
}

func drain(c *Client) []string {
	var out []string
	for {
		select {
		case env := <-c.Send:
			out = append(out, env.Type)
		default:
			return out
		}
	}
}

func TestHub_RegisterJoinsUserRoom(t *testing.T) {
	ctx := context.Background()
	h := startHub(t)

	c := mustRegister(t, h, "u1", "s1", 8)
	rooms, err := h.Rooms(ctx, c)
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0] != UserRoom("u1") {
		t.Fatalf("rooms=%v", rooms)
	}

	// Registering twice keeps a single membership.
	if err := h.Register(ctx, c); err != nil {
		t.Fatalf("Register again: %v", err)
	}
	members, _ := h.Members(ctx, UserRoom("u1"))
	if len(members) != 1 {
		t.Fatalf("members=%v", members)
	}
}

func TestHub_JoinLeaveIdempotent(t *testing.T) {
	ctx := context.Background()
	h := startHub(t)
	c := mustRegister(t, h, "u1", "s1", 8)
	room := ListRoom("l1")

	for i := 0; i < 2; i++ {
		if err := h.Join(ctx, c, room); err != nil {
			t.Fatalf("Join #%d: %v", i, err)
		}
	}
	members, _ := h.Members(ctx, room)
	if len(members) != 1 || members[0] != "s1" {
		t.Fatalf("members=%v", members)
	}

	for i := 0; i < 2; i++ {
		if err := h.Leave(ctx, c, room); err != nil {
			t.Fatalf("Leave #%d: %v", i, err)
		}
	}
	if members, _ := h.Members(ctx, room); len(members) != 0 {
		t.Fatalf("members after leave=%v", members)
	}
	if err := h.Leave(ctx, c, ListRoom("never-joined")); err != nil {
		t.Fatalf("Leave unknown room: %v", err)
	}
}

func TestHub_JoinRequiresRegistration(t *testing.T) {
	h := startHub(t)
	c := NewClient("u1", "s1", 8)

	err := h.Join(context.Background(), c, ListRoom("l1"))
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("err=%v want ErrNotRegistered", err)
	}
}

func TestHub_JoinCapsListRooms(t *testing.T) {
	ctx := context.Background()
	h := startHub(t)
	c := mustRegister(t, h, "u1", "s1", 8)

	for i := 0; i < maxListRoomsPerClient; i++ {
		if err := h.Join(ctx, c, ListRoom(fmt.Sprintf("l%d", i))); err != nil {
			t.Fatalf("Join %d: %v", i, err)
		}
	}
	if err := h.Join(ctx, c, ListRoom("one-too-many")); !errors.Is(err, ErrTooManyRooms) {
		t.Fatalf("err=%v want ErrTooManyRooms", err)
	}
	// Rejoining a held room is still fine.
	if err := h.Join(ctx, c, ListRoom("l0")); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
}

func TestHub_ReservedMemberGetsNoBroadcastUntilActivated(t *testing.T) {
	ctx := context.Background()
	h := startHub(t)
	c := mustRegister(t, h, "u1", "s1", 8)
	room := ListRoom("l1")

	if err := h.Reserve(ctx, c, room); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if members, _ := h.Members(ctx, room); len(members) != 1 {
		t.Fatalf("members=%v", members)
	}
	if _, _, err := h.Broadcast(ctx, room, testEnvelope(v1.TypeItemAdded)); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if got := drain(c); len(got) != 0 {
		t.Fatalf("reserved member got %v", got)
	}

	ok, err := h.Activate(ctx, c, room)
	if err != nil || !ok {
		t.Fatalf("Activate=%v err=%v", ok, err)
	}
	if _, _, err := h.Broadcast(ctx, room, testEnvelope(v1.TypeItemAdded)); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if got := drain(c); len(got) != 1 || got[0] != v1.TypeItemAdded {
		t.Fatalf("active member got %v", got)
	}
}

func TestHub_ActivateAfterEviction(t *testing.T) {
	ctx := context.Background()
	room := ListRoom("l1")

	tests := []struct {
		name   string
		remove func(h *Hub, c *Client) error
	}{
		{"evicted", func(h *Hub, c *Client) error {
			_, err := h.EvictUser(ctx, room, c.UserID)
			return err
		}},
		{"room closed", func(h *Hub, c *Client) error {
			_, err := h.CloseRoom(ctx, room)
			return err
		}},
		{"left", func(h *Hub, c *Client) error {
			return h.Leave(ctx, c, room)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startHub(t)
			c := mustRegister(t, h, "u1", "s1", 8)
			if err := h.Reserve(ctx, c, room); err != nil {
				t.Fatalf("Reserve: %v", err)
			}
			if err := tt.remove(h, c); err != nil {
				t.Fatalf("remove: %v", err)
			}
			ok, err := h.Activate(ctx, c, room)
			if err != nil {
				t.Fatalf("Activate: %v", err)
			}
			if ok {
				t.Fatal("Activate succeeded after removal")
			}
			if members, _ := h.Members(ctx, room); len(members) != 0 {
				t.Fatalf("members=%v", members)
			}
		})
	}
}

func TestHub_ReserveKeepsActiveMemberActive(t *testing.T) {
	ctx := context.Background()
	h := startHub(t)
	c := mustRegister(t, h, "u1", "s1", 8)
	room := ListRoom("l1")

	if err := h.Join(ctx, c, room); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := h.Reserve(ctx, c, room); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, _, err := h.Broadcast(ctx, room, testEnvelope(v1.TypeItemAdded)); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if got := drain(c); len(got) != 1 {
		t.Fatalf("got %v", got)
	}
}

func TestHub_BroadcastScopedToRoom(t *testing.T) {
	ctx := context.Background()
	h := startHub(t)

	a := mustRegister(t, h, "u1", "a", 8)
	b := mustRegister(t, h, "u2", "b", 8)
	if err := h.Join(ctx, a, ListRoom("l1")); err != nil {
		t.Fatalf("Join: %v", err)
	}

	delivered, dropped, err := h.Broadcast(ctx, ListRoom("l1"), testEnvelope(v1.TypeItemAdded))
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if delivered != 1 || dropped != 0 {
		t.Fatalf("delivered=%d dropped=%d", delivered, dropped)
	}
	if got := drain(a); len(got) != 1 || got[0] != v1.TypeItemAdded {
		t.Fatalf("a got %v", got)
	}
	if got := drain(b); len(got) != 0 {
		t.Fatalf("b got %v", got)
	}

	if delivered, _, _ := h.Broadcast(ctx, ListRoom("empty"), testEnvelope(v1.TypeItemAdded)); delivered != 0 {
		t.Fatalf("empty room delivered=%d", delivered)
	}
}

func TestHub_BroadcastDropsWhenQueueFull(t *testing.T) {
	ctx := context.Background()
	h := startHub(t)

	slow := mustRegister(t, h, "u1", "slow", 1)
	room := UserRoom("u1")

	if d, _, _ := h.Broadcast(ctx, room, testEnvelope(v1.TypeInvitePending)); d != 1 {
		t.Fatalf("first broadcast delivered=%d", d)
	}
	delivered, dropped, err := h.Broadcast(ctx, room, testEnvelope(v1.TypeInvitePending))
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if delivered != 0 || dropped != 1 {
		t.Fatalf("delivered=%d dropped=%d", delivered, dropped)
	}
	if got := drain(slow); len(got) != 1 {
		t.Fatalf("queue=%v", got)
	}
}

func TestHub_EvictUserOnlyRemovesThatUser(t *testing.T) {
	ctx := context.Background()
	h := startHub(t)
	room := ListRoom("l1")

	owner := mustRegister(t, h, "owner", "o", 8)
	guest1 := mustRegister(t, h, "guest", "g1", 8)
	guest2 := mustRegister(t, h, "guest", "g2", 8)
	for _, c := range []*Client{owner, guest1, guest2} {
		if err := h.Join(ctx, c, room); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}

	n, err := h.EvictUser(ctx, room, "guest")
	if err != nil || n != 2 {
		t.Fatalf("EvictUser n=%d err=%v", n, err)
	}
	members, _ := h.Members(ctx, room)
	if len(members) != 1 || members[0] != "o" {
		t.Fatalf("members=%v", members)
	}
	// The private room is untouched.
	if rooms, _ := h.Rooms(ctx, guest1); len(rooms) != 1 || rooms[0] != UserRoom("guest") {
		t.Fatalf("guest rooms=%v", rooms)
	}
}

func TestHub_CloseRoomAndUnregister(t *testing.T) {
	ctx := context.Background()
	h := startHub(t)
	room := ListRoom("l1")

	a := mustRegister(t, h, "u1", "a", 8)
	b := mustRegister(t, h, "u2", "b", 8)
	_ = h.Join(ctx, a, room)
	_ = h.Join(ctx, b, room)

	if n, err := h.CloseRoom(ctx, room); err != nil || n != 2 {
		t.Fatalf("CloseRoom n=%d err=%v", n, err)
	}
	if members, _ := h.Members(ctx, room); len(members) != 0 {
		t.Fatalf("members=%v", members)
	}

	if err := h.Unregister(ctx, a); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if members, _ := h.Members(ctx, UserRoom("u1")); len(members) != 0 {
		t.Fatalf("user room members=%v", members)
	}
	if err := h.Unregister(ctx, a); err != nil {
		t.Fatalf("Unregister twice: %v", err)
	}
}

func TestHub_StopClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(discardLogger(), nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()

	c := NewClient("u1", "s1", 8)
	if err := h.Register(context.Background(), c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cancel()
	<-done

	select {
	case <-c.Done():
	default:
		t.Fatalf("client not closed after hub stop")
	}
	if err := h.Join(context.Background(), c, ListRoom("l1")); !errors.Is(err, ErrHubStopped) {
		t.Fatalf("Join after stop err=%v", err)
	}
	if _, _, err := h.Broadcast(context.Background(), UserRoom("u1"), testEnvelope(v1.TypeListDeleted)); !errors.Is(err, ErrHubStopped) {
		t.Fatalf("Broadcast after stop err=%v", err)
	}
	if err := h.Run(context.Background()); !errors.Is(err, ErrHubStopped) {
		t.Fatalf("second Run err=%v", err)
	}
}

func TestEmitter_EncodesAndRoutes(t *testing.T) {
	ctx := context.Background()
	h := startHub(t)
	em := NewEmitter(discardLogger(), h)

	member := mustRegister(t, h, "u1", "s1", 8)
	if err := h.Join(ctx, member, ListRoom("l1")); err != nil {
		t.Fatalf("Join: %v", err)
	}

	em.ToList(ctx, "l1", v1.ItemDeleted{ListID: "l1", ItemID: "i1"})
	em.ToUser(ctx, "u1", v1.ListAccessRemoved{ListID: "l2"})

	env := <-member.Send
	ev, err := v1.DecodeEvent(env)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if del, ok := ev.(v1.ItemDeleted); !ok || del.ItemID != "i1" {
		t.Fatalf("first event=%#v", ev)
	}
	if env.ID == "" || env.V != v1.Version {
		t.Fatalf("envelope=%+v", env)
	}
	if env := <-member.Send; env.Type != v1.TypeListAccessRemoved {
		t.Fatalf("second type=%q", env.Type)
	}

	em.EvictFromList(ctx, "l1", "u1")
	if members, _ := h.Members(ctx, ListRoom("l1")); len(members) != 0 {
		t.Fatalf("members after evict=%v", members)
	}
}

func TestEmitter_CancelledContextStillDelivers(t *testing.T) {
	h := startHub(t)
	em := NewEmitter(discardLogger(), h)
	c := mustRegister(t, h, "u1", "s1", 8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	em.ToUser(ctx, "u1", v1.ListDeleted{ListID: "l1"})

	if got := drain(c); len(got) != 1 || got[0] != v1.TypeListDeleted {
		t.Fatalf("got %v", got)
	}
}
