package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	v1 "shopsync/shared/contracts/realtime/v1"
)

var (
	// ErrHubStopped is returned by hub calls after Run has returned.
	ErrHubStopped = errors.New("realtime: hub stopped")
	// ErrNotRegistered is returned when joining with a client the hub does not know.
	ErrNotRegistered = errors.New("realtime: client not registered")
	// ErrTooManyRooms caps the list rooms one connection may hold.
	ErrTooManyRooms = errors.New("realtime: too many rooms")
)

// Hub is the room registry. A single goroutine (Run) owns every map; all other
// goroutines talk to it through the command channel.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	cmds    chan func(*hubState)
	stopped chan struct{}
	runOnce sync.Once
}

type hubState struct {
	rooms  map[string]map[*Client]struct{}
	joined map[*Client]map[string]struct{}
	// pending holds reserved memberships that Broadcast skips until Activate.
	pending map[string]map[*Client]struct{}
}

// NewHub constructs a Hub. Nothing is served until Run is called.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		metrics: metrics,
		cmds:    make(chan func(*hubState)),
		stopped: make(chan struct{}),
	}
}

// Run serves hub commands until ctx is done, then closes every registered client.
// Run may only be called once; later calls return ErrHubStopped immediately.
func (h *Hub) Run(ctx context.Context) error {
	started := false
	h.runOnce.Do(func() { started = true })
	if !started {
		return ErrHubStopped
	}

	st := &hubState{
		rooms:   make(map[string]map[*Client]struct{}),
		joined:  make(map[*Client]map[string]struct{}),
		pending: make(map[string]map[*Client]struct{}),
	}
	defer func() {
		for c := range st.joined {
			c.Close()
		}
		close(h.stopped)
		h.log.Info("hub.stopped", "clients", len(st.joined))
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-h.cmds:
			fn(st)
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.stopped }

func (h *Hub) exec(ctx context.Context, fn func(*hubState)) error {
	done := make(chan struct{})
	cmd := func(st *hubState) {
		defer close(done)
		fn(st)
	}
	select {
	case h.cmds <- cmd:
	case <-h.stopped:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Register adds c to the registry and joins it to its user's private room.
func (h *Hub) Register(ctx context.Context, c *Client) error {
	return h.exec(ctx, func(st *hubState) {
		if _, ok := st.joined[c]; ok {
			return
		}
		st.joined[c] = make(map[string]struct{}, 2)
		st.add(c, UserRoom(c.UserID))
	})
}

// Unregister removes c from every room it joined. Unknown clients are ignored.
func (h *Hub) Unregister(ctx context.Context, c *Client) error {
	return h.exec(ctx, func(st *hubState) {
		for room := range st.joined[c] {
			st.remove(c, room)
		}
		delete(st.joined, c)
	})
}

// Join adds c to room. Joining a room twice is a no-op.
func (h *Hub) Join(ctx context.Context, c *Client, room string) error {
	var err error
	if xerr := h.exec(ctx, func(st *hubState) {
		if err = st.reserve(c, room); err == nil {
			st.activate(c, room)
		}
	}); xerr != nil {
		return xerr
	}
	return err
}

// Reserve adds c to room without delivering broadcasts to it. Evictions and
// room closes remove reserved members like any other. A client that is
// already an active member stays active.
func (h *Hub) Reserve(ctx context.Context, c *Client, room string) error {
	var err error
	if xerr := h.exec(ctx, func(st *hubState) {
		err = st.reserve(c, room)
	}); xerr != nil {
		return xerr
	}
	return err
}

// Activate starts delivery to a reserved member. It reports false when c was
// evicted or the room closed after Reserve.
func (h *Hub) Activate(ctx context.Context, c *Client, room string) (bool, error) {
	ok := false
	err := h.exec(ctx, func(st *hubState) {
		ok = st.activate(c, room)
	})
	return ok, err
}

// Leave removes c from room. Leaving a room that was never joined is a no-op.
func (h *Hub) Leave(ctx context.Context, c *Client, room string) error {
	return h.exec(ctx, func(st *hubState) {
		st.remove(c, room)
	})
}

// Broadcast offers env to every member of room without blocking.
// Members whose queue is full miss the event.
func (h *Hub) Broadcast(ctx context.Context, room string, env v1.Envelope) (delivered, dropped int, err error) {
	err = h.exec(ctx, func(st *hubState) {
		for c := range st.rooms[room] {
			if _, reserved := st.pending[room][c]; reserved {
				continue
			}
			if c.offer(env) {
				delivered++
			} else {
				dropped++
			}
		}
	})
	if err == nil {
		h.metrics.broadcast(env.Type, delivered, dropped)
	}
	return delivered, dropped, err
}

// EvictUser removes every connection of userID from room and returns how many were removed.
func (h *Hub) EvictUser(ctx context.Context, room, userID string) (int, error) {
	n := 0
	err := h.exec(ctx, func(st *hubState) {
		for c := range st.rooms[room] {
			if c.UserID == userID {
				st.remove(c, room)
				n++
			}
		}
	})
	return n, err
}

// CloseRoom removes every member from room.
func (h *Hub) CloseRoom(ctx context.Context, room string) (int, error) {
	n := 0
	err := h.exec(ctx, func(st *hubState) {
		for c := range st.rooms[room] {
			st.remove(c, room)
			n++
		}
	})
	return n, err
}

// Members returns the session ids currently in room, sorted.
func (h *Hub) Members(ctx context.Context, room string) ([]string, error) {
	var out []string
	err := h.exec(ctx, func(st *hubState) {
		out = make([]string, 0, len(st.rooms[room]))
		for c := range st.rooms[room] {
			out = append(out, c.SessionID)
		}
	})
	sort.Strings(out)
	return out, err
}

// Rooms returns the rooms c is in, sorted.
func (h *Hub) Rooms(ctx context.Context, c *Client) ([]string, error) {
	var out []string
	err := h.exec(ctx, func(st *hubState) {
		out = make([]string, 0, len(st.joined[c]))
		for room := range st.joined[c] {
			out = append(out, room)
		}
	})
	sort.Strings(out)
	return out, err
}

func (st *hubState) reserve(c *Client, room string) error {
	rooms, ok := st.joined[c]
	if !ok {
		return ErrNotRegistered
	}
	if _, ok := rooms[room]; ok {
		return nil
	}
	if isListRoom(room) && st.listRoomCount(c) >= maxListRoomsPerClient {
		return ErrTooManyRooms
	}
	st.add(c, room)
	set, ok := st.pending[room]
	if !ok {
		set = make(map[*Client]struct{}, 1)
		st.pending[room] = set
	}
	set[c] = struct{}{}
	return nil
}

func (st *hubState) activate(c *Client, room string) bool {
	if _, ok := st.rooms[room][c]; !ok {
		return false
	}
	st.clearPending(c, room)
	return true
}

func (st *hubState) clearPending(c *Client, room string) {
	if set, ok := st.pending[room]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(st.pending, room)
		}
	}
}

func (st *hubState) add(c *Client, room string) {
	members, ok := st.rooms[room]
	if !ok {
		members = make(map[*Client]struct{}, 4)
		st.rooms[room] = members
	}
	members[c] = struct{}{}
	st.joined[c][room] = struct{}{}
}

func (st *hubState) remove(c *Client, room string) {
	if members, ok := st.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(st.rooms, room)
		}
	}
	if rooms, ok := st.joined[c]; ok {
		delete(rooms, room)
	}
	st.clearPending(c, room)
}

func (st *hubState) listRoomCount(c *Client) int {
	n := 0
	for room := range st.joined[c] {
		if isListRoom(room) {
			n++
		}
	}
	return n
}
