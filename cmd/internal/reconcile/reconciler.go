// Package reconcile is the consumer side of the realtime protocol.
//
// Push events are hints layered on an authoritative read: the Reconciler merges
// events into a local cache, and Resync replaces that cache from the REST read
// path after every (re)connect.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"

	v1 "shopsync/shared/contracts/realtime/v1"
)

// Notice reasons surfaced when the open list disappears.
const (
	NoticeDeleted       = "deleted"
	NoticeAccessRemoved = "access_removed"
)

// Notice tells the UI why the open list was closed.
type Notice struct {
	ListID string
	Reason string
}

// Snapshot is a copy of the reconciled state.
type Snapshot struct {
	Lists       []v1.List
	Open        *v1.List
	Invitations []v1.Invitation
}

// Reconciler is the local cache for one signed-in user. Safe for concurrent use.
type Reconciler struct {
	userID string
	fetch  Fetcher

	mu      sync.Mutex
	index   []v1.List
	open    *v1.List
	invites []v1.Invitation
	rooms   map[string]struct{}
	notices []Notice
}

// NewReconciler returns an empty cache for userID.
func NewReconciler(userID string, fetch Fetcher) *Reconciler {
	return &Reconciler{
		userID: userID,
		fetch:  fetch,
		rooms:  make(map[string]struct{}),
	}
}

// Apply merges ev and reports whether the local state changed.
// Item events for a list that is not open are ignored; nothing is buffered.
func (r *Reconciler) Apply(ev v1.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case v1.ItemAdded:
		return r.upsertOpenItem(e.ListID, e.Item)
	case v1.ItemUpdated:
		return r.upsertOpenItem(e.ListID, e.Item)
	case v1.ItemDeleted:
		if !r.isOpen(e.ListID) {
			return false
		}
		for i, it := range r.open.Items {
			if it.ID == e.ItemID {
				r.open.Items = append(r.open.Items[:i], r.open.Items[i+1:]...)
				return true
			}
		}
		return false

	case v1.ListCreated:
		r.upsertIndex(e.List)
		return true
	case v1.ListUpdate:
		return r.replaceList(e.List)
	case v1.RoleChanged:
		return r.replaceList(e.List)
	case v1.ListSharedWithYou:
		r.dropInvite(e.ListID)
		r.upsertIndex(e.List)
		if r.isOpen(e.ListID) {
			l := cloneList(e.List)
			r.open = &l
		}
		return true

	case v1.ListDeleted:
		return r.forget(e.ListID, NoticeDeleted)
	case v1.ListAccessRemoved:
		return r.forget(e.ListID, NoticeAccessRemoved)

	case v1.InvitePending:
		r.dropInvite(e.ListID)
		r.invites = append(r.invites, e.Invitation)
		return true
	case v1.InviteResponded:
		changed := false
		if e.UserID == r.userID {
			changed = r.dropInvite(e.ListID)
		}
		if r.replaceList(e.List) {
			changed = true
		}
		return changed
	}
	return false
}

// Open fetches listID and makes it the open list. The caller joins the room
// and waits for the join echo first, so every change after the read arrives as an event.
func (r *Reconciler) Open(ctx context.Context, listID string) (v1.List, error) {
	l, err := r.fetch.List(ctx, listID)
	if err != nil {
		return v1.List{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = &l
	r.rooms[listID] = struct{}{}
	r.upsertIndexLocked(l, false)
	return cloneList(l), nil
}

// CloseOpen forgets the open list and returns its id ("" when none was open).
func (r *Reconciler) CloseOpen() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open == nil {
		return ""
	}
	id := r.open.ID
	delete(r.rooms, id)
	r.open = nil
	return id
}

// Rooms returns the list rooms to rejoin after a reconnect.
func (r *Reconciler) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resync replaces the cache from the authoritative read path. An open list that
// can no longer be read is closed with a notice.
func (r *Reconciler) Resync(ctx context.Context) error {
	index, err := r.fetch.Lists(ctx)
	if err != nil {
		return err
	}
	invites, err := r.fetch.Invitations(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	openID := ""
	if r.open != nil {
		openID = r.open.ID
	}
	r.mu.Unlock()

	var (
		open *v1.List
		gone bool
	)
	if openID != "" {
		l, err := r.fetch.List(ctx, openID)
		switch {
		case errors.Is(err, ErrGone):
			gone = true
		case err != nil:
			return err
		default:
			open = &l
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = index
	r.invites = invites
	// The open list may have changed while fetching; only touch it if it is still the same.
	if r.open != nil && r.open.ID == openID {
		if gone {
			r.open = nil
			delete(r.rooms, openID)
			r.notices = append(r.notices, Notice{ListID: openID, Reason: NoticeAccessRemoved})
		} else if open != nil {
			r.open = open
		}
	}
	return nil
}

// Snapshot returns a deep copy of the current state.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		Lists:       make([]v1.List, 0, len(r.index)),
		Invitations: append([]v1.Invitation(nil), r.invites...),
	}
	for _, l := range r.index {
		s.Lists = append(s.Lists, cloneList(l))
	}
	if r.open != nil {
		l := cloneList(*r.open)
		s.Open = &l
	}
	return s
}

// TakeNotices returns and clears pending notices.
func (r *Reconciler) TakeNotices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.notices
	r.notices = nil
	return out
}

func (r *Reconciler) isOpen(listID string) bool {
	return r.open != nil && r.open.ID == listID
}

func (r *Reconciler) upsertOpenItem(listID string, it v1.Item) bool {
	if !r.isOpen(listID) {
		return false
	}
	for i := range r.open.Items {
		if r.open.Items[i].ID == it.ID {
			r.open.Items[i] = it
			return true
		}
	}
	r.open.Items = append(r.open.Items, it)
	return true
}

// replaceList swaps in a full list document wherever it is cached.
func (r *Reconciler) replaceList(l v1.List) bool {
	if l.ID == "" {
		return false
	}
	changed := r.upsertIndexLocked(l, false)
	if r.isOpen(l.ID) {
		c := cloneList(l)
		r.open = &c
		changed = true
	}
	return changed
}

func (r *Reconciler) upsertIndex(l v1.List) {
	r.upsertIndexLocked(l, true)
}

// upsertIndexLocked replaces l in the index. When insert is set, a missing list
// is added at the front (newest first); otherwise missing lists are left out.
func (r *Reconciler) upsertIndexLocked(l v1.List, insert bool) bool {
	for i := range r.index {
		if r.index[i].ID == l.ID {
			r.index[i] = cloneList(l)
			return true
		}
	}
	if !insert {
		return false
	}
	r.index = append([]v1.List{cloneList(l)}, r.index...)
	return true
}

func (r *Reconciler) dropInvite(listID string) bool {
	for i, inv := range r.invites {
		if inv.ListID == listID {
			r.invites = append(r.invites[:i], r.invites[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Reconciler) forget(listID, reason string) bool {
	changed := r.dropInvite(listID)
	for i := range r.index {
		if r.index[i].ID == listID {
			r.index = append(r.index[:i], r.index[i+1:]...)
			changed = true
			break
		}
	}
	if r.isOpen(listID) {
		r.open = nil
		r.notices = append(r.notices, Notice{ListID: listID, Reason: reason})
		changed = true
	}
	delete(r.rooms, listID)
	return changed
}

func cloneList(l v1.List) v1.List {
	out := l
	out.Items = append([]v1.Item(nil), l.Items...)
	for i := range out.Items {
		out.Items[i].BoughtBy = append([]string(nil), l.Items[i].BoughtBy...)
	}
	out.SharedWith = append([]v1.SharedWith(nil), l.SharedWith...)
	return out
}
