package lists

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// InMemoryStore is a dev-only fallback when no database is configured.
// Documents are deep-copied on the way in and out so callers never alias stored state.
type InMemoryStore struct {
	mu      sync.Mutex
	lists   map[string]List
	users   map[string]User
	byEmail map[string]string // normalized email -> user id
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		lists:   make(map[string]List),
		users:   make(map[string]User),
		byEmail: make(map[string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Ping always succeeds for in-memory.
func (s *InMemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// CreateList inserts a new document at revision 1.
func (s *InMemoryStore) CreateList(ctx context.Context, l List) (List, error) {
	const op = "lists.InMemoryStore.CreateList"
	if err := ctx.Err(); err != nil {
		return List{}, storageErr(op, err)
	}
	if strings.TrimSpace(l.ID) == "" {
		return List{}, validationErr(op, "missing id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lists[l.ID]; ok {
		return List{}, conflictErr(op, "list id exists")
	}
	stored := l.Clone()
	stored.Revision = 1
	s.lists[l.ID] = stored
	return stored.Clone(), nil
}

// FindList returns a copy of the stored document.
func (s *InMemoryStore) FindList(ctx context.Context, id string) (List, error) {
	const op = "lists.InMemoryStore.FindList"
	if err := ctx.Err(); err != nil {
		return List{}, storageErr(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lists[id]
	if !ok {
		return List{}, notFoundErr(op, "list")
	}
	return l.Clone(), nil
}

// FindListsForUser returns lists owned by or shared with userID, newest first.
func (s *InMemoryStore) FindListsForUser(ctx context.Context, userID string) ([]List, error) {
	const op = "lists.InMemoryStore.FindListsForUser"
	if err := ctx.Err(); err != nil {
		return nil, storageErr(op, err)
	}

	s.mu.Lock()
	out := make([]List, 0, 8)
	for _, l := range s.lists {
		if l.IsOwner(userID) || l.entryIndex(userID) >= 0 {
			out = append(out, l.Clone())
		}
	}
	s.mu.Unlock()

	sortByUpdatedDesc(out)
	return out, nil
}

// SaveList replaces the document if the stored revision still equals expectedRevision.
func (s *InMemoryStore) SaveList(ctx context.Context, l List, expectedRevision int64) (List, error) {
	const op = "lists.InMemoryStore.SaveList"
	if err := ctx.Err(); err != nil {
		return List{}, storageErr(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.lists[l.ID]
	if !ok {
		return List{}, notFoundErr(op, "list")
	}
	if cur.Revision != expectedRevision {
		return List{}, staleErr(op)
	}
	stored := l.Clone()
	stored.Revision = expectedRevision + 1
	stored.CreatedAt = cur.CreatedAt
	s.lists[l.ID] = stored
	return stored.Clone(), nil
}

// DeleteList removes the document with all its items and sharing entries.
func (s *InMemoryStore) DeleteList(ctx context.Context, id string) error {
	const op = "lists.InMemoryStore.DeleteList"
	if err := ctx.Err(); err != nil {
		return storageErr(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lists[id]; !ok {
		return notFoundErr(op, "list")
	}
	delete(s.lists, id)
	return nil
}

// FindUserByEmail looks a user up by normalized email.
func (s *InMemoryStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	const op = "lists.InMemoryStore.FindUserByEmail"
	if err := ctx.Err(); err != nil {
		return User{}, storageErr(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return User{}, notFoundErr(op, "user")
	}
	return s.users[id], nil
}

// FindUserByID looks a user up by id.
func (s *InMemoryStore) FindUserByID(ctx context.Context, id string) (User, error) {
	const op = "lists.InMemoryStore.FindUserByID"
	if err := ctx.Err(); err != nil {
		return User{}, storageErr(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, notFoundErr(op, "user")
	}
	return u, nil
}

// PutUser inserts or replaces a user reference.
func (s *InMemoryStore) PutUser(ctx context.Context, u User) error {
	const op = "lists.InMemoryStore.PutUser"
	if err := ctx.Err(); err != nil {
		return storageErr(op, err)
	}
	if strings.TrimSpace(u.ID) == "" {
		return validationErr(op, "missing id")
	}
	u.Email = NormalizeEmail(u.Email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.byEmail[u.Email]; ok && u.Email != "" && owner != u.ID {
		return conflictErr(op, "email already bound to another user")
	}
	if prev, ok := s.users[u.ID]; ok && prev.Email != "" {
		delete(s.byEmail, prev.Email)
	}
	s.users[u.ID] = u
	if u.Email != "" {
		s.byEmail[u.Email] = u.ID
	}
	return nil
}

func sortByUpdatedDesc(ls []List) {
	sort.Slice(ls, func(i, j int) bool {
		if ls[i].UpdatedAt.Equal(ls[j].UpdatedAt) {
			return ls[i].ID > ls[j].ID
		}
		return ls[i].UpdatedAt.After(ls[j].UpdatedAt)
	})
}
