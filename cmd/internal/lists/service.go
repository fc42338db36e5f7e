package lists

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	v1 "shopsync/shared/contracts/realtime/v1"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("shopsync/lists")

const (
	defaultMaxAttempts = 3
	maxListNameLen     = 200
	maxItemNameLen     = 200
	maxUnitLen         = 32
	maxCategoryLen     = 64
)

// Broadcaster receives push events after the store accepted a write.
// Implementations must not block: delivery is fire-and-forget.
type Broadcaster interface {
	ToList(ctx context.Context, listID string, ev v1.Event)
	ToUser(ctx context.Context, userID string, ev v1.Event)
	// EvictFromList drops userID's connections from the list room.
	EvictFromList(ctx context.Context, listID, userID string)
	// CloseList drops every connection from the list room.
	CloseList(ctx context.Context, listID string)
}

type nopBroadcaster struct{}

func (nopBroadcaster) ToList(context.Context, string, v1.Event)      {}
func (nopBroadcaster) ToUser(context.Context, string, v1.Event)      {}
func (nopBroadcaster) EvictFromList(context.Context, string, string) {}
func (nopBroadcaster) CloseList(context.Context, string)             {}

// Service implements list, item and sharing operations.
type Service struct {
	log         *slog.Logger
	store       Store
	out         Broadcaster
	now         func() time.Time
	maxAttempts int
	metrics     *serviceMetrics
}

// Option configures the Service.
type Option func(*Service) error

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// WithBroadcaster sets the event sink. Defaults to a no-op.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) error {
		if b == nil {
			return errors.New("lists: nil broadcaster")
		}
		s.out = b
		return nil
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return errors.New("lists: nil clock")
		}
		s.now = now
		return nil
	}
}

// WithMaxAttempts bounds read-modify-write attempts on revision conflicts.
func WithMaxAttempts(n int) Option {
	return func(s *Service) error {
		if n <= 0 {
			return errors.New("lists: max attempts must be > 0")
		}
		s.maxAttempts = n
		return nil
	}
}

// WithMetrics registers the service collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Service) error {
		if reg == nil {
			return nil
		}
		return s.metrics.register(reg)
	}
}

// NewService constructs a Service with safe defaults.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("lists: nil store")
	}
	s := &Service{
		log:         slog.Default(),
		store:       store,
		out:         nopBroadcaster{},
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: defaultMaxAttempts,
		metrics:     newServiceMetrics(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ItemInput describes a new item. Nil fields take defaults.
type ItemInput struct {
	Name     string   `json:"name"`
	Quantity *float64 `json:"quantity,omitempty"`
	Unit     *string  `json:"unit,omitempty"`
	Category *string  `json:"category,omitempty"`
}

// ItemPatch is a partial item update. Nil fields are left unchanged.
type ItemPatch struct {
	Name     *string  `json:"name,omitempty"`
	Quantity *float64 `json:"quantity,omitempty"`
	Unit     *string  `json:"unit,omitempty"`
	Category *string  `json:"category,omitempty"`
	IsBought *bool    `json:"isBought,omitempty"`
}

// mutate re-reads the list, applies fn to a copy and writes it back guarded by
// the revision read. A lost race is retried up to maxAttempts times.
// When fn reports no change nothing is written and the current list is returned.
func (s *Service) mutate(ctx context.Context, op, listID string, fn func(l *List) (bool, error)) (_ List, changed bool, err error) {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("list.id", listID)))
	defer func() {
		span.SetAttributes(attribute.Bool("list.changed", changed))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, resultLabel(err))
		}
		span.End()
	}()

	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		span.SetAttributes(attribute.Int("list.attempt", attempt+1))
		cur, err := s.store.FindList(ctx, listID)
		if err != nil {
			return List{}, false, err
		}
		next := cur.Clone()
		changed, err := fn(&next)
		if err != nil {
			return List{}, false, err
		}
		if !changed {
			return cur, false, nil
		}
		next.UpdatedAt = s.now()

		saved, err := s.store.SaveList(ctx, next, cur.Revision)
		if err == nil {
			return saved, true, nil
		}
		if !errors.Is(err, ErrStaleRevision) {
			return List{}, false, err
		}
		lastErr = err
		s.metrics.retries.Inc()
		s.log.Debug("lists.mutate.retry", "op", op, "list_id", listID, "attempt", attempt+1)
	}
	s.log.Warn("lists.mutate.conflict", "op", op, "list_id", listID, "attempts", s.maxAttempts)
	return List{}, false, OpError{Op: op, Kind: ErrConflict, Msg: "list was modified concurrently", Err: lastErr}
}

// EnsureUser records the identity in the user directory so it can be found by email.
func (s *Service) EnsureUser(ctx context.Context, u User) error {
	const op = "lists.Service.EnsureUser"
	if strings.TrimSpace(u.ID) == "" {
		return validationErr(op, "missing user id")
	}
	u.Email = NormalizeEmail(u.Email)

	cur, err := s.store.FindUserByID(ctx, u.ID)
	if err == nil && cur == u {
		return nil
	}
	if err != nil && !IsNotFound(err) {
		return err
	}
	return s.store.PutUser(ctx, u)
}

// CanJoinList reports whether userID may subscribe to the list room.
// A missing list is a denial, not an error.
func (s *Service) CanJoinList(ctx context.Context, userID, listID string) (bool, error) {
	l, err := s.store.FindList(ctx, listID)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return l.CanRead(userID), nil
}

// CreateList creates an empty list owned by owner.
func (s *Service) CreateList(ctx context.Context, owner User, name string) (l List, err error) {
	const op = "lists.Service.CreateList"
	defer func() { s.metrics.observe("create_list", err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return List{}, validationErr(op, "list name is required")
	}
	if len(name) > maxListNameLen {
		return List{}, validationErr(op, "list name too long")
	}
	if owner.ID == "" {
		return List{}, validationErr(op, "missing owner")
	}

	now := s.now()
	id, err := NewID(now)
	if err != nil {
		return List{}, storageErr(op, err)
	}
	l, err = s.store.CreateList(ctx, List{
		ID:         id,
		Name:       name,
		Owner:      owner,
		Items:      []Item{},
		SharedWith: []SharedWith{},
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return List{}, err
	}

	s.out.ToUser(ctx, owner.ID, v1.ListCreated{ListID: l.ID, List: ToWireList(l)})
	s.log.Info("lists.create.ok", "list_id", l.ID, "user_id", owner.ID)
	return l, nil
}

// Lists returns the lists userID may read, most recently updated first.
func (s *Service) Lists(ctx context.Context, userID string) ([]List, error) {
	all, err := s.store.FindListsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]List, 0, len(all))
	for _, l := range all {
		if l.CanRead(userID) {
			out = append(out, l)
		}
	}
	return out, nil
}

// GetList returns one list if userID may read it.
func (s *Service) GetList(ctx context.Context, userID, listID string) (List, error) {
	const op = "lists.Service.GetList"
	l, err := s.store.FindList(ctx, listID)
	if err != nil {
		return List{}, err
	}
	if !l.CanRead(userID) {
		return List{}, forbiddenErr(op, "not a member of this list")
	}
	return l, nil
}

// AddItem appends a new item and announces it to the list room.
func (s *Service) AddItem(ctx context.Context, actor User, listID string, in ItemInput) (it Item, err error) {
	const op = "lists.Service.AddItem"
	defer func() { s.metrics.observe("add_item", err) }()

	it = Item{
		Name:     strings.TrimSpace(in.Name),
		Quantity: 1,
		Category: DefaultCategory,
		BoughtBy: []string{},
	}
	if in.Quantity != nil {
		it.Quantity = *in.Quantity
	}
	if in.Unit != nil {
		it.Unit = strings.TrimSpace(*in.Unit)
	}
	if in.Category != nil {
		if c := strings.TrimSpace(*in.Category); c != "" {
			it.Category = c
		}
	}
	if err := validateItem(op, it); err != nil {
		return Item{}, err
	}

	it.ID, err = NewID(s.now())
	if err != nil {
		return Item{}, storageErr(op, err)
	}

	_, _, err = s.mutate(ctx, op, listID, func(l *List) (bool, error) {
		if !l.CanEdit(actor.ID) {
			return false, forbiddenErr(op, "editor access required")
		}
		l.Items = append(l.Items, it)
		return true, nil
	})
	if err != nil {
		return Item{}, err
	}

	s.out.ToList(ctx, listID, v1.ItemAdded{ListID: listID, Item: ToWireItem(it)})
	return it, nil
}

// UpdateItem applies a partial update. A patch with no effective change
// returns the current item without writing or emitting.
func (s *Service) UpdateItem(ctx context.Context, actor User, listID, itemID string, p ItemPatch) (it Item, err error) {
	const op = "lists.Service.UpdateItem"
	defer func() { s.metrics.observe("update_item", err) }()

	_, changed, err := s.mutate(ctx, op, listID, func(l *List) (bool, error) {
		if !l.CanEdit(actor.ID) {
			return false, forbiddenErr(op, "editor access required")
		}
		i := l.itemIndex(itemID)
		if i < 0 {
			return false, notFoundErr(op, "item")
		}
		next, changed := applyPatch(l.Items[i], p, actor.ID)
		if err := validateItem(op, next); err != nil {
			return false, err
		}
		l.Items[i] = next
		it = next
		return changed, nil
	})
	if err != nil {
		return Item{}, err
	}
	if changed {
		s.out.ToList(ctx, listID, v1.ItemUpdated{ListID: listID, Item: ToWireItem(it)})
	}
	return it, nil
}

// ToggleBought flips the bought flag of one item.
func (s *Service) ToggleBought(ctx context.Context, actor User, listID, itemID string) (it Item, err error) {
	const op = "lists.Service.ToggleBought"
	defer func() { s.metrics.observe("toggle_bought", err) }()

	_, _, err = s.mutate(ctx, op, listID, func(l *List) (bool, error) {
		if !l.CanEdit(actor.ID) {
			return false, forbiddenErr(op, "editor access required")
		}
		i := l.itemIndex(itemID)
		if i < 0 {
			return false, notFoundErr(op, "item")
		}
		bought := !l.Items[i].IsBought
		l.Items[i], _ = applyPatch(l.Items[i], ItemPatch{IsBought: &bought}, actor.ID)
		it = l.Items[i]
		return true, nil
	})
	if err != nil {
		return Item{}, err
	}
	s.out.ToList(ctx, listID, v1.ItemUpdated{ListID: listID, Item: ToWireItem(it)})
	return it, nil
}

// RemoveItem deletes one item.
func (s *Service) RemoveItem(ctx context.Context, actor User, listID, itemID string) (err error) {
	const op = "lists.Service.RemoveItem"
	defer func() { s.metrics.observe("remove_item", err) }()

	_, _, err = s.mutate(ctx, op, listID, func(l *List) (bool, error) {
		if !l.CanEdit(actor.ID) {
			return false, forbiddenErr(op, "editor access required")
		}
		i := l.itemIndex(itemID)
		if i < 0 {
			return false, notFoundErr(op, "item")
		}
		l.Items = append(l.Items[:i], l.Items[i+1:]...)
		return true, nil
	})
	if err != nil {
		return err
	}
	s.out.ToList(ctx, listID, v1.ItemDeleted{ListID: listID, ItemID: itemID})
	return nil
}

// RemoveDuplicates folds items with the same case-insensitive trimmed name.
// A removed count of 0 is a normal result and emits nothing.
func (s *Service) RemoveDuplicates(ctx context.Context, actor User, listID string) (l List, removed int, err error) {
	const op = "lists.Service.RemoveDuplicates"
	defer func() { s.metrics.observe("remove_duplicates", err) }()

	l, changed, err := s.mutate(ctx, op, listID, func(l *List) (bool, error) {
		if !l.CanEdit(actor.ID) {
			return false, forbiddenErr(op, "editor access required")
		}
		l.Items, removed = removeDuplicates(l.Items)
		return removed > 0, nil
	})
	if err != nil {
		return List{}, 0, err
	}
	if changed {
		s.out.ToList(ctx, listID, v1.ListUpdate{ListID: listID, List: ToWireList(l)})
	}
	return l, removed, nil
}

// DeleteList removes the list with its items and sharing entries. Owner only.
func (s *Service) DeleteList(ctx context.Context, actor User, listID string) (err error) {
	const op = "lists.Service.DeleteList"
	defer func() { s.metrics.observe("delete_list", err) }()

	l, err := s.store.FindList(ctx, listID)
	if err != nil {
		return err
	}
	if !l.IsOwner(actor.ID) {
		return forbiddenErr(op, "only the owner can delete a list")
	}
	if err := s.store.DeleteList(ctx, listID); err != nil {
		return err
	}

	ev := v1.ListDeleted{ListID: listID}
	s.out.ToList(ctx, listID, ev)
	s.out.ToUser(ctx, l.Owner.ID, ev)
	s.out.CloseList(ctx, listID)
	s.log.Info("lists.delete.ok", "list_id", listID, "user_id", actor.ID)
	return nil
}

func validateItem(op string, it Item) error {
	switch {
	case it.Name == "":
		return validationErr(op, "item name is required")
	case len(it.Name) > maxItemNameLen:
		return validationErr(op, "item name too long")
	case it.Quantity <= 0:
		return validationErr(op, "quantity must be positive")
	case len(it.Unit) > maxUnitLen:
		return validationErr(op, "unit too long")
	case len(it.Category) > maxCategoryLen:
		return validationErr(op, "category too long")
	}
	return nil
}

// applyPatch returns the patched item and whether anything changed.
// Marking bought records actorID in BoughtBy; unmarking clears it.
func applyPatch(it Item, p ItemPatch, actorID string) (Item, bool) {
	out := it
	out.BoughtBy = append([]string{}, it.BoughtBy...)
	changed := false

	if p.Name != nil {
		if n := strings.TrimSpace(*p.Name); n != out.Name {
			out.Name = n
			changed = true
		}
	}
	if p.Quantity != nil && *p.Quantity != out.Quantity {
		out.Quantity = *p.Quantity
		changed = true
	}
	if p.Unit != nil {
		if u := strings.TrimSpace(*p.Unit); u != out.Unit {
			out.Unit = u
			changed = true
		}
	}
	if p.Category != nil {
		c := strings.TrimSpace(*p.Category)
		if c == "" {
			c = DefaultCategory
		}
		if c != out.Category {
			out.Category = c
			changed = true
		}
	}
	if p.IsBought != nil && *p.IsBought != out.IsBought {
		out.IsBought = *p.IsBought
		if out.IsBought {
			if actorID != "" && !containsString(out.BoughtBy, actorID) {
				out.BoughtBy = append(out.BoughtBy, actorID)
			}
		} else {
			out.BoughtBy = []string{}
		}
		changed = true
	}
	return out, changed
}
