// Package lists owns shared shopping lists: the list document, item mutations,
// the sharing/invitation state machine and the document stores behind them.
//
// Every mutation follows validate -> persist -> emit. Push events are handed to a
// Broadcaster strictly after the store accepted the write.
package lists

import (
	"fmt"
	"strings"
	"time"
)

// Role is the privilege a shared user holds on a list.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
)

// ParseRole validates a wire role value.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleViewer, RoleEditor:
		return r, nil
	default:
		return "", OpError{Op: "lists.ParseRole", Kind: ErrValidation, Msg: fmt.Sprintf("unknown role %q", s)}
	}
}

// Status is the invitation state of a sharing entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
)

// DefaultCategory is applied to items created without a category.
const DefaultCategory = "Uncategorized"

// User is a reference to an account owned by the external auth system.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Item is one entry of a list. ID is unique within its list.
type Item struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Quantity float64  `json:"quantity"`
	Unit     string   `json:"unit"`
	Category string   `json:"category"`
	IsBought bool     `json:"isBought"`
	BoughtBy []string `json:"boughtBy"`
}

// SharedWith is the per-user sharing entry. At most one exists per (list, user).
type SharedWith struct {
	User   User   `json:"user"`
	Role   Role   `json:"role"`
	Status Status `json:"status"`
}

// List is the persisted document. The owner never appears in SharedWith.
type List struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Owner      User         `json:"owner"`
	Items      []Item       `json:"items"`
	SharedWith []SharedWith `json:"sharedWith"`
	Revision   int64        `json:"revision"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (l List) Clone() List {
	out := l
	out.Items = make([]Item, len(l.Items))
	for i, it := range l.Items {
		it.BoughtBy = append([]string(nil), it.BoughtBy...)
		out.Items[i] = it
	}
	out.SharedWith = append([]SharedWith(nil), l.SharedWith...)
	if out.SharedWith == nil {
		out.SharedWith = []SharedWith{}
	}
	return out
}

// IsOwner reports whether userID owns the list.
func (l List) IsOwner(userID string) bool {
	return userID != "" && l.Owner.ID == userID
}

func (l List) entryIndex(userID string) int {
	for i, e := range l.SharedWith {
		if e.User.ID == userID {
			return i
		}
	}
	return -1
}

// Entry returns the sharing entry for userID, if any.
func (l List) Entry(userID string) (SharedWith, bool) {
	i := l.entryIndex(userID)
	if i < 0 {
		return SharedWith{}, false
	}
	return l.SharedWith[i], true
}

// CanRead reports whether userID may read the list and join its room.
func (l List) CanRead(userID string) bool {
	if l.IsOwner(userID) {
		return true
	}
	e, ok := l.Entry(userID)
	return ok && e.Status == StatusAccepted
}

// CanEdit reports whether userID may mutate items.
func (l List) CanEdit(userID string) bool {
	if l.IsOwner(userID) {
		return true
	}
	e, ok := l.Entry(userID)
	return ok && e.Status == StatusAccepted && e.Role == RoleEditor
}

func (l List) itemIndex(itemID string) int {
	for i, it := range l.Items {
		if it.ID == itemID {
			return i
		}
	}
	return -1
}

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
