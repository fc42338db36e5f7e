package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is the closed set of room-scoped notifications pushed by the server.
// Only types declared in this package implement it.
type Event interface {
	EventType() string
	EventListID() string
	isEvent()
}

// ListCreated is delivered to the owner's private room when a list is created.
type ListCreated struct {
	ListID string `json:"listId"`
	List   List   `json:"list"`
}

// ListUpdate carries the full list after a membership, role or bulk item change.
type ListUpdate struct {
	ListID string `json:"listId"`
	List   List   `json:"list"`
}

// ListDeleted is delivered to the list room and the owner's private room.
type ListDeleted struct {
	ListID string `json:"listId"`
}

// ItemAdded carries the full new item.
type ItemAdded struct {
	ListID string `json:"listId"`
	Item   Item   `json:"item"`
}

// ItemUpdated carries the full updated item (also used for bought toggles).
type ItemUpdated struct {
	ListID string `json:"listId"`
	Item   Item   `json:"item"`
}

// ItemDeleted identifies a removed item.
type ItemDeleted struct {
	ListID string `json:"listId"`
	ItemID string `json:"itemId"`
}

// InvitePending is delivered to the invitee's private room.
type InvitePending struct {
	ListID     string     `json:"listId"`
	Invitation Invitation `json:"invitation"`
}

// InviteResponded reports an accept/decline to the owner and the responder.
type InviteResponded struct {
	ListID string `json:"listId"`
	UserID string `json:"userId"`
	Status string `json:"status"`
	List   List   `json:"list"`
}

// RoleChanged is delivered to the affected user's private room.
type RoleChanged struct {
	ListID string `json:"listId"`
	UserID string `json:"userId"`
	Role   string `json:"role"`
	List   List   `json:"list"`
}

// ListAccessRemoved is delivered to a revoked user's private room.
type ListAccessRemoved struct {
	ListID string `json:"listId"`
}

// ListSharedWithYou is delivered to a user who just accepted an invitation.
type ListSharedWithYou struct {
	ListID string `json:"listId"`
	List   List   `json:"list"`
}

func (ListCreated) EventType() string       { return TypeListCreated }
func (ListUpdate) EventType() string        { return TypeListUpdate }
func (ListDeleted) EventType() string       { return TypeListDeleted }
func (ItemAdded) EventType() string         { return TypeItemAdded }
func (ItemUpdated) EventType() string       { return TypeItemUpdated }
func (ItemDeleted) EventType() string       { return TypeItemDeleted }
func (InvitePending) EventType() string     { return TypeInvitePending }
func (InviteResponded) EventType() string   { return TypeInviteResponded }
func (RoleChanged) EventType() string       { return TypeRoleChanged }
func (ListAccessRemoved) EventType() string { return TypeListAccessRemoved }
func (ListSharedWithYou) EventType() string { return TypeListSharedWithYou }

func (e ListCreated) EventListID() string       { return e.ListID }
func (e ListUpdate) EventListID() string        { return e.ListID }
func (e ListDeleted) EventListID() string       { return e.ListID }
func (e ItemAdded) EventListID() string         { return e.ListID }
func (e ItemUpdated) EventListID() string       { return e.ListID }
func (e ItemDeleted) EventListID() string       { return e.ListID }
func (e InvitePending) EventListID() string     { return e.ListID }
func (e InviteResponded) EventListID() string   { return e.ListID }
func (e RoleChanged) EventListID() string       { return e.ListID }
func (e ListAccessRemoved) EventListID() string { return e.ListID }
func (e ListSharedWithYou) EventListID() string { return e.ListID }

func (ListCreated) isEvent()       {}
func (ListUpdate) isEvent()        {}
func (ListDeleted) isEvent()       {}
func (ItemAdded) isEvent()         {}
func (ItemUpdated) isEvent()       {}
func (ItemDeleted) isEvent()       {}
func (InvitePending) isEvent()     {}
func (InviteResponded) isEvent()   {}
func (RoleChanged) isEvent()       {}
func (ListAccessRemoved) isEvent() {}
func (ListSharedWithYou) isEvent() {}

var eventDecoders = map[string]func(json.RawMessage) (Event, error){
	TypeListCreated:       decodeAs[ListCreated],
	TypeListUpdate:        decodeAs[ListUpdate],
	TypeListDeleted:       decodeAs[ListDeleted],
	TypeItemAdded:         decodeAs[ItemAdded],
	TypeItemUpdated:       decodeAs[ItemUpdated],
	TypeItemToggled:       decodeAs[ItemUpdated],
	TypeItemDeleted:       decodeAs[ItemDeleted],
	TypeInvitePending:     decodeAs[InvitePending],
	TypeInviteResponded:   decodeAs[InviteResponded],
	TypeRoleChanged:       decodeAs[RoleChanged],
	TypeYourRoleChanged:   decodeAs[RoleChanged],
	TypeListAccessRemoved: decodeAs[ListAccessRemoved],
	TypeListSharedWithYou: decodeAs[ListSharedWithYou],
}

func decodeAs[T Event](raw json.RawMessage) (Event, error) {
	var ev T
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	if strings.TrimSpace(ev.EventListID()) == "" {
		return nil, errors.New("missing listId")
	}
	return ev, nil
}

// IsEventType reports whether typ names an event (including aliases).
func IsEventType(typ string) bool {
	_, ok := eventDecoders[typ]
	return ok
}

// EncodeEvent wraps an event into an envelope.
func EncodeEvent(ev Event, id string, ts time.Time) (Envelope, error) {
	if ev == nil {
		return Envelope{}, errors.New("nil event")
	}
	if strings.TrimSpace(ev.EventListID()) == "" {
		return Envelope{}, fmt.Errorf("%s: missing listId", ev.EventType())
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		V:       Version,
		Type:    ev.EventType(),
		ID:      id,
		TS:      ts,
		Payload: b,
	}, nil
}

// DecodeEvent parses the payload of an event envelope into its concrete type.
func DecodeEvent(env Envelope) (Event, error) {
	dec, ok := eventDecoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("not an event type: %q", env.Type)
	}
	if len(env.Payload) == 0 {
		return nil, errors.New("missing payload")
	}
	ev, err := dec(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", env.Type, err)
	}
	return ev, nil
}
