// Package v1 defines the ShopSync Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated at handshake.
const Subprotocol = "shopsync.realtime.v1"

// Control type constants (wire-stable).
const (
	// TypeHello is sent once by the server after a successful handshake.
	TypeHello = "hello"

	// TypeJoinList subscribes to a list room (client -> server) and is echoed back on success.
	TypeJoinList = "joinList"
	// TypeLeaveList unsubscribes from a list room (client -> server) and is echoed back.
	TypeLeaveList = "leaveList"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Event type constants (server -> client, room-scoped).
const (
	TypeListCreated       = "listCreated"
	TypeListUpdate        = "listUpdate"
	TypeListDeleted       = "listDeleted"
	TypeItemAdded         = "itemAdded"
	TypeItemUpdated       = "itemUpdated"
	TypeItemDeleted       = "itemDeleted"
	TypeInvitePending     = "invitePending"
	TypeInviteResponded   = "inviteResponded"
	TypeRoleChanged       = "roleChanged"
	TypeListAccessRemoved = "listAccessRemoved"
	TypeListSharedWithYou = "listSharedWithYou"

	// Aliases accepted by DecodeEvent. The server always emits the canonical names.
	TypeItemToggled     = "itemToggled"
	TypeYourRoleChanged = "yourRoleChanged"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello, TypeJoinList, TypeLeaveList, TypeError:
		return nil
	}
	if _, ok := eventDecoders[e.Type]; ok {
		return nil
	}
	return fmt.Errorf("unknown type: %q", e.Type)
}

// ---- Control payloads ----

// HelloPayload carries the identity bound to the connection.
type HelloPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ListRoomPayload is used by joinList/leaveList requests and their echoes.
type ListRoomPayload struct {
	ListID string `json:"listId"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---- Entity DTOs ----

// User is the public projection of a user reference.
type User struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Item is a single list entry.
type Item struct {
	ID       string   `json:"_id"`
	Name     string   `json:"name"`
	Quantity float64  `json:"quantity"`
	Unit     string   `json:"unit"`
	Category string   `json:"category"`
	IsBought bool     `json:"isBought"`
	BoughtBy []string `json:"boughtBy"`
}

// SharedWith is a per-user sharing entry.
type SharedWith struct {
	User   User   `json:"user"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

// List is the full list document as seen by clients.
type List struct {
	ID         string       `json:"_id"`
	Name       string       `json:"name"`
	Owner      User         `json:"owner"`
	Items      []Item       `json:"items"`
	SharedWith []SharedWith `json:"sharedWith"`
	Revision   int64        `json:"revision"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Invitation is the derived pending-invite view for a user.
type Invitation struct {
	ListID          string `json:"listId"`
	ListName        string `json:"listName"`
	InviterUsername string `json:"inviterUsername"`
	InviterEmail    string `json:"inviterEmail"`
	Role            string `json:"role"`
}
