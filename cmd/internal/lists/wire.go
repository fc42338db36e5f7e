package lists

import (
	v1 "shopsync/shared/contracts/realtime/v1"
)

// ToWireUser projects a user reference onto the wire DTO.
func ToWireUser(u User) v1.User {
	return v1.User{ID: u.ID, Username: u.Username, Email: u.Email}
}

// ToWireItem projects an item onto the wire DTO.
func ToWireItem(it Item) v1.Item {
	bb := append([]string{}, it.BoughtBy...)
	return v1.Item{
		ID:       it.ID,
		Name:     it.Name,
		Quantity: it.Quantity,
		Unit:     it.Unit,
		Category: it.Category,
		IsBought: it.IsBought,
		BoughtBy: bb,
	}
}

// ToWireList projects a full list document onto the wire DTO.
func ToWireList(l List) v1.List {
	items := make([]v1.Item, 0, len(l.Items))
	for _, it := range l.Items {
		items = append(items, ToWireItem(it))
	}
	shared := make([]v1.SharedWith, 0, len(l.SharedWith))
	for _, e := range l.SharedWith {
		shared = append(shared, v1.SharedWith{
			User:   ToWireUser(e.User),
			Role:   string(e.Role),
			Status: string(e.Status),
		})
	}
	return v1.List{
		ID:         l.ID,
		Name:       l.Name,
		Owner:      ToWireUser(l.Owner),
		Items:      items,
		SharedWith: shared,
		Revision:   l.Revision,
		CreatedAt:  l.CreatedAt,
		UpdatedAt:  l.UpdatedAt,
	}
}

// ToWireLists projects a slice of lists.
func ToWireLists(ls []List) []v1.List {
	out := make([]v1.List, 0, len(ls))
	for _, l := range ls {
		out = append(out, ToWireList(l))
	}
	return out
}

// Invitation is the derived pending-invite view for one user.
type Invitation struct {
	ListID   string
	ListName string
	Inviter  User
	Role     Role
}

// ToWireInvitation projects an invitation onto the wire DTO.
func ToWireInvitation(inv Invitation) v1.Invitation {
	return v1.Invitation{
		ListID:          inv.ListID,
		ListName:        inv.ListName,
		InviterUsername: inv.Inviter.Username,
		InviterEmail:    inv.Inviter.Email,
		Role:            string(inv.Role),
	}
}
