package lists

import (
	"context"
	"strings"

	v1 "shopsync/shared/contracts/realtime/v1"
)

// Share invites the user registered under email with role. An accepted or
// declined entry is reset to pending with the new role.
func (s *Service) Share(ctx context.Context, actor User, listID, email string, role Role) (l List, err error) {
	const op = "lists.Service.Share"
	defer func() { s.metrics.observe("share", err) }()

	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return List{}, validationErr(op, "a valid email is required")
	}
	if role, err = ParseRole(string(role)); err != nil {
		return List{}, err
	}

	cur, err := s.store.FindList(ctx, listID)
	if err != nil {
		return List{}, err
	}
	if !cur.IsOwner(actor.ID) {
		return List{}, forbiddenErr(op, "only the owner can share")
	}
	invitee, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		return List{}, err
	}

	var wasAccepted bool
	l, _, err = s.mutate(ctx, op, listID, func(l *List) (bool, error) {
		prev, ok := l.Entry(invitee.ID)
		wasAccepted = ok && prev.Status == StatusAccepted
		next, changed, err := transition(*l, transitionInput{
			Action:  ActionInvite,
			ActorID: actor.ID,
			Target:  invitee,
			Role:    role,
		})
		if err != nil {
			return false, err
		}
		*l = next
		return changed, nil
	})
	if err != nil {
		return List{}, err
	}

	// A re-invited member is pending again and must leave the room before the update goes out.
	if wasAccepted {
		s.out.EvictFromList(ctx, listID, invitee.ID)
	}
	s.out.ToList(ctx, listID, v1.ListUpdate{ListID: listID, List: ToWireList(l)})
	s.out.ToUser(ctx, invitee.ID, v1.InvitePending{
		ListID: listID,
		Invitation: ToWireInvitation(Invitation{
			ListID:   l.ID,
			ListName: l.Name,
			Inviter:  l.Owner,
			Role:     role,
		}),
	})
	s.log.Info("lists.share.ok", "list_id", listID, "user_id", invitee.ID, "role", string(role))
	return l, nil
}

// Respond accepts or declines a pending invitation. Only userID itself may respond.
func (s *Service) Respond(ctx context.Context, actor User, listID, userID string, accept bool) (l List, err error) {
	const op = "lists.Service.Respond"
	defer func() { s.metrics.observe("respond", err) }()

	act := ActionDecline
	if accept {
		act = ActionAccept
	}

	l, _, err = s.mutate(ctx, op, listID, func(l *List) (bool, error) {
		next, changed, err := transition(*l, transitionInput{
			Action:  act,
			ActorID: actor.ID,
			Target:  User{ID: userID},
		})
		if err != nil {
			return false, err
		}
		*l = next
		return changed, nil
	})
	if err != nil {
		return List{}, err
	}

	e, _ := l.Entry(userID)
	wire := ToWireList(l)
	responded := v1.InviteResponded{ListID: listID, UserID: userID, Status: string(e.Status), List: wire}

	s.out.ToList(ctx, listID, v1.ListUpdate{ListID: listID, List: wire})
	s.out.ToUser(ctx, l.Owner.ID, responded)
	s.out.ToUser(ctx, userID, responded)
	if accept {
		s.out.ToUser(ctx, userID, v1.ListSharedWithYou{ListID: listID, List: wire})
	}
	s.log.Info("lists.respond.ok", "list_id", listID, "user_id", userID, "status", string(e.Status))
	return l, nil
}

// ChangeRole sets the role of an existing entry without touching its status. Owner only.
func (s *Service) ChangeRole(ctx context.Context, actor User, listID, userID string, role Role) (l List, err error) {
	const op = "lists.Service.ChangeRole"
	defer func() { s.metrics.observe("change_role", err) }()

	if role, err = ParseRole(string(role)); err != nil {
		return List{}, err
	}

	l, changed, err := s.mutate(ctx, op, listID, func(l *List) (bool, error) {
		next, changed, err := transition(*l, transitionInput{
			Action:  ActionChangeRole,
			ActorID: actor.ID,
			Target:  User{ID: userID},
			Role:    role,
		})
		if err != nil {
			return false, err
		}
		*l = next
		return changed, nil
	})
	if err != nil {
		return List{}, err
	}
	if !changed {
		return l, nil
	}

	wire := ToWireList(l)
	s.out.ToList(ctx, listID, v1.ListUpdate{ListID: listID, List: wire})
	s.out.ToUser(ctx, userID, v1.RoleChanged{ListID: listID, UserID: userID, Role: string(role), List: wire})
	s.log.Info("lists.role.ok", "list_id", listID, "user_id", userID, "role", string(role))
	return l, nil
}

// Revoke deletes the sharing entry of userID in any status. Owner only.
// The user's connections leave the list room before anything is announced.
func (s *Service) Revoke(ctx context.Context, actor User, listID, userID string) (l List, err error) {
	const op = "lists.Service.Revoke"
	defer func() { s.metrics.observe("revoke", err) }()

	l, _, err = s.mutate(ctx, op, listID, func(l *List) (bool, error) {
		next, changed, err := transition(*l, transitionInput{
			Action:  ActionRevoke,
			ActorID: actor.ID,
			Target:  User{ID: userID},
		})
		if err != nil {
			return false, err
		}
		*l = next
		return changed, nil
	})
	if err != nil {
		return List{}, err
	}

	s.out.EvictFromList(ctx, listID, userID)
	s.out.ToList(ctx, listID, v1.ListUpdate{ListID: listID, List: ToWireList(l)})
	s.out.ToUser(ctx, userID, v1.ListAccessRemoved{ListID: listID})
	s.log.Info("lists.revoke.ok", "list_id", listID, "user_id", userID)
	return l, nil
}

// Invitations is the derived view of lists with a pending entry for userID.
func (s *Service) Invitations(ctx context.Context, userID string) ([]Invitation, error) {
	all, err := s.store.FindListsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Invitation, 0, 4)
	for _, l := range all {
		e, ok := l.Entry(userID)
		if !ok || e.Status != StatusPending {
			continue
		}
		out = append(out, Invitation{
			ListID:   l.ID,
			ListName: l.Name,
			Inviter:  l.Owner,
			Role:     e.Role,
		})
	}
	return out, nil
}
