package lists

// Action is a sharing-entry transition request.
type Action int

const (
	ActionInvite Action = iota + 1
	ActionAccept
	ActionDecline
	ActionRevoke
	ActionChangeRole
)

func (a Action) String() string {
	switch a {
	case ActionInvite:
		return "invite"
	case ActionAccept:
		return "accept"
	case ActionDecline:
		return "decline"
	case ActionRevoke:
		return "revoke"
	case ActionChangeRole:
		return "change_role"
	default:
		return "unknown"
	}
}

// transitionInput describes one state-machine step over the (list, target) entry.
type transitionInput struct {
	Action  Action
	ActorID string
	Target  User
	Role    Role
}

// transition applies in to a copy of l. It is pure: no storage, no events.
// changed is false when the step is a no-op (role change to the same role).
//
// States per (list, user): absent, pending, accepted, declined.
//
//	invite:      absent|accepted|declined -> pending   owner only
//	accept:      pending -> accepted                    target only
//	decline:     pending -> declined                    target only
//	revoke:      any -> absent                          owner only
//	change_role: any -> same status, new role           owner only
func transition(l List, in transitionInput) (out List, changed bool, err error) {
	const op = "lists.transition"

	if in.Target.ID == "" {
		return List{}, false, validationErr(op, "missing user")
	}
	out = l.Clone()
	idx := out.entryIndex(in.Target.ID)

	switch in.Action {
	case ActionInvite:
		if !l.IsOwner(in.ActorID) {
			return List{}, false, forbiddenErr(op, "only the owner can share")
		}
		if l.IsOwner(in.Target.ID) {
			return List{}, false, conflictErr(op, "cannot share a list with its owner")
		}
		if _, err := ParseRole(string(in.Role)); err != nil {
			return List{}, false, err
		}
		entry := SharedWith{User: in.Target, Role: in.Role, Status: StatusPending}
		if idx < 0 {
			out.SharedWith = append(out.SharedWith, entry)
			return out, true, nil
		}
		if out.SharedWith[idx].Status == StatusPending {
			return List{}, false, conflictErr(op, "user already invited")
		}
		out.SharedWith[idx] = entry
		return out, true, nil

	case ActionAccept, ActionDecline:
		if in.ActorID != in.Target.ID {
			return List{}, false, forbiddenErr(op, "only the invited user can respond")
		}
		if idx < 0 {
			return List{}, false, notFoundErr(op, "invitation")
		}
		if out.SharedWith[idx].Status != StatusPending {
			return List{}, false, conflictErr(op, "invitation already answered")
		}
		if in.Action == ActionAccept {
			out.SharedWith[idx].Status = StatusAccepted
		} else {
			out.SharedWith[idx].Status = StatusDeclined
		}
		return out, true, nil

	case ActionRevoke:
		if !l.IsOwner(in.ActorID) {
			return List{}, false, forbiddenErr(op, "only the owner can revoke access")
		}
		if idx < 0 {
			return List{}, false, notFoundErr(op, "sharing entry")
		}
		out.SharedWith = append(out.SharedWith[:idx], out.SharedWith[idx+1:]...)
		return out, true, nil

	case ActionChangeRole:
		if !l.IsOwner(in.ActorID) {
			return List{}, false, forbiddenErr(op, "only the owner can change roles")
		}
		if _, err := ParseRole(string(in.Role)); err != nil {
			return List{}, false, err
		}
		if idx < 0 {
			return List{}, false, notFoundErr(op, "sharing entry")
		}
		if out.SharedWith[idx].Role == in.Role {
			return out, false, nil
		}
		out.SharedWith[idx].Role = in.Role
		return out, true, nil
	}
	return List{}, false, validationErr(op, "unknown action")
}
