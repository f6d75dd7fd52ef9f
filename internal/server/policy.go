package server

import (
	"context"

	"github.com/samber/oops"

	"github.com/Tyrowin/relay/internal/identity"
)

// Authorizer decides whether a sender may emit a server-room event.
// The router consults it for memberStatusUpdate, memberRoleUpdate and
// memberKicked only.
type Authorizer interface {
	Authorize(ctx context.Context, actor identity.Identity, ev Event) error
}

// AllowAll relays every event. Callers are expected to have authorized the
// action before it reaches the relay.
type AllowAll struct{}

// Authorize always succeeds.
func (AllowAll) Authorize(context.Context, identity.Identity, Event) error { return nil }

// MembershipChecker answers membership questions about a server.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID, serverID string) (bool, error)
	IsAdmin(ctx context.Context, userID, serverID string) (bool, error)
}

// MembershipAuthorizer enforces that presence updates come from a member
// about themselves and that role changes and kicks come from an admin.
type MembershipAuthorizer struct {
	Checker MembershipChecker
}

// Authorize checks ev against the actor's membership of the event's server.
func (a MembershipAuthorizer) Authorize(ctx context.Context, actor identity.Identity, ev Event) error {
	if !actor.Authenticated() {
		return forbidden(ev, "anonymous sender")
	}

	switch e := ev.(type) {
	case *MemberStatusUpdate:
		if e.UserID != actor.UserID {
			return forbidden(ev, "presence may only be set for the sender")
		}
		return a.require(ctx, a.Checker.IsMember, actor.UserID, e.ServerID, ev)
	case *MemberRoleUpdate:
		return a.require(ctx, a.Checker.IsAdmin, actor.UserID, e.ServerID, ev)
	case *MemberKicked:
		return a.require(ctx, a.Checker.IsAdmin, actor.UserID, e.ServerID, ev)
	default:
		return nil
	}
}

func (a MembershipAuthorizer) require(
	ctx context.Context,
	check func(context.Context, string, string) (bool, error),
	userID, serverID string,
	ev Event,
) error {
	ok, err := check(ctx, userID, serverID)
	if err != nil {
		return oops.Code(CodeForbidden).
			With("event", ev.Name(), "user_id", userID, "server_id", serverID).
			Wrapf(err, "membership lookup")
	}
	if !ok {
		return forbidden(ev, "insufficient membership")
	}
	return nil
}

func forbidden(ev Event, reason string) error {
	return oops.Code(CodeForbidden).With("event", ev.Name()).Errorf("%s", reason)
}
