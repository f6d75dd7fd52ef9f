package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relay/internal/identity"
)

// fakeMembership answers from fixed sets keyed by "user@server".
type fakeMembership struct {
	members map[string]bool
	admins  map[string]bool
	err     error
}

func (f *fakeMembership) IsMember(_ context.Context, userID, serverID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.members[userID+"@"+serverID] || f.admins[userID+"@"+serverID], nil
}

func (f *fakeMembership) IsAdmin(_ context.Context, userID, serverID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.admins[userID+"@"+serverID], nil
}

func TestAllowAll(t *testing.T) {
	err := AllowAll{}.Authorize(context.Background(), identity.Identity{},
		&MemberKicked{MemberID: "u2", ServerID: "srv1"})
	assert.NoError(t, err)
}

func TestMembershipAuthorizer(t *testing.T) {
	auth := MembershipAuthorizer{Checker: &fakeMembership{
		members: map[string]bool{"u1@srv1": true},
		admins:  map[string]bool{"boss@srv1": true},
	}}

	tests := []struct {
		name    string
		actor   identity.Identity
		event   Event
		allowed bool
	}{
		{
			name:    "member sets own presence",
			actor:   identity.Identity{UserID: "u1"},
			event:   &MemberStatusUpdate{UserID: "u1", Status: StatusIdle, ServerID: "srv1"},
			allowed: true,
		},
		{
			name:  "member sets someone else's presence",
			actor: identity.Identity{UserID: "u1"},
			event: &MemberStatusUpdate{UserID: "boss", Status: StatusOffline, ServerID: "srv1"},
		},
		{
			name:  "non member sets presence",
			actor: identity.Identity{UserID: "u1"},
			event: &MemberStatusUpdate{UserID: "u1", Status: StatusIdle, ServerID: "srv2"},
		},
		{
			name:    "admin changes role",
			actor:   identity.Identity{UserID: "boss"},
			event:   &MemberRoleUpdate{MemberID: "u1", Role: RoleModerator, ServerID: "srv1"},
			allowed: true,
		},
		{
			name:  "member changes role",
			actor: identity.Identity{UserID: "u1"},
			event: &MemberRoleUpdate{MemberID: "u1", Role: RoleAdmin, ServerID: "srv1"},
		},
		{
			name:    "admin kicks",
			actor:   identity.Identity{UserID: "boss"},
			event:   &MemberKicked{MemberID: "u1", ServerID: "srv1"},
			allowed: true,
		},
		{
			name:  "member kicks",
			actor: identity.Identity{UserID: "u1"},
			event: &MemberKicked{MemberID: "boss", ServerID: "srv1"},
		},
		{
			name:  "anonymous",
			actor: identity.Identity{},
			event: &MemberKicked{MemberID: "u1", ServerID: "srv1"},
		},
		{
			name:    "peer events are not checked",
			actor:   identity.Identity{UserID: "u1"},
			event:   &CallEnded{To: "u2"},
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := auth.Authorize(context.Background(), tt.actor, tt.event)
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, CodeForbidden, ErrorCode(err))
		})
	}
}

func TestMembershipAuthorizer_LookupFailure(t *testing.T) {
	lookupErr := errors.New("membership store unavailable")
	auth := MembershipAuthorizer{Checker: &fakeMembership{err: lookupErr}}

	err := auth.Authorize(context.Background(), identity.Identity{UserID: "u1"},
		&MemberKicked{MemberID: "u2", ServerID: "srv1"})

	require.Error(t, err)
	assert.Equal(t, CodeForbidden, ErrorCode(err))
	assert.ErrorIs(t, err, lookupErr)
}
