// Package authz resolves permissions from user traits through the role
// grants of a world and its rooms.
package authz

import (
	"liveroom/pkg/types"
)

// Gate answers permission questions. It is stateless; the world and room
// passed in are the current directory snapshot.
type Gate struct{}

// New returns a permission gate.
func New() *Gate {
	return &Gate{}
}

// Roles returns the role names granted to traits in the world and,
// when room is not nil, the room.
func (g *Gate) Roles(world *types.World, room *types.Room, traits []string) []string {
	var roles []string
	for role, grant := range world.TraitGrants {
		if grant.Matches(traits) {
			roles = append(roles, role)
		}
	}
	if room != nil {
		for role, grant := range room.TraitGrants {
			if grant.Matches(traits) {
				roles = append(roles, role)
			}
		}
	}
	return roles
}

// HasPermission reports whether user holds perm in the world, or in room
// when room is not nil. Banned users hold nothing; silenced users are
// capped to read permissions.
func (g *Gate) HasPermission(world *types.World, room *types.Room, user *types.User, perm types.Permission) bool {
	if user == nil || world == nil {
		return false
	}
	if user.IsBanned() {
		return false
	}
	if user.IsSilenced() && !types.SilencedPermissions[perm] {
		return false
	}

	for _, role := range g.Roles(world, room, user.Traits) {
		if roleGrants(world, role, perm) {
			return true
		}
	}
	return false
}

// Permissions returns every permission user holds in the given scope.
func (g *Gate) Permissions(world *types.World, room *types.Room, user *types.User) []types.Permission {
	if user == nil || world == nil || user.IsBanned() {
		return []types.Permission{}
	}

	seen := make(map[types.Permission]bool)
	out := []types.Permission{}
	for _, role := range g.Roles(world, room, user.Traits) {
		for _, perm := range rolePermissions(world, role) {
			if seen[perm] {
				continue
			}
			if user.IsSilenced() && !types.SilencedPermissions[perm] {
				continue
			}
			seen[perm] = true
			out = append(out, perm)
		}
	}
	return out
}

func rolePermissions(world *types.World, role string) []types.Permission {
	if perms, ok := world.Roles[role]; ok {
		return perms
	}
	return types.SystemRoles[role]
}

func roleGrants(world *types.World, role string, perm types.Permission) bool {
	for _, p := range rolePermissions(world, role) {
		if p == perm {
			return true
		}
	}
	return false
}
