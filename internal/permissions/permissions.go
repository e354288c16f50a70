// Package permissions implements the bitfield permission system: the
// combined-bitset resolution algorithm (everyone-role + assigned roles,
// administrator/owner bypass) and the role-hierarchy checks that gate role
// assignment and member management.
package permissions

import (
	"fmt"
	"strings"
)

// Permission bits relevant to the core. Administrator sits at bit 63 so it
// survives alongside any future channel-scoped bits without renumbering the
// rest.
const (
	ViewChannel    uint64 = 1 << 0
	SendMessages   uint64 = 1 << 1
	ManageMessages uint64 = 1 << 2
	ManageChannels uint64 = 1 << 3
	ManageRoles    uint64 = 1 << 4
	ManageGuild    uint64 = 1 << 5
	KickMembers    uint64 = 1 << 6
	BanMembers     uint64 = 1 << 7
	AddReactions   uint64 = 1 << 8
	AttachFiles    uint64 = 1 << 9

	Administrator uint64 = 1 << 63
)

// AllPermissions is the bitmask returned for owners and administrators.
const AllPermissions uint64 = ViewChannel | SendMessages | ManageMessages |
	ManageChannels | ManageRoles | ManageGuild | KickMembers | BanMembers |
	AddReactions | AttachFiles | Administrator

// EveryoneDefault is the permission set every guild's everyone-role starts
// with.
const EveryoneDefault uint64 = ViewChannel | SendMessages | AddReactions | AttachFiles

var permissionNames = map[uint64]string{
	ViewChannel:    "ViewChannel",
	SendMessages:   "SendMessages",
	ManageMessages: "ManageMessages",
	ManageChannels: "ManageChannels",
	ManageRoles:    "ManageRoles",
	ManageGuild:    "ManageGuild",
	KickMembers:    "KickMembers",
	BanMembers:     "BanMembers",
	AddReactions:   "AddReactions",
	AttachFiles:    "AttachFiles",
	Administrator:  "Administrator",
}

// MemberInfo holds the fields needed to resolve a member's permissions.
type MemberInfo struct {
	UserID  string
	RoleIDs []string
}

// GuildInfo holds the guild-level fields needed for permission resolution.
type GuildInfo struct {
	ID      string
	OwnerID string
}

// RoleInfo is a guild role. Exactly one role per guild has IsEveryone set,
// and by convention its ID equals the guild's ID.
type RoleInfo struct {
	ID          string
	Position    int
	Permissions uint64
	IsEveryone  bool
}

// ChannelInfo is the channel context passed to ResolveChannel. It carries no
// overwrite data in this MVP and exists only so ResolveChannel has a
// stable extension point once channel-level
// overwrites are introduced.
type ChannelInfo struct {
	ID string
}

// Resolve computes a member's effective guild-wide permission bitset:
// owner bypass, then everyone-role OR'd with every assigned role, then
// administrator bypass.
func Resolve(member MemberInfo, guild GuildInfo, roles []RoleInfo) uint64 {
	if member.UserID == guild.OwnerID {
		return AllPermissions
	}

	assigned := make(map[string]bool, len(member.RoleIDs))
	for _, id := range member.RoleIDs {
		assigned[id] = true
	}

	var perms uint64
	for _, role := range roles {
		if role.IsEveryone || assigned[role.ID] {
			perms |= role.Permissions
		}
	}

	if perms&Administrator != 0 {
		return AllPermissions
	}
	return perms
}

// ResolveChannel is identical to Resolve in this MVP: channel-level
// permission overwrites are deliberately not modeled. channel
// is accepted only to keep the call site stable once overwrites land.
func ResolveChannel(member MemberInfo, guild GuildInfo, roles []RoleInfo, channel *ChannelInfo) uint64 {
	return Resolve(member, guild, roles)
}

// HighestRolePosition returns the highest position among a member's assigned
// roles, or -1 if the member has no roles beyond everyone (everyone-role
// itself is not counted — it has no meaningful "position" for hierarchy
// purposes since every member holds it).
func HighestRolePosition(member MemberInfo, roles []RoleInfo) int {
	assigned := make(map[string]bool, len(member.RoleIDs))
	for _, id := range member.RoleIDs {
		assigned[id] = true
	}
	highest := -1
	for _, role := range roles {
		if role.IsEveryone {
			continue
		}
		if assigned[role.ID] && role.Position > highest {
			highest = role.Position
		}
	}
	return highest
}

// CanManageMember reports whether actor may kick/ban/edit-roles-of target:
// true iff actor is the guild owner, or target is not the owner and actor's
// highest role position is strictly greater than target's (ties deny).
func CanManageMember(actor, target MemberInfo, guild GuildInfo, roles []RoleInfo) bool {
	if actor.UserID == guild.OwnerID {
		return true
	}
	if target.UserID == guild.OwnerID {
		return false
	}
	return HighestRolePosition(actor, roles) > HighestRolePosition(target, roles)
}

// CanAssignRole reports whether actor may add or remove role on a member:
// requires ManageRoles and actor's highest role position strictly greater
// than role.Position.
func CanAssignRole(actor MemberInfo, guild GuildInfo, roles []RoleInfo, role RoleInfo) bool {
	if actor.UserID == guild.OwnerID {
		return true
	}
	perms := Resolve(actor, guild, roles)
	if perms&ManageRoles == 0 {
		return false
	}
	return HighestRolePosition(actor, roles) > role.Position
}

// HasPermission reports whether perms includes perm.
func HasPermission(perms, perm uint64) bool {
	return perms&perm == perm
}

// HasAnyPermission reports whether perms includes any of checkPerms.
func HasAnyPermission(perms uint64, checkPerms ...uint64) bool {
	for _, p := range checkPerms {
		if perms&p == p {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether perms includes every one of checkPerms.
func HasAllPermissions(perms uint64, checkPerms ...uint64) bool {
	for _, p := range checkPerms {
		if perms&p != p {
			return false
		}
	}
	return true
}

// Names returns human-readable names for every set bit in perms.
func Names(perms uint64) []string {
	var names []string
	for bit, name := range permissionNames {
		if perms&bit == bit {
			names = append(names, name)
		}
	}
	return names
}

// String returns a comma-separated list of set permission names.
func String(perms uint64) string {
	names := Names(perms)
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

// Debug returns the hex bitfield alongside its decoded names.
func Debug(perms uint64) string {
	return fmt.Sprintf("0x%016X [%s]", perms, String(perms))
}
