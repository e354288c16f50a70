package permissions

import "testing"

func TestPermissionConstants_NoDuplicates(t *testing.T) {
	seen := make(map[uint64]string)
	for bit, name := range permissionNames {
		if existing, ok := seen[bit]; ok {
			t.Errorf("duplicate bit 0x%X: %s and %s", bit, existing, name)
		}
		seen[bit] = name
	}
}

func TestPermissionConstants_ArePowersOfTwo(t *testing.T) {
	for bit, name := range permissionNames {
		if bit == 0 || (bit&(bit-1)) != 0 {
			t.Errorf("permission %s (0x%X) is not a power of two", name, bit)
		}
	}
}

func TestHasPermission(t *testing.T) {
	tests := []struct {
		name   string
		perms  uint64
		perm   uint64
		expect bool
	}{
		{"has single", SendMessages, SendMessages, true},
		{"missing", SendMessages, ManageGuild, false},
		{"has among many", SendMessages | ViewChannel, ViewChannel, true},
		{"zero perms", 0, SendMessages, false},
		{"administrator", Administrator, Administrator, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := HasPermission(tc.perms, tc.perm); got != tc.expect {
				t.Errorf("HasPermission(0x%X, 0x%X) = %v, want %v", tc.perms, tc.perm, got, tc.expect)
			}
		})
	}
}

func TestHasAnyPermission(t *testing.T) {
	perms := SendMessages | ViewChannel
	if !HasAnyPermission(perms, ManageGuild, SendMessages) {
		t.Error("HasAnyPermission should return true when one matches")
	}
	if HasAnyPermission(perms, ManageGuild, BanMembers) {
		t.Error("HasAnyPermission should return false when none match")
	}
}

func TestHasAllPermissions(t *testing.T) {
	perms := SendMessages | ViewChannel | AddReactions
	if !HasAllPermissions(perms, SendMessages, ViewChannel) {
		t.Error("HasAllPermissions should return true when all present")
	}
	if HasAllPermissions(perms, SendMessages, ManageGuild) {
		t.Error("HasAllPermissions should return false when one missing")
	}
}

func everyoneRole(guildID string, perms uint64) RoleInfo {
	return RoleInfo{ID: guildID, Position: 0, Permissions: perms, IsEveryone: true}
}

func TestResolve_OwnerGetsAll(t *testing.T) {
	guild := GuildInfo{ID: "g1", OwnerID: "owner123"}
	member := MemberInfo{UserID: "owner123"}

	got := Resolve(member, guild, []RoleInfo{everyoneRole("g1", ViewChannel)})
	if got != AllPermissions {
		t.Errorf("owner should get AllPermissions, got 0x%X", got)
	}
}

func TestResolve_EveryoneDefault(t *testing.T) {
	guild := GuildInfo{ID: "g1", OwnerID: "other"}
	member := MemberInfo{UserID: "user1"}
	roles := []RoleInfo{everyoneRole("g1", EveryoneDefault)}

	got := Resolve(member, guild, roles)
	if got != EveryoneDefault {
		t.Errorf("got 0x%X, want 0x%X", got, EveryoneDefault)
	}
}

func TestResolve_AssignedRoleOred(t *testing.T) {
	guild := GuildInfo{ID: "g1", OwnerID: "other"}
	member := MemberInfo{UserID: "user1", RoleIDs: []string{"mod"}}
	roles := []RoleInfo{
		everyoneRole("g1", ViewChannel|SendMessages),
		{ID: "mod", Position: 1, Permissions: ManageMessages | KickMembers},
	}

	got := Resolve(member, guild, roles)
	if !HasAllPermissions(got, ViewChannel, SendMessages, ManageMessages, KickMembers) {
		t.Errorf("expected everyone + assigned role bits, got 0x%X", got)
	}
}

func TestResolve_AdministratorBypass(t *testing.T) {
	guild := GuildInfo{ID: "g1", OwnerID: "other"}
	member := MemberInfo{UserID: "user1", RoleIDs: []string{"admin"}}
	roles := []RoleInfo{
		everyoneRole("g1", ViewChannel),
		{ID: "admin", Position: 1, Permissions: Administrator},
	}

	got := Resolve(member, guild, roles)
	if got != AllPermissions {
		t.Errorf("administrator should get AllPermissions, got 0x%X", got)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	guild := GuildInfo{ID: "g1", OwnerID: "other"}
	member := MemberInfo{UserID: "user1", RoleIDs: []string{"mod"}}
	roles := []RoleInfo{
		everyoneRole("g1", ViewChannel|SendMessages),
		{ID: "mod", Position: 1, Permissions: ManageMessages},
	}

	first := Resolve(member, guild, roles)
	// Resolve has no hidden state to mutate between calls; calling it again
	// with the same inputs must be a no-op on the result.
	second := Resolve(member, guild, roles)
	if first != second {
		t.Errorf("Resolve not idempotent: 0x%X != 0x%X", first, second)
	}
}

func TestResolveChannel_IdenticalToResolve(t *testing.T) {
	guild := GuildInfo{ID: "g1", OwnerID: "other"}
	member := MemberInfo{UserID: "user1", RoleIDs: []string{"mod"}}
	roles := []RoleInfo{
		everyoneRole("g1", ViewChannel|SendMessages),
		{ID: "mod", Position: 1, Permissions: ManageMessages},
	}

	resolved := Resolve(member, guild, roles)
	viaChannel := ResolveChannel(member, guild, roles, &ChannelInfo{ID: "c1"})
	if resolved != viaChannel {
		t.Errorf("ResolveChannel diverged from Resolve: 0x%X != 0x%X", viaChannel, resolved)
	}
	// Must also hold with a nil channel context.
	if Resolve(member, guild, roles) != ResolveChannel(member, guild, roles, nil) {
		t.Error("ResolveChannel(..., nil) must match Resolve")
	}
}

func TestCanManageMember_OwnerAlwaysCan(t *testing.T) {
	guild := GuildInfo{ID: "g1", OwnerID: "owner"}
	owner := MemberInfo{UserID: "owner"}
	other := MemberInfo{UserID: "user1", RoleIDs: []string{"admin"}}
	roles := []RoleInfo{{ID: "admin", Position: 10, Permissions: Administrator}}

	if !CanManageMember(owner, other, guild, roles) {
		t.Error("owner should always be able to manage members")
	}
}

func TestCanManageMember_HigherPositionWins(t *testing.T) {
	guild := GuildInfo{ID: "g1", OwnerID: "owner"}
	actor := MemberInfo{UserID: "actor", RoleIDs: []string{"mod"}}
	target := MemberInfo{UserID: "target", RoleIDs: []string{"member"}}
	roles := []RoleInfo{
		{ID: "mod", Position: 5},
		{ID: "member", Position: 1},
	}

	if !CanManageMember(actor, target, guild, roles) {
		t.Error("higher-position actor should be able to manage lower-position target")
	}
	if CanManageMember(target, actor, guild, roles) {
		t.Error("lower-position actor should not be able to manage higher-position target")
	}
}

func TestCanManageMember_TiesDeny(t *testing.T) {
	guild := GuildInfo{ID: "g1", OwnerID: "owner"}
	a := MemberInfo{UserID: "a", RoleIDs: []string{"mod"}}
	b := MemberInfo{UserID: "b", RoleIDs: []string{"mod"}}
	roles := []RoleInfo{{ID: "mod", Position: 5}}

	if CanManageMember(a, b, guild, roles) {
		t.Error("equal position should deny management")
	}
}

func TestCanAssignRole_RequiresManageRoles(t *testing.T) {
	guild := GuildInfo{ID: "g1", OwnerID: "owner"}
	actor := MemberInfo{UserID: "actor", RoleIDs: []string{"mod"}}
	roles := []RoleInfo{
		everyoneRole("g1", ViewChannel),
		{ID: "mod", Position: 5, Permissions: ViewChannel}, // no ManageRoles
	}
	target := RoleInfo{ID: "low", Position: 1}

	if CanAssignRole(actor, guild, roles, target) {
		t.Error("actor without ManageRoles should not be able to assign roles")
	}
}

func TestCanAssignRole_RequiresStrictlyHigherPosition(t *testing.T) {
	guild := GuildInfo{ID: "g1", OwnerID: "owner"}
	actor := MemberInfo{UserID: "actor", RoleIDs: []string{"mod"}}
	roles := []RoleInfo{
		everyoneRole("g1", ViewChannel),
		{ID: "mod", Position: 5, Permissions: ManageRoles},
	}

	lower := RoleInfo{ID: "low", Position: 1}
	if !CanAssignRole(actor, guild, roles, lower) {
		t.Error("should be able to assign a strictly lower role")
	}

	same := RoleInfo{ID: "same", Position: 5}
	if CanAssignRole(actor, guild, roles, same) {
		t.Error("should not be able to assign a role at or above own position")
	}
}

func TestNames(t *testing.T) {
	perms := SendMessages | ViewChannel
	names := Names(perms)
	if len(names) != 2 {
		t.Fatalf("Names returned %d names, want 2", len(names))
	}
}

func TestString(t *testing.T) {
	if s := String(0); s != "none" {
		t.Errorf("String(0) = %q, want %q", s, "none")
	}
	if s := String(SendMessages); s != "SendMessages" {
		t.Errorf("String(SendMessages) = %q, want %q", s, "SendMessages")
	}
}

func TestDebug(t *testing.T) {
	d := Debug(SendMessages)
	if len(d) < 10 {
		t.Errorf("Debug output too short: %q", d)
	}
}

func TestAllPermissions_IncludesAdministrator(t *testing.T) {
	if AllPermissions&Administrator == 0 {
		t.Error("AllPermissions should include Administrator")
	}
}
