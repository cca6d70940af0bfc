package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/silverpine/rollcall/internal/services/roster/directory"
	"github.com/silverpine/rollcall/internal/services/roster/rolecache"
	"github.com/silverpine/rollcall/internal/services/roster/storage"
	"github.com/silverpine/rollcall/internal/services/roster/storage/sqlite"
)

type fakeState struct {
	roleMap *rolecache.RoleMap
	roles   []directory.Role
}

func (f *fakeState) DepartmentRoleMap(ctx context.Context, departmentID string) (*rolecache.RoleMap, error) {
	return f.roleMap, nil
}

func (f *fakeState) UserRoles(ctx context.Context, userID string) ([]directory.Role, error) {
	return f.roles, nil
}

func storageNow() time.Time {
	return time.Now().UTC()
}

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(t.TempDir() + "/roster.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func seedRoster(t *testing.T, store *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	if err := store.PutDepartment(ctx, storage.Department{
		ID: "dept-1", Name: "Police", Prefix: "PD", GuildServerID: "srv-main",
	}); err != nil {
		t.Fatalf("put department: %v", err)
	}
	ranks := []storage.Rank{
		{ID: "rank-cadet", DepartmentID: "dept-1", Name: "Cadet", Level: 5, CallsignToken: "C", RoleID: "role-cadet", IsActive: true},
		{ID: "rank-officer", DepartmentID: "dept-1", Name: "Officer", Level: 10, CallsignToken: "O", RoleID: "role-officer", IsActive: true},
		{ID: "rank-sergeant", DepartmentID: "dept-1", Name: "Sergeant", Level: 20, CallsignToken: "S", RoleID: "role-sergeant", IsActive: true},
	}
	for _, rank := range ranks {
		if err := store.PutRank(ctx, rank); err != nil {
			t.Fatalf("put rank: %v", err)
		}
	}
	teams := []storage.Team{
		{ID: "team-k9", DepartmentID: "dept-1", Name: "K9", Prefix: "K9", RoleID: "role-k9", IsActive: true},
		{ID: "team-swat", DepartmentID: "dept-1", Name: "SWAT", Prefix: "SW", RoleID: "role-swat", IsActive: true},
	}
	for _, team := range teams {
		if err := store.PutTeam(ctx, team); err != nil {
			t.Fatalf("put team: %v", err)
		}
	}
	if err := store.PutMember(ctx, storage.Member{
		ID: "mem-1", ExternalUserID: "user-1", DepartmentID: "dept-1", IsActive: true,
	}); err != nil {
		t.Fatalf("put member: %v", err)
	}
}

func rosterRoleMap() *rolecache.RoleMap {
	return &rolecache.RoleMap{
		DepartmentID:  "dept-1",
		GuildServerID: "srv-main",
		ByRankID: map[string]rolecache.Binding{
			"rank-cadet":    {RoleID: "role-cadet", ServerID: "srv-main"},
			"rank-officer":  {RoleID: "role-officer", ServerID: "srv-main"},
			"rank-sergeant": {RoleID: "role-sergeant", ServerID: "srv-main"},
		},
		ByTeamID: map[string]rolecache.Binding{
			"team-k9":   {RoleID: "role-k9", ServerID: "srv-main"},
			"team-swat": {RoleID: "role-swat", ServerID: "srv-main"},
		},
	}
}

func TestReconcileRankLowestLevelWins(t *testing.T) {
	store := openTestStore(t)
	seedRoster(t, store)
	state := &fakeState{
		roleMap: rosterRoleMap(),
		roles: []directory.Role{
			{RoleID: "role-sergeant", ServerID: "srv-main"},
			{RoleID: "role-cadet", ServerID: "srv-main"},
		},
	}
	engine := New(store, state)

	changes, err := engine.ReconcileRank(context.Background(), "mem-1")
	if err != nil {
		t.Fatalf("ReconcileRank: %v", err)
	}
	if len(changes) != 1 || changes[0].New != "rank-cadet" || changes[0].Old != "" {
		t.Fatalf("changes = %+v, want one change to rank-cadet", changes)
	}

	member, err := store.GetMember(context.Background(), "mem-1")
	if err != nil {
		t.Fatalf("get member: %v", err)
	}
	if member.RankID != "rank-cadet" {
		t.Errorf("RankID = %q, want %q", member.RankID, "rank-cadet")
	}
	if member.LastActiveAt.IsZero() {
		t.Error("LastActiveAt not stamped")
	}
}

func TestReconcileRankAlreadyCorrectIsNoOp(t *testing.T) {
	store := openTestStore(t)
	seedRoster(t, store)
	if err := store.SetMemberRank(context.Background(), "mem-1", "rank-officer", storageNow()); err != nil {
		t.Fatalf("set member rank: %v", err)
	}
	state := &fakeState{
		roleMap: rosterRoleMap(),
		roles:   []directory.Role{{RoleID: "role-officer", ServerID: "srv-main"}},
	}

	changes, err := New(store, state).ReconcileRank(context.Background(), "mem-1")
	if err != nil {
		t.Fatalf("ReconcileRank: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("changes = %+v, want none", changes)
	}
}

func TestReconcileRankClearsWhenNoRoleHeld(t *testing.T) {
	store := openTestStore(t)
	seedRoster(t, store)
	if err := store.SetMemberRank(context.Background(), "mem-1", "rank-officer", storageNow()); err != nil {
		t.Fatalf("set member rank: %v", err)
	}
	state := &fakeState{roleMap: rosterRoleMap()}

	changes, err := New(store, state).ReconcileRank(context.Background(), "mem-1")
	if err != nil {
		t.Fatalf("ReconcileRank: %v", err)
	}
	if len(changes) != 1 || changes[0].Old != "rank-officer" || changes[0].New != "" {
		t.Fatalf("changes = %+v, want demotion to no rank", changes)
	}

	member, err := store.GetMember(context.Background(), "mem-1")
	if err != nil {
		t.Fatalf("get member: %v", err)
	}
	if member.RankID != "" {
		t.Errorf("RankID = %q, want empty", member.RankID)
	}
}

func TestReconcileRankIgnoresRolesFromOtherServers(t *testing.T) {
	store := openTestStore(t)
	seedRoster(t, store)
	state := &fakeState{
		roleMap: rosterRoleMap(),
		roles: []directory.Role{
			{RoleID: "role-cadet", ServerID: "srv-other"},
			{RoleID: "role-officer", ServerID: "srv-main"},
		},
	}

	changes, err := New(store, state).ReconcileRank(context.Background(), "mem-1")
	if err != nil {
		t.Fatalf("ReconcileRank: %v", err)
	}
	if len(changes) != 1 || changes[0].New != "rank-officer" {
		t.Fatalf("changes = %+v, want rank-officer (foreign-server cadet role ignored)", changes)
	}
}

func TestReconcileRankMissingMemberIsNoOp(t *testing.T) {
	store := openTestStore(t)
	seedRoster(t, store)
	state := &fakeState{roleMap: rosterRoleMap()}

	changes, err := New(store, state).ReconcileRank(context.Background(), "mem-missing")
	if err != nil {
		t.Fatalf("ReconcileRank: %v", err)
	}
	if changes != nil {
		t.Errorf("changes = %+v, want nil", changes)
	}
}

func TestReconcileRankInactiveMemberIsNoOp(t *testing.T) {
	store := openTestStore(t)
	seedRoster(t, store)
	if err := store.PutMember(context.Background(), storage.Member{
		ID: "mem-idle", ExternalUserID: "user-idle", DepartmentID: "dept-1", IsActive: false,
	}); err != nil {
		t.Fatalf("put member: %v", err)
	}
	state := &fakeState{
		roleMap: rosterRoleMap(),
		roles:   []directory.Role{{RoleID: "role-officer", ServerID: "srv-main"}},
	}

	changes, err := New(store, state).ReconcileRank(context.Background(), "mem-idle")
	if err != nil {
		t.Fatalf("ReconcileRank: %v", err)
	}
	if changes != nil {
		t.Errorf("changes = %+v, want nil", changes)
	}
}

func TestReconcileTeamLowestTeamIDWins(t *testing.T) {
	store := openTestStore(t)
	seedRoster(t, store)
	state := &fakeState{
		roleMap: rosterRoleMap(),
		roles: []directory.Role{
			{RoleID: "role-swat", ServerID: "srv-main"},
			{RoleID: "role-k9", ServerID: "srv-main"},
		},
	}

	changes, err := New(store, state).ReconcileTeam(context.Background(), "mem-1")
	if err != nil {
		t.Fatalf("ReconcileTeam: %v", err)
	}
	if len(changes) != 1 || changes[0].New != "team-k9" {
		t.Fatalf("changes = %+v, want primary team team-k9", changes)
	}

	memberships, err := store.ListTeamMemberships(context.Background(), "mem-1")
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	if len(memberships) != 2 {
		t.Errorf("memberships = %+v, want rows for both held teams", memberships)
	}
}

func TestReconcileTeamRemovesStaleMemberships(t *testing.T) {
	store := openTestStore(t)
	seedRoster(t, store)
	ctx := context.Background()
	if err := store.SetMemberTeam(ctx, "mem-1", "team-swat", storageNow()); err != nil {
		t.Fatalf("set member team: %v", err)
	}
	if err := store.PutTeamMembership(ctx, storage.TeamMembership{MemberID: "mem-1", TeamID: "team-swat", CreatedAt: storageNow()}); err != nil {
		t.Fatalf("put membership: %v", err)
	}

	state := &fakeState{
		roleMap: rosterRoleMap(),
		roles:   []directory.Role{{RoleID: "role-k9", ServerID: "srv-main"}},
	}
	changes, err := New(store, state).ReconcileTeam(ctx, "mem-1")
	if err != nil {
		t.Fatalf("ReconcileTeam: %v", err)
	}
	if len(changes) != 1 || changes[0].Old != "team-swat" || changes[0].New != "team-k9" {
		t.Fatalf("changes = %+v", changes)
	}

	memberships, err := store.ListTeamMemberships(ctx, "mem-1")
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	if len(memberships) != 1 || memberships[0].TeamID != "team-k9" {
		t.Errorf("memberships = %+v, want only team-k9", memberships)
	}
}

func TestReconcileTeamClearsWhenNoTeamRoleHeld(t *testing.T) {
	store := openTestStore(t)
	seedRoster(t, store)
	ctx := context.Background()
	if err := store.SetMemberTeam(ctx, "mem-1", "team-k9", storageNow()); err != nil {
		t.Fatalf("set member team: %v", err)
	}
	if err := store.PutTeamMembership(ctx, storage.TeamMembership{MemberID: "mem-1", TeamID: "team-k9", CreatedAt: storageNow()}); err != nil {
		t.Fatalf("put membership: %v", err)
	}

	state := &fakeState{roleMap: rosterRoleMap()}
	changes, err := New(store, state).ReconcileTeam(ctx, "mem-1")
	if err != nil {
		t.Fatalf("ReconcileTeam: %v", err)
	}
	if len(changes) != 1 || changes[0].New != "" {
		t.Fatalf("changes = %+v, want team cleared", changes)
	}

	memberships, err := store.ListTeamMemberships(ctx, "mem-1")
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	if len(memberships) != 0 {
		t.Errorf("memberships = %+v, want none", memberships)
	}
}
