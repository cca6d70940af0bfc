// Package reconcile derives a member's rank and team assignments from the
// roles they actually hold in the external directory, and writes the
// corrections back to the roster store.
package reconcile

import (
	"context"
	"errors"
	"log"
	"time"

	perrors "github.com/silverpine/rollcall/internal/platform/errors"
	"github.com/silverpine/rollcall/internal/services/roster/directory"
	"github.com/silverpine/rollcall/internal/services/roster/rolecache"
	"github.com/silverpine/rollcall/internal/services/roster/storage"
)

// Change records one field correction made during reconciliation. Old and
// New are record ids; empty means unassigned.
type Change struct {
	MemberID     string
	DepartmentID string
	Field        string
	Old          string
	New          string
}

const (
	// FieldRank marks a rank correction.
	FieldRank = "rank"
	// FieldTeam marks a primary team correction.
	FieldTeam = "team"
)

// Store is the persistence surface reconciliation needs.
type Store interface {
	storage.MemberStore
	storage.RankStore
	storage.TeamStore
	storage.TeamMembershipStore
}

// DirectoryState serves role maps and user role sets, normally backed by
// the TTL caches.
type DirectoryState interface {
	DepartmentRoleMap(ctx context.Context, departmentID string) (*rolecache.RoleMap, error)
	UserRoles(ctx context.Context, userID string) ([]directory.Role, error)
}

// Engine reconciles stored assignments against directory truth.
type Engine struct {
	store Store
	state DirectoryState
	now   func() time.Time
}

// New builds a reconciliation engine.
func New(store Store, state DirectoryState) *Engine {
	return &Engine{store: store, state: state, now: time.Now}
}

// heldRoles returns the set of role ids the user holds on the department's
// guild server. Roles granted on other servers never influence roster
// state.
func (e *Engine) heldRoles(ctx context.Context, userID string, roleMap *rolecache.RoleMap) (map[string]bool, error) {
	roles, err := e.state.UserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	held := make(map[string]bool, len(roles))
	for _, role := range roles {
		if role.ServerID == roleMap.GuildServerID {
			held[role.RoleID] = true
		}
	}
	return held, nil
}

// matches reports whether a binding both belongs to the department's guild
// server and is present in the held set.
func matches(binding rolecache.Binding, held map[string]bool, guildServerID string) bool {
	if binding.ServerID != "" && binding.ServerID != guildServerID {
		return false
	}
	return held[binding.RoleID]
}

// loadMember resolves the member, treating a missing or inactive member as
// a successful no-op.
func (e *Engine) loadMember(ctx context.Context, memberID string) (storage.Member, bool, error) {
	member, err := e.store.GetMember(ctx, memberID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Member{}, false, nil
		}
		return storage.Member{}, false, perrors.Wrap(perrors.CodeSyncStoreFailed, "load member", err)
	}
	if !member.IsActive {
		return storage.Member{}, false, nil
	}
	return member, true, nil
}

// ReconcileRank recomputes the member's rank from directory state. Active
// ranks are considered in ascending level order and the first one whose
// bound role the member holds wins; holding none clears the rank.
func (e *Engine) ReconcileRank(ctx context.Context, memberID string) ([]Change, error) {
	member, ok, err := e.loadMember(ctx, memberID)
	if err != nil || !ok {
		return nil, err
	}

	roleMap, err := e.state.DepartmentRoleMap(ctx, member.DepartmentID)
	if err != nil {
		return nil, err
	}
	held, err := e.heldRoles(ctx, member.ExternalUserID, roleMap)
	if err != nil {
		return nil, err
	}
	ranks, err := e.store.ListActiveRanks(ctx, member.DepartmentID)
	if err != nil {
		return nil, perrors.Wrap(perrors.CodeSyncStoreFailed, "list active ranks", err)
	}

	newRankID := ""
	for _, rank := range ranks {
		binding, bound := roleMap.ByRankID[rank.ID]
		if !bound {
			continue
		}
		if matches(binding, held, roleMap.GuildServerID) {
			newRankID = rank.ID
			break
		}
	}

	if newRankID == member.RankID {
		return nil, nil
	}
	if err := e.store.SetMemberRank(ctx, memberID, newRankID, e.now().UTC()); err != nil {
		return nil, perrors.Wrap(perrors.CodeSyncStoreFailed, "set member rank", err)
	}
	log.Printf("reconciled rank for member %s: %q -> %q", memberID, member.RankID, newRankID)
	return []Change{{
		MemberID:     memberID,
		DepartmentID: member.DepartmentID,
		Field:        FieldRank,
		Old:          member.RankID,
		New:          newRankID,
	}}, nil
}

// ReconcileTeam recomputes the member's primary team and team membership
// rows from directory state. Active teams are considered in ascending team
// id order and the first one whose bound role the member holds becomes the
// primary team; membership rows are kept for every held team role and
// removed for the rest.
func (e *Engine) ReconcileTeam(ctx context.Context, memberID string) ([]Change, error) {
	member, ok, err := e.loadMember(ctx, memberID)
	if err != nil || !ok {
		return nil, err
	}

	roleMap, err := e.state.DepartmentRoleMap(ctx, member.DepartmentID)
	if err != nil {
		return nil, err
	}
	held, err := e.heldRoles(ctx, member.ExternalUserID, roleMap)
	if err != nil {
		return nil, err
	}
	teams, err := e.store.ListActiveTeams(ctx, member.DepartmentID)
	if err != nil {
		return nil, perrors.Wrap(perrors.CodeSyncStoreFailed, "list active teams", err)
	}

	newTeamID := ""
	heldTeams := make(map[string]bool, len(teams))
	for _, team := range teams {
		binding, bound := roleMap.ByTeamID[team.ID]
		if !bound {
			continue
		}
		if matches(binding, held, roleMap.GuildServerID) {
			heldTeams[team.ID] = true
			if newTeamID == "" {
				newTeamID = team.ID
			}
		}
	}

	var changes []Change
	if newTeamID != member.PrimaryTeamID {
		if err := e.store.SetMemberTeam(ctx, memberID, newTeamID, e.now().UTC()); err != nil {
			return nil, perrors.Wrap(perrors.CodeSyncStoreFailed, "set member team", err)
		}
		log.Printf("reconciled team for member %s: %q -> %q", memberID, member.PrimaryTeamID, newTeamID)
		changes = append(changes, Change{
			MemberID:     memberID,
			DepartmentID: member.DepartmentID,
			Field:        FieldTeam,
			Old:          member.PrimaryTeamID,
			New:          newTeamID,
		})
	}

	if err := e.syncTeamMemberships(ctx, memberID, heldTeams); err != nil {
		return changes, err
	}
	return changes, nil
}

func (e *Engine) syncTeamMemberships(ctx context.Context, memberID string, heldTeams map[string]bool) error {
	existing, err := e.store.ListTeamMemberships(ctx, memberID)
	if err != nil {
		return perrors.Wrap(perrors.CodeSyncStoreFailed, "list team memberships", err)
	}
	current := make(map[string]bool, len(existing))
	for _, membership := range existing {
		current[membership.TeamID] = true
		if !heldTeams[membership.TeamID] {
			if err := e.store.DeleteTeamMembership(ctx, memberID, membership.TeamID); err != nil {
				return perrors.Wrap(perrors.CodeSyncStoreFailed, "delete team membership", err)
			}
		}
	}
	for teamID := range heldTeams {
		if current[teamID] {
			continue
		}
		err := e.store.PutTeamMembership(ctx, storage.TeamMembership{
			MemberID:  memberID,
			TeamID:    teamID,
			CreatedAt: e.now().UTC(),
		})
		if err != nil {
			return perrors.Wrap(perrors.CodeSyncStoreFailed, "put team membership", err)
		}
	}
	return nil
}
