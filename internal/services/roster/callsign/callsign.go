// Package callsign derives member callsigns from rank, department, id
// number, and team, and manages the department-scoped id number pool
// behind them.
package callsign

import (
	"context"
	"errors"
	"log"
	"strconv"

	perrors "github.com/silverpine/rollcall/internal/platform/errors"
	"github.com/silverpine/rollcall/internal/services/roster/storage"
)

// NoRankToken is the callsign token for members who hold no rank.
const NoRankToken = "0"

// Generate builds a callsign from its parts. Members without a rank get
// the no-rank token and no id number. A positive id number is appended
// with a dash, and a team prefix in parentheses closes the callsign.
func Generate(departmentPrefix, rankToken string, idNumber int, teamPrefix string) string {
	if rankToken == "" {
		return NoRankToken + departmentPrefix
	}
	callsign := rankToken + departmentPrefix
	if idNumber > 0 {
		callsign += "-" + strconv.Itoa(idNumber)
	}
	if teamPrefix != "" {
		callsign += "(" + teamPrefix + ")"
	}
	return callsign
}

// Store is the persistence surface callsign management needs.
type Store interface {
	storage.MemberStore
	storage.DepartmentStore
	storage.RankStore
	storage.TeamStore
	storage.IDNumberStore
}

// Allocator regenerates callsigns and hands out department id numbers.
type Allocator struct {
	store Store
}

// NewAllocator builds a callsign allocator.
func NewAllocator(store Store) *Allocator {
	return &Allocator{store: store}
}

// AllocateDepartmentID assigns the member the lowest available id number
// in the department pool.
func (a *Allocator) AllocateDepartmentID(ctx context.Context, departmentID, memberID string) (int, error) {
	number, err := a.store.AllocateIDNumber(ctx, departmentID, memberID)
	if err != nil {
		if errors.Is(err, storage.ErrIDNumbersExhausted) {
			return 0, perrors.WithMetadata(perrors.CodeIDNumbersExhausted,
				"department id number pool is exhausted",
				map[string]string{"department_id": departmentID})
		}
		if errors.Is(err, storage.ErrNotFound) {
			return 0, perrors.New(perrors.CodeMemberNotFound, "member not found: "+memberID)
		}
		return 0, perrors.Wrap(perrors.CodeSyncStoreFailed, "allocate id number", err)
	}
	return number, nil
}

// Regenerate recomputes the member's callsign from current roster state
// and persists it when it changed. An id number is allocated lazily the
// first time a ranked member needs one; unranked members never consume a
// number. Missing or inactive members are a successful no-op.
func (a *Allocator) Regenerate(ctx context.Context, memberID string) (string, error) {
	member, err := a.store.GetMember(ctx, memberID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", perrors.Wrap(perrors.CodeSyncStoreFailed, "load member", err)
	}
	if !member.IsActive {
		return "", nil
	}

	department, err := a.store.GetDepartment(ctx, member.DepartmentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", perrors.New(perrors.CodeDepartmentNotFound, "department not found: "+member.DepartmentID)
		}
		return "", perrors.Wrap(perrors.CodeSyncStoreFailed, "load department", err)
	}

	rankToken := ""
	if member.RankID != "" {
		rank, err := a.store.GetRank(ctx, member.RankID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", perrors.New(perrors.CodeRoleBindingMissing, "rank not found: "+member.RankID)
			}
			return "", perrors.Wrap(perrors.CodeSyncStoreFailed, "load rank", err)
		}
		rankToken = rank.CallsignToken
	}

	idNumber := member.IDNumber
	if rankToken != "" && idNumber == 0 {
		idNumber, err = a.AllocateDepartmentID(ctx, member.DepartmentID, member.ID)
		if err != nil {
			return "", err
		}
		log.Printf("allocated id number %d for member %s", idNumber, member.ID)
	}

	teamPrefix := ""
	if member.PrimaryTeamID != "" {
		team, err := a.store.GetTeam(ctx, member.PrimaryTeamID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", perrors.New(perrors.CodeRoleBindingMissing, "team not found: "+member.PrimaryTeamID)
			}
			return "", perrors.Wrap(perrors.CodeSyncStoreFailed, "load team", err)
		}
		teamPrefix = team.Prefix
	}

	generated := Generate(department.Prefix, rankToken, idNumber, teamPrefix)
	if generated == member.Callsign {
		return generated, nil
	}
	if err := a.store.SetMemberCallsign(ctx, member.ID, generated); err != nil {
		return "", perrors.Wrap(perrors.CodeSyncStoreFailed, "set member callsign", err)
	}
	log.Printf("callsign for member %s: %q -> %q", member.ID, member.Callsign, generated)
	return generated, nil
}
