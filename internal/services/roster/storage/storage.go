// Package storage defines the persistence contracts for the roster service.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrIDNumbersExhausted indicates a department has no id numbers left in range.
var ErrIDNumbersExhausted = errors.New("department id numbers exhausted")

// IDNumberMin is the lowest assignable department id number.
const IDNumberMin = 100

// IDNumberMax is the highest assignable department id number.
const IDNumberMax = 999

// Member is a roster member record. RankID, PrimaryTeamID, IDNumber, and
// Callsign are derived by the sync engine; empty string and zero mean
// "unassigned".
type Member struct {
	ID             string
	ExternalUserID string
	DepartmentID   string
	RankID         string
	PrimaryTeamID  string
	IDNumber       int
	Callsign       string
	IsActive       bool
	LastActiveAt   time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Department is a roster department with its callsign prefix and the
// external guild that owns its role grants.
type Department struct {
	ID            string
	Name          string
	Prefix        string
	GuildServerID string
}

// Rank binds a department rank to an external directory role. A rank with
// an empty RoleID never participates in directory operations.
type Rank struct {
	ID            string
	DepartmentID  string
	Name          string
	Level         int
	CallsignToken string
	RoleID        string
	IsActive      bool
}

// Team binds a department team to an external directory role. A team with
// an empty RoleID never participates in directory operations.
type Team struct {
	ID           string
	DepartmentID string
	Name         string
	Prefix       string
	RoleID       string
	IsActive     bool
}

// TeamMembership records that a member belongs to a team.
type TeamMembership struct {
	MemberID  string
	TeamID    string
	CreatedAt time.Time
}

// IDNumberAssignment is one row of the department-scoped id number pool.
type IDNumberAssignment struct {
	DepartmentID string
	Number       int
	IsAvailable  bool
	MemberID     string
}

// MemberStore persists roster members and the fields the engine derives.
type MemberStore interface {
	PutMember(ctx context.Context, member Member) error
	GetMember(ctx context.Context, memberID string) (Member, error)
	// SetMemberRank writes a reconciled rank (empty = no rank) and stamps
	// the member's last-active time.
	SetMemberRank(ctx context.Context, memberID string, rankID string, lastActiveAt time.Time) error
	// SetMemberTeam writes a reconciled primary team (empty = no team) and
	// stamps the member's last-active time.
	SetMemberTeam(ctx context.Context, memberID string, teamID string, lastActiveAt time.Time) error
	SetMemberCallsign(ctx context.Context, memberID string, callsign string) error
}

// DepartmentStore persists departments.
type DepartmentStore interface {
	PutDepartment(ctx context.Context, department Department) error
	GetDepartment(ctx context.Context, departmentID string) (Department, error)
}

// RankStore persists ranks and their role bindings.
type RankStore interface {
	PutRank(ctx context.Context, rank Rank) error
	GetRank(ctx context.Context, rankID string) (Rank, error)
	// ListActiveRanks returns a department's active ranks in ascending
	// level order.
	ListActiveRanks(ctx context.Context, departmentID string) ([]Rank, error)
}

// TeamStore persists teams and their role bindings.
type TeamStore interface {
	PutTeam(ctx context.Context, team Team) error
	GetTeam(ctx context.Context, teamID string) (Team, error)
	// ListActiveTeams returns a department's active teams ordered by team
	// id ascending, which fixes the reconciliation tie-break order.
	ListActiveTeams(ctx context.Context, departmentID string) ([]Team, error)
}

// TeamMembershipStore persists team membership rows.
type TeamMembershipStore interface {
	PutTeamMembership(ctx context.Context, membership TeamMembership) error
	DeleteTeamMembership(ctx context.Context, memberID string, teamID string) error
	ListTeamMemberships(ctx context.Context, memberID string) ([]TeamMembership, error)
}

// IDNumberStore manages the department-scoped id number pool.
type IDNumberStore interface {
	// AllocateIDNumber atomically assigns the lowest available id number in
	// [IDNumberMin, IDNumberMax] to the member, extending the pool with
	// max+1 when no released number exists. Two concurrent callers never
	// receive the same number. Returns ErrIDNumbersExhausted when the next
	// number would exceed IDNumberMax.
	AllocateIDNumber(ctx context.Context, departmentID string, memberID string) (int, error)
	// ReleaseIDNumber returns a member's id number to the pool.
	ReleaseIDNumber(ctx context.Context, memberID string) error
	ListIDNumbers(ctx context.Context, departmentID string) ([]IDNumberAssignment, error)
}

// Store aggregates the roster persistence surface.
type Store interface {
	MemberStore
	DepartmentStore
	RankStore
	TeamStore
	TeamMembershipStore
	IDNumberStore
	Close() error
}
