package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/silverpine/rollcall/internal/services/roster/storage"
)

// PutDepartment upserts one department.
func (s *Store) PutDepartment(ctx context.Context, department storage.Department) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	departmentID := strings.TrimSpace(department.ID)
	if departmentID == "" {
		return fmt.Errorf("department id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO departments (id, name, prefix, guild_server_id)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   prefix = excluded.prefix,
		   guild_server_id = excluded.guild_server_id`,
		departmentID,
		department.Name,
		department.Prefix,
		strings.TrimSpace(department.GuildServerID),
	)
	if err != nil {
		return fmt.Errorf("put department: %w", err)
	}
	return nil
}

// GetDepartment loads one department.
func (s *Store) GetDepartment(ctx context.Context, departmentID string) (storage.Department, error) {
	if err := ctx.Err(); err != nil {
		return storage.Department{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Department{}, fmt.Errorf("storage is not configured")
	}
	departmentID = strings.TrimSpace(departmentID)
	if departmentID == "" {
		return storage.Department{}, fmt.Errorf("department id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, name, prefix, guild_server_id FROM departments WHERE id = ?`,
		departmentID,
	)
	var department storage.Department
	err := row.Scan(&department.ID, &department.Name, &department.Prefix, &department.GuildServerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Department{}, storage.ErrNotFound
		}
		return storage.Department{}, fmt.Errorf("get department: %w", err)
	}
	return department, nil
}

// PutRank upserts one rank with its role binding.
func (s *Store) PutRank(ctx context.Context, rank storage.Rank) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	rankID := strings.TrimSpace(rank.ID)
	if rankID == "" {
		return fmt.Errorf("rank id is required")
	}
	if strings.TrimSpace(rank.DepartmentID) == "" {
		return fmt.Errorf("department id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO ranks (id, department_id, name, level, callsign_token, role_id, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   department_id = excluded.department_id,
		   name = excluded.name,
		   level = excluded.level,
		   callsign_token = excluded.callsign_token,
		   role_id = excluded.role_id,
		   is_active = excluded.is_active`,
		rankID,
		strings.TrimSpace(rank.DepartmentID),
		rank.Name,
		rank.Level,
		rank.CallsignToken,
		strings.TrimSpace(rank.RoleID),
		rank.IsActive,
	)
	if err != nil {
		return fmt.Errorf("put rank: %w", err)
	}
	return nil
}

// GetRank loads one rank.
func (s *Store) GetRank(ctx context.Context, rankID string) (storage.Rank, error) {
	if err := ctx.Err(); err != nil {
		return storage.Rank{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Rank{}, fmt.Errorf("storage is not configured")
	}
	rankID = strings.TrimSpace(rankID)
	if rankID == "" {
		return storage.Rank{}, fmt.Errorf("rank id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, department_id, name, level, callsign_token, role_id, is_active
		 FROM ranks WHERE id = ?`,
		rankID,
	)
	var rank storage.Rank
	err := row.Scan(&rank.ID, &rank.DepartmentID, &rank.Name, &rank.Level, &rank.CallsignToken, &rank.RoleID, &rank.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Rank{}, storage.ErrNotFound
		}
		return storage.Rank{}, fmt.Errorf("get rank: %w", err)
	}
	return rank, nil
}

// ListActiveRanks returns a department's active ranks in ascending level order.
func (s *Store) ListActiveRanks(ctx context.Context, departmentID string) ([]storage.Rank, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	departmentID = strings.TrimSpace(departmentID)
	if departmentID == "" {
		return nil, fmt.Errorf("department id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, department_id, name, level, callsign_token, role_id, is_active
		 FROM ranks
		 WHERE department_id = ? AND is_active = 1
		 ORDER BY level ASC, id ASC`,
		departmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active ranks: %w", err)
	}
	defer rows.Close()

	var ranks []storage.Rank
	for rows.Next() {
		var rank storage.Rank
		if err := rows.Scan(&rank.ID, &rank.DepartmentID, &rank.Name, &rank.Level, &rank.CallsignToken, &rank.RoleID, &rank.IsActive); err != nil {
			return nil, fmt.Errorf("list active ranks: %w", err)
		}
		ranks = append(ranks, rank)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active ranks: %w", err)
	}
	return ranks, nil
}

// PutTeam upserts one team with its role binding.
func (s *Store) PutTeam(ctx context.Context, team storage.Team) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	teamID := strings.TrimSpace(team.ID)
	if teamID == "" {
		return fmt.Errorf("team id is required")
	}
	if strings.TrimSpace(team.DepartmentID) == "" {
		return fmt.Errorf("department id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO teams (id, department_id, name, prefix, role_id, is_active)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   department_id = excluded.department_id,
		   name = excluded.name,
		   prefix = excluded.prefix,
		   role_id = excluded.role_id,
		   is_active = excluded.is_active`,
		teamID,
		strings.TrimSpace(team.DepartmentID),
		team.Name,
		team.Prefix,
		strings.TrimSpace(team.RoleID),
		team.IsActive,
	)
	if err != nil {
		return fmt.Errorf("put team: %w", err)
	}
	return nil
}

// GetTeam loads one team.
func (s *Store) GetTeam(ctx context.Context, teamID string) (storage.Team, error) {
	if err := ctx.Err(); err != nil {
		return storage.Team{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Team{}, fmt.Errorf("storage is not configured")
	}
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return storage.Team{}, fmt.Errorf("team id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, department_id, name, prefix, role_id, is_active FROM teams WHERE id = ?`,
		teamID,
	)
	var team storage.Team
	err := row.Scan(&team.ID, &team.DepartmentID, &team.Name, &team.Prefix, &team.RoleID, &team.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Team{}, storage.ErrNotFound
		}
		return storage.Team{}, fmt.Errorf("get team: %w", err)
	}
	return team, nil
}

// ListActiveTeams returns a department's active teams ordered by team id.
func (s *Store) ListActiveTeams(ctx context.Context, departmentID string) ([]storage.Team, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	departmentID = strings.TrimSpace(departmentID)
	if departmentID == "" {
		return nil, fmt.Errorf("department id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, department_id, name, prefix, role_id, is_active
		 FROM teams
		 WHERE department_id = ? AND is_active = 1
		 ORDER BY id ASC`,
		departmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active teams: %w", err)
	}
	defer rows.Close()

	var teams []storage.Team
	for rows.Next() {
		var team storage.Team
		if err := rows.Scan(&team.ID, &team.DepartmentID, &team.Name, &team.Prefix, &team.RoleID, &team.IsActive); err != nil {
			return nil, fmt.Errorf("list active teams: %w", err)
		}
		teams = append(teams, team)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active teams: %w", err)
	}
	return teams, nil
}

// PutTeamMembership upserts one team membership row.
func (s *Store) PutTeamMembership(ctx context.Context, membership storage.TeamMembership) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	memberID := strings.TrimSpace(membership.MemberID)
	teamID := strings.TrimSpace(membership.TeamID)
	if memberID == "" {
		return fmt.Errorf("member id is required")
	}
	if teamID == "" {
		return fmt.Errorf("team id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO team_memberships (member_id, team_id, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(member_id, team_id) DO NOTHING`,
		memberID,
		teamID,
		toMillis(membership.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put team membership: %w", err)
	}
	return nil
}

// DeleteTeamMembership removes one team membership row.
func (s *Store) DeleteTeamMembership(ctx context.Context, memberID string, teamID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	memberID = strings.TrimSpace(memberID)
	teamID = strings.TrimSpace(teamID)
	if memberID == "" {
		return fmt.Errorf("member id is required")
	}
	if teamID == "" {
		return fmt.Errorf("team id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM team_memberships WHERE member_id = ? AND team_id = ?`,
		memberID,
		teamID,
	)
	if err != nil {
		return fmt.Errorf("delete team membership: %w", err)
	}
	return nil
}

// ListTeamMemberships returns a member's team membership rows.
func (s *Store) ListTeamMemberships(ctx context.Context, memberID string) ([]storage.TeamMembership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return nil, fmt.Errorf("member id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT member_id, team_id, created_at FROM team_memberships WHERE member_id = ? ORDER BY team_id ASC`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("list team memberships: %w", err)
	}
	defer rows.Close()

	var memberships []storage.TeamMembership
	for rows.Next() {
		var (
			membership storage.TeamMembership
			createdAt  int64
		)
		if err := rows.Scan(&membership.MemberID, &membership.TeamID, &createdAt); err != nil {
			return nil, fmt.Errorf("list team memberships: %w", err)
		}
		membership.CreatedAt = fromMillis(createdAt)
		memberships = append(memberships, membership)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list team memberships: %w", err)
	}
	return memberships, nil
}
