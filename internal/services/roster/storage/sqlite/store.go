// Package sqlite provides a SQLite-backed roster storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/silverpine/rollcall/internal/platform/storage/sqlitemigrate"
	"github.com/silverpine/rollcall/internal/services/roster/storage"
	"github.com/silverpine/rollcall/internal/services/roster/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists roster state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite roster store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection keeps id-number allocation transactions strictly
	// serialized; SQLite is single-writer anyway.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullInt(value int) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullMillis(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return toMillis(value)
}

// PutMember upserts one roster member.
func (s *Store) PutMember(ctx context.Context, member storage.Member) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	memberID := strings.TrimSpace(member.ID)
	if memberID == "" {
		return fmt.Errorf("member id is required")
	}
	if strings.TrimSpace(member.DepartmentID) == "" {
		return fmt.Errorf("department id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO members (id, external_user_id, department_id, rank_id, primary_team_id, id_number, callsign, is_active, last_active_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   external_user_id = excluded.external_user_id,
		   department_id = excluded.department_id,
		   rank_id = excluded.rank_id,
		   primary_team_id = excluded.primary_team_id,
		   id_number = excluded.id_number,
		   callsign = excluded.callsign,
		   is_active = excluded.is_active,
		   last_active_at = excluded.last_active_at,
		   updated_at = excluded.updated_at`,
		memberID,
		strings.TrimSpace(member.ExternalUserID),
		strings.TrimSpace(member.DepartmentID),
		nullString(member.RankID),
		nullString(member.PrimaryTeamID),
		nullInt(member.IDNumber),
		nullString(member.Callsign),
		member.IsActive,
		nullMillis(member.LastActiveAt),
		toMillis(member.CreatedAt),
		toMillis(member.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put member: %w", err)
	}
	return nil
}

// GetMember loads one roster member.
func (s *Store) GetMember(ctx context.Context, memberID string) (storage.Member, error) {
	if err := ctx.Err(); err != nil {
		return storage.Member{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Member{}, fmt.Errorf("storage is not configured")
	}
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return storage.Member{}, fmt.Errorf("member id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, external_user_id, department_id, rank_id, primary_team_id, id_number, callsign, is_active, last_active_at, created_at, updated_at
		 FROM members
		 WHERE id = ?`,
		memberID,
	)
	return scanMember(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (storage.Member, error) {
	var (
		member       storage.Member
		rankID       sql.NullString
		teamID       sql.NullString
		idNumber     sql.NullInt64
		callsign     sql.NullString
		lastActiveAt sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(
		&member.ID,
		&member.ExternalUserID,
		&member.DepartmentID,
		&rankID,
		&teamID,
		&idNumber,
		&callsign,
		&member.IsActive,
		&lastActiveAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Member{}, storage.ErrNotFound
		}
		return storage.Member{}, fmt.Errorf("get member: %w", err)
	}
	member.RankID = rankID.String
	member.PrimaryTeamID = teamID.String
	member.IDNumber = int(idNumber.Int64)
	member.Callsign = callsign.String
	if lastActiveAt.Valid {
		member.LastActiveAt = fromMillis(lastActiveAt.Int64)
	}
	member.CreatedAt = fromMillis(createdAt)
	member.UpdatedAt = fromMillis(updatedAt)
	return member, nil
}

// SetMemberRank writes a reconciled rank and stamps the last-active time.
func (s *Store) SetMemberRank(ctx context.Context, memberID string, rankID string, lastActiveAt time.Time) error {
	return s.setMemberColumn(ctx, memberID, "rank_id", strings.TrimSpace(rankID), lastActiveAt)
}

// SetMemberTeam writes a reconciled primary team and stamps the last-active time.
func (s *Store) SetMemberTeam(ctx context.Context, memberID string, teamID string, lastActiveAt time.Time) error {
	return s.setMemberColumn(ctx, memberID, "primary_team_id", strings.TrimSpace(teamID), lastActiveAt)
}

func (s *Store) setMemberColumn(ctx context.Context, memberID string, column string, value string, lastActiveAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return fmt.Errorf("member id is required")
	}

	now := toMillis(lastActiveAt)
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE members SET `+column+` = ?, last_active_at = ?, updated_at = ? WHERE id = ?`,
		nullString(value),
		now,
		now,
		memberID,
	)
	if err != nil {
		return fmt.Errorf("set member %s: %w", column, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set member %s: %w", column, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetMemberCallsign writes a regenerated callsign.
func (s *Store) SetMemberCallsign(ctx context.Context, memberID string, callsign string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return fmt.Errorf("member id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE members SET callsign = ?, updated_at = ? WHERE id = ?`,
		nullString(callsign),
		toMillis(time.Now()),
		memberID,
	)
	if err != nil {
		return fmt.Errorf("set member callsign: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set member callsign: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

var _ storage.Store = (*Store)(nil)
