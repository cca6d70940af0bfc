package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/silverpine/rollcall/internal/services/roster/storage"
)

// AllocateIDNumber atomically assigns the lowest available id number in the
// department pool to the member. The read-pick-mark sequence runs inside one
// transaction so concurrent callers never receive the same number.
func (s *Store) AllocateIDNumber(ctx context.Context, departmentID string, memberID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	departmentID = strings.TrimSpace(departmentID)
	memberID = strings.TrimSpace(memberID)
	if departmentID == "" {
		return 0, fmt.Errorf("department id is required")
	}
	if memberID == "" {
		return 0, fmt.Errorf("member id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin id number allocation: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback id number allocation: %v", cause, rollbackErr)
		}
		return cause
	}

	// A member that already holds a number keeps it.
	var existing int
	err = tx.QueryRowContext(
		ctx,
		`SELECT number FROM department_id_numbers
		 WHERE department_id = ? AND member_id = ? AND is_available = 0`,
		departmentID,
		memberID,
	).Scan(&existing)
	if err == nil {
		if commitErr := tx.Commit(); commitErr != nil {
			return 0, fmt.Errorf("commit id number allocation: %w", commitErr)
		}
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, rollbackWith(fmt.Errorf("check existing id number: %w", err))
	}

	var number int
	err = tx.QueryRowContext(
		ctx,
		`SELECT number FROM department_id_numbers
		 WHERE department_id = ? AND is_available = 1
		 ORDER BY number ASC
		 LIMIT 1`,
		departmentID,
	).Scan(&number)
	switch {
	case err == nil:
		result, execErr := tx.ExecContext(
			ctx,
			`UPDATE department_id_numbers SET is_available = 0, member_id = ?
			 WHERE department_id = ? AND number = ? AND is_available = 1`,
			memberID,
			departmentID,
			number,
		)
		if execErr != nil {
			return 0, rollbackWith(fmt.Errorf("claim id number %d: %w", number, execErr))
		}
		affected, execErr := result.RowsAffected()
		if execErr != nil {
			return 0, rollbackWith(fmt.Errorf("claim id number %d: %w", number, execErr))
		}
		if affected == 0 {
			return 0, rollbackWith(fmt.Errorf("claim id number %d: row no longer available", number))
		}
	case errors.Is(err, sql.ErrNoRows):
		// No released number: extend the pool with max+1.
		var next int
		if scanErr := tx.QueryRowContext(
			ctx,
			`SELECT COALESCE(MAX(number) + 1, ?) FROM department_id_numbers WHERE department_id = ?`,
			storage.IDNumberMin,
			departmentID,
		).Scan(&next); scanErr != nil {
			return 0, rollbackWith(fmt.Errorf("compute next id number: %w", scanErr))
		}
		if next > storage.IDNumberMax {
			return 0, rollbackWith(storage.ErrIDNumbersExhausted)
		}
		if _, execErr := tx.ExecContext(
			ctx,
			`INSERT INTO department_id_numbers (department_id, number, is_available, member_id)
			 VALUES (?, ?, 0, ?)`,
			departmentID,
			next,
			memberID,
		); execErr != nil {
			return 0, rollbackWith(fmt.Errorf("insert id number %d: %w", next, execErr))
		}
		number = next
	default:
		return 0, rollbackWith(fmt.Errorf("pick available id number: %w", err))
	}

	result, err := tx.ExecContext(
		ctx,
		`UPDATE members SET id_number = ?, updated_at = ? WHERE id = ?`,
		number,
		toMillis(time.Now()),
		memberID,
	)
	if err != nil {
		return 0, rollbackWith(fmt.Errorf("bind id number to member: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, rollbackWith(fmt.Errorf("bind id number to member: %w", err))
	}
	if affected == 0 {
		return 0, rollbackWith(storage.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit id number allocation: %w", err)
	}
	return number, nil
}

// ReleaseIDNumber returns a member's id number to the department pool.
func (s *Store) ReleaseIDNumber(ctx context.Context, memberID string) error {
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

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin id number release: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback id number release: %v", cause, rollbackErr)
		}
		return cause
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE department_id_numbers SET is_available = 1, member_id = NULL WHERE member_id = ?`,
		memberID,
	); err != nil {
		return rollbackWith(fmt.Errorf("release id number: %w", err))
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE members SET id_number = NULL, updated_at = ? WHERE id = ?`,
		toMillis(time.Now()),
		memberID,
	); err != nil {
		return rollbackWith(fmt.Errorf("clear member id number: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit id number release: %w", err)
	}
	return nil
}

// ListIDNumbers returns the department's id number pool ordered by number.
func (s *Store) ListIDNumbers(ctx context.Context, departmentID string) ([]storage.IDNumberAssignment, error) {
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
		`SELECT department_id, number, is_available, member_id
		 FROM department_id_numbers
		 WHERE department_id = ?
		 ORDER BY number ASC`,
		departmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list id numbers: %w", err)
	}
	defer rows.Close()

	var assignments []storage.IDNumberAssignment
	for rows.Next() {
		var (
			assignment storage.IDNumberAssignment
			memberID   sql.NullString
		)
		if err := rows.Scan(&assignment.DepartmentID, &assignment.Number, &assignment.IsAvailable, &memberID); err != nil {
			return nil, fmt.Errorf("list id numbers: %w", err)
		}
		assignment.MemberID = memberID.String
		assignments = append(assignments, assignment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list id numbers: %w", err)
	}
	return assignments, nil
}
