package sqlite

import (
	"context"
	"fmt"
	"time"
)

// criticalSeverities outlive the regular alert retention
var criticalSeverities = []interface{}{"error", "critical"}

// PruneCounts reports rows removed by PruneBefore
type PruneCounts struct {
	Snapshots      int
	Alerts         int
	CriticalAlerts int
}

// Total returns the number of rows removed
func (c PruneCounts) Total() int {
	return c.Snapshots + c.Alerts + c.CriticalAlerts
}

// Counts holds row statistics for monitoring
type Counts struct {
	Snapshots        int
	Alerts           int
	AlertsBySeverity map[string]int
	AlertsByType     map[string]int
}

// PruneBefore deletes snapshots recorded before snapshotCutoff, regular alerts
// before alertCutoff, and error/critical alerts before criticalCutoff.
// A zero cutoff skips that class. Deletes run in batches of batchSize.
func (s *Store) PruneBefore(ctx context.Context, snapshotCutoff, alertCutoff, criticalCutoff time.Time, batchSize int) (PruneCounts, error) {
	var counts PruneCounts
	if batchSize < 1 {
		return counts, fmt.Errorf("batch size must be at least 1")
	}

	var err error
	if !snapshotCutoff.IsZero() {
		counts.Snapshots, err = s.deleteBatched(ctx, `
			DELETE FROM snapshots WHERE id IN (
				SELECT id FROM snapshots WHERE recorded_at < ?
				ORDER BY recorded_at ASC LIMIT ?
			)`, []interface{}{snapshotCutoff.UnixMilli()}, batchSize)
		if err != nil {
			return counts, fmt.Errorf("failed to delete old snapshots: %w", err)
		}
	}

	if !alertCutoff.IsZero() {
		counts.Alerts, err = s.deleteBatched(ctx, `
			DELETE FROM alerts WHERE id IN (
				SELECT id FROM alerts WHERE recorded_at < ?
				AND severity NOT IN (?, ?)
				ORDER BY recorded_at ASC LIMIT ?
			)`, append([]interface{}{alertCutoff.UnixMilli()}, criticalSeverities...), batchSize)
		if err != nil {
			return counts, fmt.Errorf("failed to delete old alerts: %w", err)
		}
	}

	if !criticalCutoff.IsZero() {
		counts.CriticalAlerts, err = s.deleteBatched(ctx, `
			DELETE FROM alerts WHERE id IN (
				SELECT id FROM alerts WHERE recorded_at < ?
				AND severity IN (?, ?)
				ORDER BY recorded_at ASC LIMIT ?
			)`, append([]interface{}{criticalCutoff.UnixMilli()}, criticalSeverities...), batchSize)
		if err != nil {
			return counts, fmt.Errorf("failed to delete old critical alerts: %w", err)
		}
	}

	return counts, nil
}

// deleteBatched runs query until it affects fewer than batchSize rows.
// The batch size is appended as the final argument.
func (s *Store) deleteBatched(ctx context.Context, query string, args []interface{}, batchSize int) (int, error) {
	total := 0
	args = append(args, batchSize)
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("failed to execute delete: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += int(n)
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

// Counts returns row statistics
func (s *Store) Counts(ctx context.Context) (*Counts, error) {
	c := &Counts{
		AlertsBySeverity: map[string]int{},
		AlertsByType:     map[string]int{},
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&c.Snapshots); err != nil {
		return nil, fmt.Errorf("failed to count snapshots: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`).Scan(&c.Alerts); err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}
	if err := s.groupCount(ctx, "severity", c.AlertsBySeverity); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, "type", c.AlertsByType); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) groupCount(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s, COUNT(*) FROM alerts GROUP BY %s`, column, column))
	if err != nil {
		return fmt.Errorf("failed to count alerts by %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan alert count: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}

// Vacuum reclaims space after large prunes
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}
