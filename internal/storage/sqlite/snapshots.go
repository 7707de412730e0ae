package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveyegge/thermal/internal/types"
)

// RecordSnapshot stores one published snapshot
func (s *Store) RecordSnapshot(ctx context.Context, snap *types.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is required")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	recorded := snap.Timestamp
	if recorded.IsZero() {
		recorded = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (
			tick, recorded_at, pressure, ceiling, ratio, momentum,
			overflow, zone, coherence, trend, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		int64(snap.Tick),
		recorded.UnixMilli(),
		snap.Pressure,
		snap.Ceiling,
		snap.Ratio,
		snap.Momentum,
		snap.Overflow,
		string(snap.Zone),
		snap.Coherence,
		string(snap.Trend),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to store snapshot (tick=%d): %w", snap.Tick, err)
	}
	return nil
}

// RecentSnapshots returns up to limit snapshots, most recent first
func (s *Store) RecentSnapshots(ctx context.Context, limit int) ([]*types.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM snapshots
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		var snap types.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		out = append(out, &snap)
	}
	return out, rows.Err()
}
