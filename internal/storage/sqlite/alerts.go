package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveyegge/thermal/internal/events"
	"github.com/steveyegge/thermal/internal/types"
)

// RecordAlert stores an alert. Re-recording the same ID is ignored.
func (s *Store) RecordAlert(ctx context.Context, a *events.Alert) error {
	if a == nil {
		return fmt.Errorf("alert is required")
	}

	var data sql.NullString
	if len(a.Data) > 0 {
		b, err := json.Marshal(a.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal alert data: %w", err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}

	recorded := a.Timestamp
	if recorded.IsZero() {
		recorded = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO alerts (
			id, type, tick, recorded_at, severity, from_zone, to_zone,
			level, ratio, message, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID,
		string(a.Type),
		int64(a.Tick),
		recorded.UnixMilli(),
		string(a.Severity),
		string(a.From),
		string(a.To),
		string(a.Level),
		a.Ratio,
		a.Message,
		data,
	)
	if err != nil {
		return fmt.Errorf("failed to store alert (type=%s, tick=%d): %w", a.Type, a.Tick, err)
	}
	return nil
}

// RecentAlerts returns alerts matching filter, most recent first
func (s *Store) RecentAlerts(ctx context.Context, filter events.AlertFilter) ([]*events.Alert, error) {
	query := `
		SELECT id, type, tick, recorded_at, severity, from_zone, to_zone,
		       level, ratio, message, data
		FROM alerts
		WHERE 1=1
	`
	args := []interface{}{}

	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(filter.Severity))
	}
	if !filter.Since.IsZero() {
		query += " AND recorded_at >= ?"
		args = append(args, filter.Since.UnixMilli())
	}
	if !filter.Until.IsZero() {
		query += " AND recorded_at < ?"
		args = append(args, filter.Until.UnixMilli())
	}

	query += " ORDER BY recorded_at DESC, tick DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*events.Alert
	for rows.Next() {
		var (
			a                            events.Alert
			typ, severity, from, to, lvl string
			tick, recordedMs             int64
			data                         sql.NullString
		)
		if err := rows.Scan(&a.ID, &typ, &tick, &recordedMs, &severity, &from, &to, &lvl, &a.Ratio, &a.Message, &data); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Type = events.AlertType(typ)
		a.Tick = uint64(tick)
		a.Timestamp = time.UnixMilli(recordedMs)
		a.Severity = events.Severity(severity)
		a.From = types.Zone(from)
		a.To = types.Zone(to)
		a.Level = events.Level(lvl)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &a.Data); err != nil {
				return nil, fmt.Errorf("failed to decode alert data: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
