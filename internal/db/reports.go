package db

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hamzaKhattat/smdr-collector/internal/models"
)

const topN = 10

// DashboardMetrics summarises the records of one call date (YYYY-MM-DD).
func (s *Store) DashboardMetrics(ctx context.Context, date string) (*models.DashboardMetrics, error) {
	m := &models.DashboardMetrics{Date: date}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN call_type = 'internal' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN call_type = 'external' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(duration_seconds), 0),
			COALESCE(MAX(duration_seconds), 0)
		FROM smdr_records WHERE call_date = ?`, date).
		Scan(&m.TotalCalls, &m.InternalCalls, &m.ExternalCalls, &m.TotalSeconds, &m.LongestSeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to query dashboard totals: %w", err)
	}
	if m.TotalCalls > 0 {
		m.AverageSeconds = m.TotalSeconds / m.TotalCalls
	}

	if err := s.callsPerHour(ctx, date, &m.CallsPerHour); err != nil {
		return nil, err
	}

	if m.TopExtensions, err = s.topByHash(ctx, "calling_party", "call_date = ?", date); err != nil {
		return nil, err
	}
	if m.CompletionCounts, err = s.countBy(ctx, "completion_status", "call_date = ?", date); err != nil {
		return nil, err
	}

	like := date + "%"
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM parse_errors WHERE created_at LIKE ?`, like).Scan(&m.ParseErrors); err != nil {
		return nil, fmt.Errorf("failed to count parse errors: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alert_events WHERE created_at LIKE ?`, like).Scan(&m.Alerts); err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}
	return m, nil
}

// AnalyticsSnapshot summarises call dates from start to end inclusive.
func (s *Store) AnalyticsSnapshot(ctx context.Context, start, end string) (*models.AnalyticsSnapshot, error) {
	a := &models.AnalyticsSnapshot{StartDate: start, EndDate: end}
	where := "call_date >= ? AND call_date <= ?"

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(duration_seconds), 0) FROM smdr_records WHERE `+where, start, end).
		Scan(&a.TotalCalls, &a.TotalSeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to query analytics totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT call_date, COUNT(*) FROM smdr_records WHERE `+where+` GROUP BY call_date ORDER BY call_date`, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query calls per day: %w", err)
	}
	a.CallsPerDay, err = scanCounts(rows)
	if err != nil {
		return nil, err
	}

	if a.TopCallers, err = s.topByHash(ctx, "calling_party", where, start, end); err != nil {
		return nil, err
	}
	if a.TopDestinations, err = s.topByHash(ctx, "called_party", where, start, end); err != nil {
		return nil, err
	}
	if a.AccountCodeUsage, err = s.topByHash(ctx, "account_code", where, start, end); err != nil {
		return nil, err
	}
	if a.TrunkUsage, err = s.countBy(ctx, "trunk_number", where, start, end); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) callsPerHour(ctx context.Context, date string, out *[24]int) error {
	rows, err := s.db.QueryContext(ctx, `SELECT start_time FROM smdr_records WHERE call_date = ?`, date)
	if err != nil {
		return fmt.Errorf("failed to query start times: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return fmt.Errorf("failed to scan start time: %w", err)
		}
		if len(st) < 2 {
			continue
		}
		if h, err := strconv.Atoi(st[:2]); err == nil && h >= 0 && h < 24 {
			out[h]++
		}
	}
	return rows.Err()
}

// topByHash groups an encrypted column by its hash column and decrypts one
// representative value per group. Works unencrypted too, the hash is always stored.
func (s *Store) topByHash(ctx context.Context, column, where string, args ...interface{}) ([]models.CountEntry, error) {
	query := fmt.Sprintf(`SELECT MAX(%[1]s), COUNT(*) FROM smdr_records
		WHERE %[2]s AND %[1]s_hash <> ''
		GROUP BY %[1]s_hash ORDER BY COUNT(*) DESC LIMIT %[3]d`, column, where, topN)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query top %s: %w", column, err)
	}
	entries, err := scanCounts(rows)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if plain, ok := s.decryptOrBlank(entries[i].Key); ok {
			entries[i].Key = plain
		} else {
			entries[i].Key = "[integrity error]"
		}
	}
	return entries, nil
}

// countBy groups a plaintext column.
func (s *Store) countBy(ctx context.Context, column, where string, args ...interface{}) ([]models.CountEntry, error) {
	query := fmt.Sprintf(`SELECT %[1]s, COUNT(*) FROM smdr_records
		WHERE %[2]s AND %[1]s <> ''
		GROUP BY %[1]s ORDER BY COUNT(*) DESC, %[1]s`, column, where)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count by %s: %w", column, err)
	}
	return scanCounts(rows)
}

type rowsScanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	Close() error
}

func scanCounts(rows rowsScanner) ([]models.CountEntry, error) {
	defer rows.Close()
	var out []models.CountEntry
	for rows.Next() {
		var e models.CountEntry
		if err := rows.Scan(&e.Key, &e.Count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
