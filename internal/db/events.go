package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hamzaKhattat/smdr-collector/internal/models"
)

const defaultListLimit = 100

func (s *Store) InsertParseError(ctx context.Context, pe *models.ParseError) error {
	line, err := s.cipher.Encrypt(pe.Line)
	if err != nil {
		return fmt.Errorf("failed to encrypt parse error line: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO parse_errors (line, reason, created_at) VALUES (?, ?, ?)`,
		line, pe.Reason, s.stamp())
	if err != nil {
		return fmt.Errorf("failed to insert parse error: %w", err)
	}
	pe.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) GetParseErrors(ctx context.Context, limit int) ([]models.ParseError, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, line, reason, created_at FROM parse_errors ORDER BY id DESC LIMIT ?`, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query parse errors: %w", err)
	}
	defer rows.Close()

	var out []models.ParseError
	for rows.Next() {
		var (
			pe      models.ParseError
			created string
		)
		if err := rows.Scan(&pe.ID, &pe.Line, &pe.Reason, &created); err != nil {
			return nil, fmt.Errorf("failed to scan parse error: %w", err)
		}
		if plain, ok := s.decryptOrBlank(pe.Line); ok {
			pe.Line = plain
		} else {
			log.Printf("[DB] Parse error %d: line failed integrity check", pe.ID)
			pe.Line = ""
		}
		pe.CreatedAt = parseStamp(created)
		out = append(out, pe)
	}
	return out, rows.Err()
}

func (s *Store) InsertConnectionEvent(ctx context.Context, ev *models.ConnectionEvent) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO connection_events (level, message, created_at) VALUES (?, ?, ?)`,
		string(ev.Level), ev.Message, s.stamp())
	if err != nil {
		return fmt.Errorf("failed to insert connection event: %w", err)
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) GetConnectionEvents(ctx context.Context, limit int) ([]models.ConnectionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, level, message, created_at FROM connection_events ORDER BY id DESC LIMIT ?`, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query connection events: %w", err)
	}
	defer rows.Close()

	var out []models.ConnectionEvent
	for rows.Next() {
		var (
			ev      models.ConnectionEvent
			level   string
			created string
		)
		if err := rows.Scan(&ev.ID, &level, &ev.Message, &created); err != nil {
			return nil, fmt.Errorf("failed to scan connection event: %w", err)
		}
		ev.Level = models.EventLevel(level)
		ev.CreatedAt = parseStamp(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// InsertAlert stores the alert with its originating record as JSON. The
// JSON is encrypted as a whole since it carries the sensitive fields.
func (s *Store) InsertAlert(ctx context.Context, a *models.AlertEvent) error {
	payload, err := json.Marshal(a.Record)
	if err != nil {
		return fmt.Errorf("failed to encode alert record: %w", err)
	}
	recordJSON, err := s.cipher.Encrypt(string(payload))
	if err != nil {
		return fmt.Errorf("failed to encrypt alert record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alert_events (alert_id, type, message, record_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Type, a.Message, recordJSON, s.stamp())
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// GetAlerts returns the newest alerts, optionally of one type.
func (s *Store) GetAlerts(ctx context.Context, alertType string, limit int) ([]models.AlertEvent, error) {
	query := `SELECT alert_id, type, message, record_json, created_at FROM alert_events`
	var args []interface{}
	if alertType != "" {
		query += ` WHERE type = ?`
		args = append(args, alertType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, listLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []models.AlertEvent
	for rows.Next() {
		var (
			a          models.AlertEvent
			recordJSON string
			created    string
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.Message, &recordJSON, &created); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.CreatedAt = parseStamp(created)
		plain, ok := s.decryptOrBlank(recordJSON)
		if !ok {
			a.Record.IntegrityError = "integrity check failed: record_json"
			log.Printf("[DB] Alert %s: record failed integrity check", a.ID)
		} else if err := json.Unmarshal([]byte(plain), &a.Record); err != nil {
			a.Record.IntegrityError = "unreadable record_json"
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > MaxRecordLimit {
		return MaxRecordLimit
	}
	return n
}
