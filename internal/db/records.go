package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/hamzaKhattat/smdr-collector/internal/alerts"
	"github.com/hamzaKhattat/smdr-collector/internal/cipher"
	"github.com/hamzaKhattat/smdr-collector/internal/models"
)

const (
	DefaultRecordLimit = 500
	MaxRecordLimit     = 50000
	maxFilterLength    = 32
)

// Inputs of this shape are matched exactly when encryption is off;
// anything else becomes a substring search.
var identifierFilter = regexp.MustCompile(`^[A-Za-z0-9*#_-]{2,24}$`)

const recordColumns = `id, call_date, start_time, duration, calling_party, called_party, third_party,
	trunk_number, digits_dialed, account_code, completion_status, transfer_flag, call_identifier,
	call_sequence, associated_identifier, network_oli, call_type, raw_line, created_at`

// InsertRecord stores rec with its sensitive fields encrypted and returns the row id.
func (s *Store) InsertRecord(ctx context.Context, rec *models.Record) (int64, error) {
	enc, err := s.encryptFields(rec.CallingParty, rec.CalledParty, rec.ThirdParty, rec.DigitsDialed, rec.AccountCode, rec.RawLine)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO smdr_records (call_date, start_time, duration, duration_seconds,
			calling_party, called_party, third_party, trunk_number, digits_dialed, account_code,
			completion_status, transfer_flag, call_identifier, call_sequence, associated_identifier,
			network_oli, call_type, raw_line, calling_party_hash, called_party_hash, account_code_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Date, rec.StartTime, rec.Duration, alerts.DurationSeconds(rec.Duration),
		enc[0], enc[1], enc[2], rec.TrunkNumber, enc[3], enc[4],
		rec.CompletionStatus, rec.TransferFlag, rec.CallIdentifier, rec.CallSequence, rec.AssociatedIdentifier,
		rec.NetworkOLI, string(rec.CallType), enc[5],
		s.cipher.HashForIndex(rec.CallingParty), s.cipher.HashForIndex(rec.CalledParty), s.cipher.HashForIndex(rec.AccountCode),
		s.stamp(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read record id: %w", err)
	}
	rec.ID = id
	return id, nil
}

// GetRecords returns records newest first.
func (s *Store) GetRecords(ctx context.Context, f models.RecordFilters) ([]models.Record, error) {
	where, args := s.recordWhere(f)

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultRecordLimit
	}
	if limit > MaxRecordLimit {
		limit = MaxRecordLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := "SELECT " + recordColumns + " FROM smdr_records" + where +
		" ORDER BY call_date DESC, start_time DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountRecords counts records matching f, ignoring limit and offset.
func (s *Store) CountRecords(ctx context.Context, f models.RecordFilters) (int, error) {
	where, args := s.recordWhere(f)
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM smdr_records"+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func (s *Store) recordWhere(f models.RecordFilters) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if f.Date != "" {
		conds = append(conds, "call_date = ?")
		args = append(args, f.Date)
	}
	if ext := strings.TrimSpace(f.Extension); ext != "" {
		switch {
		case s.Encrypted():
			h := s.cipher.HashForIndex(ext)
			conds = append(conds, "(calling_party_hash = ? OR called_party_hash = ?)")
			args = append(args, h, h)
		case identifierFilter.MatchString(ext):
			conds = append(conds, "(calling_party = ? OR called_party = ? OR third_party = ?)")
			args = append(args, ext, ext, ext)
		default:
			like := "%" + truncate(ext, maxFilterLength) + "%"
			conds = append(conds, "(calling_party LIKE ? OR called_party LIKE ? OR third_party LIKE ?)")
			args = append(args, like, like, like)
		}
	}
	if acc := truncate(strings.TrimSpace(f.AccountCode), maxFilterLength); acc != "" {
		switch {
		case s.Encrypted():
			conds = append(conds, "account_code_hash = ?")
			args = append(args, s.cipher.HashForIndex(acc))
		case identifierFilter.MatchString(acc):
			conds = append(conds, "account_code = ?")
			args = append(args, acc)
		default:
			conds = append(conds, "account_code LIKE ?")
			args = append(args, "%"+acc+"%")
		}
	}
	if f.CallType != "" {
		conds = append(conds, "call_type = ?")
		args = append(args, string(f.CallType))
	}
	if f.CompletionStatus != "" {
		conds = append(conds, "completion_status = ?")
		args = append(args, strings.ToUpper(f.CompletionStatus))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanRecord(row scanner) (models.Record, error) {
	var (
		rec       models.Record
		callType  string
		createdAt string
	)
	err := row.Scan(&rec.ID, &rec.Date, &rec.StartTime, &rec.Duration, &rec.CallingParty, &rec.CalledParty,
		&rec.ThirdParty, &rec.TrunkNumber, &rec.DigitsDialed, &rec.AccountCode, &rec.CompletionStatus,
		&rec.TransferFlag, &rec.CallIdentifier, &rec.CallSequence, &rec.AssociatedIdentifier,
		&rec.NetworkOLI, &callType, &rec.RawLine, &createdAt)
	if err != nil {
		return rec, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.CallType = models.CallType(callType)
	rec.CreatedAt = parseStamp(createdAt)

	fields := []struct {
		name string
		ptr  *string
	}{
		{"calling_party", &rec.CallingParty},
		{"called_party", &rec.CalledParty},
		{"third_party", &rec.ThirdParty},
		{"digits_dialed", &rec.DigitsDialed},
		{"account_code", &rec.AccountCode},
		{"raw_line", &rec.RawLine},
	}
	var failed []string
	for _, f := range fields {
		plain, err := s.cipher.Decrypt(*f.ptr)
		if errors.Is(err, cipher.ErrIntegrity) {
			failed = append(failed, f.name)
			*f.ptr = ""
			continue
		}
		*f.ptr = plain
	}
	if len(failed) > 0 {
		rec.IntegrityError = "integrity check failed: " + strings.Join(failed, ", ")
		log.Printf("[DB] Record %d: %s", rec.ID, rec.IntegrityError)
	}
	return rec, nil
}

// encryptFields encrypts each value in order.
func (s *Store) encryptFields(values ...string) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		enc, err := s.cipher.Encrypt(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt field: %w", err)
		}
		out[i] = enc
	}
	return out, nil
}

// decryptOrBlank is used where a single failing value must not fail the query.
func (s *Store) decryptOrBlank(v string) (string, bool) {
	plain, err := s.cipher.Decrypt(v)
	if err != nil {
		return "", false
	}
	return plain, true
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
