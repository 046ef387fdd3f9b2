package db

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/hamzaKhattat/smdr-collector/internal/models"
)

var csvHeader = []string{
	"id", "date", "start_time", "duration", "calling_party", "called_party", "third_party",
	"trunk_number", "digits_dialed", "account_code", "completion_status", "transfer_flag",
	"call_identifier", "call_sequence", "associated_identifier", "network_oli", "call_type",
	"raw_line", "integrity_error",
}

// exportPageSize is how many rows ExportCSV reads per query.
var exportPageSize = MaxRecordLimit

// ExportCSV writes the matching records, decrypted, as CSV. A zero limit
// exports every matching row, reading exportPageSize rows at a time.
func (s *Store) ExportCSV(ctx context.Context, w io.Writer, f models.RecordFilters) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("failed to write csv header: %w", err)
	}

	remaining := f.Limit
	page := f
	if page.Offset < 0 {
		page.Offset = 0
	}
	total := 0
	for {
		page.Limit = exportPageSize
		if remaining > 0 && remaining < page.Limit {
			page.Limit = remaining
		}
		records, err := s.GetRecords(ctx, page)
		if err != nil {
			return total, err
		}
		for _, r := range records {
			row := []string{
				strconv.FormatInt(r.ID, 10), r.Date, r.StartTime, r.Duration, r.CallingParty, r.CalledParty,
				r.ThirdParty, r.TrunkNumber, r.DigitsDialed, r.AccountCode, r.CompletionStatus, r.TransferFlag,
				r.CallIdentifier, r.CallSequence, r.AssociatedIdentifier, r.NetworkOLI, string(r.CallType),
				r.RawLine, r.IntegrityError,
			}
			if err := cw.Write(row); err != nil {
				return total, fmt.Errorf("failed to write csv row: %w", err)
			}
		}
		total += len(records)
		if remaining > 0 {
			remaining -= len(records)
			if remaining <= 0 {
				break
			}
		}
		if len(records) < page.Limit {
			break
		}
		page.Offset += len(records)
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return total, fmt.Errorf("failed to flush csv: %w", err)
	}
	return total, nil
}

// PurgeResult counts deleted rows per table.
type PurgeResult struct {
	Records          int64 `json:"records"`
	ParseErrors      int64 `json:"parse_errors"`
	ConnectionEvents int64 `json:"connection_events"`
	Alerts           int64 `json:"alerts"`
}

func (p PurgeResult) Total() int64 {
	return p.Records + p.ParseErrors + p.ConnectionEvents + p.Alerts
}

// PurgeOlderThan deletes everything dated before today minus days.
func (s *Store) PurgeOlderThan(ctx context.Context, days int) (PurgeResult, error) {
	var res PurgeResult
	if days <= 0 {
		return res, fmt.Errorf("retention must be at least one day, got %d", days)
	}
	cutoff := s.now().AddDate(0, 0, -days).Format(dateLayout)

	steps := []struct {
		query string
		n     *int64
	}{
		{`DELETE FROM smdr_records WHERE call_date < ?`, &res.Records},
		{`DELETE FROM parse_errors WHERE created_at < ?`, &res.ParseErrors},
		{`DELETE FROM connection_events WHERE created_at < ?`, &res.ConnectionEvents},
		{`DELETE FROM alert_events WHERE created_at < ?`, &res.Alerts},
	}
	for _, st := range steps {
		r, err := s.db.ExecContext(ctx, st.query, cutoff)
		if err != nil {
			return res, fmt.Errorf("failed to purge: %w", err)
		}
		*st.n, _ = r.RowsAffected()
	}
	if res.Total() > 0 {
		log.Printf("[DB] Purged %d rows older than %s", res.Total(), cutoff)
	}
	return res, nil
}

// RolloverResult describes one daily rollover.
type RolloverResult struct {
	Archive  string      `json:"archive,omitempty"`
	Archived int         `json:"archived"`
	Purged   PurgeResult `json:"purged"`
}

// RunDailyRollover archives yesterday's records to a zstd-compressed CSV in
// dir, unless that archive already exists, then applies retention. It is
// safe to call repeatedly.
func (s *Store) RunDailyRollover(ctx context.Context, dir string, retentionDays int) (RolloverResult, error) {
	var res RolloverResult
	yesterday := s.now().AddDate(0, 0, -1).Format(dateLayout)

	if dir != "" {
		path := filepath.Join(dir, "smdr-"+yesterday+".csv.zst")
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			n, err := s.writeArchive(ctx, path, yesterday)
			if err != nil {
				return res, err
			}
			res.Archive, res.Archived = path, n
			log.Printf("[DB] Archived %d records for %s to %s", n, yesterday, path)
		} else if err != nil {
			return res, fmt.Errorf("failed to stat archive: %w", err)
		}
	}

	if retentionDays > 0 {
		purged, err := s.PurgeOlderThan(ctx, retentionDays)
		if err != nil {
			return res, err
		}
		res.Purged = purged
	}
	return res, nil
}

func (s *Store) writeArchive(ctx context.Context, path, date string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create archive dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}
	defer os.Remove(tmp)

	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	n, err := s.ExportCSV(ctx, zw, models.RecordFilters{Date: date})
	if err != nil {
		zw.Close()
		f.Close()
		return 0, err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("failed to move archive into place: %w", err)
	}
	return n, nil
}

// ReadArchive decodes an archive written by RunDailyRollover.
func ReadArchive(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open zstd stream: %w", err)
	}
	defer zr.Close()
	return csv.NewReader(zr).ReadAll()
}
