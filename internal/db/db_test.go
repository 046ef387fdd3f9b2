package db

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/smdr-collector/internal/cipher"
	"github.com/hamzaKhattat/smdr-collector/internal/models"
)

var testNow = time.Date(2026, 2, 18, 8, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, path, passphrase string) *Store {
	t.Helper()
	fc, err := cipher.New(passphrase)
	require.NoError(t, err)
	s, err := Open(DriverSQLite, path, fc)
	require.NoError(t, err)
	s.now = func() time.Time { return testNow }
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecords() []*models.Record {
	return []*models.Record{
		{
			Date: "2026-02-17", StartTime: "13:35:10", Duration: "00:02:14",
			CallingParty: "1011", CalledParty: "918005551200", TrunkNumber: "T001",
			DigitsDialed: "+18005551200", AccountCode: "76211", CompletionStatus: "A",
			CallType: models.CallExternal, RawLine: "2026-02-17 13:35:10 00:02:14 1011 918005551200 T001",
		},
		{
			Date: "2026-02-17", StartTime: "13:50:00", Duration: "00:00:30",
			CallingParty: "1011", CalledParty: "1012", CompletionStatus: "B",
			CallType: models.CallInternal, RawLine: "2026-02-17 13:50:00 00:00:30 1011 1012 B",
		},
		{
			Date: "2026-02-17", StartTime: "09:05:00", Duration: "00:10:00",
			CallingParty: "1020", CalledParty: "+18005551200", TrunkNumber: "T002",
			AccountCode: "9900", CompletionStatus: "A",
			CallType: models.CallExternal, RawLine: "2026-02-17 09:05:00 00:10:00 1020 +18005551200 T002",
		},
		{
			Date: "2026-02-16", StartTime: "23:59:59", Duration: "00:01:00",
			CallingParty: "1030", CalledParty: "1011", CompletionStatus: "A",
			CallType: models.CallInternal, RawLine: "2026-02-16 23:59:59 00:01:00 1030 1011 A",
		},
	}
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	for _, r := range sampleRecords() {
		id, err := s.InsertRecord(context.Background(), r)
		require.NoError(t, err)
		assert.Equal(t, id, r.ID)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", "x", nil)
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestRecordFiltersPlain(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "smdr.db"), "")
	seed(t, s)
	ctx := context.Background()

	all, err := s.GetRecords(ctx, models.RecordFilters{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "13:50:00", all[0].StartTime, "newest first")
	assert.Equal(t, "2026-02-16", all[3].Date)

	byDate, err := s.GetRecords(ctx, models.RecordFilters{Date: "2026-02-16"})
	require.NoError(t, err)
	require.Len(t, byDate, 1)
	assert.Equal(t, "1030", byDate[0].CallingParty)

	byExt, err := s.GetRecords(ctx, models.RecordFilters{Extension: "1011"})
	require.NoError(t, err)
	assert.Len(t, byExt, 3)

	byLike, err := s.GetRecords(ctx, models.RecordFilters{Extension: "+1800"})
	require.NoError(t, err)
	require.Len(t, byLike, 1)
	assert.Equal(t, "1020", byLike[0].CallingParty)

	byAcc, err := s.GetRecords(ctx, models.RecordFilters{AccountCode: "76211"})
	require.NoError(t, err)
	require.Len(t, byAcc, 1)

	internal, err := s.GetRecords(ctx, models.RecordFilters{CallType: models.CallInternal, CompletionStatus: "b"})
	require.NoError(t, err)
	require.Len(t, internal, 1)
	assert.Equal(t, "1012", internal[0].CalledParty)

	paged, err := s.GetRecords(ctx, models.RecordFilters{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, "09:05:00", paged[0].StartTime)

	n, err := s.CountRecords(ctx, models.RecordFilters{Date: "2026-02-17"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRecordsEncryptedAtRest(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "smdr.db"), "s3cret")
	seed(t, s)
	ctx := context.Background()

	var calling, raw, hash string
	require.NoError(t, s.db.QueryRow(`SELECT calling_party, raw_line, calling_party_hash FROM smdr_records WHERE id = 1`).
		Scan(&calling, &raw, &hash))
	assert.NotEqual(t, "1011", calling)
	assert.Len(t, strings.Split(calling, ":"), 3)
	assert.NotContains(t, raw, "918005551200")
	assert.Equal(t, s.cipher.HashForIndex("1011"), hash)

	recs, err := s.GetRecords(ctx, models.RecordFilters{Extension: " 1011 "})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.Empty(t, r.IntegrityError)
		assert.True(t, r.CallingParty == "1011" || r.CalledParty == "1011")
	}
	assert.Equal(t, "2026-02-17 13:50:00 00:00:30 1011 1012 B", recs[0].RawLine)

	byAcc, err := s.GetRecords(ctx, models.RecordFilters{AccountCode: "9900"})
	require.NoError(t, err)
	require.Len(t, byAcc, 1)
	assert.Equal(t, "1020", byAcc[0].CallingParty)
}

func TestTamperedFieldIsolatedToRow(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "smdr.db"), "s3cret")
	seed(t, s)
	ctx := context.Background()

	var stored string
	require.NoError(t, s.db.QueryRow(`SELECT called_party FROM smdr_records WHERE id = 2`).Scan(&stored))
	parts := strings.Split(stored, ":")
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	ct[0] ^= 0x01
	parts[2] = base64.StdEncoding.EncodeToString(ct)
	_, err = s.db.Exec(`UPDATE smdr_records SET called_party = ? WHERE id = 2`, strings.Join(parts, ":"))
	require.NoError(t, err)

	recs, err := s.GetRecords(ctx, models.RecordFilters{Date: "2026-02-17"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, r := range recs {
		if r.ID == 2 {
			assert.Equal(t, "", r.CalledParty)
			assert.Equal(t, "1011", r.CallingParty)
			assert.Contains(t, r.IntegrityError, "called_party")
		} else {
			assert.Empty(t, r.IntegrityError)
			assert.NotEmpty(t, r.CalledParty)
		}
	}
}

func TestLegacyPlaintextRowsReadableAfterEnablingEncryption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smdr.db")
	plain := openTestStore(t, path, "")
	_, err := plain.InsertRecord(context.Background(), sampleRecords()[1])
	require.NoError(t, err)
	plain.Close()

	enc := openTestStore(t, path, "s3cret")
	recs, err := enc.GetRecords(context.Background(), models.RecordFilters{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "1011", recs[0].CallingParty)
	assert.Empty(t, recs[0].IntegrityError)
}

func TestDashboardMetrics(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "smdr.db"), "s3cret")
	seed(t, s)
	ctx := context.Background()
	require.NoError(t, s.InsertParseError(ctx, &models.ParseError{Line: "junk", Reason: "insufficient token count"}))

	m, err := s.DashboardMetrics(ctx, "2026-02-17")
	require.NoError(t, err)
	assert.Equal(t, 3, m.TotalCalls)
	assert.Equal(t, 1, m.InternalCalls)
	assert.Equal(t, 2, m.ExternalCalls)
	assert.Equal(t, 134+30+600, m.TotalSeconds)
	assert.Equal(t, 600, m.LongestSeconds)
	assert.Equal(t, (134+30+600)/3, m.AverageSeconds)
	assert.Equal(t, 2, m.CallsPerHour[13])
	assert.Equal(t, 1, m.CallsPerHour[9])
	require.NotEmpty(t, m.TopExtensions)
	assert.Equal(t, models.CountEntry{Key: "1011", Count: 2}, m.TopExtensions[0])
	assert.Equal(t, []models.CountEntry{{Key: "A", Count: 2}, {Key: "B", Count: 1}}, m.CompletionCounts)
	assert.Equal(t, 0, m.ParseErrors, "parse error is stamped on 2026-02-18")

	today, err := s.DashboardMetrics(ctx, "2026-02-18")
	require.NoError(t, err)
	assert.Equal(t, 1, today.ParseErrors)
}

func TestAnalyticsSnapshot(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "smdr.db"), "")
	seed(t, s)

	a, err := s.AnalyticsSnapshot(context.Background(), "2026-02-16", "2026-02-17")
	require.NoError(t, err)
	assert.Equal(t, 4, a.TotalCalls)
	assert.Equal(t, []models.CountEntry{{Key: "2026-02-16", Count: 1}, {Key: "2026-02-17", Count: 3}}, a.CallsPerDay)
	assert.Equal(t, models.CountEntry{Key: "1011", Count: 2}, a.TopCallers[0])
	assert.Equal(t, []models.CountEntry{{Key: "T001", Count: 1}, {Key: "T002", Count: 1}}, a.TrunkUsage)
	assert.Len(t, a.AccountCodeUsage, 2)
}

func TestExportCSV(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "smdr.db"), "s3cret")
	seed(t, s)

	var buf bytes.Buffer
	n, err := s.ExportCSV(context.Background(), &buf, models.RecordFilters{Date: "2026-02-17"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "1011", rows[1][4])
}

func TestExportCSVPagesPastPageSize(t *testing.T) {
	prev := exportPageSize
	exportPageSize = 1
	t.Cleanup(func() { exportPageSize = prev })

	dir := t.TempDir()
	s := openTestStore(t, filepath.Join(dir, "smdr.db"), "s3cret")
	seed(t, s)
	ctx := context.Background()

	var buf bytes.Buffer
	n, err := s.ExportCSV(ctx, &buf, models.RecordFilters{})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 5)
	ids := map[string]bool{}
	for _, row := range rows[1:] {
		ids[row[0]] = true
	}
	assert.Len(t, ids, 4)

	buf.Reset()
	n, err = s.ExportCSV(ctx, &buf, models.RecordFilters{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := s.RunDailyRollover(ctx, filepath.Join(dir, "archive"), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Archived)
	archived, err := ReadArchive(res.Archive)
	require.NoError(t, err)
	assert.Len(t, archived, 4)
}

func TestRolloverArchivesAndPurges(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, filepath.Join(dir, "smdr.db"), "s3cret")
	seed(t, s)
	ctx := context.Background()
	require.NoError(t, s.InsertConnectionEvent(ctx, &models.ConnectionEvent{Level: models.LevelInfo, Message: "Connected"}))

	res, err := s.RunDailyRollover(ctx, filepath.Join(dir, "archive"), 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "archive", "smdr-2026-02-17.csv.zst"), res.Archive)
	assert.Equal(t, 3, res.Archived)

	rows, err := ReadArchive(res.Archive)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "2026-02-17", rows[1][1])

	again, err := s.RunDailyRollover(ctx, filepath.Join(dir, "archive"), 0)
	require.NoError(t, err)
	assert.Empty(t, again.Archive, "existing archive is not rewritten")

	// Two days later with one day of retention: everything before 2026-02-19 goes.
	s.now = func() time.Time { return testNow.AddDate(0, 0, 2) }
	res, err = s.RunDailyRollover(ctx, "", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Purged.Records)
	assert.Equal(t, int64(1), res.Purged.ConnectionEvents)

	left, err := s.GetRecords(ctx, models.RecordFilters{})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestPurgeRejectsNonPositiveRetention(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "smdr.db"), "")
	_, err := s.PurgeOlderThan(context.Background(), 0)
	assert.Error(t, err)
}

func TestAlertsParseErrorsAndEvents(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "smdr.db"), "s3cret")
	ctx := context.Background()

	rec := *sampleRecords()[1]
	require.NoError(t, s.InsertAlert(ctx, &models.AlertEvent{
		ID: "a-1", Type: "repeated-busy", Message: "Repeated busy calls detected for 1012 (3 in 30m)", Record: rec,
	}))
	require.NoError(t, s.InsertAlert(ctx, &models.AlertEvent{ID: "a-2", Type: "long-call", Message: "Call exceeded 30 minutes", Record: rec}))

	var stored string
	require.NoError(t, s.db.QueryRow(`SELECT record_json FROM alert_events WHERE alert_id = 'a-1'`).Scan(&stored))
	assert.NotContains(t, stored, "1012")

	busy, err := s.GetAlerts(ctx, "repeated-busy", 10)
	require.NoError(t, err)
	require.Len(t, busy, 1)
	assert.Equal(t, "a-1", busy[0].ID)
	assert.Equal(t, "1012", busy[0].Record.CalledParty)
	assert.True(t, testNow.Equal(busy[0].CreatedAt))

	all, err := s.GetAlerts(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "a-2", all[0].ID)

	require.NoError(t, s.InsertParseError(ctx, &models.ParseError{Line: "MALFORMED INPUT", Reason: "insufficient token count"}))
	errs, err := s.GetParseErrors(ctx, 5)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "MALFORMED INPUT", errs[0].Line)

	require.NoError(t, s.InsertConnectionEvent(ctx, &models.ConnectionEvent{Level: models.LevelWarn, Message: "Connection lost"}))
	evs, err := s.GetConnectionEvents(ctx, 5)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, models.LevelWarn, evs[0].Level)
}
