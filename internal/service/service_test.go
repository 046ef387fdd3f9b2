package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/smdr-collector/internal/alerts"
	"github.com/hamzaKhattat/smdr-collector/internal/cipher"
	"github.com/hamzaKhattat/smdr-collector/internal/clock"
	"github.com/hamzaKhattat/smdr-collector/internal/connection"
	"github.com/hamzaKhattat/smdr-collector/internal/db"
	"github.com/hamzaKhattat/smdr-collector/internal/metrics"
	"github.com/hamzaKhattat/smdr-collector/internal/mockstream"
	"github.com/hamzaKhattat/smdr-collector/internal/models"
)

func openStore(t *testing.T, passphrase string) *db.Store {
	t.Helper()
	fc, err := cipher.New(passphrase)
	require.NoError(t, err)
	store, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "smdr.db"), fc)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type failDialer struct{}

func (failDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

func offlineConfig() connection.Config {
	cfg := connection.DefaultConfig()
	cfg.Controllers = []string{"127.0.0.1"}
	cfg.AutoReconnect = false
	cfg.AutoReconnectPrimary = false
	return cfg
}

func collect(sub *Subscription, kinds map[string]int, d time.Duration) {
	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			kinds[ev.Kind]++
		case <-deadline:
			return
		}
	}
}

func TestEndToEndFromMockStream(t *testing.T) {
	mock := mockstream.NewServer(mockstream.Config{Listen: "127.0.0.1:0"}, nil)
	require.NoError(t, mock.Start())
	defer mock.Stop()
	_, portStr, err := net.SplitHostPort(mock.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	store := openStore(t, "s3cret")
	m := metrics.New()

	cfg := connection.DefaultConfig()
	cfg.Controllers = []string{"127.0.0.1"}
	cfg.Port = port
	cfg.FlushDelay = 50 * time.Millisecond

	rules := alerts.DefaultRules()
	rules.BusyThreshold = 2

	svc, err := New(Options{Connection: cfg, Rules: rules, Store: store, Metrics: m})
	require.NoError(t, err)
	sub := svc.Hub().Subscribe(0)

	require.NoError(t, svc.Start(context.Background()))
	assert.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, func() bool {
		return svc.State().Status == models.StatusConnected && mock.Clients() == 1
	}, 5*time.Second, 20*time.Millisecond)

	mock.Broadcast("2026-02-17 10:00:00 00:00:10 1001 1002 B")
	mock.Broadcast("2026-02-17 10:01:00 00:00:10 1003 1002 B")

	require.Eventually(t, func() bool {
		c := svc.State().Counters
		return c.Records == 2 && c.Alerts == 1 && c.ParseErrors == 1
	}, 5*time.Second, 20*time.Millisecond)

	ctx := context.Background()
	recs, err := store.GetRecords(ctx, models.RecordFilters{Extension: "1002"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	busy, err := store.GetAlerts(ctx, alerts.TypeRepeatedBusy, 10)
	require.NoError(t, err)
	require.Len(t, busy, 1)
	assert.Equal(t, "Repeated busy calls detected for 1002 (2 in 30m)", busy[0].Message)

	perrs, err := store.GetParseErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, perrs, 1)
	assert.Equal(t, mockstream.Greeting, perrs[0].Line)

	recent := svc.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "10:01:00", recent[0].StartTime)

	state := svc.State()
	assert.True(t, state.Encrypted)
	assert.Equal(t, "127.0.0.1", state.ActiveController.Address)
	assert.Equal(t, int64(3), state.Counters.Lines)

	svc.Stop()
	svc.Stop()

	kinds := map[string]int{}
	collect(sub, kinds, 2*time.Second)
	assert.Equal(t, 2, kinds[models.EventRecord])
	assert.Equal(t, 1, kinds[models.EventAlert])
	assert.Equal(t, 1, kinds[models.EventParseError])
	assert.GreaterOrEqual(t, kinds[models.EventStatus], 2)
	assert.GreaterOrEqual(t, kinds[models.EventConnectionEvent], 1)

	events, err := store.GetConnectionEvents(ctx, 50)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
	assert.Equal(t, models.StatusDisconnected, svc.State().Status)
}

func TestRecentKeepsNewestFirstWithFloor(t *testing.T) {
	svc, err := New(Options{Connection: offlineConfig(), Rules: alerts.DefaultRules(), Store: openStore(t, ""), RecentRecords: 5})
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		svc.process(context.Background(), fmt.Sprintf("2026-02-17 10:%02d:00 00:00:10 1001 1002 A", i))
	}
	recent := svc.Recent(0)
	require.Len(t, recent, MinRecentRecords)
	assert.Equal(t, "10:59:00", recent[0].StartTime)
	assert.Equal(t, "10:10:00", recent[MinRecentRecords-1].StartTime)
	assert.Len(t, svc.Recent(3), 3)
}

func TestUpdateConfig(t *testing.T) {
	svc, err := New(Options{Connection: offlineConfig(), Rules: alerts.DefaultRules(), Store: openStore(t, "")})
	require.NoError(t, err)

	bad := offlineConfig()
	bad.Controllers = nil
	next := alerts.DefaultRules()
	next.LongCallMinutes = 1
	assert.ErrorIs(t, svc.UpdateConfig(bad, next), connection.ErrInvalidConfig)
	assert.Equal(t, 30, svc.Rules().LongCallMinutes)

	good := offlineConfig()
	good.Controllers = []string{"10.0.0.5", "10.0.0.6"}
	require.NoError(t, svc.UpdateConfig(good, next))
	assert.Equal(t, 1, svc.Rules().LongCallMinutes)
	assert.Equal(t, "10.0.0.5", svc.State().ActiveController.Address)

	svc.process(context.Background(), "2026-02-17 10:00:00 00:02:00 1001 1002 A")
	assert.Equal(t, int64(1), svc.State().Counters.Alerts)
}

func TestHourlyRollover(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 2, 18, 0, 30, 0, 0, time.UTC))
	dir := t.TempDir()
	svc, err := New(Options{
		Connection: offlineConfig(),
		Rules:      alerts.DefaultRules(),
		Store:      openStore(t, ""),
		Clock:      fake,
		Dialer:     failDialer{},
		ArchiveDir: dir,
	})
	require.NoError(t, err)
	sub := svc.Hub().Subscribe(0)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()
	require.Eventually(t, func() bool { return svc.State().Status == models.StatusDisconnected }, 2*time.Second, 10*time.Millisecond)

	fake.Advance(DefaultRolloverInterval)

	archive := filepath.Join(dir, "smdr-"+time.Now().AddDate(0, 0, -1).Format("2006-01-02")+".csv.zst")
	_, err = os.Stat(archive)
	require.NoError(t, err)

	found := false
	timeout := time.After(2 * time.Second)
	for !found {
		select {
		case ev := <-sub.Events():
			if ev.Kind == models.EventConnectionEvent && ev.Event.Message == "Daily rollover archive generated: "+archive {
				found = true
			}
		case <-timeout:
			t.Fatal("rollover event not published")
		}
	}
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{Connection: offlineConfig()})
	assert.Error(t, err)
}
