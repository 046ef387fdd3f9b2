// Package service runs the collector pipeline: controller link, parser,
// storage, alerting and fan-out.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hamzaKhattat/smdr-collector/internal/alerts"
	"github.com/hamzaKhattat/smdr-collector/internal/clock"
	"github.com/hamzaKhattat/smdr-collector/internal/connection"
	"github.com/hamzaKhattat/smdr-collector/internal/db"
	"github.com/hamzaKhattat/smdr-collector/internal/metrics"
	"github.com/hamzaKhattat/smdr-collector/internal/models"
	"github.com/hamzaKhattat/smdr-collector/internal/parser"
	"github.com/hamzaKhattat/smdr-collector/internal/publisher"
)

const (
	MinRecentRecords        = 50
	DefaultQueueSize        = 1024
	DefaultRolloverInterval = time.Hour
	storeTimeout            = 5 * time.Second
)

var ErrAlreadyStarted = errors.New("service already started")

// Options wires the service. Store is required; Metrics, Publisher and
// Window are optional.
type Options struct {
	Connection connection.Config
	Rules      alerts.Rules
	Store      *db.Store
	Window     alerts.BusyWindow
	Metrics    *metrics.Metrics
	Publisher  *publisher.Publisher
	Clock      clock.Clock
	Dialer     connection.Dialer

	RecentRecords    int
	QueueSize        int
	ArchiveDir       string
	RetentionDays    int
	RolloverInterval time.Duration
}

// Counters are running totals since the service was created.
type Counters struct {
	Lines       int64 `json:"lines"`
	Records     int64 `json:"records"`
	ParseErrors int64 `json:"parse_errors"`
	Alerts      int64 `json:"alerts"`
}

// State is a point-in-time view of the collector.
type State struct {
	Status           models.ConnectionStatus      `json:"status"`
	ActiveController connection.Controller        `json:"active_controller"`
	Controllers      []connection.ControllerStats `json:"controllers"`
	ParserOptions    models.Capabilities          `json:"parser_options"`
	Encrypted        bool                         `json:"encrypted"`
	Subscribers      int                          `json:"subscribers"`
	Counters         Counters                     `json:"counters"`
	StartedAt        time.Time                    `json:"started_at,omitempty"`
}

type Service struct {
	store     *db.Store
	parser    *parser.Parser
	engine    *alerts.Engine
	manager   *connection.Manager
	metrics   *metrics.Metrics
	publisher *publisher.Publisher
	hub       *Hub
	clock     clock.Clock

	archiveDir       string
	retentionDays    int
	rolloverInterval time.Duration

	lines  chan string
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	recent    []models.Record // newest first
	recentMax int
	rollover  clock.Timer

	nLines, nRecords, nParseErrors, nAlerts atomic.Int64
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("service requires a store")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.RecentRecords < MinRecentRecords {
		opts.RecentRecords = MinRecentRecords
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.RolloverInterval <= 0 {
		opts.RolloverInterval = DefaultRolloverInterval
	}

	engineOpts := []alerts.Option{alerts.WithClock(opts.Clock)}
	if opts.Window != nil {
		engineOpts = append(engineOpts, alerts.WithWindow(opts.Window))
	}

	s := &Service{
		store:            opts.Store,
		parser:           parser.NewWithClock(opts.Clock.Now),
		engine:           alerts.NewEngine(opts.Rules, engineOpts...),
		metrics:          opts.Metrics,
		publisher:        opts.Publisher,
		hub:              NewHub(),
		clock:            opts.Clock,
		archiveDir:       opts.ArchiveDir,
		retentionDays:    opts.RetentionDays,
		rolloverInterval: opts.RolloverInterval,
		lines:            make(chan string, opts.QueueSize),
		done:             make(chan struct{}),
		recentMax:        opts.RecentRecords,
	}

	managerOpts := []connection.Option{connection.WithClock(opts.Clock)}
	if opts.Dialer != nil {
		managerOpts = append(managerOpts, connection.WithDialer(opts.Dialer))
	}
	manager, err := connection.NewManager(opts.Connection, connection.Handlers{
		OnLine:   s.enqueue,
		OnStatus: s.onStatus,
		OnEvent:  s.onConnectionEvent,
	}, managerOpts...)
	if err != nil {
		return nil, err
	}
	s.manager = manager
	return s, nil
}

// Start launches the pipeline, the controller link and the rollover timer.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.startedAt = s.clock.Now()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.scheduleRollover()
	s.mu.Unlock()

	go s.pipeline()
	s.manager.Start()
	log.Printf("[SERVICE] SMDR service started")
	return nil
}

// Stop disconnects, drains queued lines and closes subscriptions. It is
// safe to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.rollover != nil {
		s.rollover.Stop()
		s.rollover = nil
	}
	s.mu.Unlock()

	// The manager flushes its pending record into the queue before returning.
	s.manager.Stop()
	close(s.lines)
	<-s.done
	s.cancel()
	s.hub.Close()
	log.Printf("[SERVICE] SMDR service stopped")
}

func (s *Service) Hub() *Hub {
	return s.hub
}

func (s *Service) Store() *db.Store {
	return s.store
}

// UpdateConfig applies new connection settings and alert rules. An
// invalid connection config is rejected and nothing changes.
func (s *Service) UpdateConfig(conn connection.Config, rules alerts.Rules) error {
	if err := s.manager.UpdateConfig(conn); err != nil {
		return err
	}
	s.engine.UpdateRules(rules)
	log.Printf("[SERVICE] Configuration updated")
	return nil
}

func (s *Service) Rules() alerts.Rules {
	return s.engine.Rules()
}

func (s *Service) State() State {
	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	return State{
		Status:           s.manager.Status(),
		ActiveController: s.manager.ActiveController(),
		Controllers:      s.manager.ControllerStats(),
		ParserOptions:    s.parser.DetectedOptions(),
		Encrypted:        s.store.Encrypted(),
		Subscribers:      s.hub.Len(),
		Counters: Counters{
			Lines:       s.nLines.Load(),
			Records:     s.nRecords.Load(),
			ParseErrors: s.nParseErrors.Load(),
			Alerts:      s.nAlerts.Load(),
		},
		StartedAt: startedAt,
	}
}

// Recent returns up to n of the most recent records, newest first. n <= 0
// returns all that are kept.
func (s *Service) Recent(n int) []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]models.Record, n)
	copy(out, s.recent[:n])
	return out
}

// enqueue runs under the manager's lock. A full queue blocks the reader
// rather than losing lines.
func (s *Service) enqueue(line string) {
	s.lines <- line
}

func (s *Service) pipeline() {
	defer close(s.done)
	for line := range s.lines {
		s.process(s.ctx, line)
	}
}

func (s *Service) process(ctx context.Context, line string) {
	s.nLines.Add(1)
	s.metrics.LineReceived()

	rec, perr := s.parser.Parse(line)
	if perr != nil {
		s.handleParseError(ctx, perr)
		return
	}

	s.nRecords.Add(1)
	s.metrics.RecordParsed(rec.CallType)

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	if _, err := s.store.InsertRecord(storeCtx, rec); err != nil {
		log.Printf("[SERVICE] Failed to store record: %v", err)
		s.metrics.StoreFailed("smdr_records")
	}
	cancel()

	s.remember(*rec)
	if s.publisher != nil {
		s.publisher.PublishRecord(rec)
	}
	s.hub.Publish(models.ServiceEvent{Kind: models.EventRecord, Record: rec, At: s.clock.Now()})

	for _, a := range s.engine.Evaluate(ctx, rec) {
		s.handleAlert(ctx, a)
	}
}

func (s *Service) handleParseError(ctx context.Context, perr *models.ParseError) {
	s.nParseErrors.Add(1)
	s.metrics.ParseFailed(perr.Reason)
	log.Printf("[PARSER] %s: %q", perr.Reason, perr.Line)

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := s.store.InsertParseError(storeCtx, perr); err != nil {
		log.Printf("[SERVICE] Failed to store parse error: %v", err)
		s.metrics.StoreFailed("parse_errors")
	}
	if s.publisher != nil {
		s.publisher.PublishParseError(perr)
	}
	s.hub.Publish(models.ServiceEvent{Kind: models.EventParseError, ParseError: perr, At: s.clock.Now()})
}

func (s *Service) handleAlert(ctx context.Context, a models.AlertEvent) {
	s.nAlerts.Add(1)
	s.metrics.AlertFired(a.Type)

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := s.store.InsertAlert(storeCtx, &a); err != nil {
		log.Printf("[SERVICE] Failed to store alert: %v", err)
		s.metrics.StoreFailed("alert_events")
	}
	if s.publisher != nil {
		s.publisher.PublishAlert(&a)
	}
	s.hub.Publish(models.ServiceEvent{Kind: models.EventAlert, Alert: &a, At: s.clock.Now()})
}

func (s *Service) remember(rec models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, models.Record{})
	copy(s.recent[1:], s.recent)
	s.recent[0] = rec
	if len(s.recent) > s.recentMax {
		s.recent = s.recent[:s.recentMax]
	}
}

func (s *Service) onStatus(status models.ConnectionStatus) {
	s.metrics.SetStatus(status, s.manager.ActiveController().Index)
	s.hub.Publish(models.ServiceEvent{Kind: models.EventStatus, Status: status, At: s.clock.Now()})
}

func (s *Service) onConnectionEvent(ev models.ConnectionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.InsertConnectionEvent(ctx, &ev); err != nil {
		log.Printf("[SERVICE] Failed to store connection event: %v", err)
		s.metrics.StoreFailed("connection_events")
	}
	s.hub.Publish(models.ServiceEvent{Kind: models.EventConnectionEvent, Event: &ev, At: s.clock.Now()})
}

// scheduleRollover arms the next rollover. Called with s.mu held.
func (s *Service) scheduleRollover() {
	s.rollover = s.clock.AfterFunc(s.rolloverInterval, s.runRollover)
}

func (s *Service) runRollover() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.Rollover(ctx)

	s.mu.Lock()
	if !s.stopped {
		s.scheduleRollover()
	}
	s.mu.Unlock()
}

// Rollover archives the previous day and applies retention now.
func (s *Service) Rollover(ctx context.Context) (db.RolloverResult, error) {
	res, err := s.store.RunDailyRollover(ctx, s.archiveDir, s.retentionDays)
	if err != nil {
		log.Printf("[SERVICE] Daily rollover failed: %v", err)
		return res, err
	}
	now := s.clock.Now()
	if res.Archive != "" {
		s.hub.Publish(models.ServiceEvent{Kind: models.EventConnectionEvent, At: now, Event: &models.ConnectionEvent{
			Level: models.LevelInfo, Message: "Daily rollover archive generated: " + res.Archive, CreatedAt: now,
		}})
	}
	if n := res.Purged.Total(); n > 0 {
		s.hub.Publish(models.ServiceEvent{Kind: models.EventConnectionEvent, At: now, Event: &models.ConnectionEvent{
			Level: models.LevelInfo, Message: fmt.Sprintf("Purged %d records beyond retention policy", n), CreatedAt: now,
		}})
	}
	return res, nil
}
