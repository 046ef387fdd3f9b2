// Package connection keeps a single live TCP link to one of several SMDR
// controllers, fails over between them, fails back to the primary when it
// returns, and frames the byte stream into logical records.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hamzaKhattat/smdr-collector/internal/clock"
	"github.com/hamzaKhattat/smdr-collector/internal/models"
	"github.com/hamzaKhattat/smdr-collector/internal/sanitize"
)

// ErrInvalidConfig is returned when a Config fails validation.
var ErrInvalidConfig = errors.New("invalid connection config")

const (
	DefaultPort                   = 1752
	DefaultReconnectDelay         = 5 * time.Second
	DefaultPrimaryRecheckInterval = 60 * time.Second
	DefaultDialTimeout            = 3 * time.Second
	DefaultKeepAlive              = 10 * time.Second
	DefaultFlushDelay             = 250 * time.Millisecond
	MaxConcurrentConnections      = 10
)

type Config struct {
	Controllers           []string      `mapstructure:"controllers"`
	Port                  int           `mapstructure:"port"`
	ConcurrentConnections int           `mapstructure:"concurrent_connections"` // validated, only one link is ever opened
	AutoReconnect         bool          `mapstructure:"auto_reconnect"`
	ReconnectDelay        time.Duration `mapstructure:"reconnect_delay"`
	AutoReconnectPrimary  bool          `mapstructure:"auto_reconnect_primary"`
	PrimaryRecheck        time.Duration `mapstructure:"primary_recheck"`
	AllowList             []string      `mapstructure:"allow_list"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"` // 0 disables the read deadline
	KeepAlive             time.Duration `mapstructure:"keep_alive"`
	FlushDelay            time.Duration `mapstructure:"flush_delay"`
}

func DefaultConfig() Config {
	return Config{
		Port:                  DefaultPort,
		ConcurrentConnections: 1,
		AutoReconnect:         true,
		ReconnectDelay:        DefaultReconnectDelay,
		AutoReconnectPrimary:  true,
		PrimaryRecheck:        DefaultPrimaryRecheckInterval,
		DialTimeout:           DefaultDialTimeout,
		KeepAlive:             DefaultKeepAlive,
		FlushDelay:            DefaultFlushDelay,
	}
}

// Validate checks the config and fills zero durations with defaults.
func (c *Config) Validate() error {
	if len(c.Controllers) == 0 {
		return fmt.Errorf("%w: at least one controller address is required", ErrInvalidConfig)
	}
	for i, h := range c.Controllers {
		if h == "" {
			return fmt.Errorf("%w: controller %d is empty", ErrInvalidConfig, i)
		}
	}
	if c.ConcurrentConnections < 1 || c.ConcurrentConnections > MaxConcurrentConnections {
		return fmt.Errorf("%w: concurrent connections must be between 1 and %d, got %d",
			ErrInvalidConfig, MaxConcurrentConnections, c.ConcurrentConnections)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if _, err := sanitize.NewAllowList(c.AllowList); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.PrimaryRecheck <= 0 {
		c.PrimaryRecheck = DefaultPrimaryRecheckInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = DefaultFlushDelay
	}
	return nil
}

// Handlers receive the Manager's output. They are called one at a time,
// in order, while the Manager's lock is held: they must not call Start,
// Stop or UpdateConfig.
type Handlers struct {
	OnLine   func(line string)
	OnStatus func(status models.ConnectionStatus)
	OnEvent  func(ev models.ConnectionEvent)
}

// Dialer opens controller connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

type Manager struct {
	mu          sync.Mutex
	cfg         Config
	handlers    Handlers
	dialer      Dialer
	clock       clock.Clock
	sched       *Scheduler
	framer      Framer
	controllers *controllerSet

	running    bool
	conn       net.Conn
	attempt    uint64 // bumps on every dial; stale dials and readers compare against it
	probeGen   uint64
	cancelDial context.CancelFunc

	status atomic.Value // models.ConnectionStatus
	active atomic.Value // Controller
}

func NewManager(cfg Config, handlers Handlers, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	allow, _ := sanitize.NewAllowList(cfg.AllowList)

	m := &Manager{
		cfg:         cfg,
		handlers:    handlers,
		clock:       clock.Real(),
		controllers: newControllerSet(cfg.Controllers, allow),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sched = NewScheduler(m.clock, &m.mu)
	m.status.Store(models.StatusDisconnected)
	m.active.Store(m.controllers.current())
	return m, nil
}

// Status is safe to call from handlers.
func (m *Manager) Status() models.ConnectionStatus {
	return m.status.Load().(models.ConnectionStatus)
}

// ActiveController is the controller currently connected or being tried.
// Safe to call from handlers.
func (m *Manager) ActiveController() Controller {
	return m.active.Load().(Controller)
}

func (m *Manager) ControllerStats() []ControllerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controllers.snapshot()
}

func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.cfg
	cfg.Controllers = append([]string(nil), m.cfg.Controllers...)
	cfg.AllowList = append([]string(nil), m.cfg.AllowList...)
	return cfg
}

func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.event(models.LevelInfo, "Starting SMDR collection from %d controller(s)", len(m.cfg.Controllers))
	m.connectCurrent()
}

// Stop is idempotent. The pending record is flushed, not discarded.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.sched.CancelAll()
	m.probeGen++
	m.teardown()
	m.setStatus(models.StatusDisconnected)
	m.event(models.LevelInfo, "SMDR collection stopped")
}

// UpdateConfig swaps the config. An invalid config is rejected and the
// running one is kept. A change of controllers or port while running
// reconnects from the primary.
func (m *Manager) UpdateConfig(next Config) error {
	if err := next.Validate(); err != nil {
		return err
	}
	allow, _ := sanitize.NewAllowList(next.AllowList)

	m.mu.Lock()
	defer m.mu.Unlock()

	endpointsChanged := !sameHosts(m.cfg.Controllers, next.Controllers) || m.cfg.Port != next.Port
	m.cfg = next
	m.cfg.Controllers = append([]string(nil), next.Controllers...)
	m.controllers.update(next.Controllers, allow)

	if !m.running {
		m.controllers.resetPrimary()
		m.active.Store(m.controllers.current())
		return nil
	}
	if endpointsChanged {
		m.event(models.LevelInfo, "Controller endpoints changed, reconnecting to primary %s", next.Controllers[0])
		m.sched.CancelAll()
		m.controllers.resetPrimary()
		m.connectCurrent()
		return nil
	}
	if !next.AutoReconnectPrimary {
		m.sched.Cancel(taskProbe)
	} else if m.Status() == models.StatusConnected && m.controllers.index != 0 && !m.sched.Pending(taskProbe) {
		m.scheduleProbe()
	}
	return nil
}

// connectCurrent replaces any live socket with a dial to the current controller.
func (m *Manager) connectCurrent() {
	if !m.running {
		return
	}
	m.teardown()
	m.sched.Cancel(taskReconnect)

	ctrl := m.controllers.current()
	m.active.Store(ctrl)

	if !m.controllers.allowed(ctrl.Address) {
		m.controllers.recordRejected(ctrl.Address)
		m.event(models.LevelWarn, "Controller %s is not in the IP allow-list, skipping", ctrl.Address)
		m.controllers.rotate()
		m.scheduleReconnect()
		return
	}

	m.setStatus(models.StatusRetrying)
	m.controllers.recordAttempt(ctrl.Address)

	gen := m.attempt
	addr := net.JoinHostPort(ctrl.Address, strconv.Itoa(m.cfg.Port))
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	m.cancelDial = cancel
	m.event(models.LevelInfo, "Connecting to controller %s", addr)

	go m.dial(ctx, cancel, gen, ctrl, addr)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, ctrl Controller, addr string) {
	conn, err := m.dialerFor().DialContext(ctx, "tcp", addr)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.attempt || !m.running {
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.controllers.recordFailure(ctrl.Address, err)
		m.event(models.LevelWarn, "Connection to %s failed: %v", addr, err)
		m.controllers.rotate()
		m.scheduleReconnect()
		return
	}

	m.conn = conn
	m.framer.Reset()
	m.controllers.recordConnect(ctrl.Address, m.clock.Now())
	m.setStatus(models.StatusConnected)
	m.event(models.LevelInfo, "Connected to controller %s", addr)

	if ctrl.Index != 0 && m.cfg.AutoReconnectPrimary {
		m.scheduleProbe()
	}

	go m.readLoop(conn, gen, m.cfg.IdleTimeout)
}

func (m *Manager) readLoop(conn net.Conn, gen uint64, idle time.Duration) {
	buf := make([]byte, 4096)
	for {
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(idle))
		}
		n, err := conn.Read(buf)

		m.mu.Lock()
		if gen != m.attempt {
			m.mu.Unlock()
			conn.Close()
			return
		}
		if n > 0 {
			m.ingest(buf[:n])
		}
		if err != nil {
			m.connectionLost(err)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
	}
}

func (m *Manager) ingest(chunk []byte) {
	for _, line := range m.framer.Split(chunk) {
		out, arm := m.framer.Push(line)
		for _, rec := range out {
			m.emitLine(rec)
		}
		if arm {
			m.sched.Schedule(taskFlush, m.cfg.FlushDelay, m.flushPending)
		}
	}
}

func (m *Manager) connectionLost(err error) {
	ctrl := m.controllers.current()
	m.controllers.recordFailure(ctrl.Address, err)
	m.teardown()
	if !m.running {
		m.setStatus(models.StatusDisconnected)
		return
	}
	m.event(models.LevelWarn, "Connection to controller %s closed: %v", ctrl.Address, err)
	m.controllers.rotate()
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.sched.Cancel(taskProbe)
	if !m.cfg.AutoReconnect {
		m.setStatus(models.StatusDisconnected)
		m.event(models.LevelWarn, "Auto reconnect disabled, staying disconnected")
		return
	}
	m.setStatus(models.StatusRetrying)
	next := m.controllers.current()
	m.active.Store(next)
	m.event(models.LevelInfo, "Reconnecting to %s in %s", next.Address, m.cfg.ReconnectDelay)
	m.sched.Schedule(taskReconnect, m.cfg.ReconnectDelay, m.connectCurrent)
}

func (m *Manager) scheduleProbe() {
	m.sched.Schedule(taskProbe, m.cfg.PrimaryRecheck, m.probePrimary)
}

// probePrimary makes a trial connection to the primary. The trial socket
// is closed as soon as the dial returns; on success the live connection
// is torn down and the primary is dialed.
func (m *Manager) probePrimary() {
	if !m.running || m.controllers.index == 0 {
		return
	}
	primary := m.controllers.primary()
	if !m.controllers.allowed(primary.Address) {
		m.scheduleProbe()
		return
	}

	m.probeGen++
	gen := m.probeGen
	addr := net.JoinHostPort(primary.Address, strconv.Itoa(m.cfg.Port))
	timeout := m.cfg.DialTimeout
	dialer := m.dialerFor()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		cancel()
		if conn != nil {
			conn.Close()
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.probeGen || !m.running || m.controllers.index == 0 {
			return
		}
		if err != nil {
			m.scheduleProbe()
			return
		}
		m.event(models.LevelInfo, "Primary controller %s is reachable again, failing back", addr)
		m.controllers.resetPrimary()
		m.connectCurrent()
	}()
}

func (m *Manager) flushPending() {
	if rec, ok := m.framer.Flush(); ok {
		m.emitLine(rec)
	}
}

// teardown flushes the pending record and closes the live socket and any
// dial in flight.
// teardown retires the current attempt so its dial and reader goroutines
// drop out on their next lock.
func (m *Manager) teardown() {
	m.attempt++
	m.sched.Cancel(taskFlush)
	m.flushPending()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.framer.Reset()
}

func (m *Manager) dialerFor() Dialer {
	if m.dialer != nil {
		return m.dialer
	}
	return &net.Dialer{Timeout: m.cfg.DialTimeout, KeepAlive: m.cfg.KeepAlive}
}

func (m *Manager) setStatus(s models.ConnectionStatus) {
	if m.Status() == s {
		return
	}
	m.status.Store(s)
	if m.handlers.OnStatus != nil {
		m.handlers.OnStatus(s)
	}
}

func (m *Manager) emitLine(line string) {
	if m.handlers.OnLine != nil {
		m.handlers.OnLine(line)
	}
}

func (m *Manager) event(level models.EventLevel, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[CONN] %s", msg)
	if m.handlers.OnEvent != nil {
		m.handlers.OnEvent(models.ConnectionEvent{Level: level, Message: msg, CreatedAt: m.clock.Now()})
	}
}
