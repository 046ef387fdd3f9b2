// Package alerts evaluates parsed SMDR records against the configured alert rules.
package alerts

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hamzaKhattat/smdr-collector/internal/clock"
	"github.com/hamzaKhattat/smdr-collector/internal/models"
)

// Alert types.
const (
	TypeLongCall     = "long-call"
	TypeWatchNumber  = "watch-number"
	TypeRepeatedBusy = "repeated-busy"
	TypeTagCall      = "tag-call"
	TypeTollDenied   = "toll-denied"
)

const (
	completionBusy   = "B"
	completionDenied = "D"
	tagMarker        = "TAG"
)

// Rules configures the engine. A non-positive threshold disables its rule.
type Rules struct {
	LongCallMinutes   int      `mapstructure:"long_call_minutes" yaml:"long_call_minutes"`
	WatchNumbers      []string `mapstructure:"watch_numbers" yaml:"watch_numbers"`
	BusyThreshold     int      `mapstructure:"busy_threshold" yaml:"busy_threshold"`
	BusyWindowMinutes int      `mapstructure:"busy_window_minutes" yaml:"busy_window_minutes"`
	DetectTagCalls    bool     `mapstructure:"detect_tag_calls" yaml:"detect_tag_calls"`
	DetectTollDenied  bool     `mapstructure:"detect_toll_denied" yaml:"detect_toll_denied"`
}

func DefaultRules() Rules {
	return Rules{
		LongCallMinutes:   30,
		BusyThreshold:     3,
		BusyWindowMinutes: 30,
		DetectTagCalls:    true,
		DetectTollDenied:  true,
	}
}

type Engine struct {
	mu     sync.Mutex
	rules  Rules
	window BusyWindow
	clock  clock.Clock
}

type Option func(*Engine)

// WithWindow replaces the in-memory busy window.
func WithWindow(w BusyWindow) Option {
	return func(e *Engine) { e.window = w }
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func NewEngine(rules Rules, opts ...Option) *Engine {
	e := &Engine{rules: cloneRules(rules), clock: clock.Real()}
	for _, opt := range opts {
		opt(e)
	}
	if e.window == nil {
		e.window = NewMemoryWindow()
	}
	return e
}

// UpdateRules swaps the rule set. Busy history is kept.
func (e *Engine) UpdateRules(rules Rules) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = cloneRules(rules)
}

func (e *Engine) Rules() Rules {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneRules(e.rules)
}

// Evaluate runs every rule against rec and returns the alerts raised, in
// rule order.
func (e *Engine) Evaluate(ctx context.Context, rec *models.Record) []models.AlertEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	r := e.rules
	var out []models.AlertEvent
	raise := func(typ, msg string) {
		out = append(out, models.AlertEvent{
			ID:        uuid.NewString(),
			Type:      typ,
			Message:   msg,
			Record:    *rec,
			CreatedAt: now,
		})
	}

	if r.LongCallMinutes > 0 && DurationSeconds(rec.Duration) >= r.LongCallMinutes*60 {
		raise(TypeLongCall, fmt.Sprintf("Call exceeded %d minutes", r.LongCallMinutes))
	}

	for _, n := range r.WatchNumbers {
		if n == "" {
			continue
		}
		if strings.Contains(rec.CalledParty, n) || strings.Contains(rec.DigitsDialed, n) {
			raise(TypeWatchNumber, "Watched number matched: "+n)
			break
		}
	}

	if rec.CompletionStatus == completionBusy && r.BusyThreshold > 0 && r.BusyWindowMinutes > 0 {
		window := time.Duration(r.BusyWindowMinutes) * time.Minute
		count, err := e.window.Observe(ctx, rec.CalledParty, now, window)
		if err != nil {
			log.Printf("[ALERT] Busy window update for %s failed: %v", rec.CalledParty, err)
		} else if count >= r.BusyThreshold {
			raise(TypeRepeatedBusy, fmt.Sprintf("Repeated busy calls detected for %s (%d in %dm)",
				rec.CalledParty, count, r.BusyWindowMinutes))
		}
	}

	if r.DetectTagCalls && strings.Contains(strings.ToUpper(rec.RawLine), tagMarker) {
		raise(TypeTagCall, "Tag call detected")
	}

	if r.DetectTollDenied && rec.CompletionStatus == completionDenied {
		raise(TypeTollDenied, "Toll denied call detected")
	}

	return out
}

// DurationSeconds converts H:MM:SS or MM:SS to seconds. Anything else is 0.
func DurationSeconds(d string) int {
	parts := strings.Split(d, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return total
}

func cloneRules(r Rules) Rules {
	r.WatchNumbers = append([]string(nil), r.WatchNumbers...)
	return r
}
