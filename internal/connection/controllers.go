package connection

import (
	"time"

	"github.com/hamzaKhattat/smdr-collector/internal/sanitize"
)

// Controller identifies one endpoint in the ordered controller list.
// Index 0 is the primary.
type Controller struct {
	Index   int    `json:"index"`
	Address string `json:"address"`
}

// ControllerStats tracks how a controller has behaved since startup.
type ControllerStats struct {
	Address       string    `json:"address"`
	Attempts      int64     `json:"attempts"`
	Connects      int64     `json:"connects"`
	Failures      int64     `json:"failures"`
	Rejected      int64     `json:"rejected"`
	LastError     string    `json:"last_error,omitempty"`
	LastConnected time.Time `json:"last_connected,omitempty"`
	IsHealthy     bool      `json:"is_healthy"`
}

// controllerSet is the round-robin failover list. Guarded by the Manager's lock.
type controllerSet struct {
	hosts []string
	index int
	allow *sanitize.AllowList
	stats map[string]*ControllerStats
}

func newControllerSet(hosts []string, allow *sanitize.AllowList) *controllerSet {
	cs := &controllerSet{stats: make(map[string]*ControllerStats)}
	cs.update(hosts, allow)
	return cs
}

func (cs *controllerSet) update(hosts []string, allow *sanitize.AllowList) {
	cs.hosts = append([]string(nil), hosts...)
	cs.allow = allow
	if cs.index >= len(cs.hosts) {
		cs.index = 0
	}
	for _, h := range cs.hosts {
		if _, ok := cs.stats[h]; !ok {
			cs.stats[h] = &ControllerStats{Address: h, IsHealthy: true}
		}
	}
}

func (cs *controllerSet) current() Controller {
	return Controller{Index: cs.index, Address: cs.hosts[cs.index]}
}

func (cs *controllerSet) primary() Controller {
	return Controller{Index: 0, Address: cs.hosts[0]}
}

// rotate moves to the next controller. A single-entry list never rotates.
func (cs *controllerSet) rotate() {
	if len(cs.hosts) > 1 {
		cs.index = (cs.index + 1) % len(cs.hosts)
	}
}

func (cs *controllerSet) resetPrimary() {
	cs.index = 0
}

func (cs *controllerSet) allowed(host string) bool {
	return cs.allow.Allowed(host)
}

func (cs *controllerSet) recordAttempt(host string) {
	cs.stats[host].Attempts++
}

func (cs *controllerSet) recordRejected(host string) {
	s := cs.stats[host]
	s.Rejected++
	s.IsHealthy = false
	s.LastError = "not in allow-list"
}

func (cs *controllerSet) recordConnect(host string, at time.Time) {
	s := cs.stats[host]
	s.Connects++
	s.LastConnected = at
	s.IsHealthy = true
	s.LastError = ""
}

func (cs *controllerSet) recordFailure(host string, err error) {
	s := cs.stats[host]
	s.Failures++
	s.IsHealthy = false
	if err != nil {
		s.LastError = err.Error()
	}
}

// snapshot returns stats in controller order.
func (cs *controllerSet) snapshot() []ControllerStats {
	out := make([]ControllerStats, 0, len(cs.hosts))
	for _, h := range cs.hosts {
		out = append(out, *cs.stats[h])
	}
	return out
}

func sameHosts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
