// Package monitoring periodically samples disk utilization and raises
// debounced warnings onto the event hub when a disk runs low on free
// space — independent of (and faster than) the rescan cycle that
// would otherwise be the only source of fresh utilization numbers.
package monitoring

import (
	"log"
	"sync"
	"time"

	"pbalanced/internal/catalog"
	"pbalanced/internal/events"
)

// alertState tracks the hysteresis/cooldown state for one disk's
// utilization alert, preventing notification flooding when usage
// oscillates around a threshold.
type alertState struct {
	lastFired time.Time
	lastLevel string
	firingAt  time.Time
	isFiring  bool
}

// Debounce configuration.
const (
	alertCooldown     = 5 * time.Minute  // minimum time between repeated same-level alerts
	hysteresisWindow  = 30 * time.Second // a threshold must hold this long before alerting
	warningPercent    = 90.0
	criticalPercent   = 97.0
)

// DiskUsageProbe refreshes total/used/free bytes for a mount path —
// satisfied by scanner.DiskUsage in production.
type DiskUsageProbe func(mountPath string) (total, used, free int64, err error)

// Monitor runs a periodic check of every included disk's utilization.
type Monitor struct {
	store    *catalog.Store
	hub      *events.Hub
	probe    DiskUsageProbe
	interval time.Duration
	stopChan chan struct{}

	mu          sync.Mutex
	alertStates map[string]*alertState
}

// New constructs a Monitor. probe supplies live utilization; store
// supplies the set of included disks to check each tick.
func New(store *catalog.Store, hub *events.Hub, probe DiskUsageProbe, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		store:       store,
		hub:         hub,
		probe:       probe,
		interval:    interval,
		stopChan:    make(chan struct{}),
		alertStates: make(map[string]*alertState),
	}
}

// Start begins the monitoring loop in the background.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts the monitoring loop.
func (m *Monitor) Stop() {
	close(m.stopChan)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Monitor) check() {
	disks, err := m.store.ListIncludedDisks()
	if err != nil {
		log.Printf("monitoring: list disks: %v", err)
		return
	}

	for _, d := range disks {
		total, used, _, err := m.probe(d.MountPath)
		if err != nil || total == 0 {
			continue
		}
		percent := float64(used) / float64(total) * 100.0

		key := "disk_utilization:" + d.Name
		switch {
		case percent >= criticalPercent:
			m.maybeAlert(key, "critical", d.Name, percent)
		case percent >= warningPercent:
			m.maybeAlert(key, "warning", d.Name, percent)
		default:
			m.maybeAlert(key, "clear", d.Name, percent)
		}
	}
}

// maybeAlert applies hysteresis and cooldown before publishing a
// warning event for key, mirroring the debounce contract of the
// teacher's alert path: a condition must hold for hysteresisWindow
// before the first alert, and re-alerts at the same level are
// suppressed for alertCooldown.
func (m *Monitor) maybeAlert(key, level, diskName string, percent float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	state, exists := m.alertStates[key]
	if !exists {
		state = &alertState{}
		m.alertStates[key] = state
	}

	if level == "clear" {
		if state.isFiring {
			state.isFiring = false
			state.lastLevel = "clear"
			m.publish(events.Warning{Kind: "disk_utilization_clear", Text: diskName})
		}
		return
	}

	if !state.isFiring || state.lastLevel != level {
		state.firingAt = now
		state.isFiring = true
		state.lastLevel = level
	}

	if now.Sub(state.firingAt) < hysteresisWindow {
		return
	}
	if !state.lastFired.IsZero() && now.Sub(state.lastFired) < alertCooldown {
		return
	}

	state.lastFired = now
	m.publish(events.Warning{
		Kind: "disk_utilization_" + level,
		Text: diskName,
	})
}

func (m *Monitor) publish(w events.Warning) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(events.TypeWarning, w)
}
