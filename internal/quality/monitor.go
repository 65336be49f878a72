package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FeedStats tracks delivery statistics for one tenant's log feed.
type FeedStats struct {
	Tenant        int64     `json:"tenant"`
	LastEventTime time.Time `json:"last_event_time"`
	EventCount    int64     `json:"event_count"`
	DropCount     int64     `json:"drop_count"`
	MaxLagMs      float64   `json:"max_lag_ms"`
	AvgLagMs      float64   `json:"avg_lag_ms"`
	StartTime     time.Time `json:"start_time"`

	// internal: running sum for avg calculation
	totalLagMs float64
}

// Alert represents a feed quality alert for a tenant.
type Alert struct {
	Level   string    `json:"level"` // warn|critical
	Tenant  int64     `json:"tenant"`
	Message string    `json:"message"`
	Ts      time.Time `json:"ts"`
}

// Monitor watches every tenant feed for consumer lag, dropped messages and
// silence. Lag is the time between a message arriving on the connection and
// the consumer picking it up.
type Monitor struct {
	mu             sync.RWMutex
	stats          map[int64]*FeedStats
	alertCh        chan Alert
	lagThresholdMs int
	staleTimeout   time.Duration
	now            func() time.Time
}

// NewMonitor creates a feed monitor. A zero staleTimeout disables the
// silence check.
func NewMonitor(lagThresholdMs int, staleTimeout time.Duration) *Monitor {
	return &Monitor{
		stats:          make(map[int64]*FeedStats),
		alertCh:        make(chan Alert, 256),
		lagThresholdMs: lagThresholdMs,
		staleTimeout:   staleTimeout,
		now:            time.Now,
	}
}

// getOrCreate returns existing stats or initializes new ones for the feed.
// Caller must hold m.mu write lock.
func (m *Monitor) getOrCreate(tenant int64) *FeedStats {
	stats, ok := m.stats[tenant]
	if !ok {
		stats = &FeedStats{Tenant: tenant, StartTime: m.now()}
		m.stats[tenant] = stats
	}
	return stats
}

// Track starts watching a tenant feed. The silence check counts from here
// until the first message arrives.
func (m *Monitor) Track(tenant int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreate(tenant)
}

// Forget stops watching a tenant feed.
func (m *Monitor) Forget(tenant int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stats, tenant)
}

// RecordMessage records one consumed message that arrived at receivedAt.
func (m *Monitor) RecordMessage(tenant int64, receivedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stats := m.getOrCreate(tenant)
	stats.LastEventTime = now
	stats.EventCount++

	lagMs := float64(now.Sub(receivedAt).Milliseconds())
	if lagMs < 0 {
		lagMs = 0
	}
	stats.totalLagMs += lagMs
	stats.AvgLagMs = stats.totalLagMs / float64(stats.EventCount)
	if lagMs > stats.MaxLagMs {
		stats.MaxLagMs = lagMs
	}

	if m.lagThresholdMs > 0 && lagMs > float64(m.lagThresholdMs) {
		m.emitAlert(Alert{
			Level:   "warn",
			Tenant:  tenant,
			Message: fmt.Sprintf("Consumer lag exceeds threshold: %.1fms > %dms", lagMs, m.lagThresholdMs),
			Ts:      now,
		})
	}
}

// RecordDrops sets the number of messages the connection dropped because
// the consumer fell behind. Only increases raise an alert.
func (m *Monitor) RecordDrops(tenant int64, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreate(tenant)
	if total <= stats.DropCount {
		return
	}
	stats.DropCount = total
	m.emitAlert(Alert{
		Level:   "warn",
		Tenant:  tenant,
		Message: fmt.Sprintf("Messages dropped by a slow consumer (total drops: %d)", total),
		Ts:      m.now(),
	})
}

// Alerts returns the read-only alert channel.
func (m *Monitor) Alerts() <-chan Alert {
	return m.alertCh
}

// Snapshot returns a copy of all current feed stats.
func (m *Monitor) Snapshot() map[int64]FeedStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[int64]FeedStats, len(m.stats))
	for k, v := range m.stats {
		snap[k] = *v
	}
	return snap
}

// Stale returns the tenants whose feed has been silent longer than the
// stale timeout.
func (m *Monitor) Stale() []int64 {
	if m.staleTimeout <= 0 {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var out []int64
	for tenant, stats := range m.stats {
		if now.Sub(lastSeen(stats)) > m.staleTimeout {
			out = append(out, tenant)
		}
	}
	return out
}

// Start checks for stale feeds every interval until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().
		Int("lag_threshold_ms", m.lagThresholdMs).
		Dur("stale_timeout", m.staleTimeout).
		Msg("quality: feed monitor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("quality: feed monitor stopped")
			return
		case <-ticker.C:
			m.checkStaleFeeds()
		}
	}
}

// checkStaleFeeds emits critical alerts for every silent feed.
func (m *Monitor) checkStaleFeeds() {
	if m.staleTimeout <= 0 {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	for _, stats := range m.stats {
		silent := now.Sub(lastSeen(stats))
		if silent > m.staleTimeout {
			m.emitAlert(Alert{
				Level:   "critical",
				Tenant:  stats.Tenant,
				Message: fmt.Sprintf("Feed silent for >%s (last message %.1fs ago)", m.staleTimeout, silent.Seconds()),
				Ts:      now,
			})
		}
	}
}

func lastSeen(stats *FeedStats) time.Time {
	if stats.LastEventTime.IsZero() {
		return stats.StartTime
	}
	return stats.LastEventTime
}

// emitAlert sends an alert to the channel without blocking.
// If the channel is full, the alert is dropped and a warning is logged.
func (m *Monitor) emitAlert(alert Alert) {
	select {
	case m.alertCh <- alert:
	default:
		log.Warn().
			Int64("tenant", alert.Tenant).
			Str("level", alert.Level).
			Str("message", alert.Message).
			Msg("quality: alert channel full, dropping alert")
	}
}
