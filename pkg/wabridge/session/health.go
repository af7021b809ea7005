package session

import (
	"context"
	"time"
)

// startHealthMonitor checks driver liveness on a ticker until the session
// context ends.
func (m *Manager) startHealthMonitor(ctx context.Context, gen uint64) {
	if m.cfg.HealthInterval <= 0 {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.HealthInterval)
		defer ticker.Stop()

		m.logger.Debug("session: health monitor started", "interval", m.cfg.HealthInterval)
		for {
			select {
			case <-ctx.Done():
				m.logger.Debug("session: health monitor stopped")
				return
			case <-ticker.C:
				m.performHealthCheck(gen)
			}
		}
	}()
}

// performHealthCheck marks the session crashed when it looks ready but the
// driver can no longer reach the provider.
func (m *Manager) performHealthCheck(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.drv == nil {
		m.mu.Unlock()
		return
	}
	if m.state != StateReady && m.state != StateAuthenticated {
		m.mu.Unlock()
		return
	}
	if m.drv.Alive() {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = StateBrowserCrashed
	m.mu.Unlock()

	m.logger.Error("session: driver unreachable, session needs reconnect", "previous", prev)
	m.notify(StateChange{State: StateBrowserCrashed, Previous: prev, Reason: "driver_unreachable"})
}
