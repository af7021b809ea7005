package session

import (
	"context"
	"time"

	"github.com/jholhewres/wabridge/pkg/wabridge/driver"
)

// tryTransitionToReady is the only way into StateReady. Every trigger
// calls it; the first one wins and later calls are no-ops.
func (m *Manager) tryTransitionToReady(ctx context.Context, gen uint64, trigger string) bool {
	m.mu.Lock()
	if gen != m.gen || m.drv == nil || m.state == StateReady {
		m.mu.Unlock()
		return false
	}
	prev := m.state
	m.state = StateReady
	m.everReady = true
	m.discReason = ""
	if m.readyCh != nil {
		close(m.readyCh)
		m.readyCh = nil
	}
	drv := m.drv
	m.mu.Unlock()

	m.qr.clear()
	m.logger.Info("session: ready", "trigger", trigger, "previous", prev)
	m.notify(StateChange{State: StateReady, Previous: prev, Reason: trigger})

	m.syncContacts(ctx, drv, trigger)
	return true
}

// awaitReady forces readiness when the driver authenticated but never
// reported ready within the timeout.
func (m *Manager) awaitReady(ctx context.Context, gen uint64, readyCh <-chan struct{}) {
	defer m.wg.Done()

	timer := time.NewTimer(m.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-readyCh:
	case <-timer.C:
		m.logger.Warn("session: no ready event after authentication, forcing ready",
			"timeout", m.cfg.ReadyTimeout)
		m.tryTransitionToReady(ctx, gen, "auth_timeout")
	}
}

// startPoll probes the raw connection state until the session is ready or
// the attempts run out. It runs at most once per session.
func (m *Manager) startPoll(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.drv == nil || m.pollStarted || m.state == StateReady {
		m.mu.Unlock()
		return
	}
	m.pollStarted = true
	drv := m.drv
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()

		for attempt := 1; attempt <= m.cfg.PollAttempts; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if !m.isCurrent(gen) || m.State() == StateReady {
				return
			}

			state, err := drv.ConnectionState(ctx)
			if err != nil {
				m.logger.Debug("session: readiness probe failed", "attempt", attempt, "error", err)
				continue
			}
			if state == driver.ConnConnected {
				m.tryTransitionToReady(ctx, gen, "poll")
				return
			}
		}
		m.logger.Warn("session: readiness poll exhausted", "attempts", m.cfg.PollAttempts)
	}()
}

// syncContacts runs a directory bulk sync in the background so the event
// loop keeps draining while the driver answers.
func (m *Manager) syncContacts(ctx context.Context, drv driver.Driver, trigger string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		n, err := m.contacts.BulkSync(ctx, drv)
		if err != nil {
			m.logger.Warn("session: contact sync failed", "trigger", trigger, "error", err)
			return
		}
		m.logger.Info("session: contacts synced", "trigger", trigger, "count", n)
	}()
}

// refreshContacts is the periodic cron job.
func (m *Manager) refreshContacts() {
	if !m.IsReady() {
		return
	}
	drv := m.Driver()
	if drv == nil {
		return
	}
	if _, err := m.contacts.BulkSync(m.ctx, drv); err != nil {
		m.logger.Warn("session: scheduled contact refresh failed", "error", err)
	}
}
