package session

import (
	"context"
	"fmt"
	"os"
)

// Reconnect destroys the driver session and starts a new one with the
// same auth material. Cached contacts and messages are kept.
func (m *Manager) Reconnect(ctx context.Context) error {
	if !m.recovering.CompareAndSwap(false, true) {
		return ErrRecoveryInProgress
	}
	defer m.recovering.Store(false)

	st := m.Status()
	m.logger.Info("session: reconnecting",
		"state", st.State, "driver_alive", st.DriverAlive, "ready_observed", st.ReadyObserved)

	m.teardown(ctx, "reconnect")
	return m.Initialize(ctx)
}

// ResetAuth logs the device out, wipes the auth material and every cache,
// and starts a new session that will ask for a fresh QR scan.
func (m *Manager) ResetAuth(ctx context.Context) error {
	if !m.recovering.CompareAndSwap(false, true) {
		return ErrRecoveryInProgress
	}
	defer m.recovering.Store(false)

	m.logger.Warn("session: resetting authentication")

	if drv := m.Driver(); drv != nil {
		if err := drv.Logout(ctx); err != nil {
			m.logger.Warn("session: logout failed, wiping anyway", "error", err)
		}
	}
	m.teardown(ctx, "reset_auth")

	m.messages.Reset()
	if err := m.contacts.Reset(); err != nil {
		m.logger.Warn("session: removing contact cache failed", "error", err)
	}

	m.mu.Lock()
	m.everReady = false
	m.authFailure = ""
	m.mu.Unlock()

	for _, p := range m.cfg.AuthPaths {
		if p == "" {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("removing auth material %s: %w", p, err)
		}
		m.logger.Info("session: removed auth material", "path", p)
	}

	return m.Initialize(ctx)
}
