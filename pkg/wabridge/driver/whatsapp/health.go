package whatsapp

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/types"
)

// startPinger sends periodic presence updates to keep the connection
// alive. It stops with ctx.
func (w *WhatsApp) startPinger(ctx context.Context) {
	if w.cfg.PingInterval <= 0 {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.PingInterval)
		defer ticker.Stop()

		w.logger.Debug("whatsapp: pinger started", "interval", w.cfg.PingInterval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.ping(ctx)
			}
		}
	}()
}

func (w *WhatsApp) ping(ctx context.Context) {
	client := w.getClient()
	if client == nil || !client.IsLoggedIn() {
		return
	}
	if err := client.SendPresence(ctx, types.PresenceAvailable); err != nil {
		w.logger.Warn("whatsapp: pinger failed to send presence", "error", err)
	}
}
