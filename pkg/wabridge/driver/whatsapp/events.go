package whatsapp

import (
	"fmt"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/wabridge/pkg/wabridge/driver"
)

// handleEvent is the main whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.HistorySync:
		w.handleHistorySync(evt)

	case *events.Connected:
		w.logger.Info("whatsapp: connected", "jid", w.clientJID())
		w.emit(driver.Event{Kind: driver.EventReady})

	case *events.OfflineSyncCompleted:
		w.logger.Debug("whatsapp: offline sync completed", "count", evt.Count)
		w.emit(driver.Event{Kind: driver.EventLifecycleHint, Hint: driver.HintConnected})

	case *events.KeepAliveRestored:
		w.logger.Info("whatsapp: keep-alive restored")
		w.emit(driver.Event{Kind: driver.EventLifecycleHint, Hint: driver.HintConnected})

	case *events.KeepAliveTimeout:
		w.logger.Warn("whatsapp: keep-alive timeout",
			"error_count", evt.ErrorCount, "last_success", evt.LastSuccess)
		w.emit(driver.Event{Kind: driver.EventLifecycleHint, Hint: driver.HintKeepAliveTimeout})

	case *events.Disconnected:
		w.logger.Warn("whatsapp: disconnected")
		w.emit(driver.Event{Kind: driver.EventDisconnected, Reason: "connection_lost"})

	case *events.StreamReplaced:
		w.logger.Error("whatsapp: stream replaced, another client connected")
		w.emit(driver.Event{Kind: driver.EventDisconnected, Reason: "stream_replaced"})

	case *events.LoggedOut:
		reason := "unknown"
		if evt.Reason != 0 {
			reason = evt.Reason.String()
		}
		w.logger.Error("whatsapp: logged out", "reason", reason, "on_connect", evt.OnConnect)
		w.authLost("logged_out: " + reason)

	case *events.TemporaryBan:
		w.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)
		w.authLost(fmt.Sprintf("temporary_ban: %s (expires in %s)", evt.Code, evt.Expire))

	case *events.ClientOutdated:
		w.logger.Error("whatsapp: client outdated, update whatsmeow")
		w.authLost("client_outdated")

	case *events.ConnectFailure:
		reason := "unknown"
		if evt.Reason != 0 {
			reason = evt.Reason.String()
		}
		permanent := evt.PermanentDisconnectDescription()
		w.logger.Error("whatsapp: connect failure",
			"reason", reason, "message", evt.Message, "permanent", permanent)
		if permanent != "" {
			w.authLost("connect_failure: " + permanent)
		} else {
			w.emit(driver.Event{Kind: driver.EventDisconnected, Reason: "connect_failure: " + reason})
		}

	case *events.PairSuccess:
		w.logger.Info("whatsapp: device paired",
			"jid", evt.ID, "platform", evt.Platform, "business", evt.BusinessName)

	case *events.PushName:
		w.logger.Debug("whatsapp: push name update", "jid", evt.JID, "name", evt.NewPushName)
	}
}

// authLost reports a session the server will not resume.
func (w *WhatsApp) authLost(reason string) {
	w.emit(driver.Event{Kind: driver.EventAuthFailure, Reason: reason})
	w.emit(driver.Event{Kind: driver.EventDisconnected, Reason: reason})
}

func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	info := evt.Info
	info.Chat = w.resolveLID(info.Chat)
	info.Sender = w.resolveLID(info.Sender)

	msg, ok := convertMessage(info, evt.Message)
	if !ok {
		return
	}
	w.history.add(msg)
	w.emit(driver.Event{Kind: driver.EventMessage, Message: &msg})
}

// handleHistorySync buffers backfilled conversations and their names.
// Backfill goes to the buffer only; it is not replayed as live events.
func (w *WhatsApp) handleHistorySync(evt *events.HistorySync) {
	client := w.getClient()
	if client == nil || evt.Data == nil {
		return
	}

	convs, added := 0, 0
	for _, conv := range evt.Data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		chatJID = w.resolveLID(chatJID)
		chatID := chatJID.ToNonAD().String()
		w.history.setName(chatID, conv.GetName())

		var batch []driver.Message
		for _, hm := range conv.GetMessages() {
			parsed, err := client.ParseWebMessage(chatJID, hm.GetMessage())
			if err != nil {
				continue
			}
			if msg, ok := convertMessage(parsed.Info, parsed.Message); ok {
				msg.ConversationID = chatID
				batch = append(batch, msg)
			}
		}
		added += w.history.add(batch...)
		convs++
	}
	w.logger.Info("whatsapp: history sync received",
		"type", evt.Data.GetSyncType().String(), "conversations", convs, "added", added)
}

// resolveLID maps a linked-identity JID to its phone JID when the store
// knows it.
func (w *WhatsApp) resolveLID(jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer {
		return jid
	}
	client := w.getClient()
	if client == nil || client.Store == nil {
		return jid
	}
	w.mu.RLock()
	ctx := w.ctx
	w.mu.RUnlock()
	if alt, err := client.Store.GetAltJID(ctx, jid); err == nil && !alt.IsEmpty() {
		return alt
	}
	return jid
}

func (w *WhatsApp) clientJID() string {
	if client := w.getClient(); client != nil && client.Store.ID != nil {
		return client.Store.ID.String()
	}
	return ""
}
