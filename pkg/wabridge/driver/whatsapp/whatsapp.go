// Package whatsapp implements driver.Driver on whatsmeow, a native Go
// WhatsApp Web client.
//
// Device keys live in a SQLite session store. whatsmeow keeps no message
// log, so the driver buffers live and history-sync messages per chat and
// serves FetchMessages from that buffer.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/wabridge/pkg/wabridge/driver"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// WhatsApp is one driver session. It is single-use: after Destroy a new
// one must be created.
type WhatsApp struct {
	cfg    Config
	logger *slog.Logger
	waLog  waLog.Logger

	events chan driver.Event
	emitMu sync.Mutex
	closed atomic.Bool

	history *history

	mu        sync.RWMutex
	container *sqlstore.Container
	client    *whatsmeow.Client
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ driver.Driver = (*WhatsApp)(nil)

// New creates an unstarted driver.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	logger = logger.With("component", "whatsapp")
	return &WhatsApp{
		cfg:     cfg,
		logger:  logger,
		waLog:   newWALogger(logger),
		events:  make(chan driver.Event, 256),
		history: newHistory(cfg.BufferSize),
	}
}

// NewFactory returns a driver.Factory building drivers from cfg.
func NewFactory(cfg Config, logger *slog.Logger) driver.Factory {
	return func() (driver.Driver, error) {
		return New(cfg, logger), nil
	}
}

// Events returns the event stream. It is closed by Destroy.
func (w *WhatsApp) Events() <-chan driver.Event { return w.events }

// Start opens the session store and connects. Without a linked device it
// streams QR challenges until the device is paired.
func (w *WhatsApp) Start(ctx context.Context) error {
	if w.closed.Load() {
		return driver.ErrNoSession
	}

	w.mu.Lock()
	if w.client != nil {
		w.mu.Unlock()
		return nil
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	runCtx := w.ctx
	w.mu.Unlock()

	dbPath := w.cfg.DBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}
	w.logger.Info("whatsapp: opening session store", "path", dbPath)

	container, err := sqlstore.New(runCtx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		w.waLog.Sub("Database"))
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := container.GetFirstDevice(runCtx)
	if err != nil {
		_ = container.Close()
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	client := whatsmeow.NewClient(device, w.waLog.Sub("Client"))
	client.AddEventHandler(w.handleEvent)
	client.EnableAutoReconnect = true

	w.mu.Lock()
	w.container = container
	w.client = client
	w.mu.Unlock()

	if client.Store.ID == nil {
		w.logger.Info("whatsapp: no linked device, QR code required")
		qrChan, err := client.GetQRChannel(runCtx)
		if err != nil {
			return fmt.Errorf("getting QR channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return fmt.Errorf("connecting for QR: %w", err)
		}
		w.wg.Add(1)
		go w.watchQR(runCtx, qrChan)
	} else {
		w.logger.Info("whatsapp: resuming linked device", "jid", client.Store.ID.String())
		if err := client.Connect(); err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
	}

	w.startPinger(runCtx)
	return nil
}

// watchQR forwards pairing codes and their outcome as driver events.
func (w *WhatsApp) watchQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	defer w.wg.Done()
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			switch item.Event {
			case "code":
				attempts++
				w.logger.Info("whatsapp: QR code ready", "attempt", attempts, "expires_in", item.Timeout)
				w.emit(driver.Event{Kind: driver.EventChallenge, Challenge: item.Code})

			case "success":
				w.logger.Info("whatsapp: login successful")
				w.emit(driver.Event{Kind: driver.EventAuthenticated})

			case "timeout":
				w.logger.Warn("whatsapp: QR code expired")
				w.emit(driver.Event{Kind: driver.EventAuthFailure, Reason: "qr_timeout"})

			default:
				reason := item.Event
				if item.Error != nil {
					reason = item.Error.Error()
				}
				w.logger.Error("whatsapp: QR login error", "event", item.Event, "error", item.Error)
				w.emit(driver.Event{Kind: driver.EventAuthFailure, Reason: reason})
			}
		}
	}
}

// Destroy disconnects and closes the session store. Auth material stays
// on disk.
func (w *WhatsApp) Destroy(_ context.Context) error {
	w.mu.Lock()
	client, container, cancel := w.client, w.container, w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Disconnect()
	}
	w.wg.Wait()

	var err error
	if container != nil {
		err = container.Close()
	}

	w.emitMu.Lock()
	if w.closed.CompareAndSwap(false, true) {
		close(w.events)
	}
	w.emitMu.Unlock()

	w.logger.Info("whatsapp: destroyed")
	return err
}

// Logout unlinks the device. When the server call fails the local store is
// deleted anyway.
func (w *WhatsApp) Logout(ctx context.Context) error {
	client := w.getClient()
	if client == nil || client.Store.ID == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.Logout(ctx); err != nil {
		w.logger.Warn("whatsapp: logout error, forcing cleanup", "error", err)
		client.Disconnect()
		if delErr := client.Store.Delete(ctx); delErr != nil {
			w.logger.Warn("whatsapp: failed to delete store", "error", delErr)
			return fmt.Errorf("deleting device store: %w", delErr)
		}
	}
	w.logger.Info("whatsapp: logged out, session cleared")
	return nil
}

// Alive reports whether the websocket is up.
func (w *WhatsApp) Alive() bool {
	if w.closed.Load() {
		return false
	}
	client := w.getClient()
	return client != nil && client.IsConnected()
}

// ConnectionState probes the client.
func (w *WhatsApp) ConnectionState(_ context.Context) (driver.ConnState, error) {
	client := w.getClient()
	switch {
	case client == nil:
		return driver.ConnDisconnected, driver.ErrNoSession
	case client.IsLoggedIn():
		return driver.ConnConnected, nil
	case client.IsConnected() && client.Store.ID == nil:
		return driver.ConnPairing, nil
	}
	return driver.ConnDisconnected, nil
}

// ---------- Directory ----------

// Contacts lists the address book synced from the phone.
func (w *WhatsApp) Contacts(ctx context.Context) ([]driver.Contact, error) {
	client, err := w.loggedIn()
	if err != nil {
		return nil, err
	}
	all, err := client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading contacts: %w", err)
	}

	out := make([]driver.Contact, 0, len(all))
	for jid, info := range all {
		name := info.FullName
		if name == "" {
			name = info.FirstName
		}
		if name == "" {
			name = info.BusinessName
		}
		out = append(out, driver.Contact{
			ID:          jid.ToNonAD().String(),
			DisplayName: name,
			PushName:    info.PushName,
		})
	}
	return out, nil
}

// Chats lists joined groups plus every chat named by history sync.
func (w *WhatsApp) Chats(ctx context.Context) ([]driver.Chat, error) {
	client, err := w.loggedIn()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []driver.Chat

	groups, gerr := client.GetJoinedGroups(ctx)
	if gerr != nil {
		w.logger.Warn("whatsapp: listing groups failed", "error", gerr)
	}
	for _, g := range groups {
		id := g.JID.String()
		seen[id] = true
		out = append(out, driver.Chat{ID: id, Name: g.Name, IsGroup: true})
		w.history.setName(id, g.Name)
	}
	for _, c := range w.history.list(true) {
		if !seen[c.ID] {
			out = append(out, c)
		}
	}

	if len(out) == 0 && gerr != nil {
		return nil, fmt.Errorf("listing groups: %w", gerr)
	}
	return out, nil
}

// Chat looks one chat up by id.
func (w *WhatsApp) Chat(ctx context.Context, id string) (driver.Chat, error) {
	chats, err := w.Chats(ctx)
	if err != nil {
		return driver.Chat{}, err
	}
	for _, c := range chats {
		if c.ID == id {
			return c, nil
		}
	}
	return driver.Chat{ID: id, IsGroup: driver.IsGroupID(id)}, nil
}

// ---------- History ----------

// FetchMessages returns the newest buffered messages of a chat.
func (w *WhatsApp) FetchMessages(_ context.Context, conversationID string, limit int) ([]driver.Message, error) {
	if _, err := w.loggedIn(); err != nil {
		return nil, err
	}
	return w.history.last(conversationID, limit), nil
}

// RequestHistorySync asks the phone for messages older than the oldest
// buffered one. Results arrive later as a history sync event.
func (w *WhatsApp) RequestHistorySync(ctx context.Context, conversationID string) error {
	client, err := w.loggedIn()
	if err != nil {
		return err
	}
	anchor, ok := w.history.oldest(conversationID)
	if !ok {
		return fmt.Errorf("%w: no known message to anchor history in %s",
			driver.ErrUnsupported, conversationID)
	}
	info, err := messageInfo(anchor)
	if err != nil {
		return err
	}

	req := client.BuildHistorySyncRequest(&info, w.cfg.HistorySyncCount)
	if _, err := client.SendMessage(ctx, client.Store.ID.ToNonAD(), req,
		whatsmeow.SendRequestExtra{Peer: true}); err != nil {
		return fmt.Errorf("requesting history sync: %w", err)
	}
	w.logger.Debug("whatsapp: history sync requested",
		"chat", conversationID, "anchor", anchor.ID, "count", w.cfg.HistorySyncCount)
	return nil
}

// ---------- Writes ----------

// SendText sends a plain text message.
func (w *WhatsApp) SendText(ctx context.Context, to, text string) (driver.Message, error) {
	return w.send(ctx, to, driver.MessageText, text, &waE2E.Message{
		Conversation: proto.String(text),
	})
}

// SendMedia uploads the attachment and sends it.
func (w *WhatsApp) SendMedia(ctx context.Context, to string, media driver.Media) (driver.Message, error) {
	client, err := w.loggedIn()
	if err != nil {
		return driver.Message{}, err
	}

	kind := mediaKind(media.MimeType)
	appInfo := map[driver.MessageType]whatsmeow.MediaType{
		driver.MessageImage:    whatsmeow.MediaImage,
		driver.MessageVideo:    whatsmeow.MediaVideo,
		driver.MessageAudio:    whatsmeow.MediaAudio,
		driver.MessageDocument: whatsmeow.MediaDocument,
	}[kind]

	up, err := client.Upload(ctx, media.Data, appInfo)
	if err != nil {
		return driver.Message{}, fmt.Errorf("uploading media: %w", err)
	}

	var (
		waMsg *waE2E.Message
		body  string
	)
	switch kind {
	case driver.MessageImage:
		body = withPlaceholder("[image]", media.Caption)
		waMsg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case driver.MessageVideo:
		body = withPlaceholder("[video]", media.Caption)
		waMsg = &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case driver.MessageAudio:
		body = "[audio]"
		waMsg = &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	default:
		body = withPlaceholder(fmt.Sprintf("[document: %s]", media.Filename), media.Caption)
		waMsg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.MimeType),
			FileName:      proto.String(media.Filename),
			Title:         proto.String(media.Filename),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}

	return w.send(ctx, to, kind, body, waMsg)
}

// Reply sends text quoting an earlier message.
func (w *WhatsApp) Reply(ctx context.Context, conversationID, messageID, text string) (driver.Message, error) {
	jid, err := parseJID(conversationID)
	if err != nil {
		return driver.Message{}, err
	}
	ctxInfo := &waE2E.ContextInfo{StanzaID: proto.String(messageID)}
	if quoted, ok := w.history.find(jid.String(), messageID); ok {
		author := senderOf(quoted, jid)
		if author.IsEmpty() {
			if client := w.getClient(); client != nil && client.Store.ID != nil {
				author = client.Store.ID.ToNonAD()
			}
		}
		if !author.IsEmpty() {
			ctxInfo.Participant = proto.String(author.String())
		}
		ctxInfo.QuotedMessage = &waE2E.Message{Conversation: proto.String(quoted.Body)}
	}

	msg, err := w.send(ctx, conversationID, driver.MessageText, text, &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(text),
			ContextInfo: ctxInfo,
		},
	})
	msg.ReplyTo = messageID
	return msg, err
}

// React sets or, with an empty emoji, removes a reaction.
func (w *WhatsApp) React(ctx context.Context, conversationID, messageID, emoji string) error {
	client, err := w.loggedIn()
	if err != nil {
		return err
	}
	jid, err := parseJID(conversationID)
	if err != nil {
		return err
	}
	sender := w.senderFor(jid, messageID)
	_, err = client.SendMessage(ctx, jid, client.BuildReaction(jid, sender, types.MessageID(messageID), emoji))
	if err != nil {
		return fmt.Errorf("sending reaction: %w", err)
	}
	return nil
}

// Delete revokes a message for everyone. Deleting only on this device is
// not something the web protocol offers.
func (w *WhatsApp) Delete(ctx context.Context, conversationID, messageID string, forEveryone bool) error {
	if !forEveryone {
		return fmt.Errorf("%w: delete for me", driver.ErrUnsupported)
	}
	client, err := w.loggedIn()
	if err != nil {
		return err
	}
	jid, err := parseJID(conversationID)
	if err != nil {
		return err
	}
	sender := w.senderFor(jid, messageID)
	_, err = client.SendMessage(ctx, jid, client.BuildRevoke(jid, sender, types.MessageID(messageID)))
	if err != nil {
		return fmt.Errorf("revoking message: %w", err)
	}
	return nil
}

// Edit replaces the text of one of our messages.
func (w *WhatsApp) Edit(ctx context.Context, conversationID, messageID, text string) error {
	client, err := w.loggedIn()
	if err != nil {
		return err
	}
	jid, err := parseJID(conversationID)
	if err != nil {
		return err
	}
	edit := client.BuildEdit(jid, types.MessageID(messageID), &waE2E.Message{
		Conversation: proto.String(text),
	})
	if _, err := client.SendMessage(ctx, jid, edit); err != nil {
		return fmt.Errorf("editing message: %w", err)
	}
	return nil
}

// SetChatState sends a typing, recording or paused indicator.
func (w *WhatsApp) SetChatState(ctx context.Context, conversationID string, state driver.ChatState) error {
	client, err := w.loggedIn()
	if err != nil {
		return err
	}
	jid, err := parseJID(conversationID)
	if err != nil {
		return err
	}
	switch state {
	case driver.ChatTyping:
		return client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
	case driver.ChatRecording:
		return client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaAudio)
	case driver.ChatPaused:
		return client.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
	}
	return fmt.Errorf("%w: chat state %q", driver.ErrUnsupported, state)
}

// ---------- Internal ----------

func (w *WhatsApp) getClient() *whatsmeow.Client {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.client
}

func (w *WhatsApp) loggedIn() (*whatsmeow.Client, error) {
	client := w.getClient()
	if client == nil || w.closed.Load() || client.Store.ID == nil {
		return nil, driver.ErrNoSession
	}
	return client, nil
}

// senderFor finds the author of a buffered message, defaulting to our own
// account when the message is unknown.
func (w *WhatsApp) senderFor(chat types.JID, messageID string) types.JID {
	if m, ok := w.history.find(chat.String(), messageID); ok {
		return senderOf(m, chat)
	}
	return types.EmptyJID
}

// send delivers waMsg, buffers the result and echoes it as an outbound
// message event.
func (w *WhatsApp) send(ctx context.Context, to string, kind driver.MessageType, body string, waMsg *waE2E.Message) (driver.Message, error) {
	client, err := w.loggedIn()
	if err != nil {
		return driver.Message{}, err
	}
	jid, err := parseJID(to)
	if err != nil {
		return driver.Message{}, err
	}

	resp, err := client.SendMessage(ctx, jid, waMsg)
	if err != nil {
		return driver.Message{}, fmt.Errorf("sending message: %w", err)
	}

	msg := driver.Message{
		ID:             string(resp.ID),
		ConversationID: jid.String(),
		Direction:      driver.Outbound,
		Type:           kind,
		Body:           body,
		Timestamp:      resp.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	w.history.add(msg)
	w.emit(driver.Event{Kind: driver.EventMessage, Message: &msg})
	return msg, nil
}

// emit delivers evt. Message events are dropped when the consumer lags;
// lifecycle events wait until the session context ends.
func (w *WhatsApp) emit(evt driver.Event) {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	if w.closed.Load() {
		return
	}

	w.mu.RLock()
	ctx := w.ctx
	w.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if evt.Kind == driver.EventMessage {
		select {
		case w.events <- evt:
		default:
			w.logger.Warn("whatsapp: event channel full, dropping message",
				"chat", evt.Message.ConversationID, "id", evt.Message.ID)
		}
		return
	}

	select {
	case w.events <- evt:
	case <-ctx.Done():
	}
}
