// Package bridge is the query façade over the chat session: the operations
// the tool layer invokes. Reads come from the contact directory and the
// message cache; history reads and every write need a ready session and
// fail fast with ErrNotConnected otherwise.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jholhewres/wabridge/pkg/wabridge/contacts"
	"github.com/jholhewres/wabridge/pkg/wabridge/driver"
	"github.com/jholhewres/wabridge/pkg/wabridge/messages"
	"github.com/jholhewres/wabridge/pkg/wabridge/qr"
	"github.com/jholhewres/wabridge/pkg/wabridge/session"
)

// Session is the part of the session manager the service needs.
type Session interface {
	Status() session.Status
	IsReady() bool
	Driver() driver.Driver
	Challenge() (string, time.Time, bool)
	Reconnect(ctx context.Context) error
	ResetAuth(ctx context.Context) error
}

// Defaults for list operations.
const (
	DefaultContactLimit = 50
	DefaultMessageLimit = 20
	DefaultRecentLimit  = 10
	DefaultSearchLimit  = 20
	DefaultFetchMore    = 50
	maxMediaBytes       = 64 << 20
)

// Service implements the exposed operations.
type Service struct {
	sess     Session
	contacts *contacts.Directory
	messages *messages.Cache
	logger   *slog.Logger
}

// New creates the service.
func New(sess Session, dir *contacts.Directory, cache *messages.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sess:     sess,
		contacts: dir,
		messages: cache,
		logger:   logger.With("component", "bridge"),
	}
}

// ---------- Status ----------

// Status returns the session status.
func (s *Service) Status() session.Status { return s.sess.Status() }

// IsReady reports whether writes may proceed.
func (s *Service) IsReady() bool { return s.sess.IsReady() }

// QRImage is a renderable challenge.
type QRImage struct {
	Code        string    `json:"code"`
	DataURL     string    `json:"data_url"`
	GeneratedAt time.Time `json:"generated_at"`
	PNG         []byte    `json:"-"`
}

// QRImage renders the pending challenge.
func (s *Service) QRImage() (QRImage, error) {
	code, at, ok := s.sess.Challenge()
	if !ok {
		return QRImage{}, ErrNoChallenge
	}
	png, err := qr.PNG(code, qr.DefaultSize)
	if err != nil {
		return QRImage{}, err
	}
	url, err := qr.DataURL(code, qr.DefaultSize)
	if err != nil {
		return QRImage{}, err
	}
	return QRImage{Code: code, DataURL: url, GeneratedAt: at, PNG: png}, nil
}

// ---------- Contacts ----------

// ListContacts returns up to limit contacts, syncing first when the
// directory is empty and the session is ready.
func (s *Service) ListContacts(ctx context.Context, limit int) []contacts.Contact {
	if limit <= 0 {
		limit = DefaultContactLimit
	}
	s.ensureSynced(ctx)
	return s.contacts.List(limit)
}

// FindContact resolves a name to a contact.
func (s *Service) FindContact(ctx context.Context, name string) (contacts.Contact, error) {
	if strings.TrimSpace(name) == "" {
		return contacts.Contact{}, invalid("contact name is required")
	}
	s.ensureSynced(ctx)
	c, ok := s.contacts.FindByName(name)
	if !ok {
		return contacts.Contact{}, notFound("contact", name)
	}
	return c, nil
}

// ---------- Messages ----------

// MessagesResult is a conversation log with its resolved contact.
type MessagesResult struct {
	ConversationID string                   `json:"conversation_id"`
	ContactName    string                   `json:"contact_name"`
	Messages       []messages.StoredMessage `json:"messages"`
	Added          int                      `json:"added"`
	FetchError     string                   `json:"fetch_error,omitempty"`
}

// GetMessages fetches recent history for a contact name, phone or id,
// merges it into the cache and returns the newest limit messages.
func (s *Service) GetMessages(ctx context.Context, who string, limit int) (MessagesResult, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	drv, err := s.readyDriver()
	if err != nil {
		return MessagesResult{}, err
	}
	target, err := s.resolve(ctx, who)
	if err != nil {
		return MessagesResult{}, err
	}

	res := s.messages.FetchAndMerge(ctx, drv, target.ID, limit)
	out := MessagesResult{
		ConversationID: target.ID,
		ContactName:    target.Label(),
		Messages:       tail(res.Messages, limit),
		Added:          res.Added,
	}
	if res.Err != nil {
		out.FetchError = res.Err.Error()
	}
	return out, nil
}

// MoreResult is the outcome of a deep history fetch.
type MoreResult struct {
	ConversationID string                   `json:"conversation_id"`
	ContactName    string                   `json:"contact_name"`
	LoadedMore     bool                     `json:"loaded_more"`
	Added          int                      `json:"added"`
	Total          int                      `json:"total"`
	Messages       []messages.StoredMessage `json:"messages"`
}

// FetchMoreMessages asks the provider for older history and merges it.
func (s *Service) FetchMoreMessages(ctx context.Context, who string, count int) (MoreResult, error) {
	if count <= 0 {
		count = DefaultFetchMore
	}
	drv, err := s.readyDriver()
	if err != nil {
		return MoreResult{}, err
	}
	target, err := s.resolve(ctx, who)
	if err != nil {
		return MoreResult{}, err
	}

	res := s.messages.DeepHistoryFetch(ctx, drv, target.ID, count)
	return MoreResult{
		ConversationID: target.ID,
		ContactName:    target.Label(),
		LoadedMore:     res.LoadedMore(),
		Added:          res.Added,
		Total:          len(res.Messages),
		Messages:       tail(res.Messages, count),
	}, nil
}

// RecentConversation is a cache summary row.
type RecentConversation struct {
	messages.Conversation
	ContactName string `json:"contact_name"`
}

// GetRecentMessages summarizes the most recently active conversations from
// the cache.
func (s *Service) GetRecentMessages(limit int) []RecentConversation {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	convs := s.messages.Recent(limit)
	out := make([]RecentConversation, len(convs))
	for i, c := range convs {
		out[i] = RecentConversation{Conversation: c, ContactName: s.label(c.ConversationID)}
	}
	return out
}

// SearchResult is one conversation's matches.
type SearchResult struct {
	messages.SearchGroup
	ContactName string `json:"contact_name"`
}

// SearchMessages searches cached bodies. conversation may be empty, or a
// name, phone or id to restrict the search.
func (s *Service) SearchMessages(ctx context.Context, query, conversation string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, invalid("search query is required")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	convID := ""
	if strings.TrimSpace(conversation) != "" {
		target, err := s.resolve(ctx, conversation)
		if err != nil {
			return nil, err
		}
		convID = target.ID
	}

	groups := s.messages.Search(query, convID, limit)
	out := make([]SearchResult, len(groups))
	for i, g := range groups {
		out[i] = SearchResult{SearchGroup: g, ContactName: s.label(g.ConversationID)}
	}
	return out, nil
}

// ---------- Writes ----------

// SendResult describes a sent message.
type SendResult struct {
	MessageID   string `json:"message_id"`
	To          string `json:"to"`
	ContactName string `json:"contact_name,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// SendMessage sends text to a phone number or conversation id.
func (s *Service) SendMessage(ctx context.Context, recipient, text string) (SendResult, error) {
	drv, err := s.readyDriver()
	if err != nil {
		return SendResult{}, err
	}
	if strings.TrimSpace(text) == "" {
		return SendResult{}, invalid("message text is required")
	}
	to, err := driver.ParseID(recipient)
	if err != nil {
		return SendResult{}, invalid("%v", err)
	}
	return s.sendText(ctx, drv, contacts.Contact{ID: to}, text)
}

// SendToContact resolves a contact by name and sends text to it.
func (s *Service) SendToContact(ctx context.Context, name, text string) (SendResult, error) {
	drv, err := s.readyDriver()
	if err != nil {
		return SendResult{}, err
	}
	if strings.TrimSpace(text) == "" {
		return SendResult{}, invalid("message text is required")
	}
	c, err := s.FindContact(ctx, name)
	if err != nil {
		return SendResult{}, err
	}
	return s.sendText(ctx, drv, c, text)
}

func (s *Service) sendText(ctx context.Context, drv driver.Driver, to contacts.Contact, text string) (SendResult, error) {
	msg, err := drv.SendText(ctx, to.ID, text)
	if err != nil {
		return SendResult{}, err
	}
	return s.recordSent(msg, to), nil
}

// SendMedia sends a local file, with an optional caption.
func (s *Service) SendMedia(ctx context.Context, recipient, path, caption string) (SendResult, error) {
	drv, err := s.readyDriver()
	if err != nil {
		return SendResult{}, err
	}
	target, err := s.resolve(ctx, recipient)
	if err != nil {
		return SendResult{}, err
	}

	media, err := loadMedia(path)
	if err != nil {
		return SendResult{}, err
	}
	media.Caption = caption

	msg, err := drv.SendMedia(ctx, target.ID, media)
	if err != nil {
		return SendResult{}, err
	}
	return s.recordSent(msg, target), nil
}

// Reply sends text quoting an earlier message.
func (s *Service) Reply(ctx context.Context, chat, messageID, text string) (SendResult, error) {
	drv, err := s.readyDriver()
	if err != nil {
		return SendResult{}, err
	}
	if messageID == "" || strings.TrimSpace(text) == "" {
		return SendResult{}, invalid("message id and text are required")
	}
	target, err := s.resolve(ctx, chat)
	if err != nil {
		return SendResult{}, err
	}
	msg, err := drv.Reply(ctx, target.ID, messageID, text)
	if err != nil {
		return SendResult{}, err
	}
	return s.recordSent(msg, target), nil
}

// React sets an emoji reaction on a message. An empty emoji removes it.
func (s *Service) React(ctx context.Context, chat, messageID, emoji string) error {
	drv, err := s.readyDriver()
	if err != nil {
		return err
	}
	if messageID == "" {
		return invalid("message id is required")
	}
	target, err := s.resolve(ctx, chat)
	if err != nil {
		return err
	}
	return drv.React(ctx, target.ID, messageID, emoji)
}

// DeleteMessage deletes a message, for everyone or only locally.
func (s *Service) DeleteMessage(ctx context.Context, chat, messageID string, forEveryone bool) error {
	drv, err := s.readyDriver()
	if err != nil {
		return err
	}
	if messageID == "" {
		return invalid("message id is required")
	}
	target, err := s.resolve(ctx, chat)
	if err != nil {
		return err
	}
	return drv.Delete(ctx, target.ID, messageID, forEveryone)
}

// EditMessage replaces the text of a sent message.
func (s *Service) EditMessage(ctx context.Context, chat, messageID, text string) error {
	drv, err := s.readyDriver()
	if err != nil {
		return err
	}
	if messageID == "" || strings.TrimSpace(text) == "" {
		return invalid("message id and text are required")
	}
	target, err := s.resolve(ctx, chat)
	if err != nil {
		return err
	}
	return drv.Edit(ctx, target.ID, messageID, text)
}

// SetTypingState shows typing, recording or paused in a chat.
func (s *Service) SetTypingState(ctx context.Context, chat, state string) error {
	drv, err := s.readyDriver()
	if err != nil {
		return err
	}
	cs := driver.ChatState(strings.ToLower(strings.TrimSpace(state)))
	switch cs {
	case driver.ChatTyping, driver.ChatRecording, driver.ChatPaused:
	default:
		return invalid("unknown typing state %q", state)
	}
	target, err := s.resolve(ctx, chat)
	if err != nil {
		return err
	}
	return drv.SetChatState(ctx, target.ID, cs)
}

// ---------- Recovery ----------

// Reconnect restarts the driver session keeping auth material.
func (s *Service) Reconnect(ctx context.Context) error {
	return s.sess.Reconnect(ctx)
}

// ResetAuth wipes auth material and caches and restarts for a new scan.
func (s *Service) ResetAuth(ctx context.Context) error {
	return s.sess.ResetAuth(ctx)
}

// ---------- Internal ----------

func (s *Service) readyDriver() (driver.Driver, error) {
	if !s.sess.IsReady() {
		return nil, fmt.Errorf("%w (status: %s)", ErrNotConnected, s.sess.Status().Status)
	}
	drv := s.sess.Driver()
	if drv == nil {
		return nil, ErrNotConnected
	}
	return drv, nil
}

func (s *Service) ensureSynced(ctx context.Context) {
	if !s.sess.IsReady() {
		return
	}
	if drv := s.sess.Driver(); drv != nil {
		s.contacts.EnsureSynced(ctx, drv)
	}
}

// resolve turns a conversation id, phone number or contact name into a
// contact. Ids and phones resolve even when not in the directory.
func (s *Service) resolve(ctx context.Context, who string) (contacts.Contact, error) {
	who = strings.TrimSpace(who)
	if who == "" {
		return contacts.Contact{}, invalid("contact is required")
	}

	if strings.Contains(who, "@") || driver.LooksLikePhone(who) {
		id, err := driver.ParseID(who)
		if err != nil {
			return contacts.Contact{}, invalid("%v", err)
		}
		if c, ok := s.contacts.Get(id); ok {
			return c, nil
		}
		return s.lookupChat(ctx, id), nil
	}

	s.ensureSynced(ctx)
	c, ok := s.contacts.FindByName(who)
	if !ok {
		return contacts.Contact{}, notFound("contact", who)
	}
	return c, nil
}

// lookupChat asks the driver for a chat missing from the directory, such as
// a group that is not in the address book. Failures fall back to a bare id.
func (s *Service) lookupChat(ctx context.Context, id string) contacts.Contact {
	c := contacts.Contact{ID: id, IsGroup: driver.IsGroupID(id)}
	drv, err := s.readyDriver()
	if err != nil {
		return c
	}
	chat, err := drv.Chat(ctx, id)
	if err != nil {
		s.logger.Debug("bridge: chat lookup failed", "id", id, "error", err)
		return c
	}
	c.DisplayName = chat.Name
	c.IsGroup = c.IsGroup || chat.IsGroup
	return c
}

func (s *Service) label(id string) string {
	if c, ok := s.contacts.Get(id); ok {
		return c.Label()
	}
	return driver.User(id)
}

func (s *Service) recordSent(msg driver.Message, to contacts.Contact) SendResult {
	if msg.ConversationID == "" {
		msg.ConversationID = to.ID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.Direction = driver.Outbound
	s.messages.IngestLive(msg)

	s.logger.Info("bridge: message sent", "to", msg.ConversationID, "id", msg.ID)
	name := to.Label()
	if to.DisplayName == "" && to.PushName == "" {
		name = ""
	}
	return SendResult{
		MessageID:   msg.ID,
		To:          msg.ConversationID,
		ContactName: name,
		Timestamp:   msg.Timestamp.Unix(),
	}
}

func loadMedia(path string) (driver.Media, error) {
	if strings.TrimSpace(path) == "" {
		return driver.Media{}, invalid("media path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return driver.Media{}, invalid("reading media: %v", err)
	}
	if info.IsDir() {
		return driver.Media{}, invalid("%s is a directory", path)
	}
	if info.Size() > maxMediaBytes {
		return driver.Media{}, invalid("%s is larger than %d MB", path, maxMediaBytes>>20)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return driver.Media{}, invalid("reading media: %v", err)
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return driver.Media{
		Data:     data,
		MimeType: mimeType,
		Filename: filepath.Base(path),
	}, nil
}

func tail(msgs []messages.StoredMessage, n int) []messages.StoredMessage {
	if n > 0 && len(msgs) > n {
		return msgs[len(msgs)-n:]
	}
	return msgs
}
