// Package messages implements the per-conversation message cache.
//
// Two producers feed the cache: live message events from the driver and
// on-demand history fetches. Both go through insert-if-absent keyed by
// message id, so the same message arriving twice is stored once. Each
// conversation log is kept in ascending timestamp order and capped; the
// oldest entries are evicted first.
package messages

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jholhewres/wabridge/pkg/wabridge/driver"
)

// DefaultMaxPerConversation caps each conversation log.
const DefaultMaxPerConversation = 1000

// StoredMessage is a cached message.
type StoredMessage struct {
	ID                string           `json:"id"`
	ConversationID    string           `json:"conversation_id"`
	Direction         driver.Direction `json:"direction"`
	Body              string           `json:"body"`
	Timestamp         int64            `json:"timestamp"`
	SenderDisplayName string           `json:"sender_display_name,omitempty"`
}

// FromDriver converts a driver message. Sender names are kept for inbound
// messages only.
func FromDriver(m driver.Message) StoredMessage {
	sm := StoredMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Direction:      m.Direction,
		Body:           m.Body,
		Timestamp:      m.Timestamp.Unix(),
	}
	if sm.Direction == "" {
		sm.Direction = driver.Inbound
	}
	if sm.Direction == driver.Inbound {
		sm.SenderDisplayName = m.SenderName
	}
	return sm
}

// Source is the part of the driver used for history fetches.
type Source interface {
	FetchMessages(ctx context.Context, conversationID string, limit int) ([]driver.Message, error)
}

// HistorySource can also ask the provider for a deep resync.
type HistorySource interface {
	Source
	RequestHistorySync(ctx context.Context, conversationID string) error
}

// Config tunes the cache.
type Config struct {
	MaxPerConversation int           `yaml:"max_per_conversation"`
	DeepAttempts       int           `yaml:"deep_attempts"`
	DeepDelay          time.Duration `yaml:"deep_delay"`
	DeepMinLimit       int           `yaml:"deep_min_limit"`
}

// DefaultConfig returns the stock cache settings.
func DefaultConfig() Config {
	return Config{
		MaxPerConversation: DefaultMaxPerConversation,
		DeepAttempts:       3,
		DeepDelay:          1500 * time.Millisecond,
		DeepMinLimit:       100,
	}
}

type conversation struct {
	log  []StoredMessage
	seen map[string]struct{}
}

// Cache holds every conversation log. It is safe for concurrent use.
type Cache struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	convs map[string]*conversation
	epoch uint64
}

// New creates an empty cache. Zero counts take defaults; a negative
// DeepDelay takes the default and zero disables the delay.
func New(cfg Config, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxPerConversation <= 0 {
		cfg.MaxPerConversation = def.MaxPerConversation
	}
	if cfg.DeepAttempts <= 0 {
		cfg.DeepAttempts = def.DeepAttempts
	}
	if cfg.DeepDelay < 0 {
		cfg.DeepDelay = def.DeepDelay
	}
	if cfg.DeepMinLimit <= 0 {
		cfg.DeepMinLimit = def.DeepMinLimit
	}
	return &Cache{
		cfg:    cfg,
		logger: logger.With("component", "messages"),
		convs:  make(map[string]*conversation),
	}
}

// IngestLive stores a message delivered by a live event. The message is
// placed at its timestamp position so the log stays ordered without a full
// sort. Returns false if the id was already cached or the message fell
// outside the kept window.
func (c *Cache) IngestLive(msg driver.Message) bool {
	sm := FromDriver(msg)
	if sm.ID == "" || sm.ConversationID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.convLocked(sm.ConversationID)
	if _, dup := conv.seen[sm.ID]; dup {
		return false
	}

	i := sort.Search(len(conv.log), func(i int) bool {
		return conv.log[i].Timestamp > sm.Timestamp
	})
	conv.log = append(conv.log, StoredMessage{})
	copy(conv.log[i+1:], conv.log[i:])
	conv.log[i] = sm
	conv.seen[sm.ID] = struct{}{}

	c.evictLocked(conv)
	_, kept := conv.seen[sm.ID]
	return kept
}

// MergeResult is the outcome of a fetch-and-merge.
type MergeResult struct {
	Messages []StoredMessage
	Added    int
	// Err is the driver failure, if any. The cache is left unchanged and
	// Messages holds the current log.
	Err error
}

// FetchAndMerge pulls up to limit messages from the driver and merges the
// unseen ones into the conversation log. A driver failure is logged and
// degrades to the current log. Results of a fetch that spans a Reset are
// dropped.
func (c *Cache) FetchAndMerge(ctx context.Context, src Source, conversationID string, limit int) MergeResult {
	c.mu.RLock()
	epoch := c.epoch
	c.mu.RUnlock()

	fetched, err := src.FetchMessages(ctx, conversationID, limit)
	if err != nil {
		c.logger.Warn("messages: history fetch failed",
			"conversation", conversationID, "limit", limit, "error", err)
		return MergeResult{Messages: c.Messages(conversationID), Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch {
		c.logger.Debug("messages: discarding fetch from before reset", "conversation", conversationID)
		return MergeResult{Messages: c.snapshotLocked(conversationID)}
	}

	conv := c.convLocked(conversationID)
	var addedIDs []string
	for _, m := range fetched {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		sm := FromDriver(m)
		if sm.ID == "" || sm.ConversationID != conversationID {
			continue
		}
		if _, dup := conv.seen[sm.ID]; dup {
			continue
		}
		conv.log = append(conv.log, sm)
		conv.seen[sm.ID] = struct{}{}
		addedIDs = append(addedIDs, sm.ID)
	}
	if len(addedIDs) > 0 {
		sort.SliceStable(conv.log, func(i, j int) bool {
			return conv.log[i].Timestamp < conv.log[j].Timestamp
		})
		c.evictLocked(conv)
	}

	// Messages older than everything kept are evicted right away and do
	// not count as added.
	added := 0
	for _, id := range addedIDs {
		if _, kept := conv.seen[id]; kept {
			added++
		}
	}

	if added > 0 {
		c.logger.Debug("messages: merged history",
			"conversation", conversationID, "fetched", len(fetched), "added", added)
	}
	return MergeResult{Messages: c.snapshotLocked(conversationID), Added: added}
}

// DeepResult is the outcome of a deep history fetch.
type DeepResult struct {
	MergeResult
	Requested int
	// Attempts counts the resync requests that the driver accepted.
	Attempts int
}

// LoadedMore reports whether the deep fetch found anything new.
func (r DeepResult) LoadedMore() bool { return r.Added > 0 }

// DeepHistoryFetch asks the driver for older history a few times, waiting
// between requests, then merges a fetch large enough to include what came
// back.
func (c *Cache) DeepHistoryFetch(ctx context.Context, src HistorySource, conversationID string, count int) DeepResult {
	accepted := 0
	for i := 0; i < c.cfg.DeepAttempts; i++ {
		if err := src.RequestHistorySync(ctx, conversationID); err != nil {
			c.logger.Warn("messages: history resync request failed",
				"conversation", conversationID, "attempt", i+1, "error", err)
		} else {
			accepted++
		}
		if !sleepCtx(ctx, c.cfg.DeepDelay) {
			break
		}
	}

	limit := max(c.Len(conversationID)+count, c.cfg.DeepMinLimit)
	res := c.FetchAndMerge(ctx, src, conversationID, limit)

	c.logger.Info("messages: deep history fetch",
		"conversation", conversationID, "limit", limit, "added", res.Added, "attempts", accepted)
	return DeepResult{MergeResult: res, Requested: limit, Attempts: accepted}
}

// Messages returns a copy of a conversation log, oldest first.
func (c *Cache) Messages(conversationID string) []StoredMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked(conversationID)
}

// Last returns up to limit of the newest messages of a conversation,
// oldest first.
func (c *Cache) Last(conversationID string, limit int) []StoredMessage {
	msgs := c.Messages(conversationID)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

// Len returns the number of cached messages in a conversation.
func (c *Cache) Len(conversationID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if conv, ok := c.convs[conversationID]; ok {
		return len(conv.log)
	}
	return 0
}

// Reset drops every conversation.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convs = make(map[string]*conversation)
	c.epoch++
}

func (c *Cache) convLocked(id string) *conversation {
	conv, ok := c.convs[id]
	if !ok {
		conv = &conversation{seen: make(map[string]struct{})}
		c.convs[id] = conv
	}
	return conv
}

func (c *Cache) snapshotLocked(id string) []StoredMessage {
	conv, ok := c.convs[id]
	if !ok || len(conv.log) == 0 {
		return []StoredMessage{}
	}
	return append([]StoredMessage(nil), conv.log...)
}

// evictLocked drops the oldest messages above the cap.
func (c *Cache) evictLocked(conv *conversation) {
	over := len(conv.log) - c.cfg.MaxPerConversation
	if over <= 0 {
		return
	}
	for _, m := range conv.log[:over] {
		delete(conv.seen, m.ID)
	}
	conv.log = append(conv.log[:0:0], conv.log[over:]...)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
