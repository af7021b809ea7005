package whatsapp

import (
	"sort"
	"sync"

	"github.com/jholhewres/wabridge/pkg/wabridge/driver"
)

// history is the driver-side message store. whatsmeow keeps no message
// log of its own, so live messages and history sync batches land here and
// FetchMessages reads from it.
type history struct {
	mu    sync.RWMutex
	max   int
	chats map[string]*chatLog
}

type chatLog struct {
	name string
	msgs []driver.Message
	ids  map[string]struct{}
}

func newHistory(size int) *history {
	return &history{max: size, chats: make(map[string]*chatLog)}
}

func (h *history) chatLocked(id string) *chatLog {
	c, ok := h.chats[id]
	if !ok {
		c = &chatLog{ids: make(map[string]struct{})}
		h.chats[id] = c
	}
	return c
}

// add stores unseen messages in timestamp order and trims each touched
// chat to the cap, dropping the oldest. Returns the number added.
func (h *history) add(msgs ...driver.Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	touched := make(map[string]*chatLog)
	added := 0
	for _, m := range msgs {
		if m.ID == "" || m.ConversationID == "" {
			continue
		}
		c := h.chatLocked(m.ConversationID)
		if _, dup := c.ids[m.ID]; dup {
			continue
		}
		c.ids[m.ID] = struct{}{}
		c.msgs = append(c.msgs, m)
		touched[m.ConversationID] = c
		added++
	}

	for _, c := range touched {
		sort.SliceStable(c.msgs, func(i, j int) bool {
			return c.msgs[i].Timestamp.Before(c.msgs[j].Timestamp)
		})
		if over := len(c.msgs) - h.max; h.max > 0 && over > 0 {
			for _, old := range c.msgs[:over] {
				delete(c.ids, old.ID)
			}
			c.msgs = append([]driver.Message(nil), c.msgs[over:]...)
		}
	}
	return added
}

// last returns up to limit of the newest messages, oldest first.
func (h *history) last(chat string, limit int) []driver.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.chats[chat]
	if !ok {
		return nil
	}
	msgs := c.msgs
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]driver.Message(nil), msgs...)
}

func (h *history) oldest(chat string) (driver.Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.chats[chat]
	if !ok || len(c.msgs) == 0 {
		return driver.Message{}, false
	}
	return c.msgs[0], true
}

func (h *history) find(chat, id string) (driver.Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.chats[chat]
	if !ok {
		return driver.Message{}, false
	}
	if _, ok := c.ids[id]; !ok {
		return driver.Message{}, false
	}
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].ID == id {
			return c.msgs[i], true
		}
	}
	return driver.Message{}, false
}

func (h *history) setName(chat, name string) {
	if name == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chatLocked(chat).name = name
}

// list returns every known chat, named ones only when named is set.
func (h *history) list(named bool) []driver.Chat {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]driver.Chat, 0, len(h.chats))
	for id, c := range h.chats {
		if named && c.name == "" {
			continue
		}
		out = append(out, driver.Chat{ID: id, Name: c.name, IsGroup: driver.IsGroupID(id)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
