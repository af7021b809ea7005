package messages

import (
	"sort"
	"strings"
)

const (
	maxSearchConversations = 20
	recentPerConversation  = 5
)

// SearchGroup holds the matches found in one conversation, oldest first.
type SearchGroup struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []StoredMessage `json:"messages"`
}

// Search finds messages whose body contains query, ignoring case. With a
// conversation id only that conversation is searched. Otherwise the limit
// is split evenly across the matching conversations, newest match first,
// at most 20 of them.
func (c *Cache) Search(query, conversationID string, limit int) []SearchGroup {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || limit <= 0 {
		return []SearchGroup{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if conversationID != "" {
		conv, ok := c.convs[conversationID]
		if !ok {
			return []SearchGroup{}
		}
		matches := matchLog(conv.log, q)
		if len(matches) == 0 {
			return []SearchGroup{}
		}
		return []SearchGroup{{ConversationID: conversationID, Messages: tail(matches, limit)}}
	}

	var groups []SearchGroup
	for id, conv := range c.convs {
		if matches := matchLog(conv.log, q); len(matches) > 0 {
			groups = append(groups, SearchGroup{ConversationID: id, Messages: matches})
		}
	}
	if len(groups) == 0 {
		return []SearchGroup{}
	}

	sort.Slice(groups, func(i, j int) bool {
		ti, tj := lastTimestamp(groups[i].Messages), lastTimestamp(groups[j].Messages)
		if ti != tj {
			return ti > tj
		}
		return groups[i].ConversationID < groups[j].ConversationID
	})

	n := min(len(groups), maxSearchConversations, limit)
	groups = groups[:n]
	per := max(limit/n, 1)
	for i := range groups {
		groups[i].Messages = tail(groups[i].Messages, per)
	}
	return groups
}

// Conversation is a summary of one conversation's latest activity.
type Conversation struct {
	ConversationID string          `json:"conversation_id"`
	LastTimestamp  int64           `json:"last_timestamp"`
	Messages       []StoredMessage `json:"messages"`
}

// Recent returns the last five messages of every non-empty conversation,
// most recently active first, at most limit conversations.
func (c *Cache) Recent(limit int) []Conversation {
	c.mu.RLock()
	out := make([]Conversation, 0, len(c.convs))
	for id, conv := range c.convs {
		if len(conv.log) == 0 {
			continue
		}
		out = append(out, Conversation{
			ConversationID: id,
			LastTimestamp:  conv.log[len(conv.log)-1].Timestamp,
			Messages:       append([]StoredMessage(nil), tail(conv.log, recentPerConversation)...),
		})
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastTimestamp != out[j].LastTimestamp {
			return out[i].LastTimestamp > out[j].LastTimestamp
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func matchLog(log []StoredMessage, q string) []StoredMessage {
	var out []StoredMessage
	for _, m := range log {
		if strings.Contains(strings.ToLower(m.Body), q) {
			out = append(out, m)
		}
	}
	return out
}

func tail(msgs []StoredMessage, n int) []StoredMessage {
	if n > 0 && len(msgs) > n {
		return msgs[len(msgs)-n:]
	}
	return msgs
}

func lastTimestamp(msgs []StoredMessage) int64 {
	if len(msgs) == 0 {
		return 0
	}
	return msgs[len(msgs)-1].Timestamp
}
