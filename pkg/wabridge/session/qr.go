package session

import (
	"sync"
	"time"
)

// QR event types.
const (
	QRCode    = "code"
	QRCleared = "cleared"
)

// QREvent is delivered to QR subscribers.
type QREvent struct {
	Type        string    `json:"type"`
	Code        string    `json:"code,omitempty"`
	GeneratedAt time.Time `json:"generated_at,omitempty"`
}

// qrHub holds the current challenge and fans it out to subscribers.
type qrHub struct {
	mu     sync.Mutex
	code   string
	at     time.Time
	subs   []chan QREvent
	closed bool
}

func (h *qrHub) subscribe() (<-chan QREvent, func()) {
	ch := make(chan QREvent, 8)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs = append(h.subs, ch)
	// Late subscribers get the pending challenge.
	if h.code != "" {
		ch <- QREvent{Type: QRCode, Code: h.code, GeneratedAt: h.at}
	}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.subs {
			if s == ch {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (h *qrHub) publish(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.code = code
	h.at = time.Now()
	h.broadcastLocked(QREvent{Type: QRCode, Code: code, GeneratedAt: h.at})
}

func (h *qrHub) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.code == "" {
		return
	}
	h.code = ""
	h.at = time.Time{}
	h.broadcastLocked(QREvent{Type: QRCleared})
}

func (h *qrHub) current() (string, time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code, h.at, h.code != ""
}

func (h *qrHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, s := range h.subs {
		close(s)
	}
	h.subs = nil
}

func (h *qrHub) broadcastLocked(evt QREvent) {
	for _, s := range h.subs {
		select {
		case s <- evt:
		default:
			// Slow subscriber, skip.
		}
	}
}
