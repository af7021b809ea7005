// Package drivertest provides an in-memory driver.Driver for tests.
package drivertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/wabridge/pkg/wabridge/driver"
)

// Fake is a scriptable driver. Fields may be set before Start; use the
// setters once the fake is shared with a running session.
type Fake struct {
	events chan driver.Event
	emitMu sync.Mutex
	closed atomic.Bool
	alive  atomic.Bool

	mu        sync.Mutex
	started   bool
	startErr  error
	connState driver.ConnState
	stateErr  error
	contacts  []driver.Contact
	chats     []driver.Chat
	history   map[string][]driver.Message
	fetchErr  error
	sendErr   error
	calls     map[string]int
	sent      []driver.Message
	seq       int

	// OnStart runs at the end of Start, typically to emit events.
	OnStart func(f *Fake)

	// OnHistorySync runs on every RequestHistorySync call.
	OnHistorySync func(f *Fake, conversationID string)
}

// New returns an unstarted fake with an empty history.
func New() *Fake {
	return &Fake{
		events:    make(chan driver.Event, 64),
		connState: driver.ConnDisconnected,
		history:   make(map[string][]driver.Message),
		calls:     make(map[string]int),
	}
}

// Emit pushes an event to the session. It is dropped after Destroy.
func (f *Fake) Emit(evt driver.Event) {
	f.emitMu.Lock()
	defer f.emitMu.Unlock()
	if f.closed.Load() {
		return
	}
	f.events <- evt
}

// EmitMessage pushes an inbound message event.
func (f *Fake) EmitMessage(msg driver.Message) {
	f.Emit(driver.Event{Kind: driver.EventMessage, Message: &msg})
}

func (f *Fake) SetAlive(v bool) { f.alive.Store(v) }

func (f *Fake) SetStartError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *Fake) SetConnState(s driver.ConnState, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connState = s
	f.stateErr = err
}

func (f *Fake) SetContacts(contacts ...driver.Contact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts = contacts
}

func (f *Fake) SetChats(chats ...driver.Chat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = chats
}

func (f *Fake) SetFetchError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

func (f *Fake) SetSendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// AddHistory appends messages to the provider-side history of their
// conversations.
func (f *Fake) AddHistory(msgs ...driver.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.history[m.ConversationID] = append(f.history[m.ConversationID], m)
	}
	for id := range f.history {
		log := f.history[id]
		sort.SliceStable(log, func(i, j int) bool { return log[i].Timestamp.Before(log[j].Timestamp) })
	}
}

// Calls returns how many times a method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Sent returns the messages sent through the fake.
func (f *Fake) Sent() []driver.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]driver.Message(nil), f.sent...)
}

// Started reports whether Start was called.
func (f *Fake) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Destroyed reports whether Destroy was called.
func (f *Fake) Destroyed() bool { return f.closed.Load() }

func (f *Fake) record(method string) {
	f.mu.Lock()
	f.calls[method]++
	f.mu.Unlock()
}

// ---------- driver.Driver ----------

func (f *Fake) Events() <-chan driver.Event { return f.events }

func (f *Fake) Start(_ context.Context) error {
	f.record("Start")
	f.mu.Lock()
	f.started = true
	err := f.startErr
	hook := f.OnStart
	f.mu.Unlock()

	f.alive.Store(true)
	if hook != nil {
		hook(f)
	}
	return err
}

func (f *Fake) Destroy(_ context.Context) error {
	f.record("Destroy")
	f.alive.Store(false)
	f.emitMu.Lock()
	defer f.emitMu.Unlock()
	if f.closed.CompareAndSwap(false, true) {
		close(f.events)
	}
	return nil
}

func (f *Fake) Logout(_ context.Context) error {
	f.record("Logout")
	return nil
}

func (f *Fake) Alive() bool { return f.alive.Load() && !f.closed.Load() }

func (f *Fake) ConnectionState(_ context.Context) (driver.ConnState, error) {
	f.record("ConnectionState")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connState, f.stateErr
}

func (f *Fake) Contacts(_ context.Context) ([]driver.Contact, error) {
	f.record("Contacts")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]driver.Contact(nil), f.contacts...), nil
}

func (f *Fake) Chats(_ context.Context) ([]driver.Chat, error) {
	f.record("Chats")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]driver.Chat(nil), f.chats...), nil
}

func (f *Fake) Chat(_ context.Context, id string) (driver.Chat, error) {
	f.record("Chat")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.chats {
		if c.ID == id {
			return c, nil
		}
	}
	return driver.Chat{}, fmt.Errorf("chat %s not found", id)
}

func (f *Fake) FetchMessages(_ context.Context, conversationID string, limit int) ([]driver.Message, error) {
	f.record("FetchMessages")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	log := f.history[conversationID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	return append([]driver.Message(nil), log...), nil
}

func (f *Fake) RequestHistorySync(_ context.Context, conversationID string) error {
	f.record("RequestHistorySync")
	f.mu.Lock()
	hook := f.OnHistorySync
	f.mu.Unlock()
	if hook != nil {
		hook(f, conversationID)
	}
	return nil
}

func (f *Fake) send(method, to, body string) (driver.Message, error) {
	f.mu.Lock()
	f.calls[method]++
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return driver.Message{}, err
	}
	f.seq++
	msg := driver.Message{
		ID:             fmt.Sprintf("out-%d", f.seq),
		ConversationID: to,
		Direction:      driver.Outbound,
		Type:           driver.MessageText,
		Body:           body,
		Timestamp:      time.Now(),
	}
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return msg, nil
}

func (f *Fake) SendText(_ context.Context, to, text string) (driver.Message, error) {
	return f.send("SendText", to, text)
}

func (f *Fake) SendMedia(_ context.Context, to string, media driver.Media) (driver.Message, error) {
	return f.send("SendMedia", to, media.Caption)
}

func (f *Fake) React(_ context.Context, conversationID, messageID, emoji string) error {
	_, err := f.send("React", conversationID, emoji)
	return err
}

func (f *Fake) Reply(_ context.Context, conversationID, messageID, text string) (driver.Message, error) {
	msg, err := f.send("Reply", conversationID, text)
	msg.ReplyTo = messageID
	return msg, err
}

func (f *Fake) Delete(_ context.Context, conversationID, messageID string, forEveryone bool) error {
	_, err := f.send("Delete", conversationID, messageID)
	return err
}

func (f *Fake) Edit(_ context.Context, conversationID, messageID, text string) error {
	_, err := f.send("Edit", conversationID, text)
	return err
}

func (f *Fake) SetChatState(_ context.Context, conversationID string, state driver.ChatState) error {
	f.record("SetChatState")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendErr
}

// Factory hands out fakes built by NewFake and remembers them.
type Factory struct {
	mu      sync.Mutex
	created []*Fake

	// NewFake builds the n-th fake (0-based). Defaults to New.
	NewFake func(n int) *Fake

	// Err makes the next Driver call fail.
	Err error
}

// Driver implements driver.Factory.
func (fa *Factory) Driver() (driver.Driver, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.Err != nil {
		err := fa.Err
		fa.Err = nil
		return nil, err
	}
	var f *Fake
	if fa.NewFake != nil {
		f = fa.NewFake(len(fa.created))
	} else {
		f = New()
	}
	fa.created = append(fa.created, f)
	return f, nil
}

// Created returns the fakes handed out so far.
func (fa *Factory) Created() []*Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]*Fake(nil), fa.created...)
}

// Last returns the most recent fake, or nil.
func (fa *Factory) Last() *Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.created) == 0 {
		return nil
	}
	return fa.created[len(fa.created)-1]
}

var _ driver.Driver = (*Fake)(nil)
