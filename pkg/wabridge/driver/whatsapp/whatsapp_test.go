package whatsapp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/wabridge/pkg/wabridge/driver"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		w := New(Config{}, quietLogger())
		if w.cfg.BufferSize != 500 {
			t.Errorf("expected buffer size 500, got %d", w.cfg.BufferSize)
		}
		if w.cfg.DeviceName != "WABridge" {
			t.Errorf("expected default device name, got %q", w.cfg.DeviceName)
		}
		if w.cfg.HistorySyncCount != 50 {
			t.Errorf("expected history sync count 50, got %d", w.cfg.HistorySyncCount)
		}
	})

	t.Run("uses default logger if nil", func(t *testing.T) {
		w := New(DefaultConfig(), nil)
		if w.logger == nil {
			t.Error("expected logger to be set")
		}
	})

	t.Run("unstarted driver has no session", func(t *testing.T) {
		w := New(DefaultConfig(), quietLogger())
		if w.Alive() {
			t.Error("unstarted driver should not be alive")
		}
		if _, err := w.FetchMessages(context.Background(), "x@s.whatsapp.net", 10); !errors.Is(err, driver.ErrNoSession) {
			t.Errorf("expected ErrNoSession, got %v", err)
		}
		if _, err := w.SendText(context.Background(), "5511999990001", "hi"); !errors.Is(err, driver.ErrNoSession) {
			t.Errorf("expected ErrNoSession, got %v", err)
		}
		state, err := w.ConnectionState(context.Background())
		if state != driver.ConnDisconnected || !errors.Is(err, driver.ErrNoSession) {
			t.Errorf("unexpected state %s / %v", state, err)
		}
	})
}

func TestDestroy(t *testing.T) {
	w := New(DefaultConfig(), quietLogger())
	if err := w.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, ok := <-w.Events(); ok {
		t.Error("expected closed event channel")
	}
	// Emitting after destroy must not panic.
	w.emit(driver.Event{Kind: driver.EventReady})
	if err := w.Destroy(context.Background()); err != nil {
		t.Errorf("second destroy: %v", err)
	}
	if err := w.Start(context.Background()); !errors.Is(err, driver.ErrNoSession) {
		t.Errorf("expected ErrNoSession after destroy, got %v", err)
	}
}

func TestEmitDropsMessagesWhenFull(t *testing.T) {
	w := New(DefaultConfig(), quietLogger())
	msg := driver.Message{ID: "m", ConversationID: "c@s.whatsapp.net"}
	for i := 0; i < cap(w.events)+10; i++ {
		w.emit(driver.Event{Kind: driver.EventMessage, Message: &msg})
	}
	if len(w.events) != cap(w.events) {
		t.Errorf("expected full channel, got %d of %d", len(w.events), cap(w.events))
	}
}

func TestConfigPaths(t *testing.T) {
	t.Run("session dir", func(t *testing.T) {
		cfg := Config{SessionDir: "/var/lib/wabridge"}
		if got := cfg.DBPath(); got != filepath.Join("/var/lib/wabridge", "whatsapp.db") {
			t.Errorf("unexpected db path %s", got)
		}
		paths := cfg.AuthPaths()
		if len(paths) != 1 || paths[0] != "/var/lib/wabridge" {
			t.Errorf("unexpected auth paths %v", paths)
		}
	})

	t.Run("database path", func(t *testing.T) {
		cfg := Config{SessionDir: "/ignored", DatabasePath: "/data/wa.db"}
		if got := cfg.DBPath(); got != "/data/wa.db" {
			t.Errorf("unexpected db path %s", got)
		}
		want := []string{"/data/wa.db", "/data/wa.db-wal", "/data/wa.db-shm"}
		got := cfg.AuthPaths()
		if len(got) != len(want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("path %d: expected %s, got %s", i, want[i], got[i])
			}
		}
	})

	t.Run("defaults", func(t *testing.T) {
		if got := (Config{}).DBPath(); got != filepath.Join("./sessions/whatsapp", "whatsapp.db") {
			t.Errorf("unexpected default db path %s", got)
		}
	})
}

func testInfo(chat, sender types.JID, id string, fromMe bool) types.MessageInfo {
	return types.MessageInfo{
		MessageSource: types.MessageSource{
			Chat:     chat,
			Sender:   sender,
			IsFromMe: fromMe,
			IsGroup:  chat.Server == types.GroupServer,
		},
		ID:        types.MessageID(id),
		PushName:  "Alice",
		Timestamp: time.Unix(1700000000, 0),
	}
}

func TestConvertMessage(t *testing.T) {
	alice := types.NewJID("5511999990001", types.DefaultUserServer)
	group := types.NewJID("120363000000000000", types.GroupServer)

	t.Run("inbound text", func(t *testing.T) {
		msg, ok := convertMessage(testInfo(alice, alice, "m1", false),
			&waE2E.Message{Conversation: proto.String("hello")})
		if !ok {
			t.Fatal("expected message")
		}
		if msg.ID != "m1" || msg.Body != "hello" || msg.Type != driver.MessageText {
			t.Errorf("unexpected message %+v", msg)
		}
		if msg.ConversationID != "5511999990001@s.whatsapp.net" {
			t.Errorf("unexpected conversation %s", msg.ConversationID)
		}
		if msg.Direction != driver.Inbound || msg.SenderName != "Alice" {
			t.Errorf("unexpected sender fields %+v", msg)
		}
	})

	t.Run("outbound drops sender", func(t *testing.T) {
		msg, ok := convertMessage(testInfo(alice, alice, "m2", true),
			&waE2E.Message{Conversation: proto.String("hi")})
		if !ok {
			t.Fatal("expected message")
		}
		if msg.Direction != driver.Outbound || msg.SenderName != "" || msg.SenderID != "" {
			t.Errorf("unexpected outbound message %+v", msg)
		}
	})

	t.Run("group reply", func(t *testing.T) {
		msg, ok := convertMessage(testInfo(group, alice, "m3", false), &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text:        proto.String("agreed"),
				ContextInfo: &waE2E.ContextInfo{StanzaID: proto.String("m0")},
			},
		})
		if !ok {
			t.Fatal("expected message")
		}
		if msg.ConversationID != "120363000000000000@g.us" {
			t.Errorf("unexpected conversation %s", msg.ConversationID)
		}
		if msg.SenderID != "5511999990001@s.whatsapp.net" || msg.ReplyTo != "m0" {
			t.Errorf("unexpected group fields %+v", msg)
		}
	})

	t.Run("skipped messages", func(t *testing.T) {
		status := types.NewJID("status", types.BroadcastServer)
		cases := map[string]struct {
			info types.MessageInfo
			msg  *waE2E.Message
		}{
			"status broadcast": {testInfo(status, alice, "s1", false), &waE2E.Message{Conversation: proto.String("story")}},
			"protocol":         {testInfo(alice, alice, "p1", false), &waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{}}},
			"reaction":         {testInfo(alice, alice, "r1", false), &waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{Text: proto.String("👍")}}},
			"key distribution": {testInfo(group, alice, "k1", false), &waE2E.Message{SenderKeyDistributionMessage: &waE2E.SenderKeyDistributionMessage{}}},
			"nil":              {testInfo(alice, alice, "n1", false), nil},
			"no id":            {testInfo(alice, alice, "", false), &waE2E.Message{Conversation: proto.String("x")}},
		}
		for name, tc := range cases {
			if _, ok := convertMessage(tc.info, tc.msg); ok {
				t.Errorf("%s: expected skip", name)
			}
		}
	})

	t.Run("unknown content gets fallback", func(t *testing.T) {
		msg, ok := convertMessage(testInfo(alice, alice, "u1", false), &waE2E.Message{
			PollCreationMessage: &waE2E.PollCreationMessage{Name: proto.String("lunch?")},
		})
		if !ok {
			t.Fatal("expected message")
		}
		if msg.Type != driver.MessageOther || msg.Body != "[unsupported message type]" {
			t.Errorf("unexpected fallback %+v", msg)
		}
	})
}

func TestExtractContent(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		kind driver.MessageType
		body string
	}{
		{"image with caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("sunset")}}, driver.MessageImage, "[image] sunset"},
		{"image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, driver.MessageImage, "[image]"},
		{"video", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{}}, driver.MessageVideo, "[video]"},
		{"voice note", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{PTT: proto.Bool(true)}}, driver.MessageAudio, "[voice note]"},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, driver.MessageAudio, "[audio]"},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{FileName: proto.String("report.pdf")}}, driver.MessageDocument, "[document: report.pdf]"},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, driver.MessageSticker, "[sticker]"},
		{"location", &waE2E.Message{LocationMessage: &waE2E.LocationMessage{
			DegreesLatitude: proto.Float64(-23.5), DegreesLongitude: proto.Float64(-46.6),
		}}, driver.MessageLocation, "[location: -23.500000, -46.600000]"},
		{"contact", &waE2E.Message{ContactMessage: &waE2E.ContactMessage{DisplayName: proto.String("Bob")}}, driver.MessageContact, "[contact: Bob]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, body := extractContent(tt.msg)
			if kind != tt.kind || body != tt.body {
				t.Errorf("expected %s %q, got %s %q", tt.kind, tt.body, kind, body)
			}
		})
	}
}

func TestParseJID(t *testing.T) {
	jid, err := parseJID("+55 (11) 99999-0001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jid.User != "5511999990001" || jid.Server != types.DefaultUserServer {
		t.Errorf("unexpected jid %s", jid)
	}

	if _, err := parseJID("123"); !errors.Is(err, driver.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
}

func TestMessageReferences(t *testing.T) {
	chat := types.NewJID("5511999990001", types.DefaultUserServer)

	inbound := driver.Message{
		ID:             "m1",
		ConversationID: chat.String(),
		Direction:      driver.Inbound,
		SenderID:       "5511999990002@s.whatsapp.net",
		Timestamp:      time.Unix(100, 0),
	}
	if got := senderOf(inbound, chat); got.User != "5511999990002" {
		t.Errorf("expected inbound sender, got %s", got)
	}

	outbound := inbound
	outbound.Direction = driver.Outbound
	if got := senderOf(outbound, chat); !got.IsEmpty() {
		t.Errorf("expected empty sender for own message, got %s", got)
	}

	info, err := messageInfo(inbound)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Chat != chat || info.ID != "m1" || info.IsFromMe {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestMediaKind(t *testing.T) {
	tests := map[string]driver.MessageType{
		"image/png":       driver.MessageImage,
		"image/webp":      driver.MessageDocument,
		"video/mp4":       driver.MessageVideo,
		"audio/ogg":       driver.MessageAudio,
		"application/pdf": driver.MessageDocument,
		"":                driver.MessageDocument,
	}
	for mime, want := range tests {
		if got := mediaKind(mime); got != want {
			t.Errorf("%q: expected %s, got %s", mime, want, got)
		}
	}
}

func TestHistory(t *testing.T) {
	const chat = "5511999990001@s.whatsapp.net"
	at := func(id string, ts int64) driver.Message {
		return driver.Message{ID: id, ConversationID: chat, Timestamp: time.Unix(ts, 0)}
	}

	t.Run("orders and dedups", func(t *testing.T) {
		h := newHistory(10)
		if n := h.add(at("b", 200), at("a", 100), at("b", 200)); n != 2 {
			t.Errorf("expected 2 added, got %d", n)
		}
		got := h.last(chat, 0)
		if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
			t.Errorf("unexpected order %v", got)
		}
		if oldest, ok := h.oldest(chat); !ok || oldest.ID != "a" {
			t.Errorf("unexpected oldest %v", oldest)
		}
	})

	t.Run("caps per chat", func(t *testing.T) {
		h := newHistory(2)
		h.add(at("a", 1), at("b", 2), at("c", 3))
		got := h.last(chat, 10)
		if len(got) != 2 || got[0].ID != "b" {
			t.Errorf("expected oldest evicted, got %v", got)
		}
		if _, ok := h.find(chat, "a"); ok {
			t.Error("evicted message should not be found")
		}
		// An evicted id may come back through a later sync.
		if n := h.add(at("a", 1)); n != 1 {
			t.Errorf("expected evicted id to be re-added, got %d", n)
		}
	})

	t.Run("last limit", func(t *testing.T) {
		h := newHistory(10)
		h.add(at("a", 1), at("b", 2), at("c", 3))
		got := h.last(chat, 2)
		if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
			t.Errorf("unexpected tail %v", got)
		}
		if h.last("other@s.whatsapp.net", 5) != nil {
			t.Error("unknown chat should be empty")
		}
	})

	t.Run("names", func(t *testing.T) {
		h := newHistory(10)
		h.setName("120363000000000000@g.us", "Family")
		h.setName(chat, "")
		h.add(at("a", 1))

		named := h.list(true)
		if len(named) != 1 || named[0].Name != "Family" || !named[0].IsGroup {
			t.Errorf("unexpected named chats %v", named)
		}
		if all := h.list(false); len(all) != 2 {
			t.Errorf("expected 2 chats, got %d", len(all))
		}
	})
}

func TestWALogger(t *testing.T) {
	l := newWALogger(quietLogger()).Sub("Client")
	l.Debugf("debug %d", 1)
	l.Infof("info %s", "x")
	l.Warnf("warn")
	l.Errorf("error %v", errors.New("boom"))
}
