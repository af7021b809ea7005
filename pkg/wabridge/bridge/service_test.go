package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/wabridge/pkg/wabridge/contacts"
	"github.com/jholhewres/wabridge/pkg/wabridge/driver"
	"github.com/jholhewres/wabridge/pkg/wabridge/driver/drivertest"
	"github.com/jholhewres/wabridge/pkg/wabridge/messages"
	"github.com/jholhewres/wabridge/pkg/wabridge/session"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond

	aliceID = "5511999990001@s.whatsapp.net"
	bobID   = "5511999990002@s.whatsapp.net"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	svc  *Service
	sess *session.Manager
	fake *drivertest.Fake
}

// newHarness starts a session whose driver emits the given events on start.
func newHarness(t *testing.T, events ...driver.Event) *harness {
	t.Helper()
	fa := &drivertest.Factory{NewFake: func(int) *drivertest.Fake {
		f := drivertest.New()
		f.SetContacts(
			driver.Contact{ID: aliceID, DisplayName: "Alice Smith"},
			driver.Contact{ID: bobID, DisplayName: "Bob"},
		)
		f.OnStart = func(f *drivertest.Fake) {
			for _, e := range events {
				f.Emit(e)
			}
		}
		return f
	}}

	dir := contacts.New(nil, quietLogger())
	cache := messages.New(messages.Config{DeepDelay: 0, DeepAttempts: 2}, quietLogger())
	m, err := session.New(session.Config{
		ReadyTimeout: time.Minute,
		PollInterval: time.Minute,
		PollAttempts: 1,
	}, fa.Driver, dir, cache, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	require.NoError(t, m.Initialize(context.Background()))
	return &harness{
		svc:  New(m, dir, cache, quietLogger()),
		sess: m,
		fake: fa.Last(),
	}
}

func readyHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t,
		driver.Event{Kind: driver.EventAuthenticated},
		driver.Event{Kind: driver.EventReady},
	)
	require.Eventually(t, h.sess.IsReady, waitFor, tick)
	require.Eventually(t, func() bool { return h.sess.Contacts().Len() == 2 }, waitFor, tick)
	return h
}

func msgAt(conv, id, body string, ts int64) driver.Message {
	return driver.Message{
		ID:             id,
		ConversationID: conv,
		Direction:      driver.Inbound,
		Body:           body,
		Timestamp:      time.Unix(ts, 0),
	}
}

func TestNotConnected(t *testing.T) {
	h := newHarness(t, driver.Event{Kind: driver.EventChallenge, Challenge: "qr-1"})
	require.Eventually(t, func() bool { return h.sess.State() == session.StateAwaitingScan }, waitFor, tick)
	ctx := context.Background()

	_, err := h.svc.SendMessage(ctx, "5511999990001", "hi")
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Contains(t, err.Error(), session.StatusWaitingForScan)

	_, err = h.svc.SendToContact(ctx, "Alice", "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = h.svc.GetMessages(ctx, aliceID, 10)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = h.svc.FetchMoreMessages(ctx, aliceID, 10)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, h.svc.React(ctx, aliceID, "m1", "👍"), ErrNotConnected)
	assert.ErrorIs(t, h.svc.SetTypingState(ctx, aliceID, "typing"), ErrNotConnected)

	assert.Zero(t, h.fake.Calls("SendText"))
	assert.Zero(t, h.fake.Calls("FetchMessages"))
}

func TestQRImage(t *testing.T) {
	t.Run("pending challenge", func(t *testing.T) {
		h := newHarness(t, driver.Event{Kind: driver.EventChallenge, Challenge: "2@abc,def"})
		require.Eventually(t, func() bool { return h.svc.Status().HasChallenge }, waitFor, tick)

		img, err := h.svc.QRImage()
		require.NoError(t, err)
		assert.Equal(t, "2@abc,def", img.Code)
		assert.NotEmpty(t, img.PNG)
		assert.Contains(t, img.DataURL, "data:image/png;base64,")
	})

	t.Run("no challenge", func(t *testing.T) {
		h := readyHarness(t)
		_, err := h.svc.QRImage()
		assert.ErrorIs(t, err, ErrNoChallenge)
	})
}

func TestSendMessage(t *testing.T) {
	h := readyHarness(t)
	ctx := context.Background()

	res, err := h.svc.SendMessage(ctx, "+55 11 99999-0001", "hello")
	require.NoError(t, err)
	assert.Equal(t, aliceID, res.To)
	assert.NotEmpty(t, res.MessageID)

	sent := h.fake.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].Body)

	cached := h.sess.Messages().Messages(aliceID)
	require.Len(t, cached, 1)
	assert.Equal(t, driver.Outbound, cached[0].Direction)
	assert.Empty(t, cached[0].SenderDisplayName)

	t.Run("invalid recipient", func(t *testing.T) {
		_, err := h.svc.SendMessage(ctx, "12345", "hello")
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("empty text", func(t *testing.T) {
		_, err := h.svc.SendMessage(ctx, aliceID, "  ")
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("driver error is returned verbatim", func(t *testing.T) {
		boom := errors.New("send failed")
		h.fake.SetSendError(boom)
		defer h.fake.SetSendError(nil)
		_, err := h.svc.SendMessage(ctx, aliceID, "hello")
		assert.Equal(t, boom, err)
	})
}

func TestSendToContact(t *testing.T) {
	h := readyHarness(t)
	ctx := context.Background()

	res, err := h.svc.SendToContact(ctx, "alice", "hi there")
	require.NoError(t, err)
	assert.Equal(t, aliceID, res.To)
	assert.Equal(t, "Alice Smith", res.ContactName)

	_, err = h.svc.SendToContact(ctx, "Carol", "hi")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, h.fake.Sent(), 1)
}

func TestSendMedia(t *testing.T) {
	h := readyHarness(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))

	res, err := h.svc.SendMedia(ctx, "Bob", path, "see attached")
	require.NoError(t, err)
	assert.Equal(t, bobID, res.To)
	assert.Equal(t, 1, h.fake.Calls("SendMedia"))

	_, err = h.svc.SendMedia(ctx, "Bob", filepath.Join(t.TempDir(), "missing.png"), "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestLoadMedia(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.png")
	require.NoError(t, os.WriteFile(path, []byte{0x89, 'P', 'N', 'G'}, 0o644))

	media, err := loadMedia(path)
	require.NoError(t, err)
	assert.Equal(t, "image/png", media.MimeType)
	assert.Equal(t, "photo.png", media.Filename)

	_, err = loadMedia(dir)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestContacts(t *testing.T) {
	h := readyHarness(t)
	ctx := context.Background()

	list := h.svc.ListContacts(ctx, 0)
	assert.Len(t, list, 2)
	assert.Len(t, h.svc.ListContacts(ctx, 1), 1)

	c, err := h.svc.FindContact(ctx, "BOB")
	require.NoError(t, err)
	assert.Equal(t, bobID, c.ID)

	_, err = h.svc.FindContact(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.FindContact(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGetMessages(t *testing.T) {
	h := readyHarness(t)
	ctx := context.Background()

	h.fake.AddHistory(
		msgAt(aliceID, "m1", "first", 100),
		msgAt(aliceID, "m2", "second", 200),
		msgAt(aliceID, "m3", "third", 300),
	)

	res, err := h.svc.GetMessages(ctx, "Alice", 2)
	require.NoError(t, err)
	assert.Equal(t, aliceID, res.ConversationID)
	assert.Equal(t, "Alice Smith", res.ContactName)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "m2", res.Messages[0].ID)
	assert.Equal(t, "m3", res.Messages[1].ID)

	t.Run("fetch failure keeps cached messages", func(t *testing.T) {
		h.fake.SetFetchError(errors.New("timeout"))
		defer h.fake.SetFetchError(nil)
		res, err := h.svc.GetMessages(ctx, aliceID, 10)
		require.NoError(t, err)
		assert.Equal(t, "timeout", res.FetchError)
		assert.Len(t, res.Messages, 2)
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := h.svc.GetMessages(ctx, "Zed", 10)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown id resolves without the directory", func(t *testing.T) {
		res, err := h.svc.GetMessages(ctx, "120363000000000000@g.us", 10)
		require.NoError(t, err)
		assert.Empty(t, res.Messages)
		assert.Equal(t, "120363000000000000", res.ContactName)
	})

	t.Run("group outside the directory is named by the driver", func(t *testing.T) {
		const familyID = "120363000000000001@g.us"
		h.fake.SetChats(driver.Chat{ID: familyID, Name: "Family", IsGroup: true})
		before := h.fake.Calls("Chat")

		res, err := h.svc.GetMessages(ctx, familyID, 10)
		require.NoError(t, err)
		assert.Equal(t, "Family", res.ContactName)
		assert.Equal(t, before+1, h.fake.Calls("Chat"))
	})
}

func TestFetchMoreMessages(t *testing.T) {
	h := readyHarness(t)
	ctx := context.Background()

	h.fake.AddHistory(msgAt(bobID, "b2", "recent", 200))
	_, err := h.svc.GetMessages(ctx, bobID, 10)
	require.NoError(t, err)

	h.fake.OnHistorySync = func(f *drivertest.Fake, conv string) {
		f.AddHistory(msgAt(conv, "b1", "older", 100))
	}

	res, err := h.svc.FetchMoreMessages(ctx, "Bob", 10)
	require.NoError(t, err)
	assert.True(t, res.LoadedMore)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, "b1", res.Messages[0].ID)
}

func TestRecentAndSearch(t *testing.T) {
	h := readyHarness(t)
	ctx := context.Background()

	h.fake.EmitMessage(msgAt(aliceID, "a1", "lunch tomorrow?", 100))
	h.fake.EmitMessage(msgAt(bobID, "b1", "lunch is ready", 200))
	require.Eventually(t, func() bool {
		return h.sess.Messages().Len(aliceID) == 1 && h.sess.Messages().Len(bobID) == 1
	}, waitFor, tick)

	recent := h.svc.GetRecentMessages(0)
	require.Len(t, recent, 2)
	assert.Equal(t, bobID, recent[0].ConversationID)
	assert.Equal(t, "Bob", recent[0].ContactName)

	groups, err := h.svc.SearchMessages(ctx, "LUNCH", "", 10)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, bobID, groups[0].ConversationID)

	groups, err = h.svc.SearchMessages(ctx, "lunch", "Alice", 10)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Alice Smith", groups[0].ContactName)

	_, err = h.svc.SearchMessages(ctx, " ", "", 10)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMessageActions(t *testing.T) {
	h := readyHarness(t)
	ctx := context.Background()

	res, err := h.svc.Reply(ctx, "Alice", "m1", "agreed")
	require.NoError(t, err)
	assert.Equal(t, aliceID, res.To)

	require.NoError(t, h.svc.React(ctx, aliceID, "m1", "👍"))
	require.NoError(t, h.svc.EditMessage(ctx, aliceID, res.MessageID, "agreed!"))
	require.NoError(t, h.svc.DeleteMessage(ctx, aliceID, res.MessageID, true))
	require.NoError(t, h.svc.SetTypingState(ctx, "Bob", "Typing"))

	assert.Equal(t, 1, h.fake.Calls("Reply"))
	assert.Equal(t, 1, h.fake.Calls("React"))
	assert.Equal(t, 1, h.fake.Calls("Edit"))
	assert.Equal(t, 1, h.fake.Calls("Delete"))
	assert.Equal(t, 1, h.fake.Calls("SetChatState"))

	assert.ErrorIs(t, h.svc.SetTypingState(ctx, "Bob", "dancing"), ErrInvalidArgument)
	assert.ErrorIs(t, h.svc.React(ctx, aliceID, "", "👍"), ErrInvalidArgument)
}

func TestRecovery(t *testing.T) {
	h := readyHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.Reconnect(ctx))
	assert.True(t, h.fake.Destroyed())
	assert.NotSame(t, h.fake, h.sess.Driver())
	require.Eventually(t, h.svc.IsReady, waitFor, tick)
}
