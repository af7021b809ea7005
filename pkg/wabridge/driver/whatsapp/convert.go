package whatsapp

import (
	"fmt"
	"strings"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"

	"github.com/jholhewres/wabridge/pkg/wabridge/driver"
)

// convertMessage turns a whatsmeow message into a driver message. It
// reports false for status broadcasts and for messages that carry no
// conversation content (protocol messages, reactions, key distribution).
func convertMessage(info types.MessageInfo, waMsg *waE2E.Message) (driver.Message, bool) {
	if waMsg == nil || info.ID == "" {
		return driver.Message{}, false
	}
	if info.Chat.Server == types.BroadcastServer {
		return driver.Message{}, false
	}
	if waMsg.ProtocolMessage != nil || waMsg.ReactionMessage != nil {
		return driver.Message{}, false
	}

	kind, body := extractContent(waMsg)
	if kind == "" {
		if waMsg.SenderKeyDistributionMessage != nil {
			return driver.Message{}, false
		}
		kind, body = driver.MessageOther, "[unsupported message type]"
	}

	msg := driver.Message{
		ID:             string(info.ID),
		ConversationID: info.Chat.ToNonAD().String(),
		Direction:      driver.Inbound,
		Type:           kind,
		Body:           body,
		Timestamp:      info.Timestamp,
		ReplyTo:        quotedID(waMsg),
	}
	if info.IsFromMe {
		msg.Direction = driver.Outbound
	} else {
		msg.SenderID = info.Sender.ToNonAD().String()
		msg.SenderName = info.PushName
	}
	return msg, true
}

// extractContent returns the message type and a text body. Media without a
// caption gets a bracketed placeholder. An empty type means no known
// content was found.
func extractContent(waMsg *waE2E.Message) (driver.MessageType, string) {
	switch {
	case waMsg.Conversation != nil:
		return driver.MessageText, waMsg.GetConversation()

	case waMsg.ExtendedTextMessage != nil:
		return driver.MessageText, waMsg.GetExtendedTextMessage().GetText()

	case waMsg.ImageMessage != nil:
		return driver.MessageImage, withPlaceholder("[image]", waMsg.GetImageMessage().GetCaption())

	case waMsg.VideoMessage != nil:
		return driver.MessageVideo, withPlaceholder("[video]", waMsg.GetVideoMessage().GetCaption())

	case waMsg.AudioMessage != nil:
		if waMsg.GetAudioMessage().GetPTT() {
			return driver.MessageAudio, "[voice note]"
		}
		return driver.MessageAudio, "[audio]"

	case waMsg.DocumentMessage != nil:
		doc := waMsg.GetDocumentMessage()
		return driver.MessageDocument, withPlaceholder(
			fmt.Sprintf("[document: %s]", doc.GetFileName()), doc.GetCaption())

	case waMsg.StickerMessage != nil:
		return driver.MessageSticker, "[sticker]"

	case waMsg.LocationMessage != nil:
		loc := waMsg.GetLocationMessage()
		return driver.MessageLocation, fmt.Sprintf("[location: %.6f, %.6f]",
			loc.GetDegreesLatitude(), loc.GetDegreesLongitude())

	case waMsg.LiveLocationMessage != nil:
		loc := waMsg.GetLiveLocationMessage()
		return driver.MessageLocation, fmt.Sprintf("[live location: %.6f, %.6f]",
			loc.GetDegreesLatitude(), loc.GetDegreesLongitude())

	case waMsg.ContactMessage != nil:
		return driver.MessageContact,
			fmt.Sprintf("[contact: %s]", waMsg.GetContactMessage().GetDisplayName())
	}
	return "", ""
}

// withPlaceholder prefixes a caption with the media placeholder, or
// returns the placeholder alone.
func withPlaceholder(placeholder, caption string) string {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return placeholder
	}
	return placeholder + " " + caption
}

func quotedID(waMsg *waE2E.Message) string {
	var ctxInfo *waE2E.ContextInfo
	switch {
	case waMsg.ExtendedTextMessage != nil:
		ctxInfo = waMsg.ExtendedTextMessage.GetContextInfo()
	case waMsg.ImageMessage != nil:
		ctxInfo = waMsg.ImageMessage.GetContextInfo()
	case waMsg.VideoMessage != nil:
		ctxInfo = waMsg.VideoMessage.GetContextInfo()
	case waMsg.AudioMessage != nil:
		ctxInfo = waMsg.AudioMessage.GetContextInfo()
	case waMsg.DocumentMessage != nil:
		ctxInfo = waMsg.DocumentMessage.GetContextInfo()
	case waMsg.StickerMessage != nil:
		ctxInfo = waMsg.StickerMessage.GetContextInfo()
	}
	return ctxInfo.GetStanzaID()
}

// parseJID converts an id accepted by driver.ParseID into a whatsmeow JID.
func parseJID(s string) (types.JID, error) {
	id, err := driver.ParseID(s)
	if err != nil {
		return types.JID{}, err
	}
	jid, err := types.ParseJID(id)
	if err != nil {
		return types.JID{}, fmt.Errorf("%w: %v", driver.ErrInvalidID, err)
	}
	return jid, nil
}

// messageInfo rebuilds the minimum whatsmeow needs to address a stored
// message (history anchors, reactions, revokes).
func messageInfo(m driver.Message) (types.MessageInfo, error) {
	chat, err := types.ParseJID(m.ConversationID)
	if err != nil {
		return types.MessageInfo{}, fmt.Errorf("%w: %v", driver.ErrInvalidID, err)
	}
	info := types.MessageInfo{
		MessageSource: types.MessageSource{
			Chat:     chat,
			IsFromMe: m.Direction == driver.Outbound,
			IsGroup:  chat.Server == types.GroupServer,
		},
		ID:        types.MessageID(m.ID),
		Timestamp: m.Timestamp,
	}
	if m.SenderID != "" {
		if sender, err := types.ParseJID(m.SenderID); err == nil {
			info.Sender = sender
		}
	}
	return info, nil
}

// senderOf is the author JID whatsmeow expects when referencing a message:
// empty for our own messages.
func senderOf(m driver.Message, chat types.JID) types.JID {
	if m.Direction == driver.Outbound {
		return types.EmptyJID
	}
	if m.SenderID != "" {
		if jid, err := types.ParseJID(m.SenderID); err == nil {
			return jid
		}
	}
	return chat
}

// mediaKind maps a MIME type to the message shape used to send it.
func mediaKind(mimeType string) driver.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/") && mimeType != "image/webp":
		return driver.MessageImage
	case strings.HasPrefix(mimeType, "video/"):
		return driver.MessageVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return driver.MessageAudio
	}
	return driver.MessageDocument
}
