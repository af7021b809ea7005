package driver

import (
	"fmt"
	"strings"
)

// Conversation id servers.
const (
	UserServer       = "s.whatsapp.net"
	GroupServer      = "g.us"
	BroadcastServer  = "broadcast"
	LIDServer        = "lid"
	NewsletterServer = "newsletter"
)

// ParseID normalizes a recipient into a conversation id.
// Accepts "5511999999999", "+55 11 99999-9999",
// "5511999999999@s.whatsapp.net" and group ids like "123-456@g.us".
func ParseID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty id", ErrInvalidID)
	}

	if strings.Contains(s, "@") {
		user, server, _ := strings.Cut(s, "@")
		if user == "" || server == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidID, s)
		}
		return s, nil
	}

	digits := Digits(s)
	if len(digits) < 10 {
		return "", fmt.Errorf("%w: phone number too short: %s", ErrInvalidID, s)
	}
	return digits + "@" + UserServer, nil
}

// LooksLikePhone reports whether s is made only of digits and the usual
// phone punctuation, with enough digits to be a full number.
func LooksLikePhone(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '+', r == ' ', r == '-', r == '(', r == ')', r == '.':
		default:
			return false
		}
	}
	return len(Digits(s)) >= 10
}

// Digits strips everything but ASCII digits.
func Digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

// Server returns the part of an id after "@".
func Server(id string) string {
	_, server, _ := strings.Cut(id, "@")
	return server
}

// User returns the part of an id before "@".
func User(id string) string {
	user, _, _ := strings.Cut(id, "@")
	return user
}

// IsGroupID reports whether id names a group conversation.
func IsGroupID(id string) bool {
	return Server(id) == GroupServer
}

// IsBroadcastID reports whether id is a status or broadcast list.
func IsBroadcastID(id string) bool {
	return Server(id) == BroadcastServer || strings.HasPrefix(id, "status@")
}

// IsValidContactID reports whether id can be stored in the contact
// directory. Broadcast and newsletter ids are excluded.
func IsValidContactID(id string) bool {
	user, server, ok := strings.Cut(id, "@")
	if !ok || user == "" || server == "" {
		return false
	}
	switch server {
	case UserServer, GroupServer, LIDServer, "c.us":
		return true
	default:
		return false
	}
}
