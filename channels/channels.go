// Package channels defines the names of the realtime topics the gateway
// relays: per-chat message streams and per-user chat-preview streams.
package channels

import (
	"strconv"
	"strings"
)

const (
	chatPrefix    = "chat:"
	userPrefix    = "user:"
	previewSuffix = ":preview"
)

type Kind int

const (
	KindInvalid Kind = iota
	KindChat
	KindUserPreview
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindUserPreview:
		return "user_preview"
	default:
		return "invalid"
	}
}

// Name is a parsed channel name. The zero value is invalid.
type Name struct {
	raw      string
	kind     Kind
	chatID   int64
	username string
}

// Chat returns the message stream name for chatID.
func Chat(chatID int64) string {
	return chatPrefix + strconv.FormatInt(chatID, 10)
}

// UserPreview returns the chat-preview stream name for username.
func UserPreview(username string) string {
	return userPrefix + username + previewSuffix
}

// Parse trims raw and validates it against the two canonical shapes. A chat
// id must be a positive decimal without sign or leading zeros so that the
// parsed name always equals the name publishers build with Chat.
func Parse(raw string) (Name, bool) {
	s := strings.TrimSpace(raw)

	if rest, ok := strings.CutPrefix(s, chatPrefix); ok {
		id, ok := parseChatID(rest)
		if !ok {
			return Name{}, false
		}
		return Name{raw: s, kind: KindChat, chatID: id}, true
	}

	if strings.HasPrefix(s, userPrefix) && strings.HasSuffix(s, previewSuffix) &&
		len(s) > len(userPrefix)+len(previewSuffix) {
		user := s[len(userPrefix) : len(s)-len(previewSuffix)]
		return Name{raw: s, kind: KindUserPreview, username: user}, true
	}

	return Name{}, false
}

func parseChatID(s string) (int64, bool) {
	if s == "" || s[0] == '0' {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (n Name) String() string { return n.raw }
func (n Name) Kind() Kind     { return n.kind }
func (n Name) Valid() bool    { return n.kind != KindInvalid }

// ChatID is set for KindChat names.
func (n Name) ChatID() int64 { return n.chatID }

// Username is set for KindUserPreview names.
func (n Name) Username() string { return n.username }
