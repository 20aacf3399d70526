// Package realtime is the façade business logic uses to emit events to
// connected clients. Payloads are serialized here and relayed untouched by
// the gateway.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BevzyukIvan/JSocialFlux/broker"
	"github.com/BevzyukIvan/JSocialFlux/channels"
)

// Message is the message-created event sent on chat:<id>.
type Message struct {
	ID             int64     `json:"id"`
	ChatID         int64     `json:"chatId"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sentAt"`
	SenderUsername string    `json:"senderUsername"`
	SenderAvatar   string    `json:"senderAvatar,omitempty"`
}

// MessageDeleted is the deletion marker sent on chat:<id>.
type MessageDeleted struct {
	MessageID int64 `json:"messageId"`
	ChatID    int64 `json:"chatId"`
}

// ChatPreview is the chat-list entry sent on user:<name>:preview.
type ChatPreview struct {
	ChatID        int64      `json:"chatId"`
	DisplayName   string     `json:"displayName"`
	DisplayAvatar string     `json:"displayAvatar,omitempty"`
	IsGroup       bool       `json:"isGroup"`
	LastMessage   string     `json:"lastMessage,omitempty"`
	LastSentAt    *time.Time `json:"lastSentAt,omitempty"`
}

type Events interface {
	ChatMessage(ctx context.Context, chatID int64, msg Message) error
	ChatMessageDeleted(ctx context.Context, chatID, messageID int64) error
	UserChatPreview(ctx context.Context, username string, preview ChatPreview) error
}

// Publisher implements Events on a MessageBroker. Errors are returned to the
// caller, which decides whether the triggering mutation fails.
type Publisher struct {
	broker broker.MessageBroker
}

func NewPublisher(b broker.MessageBroker) *Publisher {
	return &Publisher{broker: b}
}

func (p *Publisher) ChatMessage(ctx context.Context, chatID int64, msg Message) error {
	return p.publish(ctx, channels.Chat(chatID), msg)
}

func (p *Publisher) ChatMessageDeleted(ctx context.Context, chatID, messageID int64) error {
	return p.publish(ctx, channels.Chat(chatID), MessageDeleted{MessageID: messageID, ChatID: chatID})
}

func (p *Publisher) UserChatPreview(ctx context.Context, username string, preview ChatPreview) error {
	return p.publish(ctx, channels.UserPreview(username), preview)
}

func (p *Publisher) publish(ctx context.Context, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", channel, err)
	}
	return p.broker.Publish(ctx, channel, payload)
}

var _ Events = (*Publisher)(nil)
