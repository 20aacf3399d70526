package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BevzyukIvan/JSocialFlux/config"
	"github.com/BevzyukIvan/JSocialFlux/realtime"
)

const publishTimeout = 10 * time.Second

// newPublishCommand emits events the way the application backend would,
// which is handy for poking a running gateway.
func newPublishCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a realtime event onto the bus",
	}
	cmd.AddCommand(
		newPublishChatMessageCommand(opts),
		newPublishMessageDeletedCommand(opts),
		newPublishChatPreviewCommand(opts),
	)
	return cmd
}

// withPublisher connects to the configured bus, runs fn and disconnects.
func withPublisher(ctx context.Context, opts *rootOptions, fn func(context.Context, realtime.Events) error) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	if cfg.Bus.Driver == config.BusMemory {
		return errors.New("publish needs a shared bus; the memory driver reaches no gateway")
	}

	bus, err := openBroker(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Warn("closing bus", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return fn(ctx, realtime.NewPublisher(bus))
}

func newPublishChatMessageCommand(opts *rootOptions) *cobra.Command {
	var msg realtime.Message

	cmd := &cobra.Command{
		Use:   "chat-message",
		Short: "Publish a new message to chat:<id>",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if msg.SentAt.IsZero() {
				msg.SentAt = time.Now().UTC()
			}
			return withPublisher(cmd.Context(), opts, func(ctx context.Context, events realtime.Events) error {
				if err := events.ChatMessage(ctx, msg.ChatID, msg); err != nil {
					return fmt.Errorf("publish chat message: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&msg.ChatID, "chat", 0, "chat id")
	cmd.Flags().Int64Var(&msg.ID, "id", 0, "message id")
	cmd.Flags().StringVar(&msg.SenderUsername, "sender", "", "sender username")
	cmd.Flags().StringVar(&msg.SenderAvatar, "avatar", "", "sender avatar URL")
	cmd.Flags().StringVar(&msg.Content, "content", "", "message text")
	_ = cmd.MarkFlagRequired("chat")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func newPublishMessageDeletedCommand(opts *rootOptions) *cobra.Command {
	var chatID, messageID int64

	cmd := &cobra.Command{
		Use:   "message-deleted",
		Short: "Publish a deletion marker to chat:<id>",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPublisher(cmd.Context(), opts, func(ctx context.Context, events realtime.Events) error {
				if err := events.ChatMessageDeleted(ctx, chatID, messageID); err != nil {
					return fmt.Errorf("publish message deleted: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat", 0, "chat id")
	cmd.Flags().Int64Var(&messageID, "message", 0, "deleted message id")
	_ = cmd.MarkFlagRequired("chat")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newPublishChatPreviewCommand(opts *rootOptions) *cobra.Command {
	var (
		user    string
		preview realtime.ChatPreview
	)

	cmd := &cobra.Command{
		Use:   "chat-preview",
		Short: "Publish a chat-list entry to user:<name>:preview",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if preview.LastMessage != "" {
				now := time.Now().UTC()
				preview.LastSentAt = &now
			}
			return withPublisher(cmd.Context(), opts, func(ctx context.Context, events realtime.Events) error {
				if err := events.UserChatPreview(ctx, user, preview); err != nil {
					return fmt.Errorf("publish chat preview: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "username whose chat list changes")
	cmd.Flags().Int64Var(&preview.ChatID, "chat", 0, "chat id")
	cmd.Flags().StringVar(&preview.DisplayName, "name", "", "display name of the chat")
	cmd.Flags().StringVar(&preview.DisplayAvatar, "avatar", "", "display avatar URL")
	cmd.Flags().BoolVar(&preview.IsGroup, "group", false, "whether the chat is a group")
	cmd.Flags().StringVar(&preview.LastMessage, "last-message", "", "text of the latest message")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("chat")
	return cmd
}
