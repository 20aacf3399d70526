// Package access decides whether a connection identity may subscribe to a
// realtime channel.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/BevzyukIvan/JSocialFlux/channels"
)

var (
	// ErrDenied is the parent of every denial reason.
	ErrDenied = errors.New("subscription denied")

	ErrIdentityNotFound = fmt.Errorf("%w: identity not found", ErrDenied)
	ErrNotParticipant   = fmt.Errorf("%w: not a participant", ErrDenied)
	ErrNotOwner         = fmt.Errorf("%w: not the owner", ErrDenied)
	ErrUnknownChannel   = fmt.Errorf("%w: unknown channel", ErrDenied)

	// ErrUserNotFound is returned by a Directory for unknown usernames.
	ErrUserNotFound = errors.New("user not found")
)

// Directory is the read-only view of users and chat membership the
// authorizer needs.
type Directory interface {
	LookupUser(ctx context.Context, username string) (int64, error)
	IsParticipant(ctx context.Context, chatID, userID int64) (bool, error)
}

// Authorizer is safe for concurrent use; it only reads from its Directory.
type Authorizer struct {
	dir Directory
}

func NewAuthorizer(dir Directory) *Authorizer {
	return &Authorizer{dir: dir}
}

// Authorize returns nil when identity may subscribe to channel. Denials wrap
// ErrDenied; any other error comes from the directory.
func (a *Authorizer) Authorize(ctx context.Context, identity, channel string) error {
	name, ok := channels.Parse(channel)
	if !ok {
		return ErrUnknownChannel
	}

	switch name.Kind() {
	case channels.KindChat:
		return a.authorizeChat(ctx, identity, name.ChatID())
	case channels.KindUserPreview:
		if identity == "" || identity != name.Username() {
			return ErrNotOwner
		}
		return nil
	default:
		return ErrUnknownChannel
	}
}

func (a *Authorizer) authorizeChat(ctx context.Context, identity string, chatID int64) error {
	if identity == "" {
		return ErrIdentityNotFound
	}

	userID, err := a.dir.LookupUser(ctx, identity)
	if errors.Is(err, ErrUserNotFound) {
		return ErrIdentityNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup user %q: %w", identity, err)
	}

	ok, err := a.dir.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("check participant of chat %d: %w", chatID, err)
	}
	if !ok {
		return ErrNotParticipant
	}
	return nil
}
