package transport

import (
	"context"
	"errors"
	"fmt"

	"dispatchd/internal/chat"
)

// Error classes returned by adapters. Callers branch on them with errors.Is.
var (
	// ErrTransport is a network or platform-side failure worth retrying.
	ErrTransport = errors.New("transport failure")
	// ErrRejected means the platform refused the message for good
	// (blocked, unknown recipient, malformed payload).
	ErrRejected = errors.New("message rejected by platform")
	// ErrUnknownBot is returned by the registry for unregistered bot ids.
	ErrUnknownBot = errors.New("unknown bot")
)

// Transport wraps err as a retryable transport failure.
func Transport(err error) error {
	if err == nil || errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// Rejected wraps err as a permanent rejection.
func Rejected(err error) error {
	if err == nil || errors.Is(err, ErrRejected) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

// Adapter pushes outbound messages to one platform account.
//
// Push reports delivered=false with a nil error when the platform accepted
// the request but did not deliver it (e.g. an empty message was dropped).
type Adapter interface {
	Platform() string
	Push(ctx context.Context, to string, msg chat.Outbound) (bool, error)
}

// Inbound is a user message received by a polling adapter.
type Inbound struct {
	BotID             string
	Platform          string
	UserID            string
	DisplayName       string
	Type              chat.MessageType
	Text              string
	AttachmentURL     string
	PlatformMessageID string
}

// Poller is implemented by adapters that pull updates from the platform
// instead of receiving webhooks.
type Poller interface {
	Start(ctx context.Context, out chan<- Inbound) error
	Stop(ctx context.Context) error
}

// ChannelID names the rate limit channel of a bot.
func ChannelID(platform, botID string) string { return platform + ":" + botID }
