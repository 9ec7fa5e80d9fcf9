package transport

import (
	"context"
	"errors"
)

// ErrDeliveryFailed wraps transport errors (network, rate limit,
// message-not-found). Callers decide whether a failed send/edit is fatal.
var ErrDeliveryFailed = errors.New("delivery failed")

type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

type ChatTarget struct {
	ChatID int64
}

// MessageRef identifies one live message so it can be edited in place.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sink abstracts outbound delivery. Send* create a new message and return its
// ref; Edit* mutate an existing message in place. All errors wrap
// ErrDeliveryFailed.
type Sink interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	SendPhoto(ctx context.Context, to ChatTarget, png []byte, caption string) (MessageRef, error)
	EditPhoto(ctx context.Context, ref MessageRef, png []byte, caption string) error
}

// Adapter is a full transport: inbound updates plus the outbound Sink.
type Adapter interface {
	Sink

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
