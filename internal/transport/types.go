package transport

import "context"

// Message is a platform-neutral inbound message. Channel posts and plain
// messages are both delivered through this shape.
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string

	// Text is the message text, or the media caption for photo posts.
	Text string

	// PhotoFileID is set when the message carries a photo the bot can
	// re-send by file ID. Empty for text-only messages.
	PhotoFileID string
}

// HasPhoto reports whether the message carries forwardable media.
func (m *Message) HasPhoto() bool { return m != nil && m.PhotoFileID != "" }

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the messaging-platform boundary. The bot core depends only on
// this interface so the pipeline and command surface are testable without a
// live connection.
type Adapter interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, fileID, caption string, opt *SendOptions) (MessageRef, error)
}

// BotCommand is a single command-menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface adapters can implement to
// publish the platform command menu (Telegram setMyCommands).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
