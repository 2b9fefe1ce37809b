// Package transport holds the platform-neutral wire types shared by the
// bot API client, the queue and the webhook handler.
package transport

import "time"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

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
	ReplyMarkup    *InlineKeyboard
}

// InlineKeyboard is a grid of inline buttons attached to a message.
type InlineKeyboard struct {
	Rows [][]InlineButton
}

type InlineButton struct {
	Text string
	// Data is an opaque callback payload ("scope:action:payload").
	Data string
	// URL makes the button a link instead of a callback.
	URL string
}

// CommandContext is the per-event view handed to command handlers.
// It is ephemeral and never persisted.
type CommandContext struct {
	ChatID   int64
	SenderID int64
	Username string
	Command  string
	Args     []string
	Text     string
	At       time.Time
}

// CallbackContext is the per-event view handed to callback handlers.
type CallbackContext struct {
	CallbackID string
	ChatID     int64
	SenderID   int64
	MessageID  int
	Data       string
	At         time.Time
}
