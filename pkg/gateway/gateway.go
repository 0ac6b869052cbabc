// Package gateway is the chat platform boundary: inbound events and the outbound actions the
// economy needs (send, delete, moderate, rename).
package gateway

import (
	"context"
	"strings"
	"time"
)

// MessageRef identifies one message in one channel.
type MessageRef struct {
	Channel   string `json:"channel"`
	MessageID string `json:"message_id"`
}

// Valid reports whether both parts are set.
func (r MessageRef) Valid() bool {
	return r.Channel != "" && r.MessageID != ""
}

func (r MessageRef) String() string {
	return r.Channel + "/" + r.MessageID
}

// EventKind classifies inbound events.
type EventKind int

const (
	// EventMessage is a plain channel message.
	EventMessage EventKind = iota
	// EventDeparture is a member leaving (or being removed from) a channel.
	EventDeparture
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventDeparture:
		return "departure"
	}
	return "unknown"
}

// Event is one inbound notification.
type Event struct {
	Kind       EventKind
	Channel    string
	Sender     string // the departing member for EventDeparture
	SenderName string
	MessageID  string
	Text       string
	Mentions   []string
	// ReplyTo is set when the message quotes another message.
	ReplyTo *MessageRef
	// SelfReply is true when the quoted message was sent by the bot itself.
	SelfReply bool
	At        time.Time
}

// Ref returns the reference of the event's own message.
func (e Event) Ref() MessageRef {
	return MessageRef{Channel: e.Channel, MessageID: e.MessageID}
}

// Command splits Text into a lowercased command name and its arguments. Mentions are not part of Text.
func (e Event) Command() (string, []string) {
	fields := strings.Fields(e.Text)
	if len(fields) == 0 {
		return "", nil
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	return name, fields[1:]
}

// Sender posts and removes messages.
type Sender interface {
	Send(ctx context.Context, channel, text string) (MessageRef, error)
	Reply(ctx context.Context, to MessageRef, mention, text string) (MessageRef, error)
	Delete(ctx context.Context, ref MessageRef) error
}

// Moderator applies penalties to channel members.
type Moderator interface {
	Kick(ctx context.Context, channel, account string) error
	Mute(ctx context.Context, channel, account string, d time.Duration) error
}

// Gateway is a full chat platform connection.
type Gateway interface {
	Sender
	Moderator
	SetDisplayName(ctx context.Context, channel, account, name string) error
	// Events delivers inbound events until the gateway is closed.
	Events() <-chan Event
	Run(ctx context.Context) error
	Close() error
}
