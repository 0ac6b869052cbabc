// Package gatewaytest provides an in-memory gateway.Gateway for tests.
package gatewaytest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/axekz/coinyx/pkg/gateway"
)

var _ gateway.Gateway = (*Recorder)(nil)

// Message is one outbound message captured by a Recorder.
type Message struct {
	Ref     gateway.MessageRef
	ReplyTo gateway.MessageRef
	Mention string
	Text    string
}

// Penalty is one moderation action captured by a Recorder.
type Penalty struct {
	Action   string // kick or mute
	Channel  string
	Account  string
	Duration time.Duration
}

// Recorder captures every outbound action and lets tests inject inbound events.
type Recorder struct {
	mu        sync.Mutex
	seq       int
	Messages  []Message
	Deleted   []gateway.MessageRef
	Penalties []Penalty
	Names     map[string]string
	// Fail makes every outbound action return this error when set.
	Fail error

	events chan gateway.Event
	once   sync.Once
}

// New creates an empty Recorder.
func New() *Recorder {
	return &Recorder{Names: map[string]string{}, events: make(chan gateway.Event, 64)}
}

func (r *Recorder) next(channel string) gateway.MessageRef {
	r.seq++
	return gateway.MessageRef{Channel: channel, MessageID: "bot-" + strconv.Itoa(r.seq)}
}

func (r *Recorder) Send(_ context.Context, channel, text string) (gateway.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return gateway.MessageRef{}, r.Fail
	}
	ref := r.next(channel)
	r.Messages = append(r.Messages, Message{Ref: ref, Text: text})
	return ref, nil
}

func (r *Recorder) Reply(_ context.Context, to gateway.MessageRef, mention, text string) (gateway.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return gateway.MessageRef{}, r.Fail
	}
	ref := r.next(to.Channel)
	r.Messages = append(r.Messages, Message{Ref: ref, ReplyTo: to, Mention: mention, Text: text})
	return ref, nil
}

func (r *Recorder) Delete(_ context.Context, ref gateway.MessageRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	r.Deleted = append(r.Deleted, ref)
	return nil
}

func (r *Recorder) Kick(_ context.Context, channel, account string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	r.Penalties = append(r.Penalties, Penalty{Action: "kick", Channel: channel, Account: account})
	return nil
}

func (r *Recorder) Mute(_ context.Context, channel, account string, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	r.Penalties = append(r.Penalties, Penalty{Action: "mute", Channel: channel, Account: account, Duration: d})
	return nil
}

func (r *Recorder) SetDisplayName(_ context.Context, _, account, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	r.Names[account] = name
	return nil
}

// Events returns the channel fed by Push.
func (r *Recorder) Events() <-chan gateway.Event { return r.events }

// Push injects an inbound event.
func (r *Recorder) Push(ev gateway.Event) { r.events <- ev }

// Run blocks until ctx ends.
func (r *Recorder) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Close closes the event channel.
func (r *Recorder) Close() error {
	r.once.Do(func() { close(r.events) })
	return nil
}

// Last returns the most recent outbound message.
func (r *Recorder) Last() Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Messages) == 0 {
		return Message{}
	}
	return r.Messages[len(r.Messages)-1]
}

// Snapshot copies the captured messages.
func (r *Recorder) Snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.Messages...)
}

// SetFail sets or clears the injected failure.
func (r *Recorder) SetFail(err error) {
	r.mu.Lock()
	r.Fail = err
	r.mu.Unlock()
}
