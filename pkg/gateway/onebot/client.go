// Package onebot connects the economy to a OneBot v11 implementation over a forward websocket.
package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axekz/coinyx/pkg/gateway"
	"github.com/axekz/coinyx/pkg/retry"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by actions issued while the websocket is down.
	ErrNotConnected = errors.New("onebot: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("onebot: closed")
)

var _ gateway.Gateway = (*Client)(nil)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 90 * time.Second
	writeDeadline = 10 * time.Second
	// sent messages are remembered this long so replies to them can be recognised
	sentRetention = 10 * time.Minute
)

// Opts configures a Client.
type Opts struct {
	URL   string
	Token string
	// ActionTimeout bounds one action round trip when the caller's context has no deadline.
	ActionTimeout time.Duration
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
	Reconnect   retry.Config
}

type response struct {
	status  string
	retcode int
	wording string
	data    json.RawMessage
}

// Client is a gateway.Gateway over one OneBot websocket connection, redialled on failure.
type Client struct {
	logger *zap.Logger
	opts   Opts
	dialer *websocket.Dialer

	events chan gateway.Event

	writeMu sync.Mutex
	conn    atomic.Pointer[websocket.Conn]

	seq     atomic.Uint64
	pending *xsync.Map[string, chan response]
	sent    *xsync.Map[gateway.MessageRef, time.Time]
	selfID  atomic.Value // string

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a Client. Call Run to connect.
func New(logger *zap.Logger, opts Opts) *Client {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 10 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.Reconnect.InitialDelay <= 0 {
		opts.Reconnect = retry.DefaultConfig()
		opts.Reconnect.MaxRetries = 0
	}
	c := &Client{
		logger:  logger.With(zap.String("component", "onebot")),
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events:  make(chan gateway.Event, opts.EventBuffer),
		pending: xsync.NewMap[string, chan response](),
		sent:    xsync.NewMap[gateway.MessageRef, time.Time](),
		closed:  make(chan struct{}),
	}
	c.selfID.Store("")
	return c
}

// Events delivers inbound group events. It is closed when Run returns.
func (c *Client) Events() <-chan gateway.Event {
	return c.events
}

// Run dials the websocket and serves it, redialling with backoff, until ctx ends or Close is called.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		var conn *websocket.Conn
		err := retry.WithBackoff(ctx, c.opts.Reconnect, c.logger, "onebot dial", func() error {
			var err error
			conn, err = c.dial(ctx)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		c.logger.Info("OneBot connected", zap.String("url", c.opts.URL))
		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("OneBot connection lost, reconnecting", zap.Error(err))
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, retry.Permanent(fmt.Errorf("onebot rejected the token: %s", resp.Status))
		}
		return nil, err
	}
	return conn, nil
}

// serve reads frames until the connection fails. Pending actions are failed on return.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.conn.Store(conn)
	connCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				c.logger.Error("Panic in ping goroutine", zap.Any("panic", rec), zap.String("stack", string(debug.Stack())))
				cancel()
			}
		}()
		c.sendPings(connCtx, conn)
	}()
	// unblock ReadMessage on shutdown
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	err := c.read(connCtx, conn)

	cancel()
	wg.Wait()
	c.conn.CompareAndSwap(conn, nil)
	c.pending.Range(func(echo string, ch chan response) bool {
		c.pending.Delete(echo)
		close(ch)
		return true
	})
	return err
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return err
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug("Dropping malformed frame", zap.Error(err))
			continue
		}
		if f.isResponse() {
			c.deliver(f)
			continue
		}
		if f.SelfID != "" {
			c.selfID.Store(string(f.SelfID))
		}
		ev, ok := f.toEvent()
		if !ok {
			continue
		}
		if ev.ReplyTo != nil {
			_, ev.SelfReply = c.sent.Load(*ev.ReplyTo)
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) deliver(f frame) {
	ch, ok := c.pending.LoadAndDelete(f.Echo)
	if !ok {
		return
	}
	ch <- response{status: f.Status, retcode: f.RetCode, wording: f.Wording, data: f.Data}
}

func (c *Client) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// call sends one action and waits for its response. out may be nil.
func (c *Client) call(ctx context.Context, action string, params any, out any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	conn := c.conn.Load()
	if conn == nil {
		return ErrNotConnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ActionTimeout)
		defer cancel()
	}

	echo := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan response, 1)
	c.pending.Store(echo, ch)
	defer c.pending.Delete(echo)

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	err := conn.WriteJSON(request{Action: action, Params: params, Echo: echo})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("onebot %s: %w", action, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("onebot %s: %w", action, ErrNotConnected)
		}
		if resp.status == "failed" || resp.retcode != 0 {
			return fmt.Errorf("onebot %s failed: retcode %d %s", action, resp.retcode, resp.wording)
		}
		if out != nil && len(resp.data) > 0 {
			if err := json.Unmarshal(resp.data, out); err != nil {
				return fmt.Errorf("onebot %s: decode response: %w", action, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("onebot %s: %w", action, ctx.Err())
	case <-c.closed:
		return ErrClosed
	}
}

func (c *Client) sendSegments(ctx context.Context, channel string, segs []Segment) (gateway.MessageRef, error) {
	var data struct {
		MessageID ID `json:"message_id"`
	}
	params := map[string]any{"group_id": ID(channel).Int(), "message": segs}
	if err := c.call(ctx, "send_group_msg", params, &data); err != nil {
		return gateway.MessageRef{}, err
	}
	ref := gateway.MessageRef{Channel: channel, MessageID: string(data.MessageID)}
	if ref.Valid() {
		c.remember(ref)
	}
	return ref, nil
}

func (c *Client) remember(ref gateway.MessageRef) {
	now := time.Now()
	c.sent.Store(ref, now)
	c.sent.Range(func(r gateway.MessageRef, at time.Time) bool {
		if now.Sub(at) > sentRetention {
			c.sent.Delete(r)
		}
		return true
	})
}

// Send posts text to channel.
func (c *Client) Send(ctx context.Context, channel, text string) (gateway.MessageRef, error) {
	return c.sendSegments(ctx, channel, []Segment{Text(text)})
}

// Reply quotes to, mentions mention when set, and posts text.
func (c *Client) Reply(ctx context.Context, to gateway.MessageRef, mention, text string) (gateway.MessageRef, error) {
	segs := make([]Segment, 0, 3)
	if to.MessageID != "" {
		segs = append(segs, Reply(to.MessageID))
	}
	if mention != "" {
		segs = append(segs, At(mention), Text(" "))
	}
	segs = append(segs, Text(text))
	return c.sendSegments(ctx, to.Channel, segs)
}

// Delete recalls a message.
func (c *Client) Delete(ctx context.Context, ref gateway.MessageRef) error {
	err := c.call(ctx, "delete_msg", map[string]any{"message_id": ID(ref.MessageID).Int()}, nil)
	if err == nil {
		c.sent.Delete(ref)
	}
	return err
}

// Kick removes account from channel.
func (c *Client) Kick(ctx context.Context, channel, account string) error {
	return c.call(ctx, "set_group_kick", map[string]any{
		"group_id":           ID(channel).Int(),
		"user_id":            ID(account).Int(),
		"reject_add_request": false,
	}, nil)
}

// Mute bans account from speaking for d, rounded up to whole seconds.
func (c *Client) Mute(ctx context.Context, channel, account string, d time.Duration) error {
	secs := int64((d + time.Second - 1) / time.Second)
	return c.call(ctx, "set_group_ban", map[string]any{
		"group_id": ID(channel).Int(),
		"user_id":  ID(account).Int(),
		"duration": secs,
	}, nil)
}

// SetDisplayName sets the group card of account.
func (c *Client) SetDisplayName(ctx context.Context, channel, account, name string) error {
	return c.call(ctx, "set_group_card", map[string]any{
		"group_id": ID(channel).Int(),
		"user_id":  ID(account).Int(),
		"card":     name,
	}, nil)
}

// SelfID is the bot's own account id once an event has reported it.
func (c *Client) SelfID() string {
	return c.selfID.Load().(string)
}

// Close stops Run and fails in-flight actions.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if conn := c.conn.Load(); conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
		}
	})
	return nil
}
