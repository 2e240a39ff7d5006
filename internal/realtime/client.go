package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	protocolVersion = "7"
	writeWait       = 10 * time.Second
	pongGrace       = 30 * time.Second
	dispatchBuffer  = 256
	rejoinPause     = 50 * time.Millisecond
)

var (
	// ErrClosed is returned by operations on a closed client
	ErrClosed = errors.New("realtime client closed")
	// ErrAlreadySubscribed is returned when a channel is subscribed twice
	ErrAlreadySubscribed = errors.New("channel already subscribed")
	// ErrUnsubscribed is returned to a pending Subscribe when the channel is left meanwhile
	ErrUnsubscribed = errors.New("channel unsubscribed")
	// ErrConnectionLost is returned to a pending Subscribe when the socket drops
	ErrConnectionLost = errors.New("connection lost")
)

// Authorizer exchanges a (socket id, channel) challenge for an auth grant
type Authorizer func(ctx context.Context, socketID, channel string) (string, error)

// Handler receives events for one channel
type Handler func(Event)

// SubscriptionError is the server's refusal of a subscription
type SubscriptionError struct {
	Channel string
	Status  int
	Message string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription to %s refused (status %d): %s", e.Channel, e.Status, e.Message)
}

// Options configures a Client
type Options struct {
	// URL is the websocket base, e.g. ws://localhost:8080
	URL             string
	AppKey          string
	ReconnectDelay  time.Duration
	ActivityTimeout time.Duration
	Dialer          *websocket.Dialer
}

type subscription struct {
	name      string
	auth      Authorizer
	handler   Handler
	confirmed bool
	joining   bool
	result    chan error
}

// Client is a Pusher-protocol websocket client. It owns reconnection: after
// a socket loss it redials and re-authorizes confirmed channels.
type Client struct {
	opts   Options
	dedupe *deduper
	events chan Event

	mu       sync.Mutex
	conn     *websocket.Conn
	socketID string
	ready    chan struct{}
	channels map[string]*subscription
	started  bool
	closed   bool

	writeMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewClient creates a client; call Connect to start it
func NewClient(opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if opts.ActivityTimeout <= 0 {
		opts.ActivityTimeout = 120 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:     opts,
		dedupe:   newDeduper(),
		events:   make(chan Event, dispatchBuffer),
		ready:    make(chan struct{}),
		channels: make(map[string]*subscription),
		done:     make(chan struct{}),
	}
}

// Connect starts the connection loop in the background. It returns
// immediately; Subscribe waits for the socket to be established.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.dispatch(runCtx)
	go c.run(runCtx)
	return nil
}

// Close stops the client and waits for the connection loop to exit
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if !started {
		return nil
	}
	cancel()
	if conn != nil {
		conn.Close()
	}
	<-c.done
	return nil
}

// SocketID returns the socket id of the current connection, or ""
func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// Subscribe authorizes and joins channel, then routes its events to
// handler. It blocks until the server confirms or refuses the subscription.
func (c *Client) Subscribe(ctx context.Context, channel string, auth Authorizer, handler Handler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, exists := c.channels[channel]; exists {
		c.mu.Unlock()
		return ErrAlreadySubscribed
	}
	sub := &subscription{name: channel, auth: auth, handler: handler}
	c.channels[channel] = sub
	c.mu.Unlock()

	if err := c.joinUntilDone(ctx, sub); err != nil {
		c.remove(sub)
		return err
	}
	log.Debug().Str("channel", channel).Msg("Subscribed")
	return nil
}

// Unsubscribe leaves channel. The leave frame is written before it returns.
// Unknown channels are ignored.
func (c *Client) Unsubscribe(channel string) error {
	c.mu.Lock()
	sub, ok := c.channels[channel]
	if ok {
		delete(c.channels, channel)
		if sub.result != nil {
			select {
			case sub.result <- ErrUnsubscribed:
			default:
			}
			sub.result = nil
		}
	}
	conn := c.conn
	c.mu.Unlock()

	if !ok || conn == nil {
		return nil
	}
	if err := c.write(conn, "pusher:unsubscribe", map[string]string{"channel": channel}); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", channel, err)
	}
	log.Debug().Str("channel", channel).Msg("Unsubscribed")
	return nil
}

// Subscribed reports whether channel is joined, joining, or waiting to be
// re-joined after a reconnect. A channel refused on re-join is dropped.
func (c *Client) Subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

// Channels returns the names of all joined or joining channels
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	return names
}

// joinUntilDone retries a join interrupted by a socket loss on the next
// connection. Refusals and auth failures are returned without retry.
func (c *Client) joinUntilDone(ctx context.Context, sub *subscription) error {
	for {
		err := c.join(ctx, sub)
		if !errors.Is(err, ErrConnectionLost) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		case <-time.After(rejoinPause):
		}
	}
}

func (c *Client) join(ctx context.Context, sub *subscription) error {
	c.mu.Lock()
	sub.joining = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		sub.joining = false
		c.mu.Unlock()
	}()

	socketID, err := c.waitReady(ctx)
	if err != nil {
		return err
	}

	grant, err := sub.auth(ctx, socketID, sub.name)
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	c.mu.Lock()
	if c.channels[sub.name] != sub {
		c.mu.Unlock()
		return ErrUnsubscribed
	}
	conn := c.conn
	if conn == nil || c.socketID != socketID {
		c.mu.Unlock()
		return ErrConnectionLost
	}
	sub.result = result
	c.mu.Unlock()

	payload := map[string]string{"channel": sub.name, "auth": grant}
	if err := c.write(conn, "pusher:subscribe", payload); err != nil {
		// the read loop notices the dead socket and reconnects
		log.Debug().Err(err).Str("channel", sub.name).Msg("Subscribe write failed")
		conn.Close()
		c.mu.Lock()
		if sub.result == result {
			sub.result = nil
		}
		c.mu.Unlock()
		return ErrConnectionLost
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) waitReady(ctx context.Context) (string, error) {
	for {
		c.mu.Lock()
		ready := c.ready
		c.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.done:
			return "", ErrClosed
		}

		c.mu.Lock()
		id := c.socketID
		c.mu.Unlock()
		if id != "" {
			return id, nil
		}
	}
}

func (c *Client) remove(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[sub.name] == sub {
		delete(c.channels, sub.name)
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.opts.URL, "/") + "/app/" + url.PathEscape(c.opts.AppKey))
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	q := u.Query()
	q.Set("protocol", protocolVersion)
	q.Set("client", "homeswipe-go")
	q.Set("version", "1.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// run is the reconnect loop
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	target, err := c.endpoint()
	if err != nil {
		log.Error().Err(err).Msg("Realtime client not started")
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := c.opts.Dialer.DialContext(ctx, target, nil)
		if err != nil {
			log.Warn().Err(err).Str("url", c.opts.URL).Msg("Realtime connection failed")
		} else {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()

			if err := c.readLoop(ctx, conn); err != nil && ctx.Err() == nil {
				log.Info().Err(err).Msg("Realtime socket closed")
			}
			c.dropConn(conn)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.ReconnectDelay):
			log.Info().Msg("Reconnecting realtime socket")
		}
	}
}

func (c *Client) dropConn(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	c.socketID = ""
	c.ready = make(chan struct{})
	for _, sub := range c.channels {
		sub.confirmed = false
		if sub.result != nil {
			select {
			case sub.result <- ErrConnectionLost:
			default:
			}
			sub.result = nil
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	activity := c.opts.ActivityTimeout
	conn.SetReadDeadline(time.Now().Add(activity + pongGrace))

	// close the socket on shutdown and ping when idle
	go func() {
		ticker := time.NewTicker(activity)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := c.write(conn, "pusher:ping", map[string]string{}); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(activity + pongGrace))

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Msg("Invalid realtime frame")
			continue
		}
		c.handleFrame(ctx, conn, f)
	}
}

func (c *Client) handleFrame(ctx context.Context, conn *websocket.Conn, f frame) {
	switch f.Event {
	case "pusher:connection_established":
		var est struct {
			SocketID        string `json:"socket_id"`
			ActivityTimeout int    `json:"activity_timeout"`
		}
		if err := json.Unmarshal(unwrapData(f.Data), &est); err != nil || est.SocketID == "" {
			log.Error().Err(err).Msg("Invalid connection_established frame")
			conn.Close()
			return
		}
		c.established(ctx, est.SocketID)

	case "pusher:ping":
		if err := c.write(conn, "pusher:pong", map[string]string{}); err != nil {
			log.Warn().Err(err).Msg("Failed to answer ping")
		}

	case "pusher:pong":

	case "pusher:error":
		log.Warn().RawJSON("data", unwrapData(f.Data)).Msg("Realtime server error")

	case "pusher_internal:subscription_succeeded":
		c.mu.Lock()
		if sub, ok := c.channels[f.Channel]; ok {
			sub.confirmed = true
			if sub.result != nil {
				sub.result <- nil
				sub.result = nil
			}
		}
		c.mu.Unlock()

	case "pusher:subscription_error":
		var body struct {
			Status int    `json:"status"`
			Error  string `json:"error"`
		}
		_ = json.Unmarshal(unwrapData(f.Data), &body)
		subErr := &SubscriptionError{Channel: f.Channel, Status: body.Status, Message: body.Error}

		c.mu.Lock()
		if sub, ok := c.channels[f.Channel]; ok {
			delete(c.channels, f.Channel)
			if sub.result != nil {
				sub.result <- subErr
				sub.result = nil
			}
		}
		c.mu.Unlock()
		log.Warn().Err(subErr).Msg("Subscription refused")

	default:
		if f.Channel == "" || strings.HasPrefix(f.Event, "pusher") {
			return
		}
		evt := Event{Channel: f.Channel, Name: NormalizeEventName(f.Event), Data: unwrapData(f.Data)}
		if !c.dedupe.firstSeen(eventKey(evt)) {
			log.Debug().Str("channel", evt.Channel).Str("event", f.Event).Msg("Duplicate event dropped")
			return
		}
		select {
		case c.events <- evt:
		case <-ctx.Done():
		}
	}
}

// established records the socket id and re-joins channels that were
// confirmed on a previous connection
func (c *Client) established(ctx context.Context, socketID string) {
	c.mu.Lock()
	select {
	case <-c.ready:
		// a repeated connection_established on the same socket
		c.mu.Unlock()
		log.Warn().Str("socket_id", socketID).Msg("Duplicate connection_established ignored")
		return
	default:
	}
	c.socketID = socketID
	close(c.ready)
	var rejoin []*subscription
	for _, sub := range c.channels {
		if !sub.joining && !sub.confirmed {
			rejoin = append(rejoin, sub)
		}
	}
	c.mu.Unlock()

	log.Debug().Str("socket_id", socketID).Msg("Realtime connection established")

	for _, sub := range rejoin {
		go func(sub *subscription) {
			if err := c.joinUntilDone(ctx, sub); err != nil {
				if ctx.Err() == nil && !errors.Is(err, ErrUnsubscribed) {
					log.Warn().Err(err).Str("channel", sub.name).Msg("Failed to re-join channel")
				}
				c.remove(sub)
			}
		}(sub)
	}
}

// dispatch delivers events in arrival order to the handler of their
// channel, skipping channels that are no longer confirmed
func (c *Client) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-c.events:
			c.mu.Lock()
			sub, ok := c.channels[evt.Channel]
			var handler Handler
			if ok && sub.confirmed {
				handler = sub.handler
			}
			c.mu.Unlock()
			if handler != nil {
				handler(evt)
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", event, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame{Event: event, Data: raw})
}
