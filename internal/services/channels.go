package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"homeswipe-client/internal/models"
	"homeswipe-client/internal/realtime"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Logical realtime event names, after normalization at the transport
const (
	EventNewConversation = "NewConversation"
	EventMessageSent     = "MessageSent"
	EventPropertyLiked   = "property.liked"
)

// Transport is the pub/sub client the channel manager drives. Subscribed
// reports whether the transport still holds channel; it turns false when
// the transport drops a channel on its own, e.g. a refused rejoin.
type Transport interface {
	Subscribe(ctx context.Context, channel string, auth realtime.Authorizer, handler realtime.Handler) error
	Unsubscribe(channel string) error
	Subscribed(channel string) bool
}

// Scope is a subscription boundary holding at most one channel
type Scope string

const (
	ScopeConversation Scope = "conversation"
	ScopeUser         Scope = "user"
)

// ChannelState is the lifecycle of a scope's channel
type ChannelState int

const (
	Unsubscribed ChannelState = iota
	Subscribing
	Subscribed
)

func (s ChannelState) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	default:
		return "unsubscribed"
	}
}

// UserHandlers are the optional callbacks of the per-user channel
type UserHandlers struct {
	OnNewConversation func(models.Conversation)
	OnMessage         func(models.Message)
	OnLike            func(models.LikeNotification)
}

type scopeState struct {
	// op orders a leave before the next join starts; it is released
	// before the join waits on the transport
	op     sync.Mutex
	key    string
	state  ChannelState
	gen    uint64
	handle func(realtime.Event)
	// cancel aborts the pending join, if any
	cancel context.CancelFunc
}

// ChannelManager keeps at most one conversation channel and one user
// channel open and routes their events to callbacks
type ChannelManager struct {
	transport Transport
	gw        *Gateway
	session   *Session
	authPath  string

	mu     sync.Mutex
	scopes map[Scope]*scopeState
}

// NewChannelManager creates a manager. authPath is the channel
// authorization endpoint, e.g. /broadcasting/auth.
func NewChannelManager(transport Transport, gw *Gateway, session *Session, authPath string) *ChannelManager {
	return &ChannelManager{
		transport: transport,
		gw:        gw,
		session:   session,
		authPath:  authPath,
		scopes: map[Scope]*scopeState{
			ScopeConversation: {},
			ScopeUser:         {},
		},
	}
}

// ConversationChannel returns the scope key of a conversation channel
func ConversationChannel(id int64) string {
	return fmt.Sprintf("conversation.%d", id)
}

// UserChannel returns the scope key of a user channel
func UserChannel(id int64) string {
	return fmt.Sprintf("user.%d", id)
}

func wireName(key string) string {
	return "private-" + key
}

// SubscribeToConversation opens conversation.{id}, leaving any other
// conversation channel first
func (m *ChannelManager) SubscribeToConversation(ctx context.Context, conversationID int64, onMessage func(models.Message)) error {
	handle := func(e realtime.Event) {
		if e.Name != EventMessageSent || onMessage == nil {
			return
		}
		msg, err := decodeObject[models.Message](e.Data, "message")
		if err != nil {
			log.Warn().Err(err).Str("channel", e.Channel).Msg("Invalid message event")
			return
		}
		onMessage(msg)
	}
	return m.subscribe(ctx, ScopeConversation, ConversationChannel(conversationID), handle)
}

// SubscribeToUserChannel opens user.{id}, leaving any other user channel
// first. Each handler is optional.
func (m *ChannelManager) SubscribeToUserChannel(ctx context.Context, userID int64, h UserHandlers) error {
	handle := func(e realtime.Event) {
		switch e.Name {
		case EventNewConversation:
			if h.OnNewConversation == nil {
				return
			}
			conv, err := decodeObject[models.Conversation](e.Data, "conversation")
			if err != nil {
				log.Warn().Err(err).Msg("Invalid conversation event")
				return
			}
			h.OnNewConversation(conv)
		case EventMessageSent:
			if h.OnMessage == nil {
				return
			}
			msg, err := decodeObject[models.Message](e.Data, "message")
			if err != nil {
				log.Warn().Err(err).Msg("Invalid message event")
				return
			}
			h.OnMessage(msg)
		case EventPropertyLiked:
			if h.OnLike == nil {
				return
			}
			like, err := parseLike(e.Data, time.Now())
			if err != nil {
				log.Warn().Err(err).Msg("Invalid like event")
				return
			}
			h.OnLike(like)
		}
	}
	return m.subscribe(ctx, ScopeUser, UserChannel(userID), handle)
}

// UnsubscribeConversation leaves the conversation channel, if any
func (m *ChannelManager) UnsubscribeConversation() {
	m.unsubscribe(ScopeConversation)
}

// UnsubscribeUser leaves the user channel, if any
func (m *ChannelManager) UnsubscribeUser() {
	m.unsubscribe(ScopeUser)
}

// Close leaves every channel
func (m *ChannelManager) Close() {
	m.UnsubscribeConversation()
	m.UnsubscribeUser()
}

// State returns the lifecycle state of scope
func (m *ChannelManager) State(scope Scope) ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.scopes[scope]
	if !ok {
		return Unsubscribed
	}
	m.reconcileLocked(st)
	return st.state
}

// ActiveChannel returns the scope key currently open (or opening) for scope
func (m *ChannelManager) ActiveChannel(scope Scope) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.scopes[scope]
	if !ok {
		return ""
	}
	m.reconcileLocked(st)
	return st.key
}

func (m *ChannelManager) subscribe(ctx context.Context, scope Scope, key string, handle func(realtime.Event)) error {
	st := m.scopes[scope]
	st.op.Lock()

	m.mu.Lock()
	m.reconcileLocked(st)
	if st.key == key && st.state == Subscribed {
		st.handle = handle
		m.mu.Unlock()
		st.op.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.leave(st)

	joinCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	st.gen++
	gen := st.gen
	st.key = key
	st.state = Subscribing
	st.handle = handle
	st.cancel = cancel
	m.mu.Unlock()
	st.op.Unlock()

	err := m.transport.Subscribe(joinCtx, wireName(key), m.Authorize, func(e realtime.Event) {
		m.dispatch(st, gen, e)
	})
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if st.gen != gen {
		log.Debug().Str("channel", key).Msg("Subscription abandoned, scope left meanwhile")
		return ErrChannelLeft
	}
	st.cancel = nil
	if err != nil {
		st.key = ""
		st.state = Unsubscribed
		st.handle = nil
		log.Warn().Err(err).Str("channel", key).Msg("Subscription failed")
		return fmt.Errorf("failed to subscribe to %s: %w", key, err)
	}
	st.state = Subscribed
	log.Info().Str("channel", key).Msg("Channel subscribed")
	return nil
}

func (m *ChannelManager) unsubscribe(scope Scope) {
	st := m.scopes[scope]
	st.op.Lock()
	defer st.op.Unlock()
	m.leave(st)
}

// leave requires st.op to be held. A pending join is cancelled before the
// transport is told to leave.
func (m *ChannelManager) leave(st *scopeState) {
	m.mu.Lock()
	key := st.key
	cancel := st.cancel
	st.gen++
	st.key = ""
	st.state = Unsubscribed
	st.handle = nil
	st.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if key == "" {
		return
	}
	if err := m.transport.Unsubscribe(wireName(key)); err != nil {
		log.Warn().Err(err).Str("channel", key).Msg("Failed to leave channel")
		return
	}
	log.Info().Str("channel", key).Msg("Channel left")
}

// reconcileLocked returns a subscribed scope to Unsubscribed when the
// transport no longer holds its channel. Requires m.mu.
func (m *ChannelManager) reconcileLocked(st *scopeState) {
	if st.state != Subscribed || m.transport.Subscribed(wireName(st.key)) {
		return
	}
	log.Warn().Str("channel", st.key).Msg("Channel dropped by transport")
	st.gen++
	st.key = ""
	st.state = Unsubscribed
	st.handle = nil
}

func (m *ChannelManager) dispatch(st *scopeState, gen uint64, e realtime.Event) {
	m.mu.Lock()
	if st.gen != gen || st.state == Unsubscribed {
		m.mu.Unlock()
		return
	}
	handle := st.handle
	m.mu.Unlock()

	if handle != nil {
		handle(e)
	}
}

// Authorize exchanges a transport challenge for a channel grant using the
// current bearer token. Without a token it fails without a network call.
func (m *ChannelManager) Authorize(ctx context.Context, socketID, channel string) (string, error) {
	if m.session.Token() == "" {
		return "", &RealtimeAuthError{Channel: channel, Err: ErrNoToken}
	}

	var resp struct {
		Auth string `json:"auth"`
	}
	req := Request{
		Method: http.MethodPost,
		Path:   m.authPath,
		Form: url.Values{
			"socket_id":    {socketID},
			"channel_name": {channel},
		},
	}
	if err := m.gw.Do(ctx, req, &resp); err != nil {
		return "", &RealtimeAuthError{Channel: channel, Err: err}
	}
	if resp.Auth == "" {
		return "", &RealtimeAuthError{Channel: channel, Err: errors.New("empty authorization grant")}
	}
	return resp.Auth, nil
}

// parseLike builds a LikeNotification from a property.liked payload
func parseLike(data json.RawMessage, now time.Time) (models.LikeNotification, error) {
	var payload struct {
		Liker     *models.User    `json:"liker"`
		User      *models.User    `json:"user"`
		Property  models.Property `json:"property"`
		Timestamp json.RawMessage `json:"timestamp"`
		LikedAt   json.RawMessage `json:"liked_at"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return models.LikeNotification{}, fmt.Errorf("failed to decode like: %w", err)
	}

	liker := payload.Liker
	if liker == nil {
		liker = payload.User
	}
	if liker == nil || liker.ID == 0 {
		return models.LikeNotification{}, errors.New("like event without liker")
	}
	if payload.Property.ID == 0 {
		return models.LikeNotification{}, errors.New("like event without property")
	}

	// an unreadable time never drops the like
	ts := now
	for _, raw := range []json.RawMessage{payload.Timestamp, payload.LikedAt} {
		if len(raw) == 0 {
			continue
		}
		t, err := models.ParseTimestamp(raw)
		if err != nil {
			log.Debug().Err(err).Msg("Like time unreadable, using receipt time")
			continue
		}
		if !t.IsZero() {
			ts = t
			break
		}
	}
	return models.LikeNotification{
		ID:        uuid.New().String(),
		Liker:     *liker,
		Property:  payload.Property,
		Timestamp: ts,
	}, nil
}
