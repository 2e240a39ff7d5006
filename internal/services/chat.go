package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"homeswipe-client/internal/models"

	"github.com/rs/zerolog/log"
)

// MatchService lists the user's matches
type MatchService struct {
	gw *Gateway
}

// NewMatchService creates a match service
func NewMatchService(gw *Gateway) *MatchService {
	return &MatchService{gw: gw}
}

// List returns every conversation the user takes part in
func (s *MatchService) List(ctx context.Context) ([]models.Conversation, error) {
	var raw json.RawMessage
	if err := s.gw.Get(ctx, "/matches", nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}
	convs, err := decodeList[models.Conversation](raw)
	if err != nil {
		return nil, &APIError{Status: 200, ParseError: true, Message: err.Error()}
	}
	return convs, nil
}

// Chat is the message list of one conversation. Messages from REST and
// from realtime are merged by id so each id appears once.
type Chat struct {
	gw *Gateway

	mu             sync.Mutex
	conversationID int64
	messages       []models.Message
	seen           map[int64]struct{}
	openGen        uint64
}

// NewChat creates an empty chat
func NewChat(gw *Gateway) *Chat {
	return &Chat{gw: gw, seen: make(map[int64]struct{})}
}

// Open switches to conversationID and loads its history. Realtime messages
// merged for the same conversation while loading are kept.
func (c *Chat) Open(ctx context.Context, conversationID int64) error {
	c.mu.Lock()
	if c.conversationID != conversationID {
		c.conversationID = conversationID
		c.messages = nil
		c.seen = make(map[int64]struct{})
	}
	c.openGen++
	gen := c.openGen
	c.mu.Unlock()

	var raw json.RawMessage
	path := fmt.Sprintf("/conversations/%d/messages", conversationID)
	if err := c.gw.Get(ctx, path, nil, &raw); err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	history, err := decodeList[models.Message](raw)
	if err != nil {
		return &APIError{Status: 200, ParseError: true, Message: err.Error()}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.openGen {
		return nil
	}

	// history first in server order, then anything merged meanwhile
	pending := c.messages
	c.messages = nil
	c.seen = make(map[int64]struct{})
	for _, m := range history {
		c.mergeLocked(m)
	}
	for _, m := range pending {
		c.mergeLocked(m)
	}
	log.Debug().Int64("conversation_id", conversationID).Int("messages", len(c.messages)).Msg("Conversation loaded")
	return nil
}

// Send posts content to the open conversation and merges the stored message
func (c *Chat) Send(ctx context.Context, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		v := newValidationError()
		v.require("content", content)
		return models.Message{}, v
	}

	c.mu.Lock()
	convID := c.conversationID
	c.mu.Unlock()
	if convID == 0 {
		return models.Message{}, fmt.Errorf("no conversation open")
	}

	var raw json.RawMessage
	path := fmt.Sprintf("/conversations/%d/messages", convID)
	if err := c.gw.Post(ctx, path, map[string]string{"content": content}, &raw); err != nil {
		return models.Message{}, fmt.Errorf("failed to send message: %w", err)
	}
	msg, err := decodeObject[models.Message](raw, "message")
	if err != nil {
		return models.Message{}, &APIError{Status: 200, ParseError: true, Message: err.Error()}
	}
	if msg.ConversationID == 0 {
		msg.ConversationID = convID
	}
	c.Merge(msg)
	return msg, nil
}

// Merge adds m unless a message with the same id is already present or m
// belongs to another conversation. It reports whether m was added.
func (c *Chat) Merge(m models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.ConversationID != 0 && m.ConversationID != c.conversationID {
		return false
	}
	return c.mergeLocked(m)
}

func (c *Chat) mergeLocked(m models.Message) bool {
	if m.ID != 0 {
		if _, dup := c.seen[m.ID]; dup {
			return false
		}
		c.seen[m.ID] = struct{}{}
	}
	c.messages = append(c.messages, m)
	return true
}

// Messages returns a copy of the message list in order
func (c *Chat) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// ConversationID returns the open conversation, or 0
func (c *Chat) ConversationID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}
