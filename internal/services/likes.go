package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

// BadgeCap is the largest count shown literally on the badge
const BadgeCap = 99

// LikesCounter tracks unread likes. The local count is authoritative for
// display between Refresh and MarkRead calls.
type LikesCounter struct {
	gw *Gateway

	mu    sync.Mutex
	count int
}

// NewLikesCounter creates a counter starting at zero
func NewLikesCounter(gw *Gateway) *LikesCounter {
	return &LikesCounter{gw: gw}
}

// Refresh replaces the local count with the server's. A 401 resets it to
// zero without an error.
func (c *LikesCounter) Refresh(ctx context.Context) (int, error) {
	var raw json.RawMessage
	if err := c.gw.Get(ctx, "/unread-likes-count", nil, &raw); err != nil {
		if IsUnauthorized(err) {
			log.Debug().Msg("Unread likes unavailable, showing zero")
			return c.set(0), nil
		}
		return c.Count(), fmt.Errorf("failed to refresh unread likes: %w", err)
	}

	n, err := parseCount(raw)
	if err != nil {
		return c.Count(), &APIError{Status: 200, ParseError: true, Message: err.Error()}
	}
	return c.set(n), nil
}

// Increment adds one local unread like
func (c *LikesCounter) Increment() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return c.count
}

// MarkRead zeroes the server counter, then the local one
func (c *LikesCounter) MarkRead(ctx context.Context) error {
	if err := c.gw.Post(ctx, "/mark-likes-as-read", nil, nil); err != nil {
		if IsUnauthorized(err) {
			c.set(0)
			return nil
		}
		return fmt.Errorf("failed to mark likes as read: %w", err)
	}
	c.set(0)
	return nil
}

// Count returns the local count
func (c *LikesCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Badge renders the count for display: "" for zero, "99+" above the cap
func (c *LikesCounter) Badge() string {
	return FormatBadge(c.Count())
}

// FormatBadge renders n for a badge
func FormatBadge(n int) string {
	switch {
	case n <= 0:
		return ""
	case n > BadgeCap:
		return strconv.Itoa(BadgeCap) + "+"
	default:
		return strconv.Itoa(n)
	}
}

func (c *LikesCounter) set(n int) int {
	if n < 0 {
		n = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count = n
	return n
}

// parseCount accepts a bare number or an object with count/unread_count
func parseCount(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var body struct {
		Count       *int `json:"count"`
		UnreadCount *int `json:"unread_count"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0, fmt.Errorf("failed to decode unread count: %w", err)
	}
	switch {
	case body.Count != nil:
		return *body.Count, nil
	case body.UnreadCount != nil:
		return *body.UnreadCount, nil
	}
	return 0, fmt.Errorf("unread count missing from response")
}
