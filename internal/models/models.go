package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// User represents the signed-in user or another party in a conversation
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	City  string `json:"city,omitempty"`
	State string `json:"state,omitempty"`
}

// Session is the authenticated state returned by /login and /register
type Session struct {
	Token string `json:"access_token"`
	User  *User  `json:"user"`
}

// Profile is the payload for registration and profile updates
type Profile struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Password             string `json:"password,omitempty"`
	PasswordConfirmation string `json:"password_confirmation,omitempty"`
	City                 string `json:"city,omitempty"`
	State                string `json:"state,omitempty"`
}

// ListingType is either rent or sell
type ListingType string

const (
	ListingRent ListingType = "rent"
	ListingSell ListingType = "sell"
)

// Valid reports whether t is a known listing type
func (t ListingType) Valid() bool {
	return t == ListingRent || t == ListingSell
}

// Price is a decimal amount. The backend serializes it either as a JSON number
// or as a decimal string such as "1500.00".
type Price float64

// UnmarshalJSON accepts numbers, decimal strings and null
func (p *Price) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		*p = 0
		return nil
	}
	raw = strings.Trim(raw, `"`)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", raw, err)
	}
	*p = Price(v)
	return nil
}

// String formats the price with two decimals
func (p Price) String() string {
	return strconv.FormatFloat(float64(p), 'f', 2, 64)
}

// Timestamp is a point in time decoded leniently: RFC 3339, the
// "2006-01-02 15:04:05" database form (UTC), or unix seconds as a number
// or numeric string. It encodes as RFC 3339.
type Timestamp struct {
	time.Time
}

const dateTimeLayout = "2006-01-02 15:04:05"

// UnmarshalJSON accepts every form ParseTimestamp does
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	v, err := ParseTimestamp(data)
	if err != nil {
		return err
	}
	t.Time = v
	return nil
}

// ParseTimestamp decodes a JSON timestamp value. null and "" yield the zero time.
func ParseTimestamp(data []byte) (time.Time, error) {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` || raw == "" {
		return time.Time{}, nil
	}
	raw = strings.Trim(raw, `"`)
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, dateTimeLayout} {
		if v, err := time.Parse(layout, raw); err == nil {
			return v, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}

// Property represents a listing shown in the swipe feed
type Property struct {
	ID          int64       `json:"id"`
	UserID      int64       `json:"user_id,omitempty"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Price       Price       `json:"price"`
	Type        ListingType `json:"type"`
	City        string      `json:"city,omitempty"`
	State       string      `json:"state,omitempty"`
	Country     string      `json:"country,omitempty"`
	Tags        []string    `json:"tags"`
	Images      []string    `json:"images"`
	User        *User       `json:"user,omitempty"`
}

// Swipe is a like/pass decision of a user on a property
type Swipe struct {
	PropertyID int64 `json:"property_id"`
	UserID     int64 `json:"user_id"`
	IsLike     bool  `json:"is_like"`
}

// Conversation is a match between two users scoped to a property
type Conversation struct {
	ID        int64     `json:"id"`
	OtherUser *User     `json:"other_user,omitempty"`
	Property  *Property `json:"property,omitempty"`
}

// UnmarshalJSON accepts both {"id": ...} and {"conversation_id": ...}
func (c *Conversation) UnmarshalJSON(data []byte) error {
	type alias Conversation
	aux := struct {
		*alias
		ConversationID int64 `json:"conversation_id"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if c.ID == 0 {
		c.ID = aux.ConversationID
	}
	return nil
}

// Message is a chat message inside a conversation
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      Timestamp `json:"created_at"`
}

// LikeNotification is the client-only record of an incoming "property.liked" event
type LikeNotification struct {
	ID        string    `json:"id"`
	Liker     User      `json:"liker"`
	Property  Property  `json:"property"`
	Timestamp time.Time `json:"timestamp"`
}

// FeedFilters narrows the candidate property list. Zero values are omitted
// from the query.
type FeedFilters struct {
	City     string      `json:"city,omitempty"`
	Type     ListingType `json:"type,omitempty"`
	Country  string      `json:"country,omitempty"`
	MinPrice *float64    `json:"min_price,omitempty"`
	MaxPrice *float64    `json:"max_price,omitempty"`
	Tags     []string    `json:"tags,omitempty"`
}
