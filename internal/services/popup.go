package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"homeswipe-client/internal/models"

	"github.com/rs/zerolog/log"
)

// Popup holds at most one visible like notification. A newer notification
// replaces the visible one (last write wins).
type Popup struct {
	gw *Gateway

	mu      sync.Mutex
	current *models.LikeNotification
}

// NewPopup creates a closed popup
func NewPopup(gw *Gateway) *Popup {
	return &Popup{gw: gw}
}

// Show makes n the visible notification and returns the one it replaced,
// if any, which is discarded without user action
func (p *Popup) Show(n models.LikeNotification) (replaced *models.LikeNotification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	replaced = p.current
	p.current = &n
	if replaced != nil {
		log.Warn().
			Str("replaced_id", replaced.ID).
			Int64("replaced_property_id", replaced.Property.ID).
			Str("shown_id", n.ID).
			Msg("Unseen like notification replaced")
	}
	return replaced
}

// Current returns the visible notification
func (p *Popup) Current() (models.LikeNotification, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return models.LikeNotification{}, false
	}
	return *p.current, true
}

// Dismiss closes the popup without any backend call
func (p *Popup) Dismiss() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
}

// Accept creates a match with the liker on the liked property. On success
// the popup closes, unless a newer notification replaced n meanwhile. On
// failure it stays open.
func (p *Popup) Accept(ctx context.Context, n models.LikeNotification) (*models.Conversation, error) {
	payload := map[string]int64{
		"other_user_id": n.Liker.ID,
		"property_id":   n.Property.ID,
	}
	var raw json.RawMessage
	if err := p.gw.Post(ctx, "/create-match", payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to create match: %w", err)
	}

	p.mu.Lock()
	if p.current != nil && p.current.ID == n.ID {
		p.current = nil
	}
	p.mu.Unlock()

	log.Info().Int64("other_user_id", n.Liker.ID).Int64("property_id", n.Property.ID).Msg("Match created")

	if len(raw) == 0 {
		return nil, nil
	}
	conv, err := decodeObject[models.Conversation](raw, "conversation")
	if err != nil || conv.ID == 0 {
		// the match exists even when the response carries no conversation
		return nil, nil
	}
	return &conv, nil
}

// LikeNotifier routes realtime like events to the counter and the popup
type LikeNotifier struct {
	counter *LikesCounter
	popup   *Popup
	onShow  func(models.LikeNotification)
}

// NewLikeNotifier wires counter and popup; onShow may be nil
func NewLikeNotifier(counter *LikesCounter, popup *Popup, onShow func(models.LikeNotification)) *LikeNotifier {
	return &LikeNotifier{counter: counter, popup: popup, onShow: onShow}
}

// HandleLike is suitable as UserHandlers.OnLike
func (l *LikeNotifier) HandleLike(n models.LikeNotification) {
	count := l.counter.Increment()
	l.popup.Show(n)
	log.Info().
		Int64("liker_id", n.Liker.ID).
		Int64("property_id", n.Property.ID).
		Int("unread", count).
		Msg("Property liked")
	if l.onShow != nil {
		l.onShow(n)
	}
}
