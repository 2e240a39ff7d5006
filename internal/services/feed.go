package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"homeswipe-client/internal/models"

	"github.com/rs/zerolog/log"
)

// CityMemory remembers the last city chosen in the feed filters
type CityMemory interface {
	SaveLastCity(ctx context.Context, city string) error
	LastCity(ctx context.Context) (string, error)
}

// Feed is the swipe feed controller: a filtered candidate list, a property
// cursor and an image cursor over the current property
type Feed struct {
	gw     *Gateway
	cities CityMemory

	mu       sync.Mutex
	items    []models.Property
	cursor   int
	image    int
	swiped   map[int64]bool
	loadGen  uint64
	filters  models.FeedFilters
	inFlight map[int64]bool
}

// NewFeed creates a feed; cities may be nil
func NewFeed(gw *Gateway, cities CityMemory) *Feed {
	return &Feed{
		gw:       gw,
		cities:   cities,
		swiped:   make(map[int64]bool),
		inFlight: make(map[int64]bool),
	}
}

// FeedQuery builds the /properties query, omitting absent fields
func FeedQuery(f models.FeedFilters) url.Values {
	q := url.Values{}
	if c := strings.TrimSpace(f.City); c != "" {
		q.Set("city", c)
	}
	if f.Type != "" {
		q.Set("type", string(f.Type))
	}
	if c := strings.TrimSpace(f.Country); c != "" {
		q.Set("country", c)
	}
	if f.MinPrice != nil {
		q.Set("min_price", strconv.FormatFloat(*f.MinPrice, 'f', -1, 64))
	}
	if f.MaxPrice != nil {
		q.Set("max_price", strconv.FormatFloat(*f.MaxPrice, 'f', -1, 64))
	}
	var tags []string
	for _, t := range f.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	if len(tags) > 0 {
		q.Set("tags", strings.Join(tags, ","))
	}
	return q
}

// Load fetches candidates for filters and removes every property the user
// already swiped, keeping the server order. A Load superseded by a newer
// one discards its result.
func (f *Feed) Load(ctx context.Context, filters models.FeedFilters) error {
	f.mu.Lock()
	f.loadGen++
	gen := f.loadGen
	f.mu.Unlock()

	var raw json.RawMessage
	if err := f.gw.Get(ctx, "/properties", FeedQuery(filters), &raw); err != nil {
		return fmt.Errorf("failed to load properties: %w", err)
	}
	props, err := decodeList[models.Property](raw)
	if err != nil {
		return &APIError{Status: 200, ParseError: true, Message: err.Error()}
	}

	raw = nil
	if err := f.gw.Get(ctx, "/swipes", nil, &raw); err != nil {
		return fmt.Errorf("failed to load swipes: %w", err)
	}
	swipes, err := decodeList[models.Swipe](raw)
	if err != nil {
		return &APIError{Status: 200, ParseError: true, Message: err.Error()}
	}

	f.mu.Lock()
	if gen != f.loadGen {
		f.mu.Unlock()
		log.Debug().Msg("Discarding superseded feed load")
		return nil
	}
	for _, s := range swipes {
		f.swiped[s.PropertyID] = true
	}
	items := make([]models.Property, 0, len(props))
	for _, p := range props {
		if !f.swiped[p.ID] {
			items = append(items, p)
		}
	}
	f.items = items
	f.cursor = 0
	f.image = 0
	f.filters = filters
	f.mu.Unlock()

	if city := strings.TrimSpace(filters.City); city != "" && f.cities != nil {
		if err := f.cities.SaveLastCity(ctx, city); err != nil {
			log.Warn().Err(err).Msg("Failed to remember city")
		}
	}

	log.Info().
		Int("candidates", len(props)).
		Int("remaining", len(items)).
		Msg("Feed loaded")
	return nil
}

// Swipe records a like/pass decision and advances the cursor by one. On
// failure the cursor does not move.
func (f *Feed) Swipe(ctx context.Context, propertyID int64, isLike bool) error {
	f.mu.Lock()
	if f.inFlight[propertyID] {
		f.mu.Unlock()
		return fmt.Errorf("swipe on property %d already in progress", propertyID)
	}
	f.inFlight[propertyID] = true
	gen := f.loadGen
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.inFlight, propertyID)
		f.mu.Unlock()
	}()

	path := fmt.Sprintf("/swipe/%d", propertyID)
	if err := f.gw.Post(ctx, path, map[string]bool{"is_like": isLike}, nil); err != nil {
		return fmt.Errorf("failed to record swipe: %w", err)
	}

	f.mu.Lock()
	f.swiped[propertyID] = true
	// a reload meanwhile already excludes the property and reset the cursor
	if gen == f.loadGen {
		f.advanceLocked()
	}
	f.mu.Unlock()

	log.Debug().Int64("property_id", propertyID).Bool("like", isLike).Msg("Swipe recorded")
	return nil
}

// Current returns the property under the cursor; false means the feed is
// empty or exhausted
func (f *Feed) Current() (models.Property, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursor < 0 || f.cursor >= len(f.items) {
		return models.Property{}, false
	}
	return f.items[f.cursor], true
}

// Advance moves the cursor to the next property without recording a swipe
func (f *Feed) Advance() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanceLocked()
}

func (f *Feed) advanceLocked() {
	if f.cursor < len(f.items) {
		f.cursor++
	}
	f.image = 0
}

// Cursor returns the property cursor
func (f *Feed) Cursor() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

// Remaining returns how many properties are left from the cursor on
func (f *Feed) Remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursor >= len(f.items) {
		return 0
	}
	return len(f.items) - f.cursor
}

// Filters returns the filters of the last completed Load
func (f *Feed) Filters() models.FeedFilters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters
}

// NextImage moves the image cursor forward, wrapping to 0 after the last image
func (f *Feed) NextImage() int {
	return f.stepImage(1)
}

// PrevImage moves the image cursor back, wrapping from 0 to the last image
func (f *Feed) PrevImage() int {
	return f.stepImage(-1)
}

// ImageIndex returns the image cursor of the current property
func (f *Feed) ImageIndex() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.image
}

func (f *Feed) stepImage(delta int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursor >= len(f.items) {
		return 0
	}
	n := len(f.items[f.cursor].Images)
	if n == 0 {
		f.image = 0
		return 0
	}
	f.image = ((f.image+delta)%n + n) % n
	return f.image
}

// Inject puts p in front of the user, e.g. when arriving from a deep link.
// A property absent from the list is prepended; either way the cursor moves
// onto it.
func (f *Feed) Inject(p models.Property) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.image = 0
	for i, item := range f.items {
		if item.ID == p.ID {
			// keep the list intact and move the cursor onto it
			f.cursor = i
			return
		}
	}
	f.items = append([]models.Property{p}, f.items...)
	f.cursor = 0
}

// LastCity returns the remembered city to prefill filters
func (f *Feed) LastCity(ctx context.Context) string {
	if f.cities == nil {
		return ""
	}
	city, err := f.cities.LastCity(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read last city")
		return ""
	}
	return city
}
