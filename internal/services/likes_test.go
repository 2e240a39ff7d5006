package services

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"homeswipe-client/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLikesCounter_RefreshAndIncrement(t *testing.T) {
	h := newHarness(t)
	u := h.fake.AddUser("Ann", "a@b.com", "x")
	h.signIn(u)
	h.fake.SetUnread(u.ID, 4)

	c := NewLikesCounter(h.gw)
	n, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	for i := 0; i < 3; i++ {
		c.Increment()
	}
	assert.Equal(t, 7, c.Count())
	assert.Equal(t, "7", c.Badge())
}

func TestLikesCounter_MarkRead(t *testing.T) {
	h := newHarness(t)
	u := h.fake.AddUser("Ann", "a@b.com", "x")
	h.signIn(u)
	h.fake.SetUnread(u.ID, 2)

	c := NewLikesCounter(h.gw)
	c.Increment()
	c.Increment()
	require.NoError(t, c.MarkRead(context.Background()))
	assert.Equal(t, 0, c.Count())
	assert.Equal(t, "", c.Badge())
	assert.Equal(t, 0, h.fake.Unread(u.ID))
}

func TestLikesCounter_MarkReadFailureKeepsCount(t *testing.T) {
	h := newHarness(t)
	u := h.fake.AddUser("Ann", "a@b.com", "x")
	h.signIn(u)

	c := NewLikesCounter(h.gw)
	c.Increment()
	h.fake.FailNext(http.MethodPost, "/mark-likes-as-read", http.StatusInternalServerError, `{}`)
	require.Error(t, c.MarkRead(context.Background()))
	assert.Equal(t, 1, c.Count())
}

func TestLikesCounter_UnauthorizedShowsZeroWithoutSignOut(t *testing.T) {
	h := newHarness(t)
	u := h.fake.AddUser("Ann", "a@b.com", "x")
	h.signIn(u)

	var signedOut int
	h.store.OnSignedOut(func(bool) { signedOut++ })

	c := NewLikesCounter(h.gw)
	c.Increment()
	h.fake.FailNext(http.MethodGet, "/unread-likes-count", http.StatusUnauthorized, `{"message":"Unauthenticated."}`)
	n, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	c.Increment()
	h.fake.FailNext(http.MethodPost, "/mark-likes-as-read", http.StatusUnauthorized, `{}`)
	require.NoError(t, c.MarkRead(context.Background()))
	assert.Equal(t, 0, c.Count())

	assert.Equal(t, 0, signedOut)
	assert.True(t, h.session.IsAuthenticated())
}

func TestFormatBadge(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, ""},
		{-3, ""},
		{1, "1"},
		{99, "99"},
		{100, "99+"},
		{250, "99+"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBadge(tt.n), "n=%d", tt.n)
	}
}

func TestParseCount(t *testing.T) {
	for raw, want := range map[string]int{
		`5`:                  5,
		`{"count":3}`:        3,
		`{"unread_count":8}`: 8,
	} {
		n, err := parseCount([]byte(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, want, n, raw)
	}
	_, err := parseCount([]byte(`{"other":1}`))
	assert.Error(t, err)
}

func like(id string, likerID, propertyID int64) models.LikeNotification {
	return models.LikeNotification{
		ID:        id,
		Liker:     models.User{ID: likerID, Name: "Liker"},
		Property:  models.Property{ID: propertyID, Title: "Loft"},
		Timestamp: time.Now(),
	}
}

func TestLikeNotifier_LastWriteWins(t *testing.T) {
	h := newHarness(t)
	counter := NewLikesCounter(h.gw)
	popup := NewPopup(h.gw)
	var shown []string
	notifier := NewLikeNotifier(counter, popup, func(n models.LikeNotification) { shown = append(shown, n.ID) })

	notifier.HandleLike(like("first", 10, 1))
	notifier.HandleLike(like("second", 11, 2))

	cur, ok := popup.Current()
	require.True(t, ok)
	assert.Equal(t, "second", cur.ID)
	assert.Equal(t, 2, counter.Count())
	assert.Equal(t, []string{"first", "second"}, shown)
}

func TestPopup_ShowReturnsReplaced(t *testing.T) {
	popup := NewPopup(nil)
	assert.Nil(t, popup.Show(like("a", 1, 1)))
	replaced := popup.Show(like("b", 2, 2))
	require.NotNil(t, replaced)
	assert.Equal(t, "a", replaced.ID)

	popup.Dismiss()
	_, ok := popup.Current()
	assert.False(t, ok)
}

func TestPopup_AcceptCreatesMatch(t *testing.T) {
	h := newHarness(t)
	owner := h.fake.AddUser("Olive", "olive@example.com", "pw")
	liker := h.fake.AddUser("Lee", "lee@example.com", "pw")
	prop := h.fake.AddProperty(owner.ID, listing("Loft", "Austin", 1500))
	h.signIn(owner)

	popup := NewPopup(h.gw)
	n := like("n1", liker.ID, prop.ID)
	popup.Show(n)

	conv, err := popup.Accept(context.Background(), n)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.NotZero(t, conv.ID)
	require.NotNil(t, conv.OtherUser)
	assert.Equal(t, liker.ID, conv.OtherUser.ID)

	_, open := popup.Current()
	assert.False(t, open)

	convs, err := NewMatchService(h.gw).List(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, conv.ID, convs[0].ID)
}

func TestPopup_AcceptFailureKeepsPopupOpen(t *testing.T) {
	h := newHarness(t)
	owner := h.fake.AddUser("Olive", "olive@example.com", "pw")
	h.signIn(owner)

	popup := NewPopup(h.gw)
	n := like("n1", 12345, 1)
	popup.Show(n)

	_, err := popup.Accept(context.Background(), n)
	require.Error(t, err)
	cur, open := popup.Current()
	require.True(t, open)
	assert.Equal(t, "n1", cur.ID)
}

func TestPopup_AcceptKeepsNewerNotification(t *testing.T) {
	h := newHarness(t)
	owner := h.fake.AddUser("Olive", "olive@example.com", "pw")
	liker := h.fake.AddUser("Lee", "lee@example.com", "pw")
	prop := h.fake.AddProperty(owner.ID, listing("Loft", "Austin", 1500))
	h.signIn(owner)

	popup := NewPopup(h.gw)
	older := like("old", liker.ID, prop.ID)
	popup.Show(older)
	popup.Show(like("new", liker.ID, prop.ID))

	_, err := popup.Accept(context.Background(), older)
	require.NoError(t, err)
	cur, open := popup.Current()
	require.True(t, open)
	assert.Equal(t, "new", cur.ID)
}

func TestParseLike_Timestamps(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	liked := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		extra string
		want  time.Time
	}{
		{"rfc3339", `"timestamp":"2024-05-01T10:00:00Z"`, liked},
		{"database form", `"timestamp":"2024-05-01 10:00:00"`, liked},
		{"unix seconds", `"timestamp":1714557600`, liked},
		{"liked_at", `"liked_at":"2024-05-01 10:00:00"`, liked},
		{"unreadable falls back to liked_at", `"timestamp":"soon","liked_at":1714557600`, liked},
		{"unreadable falls back to now", `"timestamp":"soon"`, now},
		{"absent", `"timestamp":null`, now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := json.RawMessage(`{"liker":{"id":3,"name":"Lee"},"property":{"id":5,"title":"Loft"},` + tt.extra + `}`)
			n, err := parseLike(data, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(n.Timestamp), "got %s", n.Timestamp)
			assert.Equal(t, int64(3), n.Liker.ID)
		})
	}
}
