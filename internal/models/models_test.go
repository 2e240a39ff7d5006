package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceUnmarshal(t *testing.T) {
	tests := []struct {
		raw  string
		want Price
	}{
		{`1500`, 1500},
		{`"1500.50"`, 1500.5},
		{`null`, 0},
		{`""`, 0},
		{`0.99`, 0.99},
	}
	for _, tt := range tests {
		var p Price
		require.NoError(t, json.Unmarshal([]byte(tt.raw), &p), tt.raw)
		assert.InDelta(t, float64(tt.want), float64(p), 0.0001, tt.raw)
	}

	var p Price
	assert.Error(t, json.Unmarshal([]byte(`"cheap"`), &p))
}

func TestPriceString(t *testing.T) {
	assert.Equal(t, "1500.00", Price(1500).String())
	assert.Equal(t, "0.50", Price(0.5).String())
}

func TestPropertyDecodesStringPrice(t *testing.T) {
	var prop Property
	require.NoError(t, json.Unmarshal([]byte(`{"id":3,"title":"Loft","price":"2100.00","type":"rent","tags":["pool"]}`), &prop))
	assert.Equal(t, int64(3), prop.ID)
	assert.Equal(t, Price(2100), prop.Price)
	assert.True(t, prop.Type.Valid())
	assert.Equal(t, []string{"pool"}, prop.Tags)
}

func TestListingTypeValid(t *testing.T) {
	assert.True(t, ListingRent.Valid())
	assert.True(t, ListingSell.Valid())
	assert.False(t, ListingType("lease").Valid())
	assert.False(t, ListingType("").Valid())
}

func TestConversationAcceptsConversationID(t *testing.T) {
	var c Conversation
	require.NoError(t, json.Unmarshal([]byte(`{"conversation_id":12,"other_user":{"id":4,"name":"Bo"}}`), &c))
	assert.Equal(t, int64(12), c.ID)
	require.NotNil(t, c.OtherUser)
	assert.Equal(t, "Bo", c.OtherUser.Name)

	require.NoError(t, json.Unmarshal([]byte(`{"id":7}`), &c))
	assert.Equal(t, int64(7), c.ID)
}

func TestTimestampUnmarshal(t *testing.T) {
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		raw  string
		want time.Time
	}{
		{`"2024-05-01T10:00:00Z"`, want},
		{`"2024-05-01T12:00:00+02:00"`, want},
		{`"2024-05-01T10:00:00.000000Z"`, want},
		{`"2024-05-01 10:00:00"`, want},
		{`1714557600`, want},
		{`"1714557600"`, want},
		{`null`, time.Time{}},
		{`""`, time.Time{}},
	}
	for _, tt := range tests {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(tt.raw), &ts), tt.raw)
		assert.True(t, tt.want.Equal(ts.Time), "%s decoded as %s", tt.raw, ts.Time)
	}

	var ts Timestamp
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}

func TestMessageDecodesDatabaseTimestamp(t *testing.T) {
	var msgs []Message
	raw := `[{"id":1,"conversation_id":2,"content":"hi","created_at":"2024-05-01 10:00:00"},{"id":2,"content":"yo","created_at":1714557600}]`
	require.NoError(t, json.Unmarshal([]byte(raw), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, 10, msgs[0].CreatedAt.Hour())
	assert.True(t, msgs[0].CreatedAt.Equal(msgs[1].CreatedAt.Time))

	out, err := json.Marshal(msgs[0])
	require.NoError(t, err)
	assert.Contains(t, string(out), `"created_at":"2024-05-01T10:00:00Z"`)
}
