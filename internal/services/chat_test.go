package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"homeswipe-client/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatFixture struct {
	*harness
	me     models.User
	other  models.User
	convID int64
}

func newChatFixture(t *testing.T) *chatFixture {
	h := newHarness(t)
	me := h.fake.AddUser("Ann", "ann@example.com", "pw")
	other := h.fake.AddUser("Bob", "bob@example.com", "pw")
	prop := h.fake.AddProperty(other.ID, listing("Loft", "Austin", 1500))
	convID := h.fake.AddConversation(me.ID, other.ID, prop.ID)
	h.signIn(me)
	return &chatFixture{harness: h, me: me, other: other, convID: convID}
}

func TestChat_OpenLoadsHistory(t *testing.T) {
	f := newChatFixture(t)
	f.fake.AddMessage(f.convID, f.other.ID, "hi")
	f.fake.AddMessage(f.convID, f.me.ID, "hello")

	chat := NewChat(f.gw)
	require.NoError(t, chat.Open(context.Background(), f.convID))

	msgs := chat.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "hello", msgs[1].Content)
	assert.Equal(t, f.convID, chat.ConversationID())
}

func TestChat_SendThenRealtimeEchoKeepsOneEntry(t *testing.T) {
	f := newChatFixture(t)
	chat := NewChat(f.gw)
	ctx := context.Background()
	require.NoError(t, chat.Open(ctx, f.convID))

	sent, err := chat.Send(ctx, "  is it available?  ")
	require.NoError(t, err)
	assert.Equal(t, "is it available?", sent.Content)

	// the broadcaster echoes the same message back
	assert.False(t, chat.Merge(sent))
	require.Len(t, chat.Messages(), 1)
}

func TestChat_MergeIgnoresOtherConversations(t *testing.T) {
	f := newChatFixture(t)
	chat := NewChat(f.gw)
	require.NoError(t, chat.Open(context.Background(), f.convID))

	assert.False(t, chat.Merge(models.Message{ID: 500, ConversationID: f.convID + 1000, Content: "elsewhere"}))
	assert.True(t, chat.Merge(models.Message{ID: 501, ConversationID: f.convID, Content: "here"}))
	assert.Len(t, chat.Messages(), 1)
}

func TestChat_OpenKeepsMessagesMergedWhileLoading(t *testing.T) {
	f := newChatFixture(t)
	stored := f.fake.AddMessage(f.convID, f.other.ID, "from history")
	chat := NewChat(f.gw)
	ctx := context.Background()
	require.NoError(t, chat.Open(ctx, f.convID))

	live := models.Message{ID: stored.ID + 100, ConversationID: f.convID, Content: "live"}
	require.True(t, chat.Merge(live))

	// reopening the same conversation keeps the live message after history
	require.NoError(t, chat.Open(ctx, f.convID))
	msgs := chat.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "from history", msgs[0].Content)
	assert.Equal(t, "live", msgs[1].Content)
}

func TestChat_SendValidation(t *testing.T) {
	f := newChatFixture(t)
	chat := NewChat(f.gw)
	ctx := context.Background()

	_, err := chat.Send(ctx, "hi")
	assert.Error(t, err, "no conversation open")

	require.NoError(t, chat.Open(ctx, f.convID))
	_, err = chat.Send(ctx, "   ")
	var valErr *ValidationError
	require.True(t, errors.As(err, &valErr))
	assert.Equal(t, 0, f.fake.Hits(http.MethodPost, fmt.Sprintf("/conversations/%d/messages", f.convID)))
}

func TestChat_OpenForbidden(t *testing.T) {
	f := newChatFixture(t)
	stranger := f.fake.AddUser("Sam", "sam@example.com", "pw")
	f.signIn(stranger)

	err := NewChat(f.gw).Open(context.Background(), f.convID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
}
