package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"homeswipe-client/internal/fakeapi"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func setupClient(t *testing.T) (*fakeapi.Server, *Client) {
	t.Helper()
	fake := fakeapi.New()
	ts := httptest.NewServer(fake.Router())
	t.Cleanup(ts.Close)

	client := NewClient(Options{
		URL:            "ws" + strings.TrimPrefix(ts.URL, "http"),
		AppKey:         fakeapi.DefaultAppKey,
		ReconnectDelay: 50 * time.Millisecond,
	})
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })
	return fake, client
}

func signer(fake *fakeapi.Server) Authorizer {
	return func(ctx context.Context, socketID, channel string) (string, error) {
		return fake.Sign(socketID, channel), nil
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_SubscribeAndReceive(t *testing.T) {
	fake, client := setupClient(t)
	ctx := testContext(t)
	rec := &recorder{}

	require.NoError(t, client.Subscribe(ctx, "private-user.1", signer(fake), rec.handle))
	assert.NotEmpty(t, client.SocketID())
	assert.Equal(t, 1, fake.Hub().Subscribers("private-user.1"))

	n := fake.Hub().Publish("private-user.1", `App\Events\NewConversation`, map[string]int{"id": 5})
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool { return rec.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	e := rec.last()
	assert.Equal(t, "NewConversation", e.Name)
	assert.Equal(t, "private-user.1", e.Channel)
	assert.JSONEq(t, `{"id":5}`, string(e.Data))
}

func TestClient_DualSpellingDeliveredOnce(t *testing.T) {
	fake, client := setupClient(t)
	ctx := testContext(t)
	rec := &recorder{}
	require.NoError(t, client.Subscribe(ctx, "private-conversation.3", signer(fake), rec.handle))

	payload := map[string]interface{}{"message": map[string]interface{}{"id": 1, "content": "hi"}}
	fake.Hub().Publish("private-conversation.3", `App\Events\MessageSent`, payload)
	fake.Hub().Publish("private-conversation.3", ".MessageSent", payload)
	// a different payload is a different event
	fake.Hub().Publish("private-conversation.3", ".MessageSent", map[string]interface{}{"message": map[string]interface{}{"id": 2}})

	require.Eventually(t, func() bool { return rec.count() == 2 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, rec.count())
}

func TestClient_Unsubscribe(t *testing.T) {
	fake, client := setupClient(t)
	ctx := testContext(t)
	rec := &recorder{}
	require.NoError(t, client.Subscribe(ctx, "private-user.1", signer(fake), rec.handle))

	require.NoError(t, client.Unsubscribe("private-user.1"))
	require.NoError(t, client.Unsubscribe("private-user.1"))
	assert.Empty(t, client.Channels())

	require.Eventually(t, func() bool {
		return fake.Hub().Subscribers("private-user.1") == 0
	}, 3*time.Second, 10*time.Millisecond)
	fake.Hub().Publish("private-user.1", ".MessageSent", map[string]int{"id": 1})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestClient_SubscribeTwiceFails(t *testing.T) {
	fake, client := setupClient(t)
	ctx := testContext(t)
	require.NoError(t, client.Subscribe(ctx, "private-user.1", signer(fake), func(Event) {}))
	err := client.Subscribe(ctx, "private-user.1", signer(fake), func(Event) {})
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestClient_BadSignatureRefused(t *testing.T) {
	_, client := setupClient(t)
	ctx := testContext(t)
	bad := func(ctx context.Context, socketID, channel string) (string, error) {
		return "homeswipe:forged", nil
	}

	err := client.Subscribe(ctx, "private-user.1", bad, func(Event) {})
	var subErr *SubscriptionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, "private-user.1", subErr.Channel)
	assert.Equal(t, 401, subErr.Status)
	assert.Empty(t, client.Channels())
}

func TestClient_AuthorizerErrorReturned(t *testing.T) {
	_, client := setupClient(t)
	ctx := testContext(t)
	denied := errors.New("denied")

	err := client.Subscribe(ctx, "private-user.1", func(context.Context, string, string) (string, error) {
		return "", denied
	}, func(Event) {})
	assert.ErrorIs(t, err, denied)
	assert.Empty(t, client.Channels())
}

func TestClient_ResubscribesAfterReconnect(t *testing.T) {
	fake, client := setupClient(t)
	ctx := testContext(t)
	rec := &recorder{}
	require.NoError(t, client.Subscribe(ctx, "private-user.1", signer(fake), rec.handle))
	firstSocket := client.SocketID()

	fake.Hub().DropAll()

	require.Eventually(t, func() bool {
		id := client.SocketID()
		return id != "" && id != firstSocket && fake.Hub().Subscribers("private-user.1") == 1
	}, 3*time.Second, 10*time.Millisecond)

	attempt := 0
	require.Eventually(t, func() bool {
		attempt++
		fake.Hub().Publish("private-user.1", ".NewConversation", map[string]int{"id": attempt})
		return rec.count() > 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestClient_CloseStopsSubscribe(t *testing.T) {
	fake, client := setupClient(t)
	require.NoError(t, client.Close())

	err := client.Subscribe(context.Background(), "private-user.1", signer(fake), func(Event) {})
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, client.Close())
}

func TestClient_SubscribedDropsRefusedRejoin(t *testing.T) {
	fake, client := setupClient(t)
	ctx := testContext(t)
	rec := &recorder{}

	require.NoError(t, client.Subscribe(ctx, "private-user.1", signer(fake), rec.handle))
	assert.True(t, client.Subscribed("private-user.1"))
	assert.False(t, client.Subscribed("private-user.2"))

	fake.Hub().Refuse("private-user.1")
	fake.Hub().DropAll()

	require.Eventually(t, func() bool {
		return !client.Subscribed("private-user.1")
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, client.Channels())
}

func TestClient_RepeatedConnectionEstablishedIgnored(t *testing.T) {
	var upgrader websocket.Upgrader
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, id := range []string{"1.1", "2.2"} {
			conn.WriteJSON(map[string]string{
				"event": "pusher:connection_established",
				"data":  `{"socket_id":"` + id + `","activity_timeout":120}`,
			})
		}
		for {
			var f struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Event != "pusher:subscribe" {
				continue
			}
			var req struct {
				Channel string `json:"channel"`
			}
			json.Unmarshal(f.Data, &req)
			conn.WriteJSON(map[string]string{
				"event":   "pusher_internal:subscription_succeeded",
				"channel": req.Channel,
				"data":    "{}",
			})
		}
	}))
	t.Cleanup(ts.Close)

	client := NewClient(Options{
		URL:            "ws" + strings.TrimPrefix(ts.URL, "http"),
		AppKey:         "homeswipe",
		ReconnectDelay: 50 * time.Millisecond,
	})
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })

	noAuth := func(ctx context.Context, socketID, channel string) (string, error) { return "", nil }
	require.NoError(t, client.Subscribe(testContext(t), "listings", noAuth, (&recorder{}).handle))
	assert.Equal(t, "1.1", client.SocketID())
}
