package services

import (
	"net/http/httptest"
	"testing"
	"time"

	"homeswipe-client/internal/fakeapi"
	"homeswipe-client/internal/models"
	"homeswipe-client/internal/repository"

	"github.com/stretchr/testify/require"
)

type harness struct {
	fake    *fakeapi.Server
	ts      *httptest.Server
	session *Session
	gw      *Gateway
	storage *repository.SQLiteStore
	store   *SessionStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fake := fakeapi.New()
	ts := httptest.NewServer(fake.Router())
	t.Cleanup(ts.Close)

	storage, err := repository.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	session := NewSession()
	gw := NewGateway(ts.URL+"/api", 5*time.Second, session)
	return &harness{
		fake:    fake,
		ts:      ts,
		session: session,
		gw:      gw,
		storage: storage,
		store:   NewSessionStore(gw, session, storage),
	}
}

// signIn puts a valid token for u into the session without a login call
func (h *harness) signIn(u models.User) string {
	token := h.fake.IssueToken(u.ID, time.Hour)
	h.session.set(token, &u)
	return token
}

func (h *harness) wsURL() string {
	return "ws" + h.ts.URL[len("http"):]
}

func listing(title, city string, price float64, images ...string) models.Property {
	return models.Property{
		Title:  title,
		City:   city,
		Price:  models.Price(price),
		Type:   models.ListingRent,
		Images: images,
	}
}

// eventually polls cond until it holds or the timeout elapses
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}

// within fails the test when fn does not return within d
func within(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("call did not return within %s", d)
	}
}
