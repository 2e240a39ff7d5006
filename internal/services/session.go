package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"homeswipe-client/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Session is the process-wide authentication state. Any component may read
// it; only SessionStore mutates it.
type Session struct {
	mu    sync.RWMutex
	token string
	user  *models.User
}

// NewSession creates an empty, unauthenticated session
func NewSession() *Session {
	return &Session{}
}

// Token returns the bearer token, or "" when signed out
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// User returns a copy of the current user record, or nil
func (s *Session) User() *models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// IsAuthenticated reports whether a token is held
func (s *Session) IsAuthenticated() bool {
	return s.Token() != ""
}

func (s *Session) set(token string, user *models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.user = user
}

func (s *Session) clear() {
	s.set("", nil)
}

// SessionStorage persists the session between runs
type SessionStorage interface {
	SaveSession(ctx context.Context, token string, user *models.User) error
	LoadSession(ctx context.Context) (string, *models.User, error)
	Clear(ctx context.Context) error
}

// SessionStore owns the session lifecycle: init-on-load, login, register,
// logout and teardown on 401
type SessionStore struct {
	gw      *Gateway
	session *Session
	storage SessionStorage

	mu        sync.Mutex
	listeners []func(expired bool)
}

// NewSessionStore creates a session store and installs its teardown as the
// gateway's unauthorized handler
func NewSessionStore(gw *Gateway, session *Session, storage SessionStorage) *SessionStore {
	s := &SessionStore{
		gw:      gw,
		session: session,
		storage: storage,
	}
	gw.SetUnauthorizedHandler(s.expire)
	return s
}

// OnSignedOut registers fn to run after the session ends. expired is true
// when a critical endpoint rejected the token.
func (s *SessionStore) OnSignedOut(fn func(expired bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Init restores a persisted session. An expired or rejected token is
// cleared silently; a network failure keeps the cached session.
func (s *SessionStore) Init(ctx context.Context) error {
	token, user, err := s.storage.LoadSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if token == "" {
		return nil
	}
	if tokenExpired(token, time.Now()) {
		log.Info().Msg("Persisted token expired, clearing session")
		s.clearLocal(ctx)
		return nil
	}

	s.session.set(token, user)

	fresh, err := s.fetchUser(ctx)
	if err != nil {
		var netErr *NetworkError
		if errors.As(err, &netErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Err(err).Msg("Could not refresh user, keeping cached session")
			return nil
		}
		log.Info().Err(err).Msg("Persisted session rejected, clearing")
		s.clearLocal(ctx)
		return nil
	}

	s.session.set(token, fresh)
	if err := s.storage.SaveSession(ctx, token, fresh); err != nil {
		log.Error().Err(err).Msg("Failed to persist refreshed user")
	}
	return nil
}

// Login signs in with email and password
func (s *SessionStore) Login(ctx context.Context, email, password string) (*models.User, error) {
	v := newValidationError()
	v.require("email", email)
	v.require("password", password)
	if err := v.orNil(); err != nil {
		return nil, err
	}

	var resp models.Session
	payload := map[string]string{"email": strings.TrimSpace(email), "password": password}
	if err := s.gw.Post(ctx, "/login", payload, &resp); err != nil {
		return nil, asAuthError(err)
	}
	return s.establish(ctx, resp)
}

// Register creates an account and signs in
func (s *SessionStore) Register(ctx context.Context, profile models.Profile) (*models.User, error) {
	v := newValidationError()
	v.require("name", profile.Name)
	v.require("email", profile.Email)
	v.require("password", profile.Password)
	if profile.PasswordConfirmation != "" && profile.PasswordConfirmation != profile.Password {
		v.Fields["password_confirmation"] = "does not match"
	}
	if err := v.orNil(); err != nil {
		return nil, err
	}
	if profile.PasswordConfirmation == "" {
		profile.PasswordConfirmation = profile.Password
	}

	var resp models.Session
	if err := s.gw.Post(ctx, "/register", profile, &resp); err != nil {
		return nil, asAuthError(err)
	}
	return s.establish(ctx, resp)
}

// Logout revokes the token (best-effort) and always clears local state
func (s *SessionStore) Logout(ctx context.Context) {
	if s.session.IsAuthenticated() {
		req := Request{Method: http.MethodPost, Path: "/logout"}
		if err := s.gw.doQuiet(ctx, req, nil); err != nil {
			log.Warn().Err(err).Msg("Token revoke failed, clearing session anyway")
		}
	}
	s.clearLocal(ctx)
	s.notify(false)
	log.Info().Msg("Signed out")
}

// CurrentUser returns the signed-in user, or nil
func (s *SessionStore) CurrentUser() *models.User {
	return s.session.User()
}

// IsAuthenticated reports whether a session is active
func (s *SessionStore) IsAuthenticated() bool {
	return s.session.IsAuthenticated()
}

// Session exposes the shared read-only session
func (s *SessionStore) Session() *Session {
	return s.session
}

// UpdateProfile saves profile changes and refreshes the stored user
func (s *SessionStore) UpdateProfile(ctx context.Context, profile models.Profile) (*models.User, error) {
	v := newValidationError()
	v.require("name", profile.Name)
	v.require("email", profile.Email)
	if err := v.orNil(); err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := s.gw.Put(ctx, "/user/profile", profile, &raw); err != nil {
		return nil, err
	}
	user, err := decodeObject[models.User](raw, "user")
	if err != nil {
		return nil, &APIError{Status: http.StatusOK, ParseError: true, Message: err.Error()}
	}

	token := s.session.Token()
	s.session.set(token, &user)
	if err := s.storage.SaveSession(ctx, token, &user); err != nil {
		return nil, fmt.Errorf("failed to persist profile: %w", err)
	}
	return &user, nil
}

func (s *SessionStore) establish(ctx context.Context, resp models.Session) (*models.User, error) {
	if resp.Token == "" {
		return nil, &AuthError{Status: http.StatusOK, Message: "response did not include an access token"}
	}

	s.session.set(resp.Token, resp.User)
	user := resp.User
	if user == nil {
		fetched, err := s.fetchUser(ctx)
		if err != nil {
			s.session.clear()
			return nil, err
		}
		user = fetched
		s.session.set(resp.Token, user)
	}

	if err := s.storage.SaveSession(ctx, resp.Token, user); err != nil {
		s.session.clear()
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	log.Info().Int64("user_id", user.ID).Msg("Signed in")
	u := *user
	return &u, nil
}

func (s *SessionStore) fetchUser(ctx context.Context) (*models.User, error) {
	var raw json.RawMessage
	if err := s.gw.doQuiet(ctx, Request{Method: http.MethodGet, Path: "/user"}, &raw); err != nil {
		return nil, err
	}
	user, err := decodeObject[models.User](raw, "user")
	if err != nil {
		return nil, &APIError{Status: http.StatusOK, ParseError: true, Message: err.Error()}
	}
	return &user, nil
}

// expire is the gateway's unauthorized handler
func (s *SessionStore) expire(path string) {
	if !s.session.IsAuthenticated() {
		return
	}
	log.Warn().Str("path", path).Msg("Session expired, signing out")
	s.clearLocal(context.Background())
	s.notify(true)
}

func (s *SessionStore) clearLocal(ctx context.Context) {
	s.session.clear()
	if err := s.storage.Clear(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to clear persisted session")
	}
}

func (s *SessionStore) notify(expired bool) {
	s.mu.Lock()
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(expired)
	}
}

func asAuthError(err error) error {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
		return &AuthError{Status: apiErr.Status, Message: apiErr.Message}
	}
	return err
}

// tokenExpired reports whether token is a JWT whose exp claim has passed.
// Opaque tokens are never considered expired here.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}
