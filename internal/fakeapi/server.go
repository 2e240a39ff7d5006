// Package fakeapi is an in-process double of the listings backend: the REST
// API under /api and a Pusher-compatible websocket under /app/{key}. Tests
// and local demos run the client against it.
package fakeapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"homeswipe-client/internal/models"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Default credentials of the fake broadcaster
const (
	DefaultAppKey    = "homeswipe"
	DefaultAppSecret = "homeswipe-secret"
)

type account struct {
	user     models.User
	password string
}

type conversation struct {
	id         int64
	userA      int64
	userB      int64
	propertyID int64
}

func (c *conversation) has(userID int64) bool {
	return c.userA == userID || c.userB == userID
}

func (c *conversation) other(userID int64) int64 {
	if c.userA == userID {
		return c.userB
	}
	return c.userA
}

type failure struct {
	status int
	body   string
	times  int
}

// Server holds the fake backend state. The zero value is not usable; call New.
type Server struct {
	AppKey    string
	AppSecret string
	JWTSecret string
	TokenTTL  time.Duration
	// DualEventNames publishes each event under both the dotted and the
	// namespaced spelling, as some broadcasters do
	DualEventNames bool

	mu       sync.Mutex
	nextID   int64
	accounts map[int64]*account
	users    map[int64]*models.User
	byEmail  map[string]int64
	props    map[int64]*models.Property
	order    []int64
	swipes   map[int64]map[int64]bool // user -> property -> is_like
	convs    map[int64]*conversation
	messages map[int64][]models.Message
	unread   map[int64]int
	revoked  map[string]bool
	failures map[string]*failure
	hits     map[string]int

	hub *Hub
}

// New creates an empty backend
func New() *Server {
	s := &Server{
		AppKey:    DefaultAppKey,
		AppSecret: DefaultAppSecret,
		JWTSecret: "fake-jwt-secret",
		TokenTTL:  24 * time.Hour,
		accounts:  make(map[int64]*account),
		users:     make(map[int64]*models.User),
		byEmail:   make(map[string]int64),
		props:     make(map[int64]*models.Property),
		swipes:    make(map[int64]map[int64]bool),
		convs:     make(map[int64]*conversation),
		messages:  make(map[int64][]models.Message),
		unread:    make(map[int64]int),
		revoked:   make(map[string]bool),
		failures:  make(map[string]*failure),
		hits:      make(map[string]int),
	}
	s.hub = newHub(s)
	return s
}

// Router returns the HTTP handler serving both REST and websocket
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.countAndFail)

	r.Get("/app/{key}", s.hub.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/register", s.handleRegister)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/logout", s.handleLogout)
			r.Get("/user", s.handleGetUser)
			r.Put("/user/profile", s.handleUpdateProfile)
			r.Get("/user/properties", s.handleMyProperties)
			r.Get("/users/{id}/properties", s.handleUserProperties)

			r.Get("/properties", s.handleListProperties)
			r.Post("/properties", s.handleCreateProperty)
			r.Get("/properties/{id}", s.handleGetProperty)
			r.Put("/properties/{id}", s.handleUpdateProperty)
			r.Delete("/properties/{id}", s.handleDeleteProperty)
			r.Post("/upload-images", s.handleUploadImages)

			r.Post("/swipe/{id}", s.handleSwipe)
			r.Get("/swipes", s.handleListSwipes)

			r.Get("/unread-likes-count", s.handleUnreadCount)
			r.Post("/mark-likes-as-read", s.handleMarkLikesRead)

			r.Post("/create-match", s.handleCreateMatch)
			r.Get("/matches", s.handleMatches)
			r.Get("/conversations/{id}/messages", s.handleListMessages)
			r.Post("/conversations/{id}/messages", s.handleSendMessage)

			r.Post("/broadcasting/auth", s.handleBroadcastAuth)
		})
	})

	return r
}

// Hub returns the websocket broadcaster
func (s *Server) Hub() *Hub {
	return s.hub
}

// FailNext makes the next call to method path (relative to /api) answer
// status with body
func (s *Server) FailNext(method, path string, status int, body string) {
	s.Fail(method, path, status, body, 1)
}

// Fail makes the next times calls to method path answer status with body.
// times <= 0 fails until ClearFailures.
func (s *Server) Fail(method, path string, status int, body string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[failureKey(method, "/api"+path)] = &failure{status: status, body: body, times: times}
}

// ClearFailures removes all injected failures
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string]*failure)
}

// Hits returns how many requests reached method path (relative to /api)
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[failureKey(method, "/api"+path)]
}

func failureKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// countAndFail records hits and short-circuits injected failures
func (s *Server) countAndFail(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := failureKey(r.Method, r.URL.Path)

		s.mu.Lock()
		s.hits[key]++
		f, ok := s.failures[key]
		if ok && f.times > 0 {
			f.times--
			if f.times == 0 {
				delete(s.failures, key)
			}
		}
		s.mu.Unlock()

		if ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.status)
			w.Write([]byte(f.body))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AddUser registers an account directly and returns its record
func (s *Server) AddUser(name, email, password string) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(models.Profile{Name: name, Email: email, Password: password})
}

func (s *Server) addUserLocked(p models.Profile) models.User {
	s.nextID++
	u := models.User{ID: s.nextID, Name: p.Name, Email: strings.ToLower(p.Email), City: p.City, State: p.State}
	s.accounts[u.ID] = &account{user: u, password: p.Password}
	s.users[u.ID] = &s.accounts[u.ID].user
	s.byEmail[u.Email] = u.ID
	return u
}

// AddProperty stores a listing owned by ownerID and returns it with its id
func (s *Server) AddProperty(ownerID int64, p models.Property) models.Property {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addPropertyLocked(ownerID, p)
}

func (s *Server) addPropertyLocked(ownerID int64, p models.Property) models.Property {
	s.nextID++
	p.ID = s.nextID
	p.UserID = ownerID
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if p.Images == nil {
		p.Images = []string{}
	}
	if owner, ok := s.users[ownerID]; ok {
		u := publicUser(*owner)
		p.User = &u
	}
	stored := p
	s.props[p.ID] = &stored
	s.order = append(s.order, p.ID)
	return p
}

// AddConversation creates a match between two users on a property
func (s *Server) AddConversation(userA, userB, propertyID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addConversationLocked(userA, userB, propertyID).id
}

func (s *Server) addConversationLocked(userA, userB, propertyID int64) *conversation {
	for _, c := range s.convs {
		if c.propertyID == propertyID && c.has(userA) && c.has(userB) {
			return c
		}
	}
	s.nextID++
	c := &conversation{id: s.nextID, userA: userA, userB: userB, propertyID: propertyID}
	s.convs[c.id] = c
	return c
}

// Revoke invalidates token as if it were logged out elsewhere
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[token] = true
}

// Unread returns the server-side unread like count of userID
func (s *Server) Unread(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[userID]
}

// SetUnread overrides the server-side unread like count of userID
func (s *Server) SetUnread(userID int64, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[userID] = n
}

func publicUser(u models.User) models.User {
	return models.User{ID: u.ID, Name: u.Name, City: u.City, State: u.State}
}
