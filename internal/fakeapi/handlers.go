package fakeapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"homeswipe-client/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrorResponse is the Laravel-style error envelope
type ErrorResponse struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

// respondError sends an error response
func respondError(w http.ResponseWriter, message string, statusCode int) {
	respondJSON(w, statusCode, ErrorResponse{Message: message})
}

func respondValidation(w http.ResponseWriter, field, message string) {
	respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
		Message: message,
		Errors:  map[string][]string{field: {message}},
	})
}

func respondJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func idParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

type sessionResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	User        models.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	id, ok := s.byEmail[strings.ToLower(req.Email)]
	var acct *account
	if ok {
		acct = s.accounts[id]
	}
	s.mu.Unlock()

	if acct == nil || acct.password != req.Password {
		respondError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	log.Debug().Int64("user_id", id).Msg("Fake login")
	respondJSON(w, http.StatusOK, sessionResponse{
		AccessToken: s.IssueToken(id, s.TokenTTL),
		TokenType:   "Bearer",
		User:        acct.user,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.Profile
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" || req.Name == "" {
		respondValidation(w, "email", "The name, email and password fields are required.")
		return
	}
	if req.Password != req.PasswordConfirmation {
		respondValidation(w, "password", "The password field confirmation does not match.")
		return
	}

	s.mu.Lock()
	if _, taken := s.byEmail[strings.ToLower(req.Email)]; taken {
		s.mu.Unlock()
		respondValidation(w, "email", "The email has already been taken.")
		return
	}
	u := s.addUserLocked(req)
	s.mu.Unlock()

	respondJSON(w, http.StatusCreated, sessionResponse{
		AccessToken: s.IssueToken(u.ID, s.TokenTTL),
		TokenType:   "Bearer",
		User:        u,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Revoke(bearer(r))
	respondJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	s.mu.Lock()
	u := *s.users[userID]
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	var req models.Profile
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accounts[userID]
	if req.Email != "" && !strings.EqualFold(req.Email, acct.user.Email) {
		email := strings.ToLower(req.Email)
		if _, taken := s.byEmail[email]; taken {
			respondValidation(w, "email", "The email has already been taken.")
			return
		}
		delete(s.byEmail, acct.user.Email)
		acct.user.Email = email
		s.byEmail[email] = userID
	}
	if req.Name != "" {
		acct.user.Name = req.Name
	}
	if req.City != "" {
		acct.user.City = req.City
	}
	if req.State != "" {
		acct.user.State = req.State
	}
	if req.Password != "" {
		acct.password = req.Password
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"message": "Profile updated", "user": acct.user})
}

func matchesFilters(p *models.Property, r *http.Request) bool {
	q := r.URL.Query()
	if city := q.Get("city"); city != "" && !strings.EqualFold(city, p.City) {
		return false
	}
	if t := q.Get("type"); t != "" && t != string(p.Type) {
		return false
	}
	if country := q.Get("country"); country != "" && !strings.EqualFold(country, p.Country) {
		return false
	}
	if v, err := strconv.ParseFloat(q.Get("min_price"), 64); err == nil && float64(p.Price) < v {
		return false
	}
	if v, err := strconv.ParseFloat(q.Get("max_price"), 64); err == nil && float64(p.Price) > v {
		return false
	}
	if tags := q.Get("tags"); tags != "" {
		have := make(map[string]bool, len(p.Tags))
		for _, t := range p.Tags {
			have[strings.ToLower(t)] = true
		}
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" && !have[strings.ToLower(t)] {
				return false
			}
		}
	}
	return true
}

func (s *Server) handleListProperties(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	s.mu.Lock()
	out := make([]models.Property, 0, len(s.order))
	for _, id := range s.order {
		p := s.props[id]
		if p.UserID == userID || !matchesFilters(p, r) {
			continue
		}
		out = append(out, *p)
	}
	s.mu.Unlock()

	respondJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

func (s *Server) propertiesOf(ownerID int64) []models.Property {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Property, 0)
	for _, id := range s.order {
		if p := s.props[id]; p.UserID == ownerID {
			out = append(out, *p)
		}
	}
	return out
}

func (s *Server) handleMyProperties(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.propertiesOf(userIDFrom(r.Context())))
}

func (s *Server) handleUserProperties(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		respondError(w, "invalid user id", http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": s.propertiesOf(id)})
}

func (s *Server) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		respondError(w, "invalid property id", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	p, exists := s.props[id]
	var out models.Property
	if exists {
		out = *p
	}
	s.mu.Unlock()
	if !exists {
		respondError(w, "Property not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

func (s *Server) handleCreateProperty(w http.ResponseWriter, r *http.Request) {
	var req models.Property
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		respondValidation(w, "title", "The title field is required.")
		return
	}
	if !req.Type.Valid() {
		respondValidation(w, "type", "The selected type is invalid.")
		return
	}
	p := s.AddProperty(userIDFrom(r.Context()), req)
	respondJSON(w, http.StatusCreated, map[string]interface{}{"message": "Property created", "property": p})
}

func (s *Server) handleUpdateProperty(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		respondError(w, "invalid property id", http.StatusBadRequest)
		return
	}
	var req models.Property
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, exists := s.props[id]
	if !exists {
		respondError(w, "Property not found", http.StatusNotFound)
		return
	}
	if p.UserID != userIDFrom(r.Context()) {
		respondError(w, "This action is unauthorized.", http.StatusForbidden)
		return
	}
	req.ID, req.UserID, req.User = p.ID, p.UserID, p.User
	if req.Tags == nil {
		req.Tags = []string{}
	}
	if req.Images == nil {
		req.Images = p.Images
	}
	*p = req
	respondJSON(w, http.StatusOK, map[string]interface{}{"message": "Property updated", "property": *p})
}

func (s *Server) handleDeleteProperty(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		respondError(w, "invalid property id", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, exists := s.props[id]
	if !exists {
		respondError(w, "Property not found", http.StatusNotFound)
		return
	}
	if p.UserID != userIDFrom(r.Context()) {
		respondError(w, "This action is unauthorized.", http.StatusForbidden)
		return
	}
	delete(s.props, id)
	for i, pid := range s.order {
		if pid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadImages(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, "invalid multipart body", http.StatusBadRequest)
		return
	}
	files := r.MultipartForm.File["images[]"]
	if len(files) == 0 {
		respondValidation(w, "images", "The images field is required.")
		return
	}
	paths := make([]string, 0, len(files))
	for _, fh := range files {
		paths = append(paths, fmt.Sprintf("properties/%s_%s", uuid.New().String(), fh.Filename))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"paths": paths})
}

func (s *Server) handleSwipe(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	propertyID, ok := idParam(r)
	if !ok {
		respondError(w, "invalid property id", http.StatusBadRequest)
		return
	}
	var req struct {
		IsLike *bool `json:"is_like"`
	}
	if err := decodeJSON(r, &req); err != nil || req.IsLike == nil {
		respondValidation(w, "is_like", "The is like field is required.")
		return
	}

	s.mu.Lock()
	p, exists := s.props[propertyID]
	if !exists {
		s.mu.Unlock()
		respondError(w, "Property not found", http.StatusNotFound)
		return
	}
	if p.UserID == userID {
		s.mu.Unlock()
		respondValidation(w, "property", "You cannot swipe your own property.")
		return
	}
	if s.swipes[userID] == nil {
		s.swipes[userID] = make(map[int64]bool)
	}
	wasLike := s.swipes[userID][propertyID]
	s.swipes[userID][propertyID] = *req.IsLike
	notify := *req.IsLike && !wasLike
	liker := publicUser(*s.users[userID])
	prop := *p
	if notify {
		s.unread[p.UserID]++
	}
	s.mu.Unlock()

	if notify {
		s.broadcast(fmt.Sprintf("private-user.%d", prop.UserID), "property.liked", map[string]interface{}{
			"liker":     liker,
			"property":  prop,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Swipe recorded",
		"swipe":   models.Swipe{PropertyID: propertyID, UserID: userID, IsLike: *req.IsLike},
	})
}

func (s *Server) handleListSwipes(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	s.mu.Lock()
	out := make([]models.Swipe, 0, len(s.swipes[userID]))
	for pid, like := range s.swipes[userID] {
		out = append(out, models.Swipe{PropertyID: pid, UserID: userID, IsLike: like})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PropertyID < out[j].PropertyID })
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]int{"count": s.Unread(userIDFrom(r.Context()))})
}

func (s *Server) handleMarkLikesRead(w http.ResponseWriter, r *http.Request) {
	s.SetUnread(userIDFrom(r.Context()), 0)
	respondJSON(w, http.StatusOK, map[string]string{"message": "Likes marked as read"})
}

// conversationView renders c from the point of view of userID
func (s *Server) conversationView(c *conversation, userID int64) models.Conversation {
	view := models.Conversation{ID: c.id}
	if u, ok := s.users[c.other(userID)]; ok {
		other := publicUser(*u)
		view.OtherUser = &other
	}
	if p, ok := s.props[c.propertyID]; ok {
		prop := *p
		view.Property = &prop
	}
	return view
}

func (s *Server) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	var req struct {
		OtherUserID int64 `json:"other_user_id"`
		PropertyID  int64 `json:"property_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	_, userExists := s.users[req.OtherUserID]
	_, propExists := s.props[req.PropertyID]
	if !userExists || !propExists || req.OtherUserID == userID {
		s.mu.Unlock()
		respondValidation(w, "other_user_id", "The selected match is invalid.")
		return
	}
	c := s.addConversationLocked(userID, req.OtherUserID, req.PropertyID)
	mine := s.conversationView(c, userID)
	theirs := s.conversationView(c, req.OtherUserID)
	s.mu.Unlock()

	s.broadcast(fmt.Sprintf("private-user.%d", req.OtherUserID), "NewConversation", map[string]interface{}{
		"conversation": theirs,
	})
	respondJSON(w, http.StatusCreated, map[string]interface{}{"message": "Match created", "conversation": mine})
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	s.mu.Lock()
	out := make([]models.Conversation, 0)
	for _, c := range s.convs {
		if c.has(userID) {
			out = append(out, s.conversationView(c, userID))
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

// participant returns the conversation of the request if userID takes part
func (s *Server) participant(w http.ResponseWriter, r *http.Request) (*conversation, bool) {
	id, ok := idParam(r)
	if !ok {
		respondError(w, "invalid conversation id", http.StatusBadRequest)
		return nil, false
	}
	s.mu.Lock()
	c, exists := s.convs[id]
	s.mu.Unlock()
	if !exists {
		respondError(w, "Conversation not found", http.StatusNotFound)
		return nil, false
	}
	if !c.has(userIDFrom(r.Context())) {
		respondError(w, "This action is unauthorized.", http.StatusForbidden)
		return nil, false
	}
	return c, true
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	c, ok := s.participant(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	out := append([]models.Message{}, s.messages[c.id]...)
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	c, ok := s.participant(w, r)
	if !ok {
		return
	}
	userID := userIDFrom(r.Context())
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Content) == "" {
		respondValidation(w, "content", "The content field is required.")
		return
	}

	msg := s.AddMessage(c.id, userID, req.Content)

	payload := map[string]interface{}{"message": msg}
	s.broadcast(fmt.Sprintf("private-conversation.%d", c.id), "MessageSent", payload)
	s.broadcast(fmt.Sprintf("private-user.%d", c.other(userID)), "MessageSent", payload)
	respondJSON(w, http.StatusCreated, payload)
}

// AddMessage stores a message without broadcasting it
func (s *Server) AddMessage(conversationID, senderID int64, content string) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg := models.Message{
		ID:             s.nextID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      models.Timestamp{Time: time.Now().UTC().Truncate(time.Second)},
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return msg
}

// Sign returns the channel grant for socketID on channel
func (s *Server) Sign(socketID, channel string) string {
	mac := hmac.New(sha256.New, []byte(s.AppSecret))
	mac.Write([]byte(socketID + ":" + channel))
	return s.AppKey + ":" + hex.EncodeToString(mac.Sum(nil))
}

// mayJoin reports whether userID may join a private channel
func (s *Server) mayJoin(userID int64, channel string) bool {
	name := strings.TrimPrefix(channel, "private-")
	switch {
	case strings.HasPrefix(name, "user."):
		id, err := strconv.ParseInt(strings.TrimPrefix(name, "user."), 10, 64)
		return err == nil && id == userID
	case strings.HasPrefix(name, "conversation."):
		id, err := strconv.ParseInt(strings.TrimPrefix(name, "conversation."), 10, 64)
		if err != nil {
			return false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		c, ok := s.convs[id]
		return ok && c.has(userID)
	}
	return false
}

func (s *Server) handleBroadcastAuth(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, "invalid form", http.StatusBadRequest)
		return
	}
	socketID := r.PostForm.Get("socket_id")
	channel := r.PostForm.Get("channel_name")
	if socketID == "" || channel == "" {
		respondValidation(w, "channel_name", "The socket id and channel name fields are required.")
		return
	}
	if !s.mayJoin(userIDFrom(r.Context()), channel) {
		respondError(w, "This action is unauthorized.", http.StatusForbidden)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"auth": s.Sign(socketID, channel)})
}

// broadcast publishes a logical event name under the broadcaster's wire
// spelling, and under the dotted alias too when DualEventNames is set
func (s *Server) broadcast(channel, name string, data interface{}) {
	primary := name
	if !strings.Contains(name, ".") {
		primary = `App\Events\` + name
	}
	s.hub.Publish(channel, primary, data)
	if s.DualEventNames {
		s.hub.Publish(channel, "."+name, data)
	}
}
