package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const maxResponseBytes = 8 << 20

// publicPaths never carry the bearer token and never tear down the session
var publicPaths = map[string]bool{
	"/login":    true,
	"/register": true,
}

// nonCriticalPaths may answer 401 without ending the session
var nonCriticalPaths = []string{
	"/unread-likes-count",
	"/mark-likes-as-read",
	"/mark-as-read",
}

// Request describes one backend call
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    interface{}
	Form    url.Values
	Headers map[string]string
}

// UploadFile is one file part of a multipart upload
type UploadFile struct {
	Name   string
	Reader io.Reader
}

// Gateway wraps outbound REST calls with the bearer token, uniform JSON
// parsing and the 401 policy
type Gateway struct {
	baseURL string
	client  *http.Client
	session *Session

	mu             sync.RWMutex
	onUnauthorized func(path string)
}

// NewGateway creates a gateway for baseURL reading the token from session
func NewGateway(baseURL string, timeout time.Duration, session *Session) *Gateway {
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		session: session,
	}
}

// SetUnauthorizedHandler registers fn to run when a critical endpoint
// answers 401
func (g *Gateway) SetUnauthorizedHandler(fn func(path string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onUnauthorized = fn
}

// Get performs a GET and decodes the response into out
func (g *Gateway) Get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return g.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query}, out)
}

// Post performs a JSON POST and decodes the response into out
func (g *Gateway) Post(ctx context.Context, path string, body, out interface{}) error {
	return g.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

// Put performs a JSON PUT and decodes the response into out
func (g *Gateway) Put(ctx context.Context, path string, body, out interface{}) error {
	return g.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body}, out)
}

// Delete performs a DELETE
func (g *Gateway) Delete(ctx context.Context, path string, out interface{}) error {
	return g.Do(ctx, Request{Method: http.MethodDelete, Path: path}, out)
}

// Do performs req and decodes a JSON response into out (which may be nil)
func (g *Gateway) Do(ctx context.Context, req Request, out interface{}) error {
	return g.do(ctx, req, out, false)
}

// doQuiet is Do without the session teardown on 401. The session store uses
// it for calls whose failure it handles itself.
func (g *Gateway) doQuiet(ctx context.Context, req Request, out interface{}) error {
	return g.do(ctx, req, out, true)
}

func (g *Gateway) do(ctx context.Context, req Request, out interface{}, quiet bool) error {
	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.Body != nil:
		data, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return g.send(ctx, method, req.Path, req.Query, body, contentType, req.Headers, out, quiet)
}

// Upload posts files as multipart form data under the images[] field
func (g *Gateway) Upload(ctx context.Context, path string, files []UploadFile, out interface{}) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := mw.CreateFormFile("images[]", f.Name)
		if err != nil {
			return fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := io.Copy(part, f.Reader); err != nil {
			return fmt.Errorf("failed to copy %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return g.send(ctx, http.MethodPost, path, nil, &buf, mw.FormDataContentType(), nil, out, false)
}

func (g *Gateway) send(
	ctx context.Context,
	method, path string,
	query url.Values,
	body io.Reader,
	contentType string,
	headers map[string]string,
	out interface{},
	quiet bool,
) error {
	target := g.baseURL + path
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		target = path
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.New().String())
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if !publicPaths[path] {
		if token := g.session.Token(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &NetworkError{Op: "read " + path, Err: err}
	}

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("API call")

	return g.handleResponse(path, resp.StatusCode, data, out, quiet)
}

// errorBody is the Laravel-style error envelope
type errorBody struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

func (g *Gateway) handleResponse(path string, status int, data []byte, out interface{}, quiet bool) error {
	trimmed := bytes.TrimSpace(data)
	validJSON := len(trimmed) == 0 || json.Valid(trimmed)

	if status == http.StatusUnauthorized {
		authErr := &AuthError{Status: status, Message: "Unauthenticated."}
		var eb errorBody
		if validJSON && len(trimmed) > 0 && json.Unmarshal(trimmed, &eb) == nil && eb.Message != "" {
			authErr.Message = eb.Message
		}
		if !quiet && !publicPaths[path] && !isNonCritical(path) {
			log.Warn().Str("path", path).Msg("Session rejected by critical endpoint")
			g.mu.RLock()
			fn := g.onUnauthorized
			g.mu.RUnlock()
			if fn != nil {
				fn(path)
			}
		}
		return authErr
	}

	if status < 200 || status > 299 {
		apiErr := &APIError{Status: status, Message: genericMessage(status), ParseError: !validJSON}
		var eb errorBody
		if validJSON && len(trimmed) > 0 && json.Unmarshal(trimmed, &eb) == nil {
			if eb.Message != "" {
				apiErr.Message = eb.Message
			}
			apiErr.Fields = eb.Errors
		}
		return apiErr
	}

	if !validJSON {
		return &APIError{Status: status, ParseError: true}
	}
	if out == nil || len(trimmed) == 0 {
		return nil
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return &APIError{Status: status, ParseError: true, Message: fmt.Sprintf("failed to decode response: %v", err)}
	}
	return nil
}

func isNonCritical(path string) bool {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for _, p := range nonCriticalPaths {
		if path == p || strings.HasPrefix(path, p+"/") || strings.HasSuffix(path, p) {
			return true
		}
	}
	return false
}

// decodeList accepts either a bare JSON array or a {"data": [...]} envelope
func decodeList[T any](raw json.RawMessage) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var items []T
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("failed to decode list: %w", err)
		}
		return items, nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode list envelope: %w", err)
	}
	if len(envelope.Data) == 0 {
		return nil, nil
	}
	return decodeList[T](envelope.Data)
}

// decodeObject accepts either the bare object or a {key: {...}} envelope
func decodeObject[T any](raw json.RawMessage, key string) (T, error) {
	var zero, out T
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return zero, fmt.Errorf("empty response")
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if inner, ok := envelope[key]; ok && len(inner) > 0 && inner[0] == '{' {
			raw = inner
		}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return out, nil
}
