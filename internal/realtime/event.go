package realtime

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
)

// Event is one server-pushed event with its name already normalized
type Event struct {
	Channel string
	Name    string
	Data    json.RawMessage
}

// frame is the Pusher wire envelope
type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NormalizeEventName maps the compatibility spellings of an event onto one
// logical name: ".MessageSent" and "App\\Events\\MessageSent" both become
// "MessageSent".
func NormalizeEventName(name string) string {
	name = strings.TrimPrefix(name, ".")
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// unwrapData returns the event payload as raw JSON. Pusher sends data as a
// JSON-encoded string; some servers send the object directly.
func unwrapData(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return raw
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return raw
	}
	inner := bytes.TrimSpace([]byte(s))
	if json.Valid(inner) {
		return inner
	}
	// plain string payload, keep it as a JSON string
	return raw
}

const dedupeWindow = 128

// deduper remembers the most recent event keys per channel
type deduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

func newDeduper() *deduper {
	return &deduper{
		seen: make(map[string]struct{}, dedupeWindow),
		ring: make([]string, dedupeWindow),
	}
}

// firstSeen records key and reports whether it had not been seen within
// the window
func (d *deduper) firstSeen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = key
	d.seen[key] = struct{}{}
	d.next = (d.next + 1) % len(d.ring)
	return true
}

func eventKey(e Event) string {
	return e.Channel + "\x00" + e.Name + "\x00" + string(compactJSON(e.Data))
}

func compactJSON(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
