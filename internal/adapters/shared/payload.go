// Package shared holds helpers used by multiple relay adapters: payload
// text extraction, stream event recognition, and status tracking.
package shared

import (
	json "github.com/goccy/go-json"
)

// UnserializablePlaceholder is returned when a payload cannot be rendered as
// text, e.g. a structure with a circular reference.
const UnserializablePlaceholder = "[unserializable payload]"

// ExtractText renders an opaque envelope payload as human-readable text.
// Strings pass through; objects prefer a string "content" field, then a
// string "text" field; anything else is serialized structurally, falling
// back to a fixed placeholder when serialization fails.
func ExtractText(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		if content, ok := v["content"].(string); ok {
			return content
		}
		if text, ok := v["text"].(string); ok {
			return text
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return UnserializablePlaceholder
	}
	return string(data)
}

// Stream event type names used by the agent-session streaming contract.
const (
	StreamEventTextDelta = "text_delta"
	StreamEventError     = "error"
)

// silentEventTypes lists status/lifecycle/tool-call events that carry no
// user-visible text; adapters skip announcing them.
var silentEventTypes = map[string]struct{}{
	"status":          {},
	"keepalive":       {},
	"session.started": {},
	"session.ended":   {},
	"tool.call":       {},
	"tool.result":     {},
}

// SilentEventType reports whether the stream event type carries no
// user-visible text.
func SilentEventType(eventType string) bool {
	_, ok := silentEventTypes[eventType]
	return ok
}

// StreamEventText recognizes the stream-event shape: an object with a string
// "type" and a "data" field. It extracts a text-delta's text or an error
// event's message. The second return is false on any shape mismatch.
func StreamEventText(payload any) (string, bool) {
	event, ok := payload.(map[string]any)
	if !ok {
		return "", false
	}
	eventType, ok := event["type"].(string)
	if !ok {
		return "", false
	}
	data, ok := event["data"]
	if !ok {
		return "", false
	}

	fields, _ := data.(map[string]any)
	switch eventType {
	case StreamEventTextDelta:
		if text, ok := fields["text"].(string); ok {
			return text, true
		}
	case StreamEventError:
		if message, ok := fields["message"].(string); ok {
			return message, true
		}
	}
	return "", false
}
