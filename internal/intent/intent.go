// Package intent defines the structured command intent the language
// model produces, and the parser that extracts it from a raw model
// reply.
package intent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Intent is the model's structured reading of one spoken command.
type Intent struct {
	User         string   `json:"user"`
	InferredRoom string   `json:"inferred_room"`
	Actions      []Action `json:"actions"`
}

// Action is one device operation within an intent. DeviceType is the
// hub domain ("light"), Action the service name ("turn_on").
type Action struct {
	DeviceType string         `json:"device_type"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	EntityID   EntityIDs      `json:"entity_id,omitempty"`
}

// EntityIDs decodes the entity_id field a model emits as either a bare
// string or a list of strings. Absent means empty.
type EntityIDs []string

// UnmarshalJSON accepts "light.lamp", ["light.a", "light.b"], or null.
func (e *EntityIDs) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*e = EntityIDs{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("entity_id is neither string nor list: %s", data)
	}
	*e = EntityIDs(many)
	return nil
}

// MarshalJSON emits a bare string for a single ID, a list otherwise.
func (e EntityIDs) MarshalJSON() ([]byte, error) {
	if len(e) == 1 {
		return json.Marshal(e[0])
	}
	return json.Marshal([]string(e))
}

// ParseError reports a model reply that did not contain a usable
// intent.
type ParseError struct {
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return "parse intent: " + e.Reason
}

// ParseReply extracts an Intent from a raw model reply. Markdown fences
// are stripped when the reply is wrapped in one; otherwise the text
// between the first '{' and the last '}' is taken, tolerating prose the
// model emits despite instructions. A reply with no JSON object, invalid
// JSON, or no actions field fails with a *ParseError.
func ParseReply(raw string) (*Intent, error) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return nil, &ParseError{Reason: "empty reply", Raw: raw}
	}

	switch {
	case strings.HasPrefix(cleaned, "```json") && strings.HasSuffix(cleaned, "```"):
		cleaned = strings.TrimSpace(cleaned[7 : len(cleaned)-3])
	case strings.HasPrefix(cleaned, "```") && strings.HasSuffix(cleaned, "```"):
		cleaned = strings.TrimSpace(cleaned[3 : len(cleaned)-3])
	}

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil, &ParseError{Reason: "no JSON object found", Raw: raw}
	}
	cleaned = cleaned[start : end+1]

	// Probe for the actions key before decoding into the struct, so a
	// valid-but-unrelated JSON object is rejected rather than decoded
	// into an empty intent.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &probe); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("invalid JSON: %v", err), Raw: raw}
	}
	if _, ok := probe["actions"]; !ok {
		return nil, &ParseError{Reason: "missing actions field", Raw: raw}
	}

	var in Intent
	if err := json.Unmarshal([]byte(cleaned), &in); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("invalid intent: %v", err), Raw: raw}
	}
	return &in, nil
}
