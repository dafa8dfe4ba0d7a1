package intent

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseReplyPlain(t *testing.T) {
	raw := `{"user": "Dave", "inferred_room": "kitchen", "actions": [{"device_type": "light", "action": "turn_on", "parameters": {"entity_id": "light.kitchen"}}]}`

	in, err := ParseReply(raw)
	if err != nil {
		t.Fatalf("ParseReply() error: %v", err)
	}
	if in.User != "Dave" || in.InferredRoom != "kitchen" {
		t.Errorf("intent = %+v", in)
	}
	if len(in.Actions) != 1 || in.Actions[0].Action != "turn_on" {
		t.Errorf("actions = %+v", in.Actions)
	}
}

func TestParseReplyFenced(t *testing.T) {
	for _, raw := range []string{
		"```json\n{\"actions\": []}\n```",
		"```\n{\"actions\": []}\n```",
	} {
		in, err := ParseReply(raw)
		if err != nil {
			t.Fatalf("ParseReply(%q) error: %v", raw, err)
		}
		if in.Actions == nil {
			t.Errorf("ParseReply(%q) actions nil", raw)
		}
	}
}

func TestParseReplySurroundingProse(t *testing.T) {
	raw := "Sure! Here is the intent you asked for:\n{\"actions\": [{\"device_type\": \"light\", \"action\": \"turn_off\"}]}\nLet me know if you need anything else."

	in, err := ParseReply(raw)
	if err != nil {
		t.Fatalf("ParseReply() error: %v", err)
	}
	if len(in.Actions) != 1 || in.Actions[0].Action != "turn_off" {
		t.Errorf("actions = %+v", in.Actions)
	}
}

func TestParseReplyFailures(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"no json":        "I can't help with that.",
		"invalid json":   "{actions: broken}",
		"missing action": `{"user": "Dave"}`,
	}

	for name, raw := range cases {
		_, err := ParseReply(raw)
		if err == nil {
			t.Errorf("%s: ParseReply(%q) should fail", name, raw)
			continue
		}
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Errorf("%s: error = %T, want *ParseError", name, err)
		}
	}
}

func TestEntityIDsDecoding(t *testing.T) {
	var a Action
	if err := json.Unmarshal([]byte(`{"entity_id": "light.lamp"}`), &a); err != nil {
		t.Fatalf("unmarshal string form: %v", err)
	}
	if len(a.EntityID) != 1 || a.EntityID[0] != "light.lamp" {
		t.Errorf("EntityID = %+v", a.EntityID)
	}

	if err := json.Unmarshal([]byte(`{"entity_id": ["light.a", "light.b"]}`), &a); err != nil {
		t.Fatalf("unmarshal list form: %v", err)
	}
	if len(a.EntityID) != 2 {
		t.Errorf("EntityID = %+v", a.EntityID)
	}

	if err := json.Unmarshal([]byte(`{}`), &a); err != nil {
		t.Fatalf("unmarshal absent form: %v", err)
	}

	if err := json.Unmarshal([]byte(`{"entity_id": 42}`), &a); err == nil {
		t.Error("numeric entity_id should fail to decode")
	}
}

func TestEntityIDsRoundTrip(t *testing.T) {
	one := EntityIDs{"light.lamp"}
	raw, err := json.Marshal(one)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `"light.lamp"` {
		t.Errorf("single ID marshals to %s, want bare string", raw)
	}

	many := EntityIDs{"light.a", "light.b"}
	raw, err = json.Marshal(many)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `["light.a","light.b"]` {
		t.Errorf("list marshals to %s", raw)
	}
}
