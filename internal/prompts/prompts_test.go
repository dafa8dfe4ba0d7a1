package prompts

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/vestahome/vesta/internal/catalog"
	"github.com/vestahome/vesta/internal/convo"
	"github.com/vestahome/vesta/internal/daypart"
	"github.com/vestahome/vesta/internal/learning"
)

func baseRequest() Request {
	return Request{
		Transcript: "turn on the kitchen lights",
		User:       "Dave",
		Devices: []catalog.Device{
			{EntityID: "light.kitchen", Name: "Kitchen Light", Domain: "light", Area: "Kitchen"},
		},
		Areas: []catalog.Area{
			{AreaID: "kitchen", Name: "Kitchen"},
		},
		Day: daypart.At(time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC)),
	}
}

func TestTranscriptAppearsExactlyOnce(t *testing.T) {
	prompt := BuildCommandPrompt(baseRequest())

	n := strings.Count(prompt, `"turn on the kitchen lights"`)
	if n != 1 {
		t.Errorf("transcript appears %d times, want 1", n)
	}
	if !strings.Contains(prompt, "THIS EXACT COMMAND") {
		t.Error("do-not-alter instruction missing")
	}
}

func TestPlainCommandHasNoContextSection(t *testing.T) {
	req := baseRequest()
	req.Ctx = convo.Context{
		LastTranscript: "previous thing",
		LastDevices:    []string{"light.lamp"},
		LastResult:     "success",
	}

	prompt := BuildCommandPrompt(req)
	if strings.Contains(prompt, "Previous devices controlled") {
		t.Error("context section included without a cue")
	}
	if strings.Contains(prompt, "previous thing") {
		t.Error("previous transcript leaked into a plain command prompt")
	}
}

func TestAdjustmentIncludesLastDevices(t *testing.T) {
	req := baseRequest()
	req.Transcript = "make it brighter"
	req.Adjustment = true
	req.Pronoun = true
	req.Ctx = convo.Context{
		LastDevices:    []string{"light.lamp"},
		LastAction:     "light.turn_on",
		LastParameters: map[string]any{"brightness": 128},
		LastResult:     "success",
	}

	prompt := BuildCommandPrompt(req)
	if !strings.Contains(prompt, "Previous devices controlled: light.lamp") {
		t.Error("last devices missing from adjustment prompt")
	}
	if !strings.Contains(prompt, "Previous action: light.turn_on") {
		t.Error("last action missing")
	}
	if !strings.Contains(prompt, "ALWAYS use the last device(s) controlled") {
		t.Error("pronoun steering instruction missing")
	}
}

func TestRepeatIncludesPreviousResult(t *testing.T) {
	req := baseRequest()
	req.Repeat = true
	req.Ctx = convo.Context{
		LastTranscript: "turn on the lamp",
		LastResult:     "failed",
	}

	prompt := BuildCommandPrompt(req)
	if !strings.Contains(prompt, `Previous command: "turn on the lamp"`) {
		t.Error("previous command missing from repeat prompt")
	}
	if !strings.Contains(prompt, "Result: Failed") {
		t.Error("previous result missing")
	}
}

func TestCorrectionIncludesPreviousIntent(t *testing.T) {
	req := baseRequest()
	req.Correction = true
	req.Ctx = convo.Context{
		LastTranscript: "turn on the lamp",
		LastIntent:     json.RawMessage(`{"actions":[{"action":"turn_on"}]}`),
		LastResult:     "success",
	}
	req.Examples = []learning.Example{
		{Command: "turn on the lamp", CorrectedIntent: json.RawMessage(`{}`)},
	}

	prompt := BuildCommandPrompt(req)
	if !strings.Contains(prompt, "correction request") {
		t.Error("correction framing missing")
	}
	if !strings.Contains(prompt, `"actions":[{"action":"turn_on"}]`) {
		t.Error("previous intent missing")
	}
	if strings.Contains(prompt, "examples of similar commands") {
		t.Error("learning examples included on a correction cycle")
	}
}

func TestExamplesCapped(t *testing.T) {
	req := baseRequest()
	for i := 0; i < 5; i++ {
		req.Examples = append(req.Examples, learning.Example{
			Command:         "turn on the kitchen lights",
			CorrectedIntent: json.RawMessage(`{}`),
		})
	}

	prompt := BuildCommandPrompt(req)
	if strings.Contains(prompt, "Example 4") {
		t.Error("more than 3 examples rendered")
	}
	if !strings.Contains(prompt, "Example 3") {
		t.Error("fewer than 3 examples rendered")
	}
}

func TestTimeSection(t *testing.T) {
	prompt := BuildCommandPrompt(baseRequest())
	if !strings.Contains(prompt, "Time of day: afternoon") {
		t.Error("time of day missing")
	}
	if !strings.Contains(prompt, "Recommended brightness: 80%") {
		t.Error("brightness preset missing")
	}
}

func TestDeviceAndAreaMaterial(t *testing.T) {
	prompt := BuildCommandPrompt(baseRequest())
	if !strings.Contains(prompt, "Kitchen Light (light.kitchen) in Kitchen") {
		t.Error("device line missing")
	}
	if !strings.Contains(prompt, "You MUST use one of these found areas") {
		t.Error("area constraint missing")
	}
	if !strings.Contains(prompt, "ONLY a JSON object") {
		t.Error("output contract missing")
	}
}
