// Package prompts builds the model prompt for one command cycle. The
// prompt layout mirrors what the model has proven to follow reliably:
// the exact transcript first, optional conversational context, few-shot
// examples, time-of-day advice, then the device/area material and a
// strict JSON output contract.
package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vestahome/vesta/internal/catalog"
	"github.com/vestahome/vesta/internal/convo"
	"github.com/vestahome/vesta/internal/daypart"
	"github.com/vestahome/vesta/internal/learning"
)

// MaxExamples caps how many learning examples one prompt carries.
const MaxExamples = 3

// Request collects everything the builder needs for one cycle.
type Request struct {
	Transcript string
	User       string

	Ctx convo.Context

	// Cue flags, detected by the caller on the original transcript.
	Correction bool
	Repeat     bool
	Adjustment bool
	Pronoun    bool

	Devices  []catalog.Device
	Areas    []catalog.Area
	Examples []learning.Example
	Day      daypart.Info

	// Profile is the current user's preference record, rendered as JSON.
	Profile any
}

// BuildCommandPrompt renders the full prompt text for one transcript.
func BuildCommandPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("You are a smart home voice assistant. Your job is to understand the user's command and return a JSON object describing the intent.\n\n")
	fmt.Fprintf(&b, "COMMAND TO PROCESS: %q\n\n", req.Transcript)
	b.WriteString("IMPORTANT: You must process THIS EXACT COMMAND. Do not make up or modify the command. Do not process a different command.\n")

	if s := contextSection(req); s != "" {
		b.WriteString("\n")
		b.WriteString(s)
	}
	if s := examplesSection(req); s != "" {
		b.WriteString("\n")
		b.WriteString(s)
	}

	b.WriteString("\nCurrent time information:\n")
	fmt.Fprintf(&b, "- Date and time: %s\n", req.Day.Time.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- Time of day: %s\n", req.Day.TimeOfDay)
	fmt.Fprintf(&b, "- Is weekend: %s\n", yesNo(req.Day.IsWeekend))
	fmt.Fprintf(&b, "- Recommended brightness: %d%%\n", req.Day.RecommendedBright)
	fmt.Fprintf(&b, "- Recommended color temperature: %dK\n", req.Day.RecommendedColorTemp)

	b.WriteString("\nAvailable devices:\n")
	if len(req.Devices) == 0 {
		b.WriteString("(none matched the command)\n")
	}
	for _, d := range req.Devices {
		fmt.Fprintf(&b, "- %s (%s) in %s\n", d.Name, d.EntityID, d.Area)
	}

	b.WriteString("\nAreas found in the command:\n")
	if len(req.Areas) == 0 {
		b.WriteString("(none)\n")
	}
	for _, a := range req.Areas {
		fmt.Fprintf(&b, "- %s (%s)\n", a.Name, a.AreaID)
	}
	if len(req.Areas) > 0 {
		b.WriteString("You MUST use one of these found areas in the inferred_room field. Do not make up or use a different area.\n")
	}

	b.WriteString(`
When inferring the area from the command:
1. First check if an area is explicitly mentioned (e.g., "in the office", "office", "in office")
2. If not, use the areas found in the command above
3. If still unclear, use the last controlled area from context
4. If no area context exists, make a reasonable inference based on time of day and common patterns
`)

	fmt.Fprintf(&b, "\nCurrent user: %s\n", req.User)
	if req.Profile != nil {
		if raw, err := json.MarshalIndent(req.Profile, "", "  "); err == nil {
			fmt.Fprintf(&b, "User preferences: %s\n", raw)
		}
	}

	b.WriteString(`
RESPONSE FORMAT:
You must respond with ONLY a JSON object, no other text. The JSON must follow this exact structure:
{
  "user": "` + req.User + `",
  "inferred_room": "exact_room_name_from_command",
  "actions": [
    {
      "device_type": "domain",
      "action": "service_name",
      "parameters": {
        "entity_id": "entity_id"
      }
    }
  ]
}

IMPORTANT RULES:
1. Process ONLY the command provided above. Do not make up or modify the command.
2. If the command mentions "too bright", use turn_off for the specified area; if it mentions "too dark", use turn_on.
3. If the command explicitly mentions a room, use that exact room name in inferred_room. Never use placeholders like "room_name".
4. The entity_id in the parameters MUST match the room specified in inferred_room.
5. NEVER use a device from a different room than what was specified.

DO NOT include any text before or after the JSON object. DO NOT include markdown formatting. DO NOT include explanations or comments.
`)

	return b.String()
}

// contextSection renders the conversational context, included only when
// the transcript's cues call for it: adjustments and pronouns pull in
// the previous devices, repeats pull in the previous command and its
// result, corrections pull in the previous intent with correction
// framing. Plain commands carry no context at all.
func contextSection(req Request) string {
	var b strings.Builder

	switch {
	case len(req.Ctx.LastDevices) > 0 && (req.Adjustment || req.Pronoun):
		devices := strings.Join(req.Ctx.LastDevices, ", ")
		fmt.Fprintf(&b, "Previous devices controlled: %s\n", devices)
		fmt.Fprintf(&b, "Previous action: %s\n", req.Ctx.LastAction)
		if raw, err := json.MarshalIndent(req.Ctx.LastParameters, "", "  "); err == nil {
			fmt.Fprintf(&b, "Previous parameters: %s\n", raw)
		}
		fmt.Fprintf(&b, "\nIf the user's command refers to \"it\", \"them\", or is otherwise ambiguous, ALWAYS use the last device(s) controlled: %s.\n", devices)

	case req.Repeat && req.Ctx.LastResult != "":
		fmt.Fprintf(&b, "Previous command: %q\n", req.Ctx.LastTranscript)
		result := "Failed"
		if req.Ctx.LastResult == "success" {
			result = "Success"
		}
		fmt.Fprintf(&b, "Result: %s\n", result)

	case req.Correction:
		fmt.Fprintf(&b, "Previous command: %q\n", req.Ctx.LastTranscript)
		if len(req.Ctx.LastIntent) > 0 {
			fmt.Fprintf(&b, "Previous intent: %s\n", req.Ctx.LastIntent)
		}
		b.WriteString("This is a correction request. The user is indicating the previous response was incorrect.\n")
	}

	return b.String()
}

// examplesSection renders up to MaxExamples few-shot pairs. Correction
// cycles carry none, so stale examples cannot reinforce the mistake
// being corrected.
func examplesSection(req Request) string {
	if req.Correction || len(req.Examples) == 0 {
		return ""
	}

	examples := req.Examples
	if len(examples) > MaxExamples {
		examples = examples[:MaxExamples]
	}

	var b strings.Builder
	b.WriteString("Here are some examples of similar commands and their correct intents:\n")
	for i, ex := range examples {
		fmt.Fprintf(&b, "\nExample %d:\nCommand: %q\nCorrect intent: %s\n", i+1, ex.Command, ex.CorrectedIntent)
	}
	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
