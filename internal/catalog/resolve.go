package catalog

import (
	"regexp"
	"strings"
)

// Extraction patterns for candidate room/area phrases, in priority
// order. Entity resolution uses the first three; area resolution uses
// all five plus bare word tokens.
var (
	entityPhrasePatterns = []*regexp.Regexp{
		regexp.MustCompile(`in the (\w+(?:\s+\w+)*)`),
		regexp.MustCompile(`the (\w+(?:\s+\w+)*) (?:light|lights|room|area)`),
		regexp.MustCompile(`(\w+(?:\s+\w+)*) (?:light|lights|room|area)`),
	}
	areaPhrasePatterns = []*regexp.Regexp{
		regexp.MustCompile(`in the (\w+(?:\s+\w+)*)`),
		regexp.MustCompile(`the (\w+(?:\s+\w+)*) (?:light|lights|room|area)`),
		regexp.MustCompile(`(\w+(?:\s+\w+)*) (?:light|lights|room|area)`),
		regexp.MustCompile(`in (\w+(?:\s+\w+)*)`),
		regexp.MustCompile(`(\w+(?:\s+\w+)*)$`),
	}
)

func extractPhrases(text string, patterns []*regexp.Regexp) []string {
	var phrases []string
	for _, p := range patterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			phrases = append(phrases, m[1])
		}
	}
	return phrases
}

// contains reports bidirectional substring containment between a
// candidate phrase and a catalog field. Both directions tolerate the
// speaker abbreviating ("office" for "home office") or extending a
// name. Empty fields never match.
func contains(candidate, field string) bool {
	if candidate == "" || field == "" {
		return false
	}
	return strings.Contains(field, candidate) || strings.Contains(candidate, field)
}

// ResolveEntities returns the devices plausibly referenced by the
// command text, in catalog order. A device matches when an extracted
// room phrase overlaps its name, entity ID, or area, or when the
// command mentions one of those fields verbatim. An empty result is
// normal, not an error.
func ResolveEntities(text string, snap *Snapshot) []Device {
	if snap == nil {
		return nil
	}
	lower := strings.ToLower(text)
	phrases := extractPhrases(lower, entityPhrasePatterns)

	var out []Device
	for _, d := range snap.Devices {
		name := strings.ToLower(d.Name)
		id := strings.ToLower(d.EntityID)
		area := strings.ToLower(d.Area)

		matched := false
		for _, phrase := range phrases {
			if contains(phrase, name) || contains(phrase, id) || contains(phrase, area) {
				matched = true
				break
			}
		}
		if !matched {
			// Direct mention of the device itself.
			matched = (name != "" && strings.Contains(lower, name)) ||
				(id != "" && strings.Contains(lower, id)) ||
				(area != "" && strings.Contains(lower, area))
		}
		if matched {
			out = append(out, d)
		}
	}
	return out
}

// ResolveAreas returns the areas plausibly referenced by the command
// text, in catalog order. Beyond the phrase patterns, every bare word
// longer than two characters is tried as a candidate, so "office" alone
// still finds the Office area.
func ResolveAreas(text string, snap *Snapshot) []Area {
	if snap == nil {
		return nil
	}
	lower := strings.ToLower(text)
	phrases := extractPhrases(lower, areaPhrasePatterns)
	for _, w := range strings.Fields(lower) {
		if len(w) > 2 {
			phrases = append(phrases, w)
		}
	}

	var out []Area
	for _, a := range snap.Areas {
		name := strings.ToLower(a.Name)
		id := strings.ToLower(a.AreaID)

		for _, phrase := range phrases {
			if contains(phrase, name) || contains(phrase, id) {
				out = append(out, a)
				break
			}
		}
	}
	return out
}
