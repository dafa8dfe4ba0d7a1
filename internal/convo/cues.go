package convo

import "strings"

// Cue phrases that steer how a transcript is interpreted. Single-word
// cues match on word boundaries so "no" does not fire inside "now";
// multi-word phrases match as substrings.
var (
	correctionCues = []string{"no", "incorrect", "wrong", "that's not right", "i meant", "i said"}
	repeatCues     = []string{"again", "repeat", "retry", "try again", "one more time"}
	adjustmentCues = []string{"more", "less", "brighter", "dimmer", "louder", "quieter", "warmer", "cooler"}
	pronounCues    = []string{"it", "them"}
)

func hasCue(transcript string, cues []string) bool {
	lower := strings.ToLower(transcript)
	words := make(map[string]bool)
	for _, w := range strings.Fields(lower) {
		words[strings.Trim(w, ".,!?'\"")] = true
	}
	for _, cue := range cues {
		if strings.ContainsRune(cue, ' ') {
			if strings.Contains(lower, cue) {
				return true
			}
		} else if words[cue] {
			return true
		}
	}
	return false
}

// IsCorrection reports whether the transcript disputes the previous
// cycle ("no, I meant the kitchen").
func IsCorrection(transcript string) bool {
	return hasCue(transcript, correctionCues)
}

// IsRepeat reports whether the transcript asks to redo the previous
// command ("try again"). The caller substitutes the previous transcript
// when one exists.
func IsRepeat(transcript string) bool {
	return hasCue(transcript, repeatCues)
}

// IsAdjustment reports whether the transcript adjusts the previous
// action with a comparative ("brighter", "louder").
func IsAdjustment(transcript string) bool {
	return hasCue(transcript, adjustmentCues)
}

// HasPronoun reports whether the transcript refers to prior devices by
// pronoun ("turn it off").
func HasPronoun(transcript string) bool {
	return hasCue(transcript, pronounCues)
}
