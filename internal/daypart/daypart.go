// Package daypart buckets wall-clock time into named parts of the day
// with recommended lighting presets. The presets are advisory text for
// the model, never enforced by dispatch.
package daypart

import "time"

// Bucket names, in day order.
const (
	EarlyMorning = "early_morning"
	Morning      = "morning"
	Afternoon    = "afternoon"
	Evening      = "evening"
	Night        = "night"
	LateNight    = "late_night"
)

// Info describes the time-of-day context for one moment.
type Info struct {
	Time                 time.Time
	TimeOfDay            string
	IsWeekend            bool
	RecommendedBright    int // percent
	RecommendedColorTemp int // kelvin
}

var brightness = map[string]int{
	EarlyMorning: 20,
	Morning:      60,
	Afternoon:    80,
	Evening:      60,
	Night:        40,
	LateNight:    15,
}

var colorTemp = map[string]int{
	EarlyMorning: 2700,
	Morning:      4000,
	Afternoon:    5500,
	Evening:      3500,
	Night:        2700,
	LateNight:    2200,
}

// At returns the time-of-day context for t in its own location.
func At(t time.Time) Info {
	tod := bucket(t.Hour())
	wd := t.Weekday()
	return Info{
		Time:                 t,
		TimeOfDay:            tod,
		IsWeekend:            wd == time.Saturday || wd == time.Sunday,
		RecommendedBright:    brightness[tod],
		RecommendedColorTemp: colorTemp[tod],
	}
}

// Now returns the time-of-day context for the current moment in loc.
// A nil loc means local time.
func Now(loc *time.Location) Info {
	if loc == nil {
		loc = time.Local
	}
	return At(time.Now().In(loc))
}

func bucket(hour int) string {
	switch {
	case hour >= 5 && hour < 9:
		return EarlyMorning
	case hour >= 9 && hour < 12:
		return Morning
	case hour >= 12 && hour < 17:
		return Afternoon
	case hour >= 17 && hour < 20:
		return Evening
	case hour >= 20 && hour < 23:
		return Night
	default:
		return LateNight
	}
}
