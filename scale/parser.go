// Package scale turns the noisy line-oriented output of a serial weighing
// device into a single debounced, time-stable gross mass. It contains the
// transport reader, the weight parser and the stability detector.
package scale

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Sample is one raw line read from the device, stamped at read time
type Sample struct {
	At   time.Time
	Text string
}

// Reading is a parsed weight in grams. OK is false when the line carried
// no numeric weight token (device chatter, not an error)
type Reading struct {
	Grams float64
	OK    bool
}

// Unit conversion factors to grams
const (
	gramsPerKilogram = 1000.0
	gramsPerPound    = 453.592
	gramsPerOunce    = 28.3495
)

var (
	// Number followed by a unit, e.g. "123.4 g", "0.123 kg", "ST,GS,+00123.4g".
	// kg/lb/oz are tried before g so "kg" is not read as a trailing "g".
	unitRe = regexp.MustCompile(`(?i)([+-]?\d+\.?\d*)\s*(kg|lb|oz|g)`)

	// Bare signed decimal, assumed grams. Requires at least two digit
	// characters so single-character status codes ("E2") are not mistaken
	// for readings.
	bareRe = regexp.MustCompile(`[+-]?\d+\.?\d+`)
)

// ParseWeight extracts a normalized mass in grams from one raw device line.
// It is pure and total: malformed text yields Reading{OK: false}, never an
// error.
func ParseWeight(line string) Reading {
	if line == "" {
		return Reading{}
	}

	if m := unitRe.FindStringSubmatch(line); m != nil {
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return Reading{}
		}
		switch strings.ToLower(m[2]) {
		case "kg":
			value *= gramsPerKilogram
		case "lb":
			value *= gramsPerPound
		case "oz":
			value *= gramsPerOunce
		}
		return Reading{Grams: value, OK: true}
	}

	if m := bareRe.FindString(line); m != "" {
		value, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return Reading{}
		}
		return Reading{Grams: value, OK: true}
	}

	return Reading{}
}
