// Package answer turns free-form oracle output into canonical answer keys.
//
// The oracle is instructed to end its response with a marker phrase followed
// by a clock time. Extraction is strict: anything that does not match the
// marker contract exactly is reported as Unparseable rather than guessed.
package answer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MarkerVersion identifies the marker contract implemented by ClockExtractor.
const MarkerVersion = "v1"

// DefaultMarker is the phrase the oracle is told to put before its answer.
const DefaultMarker = "Final Answer:"

// Key is a normalized answer token. Two keys are the same vote iff they are equal.
type Key string

// Unparseable is returned when a response does not honor the marker contract.
const Unparseable Key = ""

// Valid reports whether k may be recorded as a vote.
func (k Key) Valid() bool {
	return k != Unparseable
}

func (k Key) String() string {
	if k == Unparseable {
		return "<unparseable>"
	}
	return string(k)
}

// Extractor maps raw oracle text to a Key. Implementations must be pure.
type Extractor interface {
	Extract(text string) Key
}

// ExtractorFunc adapts a plain function to Extractor.
type ExtractorFunc func(text string) Key

// Extract calls f(text).
func (f ExtractorFunc) Extract(text string) Key {
	return f(text)
}

// valuePattern captures whole digit and letter runs so that over-long tokens
// are rejected during validation instead of being silently truncated. The
// meridiem must sit on the same line as the time.
var valuePattern = regexp.MustCompile(`^\s*(\d+):(\d+)[ \t]*([A-Za-z]*)`)

// ClockExtractor implements the v1 marker contract:
//
//	<marker> digit{1,2} ":" digit{2} [whitespace] [AM|PM]
//
// The last occurrence of the marker wins. Keys are normalized by removing
// whitespace, uppercasing the meridiem and left-padding the hour, so
// "9:00 am" and "09:00AM" produce the same key.
type ClockExtractor struct {
	// Marker is matched case-insensitively. Empty means DefaultMarker.
	Marker string
	// RequireMeridiem rejects 24-hour values without AM/PM.
	RequireMeridiem bool

	markerRe *regexp.Regexp
}

// NewClockExtractor returns an extractor for marker. An empty marker selects DefaultMarker.
func NewClockExtractor(marker string, requireMeridiem bool) *ClockExtractor {
	if marker == "" {
		marker = DefaultMarker
	}
	return &ClockExtractor{
		Marker:          marker,
		RequireMeridiem: requireMeridiem,
		markerRe:        compileMarker(marker),
	}
}

func compileMarker(marker string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + regexp.QuoteMeta(marker))
}

// Extract implements Extractor.
func (e *ClockExtractor) Extract(text string) Key {
	re := e.markerRe
	if re == nil {
		marker := e.Marker
		if marker == "" {
			marker = DefaultMarker
		}
		re = compileMarker(marker)
	}

	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return Unparseable
	}
	rest := text[locs[len(locs)-1][1]:]

	m := valuePattern.FindStringSubmatch(rest)
	if m == nil {
		return Unparseable
	}
	key, err := normalize(m[1], m[2], m[3], e.RequireMeridiem)
	if err != nil {
		return Unparseable
	}
	return key
}

var standalonePattern = regexp.MustCompile(`^\s*(\d+):(\d+)\s*([A-Za-z]*)\s*$`)

// Normalize canonicalizes a bare clock value such as "11:45 am" without
// requiring a marker. It is used for configured expected answers.
func Normalize(value string, requireMeridiem bool) (Key, error) {
	m := standalonePattern.FindStringSubmatch(value)
	if m == nil {
		return Unparseable, fmt.Errorf("%q is not a clock time", value)
	}
	return normalize(m[1], m[2], m[3], requireMeridiem)
}

func normalize(hourDigits, minuteDigits, meridiem string, requireMeridiem bool) (Key, error) {
	if len(hourDigits) < 1 || len(hourDigits) > 2 {
		return Unparseable, fmt.Errorf("hour %q: want 1 or 2 digits", hourDigits)
	}
	if len(minuteDigits) != 2 {
		return Unparseable, fmt.Errorf("minute %q: want 2 digits", minuteDigits)
	}

	hour, err := strconv.Atoi(hourDigits)
	if err != nil {
		return Unparseable, fmt.Errorf("hour %q: %w", hourDigits, err)
	}
	minute, err := strconv.Atoi(minuteDigits)
	if err != nil {
		return Unparseable, fmt.Errorf("minute %q: %w", minuteDigits, err)
	}
	if minute > 59 {
		return Unparseable, fmt.Errorf("minute %d out of range", minute)
	}

	meridiem = strings.ToUpper(meridiem)
	switch meridiem {
	case "AM", "PM":
		if hour < 1 || hour > 12 {
			return Unparseable, fmt.Errorf("hour %d out of range for %s", hour, meridiem)
		}
	case "":
		if requireMeridiem {
			return Unparseable, fmt.Errorf("missing meridiem")
		}
		if hour > 23 {
			return Unparseable, fmt.Errorf("hour %d out of range", hour)
		}
	default:
		return Unparseable, fmt.Errorf("unrecognized meridiem %q", meridiem)
	}

	return Key(fmt.Sprintf("%02d:%02d%s", hour, minute, meridiem)), nil
}
