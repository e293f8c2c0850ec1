package fingerprint

import (
	"regexp"
	"strings"
	"unicode"
)

// Patterns for label fragments that change between visits without the element
// itself changing: clock times, dates, and parenthesized counters/badges.
var (
	timePattern    = regexp.MustCompile(`\b\d{1,2}:\d{2}(:\d{2})?\s*(AM|PM|am|pm)?\b`)
	datePattern    = regexp.MustCompile(`\b\d{1,4}[-/.]\d{1,2}[-/.]\d{1,4}\b`)
	counterPattern = regexp.MustCompile(`\s*[(\[]\s*\d+\s*[)\]]`)
	spaceRun       = regexp.MustCompile(`\s{2,}`)
)

// NormalizeLabel strips heuristically dynamic content (timestamps, dates,
// unread counters, long digit runs) from a raw element label so the result is
// stable across rescrapes. A label that is entirely dynamic normalizes to the
// empty string, which the deriver treats as absent.
func NormalizeLabel(raw string) string {
	label := strings.TrimSpace(raw)
	if label == "" {
		return ""
	}

	label = timePattern.ReplaceAllString(label, "")
	label = datePattern.ReplaceAllString(label, "")
	label = counterPattern.ReplaceAllString(label, "")

	// A label dominated by digits ("3 of 12", progress readouts) is dynamic:
	// drop the digit runs and keep whatever text remains.
	if digitRatio(label) > 0.5 {
		label = strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return ' '
			}
			return r
		}, label)
	}

	label = spaceRun.ReplaceAllString(label, " ")
	return strings.TrimSpace(label)
}

func digitRatio(s string) float64 {
	var digits, total int
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(digits) / float64(total)
}
