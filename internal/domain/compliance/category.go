// Package compliance classifies free-text measure statuses into compliance
// categories. Categories are derived on demand and never stored.
package compliance

import "strings"

// Category is the compliance classification of a measure status.
type Category string

const (
	Compliant    Category = "compliant"
	NonCompliant Category = "non-compliant"
	Unknown      Category = "unknown"
)

// CompliantKeywords are matched first. A status containing any of them is
// compliant even when it also contains a non-compliant keyword, so
// "Not at Goal" is compliant because of "at goal".
var CompliantKeywords = []string{
	"completed",
	"at goal",
	"confirmed",
	"scheduled",
	"ordered",
}

// NonCompliantKeywords are consulted only when no compliant keyword matched.
var NonCompliantKeywords = []string{
	"not addressed",
	"declined",
	"invalid",
	"resolved",
	"discussed",
	"unnecessary",
}

// Categorize maps a measure status to its compliance category using
// case-insensitive substring matching. Blank input is Unknown.
func Categorize(status string) Category {
	if strings.TrimSpace(status) == "" {
		return Unknown
	}
	lower := strings.ToLower(status)
	if containsAny(lower, CompliantKeywords) {
		return Compliant
	}
	if containsAny(lower, NonCompliantKeywords) {
		return NonCompliant
	}
	return Unknown
}

// CategorizePtr is Categorize for nullable statuses.
func CategorizePtr(status *string) Category {
	if status == nil {
		return Unknown
	}
	return Categorize(*status)
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case Compliant, NonCompliant, Unknown:
		return true
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
