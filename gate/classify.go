package gate

import "regexp"

// ErrorCategory is the taxonomy bucket for an upstream failure.
type ErrorCategory string

const (
	CategoryTransient ErrorCategory = "transient"
	CategoryAuth      ErrorCategory = "auth"
	CategoryConfig    ErrorCategory = "config"
	CategoryResource  ErrorCategory = "resource"
	CategoryUnknown   ErrorCategory = "unknown"
)

// Valid reports whether c is one of the known categories.
func (c ErrorCategory) Valid() bool {
	switch c {
	case CategoryTransient, CategoryAuth, CategoryConfig, CategoryResource, CategoryUnknown:
		return true
	}
	return false
}

// ErrorClassification is the result of classifying one error message.
type ErrorClassification struct {
	Category      ErrorCategory `json:"category"`
	MatchedReason string        `json:"matchedReason"`
}

type classifierRule struct {
	category ErrorCategory
	pattern  *regexp.Regexp
}

// Rules are evaluated in order; the first match wins.
var classifierRules = []classifierRule{
	{CategoryTransient, regexp.MustCompile(`(?i)\b(timeout|timed out|etimedout|econnreset|econnrefused|connection (reset|refused|closed)|socket hang up|temporarily unavailable|service unavailable|bad gateway|50[234]|rate.?limit(ed)?|too many requests|429|network error|eai_again|deadline exceeded)\b`)},
	{CategoryAuth, regexp.MustCompile(`(?i)\b(unauthori[sz]ed|401|forbidden|403|invalid api.?key|(expired|invalid) (api.?key|session|token|credentials?)|(api.?key|session|token|credentials?) (has |have )?expired|authentication failed|permission denied|access denied)\b`)},
	{CategoryConfig, regexp.MustCompile(`(?i)\b(invalid config(uration)?|misconfigur(ed|ation)|missing (required )?(field|parameter|option|setting)|required (field|parameter|option|setting)|(field|parameter|option|setting) \S+ is missing|not configured|invalid (parameter|argument|option|value))\b`)},
	{CategoryResource, regexp.MustCompile(`(?i)\b(not found|404|enoent|no such file|does not exist|unknown (model|resource))\b`)},
}

// Classify maps a free-text error message to a category. It is pure and
// deterministic: transient patterns take precedence over auth, auth over
// config, config over resource. Unmatched messages are CategoryUnknown.
//
// Example:
//
//	c := gate.Classify("Unauthorized: invalid API key")
//	// c.Category == gate.CategoryAuth, c.MatchedReason == "Unauthorized"
func Classify(msg string) ErrorClassification {
	for _, rule := range classifierRules {
		if match := rule.pattern.FindString(msg); match != "" {
			return ErrorClassification{Category: rule.category, MatchedReason: match}
		}
	}
	return ErrorClassification{Category: CategoryUnknown, MatchedReason: "no known error pattern matched"}
}
