// Package retry decides whether and how a failed task is re-attempted:
// a keyword classifier over the failure text feeds a fixed strategy table,
// and the engine enforces the retry budget before re-queueing the task.
package retry

import "strings"

type FailureType string

const (
	FailureSyntax   FailureType = "SYNTAX_ERROR"
	FailureTypes    FailureType = "TYPE_ERROR"
	FailureLint     FailureType = "LINT_ERROR"
	FailureTests    FailureType = "TEST_FAILURE"
	FailureSemantic FailureType = "SEMANTIC_ERROR"
	FailureTimeout  FailureType = "TIMEOUT"
	FailureUnknown  FailureType = "UNKNOWN"
)

// classifierRules is checked in order; first match wins. Order matters
// because real failure messages routinely contain several keywords
// ("test timed out" classifies as TEST_FAILURE, not TIMEOUT).
var classifierRules = []struct {
	failure  FailureType
	keywords []string
}{
	{FailureSyntax, []string{"syntax", "parse"}},
	{FailureTypes, []string{"type", "tsc"}},
	{FailureLint, []string{"lint"}},
	{FailureTests, []string{"test", "assertion", "expect"}},
	{FailureSemantic, []string{"semantic", "logic", "behavior"}},
	{FailureTimeout, []string{"timeout", "timed out"}},
}

// Classify maps raw failure text to a FailureType by keyword matching over
// the lower-cased input. Deterministic; empty or unmatched text is UNKNOWN.
func Classify(errorText string) FailureType {
	text := strings.ToLower(errorText)
	if text == "" {
		return FailureUnknown
	}
	for _, rule := range classifierRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.failure
			}
		}
	}
	return FailureUnknown
}
