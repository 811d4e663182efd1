package errors

import "regexp"

// Severity buckets error entries for operators and the dashboard.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

type severityRule struct {
	severity Severity
	pattern  *regexp.Regexp
}

// The cascade is ordered; the first matching rule wins. LOW is the fallthrough
// when nothing matches.
var severityCascade = []severityRule{
	{SeverityCritical, regexp.MustCompile(`(?i)\b(crash|crashed|fatal|panic)\b`)},
	{SeverityHigh, regexp.MustCompile(`(?i)\b(actuator|device|sensor)\b.*\b(fail|failed|failure|fault|stale)\b`)},
	{SeverityMedium, regexp.MustCompile(`(?i)\b(timeout|timed out|deadline exceeded|validation|invalid|not found)\b`)},
	{SeverityInfo, regexp.MustCompile(`(?i)(connection refused|rate limit)`)},
}

// Classify maps an error message to a severity bucket. A non-empty hint
// overrides the cascade.
func Classify(message string, hint Severity) Severity {
	if hint != "" {
		return hint
	}
	for _, rule := range severityCascade {
		if rule.pattern.MatchString(message) {
			return rule.severity
		}
	}
	return SeverityLow
}
