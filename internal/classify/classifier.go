// Package classify assigns observation types and topic tags to canonical
// events. Classification is rule-based: a static (source, sourceType) table
// and a fixed set of keyword patterns. Confidence is fixed at 0.8.
package classify

import (
	"regexp"
	"strings"
)

// Confidence is the fixed confidence for rule-based classification.
const Confidence = 0.8

// DefaultType is assigned when the lookup table has no entry.
const DefaultType = "activity"

// typeTable maps "source:sourceType" to an observation type.
var typeTable = map[string]string{
	"github:pull_request.merged":  "code_change",
	"github:pull_request.opened":  "code_change",
	"github:pull_request.closed":  "code_change",
	"github:push":                 "code_change",
	"github:issues.opened":        "issue",
	"github:issues.closed":        "issue",
	"github:release.published":    "release",
	"linear:issue.create":         "issue",
	"linear:issue.update":         "issue",
	"vercel:deployment.succeeded": "deployment",
	"vercel:deployment.failed":    "deployment",
	"vercel:deployment.canceled":  "deployment",
	"sentry:error.fatal":          "incident",
	"sentry:error.error":          "incident",
	"sentry:error.warning":        "incident",
}

// topicPatterns are applied against lowercased title+body. Each matching
// pattern contributes one topic tag.
var topicPatterns = []struct {
	Topic   string
	Pattern *regexp.Regexp
}{
	{"authentication", regexp.MustCompile(`\b(auth|login|logout|oauth|sso|session|token|jwt)\b`)},
	{"database", regexp.MustCompile(`\b(database|db|sql|postgres|sqlite|migration|schema|query)\b`)},
	{"api", regexp.MustCompile(`\b(api|endpoint|rest|graphql|grpc|webhook)\b`)},
	{"ui", regexp.MustCompile(`\b(ui|frontend|css|component|layout|design|render)\b`)},
	{"deployment", regexp.MustCompile(`\b(deploy|deployment|release|rollout|rollback|ci|cd)\b`)},
	{"performance", regexp.MustCompile(`\b(performance|latency|slow|optimi[sz]e|cache|caching|memory leak)\b`)},
	{"security", regexp.MustCompile(`\b(security|vulnerability|cve|xss|csrf|injection|secret)\b`)},
	{"testing", regexp.MustCompile(`\b(test|tests|testing|coverage|e2e|regression)\b`)},
	{"infrastructure", regexp.MustCompile(`\b(infra|infrastructure|terraform|kubernetes|k8s|docker|aws|gcp)\b`)},
	{"billing", regexp.MustCompile(`\b(billing|payment|invoice|subscription|stripe)\b`)},
}

// Result holds the classifier output for one event.
type Result struct {
	ObservationType string
	Topics          []string
	Confidence      float64
}

// Classify maps the event's (source, sourceType) to an observation type and
// extracts topic tags from its text.
func Classify(source, sourceType, title, body string) Result {
	obsType, ok := typeTable[source+":"+sourceType]
	if !ok {
		obsType = DefaultType
	}
	return Result{
		ObservationType: obsType,
		Topics:          Topics(title, body),
		Confidence:      Confidence,
	}
}

// Topics returns the topic tags matching the given text, in table order.
func Topics(title, body string) []string {
	text := strings.ToLower(title + " " + body)
	var topics []string
	for _, tp := range topicPatterns {
		if tp.Pattern.MatchString(text) {
			topics = append(topics, tp.Topic)
		}
	}
	return topics
}
