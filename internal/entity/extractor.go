// Package entity mines structured facts from observation text and stores
// them deduplicated per (workspace, category, key).
package entity

import (
	"regexp"
	"strings"
	"time"

	"github.com/lightfastai/lightfast-sub011/internal/model"
)

// Entity categories.
const (
	CategoryEndpoint = "endpoint"
	CategoryEnvVar   = "env_var"
	CategoryMention  = "mention"
	CategoryTicket   = "ticket"
	CategoryFile     = "file"
)

var (
	endpointPattern = regexp.MustCompile(`\b(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\s+(/[A-Za-z0-9_\-./:{}]+)`)
	envVarPattern   = regexp.MustCompile(`\b([A-Z][A-Z0-9]*(?:_[A-Z0-9]+)+)\b`)
	// The leading guard keeps the domain half of email addresses out.
	mentionPattern  = regexp.MustCompile(`(?:^|[^A-Za-z0-9_.])@([A-Za-z0-9](?:[A-Za-z0-9_-]*[A-Za-z0-9])?)`)
	ticketPattern   = regexp.MustCompile(`\b([A-Z][A-Z0-9]+-\d+)\b|#(\d+)`)
	filePathPattern = regexp.MustCompile(`\b([A-Za-z0-9_\-./]+/[A-Za-z0-9_\-.]+\.[A-Za-z0-9]{1,8})\b`)
)

// envVarDenylist filters common UPPER_SNAKE false positives.
var envVarDenylist = map[string]bool{
	"TODO_LIST":    true,
	"README_MD":    true,
	"HTTP_GET":     true,
	"HTTP_POST":    true,
	"NOT_FOUND":    true,
	"INTERNAL_ERROR": true,
	"UTF_8":        true,
	"ISO_8601":     true,
	"CI_CD":        true,
	"E2E_TEST":     true,
}

// Extract applies the five pattern families against title+content and
// returns deduplicated entities. Deduplication here covers one observation;
// cross-observation dedupe happens at the store via the uniqueness key.
func Extract(workspaceID, observationID, title, content string, seenAt time.Time) []model.Entity {
	text := title + "\n" + content

	var out []model.Entity
	seen := make(map[string]bool)

	add := func(category, key, value string, confidence float64) {
		key = strings.TrimSpace(key)
		if key == "" {
			return
		}
		dedupeKey := category + ":" + key
		if seen[dedupeKey] {
			return
		}
		seen[dedupeKey] = true
		out = append(out, model.Entity{
			WorkspaceID:     workspaceID,
			Category:        category,
			Key:             key,
			Value:           value,
			OccurrenceCount: 1,
			FirstSeenAt:     seenAt,
			LastSeenAt:      seenAt,
			Confidence:      confidence,
			SourceObsID:     observationID,
		})
	}

	for _, m := range endpointPattern.FindAllStringSubmatch(text, -1) {
		add(CategoryEndpoint, m[1]+" "+m[2], m[1]+" "+m[2], 0.95)
	}

	for _, m := range envVarPattern.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if envVarDenylist[name] {
			continue
		}
		add(CategoryEnvVar, name, name, 0.85)
	}

	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		add(CategoryMention, strings.ToLower(m[1]), m[1], 0.90)
	}

	for _, m := range ticketPattern.FindAllStringSubmatch(text, -1) {
		if m[1] != "" {
			add(CategoryTicket, m[1], m[1], 0.95)
		} else if m[2] != "" {
			add(CategoryTicket, "#"+m[2], "#"+m[2], 0.95)
		}
	}

	for _, m := range filePathPattern.FindAllStringSubmatch(text, -1) {
		add(CategoryFile, m[1], m[1], 0.80)
	}

	return out
}

// Mentions returns just the lowercased @mention usernames in the text.
// The profile builder uses this to find frequent collaborators.
func Mentions(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		name := strings.ToLower(m[1])
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
