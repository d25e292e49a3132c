package entity

import (
	"testing"
	"time"
)

func TestExtractAllCategories(t *testing.T) {
	title := "[PR Merged] Harden charge endpoint"
	content := "Adds retries around POST /api/v1/charges when STRIPE_API_KEY rotation races.\n" +
		"Thanks @sarah for the review, tracked in ENG-2041 and #342.\n" +
		"Touched payments/worker.go in the process."

	got := Extract("ws1", "obs-1", title, content, time.Now())

	find := func(category, key string) bool {
		for _, e := range got {
			if e.Category == category && e.Key == key {
				return true
			}
		}
		return false
	}

	if !find(CategoryEndpoint, "POST /api/v1/charges") {
		t.Error("missing endpoint entity")
	}
	if !find(CategoryEnvVar, "STRIPE_API_KEY") {
		t.Error("missing env var entity")
	}
	if !find(CategoryMention, "sarah") {
		t.Error("missing mention entity")
	}
	if !find(CategoryTicket, "ENG-2041") {
		t.Error("missing ticket entity")
	}
	if !find(CategoryTicket, "#342") {
		t.Error("missing short-form ticket entity")
	}
	if !find(CategoryFile, "payments/worker.go") {
		t.Error("missing file entity")
	}
}

func TestExtractDedupesWithinObservation(t *testing.T) {
	content := "STRIPE_API_KEY then STRIPE_API_KEY again, and @sarah plus @Sarah."
	got := Extract("ws1", "obs-1", "", content, time.Now())

	envVars, mentions := 0, 0
	for _, e := range got {
		switch e.Category {
		case CategoryEnvVar:
			envVars++
		case CategoryMention:
			mentions++
		}
	}
	if envVars != 1 {
		t.Errorf("env var entities = %d, want 1", envVars)
	}
	// Mention keys are lowercased, so @sarah and @Sarah collapse.
	if mentions != 1 {
		t.Errorf("mention entities = %d, want 1", mentions)
	}
}

func TestExtractDenylistsCommonUpperSnake(t *testing.T) {
	got := Extract("ws1", "obs-1", "", "Returned NOT_FOUND from the handler.", time.Now())
	for _, e := range got {
		if e.Category == CategoryEnvVar && e.Key == "NOT_FOUND" {
			t.Error("denylisted token extracted as env var")
		}
	}
}

func TestMentions(t *testing.T) {
	got := Mentions("cc @Sarah and @tom-w, also @sarah once more")
	if len(got) != 2 {
		t.Fatalf("mentions = %v, want 2 unique", got)
	}
	if got[0] != "sarah" || got[1] != "tom-w" {
		t.Errorf("mentions = %v", got)
	}
}

func TestMentionsIgnoreEmailDomains(t *testing.T) {
	got := Mentions("Contact jordan@acme.dev or ping @sarah about it")
	if len(got) != 1 || got[0] != "sarah" {
		t.Errorf("mentions = %v, want [sarah]", got)
	}

	ents := Extract("ws1", "obs-1", "", "Mail from jordan@acme.dev landed.", time.Now())
	for _, e := range ents {
		if e.Category == CategoryMention {
			t.Errorf("email domain extracted as mention: %+v", e)
		}
	}
}
