// Package event normalizes source-specific webhook payloads into the
// canonical SourceEvent shape. Each source has its own payload struct and
// extraction rules; dispatch is an exhaustive switch on the source tag.
package event

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lightfastai/lightfast-sub011/internal/model"
)

// Known source systems. Unknown sources fail normalization.
const (
	SourceGitHub = "github"
	SourceLinear = "linear"
	SourceVercel = "vercel"
	SourceSentry = "sentry"
)

var issueRefPattern = regexp.MustCompile(`#(\d+)`)

// Normalize converts a raw payload from the given source into a canonical
// SourceEvent. Returns ErrValidation on missing required fields; callers
// drop and log, never retry.
func Normalize(source string, payload []byte) (*model.SourceEvent, error) {
	switch source {
	case SourceGitHub:
		return normalizeGitHub(payload)
	case SourceLinear:
		return normalizeLinear(payload)
	case SourceVercel:
		return normalizeVercel(payload)
	case SourceSentry:
		return normalizeSentry(payload)
	default:
		return nil, fmt.Errorf("%w: unknown source %q", model.ErrValidation, source)
	}
}

type githubPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
		ID    int64  `json:"id"`
		Email string `json:"email"`
	} `json:"sender"`
	PullRequest *struct {
		Number             int    `json:"number"`
		Title              string `json:"title"`
		Body               string `json:"body"`
		Merged             bool   `json:"merged"`
		MergedAt           string `json:"merged_at"`
		UpdatedAt          string `json:"updated_at"`
		HTMLURL            string `json:"html_url"`
		Base               struct {
			Ref string `json:"ref"`
		} `json:"base"`
		RequestedReviewers []struct {
			Login string `json:"login"`
		} `json:"requested_reviewers"`
	} `json:"pull_request"`
	Issue *struct {
		Number    int    `json:"number"`
		Title     string `json:"title"`
		Body      string `json:"body"`
		State     string `json:"state"`
		UpdatedAt string `json:"updated_at"`
		HTMLURL   string `json:"html_url"`
	} `json:"issue"`
	Release *struct {
		TagName     string `json:"tag_name"`
		Name        string `json:"name"`
		Body        string `json:"body"`
		PublishedAt string `json:"published_at"`
		HTMLURL     string `json:"html_url"`
	} `json:"release"`
}

func normalizeGitHub(payload []byte) (*model.SourceEvent, error) {
	var p githubPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: github payload: %v", model.ErrValidation, err)
	}
	if p.Repository.FullName == "" {
		return nil, fmt.Errorf("%w: github payload missing repository", model.ErrValidation)
	}

	ev := &model.SourceEvent{
		Source: SourceGitHub,
		Metadata: map[string]string{
			"repository": p.Repository.FullName,
		},
	}
	if p.Sender.Login != "" {
		ev.Actor = &model.EventActor{
			ID:    fmt.Sprintf("%d", p.Sender.ID),
			Name:  p.Sender.Login,
			Email: p.Sender.Email,
		}
	}

	switch {
	case p.PullRequest != nil:
		pr := p.PullRequest
		verb := p.Action
		if p.Action == "closed" && pr.Merged {
			verb = "merged"
		}
		ev.SourceType = "pull_request." + verb
		ev.SourceID = fmt.Sprintf("%s/pull/%d/%s", p.Repository.FullName, pr.Number, verb)
		switch verb {
		case "merged":
			ev.Title = "[PR Merged] " + pr.Title
		case "opened":
			ev.Title = "[PR Opened] " + pr.Title
		default:
			ev.Title = "[PR " + capitalize(verb) + "] " + pr.Title
		}
		ev.Body = pr.Body
		ev.Metadata["target_branch"] = pr.Base.Ref
		ts := pr.MergedAt
		if ts == "" {
			ts = pr.UpdatedAt
		}
		occurred, err := parseTimestamp(ts)
		if err != nil {
			return nil, err
		}
		ev.OccurredAt = occurred
		for _, m := range issueRefPattern.FindAllStringSubmatch(pr.Body, -1) {
			ev.References = append(ev.References, model.EventReference{Type: "issue", ID: m[1]})
		}
		for _, r := range pr.RequestedReviewers {
			ev.References = append(ev.References, model.EventReference{Type: "reviewer", ID: r.Login})
		}
	case p.Issue != nil:
		is := p.Issue
		ev.SourceType = "issues." + p.Action
		ev.SourceID = fmt.Sprintf("%s/issues/%d/%s", p.Repository.FullName, is.Number, p.Action)
		ev.Title = "[Issue] " + is.Title
		ev.Body = is.Body
		occurred, err := parseTimestamp(is.UpdatedAt)
		if err != nil {
			return nil, err
		}
		ev.OccurredAt = occurred
		ev.Metadata["issue_state"] = is.State
		ev.Metadata["issue_number"] = fmt.Sprintf("%d", is.Number)
	case p.Release != nil:
		rel := p.Release
		ev.SourceType = "release.published"
		ev.SourceID = fmt.Sprintf("%s/releases/%s", p.Repository.FullName, rel.TagName)
		ev.Title = "[Release] " + rel.TagName
		ev.Body = rel.Body
		occurred, err := parseTimestamp(rel.PublishedAt)
		if err != nil {
			return nil, err
		}
		ev.OccurredAt = occurred
	default:
		return nil, fmt.Errorf("%w: github payload has no recognized event object", model.ErrValidation)
	}

	return ev, nil
}

type linearPayload struct {
	Action string `json:"action"`
	Type   string `json:"type"` // "Issue"
	Data   struct {
		ID          string `json:"id"`
		Identifier  string `json:"identifier"`
		Title       string `json:"title"`
		Description string `json:"description"`
		State       struct {
			Name string `json:"name"`
		} `json:"state"`
		Assignee *struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"assignee"`
		Team struct {
			Key string `json:"key"`
		} `json:"team"`
	} `json:"data"`
	UpdatedAt string `json:"updatedAt"`
}

func normalizeLinear(payload []byte) (*model.SourceEvent, error) {
	var p linearPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: linear payload: %v", model.ErrValidation, err)
	}
	if p.Data.ID == "" || p.Data.Title == "" {
		return nil, fmt.Errorf("%w: linear payload missing issue data", model.ErrValidation)
	}
	occurred, err := parseTimestamp(p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	ev := &model.SourceEvent{
		Source:     SourceLinear,
		SourceType: "issue." + strings.ToLower(p.Action),
		SourceID:   fmt.Sprintf("%s/%s", p.Data.ID, strings.ToLower(p.Action)),
		Title:      fmt.Sprintf("[%s] %s", p.Data.Identifier, p.Data.Title),
		Body:       p.Data.Description,
		OccurredAt: occurred,
		Metadata: map[string]string{
			"identifier":  p.Data.Identifier,
			"issue_state": p.Data.State.Name,
			"team":        p.Data.Team.Key,
		},
	}
	if p.Data.Assignee != nil {
		ev.Actor = &model.EventActor{
			ID:    p.Data.Assignee.ID,
			Name:  p.Data.Assignee.Name,
			Email: p.Data.Assignee.Email,
		}
	}
	if p.Data.Identifier != "" {
		ev.References = append(ev.References, model.EventReference{Type: "ticket", ID: p.Data.Identifier})
	}
	return ev, nil
}

type vercelPayload struct {
	Type    string `json:"type"` // "deployment.succeeded" etc
	ID      string `json:"id"`
	Payload struct {
		Deployment struct {
			ID   string `json:"id"`
			URL  string `json:"url"`
			Name string `json:"name"`
			Meta struct {
				CommitMessage string `json:"githubCommitMessage"`
				CommitAuthor  string `json:"githubCommitAuthorName"`
				CommitRef     string `json:"githubCommitRef"`
			} `json:"meta"`
		} `json:"deployment"`
		Project struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"project"`
	} `json:"payload"`
	CreatedAt int64 `json:"createdAt"` // epoch millis
}

func normalizeVercel(payload []byte) (*model.SourceEvent, error) {
	var p vercelPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: vercel payload: %v", model.ErrValidation, err)
	}
	if p.Payload.Deployment.ID == "" || p.CreatedAt == 0 {
		return nil, fmt.Errorf("%w: vercel payload missing deployment or timestamp", model.ErrValidation)
	}

	status := strings.TrimPrefix(p.Type, "deployment.")
	ev := &model.SourceEvent{
		Source:     SourceVercel,
		SourceType: p.Type,
		SourceID:   p.Payload.Deployment.ID + "/" + status,
		Title:      fmt.Sprintf("[Deploy %s] %s", capitalize(status), p.Payload.Project.Name),
		Body:       p.Payload.Deployment.Meta.CommitMessage,
		OccurredAt: time.UnixMilli(p.CreatedAt).UTC(),
		Metadata: map[string]string{
			"project":       p.Payload.Project.Name,
			"deploy_status": status,
			"branch":        p.Payload.Deployment.Meta.CommitRef,
		},
	}
	if author := p.Payload.Deployment.Meta.CommitAuthor; author != "" {
		ev.Actor = &model.EventActor{ID: author, Name: author}
	}
	if url := p.Payload.Deployment.URL; url != "" {
		ev.References = append(ev.References, model.EventReference{Type: "deployment", ID: p.Payload.Deployment.ID, URL: url})
	}
	return ev, nil
}

type sentryPayload struct {
	ID      string `json:"id"`
	Project string `json:"project"`
	Level   string `json:"level"`
	Culprit string `json:"culprit"`
	Message string `json:"message"`
	URL     string `json:"url"`
	Event   struct {
		Title     string  `json:"title"`
		Timestamp float64 `json:"timestamp"` // epoch seconds
	} `json:"event"`
}

func normalizeSentry(payload []byte) (*model.SourceEvent, error) {
	var p sentryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: sentry payload: %v", model.ErrValidation, err)
	}
	if p.ID == "" || p.Project == "" {
		return nil, fmt.Errorf("%w: sentry payload missing id or project", model.ErrValidation)
	}
	if p.Event.Timestamp == 0 {
		return nil, fmt.Errorf("%w: sentry payload missing timestamp", model.ErrValidation)
	}

	title := p.Event.Title
	if title == "" {
		title = p.Message
	}
	ev := &model.SourceEvent{
		Source:     SourceSentry,
		SourceType: "error." + p.Level,
		SourceID:   p.ID,
		Title:      "[Error] " + title,
		Body:       p.Culprit,
		OccurredAt: time.Unix(int64(p.Event.Timestamp), 0).UTC(),
		Metadata: map[string]string{
			"project": p.Project,
			"level":   p.Level,
			"culprit": p.Culprit,
		},
	}
	if p.URL != "" {
		ev.References = append(ev.References, model.EventReference{Type: "error", ID: p.ID, URL: p.URL})
	}
	return ev, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: missing timestamp", model.ErrValidation)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", model.ErrValidation, s)
	}
	return t.UTC(), nil
}
