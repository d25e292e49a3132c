package rater

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lightfastai/lightfast-sub011/internal/model"
)

// HTTPRater calls an OpenAI-compatible chat-completions endpoint for both
// relevance rating and summary generation.
type HTTPRater struct {
	apiBase string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPRater creates an HTTPRater. apiBase defaults to the OpenAI API.
func NewHTTPRater(apiBase, apiKey, chatModel string) *HTTPRater {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &HTTPRater{
		apiBase: apiBase,
		apiKey:  apiKey,
		model:   chatModel,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

const ratePrompt = `You rate search results for relevance to a query about engineering activity.

Input: a query and a JSON array of candidates (id, title, snippet, type, source).
Output: ONLY a JSON array, one object per candidate:
  [{"id": "...", "relevance": 0.0-1.0, "reason": "short phrase"}]

Rate 1.0 for a direct answer to the query, 0.0 for unrelated. No prose outside the JSON.`

// Rate submits candidate summaries and parses the structured ratings.
func (r *HTTPRater) Rate(ctx context.Context, query string, candidates []Candidate) ([]Rating, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	candidateJSON, err := json.Marshal(candidates)
	if err != nil {
		return nil, err
	}
	user := fmt.Sprintf("Query: %s\n\nCandidates:\n%s", query, string(candidateJSON))

	content, err := r.chat(ctx, ratePrompt, user)
	if err != nil {
		return nil, err
	}

	var ratings []Rating
	if err := json.Unmarshal([]byte(extractJSON(content)), &ratings); err != nil {
		return nil, fmt.Errorf("parse ratings: %w", err)
	}
	for i := range ratings {
		if ratings[i].Relevance < 0 {
			ratings[i].Relevance = 0
		}
		if ratings[i].Relevance > 1 {
			ratings[i].Relevance = 1
		}
	}
	return ratings, nil
}

const summaryPrompt = `You summarize a cluster of related engineering events.

Input: a topic label and a list of observation titles.
Output: 2-3 plain sentences describing what happened in this cluster. No headers, no bullets.`

// Summarize generates a short prose summary for a cluster.
func (r *HTTPRater) Summarize(ctx context.Context, topicLabel string, titles []string) (string, error) {
	user := fmt.Sprintf("Topic: %s\n\nObservations:\n- %s", topicLabel, strings.Join(titles, "\n- "))
	content, err := r.chat(ctx, summaryPrompt, user)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

func (r *HTTPRater) chat(ctx context.Context, system, user string) (string, error) {
	body := map[string]any{
		"model": r.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"max_tokens":  1500,
		"temperature": 0.0,
	}
	jsonBody, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, "POST", r.apiBase+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: rating service: %v", model.ErrDependencyUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: rating service: status %d: %s",
			model.ErrDependencyUnavailable, resp.StatusCode, string(b))
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("%w: rating service returned no choices", model.ErrDependencyUnavailable)
	}
	return response.Choices[0].Message.Content, nil
}

// extractJSON strips markdown code fences and any prose around the first
// JSON array in the model output.
func extractJSON(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
