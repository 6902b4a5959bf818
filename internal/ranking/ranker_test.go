package ranking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
)

func rankingServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openai.ChatCompletionResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o",
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Role: "assistant", Content: content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func sampleVideos() []Video {
	return []Video{
		{ID: "v1", Title: "First", Uploader: "chan-a", Duration: 42, ViewCount: 1000},
		{ID: "v2", Title: "Second", Uploader: "chan-b", Duration: 90, ViewCount: 50},
		{ID: "v3", Title: "Third", Uploader: "chan-c", Duration: 15, ViewCount: 7},
	}
}

func TestRankFiltersAndSorts(t *testing.T) {
	content := `{"rankings": [
		{"video_id": "v1", "relevance_score": 8.5, "relevance_reasoning": "strong match"},
		{"video_id": "v2", "relevance_score": 3.0, "relevance_reasoning": "weak"},
		{"video_id": "v3", "relevance_score": 9.5, "relevance_reasoning": "perfect"}
	]}`
	server := rankingServer(t, content)
	defer server.Close()

	ranker, err := NewRanker(Config{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewRanker() error = %v", err)
	}

	got, err := ranker.Rank(context.Background(), sampleVideos(), "the narrative")
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d videos, want 2 above threshold", len(got))
	}
	if got[0].ID != "v3" || got[1].ID != "v1" {
		t.Errorf("wrong order: %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].RelevanceReasoning != "perfect" {
		t.Errorf("reasoning not carried over: %q", got[0].RelevanceReasoning)
	}
}

func TestRankHandlesFencedJSON(t *testing.T) {
	content := "```json\n{\"rankings\": [{\"video_id\": \"v1\", \"relevance_score\": 9.0, \"relevance_reasoning\": \"good\"}]}\n```"
	server := rankingServer(t, content)
	defer server.Close()

	ranker, err := NewRanker(Config{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewRanker() error = %v", err)
	}

	got, err := ranker.Rank(context.Background(), sampleVideos()[:1], "the narrative")
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if len(got) != 1 || got[0].RelevanceScore != 9.0 {
		t.Fatalf("fenced JSON not parsed: %+v", got)
	}
}

func TestRankUnparseableResponseFiltersEverything(t *testing.T) {
	server := rankingServer(t, "sorry, I cannot produce JSON today")
	defer server.Close()

	ranker, err := NewRanker(Config{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewRanker() error = %v", err)
	}

	// Default score 5.0 sits below the keep threshold.
	got, err := ranker.Rank(context.Background(), sampleVideos(), "the narrative")
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d videos, want 0 when response is unparseable", len(got))
	}
}

func TestRankEmptyInput(t *testing.T) {
	ranker, err := NewRanker(Config{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewRanker() error = %v", err)
	}
	got, err := ranker.Rank(context.Background(), nil, "the narrative")
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for empty input, got %+v", got)
	}
}

func TestRankAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited", "type": "rate_limit_error"}}`))
	}))
	defer server.Close()

	ranker, err := NewRanker(Config{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewRanker() error = %v", err)
	}
	if _, err := ranker.Rank(context.Background(), sampleVideos(), "the narrative"); err == nil {
		t.Fatal("expected error from API failure")
	}
}

func TestApplyRankingsDefaultsMissingVideos(t *testing.T) {
	content := `{"rankings": [{"video_id": "v1", "relevance_score": 8.0}]}`
	ranked := applyRankings(content, sampleVideos())
	if len(ranked) != 3 {
		t.Fatalf("got %d ranked videos, want 3", len(ranked))
	}
	if ranked[0].ID != "v1" {
		t.Errorf("scored video should sort first, got %s", ranked[0].ID)
	}
	for _, v := range ranked[1:] {
		if v.RelevanceScore != defaultScore {
			t.Errorf("video %s score = %v, want default", v.ID, v.RelevanceScore)
		}
		if v.RelevanceReasoning != "No ranking provided" {
			t.Errorf("video %s reasoning = %q", v.ID, v.RelevanceReasoning)
		}
	}
	if ranked[0].RelevanceReasoning != "No reasoning provided" {
		t.Errorf("missing reasoning default not applied: %q", ranked[0].RelevanceReasoning)
	}
}
