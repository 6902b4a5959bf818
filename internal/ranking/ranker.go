// Package ranking scores candidate videos against a narrative and keeps
// only the strongly aligned ones.
package ranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Videos below this score are dropped from the result.
const minRelevance = 8.0

const defaultScore = 5.0

// Config controls the OpenAI client behind the ranker.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Video is the candidate metadata sent for analysis.
type Video struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Uploader    string  `json:"uploader"`
	Duration    float64 `json:"duration"`
	ViewCount   int64   `json:"view_count"`
}

// RankedVideo is a candidate with its relevance verdict attached.
type RankedVideo struct {
	Video
	RelevanceScore     float64 `json:"relevance_score"`
	RelevanceReasoning string  `json:"relevance_reasoning"`
}

type rankingResponse struct {
	Rankings []struct {
		VideoID            string  `json:"video_id"`
		RelevanceScore     float64 `json:"relevance_score"`
		RelevanceReasoning string  `json:"relevance_reasoning"`
	} `json:"rankings"`
}

// Ranker asks the model to score each video's alignment with a narrative.
type Ranker struct {
	client *openai.Client
	model  string
}

func NewRanker(cfg Config) (*Ranker, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4o
	}

	return &Ranker{client: openai.NewClientWithConfig(clientConfig), model: model}, nil
}

// Rank scores videos against the narrative and returns the relevant ones
// sorted best first. Videos scoring below 8.0 are filtered out, so an
// empty result is a normal outcome.
func (r *Ranker) Rank(ctx context.Context, videos []Video, narrative string) ([]RankedVideo, error) {
	if len(videos) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(narrative) == "" {
		return nil, fmt.Errorf("narrative is required")
	}

	userPrompt, err := r.userPrompt(videos, narrative)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: rankingSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: 0.3,
		MaxTokens:   2000,
	})
	if err != nil {
		return nil, fmt.Errorf("rank videos: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("rank videos: empty response")
	}

	ranked := applyRankings(resp.Choices[0].Message.Content, videos)

	var kept []RankedVideo
	for _, v := range ranked {
		if v.RelevanceScore >= minRelevance {
			kept = append(kept, v)
		}
	}
	log.Printf("ranked %d videos, kept %d with score >= %.1f", len(ranked), len(kept), minRelevance)
	return kept, nil
}

func (r *Ranker) userPrompt(videos []Video, narrative string) (string, error) {
	// Descriptions are truncated to keep the prompt inside the token budget.
	trimmed := make([]Video, len(videos))
	for i, v := range videos {
		if len(v.Description) > 300 {
			v.Description = v.Description[:300]
		}
		trimmed[i] = v
	}
	encoded, err := json.MarshalIndent(trimmed, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode videos: %w", err)
	}

	return fmt.Sprintf(`Narrative: %q

Videos to analyze and rank:
%s

Please analyze each video's relevance to the narrative and provide rankings in the specified JSON format. Consider how well each video's content, as indicated by its title, description, and context, aligns with the narrative theme.

Focus on:
1. Thematic alignment with the narrative
2. Content relevance based on available metadata
3. Appropriateness of the video format for the narrative
4. Potential storytelling value

Provide your response as valid JSON only.`, narrative, encoded), nil
}

// applyRankings merges the model's verdicts onto the candidates. Videos the
// model skipped, or the whole set when the response is unparseable, get the
// neutral default score.
func applyRankings(response string, videos []Video) []RankedVideo {
	cleaned := strings.TrimSpace(response)
	if after, ok := strings.CutPrefix(cleaned, "```json"); ok {
		cleaned = strings.TrimSuffix(after, "```")
	} else if after, ok := strings.CutPrefix(cleaned, "```"); ok {
		cleaned = strings.TrimSuffix(after, "```")
	}

	scores := make(map[string]RankedVideo)
	var parsed rankingResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		log.Printf("ranking response is not valid JSON, using default scores: %v", err)
	} else {
		for _, rk := range parsed.Rankings {
			reasoning := rk.RelevanceReasoning
			if reasoning == "" {
				reasoning = "No reasoning provided"
			}
			scores[rk.VideoID] = RankedVideo{RelevanceScore: rk.RelevanceScore, RelevanceReasoning: reasoning}
		}
	}

	ranked := make([]RankedVideo, 0, len(videos))
	for _, v := range videos {
		rv := RankedVideo{Video: v, RelevanceScore: defaultScore, RelevanceReasoning: "No ranking provided"}
		if verdict, ok := scores[v.ID]; ok {
			rv.RelevanceScore = verdict.RelevanceScore
			rv.RelevanceReasoning = verdict.RelevanceReasoning
		}
		ranked = append(ranked, rv)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].RelevanceScore > ranked[j].RelevanceScore
	})
	return ranked
}

const rankingSystemPrompt = `You are a video content analyst specializing in narrative alignment. Your task is to analyze YouTube videos and rank them based on their relevance to a given narrative theme.

For each video, you will analyze:
1. Title - How well does it align with the narrative?
2. Description - Does the content description support the narrative?
3. Uploader - Is the channel type relevant to the narrative?
4. Duration - Is the video length appropriate for the narrative content?
5. View count - Does popularity indicate relevance?

You must provide a JSON response with the following structure:
{
  "rankings": [
    {
      "video_id": "video_id_here",
      "relevance_score": 8.5,
      "relevance_reasoning": "Detailed explanation of why this video is relevant to the narrative"
    }
  ]
}

Scoring criteria:
- 9-10: Perfectly aligned with narrative, highly relevant content
- 7-8: Strong alignment, clearly relevant
- 5-6: Moderate alignment, somewhat relevant
- 3-4: Weak alignment, tangentially relevant
- 1-2: Poor alignment, barely relevant

Focus on narrative alignment over video quality or popularity. Be thorough in your reasoning.`
