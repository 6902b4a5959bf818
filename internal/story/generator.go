// Package story generates short story concepts that weave a hidden
// narrative into video-ready ideas.
package story

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sashabaranov/go-openai"
)

// Config controls the OpenAI client behind the generator.
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	CacheTTL time.Duration
}

// Story is one generated concept plus its metadata.
type Story struct {
	Story          string `json:"story"`
	Narrative      string `json:"narrative"`
	Style          string `json:"style"`
	WordCount      int    `json:"word_count"`
	CharacterCount int    `json:"character_count"`
	Cached         bool   `json:"cached"`
}

// Generator produces story concepts, caching results per narrative and
// style so repeated requests do not burn API quota.
type Generator struct {
	client *openai.Client
	model  string
	cache  *gocache.Cache
}

func NewGenerator(cfg Config) (*Generator, error) {
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

	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = time.Hour
	}

	return &Generator{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		cache:  gocache.New(ttl, 2*ttl),
	}, nil
}

// Generate returns a brief story concept for the narrative. Style defaults
// to "engaging"; additionalContext is appended to the prompt when set.
func (g *Generator) Generate(ctx context.Context, narrative, style, additionalContext string) (Story, error) {
	if strings.TrimSpace(narrative) == "" {
		return Story{}, fmt.Errorf("narrative is required")
	}
	if style == "" {
		style = "engaging"
	}

	key := cacheKey(narrative, style, additionalContext)
	if cached, ok := g.cache.Get(key); ok {
		result := cached.(Story)
		result.Cached = true
		return result, nil
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(style)},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(narrative, additionalContext)},
		},
		Temperature: 0.8,
		MaxTokens:   150,
	})
	if err != nil {
		return Story{}, fmt.Errorf("generate story: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Story{}, fmt.Errorf("generate story: empty response")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	result := Story{
		Story:          text,
		Narrative:      narrative,
		Style:          style,
		WordCount:      len(strings.Fields(text)),
		CharacterCount: len([]rune(text)),
	}
	g.cache.Set(key, result, gocache.DefaultExpiration)

	log.Printf("generated story for narrative %q (style=%s, words=%d)", truncate(narrative, 60), style, result.WordCount)
	return result, nil
}

// Variants generates count independent concepts for the same narrative,
// skipping the cache so each call reaches the model. Failed variants are
// dropped rather than failing the whole batch.
func (g *Generator) Variants(ctx context.Context, narrative, style string, count int) ([]Story, error) {
	if count <= 0 {
		count = 3
	}
	var stories []Story
	for i := 0; i < count; i++ {
		g.cache.Delete(cacheKey(narrative, style, ""))
		s, err := g.Generate(ctx, narrative, style, "")
		if err != nil {
			log.Printf("story variant %d failed: %v", i+1, err)
			continue
		}
		stories = append(stories, s)
	}
	if len(stories) == 0 {
		return nil, fmt.Errorf("all %d story variants failed", count)
	}
	return stories, nil
}

// Refine rewrites an existing story according to the request while keeping
// the hidden narrative intact. Refinements are never cached.
func (g *Generator) Refine(ctx context.Context, original, request, narrative string) (Story, error) {
	if strings.TrimSpace(original) == "" || strings.TrimSpace(request) == "" {
		return Story{}, fmt.Errorf("original story and refinement request are required")
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: refineSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: refinePrompt(original, request, narrative)},
		},
		Temperature: 0.7,
		MaxTokens:   800,
	})
	if err != nil {
		return Story{}, fmt.Errorf("refine story: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Story{}, fmt.Errorf("refine story: empty response")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	return Story{
		Story:          text,
		Narrative:      narrative,
		WordCount:      len(strings.Fields(text)),
		CharacterCount: len([]rune(text)),
	}, nil
}

func cacheKey(narrative, style, additionalContext string) string {
	return narrative + "\x00" + style + "\x00" + additionalContext
}

func systemPrompt(style string) string {
	return fmt.Sprintf(`You are a creative video storyteller specializing in short video content for public platforms.

Your task is to create a brief story concept that subtly incorporates a hidden narrative.

Requirements:
- Style: %s
- Keep it very concise: 2-3 sentences maximum
- Focus on the core story idea that can be expanded later
- The hidden narrative should be woven naturally into the concept
- Suitable for short video platforms

Provide only a brief story concept, not a detailed outline.`, style)
}

func userPrompt(narrative, additionalContext string) string {
	prompt := fmt.Sprintf(`Create a brief story concept (2-3 sentences) that incorporates this hidden narrative:

Hidden Narrative: %q

Provide only a concise story idea that:
1. Subtly includes the hidden narrative
2. Is suitable for short video content
3. Can be expanded into a full video later

Keep it short and focused on the core concept only.`, narrative)

	if additionalContext != "" {
		prompt += "\n\nAdditional Context: " + additionalContext
	}
	return prompt
}

const refineSystemPrompt = `You are a video story editor. Your task is to refine an existing story based on specific feedback while maintaining the core narrative and video suitability.`

func refinePrompt(original, request, narrative string) string {
	return fmt.Sprintf(`Please refine this video story based on the following request:

Original Story:
%s

Hidden Narrative: %s

Refinement Request: %s

Please provide the refined story that addresses the feedback while maintaining the hidden narrative and video format suitability.`, original, narrative, request)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
