package content

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

const defaultStoryModel = "gemini-2.0-flash"

const storyPromptTemplate = `Write a short practice story for a sign language learner.
Subject: %s
Difficulty: %s

Return only JSON of the shape:
{"title": string, "sentences": [{"text": string, "reference": string}]}

Rules:
- %d to %d sentences, each a single short declarative sentence.
- "reference" is a lowercase snake_case gloss key for the sentence.
- Plain everyday vocabulary appropriate for the difficulty.`

// GenAIGenerator produces stories with a single Gemini call per request.
type GenAIGenerator struct {
	client *genai.Client
	model  string
}

// NewGenAIGenerator builds a generator against the Gemini API.
func NewGenAIGenerator(ctx context.Context, apiKey, model string) (*GenAIGenerator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if strings.TrimSpace(model) == "" {
		model = defaultStoryModel
	}
	return &GenAIGenerator{client: client, model: model}, nil
}

// Generate implements Generator.
func (g *GenAIGenerator) Generate(ctx context.Context, req Request) (*Story, error) {
	minSentences, maxSentences := sentenceBudget(req.Level)
	prompt := fmt.Sprintf(storyPromptTemplate, req.subject(), req.Level, minSentences, maxSentences)

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.6),
	})
	if err != nil {
		return nil, fmt.Errorf("generate story: %w", err)
	}

	story, err := parseGeneratedStory(resp.Text())
	if err != nil {
		return nil, err
	}
	story.ID = "gen_" + uuid.NewString()
	story.Level = req.Level
	story.Topic = req.subject()
	return story, nil
}

func sentenceBudget(level Level) (int, int) {
	switch level {
	case LevelAdvanced:
		return 5, 7
	case LevelIntermediate:
		return 4, 5
	default:
		return 3, 4
	}
}

func parseGeneratedStory(text string) (*Story, error) {
	text = strings.TrimSpace(text)
	// Models occasionally fence the JSON despite the response MIME type.
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var out struct {
		Title     string `json:"title"`
		Sentences []struct {
			Text      string `json:"text"`
			Reference string `json:"reference"`
		} `json:"sentences"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("parse generated story: %w", err)
	}

	story := &Story{Title: strings.TrimSpace(out.Title)}
	if story.Title == "" {
		return nil, fmt.Errorf("generated story has no title")
	}
	for _, s := range out.Sentences {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		story.Sentences = append(story.Sentences, Sentence{
			Text:      strings.TrimSpace(s.Text),
			Reference: strings.TrimSpace(s.Reference),
		})
	}
	if err := story.Validate(); err != nil {
		return nil, err
	}
	return story, nil
}
