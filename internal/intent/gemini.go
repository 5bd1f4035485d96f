package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
)

type geminiModel interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiClassifier asks Gemini for the caller's intent.
type GeminiClassifier struct {
	client *genai.Client
	model  geminiModel
}

var _ dialogue.IntentClassifier = (*GeminiClassifier)(nil)

// NewGeminiClassifier creates a classifier backed by the Gemini API.
func NewGeminiClassifier(ctx context.Context, apiKey, modelID string) (*GeminiClassifier, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("intent: gemini api key is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("intent: failed to create gemini client: %w", err)
	}
	model := client.GenerativeModel(modelID)
	model.SetTemperature(0)
	model.SetMaxOutputTokens(64)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = genai.NewUserContent(genai.Text(systemPrompt))
	return &GeminiClassifier{client: client, model: model}, nil
}

func (c *GeminiClassifier) ClassifyIntent(ctx context.Context, text string) (dialogue.Intent, error) {
	resp, err := c.model.GenerateContent(ctx, genai.Text(userPrompt(text)))
	if err != nil {
		return dialogue.Intent{}, fmt.Errorf("intent: gemini completion failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return dialogue.Intent{}, errors.New("intent: gemini returned no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return dialogue.Intent{}, errors.New("intent: gemini returned empty content")
	}
	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return parseIntent(b.String())
}

// Close releases resources held by the Gemini client.
func (c *GeminiClassifier) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
