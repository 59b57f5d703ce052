package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// GeminiTranslator serves the translation stage through the Gemini API.
type GeminiTranslator struct {
	client *genai.Client
	model  string
}

// NewGeminiTranslator creates a translator. An empty model defaults to
// gemini-2.0-flash.
func NewGeminiTranslator(ctx context.Context, apiKey, model string) (*GeminiTranslator, error) {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiTranslator{client: client, model: model}, nil
}

func (t *GeminiTranslator) Name() string { return "google_gemini" }

func (t *GeminiTranslator) Translate(ctx context.Context, req Request) (*TranslationResult, error) {
	prompt := fmt.Sprintf(
		`Translate this Japanese dish name to natural English and classify it.
Dish: %q
Answer with only a JSON object: {"english_text": "...", "category": "appetizer|main|side|dessert|drink|other"}`,
		req.JapaneseText)

	resp, err := t.client.Models.GenerateContent(ctx, t.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"})
	if err != nil {
		return nil, classifyGeminiError(err, t.Name())
	}

	var result TranslationResult
	if err := json.Unmarshal([]byte(stripJSONFences(resp.Text())), &result); err != nil {
		return nil, NewFailure(ClassUpstreamError, t.Name(),
			fmt.Errorf("model answer is not valid JSON: %w", err))
	}
	if result.EnglishText == "" {
		return nil, NewFailure(ClassUpstreamError, t.Name(),
			errors.New("model returned empty translation"))
	}
	return &result, nil
}

func classifyGeminiError(err error, provider string) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return NewFailure(ClassifyHTTPStatus(apiErr.Code), provider, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewFailure(ClassTimeout, provider, err)
	}
	return NewFailure(ClassTransient, provider, err)
}

var _ Translator = (*GeminiTranslator)(nil)
