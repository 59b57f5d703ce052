package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIChat serves the text stages through the chat completions API. The
// model is asked to answer with a single JSON object matching the stage's
// result type.
type OpenAIChat struct {
	client openai.Client
	model  shared.ChatModel
	name   string
}

// NewOpenAIChat creates a chat provider. An empty model defaults to
// gpt-4o-mini.
func NewOpenAIChat(apiKey string, model shared.ChatModel) *OpenAIChat {
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &OpenAIChat{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		name:   "openai_" + strings.ReplaceAll(string(model), "-", "_"),
	}
}

func (p *OpenAIChat) Name() string { return p.name }

func (p *OpenAIChat) Translate(ctx context.Context, req Request) (*TranslationResult, error) {
	prompt := fmt.Sprintf(
		`Translate this Japanese dish name to natural English and classify it.
Dish: %q
Respond with only a JSON object: {"english_text": "...", "category": "appetizer|main|side|dessert|drink|other"}`,
		req.JapaneseText)

	var result TranslationResult
	if err := p.completeJSON(ctx, "You are a Japanese restaurant menu translator.", prompt, &result); err != nil {
		return nil, err
	}
	if result.EnglishText == "" {
		return nil, NewFailure(ClassUpstreamError, p.name,
			errors.New("model returned empty translation"))
	}
	return &result, nil
}

func (p *OpenAIChat) Describe(ctx context.Context, req Request) (*DescriptionResult, error) {
	prompt := fmt.Sprintf(
		`Write a short appetizing menu description (max 2 sentences) for the Japanese dish %q (English: %q).
Respond with only a JSON object: {"description": "..."}`,
		req.JapaneseText, req.DisplayName())

	var result DescriptionResult
	if err := p.completeJSON(ctx, "You write concise restaurant menu descriptions.", prompt, &result); err != nil {
		return nil, err
	}
	if result.Description == "" {
		return nil, NewFailure(ClassUpstreamError, p.name,
			errors.New("model returned empty description"))
	}
	return &result, nil
}

func (p *OpenAIChat) DetectAllergens(ctx context.Context, req Request) (*AllergenResult, error) {
	prompt := fmt.Sprintf(
		`List the likely allergens in the Japanese dish %q (English: %q).
Use only these labels: gluten, dairy, egg, soy, fish, shellfish, peanut, tree_nut, sesame, buckwheat.
Respond with only a JSON object: {"allergens": ["..."]}`,
		req.JapaneseText, req.DisplayName())

	var result AllergenResult
	if err := p.completeJSON(ctx, "You are a food allergen analyst.", prompt, &result); err != nil {
		return nil, err
	}
	if result.Allergens == nil {
		result.Allergens = []string{}
	}
	return &result, nil
}

func (p *OpenAIChat) ExtractIngredients(ctx context.Context, req Request) (*IngredientResult, error) {
	prompt := fmt.Sprintf(
		`List the main ingredients of the Japanese dish %q (English: %q), most prominent first.
Respond with only a JSON object: {"ingredients": ["..."]}`,
		req.JapaneseText, req.DisplayName())

	var result IngredientResult
	if err := p.completeJSON(ctx, "You are a Japanese cuisine expert.", prompt, &result); err != nil {
		return nil, err
	}
	if result.Ingredients == nil {
		result.Ingredients = []string{}
	}
	return &result, nil
}

// completeJSON runs one chat completion and decodes the JSON object the
// model answered with into out.
func (p *OpenAIChat) completeJSON(ctx context.Context, system, prompt string, out any) error {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: p.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return classifyOpenAIError(err, p.name)
	}
	if len(resp.Choices) == 0 {
		return NewFailure(ClassUpstreamError, p.name, errors.New("completion has no choices"))
	}
	content := stripJSONFences(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return NewFailure(ClassUpstreamError, p.name,
			fmt.Errorf("model answer is not valid JSON: %w", err))
	}
	return nil
}

// OpenAIImageGenerator serves image-gen through the images API, uploading
// the generated bytes to the image store. Without a store the provider
// returns the upstream's ephemeral URL directly.
type OpenAIImageGenerator struct {
	client openai.Client
	model  openai.ImageModel
	store  ImageStore
	name   string
}

// NewOpenAIImageGenerator creates an image-gen provider. An empty model
// defaults to dall-e-3.
func NewOpenAIImageGenerator(apiKey string, model openai.ImageModel, store ImageStore) *OpenAIImageGenerator {
	if model == "" {
		model = openai.ImageModelDallE3
	}
	return &OpenAIImageGenerator{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		store:  store,
		name:   "openai_" + strings.ReplaceAll(string(model), "-", "_"),
	}
}

func (p *OpenAIImageGenerator) Name() string { return p.name }

func (p *OpenAIImageGenerator) GenerateImage(ctx context.Context, req Request) (*ImageGenResult, error) {
	prompt := fmt.Sprintf(
		"Professional food photography of %s, a Japanese restaurant dish, plated, natural lighting",
		req.DisplayName())

	params := openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  p.model,
		N:      openai.Int(1),
		Size:   openai.ImageGenerateParamsSize1024x1024,
	}
	if p.store != nil {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatB64JSON
	} else {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatURL
	}

	resp, err := p.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(err, p.name)
	}
	if len(resp.Data) == 0 {
		return nil, NewFailure(ClassUpstreamError, p.name, errors.New("image response has no data"))
	}

	img := Image{Prompt: prompt, Metadata: map[string]any{"model": string(p.model)}}
	if p.store == nil {
		img.URL = resp.Data[0].URL
		return &ImageGenResult{Image: img}, nil
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, NewFailure(ClassUpstreamError, p.name,
			fmt.Errorf("failed to decode generated image: %w", err))
	}
	key := fmt.Sprintf("generated/%s/%d/%s.png", req.SessionID, req.ItemID, uuid.NewString())
	url, err := p.store.Upload(ctx, key, raw, "image/png")
	if err != nil {
		return nil, NewFailure(ClassTransient, p.name,
			fmt.Errorf("failed to store generated image: %w", err))
	}
	img.URL = url
	img.StorageKey = key
	return &ImageGenResult{Image: img}, nil
}

// classifyOpenAIError maps an openai-go error to a classified failure using
// the HTTP status when available.
func classifyOpenAIError(err error, provider string) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return NewFailure(ClassifyHTTPStatus(apiErr.StatusCode), provider, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewFailure(ClassTimeout, provider, err)
	}
	return NewFailure(ClassTransient, provider, err)
}

// stripJSONFences removes a markdown code fence the model may wrap its JSON
// answer in.
func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

var _ Translator = (*OpenAIChat)(nil)
var _ Describer = (*OpenAIChat)(nil)
var _ AllergenDetector = (*OpenAIChat)(nil)
var _ IngredientExtractor = (*OpenAIChat)(nil)
var _ ImageGenerator = (*OpenAIImageGenerator)(nil)
