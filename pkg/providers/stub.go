package providers

import (
	"context"
	"fmt"
	"time"
)

// Stub is a deterministic in-process provider for every stage, used in
// development mode and tests. Results are derived from the input text only.
type Stub struct {
	// Delay is applied before every call to simulate provider latency.
	Delay time.Duration

	// Fail, when set, makes every call return this failure.
	Fail *Failure
}

func (s *Stub) Name() string { return "stub" }

func (s *Stub) wait(ctx context.Context) error {
	if s.Fail != nil {
		return s.Fail
	}
	if s.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(s.Delay):
		return nil
	case <-ctx.Done():
		return NewFailure(ClassTimeout, s.Name(), ctx.Err())
	}
}

func (s *Stub) Translate(ctx context.Context, req Request) (*TranslationResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &TranslationResult{
		EnglishText: fmt.Sprintf("%s (translated)", req.JapaneseText),
		Category:    "main",
	}, nil
}

func (s *Stub) Describe(ctx context.Context, req Request) (*DescriptionResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &DescriptionResult{
		Description: fmt.Sprintf("A classic Japanese dish: %s.", req.DisplayName()),
	}, nil
}

func (s *Stub) DetectAllergens(ctx context.Context, req Request) (*AllergenResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &AllergenResult{Allergens: []string{"soy", "gluten"}}, nil
}

func (s *Stub) ExtractIngredients(ctx context.Context, req Request) (*IngredientResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &IngredientResult{Ingredients: []string{"rice", "soy sauce"}}, nil
}

func (s *Stub) SearchImages(ctx context.Context, req Request) (*ImageSearchResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &ImageSearchResult{Images: []Image{{
		URL:      fmt.Sprintf("https://images.example.com/%s/%d.jpg", req.SessionID, req.ItemID),
		Metadata: map[string]any{"query": req.DisplayName()},
	}}}, nil
}

func (s *Stub) GenerateImage(ctx context.Context, req Request) (*ImageGenResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	prompt := "Food photography of " + req.DisplayName()
	return &ImageGenResult{Image: Image{
		URL:    fmt.Sprintf("https://generated.example.com/%s/%d.png", req.SessionID, req.ItemID),
		Prompt: prompt,
	}}, nil
}

var (
	_ Translator          = (*Stub)(nil)
	_ Describer           = (*Stub)(nil)
	_ AllergenDetector    = (*Stub)(nil)
	_ IngredientExtractor = (*Stub)(nil)
	_ ImageSearcher       = (*Stub)(nil)
	_ ImageGenerator      = (*Stub)(nil)
)
