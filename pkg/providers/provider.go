// Package providers implements the uniform call surface over the external
// enrichment engines. Each stage has a typed provider interface; the Adapter
// composes primary and fallback providers into a chain with per-call
// timeouts, classified errors, bounded retries and circuit breaking.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass classifies a provider failure. Retry logic reads the class,
// never the underlying error type.
type ErrorClass string

const (
	ClassValidationError ErrorClass = "ValidationError"
	ClassAuthError       ErrorClass = "AuthError"
	ClassRateLimit       ErrorClass = "RateLimit"
	ClassTimeout         ErrorClass = "Timeout"
	ClassUpstreamError   ErrorClass = "UpstreamError"
	ClassTransient       ErrorClass = "Transient"
	ClassPermanent       ErrorClass = "Permanent"
)

// Retriable reports whether the class may succeed on retry or fallback.
func (c ErrorClass) Retriable() bool {
	switch c {
	case ClassRateLimit, ClassTimeout, ClassUpstreamError, ClassTransient:
		return true
	}
	return false
}

// Failure is the typed error every provider call resolves to.
type Failure struct {
	Class    ErrorClass
	Provider string
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s: %v", f.Provider, f.Class, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// NewFailure wraps err with a class and the provider that produced it.
func NewFailure(class ErrorClass, provider string, err error) *Failure {
	return &Failure{Class: class, Provider: provider, Err: err}
}

// ClassOf extracts the error class, defaulting to Transient for unclassified
// errors so they stay eligible for retry, and Timeout for deadline errors.
func ClassOf(err error) ErrorClass {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassTransient
}

// ClassifyHTTPStatus maps an upstream HTTP status to an error class.
func ClassifyHTTPStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuthError
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ClassTimeout
	case status >= 500:
		return ClassUpstreamError
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ClassValidationError
	case status >= 400:
		return ClassPermanent
	}
	return ClassTransient
}

// Request carries the per-item inputs a stage provider needs. EnglishText
// and Category are populated when the translation stage already completed.
type Request struct {
	SessionID    string
	ItemID       int
	JapaneseText string
	EnglishText  string
	Category     string
}

// DisplayName returns the best available name for prompts and queries.
func (r Request) DisplayName() string {
	if r.EnglishText != "" {
		return r.EnglishText
	}
	return r.JapaneseText
}

// TranslationResult is the output of the translation stage.
type TranslationResult struct {
	EnglishText string `json:"english_text"`
	Category    string `json:"category"`
}

// DescriptionResult is the output of the description stage.
type DescriptionResult struct {
	Description string `json:"description"`
}

// AllergenResult is the output of the allergen stage.
type AllergenResult struct {
	Allergens []string `json:"allergens"`
}

// IngredientResult is the output of the ingredient stage.
type IngredientResult struct {
	Ingredients []string `json:"ingredients"`
}

// Image is one image reference produced by the image stages.
type Image struct {
	URL        string
	StorageKey string
	Prompt     string
	Metadata   map[string]any
}

// ImageSearchResult is the output of the image-search stage.
type ImageSearchResult struct {
	Images []Image
}

// ImageGenResult is the output of the image-gen stage.
type ImageGenResult struct {
	Image Image
}

// Per-stage provider interfaces. Name identifies the provider in audit rows
// and events, e.g. "google_gemini" or "openai_gpt4o_mini".

type Translator interface {
	Name() string
	Translate(ctx context.Context, req Request) (*TranslationResult, error)
}

type Describer interface {
	Name() string
	Describe(ctx context.Context, req Request) (*DescriptionResult, error)
}

type AllergenDetector interface {
	Name() string
	DetectAllergens(ctx context.Context, req Request) (*AllergenResult, error)
}

type IngredientExtractor interface {
	Name() string
	ExtractIngredients(ctx context.Context, req Request) (*IngredientResult, error)
}

type ImageSearcher interface {
	Name() string
	SearchImages(ctx context.Context, req Request) (*ImageSearchResult, error)
}

type ImageGenerator interface {
	Name() string
	GenerateImage(ctx context.Context, req Request) (*ImageGenResult, error)
}

// ImageStore persists generated image bytes and returns a public URL plus
// the storage key. Implemented by the S3 store.
type ImageStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (url string, err error)
}
