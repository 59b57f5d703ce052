package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
)

// Chains holds the ordered provider list per stage: primary first, then
// fallbacks.
type Chains struct {
	Translation []Translator
	Description []Describer
	Allergen    []AllergenDetector
	Ingredient  []IngredientExtractor
	ImageSearch []ImageSearcher
	ImageGen    []ImageGenerator
}

// AdapterConfig tunes the retry and timeout policy shared by all stages.
type AdapterConfig struct {
	// StageTimeouts bounds each individual provider call. The underlying
	// client's own timeout, if any, is not trusted.
	StageTimeouts map[models.Stage]time.Duration

	// MaxRetries is the per-provider retry budget before advancing to the
	// next fallback.
	MaxRetries uint64

	// InitialBackoff is the first retry delay; subsequent delays grow
	// exponentially with jitter.
	InitialBackoff time.Duration
}

const (
	defaultStageTimeout   = 60 * time.Second
	defaultMaxRetries     = 2
	defaultInitialBackoff = 500 * time.Millisecond
)

// Adapter fans a stage call across its provider chain. Every outcome,
// success or final failure, reports which provider was asked last, the
// total wall-clock elapsed, and whether a fallback produced the result.
type Adapter struct {
	chains Chains
	cfg    AdapterConfig

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

// NewAdapter creates an adapter over the given chains.
func NewAdapter(chains Chains, cfg AdapterConfig) *Adapter {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	return &Adapter{
		chains:   chains,
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (a *Adapter) timeout(stage models.Stage) time.Duration {
	if d, ok := a.cfg.StageTimeouts[stage]; ok && d > 0 {
		return d
	}
	return defaultStageTimeout
}

// breaker returns the circuit breaker for a provider, creating it on first
// use. A provider failing five calls in a row is skipped for 30 seconds.
func (a *Adapter) breaker(name string) *gobreaker.CircuitBreaker {
	a.breakersMu.Lock()
	defer a.breakersMu.Unlock()
	if cb, ok := a.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Provider circuit breaker state change",
				"provider", name, "from", from.String(), "to", to.String())
		},
	})
	a.breakers[name] = cb
	return cb
}

// Translate runs the translation chain.
func (a *Adapter) Translate(ctx context.Context, req Request) (*TranslationResult, models.ProviderInfo, error) {
	chain := make([]attempt[TranslationResult], 0, len(a.chains.Translation))
	for _, p := range a.chains.Translation {
		chain = append(chain, attempt[TranslationResult]{p.Name(),
			func(ctx context.Context) (*TranslationResult, error) { return p.Translate(ctx, req) }})
	}
	return run(ctx, a, models.StageTranslation, chain)
}

// Describe runs the description chain.
func (a *Adapter) Describe(ctx context.Context, req Request) (*DescriptionResult, models.ProviderInfo, error) {
	chain := make([]attempt[DescriptionResult], 0, len(a.chains.Description))
	for _, p := range a.chains.Description {
		chain = append(chain, attempt[DescriptionResult]{p.Name(),
			func(ctx context.Context) (*DescriptionResult, error) { return p.Describe(ctx, req) }})
	}
	return run(ctx, a, models.StageDescription, chain)
}

// DetectAllergens runs the allergen chain.
func (a *Adapter) DetectAllergens(ctx context.Context, req Request) (*AllergenResult, models.ProviderInfo, error) {
	chain := make([]attempt[AllergenResult], 0, len(a.chains.Allergen))
	for _, p := range a.chains.Allergen {
		chain = append(chain, attempt[AllergenResult]{p.Name(),
			func(ctx context.Context) (*AllergenResult, error) { return p.DetectAllergens(ctx, req) }})
	}
	return run(ctx, a, models.StageAllergen, chain)
}

// ExtractIngredients runs the ingredient chain.
func (a *Adapter) ExtractIngredients(ctx context.Context, req Request) (*IngredientResult, models.ProviderInfo, error) {
	chain := make([]attempt[IngredientResult], 0, len(a.chains.Ingredient))
	for _, p := range a.chains.Ingredient {
		chain = append(chain, attempt[IngredientResult]{p.Name(),
			func(ctx context.Context) (*IngredientResult, error) { return p.ExtractIngredients(ctx, req) }})
	}
	return run(ctx, a, models.StageIngredient, chain)
}

// SearchImages runs the image-search chain.
func (a *Adapter) SearchImages(ctx context.Context, req Request) (*ImageSearchResult, models.ProviderInfo, error) {
	chain := make([]attempt[ImageSearchResult], 0, len(a.chains.ImageSearch))
	for _, p := range a.chains.ImageSearch {
		chain = append(chain, attempt[ImageSearchResult]{p.Name(),
			func(ctx context.Context) (*ImageSearchResult, error) { return p.SearchImages(ctx, req) }})
	}
	return run(ctx, a, models.StageImageSearch, chain)
}

// GenerateImage runs the image-gen chain.
func (a *Adapter) GenerateImage(ctx context.Context, req Request) (*ImageGenResult, models.ProviderInfo, error) {
	chain := make([]attempt[ImageGenResult], 0, len(a.chains.ImageGen))
	for _, p := range a.chains.ImageGen {
		chain = append(chain, attempt[ImageGenResult]{p.Name(),
			func(ctx context.Context) (*ImageGenResult, error) { return p.GenerateImage(ctx, req) }})
	}
	return run(ctx, a, models.StageImageGen, chain)
}

// attempt is one provider call in a chain.
type attempt[T any] struct {
	name string
	call func(ctx context.Context) (*T, error)
}

// run tries each provider in order. A provider gets the adapter's retry
// budget for retriable classes; a non-retriable class aborts the whole
// chain. info is populated on every path.
func run[T any](ctx context.Context, a *Adapter, stage models.Stage, chain []attempt[T]) (result *T, info models.ProviderInfo, err error) {
	start := time.Now()
	defer func() { info.ElapsedMS = time.Since(start).Milliseconds() }()

	if len(chain) == 0 {
		return nil, info, NewFailure(ClassPermanent, "",
			fmt.Errorf("no provider configured for stage %s", stage))
	}

	var lastErr error
	for i, att := range chain {
		info.Provider = att.name
		info.FallbackUsed = i > 0

		hopStart := time.Now()
		result, lastErr = tryProvider(ctx, a, stage, att)
		if lastErr == nil {
			return result, info, nil
		}
		if !ClassOf(lastErr).Retriable() || ctx.Err() != nil {
			return nil, info, lastErr
		}
		if i < len(chain)-1 {
			// The exhausted provider gets its own audit entry; the last
			// provider in the chain is covered by the terminal record.
			info.Attempts = append(info.Attempts, models.ProviderAttempt{
				Provider:     att.name,
				ErrorClass:   string(ClassOf(lastErr)),
				ErrorMessage: lastErr.Error(),
				ElapsedMS:    time.Since(hopStart).Milliseconds(),
				FallbackUsed: i > 0,
			})
			slog.Warn("Provider failed, advancing to fallback",
				"stage", stage, "provider", att.name,
				"class", ClassOf(lastErr), "error", lastErr)
		}
	}
	return nil, info, lastErr
}

// tryProvider runs one provider with the per-call timeout, circuit breaker
// and jittered exponential retry.
func tryProvider[T any](ctx context.Context, a *Adapter, stage models.Stage, att attempt[T]) (*T, error) {
	cb := a.breaker(att.name)

	var result *T
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout(stage))
		defer cancel()

		out, err := cb.Execute(func() (any, error) {
			return att.call(callCtx)
		})
		if err == nil {
			result = out.(*T)
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Skip straight to the fallback while the breaker is open.
			return backoff.Permanent(NewFailure(ClassTransient, att.name, err))
		}
		failure := ensureFailure(err, att.name)
		if ctx.Err() != nil || !failure.Class.Retriable() {
			return backoff.Permanent(failure)
		}
		return failure
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.InitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, a.cfg.MaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, ensureFailure(err, att.name)
	}
	return result, nil
}

// ensureFailure normalizes any error to a classified *Failure.
func ensureFailure(err error, provider string) *Failure {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	return NewFailure(ClassOf(err), provider, err)
}
