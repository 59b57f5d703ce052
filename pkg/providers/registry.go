package providers

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
)

// Provider names accepted in chain configuration.
const (
	ProviderGemini      = "google_gemini"
	ProviderOpenAIChat  = "openai_chat"
	ProviderOpenAIImage = "openai_image"
	ProviderImageSearch = "google_image_search"
	ProviderStub        = "stub"
)

// Settings carries the credentials and chain layout used to assemble the
// provider chains.
type Settings struct {
	OpenAIAPIKey     string
	OpenAIChatModel  string
	OpenAIImageModel string

	GeminiAPIKey string
	GeminiModel  string

	ImageSearchAPIKey     string
	ImageSearchEngineID   string
	ImageSearchQPS        float64
	ImageSearchMaxResults int

	// Chains lists provider names per stage, primary first.
	Chains map[models.Stage][]string
}

// BuildChains instantiates every provider named in the chain layout and
// assembles the per-stage chains. Provider instances are shared across
// stages so circuit-breaker state is shared too.
func BuildChains(ctx context.Context, s Settings, store ImageStore) (Chains, error) {
	var (
		chains Chains
		stub   = &Stub{}

		openAIChat *OpenAIChat
		openAIImg  *OpenAIImageGenerator
		gemini     *GeminiTranslator
		search     *GoogleImageSearcher
	)

	getOpenAIChat := func() (*OpenAIChat, error) {
		if openAIChat == nil {
			if s.OpenAIAPIKey == "" {
				return nil, fmt.Errorf("%s requires an OpenAI API key", ProviderOpenAIChat)
			}
			openAIChat = NewOpenAIChat(s.OpenAIAPIKey, shared.ChatModel(s.OpenAIChatModel))
		}
		return openAIChat, nil
	}
	getOpenAIImage := func() (*OpenAIImageGenerator, error) {
		if openAIImg == nil {
			if s.OpenAIAPIKey == "" {
				return nil, fmt.Errorf("%s requires an OpenAI API key", ProviderOpenAIImage)
			}
			openAIImg = NewOpenAIImageGenerator(s.OpenAIAPIKey, openai.ImageModel(s.OpenAIImageModel), store)
		}
		return openAIImg, nil
	}
	getGemini := func() (*GeminiTranslator, error) {
		if gemini == nil {
			if s.GeminiAPIKey == "" {
				return nil, fmt.Errorf("%s requires a Gemini API key", ProviderGemini)
			}
			var err error
			gemini, err = NewGeminiTranslator(ctx, s.GeminiAPIKey, s.GeminiModel)
			if err != nil {
				return nil, err
			}
		}
		return gemini, nil
	}
	getSearch := func() (*GoogleImageSearcher, error) {
		if search == nil {
			if s.ImageSearchAPIKey == "" || s.ImageSearchEngineID == "" {
				return nil, fmt.Errorf("%s requires an API key and engine id", ProviderImageSearch)
			}
			search = NewGoogleImageSearcher(s.ImageSearchAPIKey, s.ImageSearchEngineID,
				s.ImageSearchQPS, s.ImageSearchMaxResults)
		}
		return search, nil
	}

	for _, name := range s.Chains[models.StageTranslation] {
		switch name {
		case ProviderGemini:
			p, err := getGemini()
			if err != nil {
				return chains, err
			}
			chains.Translation = append(chains.Translation, p)
		case ProviderOpenAIChat:
			p, err := getOpenAIChat()
			if err != nil {
				return chains, err
			}
			chains.Translation = append(chains.Translation, p)
		case ProviderStub:
			chains.Translation = append(chains.Translation, stub)
		default:
			return chains, fmt.Errorf("unknown translation provider %q", name)
		}
	}

	for _, name := range s.Chains[models.StageDescription] {
		switch name {
		case ProviderOpenAIChat:
			p, err := getOpenAIChat()
			if err != nil {
				return chains, err
			}
			chains.Description = append(chains.Description, p)
		case ProviderStub:
			chains.Description = append(chains.Description, stub)
		default:
			return chains, fmt.Errorf("unknown description provider %q", name)
		}
	}

	for _, name := range s.Chains[models.StageAllergen] {
		switch name {
		case ProviderOpenAIChat:
			p, err := getOpenAIChat()
			if err != nil {
				return chains, err
			}
			chains.Allergen = append(chains.Allergen, p)
		case ProviderStub:
			chains.Allergen = append(chains.Allergen, stub)
		default:
			return chains, fmt.Errorf("unknown allergen provider %q", name)
		}
	}

	for _, name := range s.Chains[models.StageIngredient] {
		switch name {
		case ProviderOpenAIChat:
			p, err := getOpenAIChat()
			if err != nil {
				return chains, err
			}
			chains.Ingredient = append(chains.Ingredient, p)
		case ProviderStub:
			chains.Ingredient = append(chains.Ingredient, stub)
		default:
			return chains, fmt.Errorf("unknown ingredient provider %q", name)
		}
	}

	for _, name := range s.Chains[models.StageImageSearch] {
		switch name {
		case ProviderImageSearch:
			p, err := getSearch()
			if err != nil {
				return chains, err
			}
			chains.ImageSearch = append(chains.ImageSearch, p)
		case ProviderStub:
			chains.ImageSearch = append(chains.ImageSearch, stub)
		default:
			return chains, fmt.Errorf("unknown image-search provider %q", name)
		}
	}

	for _, name := range s.Chains[models.StageImageGen] {
		switch name {
		case ProviderOpenAIImage:
			p, err := getOpenAIImage()
			if err != nil {
				return chains, err
			}
			chains.ImageGen = append(chains.ImageGen, p)
		case ProviderStub:
			chains.ImageGen = append(chains.ImageGen, stub)
		default:
			return chains, fmt.Errorf("unknown image-gen provider %q", name)
		}
	}

	return chains, nil
}

// DefaultChains is the production chain layout: Gemini translates with
// OpenAI as fallback, OpenAI serves the other text stages, Custom Search
// and DALL-E serve the image stages.
func DefaultChains() map[models.Stage][]string {
	return map[models.Stage][]string{
		models.StageTranslation: {ProviderGemini, ProviderOpenAIChat},
		models.StageDescription: {ProviderOpenAIChat},
		models.StageAllergen:    {ProviderOpenAIChat},
		models.StageIngredient:  {ProviderOpenAIChat},
		models.StageImageSearch: {ProviderImageSearch},
		models.StageImageGen:    {ProviderOpenAIImage},
	}
}

// StubChains is the development layout: every stage served by the stub.
func StubChains() map[models.Stage][]string {
	return map[models.Stage][]string{
		models.StageTranslation: {ProviderStub},
		models.StageDescription: {ProviderStub},
		models.StageAllergen:    {ProviderStub},
		models.StageIngredient:  {ProviderStub},
		models.StageImageSearch: {ProviderStub},
		models.StageImageGen:    {ProviderStub},
	}
}
