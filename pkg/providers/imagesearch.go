package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/time/rate"
)

const customSearchEndpoint = "https://www.googleapis.com/customsearch/v1"

// GoogleImageSearcher serves image-search through the Custom Search JSON
// API. Calls are rate-limited client-side; the API's own quota errors map
// to RateLimit and advance the chain.
type GoogleImageSearcher struct {
	httpClient *http.Client
	apiKey     string
	engineID   string
	maxResults int
	limiter    *rate.Limiter
}

// NewGoogleImageSearcher creates a searcher limited to qps queries per
// second, returning at most maxResults images per item.
func NewGoogleImageSearcher(apiKey, engineID string, qps float64, maxResults int) *GoogleImageSearcher {
	if qps <= 0 {
		qps = 5
	}
	if maxResults <= 0 || maxResults > 10 {
		maxResults = 3
	}
	return &GoogleImageSearcher{
		httpClient: &http.Client{},
		apiKey:     apiKey,
		engineID:   engineID,
		maxResults: maxResults,
		limiter:    rate.NewLimiter(rate.Limit(qps), 1),
	}
}

func (s *GoogleImageSearcher) Name() string { return "google_image_search" }

// SearchImages queries for reference photos of the dish. Zero results is a
// success: the stage completes with no images attached.
func (s *GoogleImageSearcher) SearchImages(ctx context.Context, req Request) (*ImageSearchResult, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, NewFailure(ClassTimeout, s.Name(), err)
	}

	query := req.DisplayName() + " japanese food dish"
	params := url.Values{
		"key":        {s.apiKey},
		"cx":         {s.engineID},
		"q":          {query},
		"searchType": {"image"},
		"num":        {strconv.Itoa(s.maxResults)},
		"safe":       {"active"},
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		customSearchEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, NewFailure(ClassPermanent, s.Name(), err)
	}
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewFailure(ClassOf(err), s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, NewFailure(ClassifyHTTPStatus(resp.StatusCode), s.Name(),
			fmt.Errorf("image search returned status %d", resp.StatusCode))
	}

	var body struct {
		Items []struct {
			Link  string `json:"link"`
			Title string `json:"title"`
			Image struct {
				ContextLink string `json:"contextLink"`
			} `json:"image"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, NewFailure(ClassUpstreamError, s.Name(),
			fmt.Errorf("failed to decode search response: %w", err))
	}

	result := &ImageSearchResult{}
	for _, item := range body.Items {
		result.Images = append(result.Images, Image{
			URL: item.Link,
			Metadata: map[string]any{
				"title":        item.Title,
				"context_link": item.Image.ContextLink,
				"query":        query,
			},
		})
	}
	return result, nil
}

var _ ImageSearcher = (*GoogleImageSearcher)(nil)
