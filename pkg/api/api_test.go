package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/pipeline"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/providers"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"empty items", pipeline.ErrEmptyItems, http.StatusBadRequest},
		{"too many items", fmt.Errorf("%w: 300 > 200", pipeline.ErrTooManyItems), http.StatusBadRequest},
		{"blank item", pipeline.ErrBlankItem, http.StatusBadRequest},
		{"item too long", pipeline.ErrItemTooLong, http.StatusBadRequest},
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"already exists", store.ErrAlreadyExists, http.StatusConflict},
		{"not cancellable", store.ErrNotCancellable, http.StatusConflict},
		{"queue saturated", pipeline.ErrQueueSaturated, http.StatusTooManyRequests},
		{"provider failure", providers.NewFailure(providers.ClassUpstreamError, "openai_chat",
			errors.New("503")), http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			writeError(c, tt.err)
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, w.Body.String(), "error")
		})
	}
}

func TestParseLastEventID(t *testing.T) {
	mk := func(query, header string) *gin.Context {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/sessions/s/stream"+query, nil)
		if header != "" {
			c.Request.Header.Set("Last-Event-ID", header)
		}
		return c
	}

	assert.Equal(t, int64(0), parseLastEventID(mk("", "")))
	assert.Equal(t, int64(42), parseLastEventID(mk("?last_event_id=42", "")))
	assert.Equal(t, int64(7), parseLastEventID(mk("", "7")))
	// The query parameter wins over the header.
	assert.Equal(t, int64(42), parseLastEventID(mk("?last_event_id=42", "7")))
	// Malformed or negative values restart from the snapshot.
	assert.Equal(t, int64(0), parseLastEventID(mk("?last_event_id=abc", "")))
	assert.Equal(t, int64(0), parseLastEventID(mk("?last_event_id=-3", "")))
}

func TestCORSMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(corsMiddleware([]string{"https://app.example.com"}))
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	// Allowed origin is echoed back.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://app.example.com")
	router.ServeHTTP(w, req)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	// Unknown origin gets no CORS headers.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	// Preflight short-circuits.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "https://app.example.com")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCORSMiddlewareEmptyListAllowsAll(t *testing.T) {
	router := gin.New()
	router.Use(corsMiddleware(nil))
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	router.ServeHTTP(w, req)
	assert.Equal(t, "https://anywhere.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}
