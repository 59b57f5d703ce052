package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/pipeline"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/providers"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/store"
)

// writeError maps domain errors to HTTP statuses: 400 input validation,
// 404 unknown session, 409 conflict, 429 admission rejection, 503 provider
// unavailable, 500 otherwise.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	var failure *providers.Failure
	switch {
	case errors.Is(err, pipeline.ErrEmptyItems),
		errors.Is(err, pipeline.ErrTooManyItems),
		errors.Is(err, pipeline.ErrItemTooLong),
		errors.Is(err, pipeline.ErrBlankItem):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, store.ErrNotCancellable):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrQueueSaturated):
		status = http.StatusTooManyRequests
	case errors.As(err, &failure):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
