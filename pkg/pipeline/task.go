// Package pipeline implements the staged fan-out: the orchestrator admits
// sessions and fans each item across six enrichment stages, one bounded
// worker pool per stage, with a reconciliation sweep for stages orphaned by
// crashes.
package pipeline

import (
	"time"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/providers"
)

// Task is one unit of stage work for one item. Deadline is absolute; a task
// dequeued past its deadline fails with a Timeout without calling the
// provider.
type Task struct {
	SessionID    string
	ItemID       int
	Stage        models.Stage
	JapaneseText string
	EnglishText  string
	Category     string
	Attempt      int
	Deadline     time.Time
}

// Request converts the task to a provider request.
func (t Task) Request() providers.Request {
	return providers.Request{
		SessionID:    t.SessionID,
		ItemID:       t.ItemID,
		JapaneseText: t.JapaneseText,
		EnglishText:  t.EnglishText,
		Category:     t.Category,
	}
}
