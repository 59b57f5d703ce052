package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/metrics"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
)

func newTestOrchestrator(cfg Config) *Orchestrator {
	return New(cfg, nil, nil, nil, metrics.NewNop())
}

func TestStartSessionValidation(t *testing.T) {
	o := newTestOrchestrator(Config{MaxItemsPerSession: 3, MaxItemTextLength: 10})
	ctx := context.Background()

	_, err := o.StartSession(ctx, "", nil, nil)
	assert.ErrorIs(t, err, ErrEmptyItems)

	_, err = o.StartSession(ctx, "", []string{"a", "b", "c", "d"}, nil)
	assert.ErrorIs(t, err, ErrTooManyItems)

	_, err = o.StartSession(ctx, "", []string{"唐揚げ", "   "}, nil)
	assert.ErrorIs(t, err, ErrBlankItem)

	// The length limit counts runes, not bytes: 10 three-byte runes pass.
	require.NoError(t, o.validate([]string{strings.Repeat("寿", 10)}))
	_, err = o.StartSession(ctx, "", []string{strings.Repeat("寿", 11)}, nil)
	assert.ErrorIs(t, err, ErrItemTooLong)
}

func TestAdmissionRejectsWhenSaturated(t *testing.T) {
	o := newTestOrchestrator(Config{
		GateOnTranslation: true,
		QueueSize:         map[models.Stage]int{models.StageTranslation: 1},
	})

	// Fill the translation queue; pools are not started so nothing drains.
	require.NoError(t, o.pools[models.StageTranslation].Enqueue(Task{SessionID: "other"}))

	_, err := o.StartSession(context.Background(), "", []string{"唐揚げ"}, nil)
	assert.ErrorIs(t, err, ErrQueueSaturated)
}

func TestAdmissionChecksAllPoolsWhenUngated(t *testing.T) {
	o := newTestOrchestrator(Config{
		GateOnTranslation: false,
		QueueSize: map[models.Stage]int{
			models.StageTranslation: 8,
			models.StageImageGen:    1,
		},
	})

	require.NoError(t, o.pools[models.StageImageGen].Enqueue(Task{SessionID: "other"}))

	// Translation has room but image_gen does not; ungated sessions need
	// capacity in every stage.
	_, err := o.StartSession(context.Background(), "", []string{"唐揚げ"}, nil)
	assert.ErrorIs(t, err, ErrQueueSaturated)
}

func TestIsCancelled(t *testing.T) {
	o := newTestOrchestrator(Config{})

	assert.False(t, o.IsCancelled("sess-1"))
	o.cancelledMu.Lock()
	o.cancelled["sess-1"] = time.Now()
	o.cancelledMu.Unlock()
	assert.True(t, o.IsCancelled("sess-1"))
}

func TestTaskRequest(t *testing.T) {
	task := Task{
		SessionID:    "sess-1",
		ItemID:       2,
		Stage:        models.StageDescription,
		JapaneseText: "唐揚げ",
		EnglishText:  "Fried Chicken",
		Category:     "main",
	}
	req := task.Request()
	assert.Equal(t, "sess-1", req.SessionID)
	assert.Equal(t, 2, req.ItemID)
	assert.Equal(t, "Fried Chicken", req.EnglishText)
	assert.Equal(t, "Fried Chicken", req.DisplayName())
}
