package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/metrics"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
)

// ErrQueueSaturated is returned by Enqueue when the stage queue is full.
// The caller surfaces it as admission rejection; work is never dropped
// silently.
var ErrQueueSaturated = errors.New("stage queue saturated")

// Handler processes one dequeued task.
type Handler func(ctx context.Context, task Task)

// StagePool is a fixed set of workers consuming one stage's bounded queue.
// Tasks are dispatched FIFO; completions may reorder.
type StagePool struct {
	stage   models.Stage
	tasks   chan Task
	workers int
	handler Handler
	metrics *metrics.PipelineMetrics

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewStagePool creates a pool with the given worker count and queue
// capacity.
func NewStagePool(stage models.Stage, workers, queueSize int, handler Handler, m *metrics.PipelineMetrics) *StagePool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &StagePool{
		stage:   stage,
		tasks:   make(chan Task, queueSize),
		workers: workers,
		handler: handler,
		metrics: m,
	}
}

// Start launches the workers. They run until Stop.
func (p *StagePool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker(runCtx, i)
	}
	slog.Info("Stage pool started",
		"stage", p.stage, "workers", p.workers, "queue_size", cap(p.tasks))
}

func (p *StagePool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			p.metrics.QueueDepth.WithLabelValues(string(p.stage)).Set(float64(len(p.tasks)))
			p.handler(ctx, task)
		}
	}
}

// Enqueue adds a task without blocking. Returns ErrQueueSaturated when the
// queue is full.
func (p *StagePool) Enqueue(task Task) error {
	select {
	case p.tasks <- task:
		p.metrics.QueueDepth.WithLabelValues(string(p.stage)).Set(float64(len(p.tasks)))
		return nil
	default:
		return ErrQueueSaturated
	}
}

// Depth returns the number of queued tasks.
func (p *StagePool) Depth() int { return len(p.tasks) }

// Free returns the remaining queue capacity.
func (p *StagePool) Free() int { return cap(p.tasks) - len(p.tasks) }

// Stop cancels the workers and waits for in-flight handlers to return.
// Queued tasks are abandoned; startup recovery re-resolves them.
func (p *StagePool) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		slog.Info("Stage pool stopped", "stage", p.stage, "abandoned", len(p.tasks))
	})
}
