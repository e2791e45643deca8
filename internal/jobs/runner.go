package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeintel/internal/logging"
)

// Handler executes a specific kind of job.
type Handler func(ctx context.Context, job *Job) error

// Runner polls the store and executes claimed jobs. A single worker keeps
// conversion ordering simple; delayed jobs become claimable when their
// process-after time passes.
type Runner struct {
	store    *Store
	logger   *logging.Logger
	handlers map[Name]Handler
	interval time.Duration

	done chan struct{}
	mu   sync.RWMutex
	wg   sync.WaitGroup
}

// NewRunner creates a runner polling the store at the given interval.
func NewRunner(store *Store, logger *logging.Logger, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Second
	}
	return &Runner{
		store:    store,
		logger:   logger,
		handlers: make(map[Name]Handler),
		interval: interval,
		done:     make(chan struct{}),
	}
}

// RegisterHandler registers the handler for a job name.
func (r *Runner) RegisterHandler(name Name, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
	r.logger.Debug("Registered job handler", map[string]interface{}{
		"name": name,
	})
}

// Start begins processing jobs until Stop is called.
func (r *Runner) Start() {
	r.logger.Info("Starting job runner", map[string]interface{}{
		"interval": r.interval.String(),
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.drain()
			}
		}
	}()
}

// Stop halts processing and waits for the in-flight job to finish.
func (r *Runner) Stop() {
	close(r.done)
	r.wg.Wait()
}

// drain processes queued jobs until the queue is empty.
func (r *Runner) drain() {
	for {
		select {
		case <-r.done:
			return
		default:
		}

		job, err := r.store.Dequeue(context.Background())
		if err != nil {
			r.logger.Error("Failed to dequeue job", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		if job == nil {
			return
		}
		r.process(job)
	}
}

func (r *Runner) process(job *Job) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Name]
	r.mu.RUnlock()

	if !ok {
		reason := fmt.Sprintf("no handler registered for %q", job.Name)
		if err := r.store.MarkFailed(context.Background(), job.ID, reason); err != nil {
			r.logger.Error("Failed to fail job", map[string]interface{}{
				"jobId": job.ID,
				"error": err.Error(),
			})
		}
		return
	}

	start := time.Now()
	err := handler(context.Background(), job)
	elapsed := time.Since(start)

	if err != nil {
		r.logger.Warn("Job failed", map[string]interface{}{
			"jobId":    job.ID,
			"name":     job.Name,
			"duration": elapsed.String(),
			"error":    err.Error(),
		})
		if markErr := r.store.MarkFailed(context.Background(), job.ID, err.Error()); markErr != nil {
			r.logger.Error("Failed to record job failure", map[string]interface{}{
				"jobId": job.ID,
				"error": markErr.Error(),
			})
		}
		return
	}

	r.logger.Info("Job completed", map[string]interface{}{
		"jobId":    job.ID,
		"name":     job.Name,
		"duration": elapsed.String(),
	})
	if err := r.store.MarkCompleted(context.Background(), job.ID); err != nil {
		r.logger.Error("Failed to record job completion", map[string]interface{}{
			"jobId": job.ID,
			"error": err.Error(),
		})
	}
}
