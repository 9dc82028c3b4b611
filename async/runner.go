// Package async executes long-running storage operations off the
// synchronous request path. Tasks run in a small fixed-size worker pool;
// each task owns exactly one Async record in the metadata store, which
// callers poll until it completes. There is no cancellation: a submitted
// task runs to completion or process crash.
package async

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/meta"
)

var logger = internal.GetLogger("async")

// Task is one unit of work. The returned value is JSON-serialized into
// the Async record's result field.
type Task func(ctx context.Context) (any, error)

const (
	defaultQueueDepth = 64

	// heartbeatInterval controls how often running tasks touch their
	// record so a watchdog (or an operator) can tell a live task from
	// one that died with the process.
	heartbeatInterval = 5 * time.Second
)

type queued struct {
	id   int64
	task Task
}

// Runner drains a FIFO of submitted tasks with a bounded worker pool.
type Runner struct {
	store meta.Store
	queue chan queued
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewRunner starts workers goroutines draining the submission queue.
func NewRunner(store meta.Store, workers int) *Runner {
	if workers <= 0 {
		workers = internal.DefaultAsyncWorkers
	}
	r := &Runner{
		store: store,
		queue: make(chan queued, defaultQueueDepth),
		stop:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	logger.Infof("async runner started with %d workers", workers)
	return r
}

// Submit creates a not-completed Async record, queues the task and
// returns the handle id immediately.
func (r *Runner) Submit(ctx context.Context, task Task) (int64, error) {
	rec, err := r.store.CreateAsync(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to create async record: %w", err)
	}
	select {
	case r.queue <- queued{id: rec.ID, task: task}:
		return rec.ID, nil
	case <-r.stop:
		return 0, fmt.Errorf("async runner is shutting down")
	}
}

// Poll reads the record's completion state. Never blocks on the task.
func (r *Runner) Poll(ctx context.Context, id int64) (*meta.Async, error) {
	return r.store.GetAsync(ctx, id)
}

// Close stops accepting submissions and waits for in-flight tasks.
func (r *Runner) Close() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case q := <-r.queue:
			r.run(q)
		case <-r.stop:
			// Drain anything already queued before exiting.
			for {
				select {
				case q := <-r.queue:
					r.run(q)
				default:
					return
				}
			}
		}
	}
}

// run executes one task. The worker is the only writer of its Async
// record, so the completed transition happens exactly once.
func (r *Runner) run(q queued) {
	ctx := context.Background()

	hbStop := make(chan struct{})
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.store.TouchAsync(ctx, q.id); err != nil {
					logger.Warnf("failed to touch async %d: %v", q.id, err)
				}
			case <-hbStop:
				return
			}
		}
	}()

	value, err := func() (value any, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return q.task(ctx)
	}()

	close(hbStop)
	hbDone.Wait()

	if err != nil {
		logger.Errorf("async task %d failed: %v", q.id, err)
		msg := fmt.Sprintf("%T: %v", err, err)
		if cerr := r.store.CompleteAsync(ctx, q.id, "", msg); cerr != nil {
			logger.Errorf("failed to record error for async %d: %v", q.id, cerr)
		}
		return
	}
	result := ""
	if value != nil {
		data, merr := json.Marshal(value)
		if merr != nil {
			if cerr := r.store.CompleteAsync(ctx, q.id, "", fmt.Sprintf("%T: %v", merr, merr)); cerr != nil {
				logger.Errorf("failed to record error for async %d: %v", q.id, cerr)
			}
			return
		}
		result = string(data)
	}
	if cerr := r.store.CompleteAsync(ctx, q.id, result, ""); cerr != nil {
		logger.Errorf("failed to record result for async %d: %v", q.id, cerr)
	}
}
