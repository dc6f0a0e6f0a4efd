package workerpool

import (
	"context"
	"sync"
)

// Task represents a unit of work to be executed by the worker pool.
type Task func(ctx context.Context) error

// Result represents the result of a task execution.
type Result struct {
	Err error
}

// WorkerPool is a fixed-size pool of goroutines that execute tasks. Shard
// components use it wherever fan-out must stay bounded: the matching pass runs
// one task per trading pair through a pool instead of spawning a goroutine per
// pair, and the event bus uses it for partition consumers.
type WorkerPool struct {
	numWorkers int
	tasks      chan taskWrapper
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

type taskWrapper struct {
	task   Task
	result chan error
}

// New creates a worker pool with the specified number of workers. The provided
// context is the base context passed to every task.
func New(ctx context.Context, numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}

	ctx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		numWorkers: numWorkers,
		tasks:      make(chan taskWrapper, numWorkers*2),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case tw, ok := <-wp.tasks:
			if !ok {
				return
			}
			err := tw.task(wp.ctx)
			select {
			case tw.result <- err:
			case <-wp.ctx.Done():
				return
			}
		}
	}
}

// Submit queues a task for execution and returns a channel that will receive
// its result. If the pool has been stopped the channel receives the pool
// context's error.
func (wp *WorkerPool) Submit(task Task) <-chan error {
	result := make(chan error, 1)

	select {
	case <-wp.ctx.Done():
		result <- wp.ctx.Err()
		return result
	default:
	}

	tw := taskWrapper{task: task, result: result}

	select {
	case <-wp.ctx.Done():
		result <- wp.ctx.Err()
	case wp.tasks <- tw:
	}

	return result
}

// SubmitAndWait submits all tasks and blocks until every one has completed or
// the provided context is cancelled. Results are returned in completion order.
func (wp *WorkerPool) SubmitAndWait(ctx context.Context, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	results := make([]Result, 0, len(tasks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, task := range tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()

			resultChan := wp.Submit(t)
			select {
			case <-ctx.Done():
				mu.Lock()
				results = append(results, Result{Err: ctx.Err()})
				mu.Unlock()
			case err := <-resultChan:
				mu.Lock()
				results = append(results, Result{Err: err})
				mu.Unlock()
			}
		}(task)
	}

	wg.Wait()
	return results
}

// Stop shuts the pool down and waits for the workers to exit. Queued tasks
// that have not started are abandoned with the pool context's error.
func (wp *WorkerPool) Stop() {
	wp.cancel()
	wp.wg.Wait()
}
