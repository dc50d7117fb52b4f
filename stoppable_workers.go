package calling

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrStoppableWorkersStopped is returned when a worker is added after Stop.
var ErrStoppableWorkersStopped = errors.New("cannot add worker: already stopped")

// StoppableWorkers is a collection of goroutines that can be stopped at a
// later time.
type StoppableWorkers struct {
	mu         sync.RWMutex
	ctx        context.Context
	cancelFunc func()

	workers sync.WaitGroup
}

// NewStoppableWorkers creates a new StoppableWorkers instance. The instance's
// context will be derived from the passed in context.
func NewStoppableWorkers(ctx context.Context) *StoppableWorkers {
	ctx, cancelFunc := context.WithCancel(ctx)
	return &StoppableWorkers{ctx: ctx, cancelFunc: cancelFunc}
}

// NewBackgroundStoppableWorkers creates a new StoppableWorkers instance whose
// context is derived from the background context, and starts any passed-in
// workers.
func NewBackgroundStoppableWorkers(workers ...func(context.Context)) *StoppableWorkers {
	sw := NewStoppableWorkers(context.Background())
	for _, worker := range workers {
		UncheckedError(sw.Add(worker))
	}
	return sw
}

// Context returns the context workers are started with. It is canceled by Stop.
func (sw *StoppableWorkers) Context() context.Context {
	return sw.ctx
}

// Add starts up a goroutine for the passed-in function. Workers must respond
// appropriately to errors on the context parameter and must not add more
// workers to the group they belong to. Panics from workers are recovered and
// logged.
func (sw *StoppableWorkers) Add(worker func(context.Context)) error {
	// Read-lock to allow concurrent worker addition. The Stop method will write-lock.
	sw.mu.RLock()
	if sw.ctx.Err() != nil {
		sw.mu.RUnlock()
		return ErrStoppableWorkersStopped
	}
	sw.workers.Add(1)
	sw.mu.RUnlock()

	PanicCapturingGo(func() {
		defer sw.workers.Done()
		worker(sw.ctx)
	})
	return nil
}

// Stop idempotently shuts down all the goroutines we started up.
func (sw *StoppableWorkers) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.ctx.Err() != nil {
		return
	}

	sw.cancelFunc()
	sw.workers.Wait()
}
