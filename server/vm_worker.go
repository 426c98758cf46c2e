package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/tern/vm"
)

// ErrStopped is returned by Do once the worker has been stopped.
var ErrStopped = errors.New("worker stopped")

// workRequest is a unit of work to be executed by one of the pool's
// goroutines.
type workRequest struct {
	ctx  context.Context
	fn   func(context.Context, *vm.Runtime) (any, error)
	done chan workResult
}

// workResult holds the return value of a unit of work.
type workResult struct {
	value any
	err   error
}

// VMWorker bounds the number of invocations in flight against a runtime.
// Each request occupies one pool goroutine until it returns, including the
// time spent waiting for the task it forked.
type VMWorker struct {
	rt       *vm.Runtime
	requests chan workRequest
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewVMWorker creates a VMWorker with n goroutines and starts them.
func NewVMWorker(rt *vm.Runtime, n int) *VMWorker {
	if n <= 0 {
		n = 1
	}
	w := &VMWorker{
		rt:       rt,
		requests: make(chan workRequest),
		quit:     make(chan struct{}),
	}
	w.wg.Add(n)
	for range n {
		go w.loop()
	}
	return w
}

func (w *VMWorker) loop() {
	defer w.wg.Done()
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req)
		case <-w.quit:
			return
		}
	}
}

// execute runs a request, recovering from panics.
func (w *VMWorker) execute(req workRequest) (result workResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("worker: recovered panic: %v", r)
			result = workResult{err: fmt.Errorf("internal error: %v", r)}
		}
	}()
	v, err := req.fn(req.ctx, w.rt)
	return workResult{value: v, err: err}
}

// Do submits fn to the pool and blocks until it completes. It gives up
// waiting for a free goroutine when ctx is done.
func (w *VMWorker) Do(ctx context.Context, fn func(context.Context, *vm.Runtime) (any, error)) (any, error) {
	req := workRequest{ctx: ctx, fn: fn, done: make(chan workResult, 1)}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, ErrStopped
	}
	result := <-req.done
	return result.value, result.err
}

// Stop shuts the pool down and waits for running requests to return.
func (w *VMWorker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	w.wg.Wait()
}

// Runtime returns the runtime the worker serves.
func (w *VMWorker) Runtime() *vm.Runtime {
	return w.rt
}
