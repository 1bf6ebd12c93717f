package pipeline

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// workers is a set of goroutines sharing one cancellable context. A panicking worker is
// reported through goutils and does not take the process down.
type workers struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel func()
	active sync.WaitGroup
}

func newWorkers(parent context.Context, funcs ...func(context.Context)) *workers {
	ctx, cancel := context.WithCancel(parent)
	w := &workers{ctx: ctx, cancel: cancel}
	w.add(funcs...)
	return w
}

// add starts one goroutine per function. It does nothing once stop has been called.
func (w *workers) add(funcs ...func(context.Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		return
	}
	w.active.Add(len(funcs))
	for _, f := range funcs {
		f := f
		goutils.PanicCapturingGo(func() {
			defer w.active.Done()
			f(w.ctx)
		})
	}
}

// stop cancels the shared context and waits for every worker to return.
func (w *workers) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancel()
	w.active.Wait()
}

func (w *workers) done() <-chan struct{} {
	return w.ctx.Done()
}
