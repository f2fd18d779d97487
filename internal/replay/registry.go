// Package replay implements the orchestrator runner: deterministic
// replay of an instance's history against a registered orchestrator
// function, producing a batch of OrchestrationActions, plus ContinueAsNew
// re-entry.
//
// Go has no native coroutine primitive, so suspending an orchestrator mid
// await is implemented with a goroutine-free panic/recover unwind
// (turnSuspend{}) back to Run's call to the registered function: each Await
// either resolves immediately from already-buffered history or unwinds the
// whole call stack, which is safe here because an orchestrator function is
// required to be free of any state that would need to survive off the
// history log.
package replay

import "sync"

// OrchestratorFunc is a registered orchestrator's entry point. It must be
// deterministic: identical (history, input) pairs must always produce the
// same sequence of context calls and the same final result.
type OrchestratorFunc func(ctx *Context, input string) (string, error)

// Registry maps orchestrator names to their implementation, the runner's
// analogue of an activity registry.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]OrchestratorFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]OrchestratorFunc)}
}

// Register adds or replaces the orchestrator function for name.
func (r *Registry) Register(name string, fn OrchestratorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the registered function for name, if any.
func (r *Registry) Lookup(name string) (OrchestratorFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}
