// Package machine defines the contract every job-type implementation must
// satisfy and keeps the registry of known job types by name. The core
// scheduler only ever talks to this contract; it never knows anything
// about what an individual machine actually does.
package machine

import (
	"context"
	"fmt"
	"sync"
)

// Resources is the shape a machine's Parse must produce: the resource
// tags the job will hold for its lifetime, split by access mode.
type Resources struct {
	Exclusive []string `json:"exclusive"`
	Shared    []string `json:"shared"`
}

// ParseResult is what Parse returns on success.
type ParseResult struct {
	Resources   Resources
	Description string
}

// Machine is implemented by every job type. A fresh instance is
// constructed for every parse, every start, and again for every
// interrupted cleanup; machines must not assume state survives across
// those boundaries except through their constructor parameters.
type Machine interface {
	// Parse validates paramsText and derives the resource set and
	// human description for a SUBMIT request. It may return an error;
	// the error's message is surfaced verbatim to the submitter.
	Parse(paramsText string) (ParseResult, error)

	// Start executes the job body and returns its result code. The
	// wrapper cancels ctx the instant a cancel signal or timeout
	// arrives; a well-behaved machine checks ctx.Done() at its
	// suspension points. The wrapper does not wait for Start to return
	// once ctx is canceled — it proceeds straight to the cleanup
	// handoff.
	Start(ctx context.Context) (int, error)

	// Cleanup is invoked only after Start was interrupted by a signal,
	// and only if CleaningUp() was false at the moment of interruption.
	Cleanup(ctx context.Context) (int, error)

	// CleaningUp reports whether the machine has already entered its
	// own cleanup phase by the time a signal arrives, so the wrapper
	// knows not to invoke Cleanup a second time.
	CleaningUp() bool
}

// Prefilterer is an optional hook: machines whose parameters carry
// secrets that should not be persisted verbatim implement it to strip
// those secrets out before the job row is written.
type Prefilterer interface {
	// Prefilter separates secrets from the persisted parameter text.
	// extra is opaque to the core and is handed back to Recombine
	// unchanged just before spawn.
	Prefilter(paramsText string) (stripped string, extra string, err error)
}

// Recombiner is the inverse of Prefilterer, applied just before spawn to
// reconstruct the full parameter text the machine actually needs.
type Recombiner interface {
	Recombine(strippedText string, extra string) (string, error)
}

// Factory builds a fresh Machine instance from a job's persisted
// parameter text.
type Factory func(paramsText string) (Machine, error)

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register adds a job type under name. It panics on a duplicate
// registration, which can only happen from a package init bug.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("machine: duplicate registration for job type %q", name))
	}
	registry[name] = factory
}

// Lookup returns the factory for name, or ok=false if no such job type
// is registered.
func Lookup(name string) (factory Factory, ok bool) {
	mu.RLock()
	defer mu.RUnlock()
	factory, ok = registry[name]
	return factory, ok
}

// New constructs a fresh Machine for the named job type.
func New(name string, paramsText string) (Machine, error) {
	factory, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("machine: unknown job type %q", name)
	}
	return factory(paramsText)
}
