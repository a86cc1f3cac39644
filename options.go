package localworker

import (
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cryguy/localworker/internal/core"
	"github.com/cryguy/localworker/internal/jsengine"
	"github.com/cryguy/localworker/internal/shim"
)

var (
	// ErrWorkerStopped is returned by Fetch before Start.
	ErrWorkerStopped = errors.New("worker is currently stopped")
	// ErrWorkerUnavailable is returned once Close has begun.
	ErrWorkerUnavailable = errors.New("worker is closing or closed")
	// ErrInvalidState is returned by Fetch while the worker is loading or
	// after it errored. It is the caller's bug, like a TypeError.
	ErrInvalidState = errors.New("worker is not in a state that accepts requests")
	// ErrTimeout is the error of a fetch the worker did not answer within
	// Options.DispatchTimeout.
	ErrTimeout = errors.New("worker did not respond in time")
)

// Options configures a worker.
type Options struct {
	// Env is injected into the worker's read-only environment.
	Env map[string]string
	// Host is the base hostname for relative fetch targets. Default
	// "localhost".
	Host string
	// Name is the display name. Default "worker-<n>".
	Name string
	// FetchHandler answers the outbound fetches of the worker. When nil,
	// the worker's fetches go straight to the network.
	FetchHandler http.RoundTripper
	// Bundle combines the entry module and its imports into one artifact
	// before loading. Default true.
	Bundle *bool
	// DispatchTimeout fails a fetch with ErrTimeout when the worker has not
	// responded in time. Zero waits forever.
	DispatchTimeout time.Duration
	// JournalPath records every settled fetch in a sqlite journal at this
	// path. Empty disables the journal.
	JournalPath string
	// LogPrefix prefixes log messages with "[<name>] ".
	LogPrefix bool
	// MemoryLimitMB caps the memory of a JavaScript worker's VM.
	MemoryLimitMB int
	// Loader resolves the specifier to a script. Default: scripts
	// registered with RegisterScript, then JavaScript and TypeScript files.
	Loader Loader
	// Build is what the worker's runtime reports as its platform. The zero
	// value describes the host process.
	Build core.BuildInfo
}

var workerSeq atomic.Int64

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = "localhost"
	}
	if o.Name == "" {
		o.Name = fmt.Sprintf("worker-%d", workerSeq.Add(1))
	}
	if o.Loader == nil {
		bundle := o.Bundle == nil || *o.Bundle
		o.Loader = shim.Chain(shim.Registry(), jsengine.Loader(jsengine.Options{
			Bundle: bundle,
			Config: core.EngineConfig{MemoryLimitMB: o.MemoryLimitMB},
		}))
	}
	return o
}

// Bool returns a pointer to b, for Options.Bundle.
func Bool(b bool) *bool { return &b }

// State is the lifecycle state of a worker.
type State int

const (
	StateLoading State = iota
	StateStopped
	StateRunning
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
