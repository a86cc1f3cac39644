// Package shim is the worker side of the boundary. It receives protocol
// messages on a transport.Conn, hosts one user script, dispatches inbound
// requests to it as FetchEvents, and sends the script's responses, logs and
// outbound fetches back across the same connection.
//
// A script never reaches the shim through globals: it gets a *Runtime, a
// capability object built once per worker, and registers its handlers there.
package shim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cryguy/localworker/internal/protocol"
)

// Script is a user program hosted by the shim.
type Script interface {
	// Run executes the script's top level: register event listeners, bind
	// a listener, start background work with rt.Go. A returned error is a
	// failed import and is fatal for the worker.
	Run(ctx context.Context, rt *Runtime) error
}

// ScriptFunc adapts a function to the Script interface.
type ScriptFunc func(ctx context.Context, rt *Runtime) error

func (f ScriptFunc) Run(ctx context.Context, rt *Runtime) error { return f(ctx, rt) }

// ErrUnknownSpecifier is returned by a Loader that does not handle a
// specifier. Chain moves on to the next loader when it sees it.
var ErrUnknownSpecifier = errors.New("shim: unknown script specifier")

// Loader resolves an import message to a Script.
type Loader interface {
	Load(ctx context.Context, imp protocol.Import) (Script, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, imp protocol.Import) (Script, error)

func (f LoaderFunc) Load(ctx context.Context, imp protocol.Import) (Script, error) {
	return f(ctx, imp)
}

// Chain tries each loader in turn until one recognizes the specifier.
func Chain(loaders ...Loader) Loader {
	return LoaderFunc(func(ctx context.Context, imp protocol.Import) (Script, error) {
		for _, l := range loaders {
			s, err := l.Load(ctx, imp)
			if errors.Is(err, ErrUnknownSpecifier) {
				continue
			}
			return s, err
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownSpecifier, imp.Specifier)
	})
}

// GoScheme prefixes specifiers of scripts registered with RegisterScript.
const GoScheme = "go:"

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Script)
)

// RegisterScript makes s loadable as "go:<name>". It panics if name is empty
// or already registered, like http.Handle.
func RegisterScript(name string, s Script) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if name == "" || s == nil {
		panic("shim: RegisterScript with empty name or nil script")
	}
	if _, dup := registry[name]; dup {
		panic("shim: script " + name + " registered twice")
	}
	registry[name] = s
}

// LookupScript returns the script registered under name.
func LookupScript(name string) (Script, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[strings.TrimPrefix(name, GoScheme)]
	return s, ok
}

// Scripts returns the registered script names, sorted.
func Scripts() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry loads "go:<name>" specifiers from the script registry.
func Registry() Loader {
	return LoaderFunc(func(_ context.Context, imp protocol.Import) (Script, error) {
		name, ok := strings.CutPrefix(imp.Specifier, GoScheme)
		if !ok {
			return nil, ErrUnknownSpecifier
		}
		s, found := LookupScript(name)
		if !found {
			return nil, fmt.Errorf("no script registered as %q", imp.Specifier)
		}
		return s, nil
	})
}
