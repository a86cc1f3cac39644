package shim

import (
	"maps"
	"sort"
)

// ErrEnvReadOnly is returned by Env.Set and Env.Delete: the environment is
// fixed once the worker is launched.
var ErrEnvReadOnly = &readOnlyError{}

type readOnlyError struct{}

func (*readOnlyError) Error() string     { return "TypeError: the worker environment is read-only" }
func (*readOnlyError) ErrorName() string { return "TypeError" }

// Env is the read-only environment-variable namespace seen by a script.
type Env struct {
	vars map[string]string
}

func newEnv(base, overrides map[string]string) *Env {
	vars := make(map[string]string, len(base)+len(overrides))
	maps.Copy(vars, base)
	maps.Copy(vars, overrides)
	return &Env{vars: vars}
}

// Get returns the value of name and whether it is set.
func (e *Env) Get(name string) (string, bool) {
	v, ok := e.vars[name]
	return v, ok
}

// ToObject returns a copy of every variable.
func (e *Env) ToObject() map[string]string {
	return maps.Clone(e.vars)
}

// Keys returns the variable names, sorted.
func (e *Env) Keys() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set always fails with ErrEnvReadOnly.
func (e *Env) Set(name, value string) error { return ErrEnvReadOnly }

// Delete always fails with ErrEnvReadOnly.
func (e *Env) Delete(name string) error { return ErrEnvReadOnly }
