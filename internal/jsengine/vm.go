package jsengine

import "github.com/cryguy/localworker/internal/core"

// vm is a single JavaScript context. Only the event loop goroutine that
// created it may call its methods, except Interrupt.
type vm interface {
	core.JSRuntime
	core.BinaryTransferer

	// Interrupt aborts the script currently running, if any.
	Interrupt()
	Close() error
}

// Engine returns the name of the compiled-in JavaScript engine.
func Engine() string { return engineName }
