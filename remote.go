package localworker

import (
	"net/http"

	"github.com/cryguy/localworker/internal/shim"
)

// RemoteHandler serves a worker shim on every WebSocket connection it
// accepts. Mount it on an http.Server and point Connect at it to run scripts
// in this process from a controller in another one. Only Env, Build and the
// loader fields of opts apply; the rest configure the controller side.
func RemoteHandler(opts Options) http.Handler {
	opts = opts.withDefaults()
	return shim.Handler(opts.Loader, shim.Config{Env: opts.Env, Build: opts.Build})
}
