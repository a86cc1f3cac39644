package shim

import (
	"log"
	"net/http"

	"github.com/cryguy/localworker/internal/transport"
)

// Handler serves a fresh shim on every WebSocket connection, so a
// controller in another process can drive scripts hosted here.
func Handler(loader Loader, cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Accept(w, r)
		if err != nil {
			log.Printf("localworker: %v", err)
			return
		}
		if err := Run(r.Context(), conn, loader, cfg); err != nil {
			log.Printf("localworker: remote worker from %s ended: %v", r.RemoteAddr, err)
		}
	})
}
