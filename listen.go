package localworker

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ListenOptions configures Worker.Listen.
type ListenOptions struct {
	// Addr is the TCP address to bind, ":8080" style. Default ":8000".
	Addr string
	// CertFile and KeyFile switch the listener to TLS when both are set.
	CertFile string
	KeyFile  string
	// OnListen is called with the bound address once the listener is up.
	OnListen func(addr net.Addr)
}

func (o ListenOptions) tls() bool { return o.CertFile != "" && o.KeyFile != "" }

// Listen starts the worker and serves it on a real network address. Each
// incoming request goes through Fetch and its response is copied back to
// the client. Listen returns nil once ctx is done or the worker leaves the
// running state, and an error only when the listener fails.
func (w *Worker) Listen(ctx context.Context, opts ListenOptions) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	addr := opts.Addr
	if addr == "" {
		addr = ":8000"
	}
	ln, err := new(net.ListenConfig).Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	var handler http.Handler = http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.serveHTTP(rw, r, opts.tls())
	})
	if !opts.tls() {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if opts.OnListen != nil {
		opts.OnListen(ln.Addr())
	}

	served := make(chan error, 1)
	go func() {
		if opts.tls() {
			served <- srv.ServeTLS(ln, opts.CertFile, opts.KeyFile)
		} else {
			served <- srv.Serve(ln)
		}
	}()

wait:
	for {
		state, changed := w.watch()
		if state != StateRunning {
			break
		}
		select {
		case <-changed:
		case <-ctx.Done():
			break wait
		case err := <-served:
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}
	if err := <-served; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// serveHTTP forwards one network request to the worker.
func (w *Worker) serveHTTP(rw http.ResponseWriter, r *http.Request, secure bool) {
	if w.State() != StateRunning {
		rw.Header().Set("Connection", "close")
		http.Error(rw, ErrWorkerUnavailable.Error(), http.StatusServiceUnavailable)
		return
	}
	req := r.Clone(r.Context())
	req.RequestURI = ""
	req.URL.Scheme = "http"
	if secure {
		req.URL.Scheme = "https"
	}
	req.URL.Host = r.Host
	req.Header.Set("Host", r.Host)
	if req.Header.Get("X-Forwarded-For") == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			req.Header.Set("X-Forwarded-For", host)
		}
	}
	if r.ContentLength == 0 {
		req.Body = http.NoBody
	}

	resp, err := w.Fetch(req)
	if err != nil {
		if r.Context().Err() == nil {
			log.Printf("localworker: %s: %s %s: %v", w.name, r.Method, r.URL, err)
			http.Error(rw, err.Error(), http.StatusBadGateway)
		}
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	rw.WriteHeader(resp.StatusCode)
	flusher, _ := rw.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := rw.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Printf("localworker: %s: streaming response to %s: %v", w.name, r.RemoteAddr, err)
			return
		}
	}
}
