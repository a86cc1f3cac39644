package shim

import (
	"context"
	"io"
	"net/http"
	"sync"
)

// HTTPHandler adapts a net/http handler into a Script that answers every
// fetch event through h. The response streams: headers go to the host as
// soon as h writes them and the body follows as h writes it.
func HTTPHandler(h http.Handler) Script {
	return ScriptFunc(func(_ context.Context, rt *Runtime) error {
		return rt.AddEventListener("fetch", func(ev *FetchEvent) {
			req := ev.Request()
			_ = ev.RespondWith(func(ctx context.Context) (*http.Response, error) {
				return serveHandler(ctx, h, req)
			})
		})
	})
}

func serveHandler(ctx context.Context, h http.Handler, req *http.Request) (*http.Response, error) {
	w := newResponseWriter(req)
	go func() {
		var err error
		defer func() {
			if v := recover(); v != nil {
				err = recovered(v)
			}
			w.finish(err)
		}()
		h.ServeHTTP(w, req)
	}()

	select {
	case <-w.committed:
	case <-ctx.Done():
		w.pr.CloseWithError(ctx.Err())
		return nil, ctx.Err()
	}
	return w.response()
}

// responseWriter is an http.ResponseWriter whose body is read from a pipe
// by the response pump.
type responseWriter struct {
	req       *http.Request
	header    http.Header
	pr        *io.PipeReader
	pw        *io.PipeWriter
	once      sync.Once
	committed chan struct{}

	// Set once, when the response is committed.
	status  int
	sent    http.Header
	hasBody bool
	err     error
}

func newResponseWriter(req *http.Request) *responseWriter {
	pr, pw := io.Pipe()
	return &responseWriter{
		req:       req,
		header:    make(http.Header),
		pr:        pr,
		pw:        pw,
		committed: make(chan struct{}),
	}
}

func (w *responseWriter) Header() http.Header { return w.header }

func (w *responseWriter) WriteHeader(code int) {
	if code < 200 {
		return
	}
	w.commit(code, true, nil)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	w.commit(http.StatusOK, true, nil)
	if !w.hasBody {
		return 0, http.ErrBodyNotAllowed
	}
	return w.pw.Write(p)
}

// Flush commits the headers. Written bytes are already on their way.
func (w *responseWriter) Flush() { w.commit(http.StatusOK, true, nil) }

func (w *responseWriter) commit(code int, body bool, err error) {
	w.once.Do(func() {
		w.status = code
		w.sent = w.header.Clone()
		w.hasBody = body && bodyAllowed(code, w.req.Method)
		w.err = err
		close(w.committed)
	})
}

// finish runs when the handler returns. A handler that never wrote
// anything produces a bodiless response, or an error if it failed.
func (w *responseWriter) finish(err error) {
	w.commit(http.StatusOK, false, err)
	w.pw.CloseWithError(err)
}

func (w *responseWriter) response() (*http.Response, error) {
	if w.err != nil {
		return nil, w.err
	}
	var body io.ReadCloser = http.NoBody
	if w.hasBody {
		body = w.pr
	}
	return &http.Response{
		StatusCode: w.status,
		Header:     w.sent,
		Body:       body,
		Request:    w.req,
	}, nil
}

func bodyAllowed(code int, method string) bool {
	if method == http.MethodHead {
		return false
	}
	return code != http.StatusNoContent && code != http.StatusNotModified
}
