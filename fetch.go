package localworker

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cryguy/localworker/internal/exchange"
	"github.com/cryguy/localworker/internal/journal"
	"github.com/cryguy/localworker/internal/protocol"
)

// FetchInfo describes one settled fetch.
type FetchInfo struct {
	ID       int // request id on the wire
	Started  time.Time
	Duration time.Duration // until the response headers arrived
}

// Fetch sends req to the worker and returns its response. A req with a
// relative URL is resolved against the configured host. Canceling req's
// context aborts the request inside the worker.
func (w *Worker) Fetch(req *http.Request) (*http.Response, error) {
	resp, _, err := w.Do(req)
	return resp, err
}

// Get fetches target, an absolute URL or a path on the configured host.
func (w *Worker) Get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return w.Fetch(req)
}

// Post fetches target with body.
func (w *Worker) Post(ctx context.Context, target, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return w.Fetch(req)
}

// Do is Fetch that also reports the exchange's timing.
func (w *Worker) Do(req *http.Request) (*http.Response, *FetchInfo, error) {
	w.mu.Lock()
	switch state := w.state; state {
	case StateLoading, StateErrored:
		w.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: worker is %s", ErrInvalidState, state)
	case StateClosing, StateClosed:
		w.mu.Unlock()
		return nil, nil, ErrWorkerUnavailable
	case StateStopped:
		w.mu.Unlock()
		return nil, nil, ErrWorkerStopped
	}
	w.inflight.Add(1)
	w.mu.Unlock()

	req = w.normalize(req)
	call, err := w.peer.Client.Do(req)
	if err != nil {
		w.inflight.Done()
		return nil, nil, err
	}
	w.records.Add(1)
	w.inflight.Done()

	var timer *time.Timer
	if d := w.opts.DispatchTimeout; d > 0 {
		timer = time.AfterFunc(d, func() { w.peer.Client.Expire(call, ErrTimeout) })
	}
	go w.settled(call, timer)

	resp, err := call.Wait(req.Context())
	info := &FetchInfo{ID: call.ID, Started: call.Started, Duration: time.Since(call.Started)}
	return resp, info, err
}

// normalize resolves req against the configured host and injects the
// default forwarding headers. The caller's request is not modified.
func (w *Worker) normalize(req *http.Request) *http.Request {
	req = req.Clone(req.Context())
	req.RequestURI = ""
	if req.URL.Host == "" {
		if req.URL.Scheme == "" {
			req.URL.Scheme = "http"
		}
		req.URL.Host = w.opts.Host
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if req.Header.Get("Host") == "" {
		host := w.opts.Host
		if req.Host != "" && req.Host != req.URL.Host {
			host = req.Host
		}
		req.Header.Set("Host", host)
	}
	if req.Header.Get("X-Forwarded-For") == "" {
		req.Header.Set("X-Forwarded-For", "127.0.0.1")
	}
	return req
}

// settled waits for call to settle, then stops its timeout and journals it.
func (w *Worker) settled(call *exchange.Call, timer *time.Timer) {
	defer w.records.Done()
	<-call.Done()
	if timer != nil {
		timer.Stop()
	}
	if w.journal == nil {
		return
	}
	resp, err := call.Result()
	e := journal.Entry{
		Worker:    w.name,
		RequestID: call.ID,
		Method:    call.Request.Method,
		URL:       call.Request.URL.String(),
		Started:   call.Started,
		Duration:  time.Since(call.Started),
	}
	if err != nil {
		e.Error = protocol.FromError(err).Err().Error()
	} else {
		e.Status = resp.StatusCode
	}
	if err := w.journal.Record(context.Background(), e); err != nil {
		log.Printf("localworker: %s: journaling request %d: %v", w.name, call.ID, err)
	}
}
