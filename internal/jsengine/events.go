package jsengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cryguy/localworker/internal/bodystream"
	"github.com/cryguy/localworker/internal/core"
	"github.com/cryguy/localworker/internal/deferred"
	"github.com/cryguy/localworker/internal/listener"
	"github.com/cryguy/localworker/internal/protocol"
	"github.com/cryguy/localworker/internal/shim"
)

// pendingEvent is an inbound request the script has seen but not finished
// answering.
type pendingEvent struct {
	ev     listener.RequestEvent
	result *deferred.Deferred[*http.Response]
	body   *bodystream.Stream
	stop   func() bool // detaches the abort hook
}

func (w *worker) addEvent(ev listener.RequestEvent) int {
	id := w.newID()
	p := &pendingEvent{ev: ev, result: deferred.New[*http.Response]()}
	p.stop = context.AfterFunc(ev.Request().Context(), func() {
		w.post(func() error {
			return w.vm.Eval(fmt.Sprintf("__lw_abort_event(%d)", id))
		})
	})
	w.mu.Lock()
	w.events[id] = p
	w.mu.Unlock()
	return id
}

func (w *worker) event(id int) (*pendingEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.events[id]
	if !ok {
		return nil, fmt.Errorf("request %d is no longer pending", id)
	}
	return p, nil
}

// dropEvent forgets id once its response is complete.
func (w *worker) dropEvent(id int) {
	w.mu.Lock()
	p, ok := w.events[id]
	delete(w.events, id)
	w.mu.Unlock()
	if ok {
		p.stop()
		_ = w.vm.Eval(fmt.Sprintf("__lw_forget_event(%d)", id))
	}
}

// requestArgs renders req as the trailing arguments of __lw_dispatch and
// __lw_settle_request, staging the body in the transfer buffer.
func (w *worker) requestArgs(req *http.Request, body []byte) (string, error) {
	headers, err := json.Marshal(protocol.HeaderPairs(req.Header))
	if err != nil {
		return "", err
	}
	hasBody := body != nil && req.Method != http.MethodGet && req.Method != http.MethodHead
	if hasBody {
		if err := w.vm.WriteBinaryToJS(bufGlobal, body); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s, %s, %s, %t", jsString(req.Method), jsString(req.URL.String()), jsString(string(headers)), hasBody), nil
}

// readBody buffers the whole request body. It returns nil for a request
// without one.
func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// dispatch is the Go fetch listener: it hands the event to the script's
// listeners on the loop and waits for them to return.
func (w *worker) dispatch(ev *shim.FetchEvent) {
	req := ev.Request()
	body, err := readBody(req)
	if err != nil {
		_ = ev.RespondWith(func(context.Context) (*http.Response, error) { return nil, err })
		return
	}
	id := w.addEvent(ev)
	var responded bool
	err = w.loop.Call(w.rt.Context(), func(core.JSRuntime) error {
		args, err := w.requestArgs(req, body)
		if err != nil {
			return err
		}
		responded, err = w.vm.EvalBool(fmt.Sprintf("__lw_dispatch(%d, %s)", id, args))
		return err
	})
	if err != nil && w.rt.Context().Err() == nil {
		w.rt.ReportError(jsError(err))
	}
	if !responded {
		w.mu.Lock()
		p := w.events[id]
		delete(w.events, id)
		w.mu.Unlock()
		if p != nil {
			p.stop()
		}
	}
}

func (w *worker) setupEvents() error {
	if err := w.register("__lw_respond_with", func(id int) string {
		p, err := w.event(id)
		if err != nil {
			return err.Error()
		}
		if err := p.ev.RespondWith(func(ctx context.Context) (*http.Response, error) {
			return p.result.Wait(ctx)
		}); err != nil {
			return protocol.FromError(err).Message
		}
		return ""
	}); err != nil {
		return err
	}

	if err := w.register("__lw_respond", func(id, status int, statusText, headersJSON string, hasBody bool) (string, error) {
		p, err := w.event(id)
		if err != nil {
			return "", err
		}
		var pairs [][2]string
		if err := json.Unmarshal([]byte(headersJSON), &pairs); err != nil {
			return "", err
		}
		resp := &http.Response{
			StatusCode: status,
			Status:     fmt.Sprintf("%d %s", status, statusText),
			Header:     protocol.HTTPHeader(pairs),
			Body:       http.NoBody,
		}
		if hasBody {
			p.body = bodystream.NewStream()
			resp.Body = p.body
		}
		p.result.Resolve(resp)
		if !hasBody {
			w.dropEvent(id)
		}
		return "", nil
	}); err != nil {
		return err
	}

	if err := w.register("__lw_chunk", func(id int) (string, error) {
		p, err := w.event(id)
		if err != nil {
			return "", err
		}
		data, err := w.vm.ReadBinaryFromJS(bufGlobal)
		if err != nil {
			return "", err
		}
		if p.body != nil && len(data) > 0 {
			p.body.Enqueue(data)
		}
		return "", nil
	}); err != nil {
		return err
	}

	if err := w.register("__lw_close", func(id int) {
		if p, err := w.event(id); err == nil && p.body != nil {
			p.body.Finish()
		}
		w.dropEvent(id)
	}); err != nil {
		return err
	}

	if err := w.register("__lw_body_error", func(id int, name, message, stack string) {
		if p, err := w.event(id); err == nil && p.body != nil {
			p.body.Fail(&protocol.Error{Name: name, Message: message, Stack: stack})
		}
		w.dropEvent(id)
	}); err != nil {
		return err
	}

	return w.register("__lw_respond_error", func(id int, name, message, stack string) {
		if p, err := w.event(id); err == nil {
			p.result.Reject(&protocol.Error{Name: name, Message: message, Stack: stack})
		}
		w.dropEvent(id)
	})
}
