package jsengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cryguy/localworker/internal/protocol"
)

// maxFetchBody caps a response body buffered for the script.
const maxFetchBody = 64 << 20

func (w *worker) setupFetch() error {
	if err := w.register("__lw_fetch", func(id int, method, rawURL, headersJSON string, hasBody bool) string {
		var pairs [][2]string
		if err := json.Unmarshal([]byte(headersJSON), &pairs); err != nil {
			return err.Error()
		}
		var body io.Reader
		if hasBody {
			data, err := w.vm.ReadBinaryFromJS(bufGlobal)
			if err != nil {
				return err.Error()
			}
			body = bytes.NewReader(data)
		}
		ctx, cancel := context.WithCancel(w.rt.Context())
		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			cancel()
			return err.Error()
		}
		req.Header = protocol.HTTPHeader(pairs)

		w.mu.Lock()
		w.fetches[id] = cancel
		w.mu.Unlock()
		go w.fetch(id, req)
		return ""
	}); err != nil {
		return err
	}
	return w.register("__lw_fetch_abort", func(id int) {
		w.mu.Lock()
		cancel := w.fetches[id]
		delete(w.fetches, id)
		w.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// fetch performs req off the loop and settles the script's promise with the
// buffered response.
func (w *worker) fetch(id int, req *http.Request) {
	defer func() {
		w.mu.Lock()
		cancel := w.fetches[id]
		delete(w.fetches, id)
		w.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()

	resp, err := w.rt.Fetch(req)
	var data []byte
	if err == nil {
		data, err = io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
		resp.Body.Close()
	}
	if err != nil {
		info := protocol.FromError(err)
		if info.Name == "Error" {
			info.Name = "TypeError"
		}
		w.post(func() error {
			return w.vm.Eval(fmt.Sprintf("__lw_reject(%d, %s, %s)", id, jsString(info.Name), jsString(info.Message)))
		})
		return
	}

	headers, _ := json.Marshal(protocol.HeaderPairs(resp.Header))
	statusText := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode)))
	w.post(func() error {
		if err := w.vm.WriteBinaryToJS(bufGlobal, data); err != nil {
			return err
		}
		return w.vm.Eval(fmt.Sprintf("__lw_settle_fetch(%d, %d, %s, %s, %s)",
			id, resp.StatusCode, jsString(statusText), jsString(string(headers)), jsString(req.URL.String())))
	})
}
