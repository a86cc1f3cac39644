package localworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func scriptLoader(s Script) Loader {
	return LoaderFunc(func(context.Context, Import) (Script, error) { return s, nil })
}

// load launches script in a stopped worker that is closed at cleanup.
func load(t *testing.T, script Script, opts Options) *Worker {
	t.Helper()
	opts.Loader = scriptLoader(script)
	w, err := New(testCtx(t), "go:test", opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return w
}

func start(t *testing.T, script Script, opts Options) *Worker {
	t.Helper()
	w := load(t, script, opts)
	if err := w.Start(testCtx(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return w
}

func handlerScript(fn http.HandlerFunc) Script { return HTTPHandler(fn) }

func readBody(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	data, _ := io.ReadAll(r.Body)
	return string(data)
}

func bodyString(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(data)
}

// waitState blocks until w reaches want.
func waitState(t *testing.T, w *Worker, want State) {
	t.Helper()
	ctx := testCtx(t)
	for {
		state, changed := w.watch()
		if state == want {
			return
		}
		select {
		case <-changed:
		case <-ctx.Done():
			t.Fatalf("worker stuck in %s, want %s", state, want)
		}
	}
}

var echo = handlerScript(func(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("X-Reply", "1")
	rw.WriteHeader(http.StatusCreated)
	fmt.Fprintf(rw, "%s %s %s", r.Method, r.URL.RequestURI(), readBody(r))
})

func TestFetch_RoundTrip(t *testing.T) {
	w := start(t, echo, Options{})

	resp, err := w.Post(testCtx(t), "/items?x=1", "text/plain", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if got := resp.Header.Values("X-Reply"); len(got) != 1 || got[0] != "1" {
		t.Errorf("X-Reply = %q, want exactly [1]", got)
	}
	if len(resp.Header) != 1 {
		t.Errorf("response headers = %v, want only X-Reply", resp.Header)
	}
	if got := bodyString(t, resp); got != "POST /items?x=1 payload" {
		t.Errorf("body = %q", got)
	}
}

var headerEcho = handlerScript(func(rw http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(rw, "%s|%s|%s", r.Header.Get("Host"), r.Header.Get("X-Forwarded-For"), r.URL.String())
})

func TestFetch_DefaultHeaders(t *testing.T) {
	w := start(t, headerEcho, Options{Host: "app.test"})

	resp, err := w.Get(testCtx(t), "/p")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := bodyString(t, resp); got != "app.test|127.0.0.1|http://app.test/p" {
		t.Errorf("body = %q", got)
	}
}

func TestFetch_ExplicitHeadersKept(t *testing.T) {
	w := start(t, headerEcho, Options{})

	req, _ := http.NewRequestWithContext(testCtx(t), http.MethodGet, "http://localhost/p", nil)
	req.Host = "virtual.test"
	req.Header.Set("X-Forwarded-For", "10.0.0.7")
	resp, err := w.Fetch(req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := bodyString(t, resp); got != "virtual.test|10.0.0.7|http://localhost/p" {
		t.Errorf("body = %q", got)
	}
	if req.Header.Get("Host") != "" {
		t.Error("Fetch modified the caller's request")
	}
}

func TestFetch_StoppedWorker(t *testing.T) {
	w := load(t, echo, Options{})
	if w.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", w.State())
	}
	if _, err := w.Get(testCtx(t), "/"); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("err = %v, want ErrWorkerStopped", err)
	}

	if err := w.Start(testCtx(t)); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(testCtx(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Get(testCtx(t), "/"); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("after Stop: err = %v, want ErrWorkerStopped", err)
	}
}

func TestFetch_ClosedWorker(t *testing.T) {
	w := start(t, echo, Options{})
	if err := w.Close(testCtx(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if w.State() != StateClosed {
		t.Errorf("state = %s, want closed", w.State())
	}
	if _, err := w.Get(testCtx(t), "/"); !errors.Is(err, ErrWorkerUnavailable) {
		t.Errorf("err = %v, want ErrWorkerUnavailable", err)
	}
	if err := w.Start(testCtx(t)); !errors.Is(err, ErrWorkerUnavailable) {
		t.Errorf("Start after Close = %v", err)
	}
	if err := w.Close(testCtx(t)); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestWorker_UncaughtErrorKillsWorker(t *testing.T) {
	script := ScriptFunc(func(_ context.Context, rt *Runtime) error {
		return rt.AddEventListener("fetch", func(ev *FetchEvent) {
			panic("listener exploded")
		})
	})
	w := start(t, script, Options{})

	if _, err := w.Get(testCtx(t), "/"); err == nil {
		t.Fatal("fetch to a crashing worker succeeded")
	}
	waitState(t, w, StateErrored)
	if w.Err() == nil {
		t.Error("Err() = nil for an errored worker")
	}
	if _, err := w.Get(testCtx(t), "/"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("fetch after error = %v, want ErrInvalidState", err)
	}
	if err := w.Start(testCtx(t)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Start after error = %v, want ErrInvalidState", err)
	}
	if err := w.Close(testCtx(t)); err != nil {
		t.Errorf("Close errored worker = %v", err)
	}
	if w.State() != StateErrored {
		t.Errorf("state after Close = %s, want errored", w.State())
	}
}

func TestNew_FailedImport(t *testing.T) {
	script := ScriptFunc(func(context.Context, *Runtime) error {
		return errors.New("no config found")
	})
	_, err := New(testCtx(t), "go:broken", Options{Loader: scriptLoader(script)})
	if err == nil || !strings.Contains(err.Error(), "no config found") {
		t.Fatalf("New = %v, want the import error", err)
	}
}

func TestNew_UnknownScript(t *testing.T) {
	if _, err := New(testCtx(t), "go:does-not-exist", Options{}); err == nil {
		t.Error("New with an unregistered script succeeded")
	}
	if _, err := New(testCtx(t), "worker.py", Options{}); err == nil {
		t.Error("New with an unsupported file succeeded")
	}
	if _, err := New(testCtx(t), "", Options{}); err == nil {
		t.Error("New with an empty specifier succeeded")
	}
}

func TestFetch_StreamingBody(t *testing.T) {
	const chunks = 50
	script := handlerScript(func(rw http.ResponseWriter, r *http.Request) {
		flusher := rw.(http.Flusher)
		for i := 0; i < chunks; i++ {
			fmt.Fprintf(rw, "chunk-%03d;", i)
			flusher.Flush()
		}
	})
	w := start(t, script, Options{})

	resp, err := w.Get(testCtx(t), "/stream")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var want strings.Builder
	for i := 0; i < chunks; i++ {
		fmt.Fprintf(&want, "chunk-%03d;", i)
	}
	if got := bodyString(t, resp); got != want.String() {
		t.Errorf("body has %d bytes, want %d", len(got), want.Len())
	}
}

func TestFetch_StreamingRequestBody(t *testing.T) {
	w := start(t, echo, Options{})

	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < 10; i++ {
			fmt.Fprintf(pw, "%d,", i)
		}
		pw.Close()
	}()
	req, _ := http.NewRequestWithContext(testCtx(t), http.MethodPut, "/upload", pr)
	resp, err := w.Fetch(req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := bodyString(t, resp); got != "PUT /upload 0,1,2,3,4,5,6,7,8,9," {
		t.Errorf("body = %q", got)
	}
}

func TestFetch_ErrorCrossesBoundary(t *testing.T) {
	script := ScriptFunc(func(_ context.Context, rt *Runtime) error {
		return rt.AddEventListener("fetch", func(ev *FetchEvent) {
			_ = ev.RespondWith(func(context.Context) (*http.Response, error) {
				return nil, &RemoteError{Name: "RangeError", Message: "index out of range"}
			})
		})
	})
	w := start(t, script, Options{})

	_, err := w.Get(testCtx(t), "/")
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v (%T), want *RemoteError", err, err)
	}
	if re.Name != "RangeError" || re.Message != "index out of range" {
		t.Errorf("got %s: %s", re.Name, re.Message)
	}
	if w.State() != StateRunning {
		t.Errorf("state = %s, a rejected response must not kill the worker", w.State())
	}
}

func TestFetch_ConcurrentOutOfOrder(t *testing.T) {
	const n = 8
	script := handlerScript(func(rw http.ResponseWriter, r *http.Request) {
		var i int
		fmt.Sscanf(r.URL.Path, "/%d", &i)
		time.Sleep(time.Duration(n-i) * 10 * time.Millisecond)
		fmt.Fprintf(rw, "reply-%d", i)
	})
	w := start(t, script, Options{})
	ctx := testCtx(t)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := w.Get(ctx, fmt.Sprintf("/%d", i))
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)
			if want := fmt.Sprintf("reply-%d", i); string(data) != want {
				errs <- fmt.Errorf("request %d got %q", i, data)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if info := w.Info(); info.FetchCount != n || info.Pending != 0 {
		t.Errorf("Info = %+v", info)
	}
}

func TestFetch_Abort(t *testing.T) {
	aborted := make(chan struct{})
	script := ScriptFunc(func(_ context.Context, rt *Runtime) error {
		return rt.AddEventListener("fetch", func(ev *FetchEvent) {
			req := ev.Request()
			_ = ev.RespondWith(func(ctx context.Context) (*http.Response, error) {
				<-req.Context().Done()
				close(aborted)
				return nil, req.Context().Err()
			})
		})
	})
	w := start(t, script, Options{})

	ctx, cancel := context.WithCancel(testCtx(t))
	errc := make(chan error, 1)
	go func() {
		_, err := w.Get(ctx, "/slow")
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	err := <-errc
	var re *RemoteError
	if !errors.Is(err, context.Canceled) && !(errors.As(err, &re) && re.Name == "AbortError") {
		t.Errorf("err = %v, want an abort", err)
	}
	select {
	case <-aborted:
	case <-testCtx(t).Done():
		t.Fatal("script never saw the abort")
	}
}

func TestFetch_DispatchTimeout(t *testing.T) {
	script := ScriptFunc(func(_ context.Context, rt *Runtime) error {
		return rt.AddEventListener("fetch", func(ev *FetchEvent) {
			_ = ev.RespondWith(func(ctx context.Context) (*http.Response, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})
		})
	})
	w := start(t, script, Options{DispatchTimeout: 50 * time.Millisecond})

	started := time.Now()
	_, err := w.Get(testCtx(t), "/")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if d := time.Since(started); d > 5*time.Second {
		t.Errorf("timeout took %s", d)
	}
}

func TestWorker_LogsInOrder(t *testing.T) {
	script := ScriptFunc(func(_ context.Context, rt *Runtime) error {
		rt.Console().Log("first")
		rt.Console().Warn("second", 2)
		rt.Console().Error("third")
		return nil
	})
	w := load(t, script, Options{Name: "api", LogPrefix: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []LogEntry
	for e := range w.Logs(ctx) {
		got = append(got, e)
		if len(got) == 3 {
			break
		}
	}
	want := []LogEntry{
		{Level: LevelLog, Message: "[api] first"},
		{Level: LevelWarn, Message: "[api] second 2"},
		{Level: LevelError, Message: "[api] third"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d log entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Level != want[i].Level || got[i].Message != want[i].Message {
			t.Errorf("entry %d = %s %q, want %s %q", i, got[i].Level, got[i].Message, want[i].Level, want[i].Message)
		}
		if got[i].Time.IsZero() {
			t.Errorf("entry %d has no timestamp", i)
		}
	}
}

func TestWorker_CloseDrainsInflight(t *testing.T) {
	const n = 5
	release := make(chan struct{})
	script := handlerScript(func(rw http.ResponseWriter, r *http.Request) {
		<-release
		rw.WriteHeader(http.StatusNoContent)
	})
	w := start(t, script, Options{})
	ctx := testCtx(t)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			resp, err := w.Get(ctx, "/")
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode != http.StatusNoContent {
					err = fmt.Errorf("status %d", resp.StatusCode)
				}
			}
			results <- err
		}()
	}
	for w.Info().Pending < n {
		time.Sleep(5 * time.Millisecond)
	}

	closed := make(chan error, 1)
	go func() { closed <- w.Close(ctx) }()
	waitState(t, w, StateClosing)
	if _, err := w.Get(ctx, "/"); !errors.Is(err, ErrWorkerUnavailable) {
		t.Errorf("fetch while closing = %v, want ErrWorkerUnavailable", err)
	}

	close(release)
	if err := <-closed; err != nil {
		t.Errorf("Close = %v", err)
	}
	for i := 0; i < n; i++ {
		if err := <-results; err != nil {
			t.Errorf("in-flight fetch: %v", err)
		}
	}
	if w.State() != StateClosed {
		t.Errorf("state = %s, want closed", w.State())
	}
}

func TestWorker_StopDrainsInflight(t *testing.T) {
	const n = 4
	releaseFail := make(chan struct{})
	release := make(chan struct{})
	script := ScriptFunc(func(_ context.Context, rt *Runtime) error {
		return rt.AddEventListener("fetch", func(ev *FetchEvent) {
			fail := ev.Request().URL.Path == "/fail"
			_ = ev.RespondWith(func(context.Context) (*http.Response, error) {
				if fail {
					<-releaseFail
					return nil, &RemoteError{Name: "RangeError", Message: "held request failed"}
				}
				<-release
				return &http.Response{StatusCode: http.StatusNoContent, Header: http.Header{}, Body: http.NoBody}, nil
			})
		})
	})
	w := start(t, script, Options{})
	ctx := testCtx(t)

	results := make(chan error, n+1)
	fetch := func(path string) {
		resp, err := w.Get(ctx, path)
		if err == nil {
			resp.Body.Close()
		}
		results <- err
	}
	go fetch("/fail")
	for i := 0; i < n; i++ {
		go fetch("/ok")
	}
	for w.Info().Pending < n+1 {
		time.Sleep(5 * time.Millisecond)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop(ctx) }()

	close(releaseFail)
	var failErr error
	select {
	case failErr = <-results:
	case <-ctx.Done():
		t.Fatal("failing fetch never settled")
	}
	var re *RemoteError
	if !errors.As(failErr, &re) || re.Name != "RangeError" {
		t.Fatalf("failing fetch = %v, want RangeError", failErr)
	}

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned %v while %d fetches were still held", err, n)
	case <-time.After(100 * time.Millisecond):
	}
	if w.State() != StateRunning {
		t.Errorf("state = %s while draining, want running", w.State())
	}

	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if w.State() != StateStopped {
		t.Errorf("state = %s, want stopped", w.State())
	}
	if p := w.Info().Pending; p != 0 {
		t.Errorf("Stop returned with %d fetches unanswered", p)
	}
	for i := 0; i < n; i++ {
		if err := <-results; err != nil {
			t.Errorf("held fetch: %v", err)
		}
	}
}

func TestWorker_Run(t *testing.T) {
	w := load(t, echo, Options{})
	sentinel := errors.New("done here")

	err := w.Run(testCtx(t), func(ctx context.Context, w *Worker) error {
		resp, err := w.Get(ctx, "/")
		if err != nil {
			return err
		}
		resp.Body.Close()
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Run = %v, want the callback's error", err)
	}
	if w.State() != StateClosed {
		t.Errorf("state = %s, want closed", w.State())
	}
}

func TestWorker_Journal(t *testing.T) {
	script := ScriptFunc(func(_ context.Context, rt *Runtime) error {
		return rt.AddEventListener("fetch", func(ev *FetchEvent) {
			if ev.Request().URL.Path == "/fail" {
				_ = ev.RespondWith(func(context.Context) (*http.Response, error) {
					return nil, &RemoteError{Name: "TypeError", Message: "bad input"}
				})
				return
			}
			_ = ev.Respond(&http.Response{StatusCode: http.StatusAccepted, Header: http.Header{}, Body: http.NoBody})
		})
	})
	w := start(t, script, Options{Name: "journaled", JournalPath: filepath.Join(t.TempDir(), "journal.db")})
	ctx := testCtx(t)

	if resp, err := w.Get(ctx, "/ok"); err != nil {
		t.Fatal(err)
	} else {
		resp.Body.Close()
	}
	if _, err := w.Get(ctx, "/fail"); err == nil {
		t.Fatal("expected /fail to be rejected")
	}
	w.records.Wait()

	entries, err := w.Journal(ctx)
	if err != nil {
		t.Fatalf("Journal: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	byURL := map[string]JournalEntry{}
	for _, e := range entries {
		if e.Worker != "journaled" {
			t.Errorf("entry worker = %q", e.Worker)
		}
		byURL[e.URL] = e
	}
	if e := byURL["http://localhost/ok"]; e.Status != http.StatusAccepted || e.Error != "" || e.Method != http.MethodGet {
		t.Errorf("/ok entry = %+v", e)
	}
	if e := byURL["http://localhost/fail"]; e.Status != 0 || e.Error != "TypeError: bad input" {
		t.Errorf("/fail entry = %+v", e)
	}
}

func TestWorker_JournalDisabled(t *testing.T) {
	w := load(t, echo, Options{})
	if _, err := w.Journal(testCtx(t)); err == nil {
		t.Error("Journal without JournalPath succeeded")
	}
}

func TestWorker_EnvAndOutboundFetch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greeting.json")
	if err := os.WriteFile(path, []byte("hello from disk"), 0o644); err != nil {
		t.Fatal(err)
	}
	script := ScriptFunc(func(_ context.Context, rt *Runtime) error {
		return rt.AddEventListener("fetch", func(ev *FetchEvent) {
			_ = ev.RespondWith(func(ctx context.Context) (*http.Response, error) {
				file, _ := rt.Env().Get("FILE")
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, "file://"+filepath.ToSlash(file), nil)
				if err != nil {
					return nil, err
				}
				resp, err := rt.Fetch(req)
				if err != nil {
					return nil, err
				}
				defer resp.Body.Close()
				data, err := io.ReadAll(resp.Body)
				if err != nil {
					return nil, err
				}
				return &http.Response{
					StatusCode: resp.StatusCode,
					Header:     http.Header{"Content-Type": {resp.Header.Get("Content-Type")}},
					Body:       io.NopCloser(strings.NewReader(string(data))),
				}, nil
			})
		})
	})
	w := start(t, script, Options{
		Env:          map[string]string{"FILE": path},
		FetchHandler: FileHandler(nil),
	})

	resp, err := w.Get(testCtx(t), "/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := bodyString(t, resp); got != "hello from disk" {
		t.Errorf("body = %q", got)
	}
}

func TestWorker_EnvIsReadOnly(t *testing.T) {
	errc := make(chan error, 1)
	script := ScriptFunc(func(_ context.Context, rt *Runtime) error {
		errc <- rt.Env().Set("A", "2")
		return nil
	})
	load(t, script, Options{Env: map[string]string{"A": "1"}})
	if err := <-errc; !errors.Is(err, ErrEnvReadOnly) {
		t.Errorf("Set = %v, want ErrEnvReadOnly", err)
	}
}

func TestWorker_Info(t *testing.T) {
	w := start(t, echo, Options{Name: "counter"})
	for i := 0; i < 3; i++ {
		resp, err := w.Get(testCtx(t), "/")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}
	info := w.Info()
	if info.Name != "counter" || info.State != StateRunning || info.FetchCount != 3 || info.Pending != 0 {
		t.Errorf("Info = %+v", info)
	}
}

func TestOptions_Defaults(t *testing.T) {
	a := Options{}.withDefaults()
	b := Options{}.withDefaults()
	if a.Host != "localhost" {
		t.Errorf("Host = %q", a.Host)
	}
	if a.Name == b.Name || !strings.HasPrefix(a.Name, "worker-") {
		t.Errorf("names %q and %q", a.Name, b.Name)
	}
	if a.Loader == nil {
		t.Error("no default loader")
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateLoading: "loading",
		StateStopped: "stopped",
		StateRunning: "running",
		StateClosing: "closing",
		StateClosed:  "closed",
		StateErrored: "errored",
		State(42):    "State(42)",
	} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
