package eventloop

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cryguy/localworker/internal/core"
)

// fakeRuntime records the timer ids fired through Eval.
type fakeRuntime struct {
	mu         sync.Mutex
	fired      []int
	microtasks int
	fail       bool
}

var timerIDPattern = regexp.MustCompile(`__timerCallbacks\[(\d+)\]`)

func (r *fakeRuntime) Eval(js string) error {
	m := timerIDPattern.FindStringSubmatch(js)
	if m == nil {
		return nil
	}
	id, _ := strconv.Atoi(m[1])
	r.mu.Lock()
	r.fired = append(r.fired, id)
	r.mu.Unlock()
	if r.fail {
		return errors.New("callback threw")
	}
	return nil
}

func (r *fakeRuntime) EvalString(string) (string, error) { return "", nil }
func (r *fakeRuntime) EvalBool(string) (bool, error)     { return false, nil }
func (r *fakeRuntime) EvalInt(string) (int, error)       { return 0, nil }
func (r *fakeRuntime) RegisterFunc(string, any) error    { return nil }
func (r *fakeRuntime) SetGlobal(string, any) error       { return nil }
func (r *fakeRuntime) RunMicrotasks() {
	r.mu.Lock()
	r.microtasks++
	r.mu.Unlock()
}

func (r *fakeRuntime) firedIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.fired...)
}

func startLoop(t *testing.T, el *EventLoop, rt *fakeRuntime) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		el.Run(ctx, rt)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestTasksRunInOrder(t *testing.T) {
	el := New()
	rt := &fakeRuntime{}
	startLoop(t, el, rt)

	var got []int
	for i := 0; i < 50; i++ {
		if err := el.Post(func(_ core.JSRuntime) { got = append(got, i) }); err != nil {
			t.Fatal(err)
		}
	}
	if err := el.Call(context.Background(), func(core.JSRuntime) error { return nil }); err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran as %d", i, v)
		}
	}
	if len(got) != 50 {
		t.Errorf("ran %d tasks", len(got))
	}
}

func TestCallReturnsTaskError(t *testing.T) {
	el := New()
	startLoop(t, el, &fakeRuntime{})
	boom := errors.New("boom")
	if err := el.Call(context.Background(), func(core.JSRuntime) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("Call = %v", err)
	}
}

func TestTimersFireInDeadlineOrder(t *testing.T) {
	el := New()
	rt := &fakeRuntime{}
	slow := el.RegisterTimer(30*time.Millisecond, false)
	fast := el.RegisterTimer(5*time.Millisecond, false)
	startLoop(t, el, rt)

	deadline := time.Now().Add(2 * time.Second)
	for len(rt.firedIDs()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	fired := rt.firedIDs()
	if len(fired) != 2 || fired[0] != fast || fired[1] != slow {
		t.Errorf("fired = %v, want [%d %d]", fired, fast, slow)
	}
	if el.HasPending() {
		t.Error("one-shot timers still pending")
	}
}

func TestClearedTimerNeverFires(t *testing.T) {
	el := New()
	rt := &fakeRuntime{}
	id := el.RegisterTimer(10*time.Millisecond, false)
	el.ClearTimer(id)
	startLoop(t, el, rt)
	time.Sleep(40 * time.Millisecond)
	if fired := rt.firedIDs(); len(fired) != 0 {
		t.Errorf("fired = %v", fired)
	}
}

func TestIntervalRepeatsUntilCleared(t *testing.T) {
	el := New()
	rt := &fakeRuntime{}
	id := el.RegisterTimer(time.Millisecond, true)
	startLoop(t, el, rt)

	deadline := time.Now().Add(2 * time.Second)
	for len(rt.firedIDs()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	el.ClearTimer(id)
	if n := len(rt.firedIDs()); n < 3 {
		t.Fatalf("interval fired %d times", n)
	}
	if el.HasPending() {
		t.Error("cleared interval still pending")
	}
}

func TestTimerErrorsReported(t *testing.T) {
	el := New()
	errs := make(chan error, 1)
	el.OnError = func(err error) { errs <- err }
	el.RegisterTimer(0, false)
	startLoop(t, el, &fakeRuntime{fail: true})

	select {
	case err := <-errs:
		if err.Error() != "callback threw" {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer error not reported")
	}
}

func TestPostAfterStop(t *testing.T) {
	el := New()
	cancel := startLoop(t, el, &fakeRuntime{})
	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := el.Post(func(core.JSRuntime) {}); errors.Is(err, ErrStopped) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("Post kept accepting tasks after Run returned")
}
