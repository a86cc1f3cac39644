package deferred

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResolveOnce(t *testing.T) {
	d := New[string]()
	if d.State() != Pending {
		t.Fatalf("State = %v, want pending", d.State())
	}
	if !d.Resolve("first") {
		t.Fatal("first Resolve should settle")
	}
	if d.Resolve("second") {
		t.Error("second Resolve should be a no-op")
	}
	if d.Reject(errors.New("late")) {
		t.Error("Reject after Resolve should be a no-op")
	}
	v, err := d.Wait(context.Background())
	if err != nil || v != "first" {
		t.Errorf("Wait = %q, %v", v, err)
	}
	if d.State() != Resolved {
		t.Errorf("State = %v", d.State())
	}
}

func TestReject(t *testing.T) {
	d := New[int]()
	want := errors.New("boom")
	d.Reject(want)
	_, err := d.Wait(context.Background())
	if !errors.Is(err, want) {
		t.Errorf("err = %v", err)
	}
	if d.State() != Rejected {
		t.Errorf("State = %v", d.State())
	}
}

func TestStrictPanicsOnSecondSettle(t *testing.T) {
	d := NewStrict[int]()
	d.Resolve(1)
	defer func() {
		if r := recover(); r != ErrAlreadySettled {
			t.Errorf("recovered %v, want ErrAlreadySettled", r)
		}
	}()
	d.Reject(errors.New("again"))
}

func TestWaitContext(t *testing.T) {
	d := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := d.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
	if d.State() != Pending {
		t.Error("timing out must not settle the deferred")
	}
}

func TestSettleFromOtherGoroutine(t *testing.T) {
	d := New[int]()
	go func() {
		time.Sleep(5 * time.Millisecond)
		d.Resolve(42)
	}()
	v, err := d.Wait(context.Background())
	if err != nil || v != 42 {
		t.Errorf("Wait = %d, %v", v, err)
	}
}

func TestAllSettledWaitsForFailures(t *testing.T) {
	a, b, c := New[int](), New[int](), New[string]()
	go func() {
		b.Reject(errors.New("b failed"))
		time.Sleep(5 * time.Millisecond)
		a.Resolve(1)
		c.Resolve("c")
	}()
	if err := AllSettled(context.Background(), a, b, c); err != nil {
		t.Fatal(err)
	}
	for i, s := range []State{a.State(), b.State(), c.State()} {
		if s == Pending {
			t.Errorf("deferred %d still pending", i)
		}
	}
}

func TestStateString(t *testing.T) {
	if Pending.String() != "pending" || Resolved.String() != "resolved" || Rejected.String() != "rejected" {
		t.Error("unexpected State strings")
	}
}
