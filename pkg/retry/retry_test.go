package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errFlaky = errors.New("flaky")
	errFatal = errors.New("fatal")
)

func fastPolicy() Policy {
	return Policy{Attempts: 4, Initial: time.Millisecond, Max: 4 * time.Millisecond, Factor: 2}
}

func TestDo_SucceedsFirstTime(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("Do() = %v after %d calls, want nil after 1", err, calls)
	}
}

func TestDo_RecoversFromFlakyCalls(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("Do() = %v after %d calls, want nil after 3", err, calls)
	}
}

func TestDo_GivesUp(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected wrapped flaky error, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
}

func TestDo_ZeroAttemptsCallsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return errFlaky
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_StopErrors(t *testing.T) {
	p := fastPolicy()
	p.Stop = []error{errFatal}

	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return errFatal
	})
	if err != errFatal || calls != 1 {
		t.Fatalf("Do() = %v after %d calls, want errFatal after 1", err, calls)
	}

	calls = 0
	err = Do(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return Permanent(errFlaky)
	})
	if !errors.Is(err, errFlaky) || calls != 1 {
		t.Fatalf("Do() = %v after %d calls, want permanent flaky after 1", err, calls)
	}
}

func TestDo_ContextEndsWait(t *testing.T) {
	p := fastPolicy()
	p.Initial = time.Second
	p.Max = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Do(ctx, p, func(context.Context) error { return errFlaky })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), fastPolicy(), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errFlaky
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("DoValue() = %q, %v", v, err)
	}
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2}

	wait := p.Initial
	for _, want := range []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second} {
		wait = p.next(wait)
		if wait != want {
			t.Fatalf("next() = %v, want %v", wait, want)
		}
	}

	p.Jitter = true
	for i := 0; i < 20; i++ {
		d := p.jittered(200 * time.Millisecond)
		if d < 150*time.Millisecond || d > 250*time.Millisecond {
			t.Fatalf("jittered wait %v out of range", d)
		}
	}
}
