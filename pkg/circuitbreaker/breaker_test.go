package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errDown = errors.New("service down")

func failing(ctx context.Context) error { return errDown }

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := DefaultConfig("webhook")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(name string, from, to State) { transitions = append(transitions, to) }
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := cb.Do(context.Background(), failing); !errors.Is(err, errDown) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s", cb.State())
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v", transitions)
	}

	called := false
	err = cb.Do(context.Background(), func(ctx context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("open breaker: err=%v called=%t", err, called)
	}
}

func TestExcludedErrorsDoNotTrip(t *testing.T) {
	clientErr := errors.New("400 bad request")
	cfg := DefaultConfig("webhook")
	cfg.FailureThreshold = 2
	cfg.Excluded = func(err error) bool { return errors.Is(err, clientErr) }
	cb, _ := New(cfg, nil)

	for i := 0; i < 5; i++ {
		if err := cb.Do(context.Background(), func(ctx context.Context) error { return clientErr }); !errors.Is(err, clientErr) {
			t.Fatalf("err = %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %s", cb.State())
	}
}

func TestStateLevel(t *testing.T) {
	if StateClosed.Level() != 0 || StateHalfOpen.Level() != 1 || StateOpen.Level() != 2 {
		t.Fatal("unexpected gauge levels")
	}
}
