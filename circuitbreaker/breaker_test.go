package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute})

	for i := 0; i < 2; i++ {
		if err := b.Call(func() error { return errBoom }); err != errBoom {
			t.Fatalf("expected underlying error, got %v", err)
		}
	}
	if b.Stats().State != Closed {
		t.Fatalf("expected still closed after 2 failures, got %s", b.Stats().State)
	}

	if err := b.Call(func() error { return errBoom }); err != errBoom {
		t.Fatalf("expected underlying error on tripping call, got %v", err)
	}
	if b.Stats().State != Open {
		t.Fatalf("expected open after 3rd failure, got %s", b.Stats().State)
	}

	err := b.Call(func() error { t.Fatal("fn should not run while open"); return nil })
	if !IsOpen(err) {
		t.Fatalf("expected OpenError, got %v", err)
	}
}

func TestBreakerHalfOpenRecoversAfterTimeout(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Millisecond})

	if err := b.Call(func() error { return errBoom }); err != errBoom {
		t.Fatalf("expected underlying error, got %v", err)
	}
	if b.Stats().State != Open {
		t.Fatalf("expected open, got %s", b.Stats().State)
	}

	time.Sleep(5 * time.Millisecond)

	if err := b.Call(func() error { return nil }); err != nil {
		t.Fatalf("expected probe call to succeed, got %v", err)
	}
	if b.Stats().State != Closed {
		t.Fatalf("expected closed after successful probe, got %s", b.Stats().State)
	}
}

func TestBreakerHalfOpenReopensOnProbeFailure(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Millisecond})

	b.Call(func() error { return errBoom })
	time.Sleep(5 * time.Millisecond)

	if err := b.Call(func() error { return errBoom }); err != errBoom {
		t.Fatalf("expected underlying error from probe, got %v", err)
	}
	if b.Stats().State != Open {
		t.Fatalf("expected reopened after failed probe, got %s", b.Stats().State)
	}
}

func TestBreakerResetClearsState(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})
	b.Call(func() error { return errBoom })
	if b.Stats().State != Open {
		t.Fatal("expected open before reset")
	}

	b.Reset()

	if b.Stats().State != Closed {
		t.Fatalf("expected closed after reset, got %s", b.Stats().State)
	}
	if err := b.Call(func() error { return nil }); err != nil {
		t.Fatalf("expected reset breaker to allow calls, got %v", err)
	}
}

func TestDefaultConfigs(t *testing.T) {
	o := OracleDefaults()
	if o.FailureThreshold != 5 || o.SuccessThreshold != 2 || o.Timeout != 30*time.Second {
		t.Fatalf("unexpected oracle defaults: %+v", o)
	}
	s := StoreDefaults()
	if s.FailureThreshold != 10 || s.SuccessThreshold != 3 || s.Timeout != 60*time.Second {
		t.Fatalf("unexpected store defaults: %+v", s)
	}
}
