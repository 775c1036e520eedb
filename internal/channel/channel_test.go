package channel

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"vaultline/internal/config"
	"vaultline/internal/domain"
)

var errTest = errors.New("service unavailable")

type fakeChannel struct {
	name   string
	err    error
	calls  int
	closed bool
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Execute(context.Context, domain.ApprovalRequest) error {
	f.calls++
	return f.err
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(3, time.Second)
	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errTest })
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	b := NewBreaker(2, time.Second)
	b.now = func() time.Time { return now }
	for i := 0; i < 2; i++ {
		_ = b.Do(func() error { return errTest })
	}
	if !b.Open() {
		t.Fatalf("expected open")
	}
	now = now.Add(2 * time.Second)
	if err := b.Do(func() error { return errTest }); !errors.Is(err, errTest) {
		t.Fatalf("expected trial call, got %v", err)
	}
	// a failed trial reopens immediately
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected reopen, got %v", err)
	}
	now = now.Add(2 * time.Second)
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("expected close after success, got %v", err)
	}
	if b.Open() {
		t.Fatalf("expected closed")
	}
}

func TestBreakerAdmitsOneTrialAtATime(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	b := NewBreaker(1, time.Second)
	b.now = func() time.Time { return now }
	_ = b.Do(func() error { return errTest })
	now = now.Add(2 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("call %d during trial: expected ErrCircuitOpen, got %v", i, err)
		}
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial: %v", err)
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("expected closed after trial, got %v", err)
	}
}

func TestBreakerCancelledTrialFreesSlot(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	b := NewBreaker(1, time.Second)
	b.now = func() time.Time { return now }
	_ = b.Do(func() error { return errTest })
	now = now.Add(2 * time.Second)
	if err := b.Do(func() error { return context.Canceled }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled trial, got %v", err)
	}
	calls := 0
	if err := b.Do(func() error { calls++; return nil }); err != nil || calls != 1 {
		t.Fatalf("expected a fresh trial, got %v after %d calls", err, calls)
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	_ = b.Do(func() error { return context.Canceled })
	if b.Open() {
		t.Fatalf("cancellation must not trip the breaker")
	}
}

func TestRegistryRoutesByKind(t *testing.T) {
	mail := &fakeChannel{name: "mail"}
	reg := NewRegistry()
	reg.Route("send-message", mail)

	if err := reg.Execute(context.Background(), domain.ApprovalRequest{ActionKind: "send-message"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if mail.calls != 1 {
		t.Fatalf("expected 1 call, got %d", mail.calls)
	}
	if err := reg.Execute(context.Background(), domain.ApprovalRequest{ActionKind: "post-content"}); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("expected ErrNoChannel, got %v", err)
	}
	if kinds := reg.Kinds(); len(kinds) != 1 || kinds[0] != "send-message" {
		t.Fatalf("unexpected kinds %v", kinds)
	}
	if err := reg.Close(); err != nil || !mail.closed {
		t.Fatalf("expected close, err=%v", err)
	}
}

func TestFromConfigWrapsAndRoutes(t *testing.T) {
	fake := &fakeChannel{name: "fake", err: errTest}
	RegisterType("fake-test", func(name string, _ config.Channel, _ string, _ Env) (Channel, error) {
		return fake, nil
	})
	cfg := config.Default()
	cfg.Channels = map[string]config.Channel{"outbox": {Type: "fake-test", Breaker: config.BreakerConfig{MaxFailures: 1, Timeout: time.Hour}}}
	p := cfg.Approval.Actions["send-message"]
	p.Channel = "outbox"
	cfg.Approval.Actions["send-message"] = p

	reg, err := FromConfig(cfg, t.TempDir(), func(string) string { return "" })
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	req := domain.ApprovalRequest{ActionKind: "send-message"}
	if err := reg.Execute(context.Background(), req); !errors.Is(err, errTest) {
		t.Fatalf("expected channel error, got %v", err)
	}
	if err := reg.Execute(context.Background(), req); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected breaker, got %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("expected 1 call through the breaker, got %d", fake.calls)
	}
	_ = reg.Close()
	if !fake.closed {
		t.Fatalf("expected wrapped channel closed")
	}
}

func TestNewUnknownType(t *testing.T) {
	RegisterType("known-test", func(name string, _ config.Channel, _ string, _ Env) (Channel, error) {
		return &fakeChannel{name: name}, nil
	})
	_, err := New("x", config.Channel{Type: "carrier-pigeon"}, "", nil)
	if err == nil || !strings.Contains(err.Error(), "known-test") {
		t.Fatalf("expected error listing registered types, got %v", err)
	}
	if !slices.Contains(Types(), "known-test") {
		t.Fatalf("expected known-test in %v", Types())
	}
}
