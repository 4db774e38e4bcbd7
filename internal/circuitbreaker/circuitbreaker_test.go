package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agrofleet/herald/internal/dispatch"
	"github.com/agrofleet/herald/internal/store"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: 1 * time.Second}, testLogger())
	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("should allow probe after timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ClosesOnSuccessfulProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_HalfOpenLimitsRequests(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond, HalfOpenMaxRequests: 1}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("first half-open request should be allowed")
	}
	if cb.Allow() {
		t.Fatal("second half-open request should be rejected")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := New(Config{Name: "stats-test", MaxFailures: 5, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	stats := cb.Stats()
	if stats.Name != "stats-test" {
		t.Fatalf("name = %s", stats.Name)
	}
	if stats.TotalRequests != 3 {
		t.Fatalf("total_requests = %d", stats.TotalRequests)
	}
	if stats.TotalSuccesses != 2 {
		t.Fatalf("total_successes = %d", stats.TotalSuccesses)
	}
	if stats.TotalFailures != 1 {
		t.Fatalf("total_failures = %d", stats.TotalFailures)
	}
}

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig("svc")
	if cfg.MaxFailures != 5 {
		t.Fatalf("max_failures = %d", cfg.MaxFailures)
	}
	if cfg.RecoveryTimeout != 30*time.Second {
		t.Fatalf("recovery_timeout = %v", cfg.RecoveryTimeout)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

// --- ProtectedSender Tests ---

type mockSender struct {
	sendErr   error
	channel   string
	sendCalls int
}

func (m *mockSender) Send(ctx context.Context, msg *store.QueuedMessage, provider *store.ChannelProvider) (*dispatch.SendResult, error) {
	m.sendCalls++
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &dispatch.SendResult{ProviderMessageID: "mock-1"}, nil
}

func (m *mockSender) SupportsChannel(channel string) bool {
	return channel == m.channel
}

func testMessage(ch string) *store.QueuedMessage {
	return &store.QueuedMessage{ID: 1, RecipientID: uuid.New(), Channel: ch}
}

func testProvider(name, ch string) *store.ChannelProvider {
	return &store.ChannelProvider{ID: uuid.New(), Name: name, Channel: ch, IsActive: true}
}

func TestProtectedSender_PassesThrough(t *testing.T) {
	mock := &mockSender{channel: "email"}
	ps := NewProtectedSender(mock, Config{MaxFailures: 5}, testLogger())
	prov := testProvider("ses-primary", "email")
	if _, err := ps.Send(context.Background(), testMessage("email"), prov); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if mock.sendCalls != 1 {
		t.Fatalf("calls = %d", mock.sendCalls)
	}
}

func TestProtectedSender_FailFastWhenOpen(t *testing.T) {
	prov := testProvider("ses-primary", "email")
	mock := &mockSender{sendErr: dispatch.Transient(prov.ID, errors.New("down")), channel: "email"}
	ps := NewProtectedSender(mock, Config{MaxFailures: 2}, testLogger())
	ps.Send(context.Background(), testMessage("email"), prov)
	ps.Send(context.Background(), testMessage("email"), prov)
	mock.sendCalls = 0
	_, err := ps.Send(context.Background(), testMessage("email"), prov)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatalf("sender called %d times when circuit open", mock.sendCalls)
	}
}

func TestProtectedSender_OpenCircuitIsTransient(t *testing.T) {
	prov := testProvider("ses-primary", "email")
	mock := &mockSender{sendErr: dispatch.Transient(prov.ID, errors.New("down")), channel: "email"}
	ps := NewProtectedSender(mock, Config{MaxFailures: 1}, testLogger())
	ps.Send(context.Background(), testMessage("email"), prov)
	_, err := ps.Send(context.Background(), testMessage("email"), prov)
	if dispatch.IsTerminal(err) {
		t.Fatal("breaker rejection should be transient so failover can pick another provider")
	}
}

func TestProtectedSender_TerminalErrorsDoNotTrip(t *testing.T) {
	prov := testProvider("ses-primary", "email")
	mock := &mockSender{sendErr: dispatch.Terminal(prov.ID, errors.New("bad recipient")), channel: "email"}
	ps := NewProtectedSender(mock, Config{MaxFailures: 2}, testLogger())
	for i := 0; i < 10; i++ {
		_, err := ps.Send(context.Background(), testMessage("email"), prov)
		if errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("circuit opened on terminal error after %d sends", i)
		}
	}
	if mock.sendCalls != 10 {
		t.Fatalf("calls = %d, terminal errors should pass through", mock.sendCalls)
	}
}

func TestProtectedSender_IsolatesProviders(t *testing.T) {
	provA := testProvider("ses-primary", "email")
	provB := testProvider("ses-backup", "email")
	mock := &mockSender{sendErr: dispatch.Transient(provA.ID, errors.New("down")), channel: "email"}
	ps := NewProtectedSender(mock, Config{MaxFailures: 2}, testLogger())

	ps.Send(context.Background(), testMessage("email"), provA)
	ps.Send(context.Background(), testMessage("email"), provA)
	if _, err := ps.Send(context.Background(), testMessage("email"), provA); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("provider A should be open: %v", err)
	}

	mock.sendErr = nil
	if _, err := ps.Send(context.Background(), testMessage("email"), provB); err != nil {
		t.Fatalf("provider B must not share provider A's breaker: %v", err)
	}
}

func TestProtectedSender_SupportsChannel(t *testing.T) {
	mock := &mockSender{channel: "push"}
	ps := NewProtectedSender(mock, DefaultConfig("t"), testLogger())
	if !ps.SupportsChannel("push") {
		t.Fatal("should support push")
	}
	if ps.SupportsChannel("email") {
		t.Fatal("should not support email")
	}
}

func TestProtectedSender_ResetReopensProvider(t *testing.T) {
	prov := testProvider("ses-primary", "email")
	mock := &mockSender{sendErr: dispatch.Transient(prov.ID, errors.New("down")), channel: "email"}
	ps := NewProtectedSender(mock, Config{MaxFailures: 1, RecoveryTimeout: time.Hour}, testLogger())
	ps.Send(context.Background(), testMessage("email"), prov)
	if _, err := ps.Send(context.Background(), testMessage("email"), prov); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit: %v", err)
	}

	if !ps.Reset(prov.ID.String()) {
		t.Fatal("reset should find the provider breaker")
	}
	mock.sendErr = nil
	if _, err := ps.Send(context.Background(), testMessage("email"), prov); err != nil {
		t.Fatalf("send after reset: %v", err)
	}

	if ps.Reset(uuid.NewString()) {
		t.Fatal("reset of unknown provider should report false")
	}
}

func TestProtectedSender_FullLifecycle(t *testing.T) {
	prov := testProvider("ses-primary", "email")
	mock := &mockSender{channel: "email"}
	ps := NewProtectedSender(mock, Config{MaxFailures: 3, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	msg := testMessage("email")

	// Phase 1: working
	if _, err := ps.Send(context.Background(), msg, prov); err != nil {
		t.Fatalf("phase1: %v", err)
	}

	// Phase 2: provider fails, circuit opens
	mock.sendErr = dispatch.Transient(prov.ID, errors.New("SES down"))
	for i := 0; i < 3; i++ {
		ps.Send(context.Background(), msg, prov)
	}

	// Phase 3: fail fast
	mock.sendCalls = 0
	_, err := ps.Send(context.Background(), msg, prov)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("phase3: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatal("phase3: sender should not be called")
	}

	// Phase 4: wait for recovery
	time.Sleep(60 * time.Millisecond)

	// Phase 5: provider recovers
	mock.sendErr = nil
	if _, err := ps.Send(context.Background(), msg, prov); err != nil {
		t.Fatalf("phase5: %v", err)
	}

	// Phase 6: normal traffic
	for i := 0; i < 5; i++ {
		if _, err := ps.Send(context.Background(), msg, prov); err != nil {
			t.Fatalf("phase6[%d]: %v", i, err)
		}
	}

	stats := ps.Stats()
	if len(stats) != 1 {
		t.Fatalf("expected 1 breaker, got %d", len(stats))
	}
}
