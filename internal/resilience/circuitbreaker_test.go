package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var errTest = errors.New("test error")

type transition struct {
	from, to State
}

// newTestBreaker returns a breaker on a fake clock that records transitions.
func newTestBreaker(t *testing.T, cfg CircuitBreakerConfig) (*CircuitBreaker, *clockwork.FakeClock, func() []transition) {
	t.Helper()
	clk := clockwork.NewFakeClock()
	var (
		mu  sync.Mutex
		got []transition
	)
	cfg.Name = "test"
	cfg.Clock = clk
	cfg.OnStateChange = func(_ string, from, to State) {
		mu.Lock()
		got = append(got, transition{from, to})
		mu.Unlock()
	}
	return NewCircuitBreaker(cfg), clk, func() []transition {
		mu.Lock()
		defer mu.Unlock()
		return append([]transition(nil), got...)
	}
}

func fail() error    { return errTest }
func succeed() error { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "codec"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 10*time.Second {
		t.Errorf("resetTimeout = %v, want 10s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 2 {
		t.Errorf("halfOpenMax = %d, want 2", cb.halfOpenMax)
	}
	if cb.clock == nil || cb.logger == nil {
		t.Error("clock and logger must default to non-nil")
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedPassesResult(t *testing.T) {
	t.Parallel()
	cb, _, _ := newTestBreaker(t, CircuitBreakerConfig{MaxFailures: 3})

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
	if err := cb.Execute(fail); !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	cb, _, transitions := newTestBreaker(t, CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute})

	for range 3 {
		_ = cb.Execute(fail)
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn ran while open")
	}
	want := []transition{{StateClosed, StateOpen}}
	if got := transitions(); len(got) != 1 || got[0] != want[0] {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	cb, _, _ := newTestBreaker(t, CircuitBreakerConfig{MaxFailures: 3})

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	_ = cb.Execute(succeed)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)

	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestCircuitBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	t.Parallel()
	cb, clk, _ := newTestBreaker(t, CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Second})

	_ = cb.Execute(fail)
	clk.Advance(9 * time.Second)
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state after 9s = %v, want open", got)
	}
	clk.Advance(time.Second)
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state after 10s = %v, want half-open", got)
	}
}

func TestCircuitBreaker_ProbesClose(t *testing.T) {
	t.Parallel()
	cb, clk, transitions := newTestBreaker(t, CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		HalfOpenMax:  2,
	})

	_ = cb.Execute(fail)
	clk.Advance(time.Second)

	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state after 1 probe = %v, want half-open", got)
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state after 2 probes = %v, want closed", got)
	}

	want := []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	got := transitions()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()
	cb, clk, _ := newTestBreaker(t, CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second})

	_ = cb.Execute(fail)
	clk.Advance(time.Second)

	if err := cb.Execute(fail); !errors.Is(err, errTest) {
		t.Fatalf("probe err = %v, want errTest", err)
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
	// The reset timer restarts from the failed probe.
	clk.Advance(500 * time.Millisecond)
	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()
	cb, clk, _ := newTestBreaker(t, CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
	})

	_ = cb.Execute(fail)
	clk.Advance(time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("concurrent probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb, _, transitions := newTestBreaker(t, CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})

	_ = cb.Execute(fail)
	cb.Reset()
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("Execute after Reset: %v", err)
	}
	got := transitions()
	if last := got[len(got)-1]; last != (transition{StateOpen, StateClosed}) {
		t.Errorf("last transition = %v, want open→closed", last)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
