package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/quotagate/internal/log"
	"github.com/keithlinneman/quotagate/internal/xerrors"
)

// fakePrimary is a Store whose availability the test toggles.
type fakePrimary struct {
	mu    sync.Mutex
	down  bool
	calls int
	inner *Memory
}

func (f *fakePrimary) Incr(ctx context.Context, key string, window time.Duration, now time.Time) (Sample, error) {
	f.mu.Lock()
	f.calls++
	down := f.down
	f.mu.Unlock()
	if down {
		return Sample{}, xerrors.New("connection refused")
	}
	return f.inner.Incr(ctx, key, window, now)
}

func (f *fakePrimary) Reset(ctx context.Context, key string) error {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return xerrors.New("connection refused")
	}
	return f.inner.Reset(ctx, key)
}

func (f *fakePrimary) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakePrimary) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newFailoverFixture(t *testing.T, opts ...FailoverOption) (*Failover, *fakePrimary, *Memory) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	primary := &fakePrimary{inner: NewMemory(ctx)}
	fallback := NewMemory(ctx)
	f := NewFailover(primary, fallback, log.Nop(), opts...)
	return f, primary, fallback
}

func TestFailoverHealthyPassesThrough(t *testing.T) {
	f, primary, fallback := newFailoverFixture(t)
	ctx := context.Background()
	now := alignedNow(time.Second)

	for i := int64(1); i <= 3; i++ {
		s, err := f.Incr(ctx, "k", testWindow, now)
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if s.Current != i {
			t.Fatalf("Current = %d, want %d", s.Current, i)
		}
	}
	if f.Degraded() {
		t.Fatal("Degraded = true with healthy primary")
	}
	if fallback.Len() != 0 {
		t.Fatalf("fallback tracked %d keys, want 0", fallback.Len())
	}
	if primary.callCount() != 3 {
		t.Fatalf("primary calls = %d, want 3", primary.callCount())
	}
}

func TestFailoverAbsorbsOutageMidRun(t *testing.T) {
	var transitions []bool
	var errCount int
	f, primary, _ := newFailoverFixture(t,
		WithProbation(5*time.Second),
		WithDegradedHook(func(active bool) { transitions = append(transitions, active) }),
		WithPrimaryErrorHook(func() { errCount++ }),
	)
	ctx := context.Background()
	now := alignedNow(time.Second)

	if _, err := f.Incr(ctx, "k", testWindow, now); err != nil {
		t.Fatalf("Incr: %v", err)
	}

	primary.setDown(true)

	// the outage must be invisible to the caller
	s, err := f.Incr(ctx, "k", testWindow, now)
	if err != nil {
		t.Fatalf("Incr during outage: %v", err)
	}
	// fallback starts fresh: it never saw the first attempt
	if s.Current != 1 {
		t.Fatalf("fallback Current = %d, want 1", s.Current)
	}
	if !f.Degraded() {
		t.Fatal("Degraded = false during outage")
	}
	if errCount != 1 {
		t.Fatalf("error hook fired %d times, want 1", errCount)
	}

	// within probation the primary is not probed again
	before := primary.callCount()
	if _, err := f.Incr(ctx, "k", testWindow, now.Add(time.Second)); err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if primary.callCount() != before {
		t.Fatal("primary probed during probation")
	}

	// after probation the next call probes and recovers
	primary.setDown(false)
	after := now.Add(6 * time.Second)
	s, err = f.Incr(ctx, "k", testWindow, after)
	if err != nil {
		t.Fatalf("Incr after recovery: %v", err)
	}
	if f.Degraded() {
		t.Fatal("Degraded = true after recovery")
	}
	// primary kept its own count through the outage
	if s.Current != 2 {
		t.Fatalf("primary Current = %d, want 2", s.Current)
	}

	want := []bool{true, false}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestFailoverDegradedStaysLocalUntilProbation(t *testing.T) {
	f, primary, _ := newFailoverFixture(t, WithProbation(10*time.Second))
	ctx := context.Background()
	now := alignedNow(time.Second)

	primary.setDown(true)
	if _, err := f.Incr(ctx, "k", testWindow, now); err != nil {
		t.Fatalf("Incr: %v", err)
	}
	probes := primary.callCount()

	for i := 1; i <= 5; i++ {
		if _, err := f.Incr(ctx, "k", testWindow, now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("Incr: %v", err)
		}
	}
	if primary.callCount() != probes {
		t.Fatalf("primary calls grew from %d to %d inside probation", probes, primary.callCount())
	}
}

func TestFailoverResetClearsBothBackends(t *testing.T) {
	f, primary, fallback := newFailoverFixture(t)
	ctx := context.Background()
	now := alignedNow(time.Second)

	if _, err := f.Incr(ctx, "k", testWindow, now); err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if err := f.Reset(ctx, "k"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if primary.inner.Len() != 0 {
		t.Fatalf("primary kept %d keys after reset", primary.inner.Len())
	}
	if fallback.Len() != 0 {
		t.Fatalf("fallback kept %d keys after reset", fallback.Len())
	}
}
