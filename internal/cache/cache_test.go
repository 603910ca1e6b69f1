package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

var rev = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestKey_Canonical(t *testing.T) {
	a := Key("weather", rev, map[string]string{"city": "Oslo", "units": "metric"})
	b := Key("weather", rev, map[string]string{"units": "metric", "city": "Oslo"})
	if a != b {
		t.Error("key depends on map order")
	}
	if a == Key("weather", rev, map[string]string{"city": "Oslo"}) {
		t.Error("different params share a key")
	}
	if a == Key("news", rev, map[string]string{"city": "Oslo", "units": "metric"}) {
		t.Error("different apis share a key")
	}
	// Separators inside values cannot forge another parameter set.
	if Key("x", rev, map[string]string{"a": "1,b=2"}) == Key("x", rev, map[string]string{"a": "1", "b": "2"}) {
		t.Error("ambiguous encoding")
	}
	if a == Key("weather", rev.Add(time.Second), map[string]string{"city": "Oslo", "units": "metric"}) {
		t.Error("descriptor revisions share a key")
	}
}

func TestGetPut_TTL(t *testing.T) {
	clk := newClock()
	c := New(Options{Now: clk.Now})
	c.Put("k", Value{Text: "v"}, time.Minute)

	if v, ok := c.Get("k"); !ok || v.Text != "v" {
		t.Fatalf("Get = %v, %v", v, ok)
	}
	clk.Advance(time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Error("entry served at its expiry instant")
	}
	if s := c.Stats(); s.Entries != 0 || s.Hits != 1 || s.Misses != 1 {
		t.Errorf("Stats = %+v", s)
	}

	c.Put("zero", Value{Text: "v"}, 0)
	if _, ok := c.Get("zero"); ok {
		t.Error("zero ttl stored")
	}
}

func TestEviction_ExpiredThenOldest(t *testing.T) {
	clk := newClock()
	c := New(Options{MaxEntries: 2, Now: clk.Now})

	c.Put("short", Value{}, time.Second)
	clk.Advance(time.Millisecond)
	c.Put("old", Value{}, time.Hour)
	clk.Advance(2 * time.Second)
	c.Put("new", Value{}, time.Hour)
	// short expired and goes first; old and new both fit.
	if _, ok := c.Get("old"); !ok {
		t.Error("old evicted while an expired entry existed")
	}

	clk.Advance(time.Millisecond)
	c.Put("newest", Value{}, time.Hour)
	if _, ok := c.Get("old"); ok {
		t.Error("oldest entry survived eviction")
	}
	for _, k := range []string{"new", "newest"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s evicted", k)
		}
	}
	if s := c.Stats(); s.Evictions != 2 {
		t.Errorf("Evictions = %d, want 2", s.Evictions)
	}
}

func TestDo_SingleFlight(t *testing.T) {
	c := New(Options{})
	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (Value, error) {
		calls.Add(1)
		<-release
		return Value{Text: "reply"}, nil
	}

	const n = 10
	var wg sync.WaitGroup
	var uncached atomic.Int32
	started := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			v, cached, err := c.Do(context.Background(), "k", time.Minute, compute)
			if err != nil || v.Text != "reply" {
				t.Errorf("Do = %v, %v", v, err)
			}
			if !cached {
				uncached.Add(1)
			}
		}()
	}
	for i := 0; i < n; i++ {
		<-started
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("compute ran %d times, want 1", calls.Load())
	}
	if uncached.Load() != 1 {
		t.Errorf("%d callers reported uncached, want 1", uncached.Load())
	}

	_, cached, _ := c.Do(context.Background(), "k", time.Minute, compute)
	if !cached || calls.Load() != 1 {
		t.Error("fresh entry not served from cache")
	}
}

func TestDo_ErrorsNotCached(t *testing.T) {
	c := New(Options{})
	var calls atomic.Int32
	boom := errors.New("boom")
	fail := func(context.Context) (Value, error) {
		calls.Add(1)
		return Value{}, boom
	}
	for i := 0; i < 2; i++ {
		if _, _, err := c.Do(context.Background(), "k", time.Minute, fail); !errors.Is(err, boom) {
			t.Fatalf("Do = %v", err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("compute ran %d times, want 2", calls.Load())
	}
	if c.Stats().Entries != 0 {
		t.Error("error cached")
	}
}

func TestDo_CallerCancelDoesNotAbortOthers(t *testing.T) {
	c := New(Options{})
	release := make(chan struct{})
	var computeCtxErr atomic.Value
	compute := func(ctx context.Context) (Value, error) {
		<-release
		computeCtxErr.Store(fmt.Sprint(ctx.Err()))
		return Value{Text: "done"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := c.Do(ctx, "k", time.Minute, compute)
		leaderErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	waiter := make(chan Value, 1)
	go func() {
		v, _, _ := c.Do(context.Background(), "k", time.Minute, compute)
		waiter <- v
	}()
	time.Sleep(10 * time.Millisecond)

	cancel()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller got %v", err)
	}
	close(release)
	if v := <-waiter; v.Text != "done" {
		t.Errorf("waiter got %q", v.Text)
	}
	if got := computeCtxErr.Load(); got != "<nil>" {
		t.Errorf("compute context err = %v, want nil", got)
	}
	if _, ok := c.Get("k"); !ok {
		t.Error("completed value not cached")
	}
}

func TestJanitor(t *testing.T) {
	clk := newClock()
	c := New(Options{Now: clk.Now})
	c.Put("a", Value{}, time.Second)
	c.Put("b", Value{}, time.Hour)
	clk.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Janitor(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for c.Stats().Entries != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if n := c.Stats().Entries; n != 1 {
		t.Errorf("entries after sweep = %d, want 1", n)
	}
}

func TestPurge(t *testing.T) {
	c := New(Options{})
	c.Put(Key("a", rev, map[string]string{"x": "1"}), Value{}, time.Minute)
	c.Put(Key("a", rev, map[string]string{"x": "2"}), Value{}, time.Minute)
	c.Put(Key("ab", rev, map[string]string{"x": "1"}), Value{}, time.Minute)
	if n := c.Purge("a"); n != 2 {
		t.Errorf("Purge removed %d, want 2", n)
	}
	if c.Stats().Entries != 1 {
		t.Error("Purge touched another api")
	}
}
