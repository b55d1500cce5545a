package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func registries(t *testing.T) map[string]struct {
	reg     Registry
	advance func(time.Duration)
} {
	t.Helper()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return map[string]struct {
		reg     Registry
		advance func(time.Duration)
	}{
		"memory": {NewMemory(5*time.Minute, c.Now), c.Advance},
		"redis":  {NewRedis(rdb, 5*time.Minute), mr.FastForward},
	}
}

func TestSeen(t *testing.T) {
	for name, tc := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			steps := []struct {
				key     string
				advance time.Duration
				want    bool
			}{
				{key: Key("u1", "k1"), want: false},
				{key: Key("u1", "k1"), want: true},
				{key: Key("u2", "k1"), want: false},
				{key: Key("u1", "k1"), advance: 4 * time.Minute, want: true},
				{key: Key("u1", "k1"), advance: 2 * time.Minute, want: false},
				{key: Key("u1", "k1"), want: true},
			}
			for i, s := range steps {
				if s.advance > 0 {
					tc.advance(s.advance)
				}
				got, err := tc.reg.Seen(ctx, s.key)
				if err != nil {
					t.Fatalf("step %d: %v", i, err)
				}
				if got != s.want {
					t.Errorf("step %d: Seen(%q) = %v, want %v", i, s.key, got, s.want)
				}
			}
		})
	}
}

func TestSeen_ConcurrentExactlyOnce(t *testing.T) {
	for name, tc := range registries(t) {
		t.Run(name, func(t *testing.T) {
			var fresh atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					seen, err := tc.reg.Seen(context.Background(), "u1:retry")
					if err != nil {
						t.Error(err)
						return
					}
					if !seen {
						fresh.Add(1)
					}
				}()
			}
			wg.Wait()
			if fresh.Load() != 1 {
				t.Errorf("%d callers saw the key as new, want 1", fresh.Load())
			}
		})
	}
}

func TestForget(t *testing.T) {
	for name, tc := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := Key("u1", "k1")
			if seen, _ := tc.reg.Seen(ctx, key); seen {
				t.Fatal("fresh key reported as seen")
			}
			if err := tc.reg.Forget(ctx, key); err != nil {
				t.Fatal(err)
			}
			if seen, _ := tc.reg.Seen(ctx, key); seen {
				t.Error("key still seen after Forget")
			}
			if seen, _ := tc.reg.Seen(ctx, key); !seen {
				t.Error("key not recorded again after Forget")
			}
			if err := tc.reg.Forget(ctx, Key("u1", "never")); err != nil {
				t.Errorf("Forget(unknown) = %v", err)
			}
		})
	}
}

func TestMemory_Sweep(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	m := NewMemory(time.Minute, c.Now)
	ctx := context.Background()
	m.Seen(ctx, "a")
	c.Advance(30 * time.Second)
	m.Seen(ctx, "b")
	c.Advance(45 * time.Second)

	if n := m.Sweep(); n != 1 {
		t.Errorf("Sweep = %d, want 1", n)
	}
	if seen, _ := m.Seen(ctx, "b"); !seen {
		t.Error("b should still be remembered")
	}
}

func TestRedis_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	r := NewRedis(rdb, time.Minute)
	mr.Close()
	if _, err := r.Seen(context.Background(), "k"); err == nil {
		t.Error("expected error with redis down")
	}
}
