package keypool

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory stand-in for the shared Redis store with a
// test-controlled clock for TTL behavior.
type memStore struct {
	mu       sync.Mutex
	now      time.Time
	counters map[string]int64
	vals     map[string]string
	expiry   map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{
		now:      time.Unix(1_700_000_000, 0),
		counters: make(map[string]int64),
		vals:     make(map[string]string),
		expiry:   make(map[string]time.Time),
	}
}

func (m *memStore) advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *memStore) expired(key string) bool {
	if exp, ok := m.expiry[key]; ok && !m.now.Before(exp) {
		delete(m.counters, key)
		delete(m.vals, key)
		delete(m.expiry, key)
		return true
	}
	return false
}

func (m *memStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	m.counters[key]++
	return m.counters[key], nil
}

func (m *memStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiry[key] = m.now.Add(ttl)
	return nil
}

func (m *memStore) SetEX(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = value
	m.expiry[key] = m.now.Add(ttl)
	return nil
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return false, nil
	}
	_, inVals := m.vals[key]
	_, inCounters := m.counters[key]
	return inVals || inCounters, nil
}

func (m *memStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.counters, k)
		delete(m.vals, k)
		delete(m.expiry, k)
	}
	return nil
}

func (m *memStore) counter(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

func testOpts() Options {
	return Options{PerKeyLimit: 60, Window: 60 * time.Second, Cooldown: 90 * time.Second}
}

func TestAcquireOverflowTriggersCooldown(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p := New("extract", []string{"secret-a"}, store, testOpts())

	for i := 1; i <= 60; i++ {
		if _, ok := p.Acquire(ctx); !ok {
			t.Fatalf("acquisition %d failed before the limit", i)
		}
	}
	if _, ok := p.Acquire(ctx); ok {
		t.Fatal("acquisition 61 succeeded past the window limit")
	}
	cooling, _ := store.Exists(ctx, p.cooldownKey("extract1"))
	if !cooling {
		t.Fatal("overflow did not place key into cooldown")
	}
	// The overflow increment itself is allowed, so the observed count
	// at the moment cooldown is set is exactly limit+1.
	if got := store.counter(p.counterKey("extract1", p.nowBucket())); got != 61 {
		t.Fatalf("bucket counter = %d, want 61", got)
	}
}

func TestAcquireRoutesAroundCooledKey(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p := New("extract", []string{"a", "b", "c", "d"}, store, testOpts())

	hot := Credential{Alias: "extract1", Secret: "a"}
	p.MarkCooldown(ctx, hot, 0)

	for i := 0; i < 100; i++ {
		cred, ok := p.Acquire(ctx)
		if !ok {
			t.Fatalf("acquisition %d failed with three healthy keys", i)
		}
		if cred.Alias == hot.Alias {
			t.Fatalf("acquisition %d returned a cooling key", i)
		}
	}
}

func TestAllExhausted(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p := New("extract", []string{"a", "b", "c", "d"}, store, testOpts())

	if p.AllExhausted(ctx) {
		t.Fatal("fresh pool reported exhausted")
	}
	for _, alias := range []string{"extract1", "extract2", "extract3", "extract4"} {
		p.MarkCooldown(ctx, Credential{Alias: alias}, 0)
	}
	if !p.AllExhausted(ctx) {
		t.Fatal("fully cooled pool not reported exhausted")
	}
	if _, ok := p.Acquire(ctx); ok {
		t.Fatal("acquire succeeded with every key cooling")
	}

	_ = store.Del(ctx, p.cooldownKey("extract3"))
	if p.AllExhausted(ctx) {
		t.Fatal("pool with one healthy key reported exhausted")
	}
}

func TestCooldownExpires(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p := New("extract", []string{"a"}, store, testOpts())

	p.MarkCooldown(ctx, Credential{Alias: "extract1", Secret: "a"}, 90*time.Second)
	if _, ok := p.Acquire(ctx); ok {
		t.Fatal("acquire succeeded during cooldown")
	}
	store.advance(91 * time.Second)
	if _, ok := p.Acquire(ctx); !ok {
		t.Fatal("acquire failed after cooldown expired")
	}
}

func TestRemarkCooldownExtends(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p := New("format", []string{"a"}, store, testOpts())
	cred := Credential{Alias: "format1", Secret: "a"}

	p.MarkCooldown(ctx, cred, 90*time.Second)
	store.advance(60 * time.Second)
	p.MarkCooldown(ctx, cred, 90*time.Second)
	store.advance(60 * time.Second)
	// 120s after the first mark; the re-mark reset expiry to its own
	// now+90s, so the key must still be cooling.
	if _, ok := p.Acquire(ctx); ok {
		t.Fatal("re-marked cooldown expired on the original schedule")
	}
}

func TestAliasesAreStable(t *testing.T) {
	store := newMemStore()
	secrets := []string{"s1", "s2", "s3"}
	a := New("extract", secrets, store, testOpts())
	b := New("extract", secrets, store, testOpts())
	for i := range a.creds {
		if a.creds[i].Alias != b.creds[i].Alias {
			t.Fatalf("alias %d differs across instances: %s vs %s", i, a.creds[i].Alias, b.creds[i].Alias)
		}
		if !strings.HasPrefix(a.creds[i].Alias, "extract") {
			t.Fatalf("alias %q does not carry the pool name", a.creds[i].Alias)
		}
	}
}

func TestEmptyPool(t *testing.T) {
	ctx := context.Background()
	p := New("fallback", nil, newMemStore(), testOpts())
	if _, ok := p.Acquire(ctx); ok {
		t.Fatal("acquire succeeded on empty pool")
	}
	if !p.AllExhausted(ctx) {
		t.Fatal("empty pool not reported exhausted")
	}
}
