package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/local/docdispatch/internal/ai"
	"github.com/local/docdispatch/internal/keypool"
)

// ---- Fakes ----

type fakePool struct {
	mu            sync.Mutex
	exhaustedFor  int // AllExhausted returns true this many times
	acquireFails  int // Acquire returns !ok this many times
	acquires      int
	cooldownMarks []string
}

func (f *fakePool) Name() string { return "extract" }

func (f *fakePool) Acquire(_ context.Context) (keypool.Credential, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireFails > 0 {
		f.acquireFails--
		return keypool.Credential{}, false
	}
	f.acquires++
	return keypool.Credential{Alias: "extract1", Secret: "s1"}, true
}

func (f *fakePool) MarkCooldown(_ context.Context, cred keypool.Credential, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cooldownMarks = append(f.cooldownMarks, cred.Alias)
}

func (f *fakePool) AllExhausted(_ context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exhaustedFor > 0 {
		f.exhaustedFor--
		return true
	}
	return false
}

type fakeGate struct {
	mu       sync.Mutex
	held     int
	acquires int
	releases int
	denyFor  int
}

func (f *fakeGate) Acquire(_ context.Context, _ time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyFor > 0 {
		f.denyFor--
		return false
	}
	f.acquires++
	f.held++
	return true
}

func (f *fakeGate) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	f.held--
}

type scriptedClient struct {
	mu      sync.Mutex
	calls   int
	results []func() (ai.Response, error)
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Generate(_ context.Context, _ string, _ ai.Request) (ai.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i >= len(c.results) {
		i = len(c.results) - 1
	}
	return c.results[i]()
}

func succeed(text string) func() (ai.Response, error) {
	return func() (ai.Response, error) { return ai.Response{Text: text}, nil }
}

func fail(err error) func() (ai.Response, error) {
	return func() (ai.Response, error) { return ai.Response{}, err }
}

func fastOpts() Options {
	return Options{
		BaseDelay:         time.Millisecond,
		CallBackoffCap:    5 * time.Millisecond,
		ExhaustBackoffCap: 5 * time.Millisecond,
		ShortDelay:        time.Millisecond,
		SlotTimeout:       10 * time.Millisecond,
	}
}

// ---- Tests ----

func TestCallSucceedsFirstAttempt(t *testing.T) {
	pool := &fakePool{}
	g := &fakeGate{}
	client := &scriptedClient{results: []func() (ai.Response, error){succeed("hello")}}
	e := New(pool, g, client, fastOpts())

	text, err := e.Call(context.Background(), "job-1", []ai.Part{{Text: "p"}}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello" {
		t.Fatalf("text = %q, want hello", text)
	}
	if g.held != 0 {
		t.Fatalf("%d slots still held after success", g.held)
	}
}

func TestEmptyResponseRetries(t *testing.T) {
	pool := &fakePool{}
	g := &fakeGate{}
	client := &scriptedClient{results: []func() (ai.Response, error){
		fail(ai.ErrEmptyResponse),
		fail(ai.ErrEmptyResponse),
		succeed("eventually"),
	}}
	e := New(pool, g, client, fastOpts())

	text, err := e.Call(context.Background(), "job-1", nil, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "eventually" {
		t.Fatalf("text = %q", text)
	}
	if client.calls != 3 {
		t.Fatalf("client called %d times, want 3", client.calls)
	}
	if len(pool.cooldownMarks) != 0 {
		t.Fatalf("empty responses must not mark cooldown, got %v", pool.cooldownMarks)
	}
}

func TestQuotaErrorMarksCooldown(t *testing.T) {
	pool := &fakePool{}
	g := &fakeGate{}
	client := &scriptedClient{results: []func() (ai.Response, error){
		fail(ai.ErrRateLimited),
		succeed("after cooldown mark"),
	}}
	e := New(pool, g, client, fastOpts())

	if _, err := e.Call(context.Background(), "job-1", nil, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pool.cooldownMarks) != 1 || pool.cooldownMarks[0] != "extract1" {
		t.Fatalf("cooldown marks = %v, want [extract1]", pool.cooldownMarks)
	}
}

func TestQuotaMessageMarksCooldown(t *testing.T) {
	pool := &fakePool{}
	g := &fakeGate{}
	client := &scriptedClient{results: []func() (ai.Response, error){
		fail(errors.New("googleapi: quota exceeded for project")),
		succeed("ok"),
	}}
	e := New(pool, g, client, fastOpts())

	if _, err := e.Call(context.Background(), "job-1", nil, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pool.cooldownMarks) != 1 {
		t.Fatalf("quota-worded error did not mark cooldown")
	}
}

func TestAttemptsExhaustedSentinel(t *testing.T) {
	pool := &fakePool{}
	g := &fakeGate{}
	client := &scriptedClient{results: []func() (ai.Response, error){
		fail(errors.New("boom")),
	}}
	e := New(pool, g, client, fastOpts())

	_, err := e.Call(context.Background(), "job-1", nil, 4)
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("err = %v, want ErrAttemptsExhausted", err)
	}
	if client.calls != 4 {
		t.Fatalf("client called %d times, want 4", client.calls)
	}
	if g.acquires != g.releases {
		t.Fatalf("slot leak: %d acquires, %d releases", g.acquires, g.releases)
	}
	if g.held != 0 {
		t.Fatalf("%d slots held after exhaustion", g.held)
	}
}

func TestExhaustedPoolSkipsGate(t *testing.T) {
	pool := &fakePool{exhaustedFor: 3}
	g := &fakeGate{}
	client := &scriptedClient{results: []func() (ai.Response, error){succeed("ok")}}
	e := New(pool, g, client, fastOpts())

	if _, err := e.Call(context.Background(), "job-1", nil, 6); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The three exhaustion waits must not have taken a slot.
	if g.acquires != 1 {
		t.Fatalf("gate acquired %d times, want 1", g.acquires)
	}
}

func TestSlotTimeoutRetriesLoop(t *testing.T) {
	pool := &fakePool{}
	g := &fakeGate{denyFor: 2}
	client := &scriptedClient{results: []func() (ai.Response, error){succeed("ok")}}
	e := New(pool, g, client, fastOpts())

	if _, err := e.Call(context.Background(), "job-1", nil, 6); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Denied acquisitions must not have touched the pool.
	if pool.acquires != 1 {
		t.Fatalf("pool acquired %d times, want 1", pool.acquires)
	}
}

func TestKeyMissReleasesSlot(t *testing.T) {
	pool := &fakePool{acquireFails: 2}
	g := &fakeGate{}
	client := &scriptedClient{results: []func() (ai.Response, error){succeed("ok")}}
	e := New(pool, g, client, fastOpts())

	if _, err := e.Call(context.Background(), "job-1", nil, 6); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.acquires != g.releases {
		t.Fatalf("slot leak on key miss: %d acquires, %d releases", g.acquires, g.releases)
	}
}

func TestCallHonorsContextCancel(t *testing.T) {
	pool := &fakePool{exhaustedFor: 1000}
	g := &fakeGate{}
	client := &scriptedClient{results: []func() (ai.Response, error){succeed("ok")}}
	opts := fastOpts()
	opts.ExhaustBackoffCap = time.Second
	opts.BaseDelay = time.Second
	e := New(pool, g, client, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := e.Call(ctx, "job-1", nil, 1000)
	if err == nil {
		t.Fatal("expected context error")
	}
}
