package executor

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docdispatch/internal/ai"
	"github.com/local/docdispatch/internal/keypool"
	"github.com/local/docdispatch/internal/metrics"
)

// ErrAttemptsExhausted is the sentinel returned when every retry
// failed. It never propagates past the router boundary as a fault.
var ErrAttemptsExhausted = errors.New("attempts_exhausted")

// KeyPool is the credential side of one job class.
type KeyPool interface {
	Name() string
	Acquire(ctx context.Context) (keypool.Credential, bool)
	MarkCooldown(ctx context.Context, cred keypool.Credential, d time.Duration)
	AllExhausted(ctx context.Context) bool
}

// Gate is the per-class bound on simultaneous external calls.
type Gate interface {
	Acquire(ctx context.Context, timeout time.Duration) bool
	Release()
}

// Options tune the retry loop. Zero values fall back to the production
// defaults.
type Options struct {
	BaseDelay         time.Duration // backoff base, doubled per attempt
	CallBackoffCap    time.Duration // cap for post-call-failure waits
	ExhaustBackoffCap time.Duration // cap for all-keys-cooling waits
	ShortDelay        time.Duration // wait after slot/key acquisition misses
	SlotTimeout       time.Duration // bounded wait for a concurrency slot
}

func (o *Options) defaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.CallBackoffCap <= 0 {
		o.CallBackoffCap = 30 * time.Second
	}
	if o.ExhaustBackoffCap <= 0 {
		o.ExhaustBackoffCap = 10 * time.Second
	}
	if o.ShortDelay <= 0 {
		o.ShortDelay = 500 * time.Millisecond
	}
	if o.SlotTimeout <= 0 {
		o.SlotTimeout = 10 * time.Second
	}
}

// Executor drives single completion calls for one (pool, gate) pair:
// slot, credential, call, classify, backoff, release on every path.
type Executor struct {
	pool   KeyPool
	gate   Gate
	client ai.Client
	opts   Options
}

func New(pool KeyPool, gate Gate, client ai.Client, opts Options) *Executor {
	opts.defaults()
	return &Executor{pool: pool, gate: gate, client: client, opts: opts}
}

// backoff is min(cap, base*2^(attempt-1)) plus jitter proportional to
// the base delay.
func (e *Executor) backoff(cap time.Duration, attempt int) time.Duration {
	d := e.opts.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}
	return d + time.Duration(rand.Float64()*float64(e.opts.BaseDelay))
}

func (e *Executor) shortWait() time.Duration {
	return e.opts.ShortDelay + time.Duration(rand.Float64()*float64(e.opts.ShortDelay))
}

// Call runs one prompt to completion with up to maxRetries attempts.
// On give-up it returns ErrAttemptsExhausted, never a raw provider
// error.
func (e *Executor) Call(ctx context.Context, jobID string, parts []ai.Part, maxRetries int) (string, error) {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	pool := e.pool.Name()

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			metrics.IncRetry(pool)
		}

		// Back off before even taking a slot when every key is
		// cooling; this wait must not hold gate capacity.
		if e.pool.AllExhausted(ctx) {
			wait := e.backoff(e.opts.ExhaustBackoffCap, attempt)
			log.Debug().Str("job_id", jobID).Str("pool", pool).Int("attempt", attempt).
				Dur("wait", wait).Msg("all keys cooling, backing off")
			if !sleepCtx(ctx, wait) {
				return "", ctx.Err()
			}
			continue
		}

		gateStart := time.Now()
		if !e.gate.Acquire(ctx, e.opts.SlotTimeout) {
			metrics.ObserveGateWait(pool, time.Since(gateStart))
			if !sleepCtx(ctx, e.shortWait()) {
				return "", ctx.Err()
			}
			continue
		}
		metrics.ObserveGateWait(pool, time.Since(gateStart))

		text, retryWait, done := e.attempt(ctx, jobID, parts, attempt)
		if done {
			return text, nil
		}
		if retryWait > 0 && !sleepCtx(ctx, retryWait) {
			return "", ctx.Err()
		}
	}

	log.Warn().Str("job_id", jobID).Str("pool", pool).Int("max_retries", maxRetries).
		Msg("attempts exhausted")
	return "", ErrAttemptsExhausted
}

// attempt performs one gated call. The slot is released on every exit
// path, including a panicking provider client.
func (e *Executor) attempt(ctx context.Context, jobID string, parts []ai.Part, attempt int) (text string, retryWait time.Duration, done bool) {
	defer e.gate.Release()

	pool := e.pool.Name()
	cred, ok := e.pool.Acquire(ctx)
	if !ok {
		return "", e.shortWait(), false
	}

	start := time.Now()
	resp, err := e.client.Generate(ctx, cred.Secret, ai.Request{JobID: jobID, Parts: parts})
	dur := time.Since(start)

	if err == nil && resp.Text != "" {
		metrics.ObserveCall(pool, "success", dur)
		return resp.Text, 0, true
	}

	switch {
	case err == nil || ai.IsEmpty(err):
		metrics.ObserveCall(pool, "empty", dur)
		log.Debug().Str("job_id", jobID).Str("pool", pool).Int("attempt", attempt).
			Msg("empty completion, retrying")
	case ai.IsRateLimited(err):
		metrics.ObserveCall(pool, "quota", dur)
		e.pool.MarkCooldown(ctx, cred, 0)
		log.Warn().Str("job_id", jobID).Str("pool", pool).Str("key", cred.Alias).
			Int("attempt", attempt).Msg("quota signal from service, key cooling")
	default:
		metrics.ObserveCall(pool, "error", dur)
		log.Warn().Err(err).Str("job_id", jobID).Str("pool", pool).
			Int("attempt", attempt).Msg("completion call failed")
	}

	return "", e.backoff(e.opts.CallBackoffCap, attempt), false
}

// sleepCtx sleeps for d unless the context ends first; returns false
// when interrupted.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
