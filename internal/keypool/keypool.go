package keypool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docdispatch/internal/kv"
	"github.com/local/docdispatch/internal/metrics"
)

// Credential is one quota-limited key. Alias is the stable identifier
// used in shared-store keys so every worker process and every restart
// agrees on which counters and cooldowns belong to which key.
type Credential struct {
	Alias  string
	Secret string
}

// Options configures a pool.
type Options struct {
	PerKeyLimit int
	Window      time.Duration
	Cooldown    time.Duration
	KeyPrefix   string
}

// Pool tracks usage of a fixed credential set against discrete window
// buckets plus a cooldown penalty, all in a shared store so concurrent
// worker processes see the same counts.
type Pool struct {
	name     string
	store    kv.Store
	creds    []Credential
	limit    int
	window   time.Duration
	cooldown time.Duration
	prefix   string

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a pool for one job class. Aliases are assigned from the
// key's position in the configured list.
func New(name string, secrets []string, store kv.Store, opts Options) *Pool {
	if opts.PerKeyLimit <= 0 {
		opts.PerKeyLimit = 60
	}
	if opts.Window <= 0 {
		opts.Window = 60 * time.Second
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 90 * time.Second
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "docdispatch"
	}
	creds := make([]Credential, 0, len(secrets))
	for i, s := range secrets {
		if s == "" {
			continue
		}
		creds = append(creds, Credential{Alias: fmt.Sprintf("%s%d", name, i+1), Secret: s})
	}
	return &Pool{
		name:     name,
		store:    store,
		creds:    creds,
		limit:    opts.PerKeyLimit,
		window:   opts.Window,
		cooldown: opts.Cooldown,
		prefix:   opts.KeyPrefix,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Name returns the pool's class name.
func (p *Pool) Name() string { return p.name }

// Size returns the number of configured credentials.
func (p *Pool) Size() int { return len(p.creds) }

func (p *Pool) counterKey(alias string, bucket int64) string {
	return fmt.Sprintf("%s:cnt:%s:%d", p.prefix, alias, bucket)
}

func (p *Pool) cooldownKey(alias string) string {
	return fmt.Sprintf("%s:cd:%s", p.prefix, alias)
}

func (p *Pool) nowBucket() int64 {
	return time.Now().Unix() / int64(p.window/time.Second)
}

// shuffled returns the credentials in randomized order so a fixed
// preferred key never absorbs all of a burst.
func (p *Pool) shuffled() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Credential, len(p.creds))
	copy(out, p.creds)
	p.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Acquire returns a usable credential, or ok=false if every key is
// cooling down or over its window limit. The increment that overflows
// the limit is the same operation that puts the key into cooldown.
func (p *Pool) Acquire(ctx context.Context) (Credential, bool) {
	if len(p.creds) == 0 {
		return Credential{}, false
	}
	bucket := p.nowBucket()
	for _, cred := range p.shuffled() {
		cooling, err := p.store.Exists(ctx, p.cooldownKey(cred.Alias))
		if err != nil {
			log.Error().Err(err).Str("pool", p.name).Str("key", cred.Alias).Msg("cooldown lookup failed")
			continue
		}
		if cooling {
			continue
		}
		ck := p.counterKey(cred.Alias, bucket)
		count, err := p.store.Incr(ctx, ck)
		if err != nil {
			log.Error().Err(err).Str("pool", p.name).Str("key", cred.Alias).Msg("counter incr failed")
			continue
		}
		_ = p.store.Expire(ctx, ck, p.window+5*time.Second)
		if count <= int64(p.limit) {
			metrics.KeyAcquired(p.name)
			return cred, true
		}
		// Overflowed the window: this key goes on cooldown and the
		// next candidate is tried.
		if err := p.store.SetEX(ctx, p.cooldownKey(cred.Alias), "1", p.cooldown); err != nil {
			log.Error().Err(err).Str("pool", p.name).Str("key", cred.Alias).Msg("cooldown set failed")
		}
		metrics.CooldownSet(p.name, "overflow")
		log.Warn().Str("pool", p.name).Str("key", cred.Alias).Int64("count", count).
			Dur("cooldown", p.cooldown).Msg("key over window limit, cooling down")
	}
	metrics.KeyExhausted(p.name)
	return Credential{}, false
}

// MarkCooldown forces a credential unusable regardless of its counter,
// used when the service itself reports quota exhaustion. Re-marking
// resets the expiry to now+duration, which with a fixed configured
// duration only ever extends the remaining time.
func (p *Pool) MarkCooldown(ctx context.Context, cred Credential, d time.Duration) {
	if d <= 0 {
		d = p.cooldown
	}
	if err := p.store.SetEX(ctx, p.cooldownKey(cred.Alias), "1", d); err != nil {
		log.Error().Err(err).Str("pool", p.name).Str("key", cred.Alias).Msg("cooldown set failed")
		return
	}
	metrics.CooldownSet(p.name, "quota")
	log.Warn().Str("pool", p.name).Str("key", cred.Alias).Dur("cooldown", d).
		Msg("key marked cooldown by service signal")
}

// AllExhausted reports whether every credential currently has an
// unexpired cooldown entry. An empty pool counts as exhausted.
func (p *Pool) AllExhausted(ctx context.Context) bool {
	if len(p.creds) == 0 {
		return true
	}
	for _, cred := range p.creds {
		cooling, err := p.store.Exists(ctx, p.cooldownKey(cred.Alias))
		if err != nil {
			log.Error().Err(err).Str("pool", p.name).Str("key", cred.Alias).Msg("cooldown lookup failed")
			return false
		}
		if !cooling {
			return false
		}
	}
	return true
}
