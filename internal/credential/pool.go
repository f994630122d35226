package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPoolExhausted is returned when every credential is dead.
var ErrPoolExhausted = errors.New("credential pool exhausted")

// State is the health state of a credential.
type State int

const (
	Healthy State = iota
	Cooling
	Dead
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Cooling:
		return "cooling"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// FailureKind classifies a failed request for health bookkeeping.
type FailureKind int

const (
	KindTransient FailureKind = iota
	KindRateLimit
	KindAuth
	KindQuota
)

func (k FailureKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate_limit"
	case KindAuth:
		return "auth"
	case KindQuota:
		return "quota"
	default:
		return "unknown"
	}
}

// Credential is one API access entry.
type Credential struct {
	Key          string
	Endpoint     string
	Organization string
	Model        string
}

// Name returns a log-safe label for the credential.
func (c *Credential) Name() string {
	key := c.Key
	if len(key) > 8 {
		key = key[:3] + "..." + key[len(key)-4:]
	}
	return fmt.Sprintf("%s@%s", key, c.Endpoint)
}

// Health is a point-in-time view of one credential's state.
type Health struct {
	Credential *Credential
	State      State
	Until      time.Time // meaningful when Cooling
	Failures   int
}

// CoolingError reports that no credential is usable before Until.
type CoolingError struct {
	Until time.Time
}

func (e *CoolingError) Error() string {
	return fmt.Sprintf("all credentials cooling until %s", e.Until.Format(time.RFC3339))
}

// Options tune cooldown durations.
type Options struct {
	RateLimitCooldown time.Duration
	TransientCooldown time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

const (
	defaultRateLimitCooldown = 20 * time.Second
	defaultTransientCooldown = 2 * time.Second
)

type entry struct {
	cred     *Credential
	state    State
	until    time.Time
	failures int
}

// Pool tracks credential health and hands out credentials round-robin.
type Pool struct {
	mu      sync.Mutex
	entries []*entry
	next    int

	rateLimitCooldown time.Duration
	transientCooldown time.Duration
	now               func() time.Time
}

// NewPool builds a pool over creds. An empty list is an error.
func NewPool(creds []Credential, opts Options) (*Pool, error) {
	if len(creds) == 0 {
		return nil, fmt.Errorf("no credentials configured: %w", ErrPoolExhausted)
	}
	p := &Pool{
		rateLimitCooldown: opts.RateLimitCooldown,
		transientCooldown: opts.TransientCooldown,
		now:               opts.Now,
	}
	if p.rateLimitCooldown <= 0 {
		p.rateLimitCooldown = defaultRateLimitCooldown
	}
	if p.transientCooldown <= 0 {
		p.transientCooldown = defaultTransientCooldown
	}
	if p.now == nil {
		p.now = time.Now
	}
	for i := range creds {
		c := creds[i]
		p.entries = append(p.entries, &entry{cred: &c})
	}
	return p, nil
}

// Len returns the number of credentials.
func (p *Pool) Len() int {
	return len(p.entries)
}

// Acquire returns the next healthy credential round-robin. A credential whose
// key equals avoid is only returned when it is the sole healthy one.
func (p *Pool) Acquire(avoid string) (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var fallback *entry
	fallbackPos := -1
	n := len(p.entries)
	for i := 0; i < n; i++ {
		pos := (p.next + i) % n
		e := p.entries[pos]
		if e.state == Cooling && !now.Before(e.until) {
			e.state = Healthy
			e.until = time.Time{}
		}
		if e.state != Healthy {
			continue
		}
		if avoid != "" && e.cred.Key == avoid {
			if fallback == nil {
				fallback, fallbackPos = e, pos
			}
			continue
		}
		p.next = (pos + 1) % n
		return e.cred, nil
	}
	if fallback != nil {
		p.next = (fallbackPos + 1) % n
		return fallback.cred, nil
	}

	var earliest time.Time
	for _, e := range p.entries {
		if e.state == Cooling && (earliest.IsZero() || e.until.Before(earliest)) {
			earliest = e.until
		}
	}
	if earliest.IsZero() {
		return nil, ErrPoolExhausted
	}
	return nil, &CoolingError{Until: earliest}
}

// AcquireWait is Acquire that sleeps through cooldowns until ctx is done.
func (p *Pool) AcquireWait(ctx context.Context, avoid string) (*Credential, error) {
	for {
		cred, err := p.Acquire(avoid)
		if err == nil {
			return cred, nil
		}
		var cooling *CoolingError
		if !errors.As(err, &cooling) {
			return nil, err
		}

		wait := cooling.Until.Sub(p.now())
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// ReportFailure moves the credential's health according to kind. retryAfter,
// when larger than the configured rate-limit cooldown, extends it.
func (p *Pool) ReportFailure(c *Credential, kind FailureKind, retryAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.lookup(c)
	if e == nil {
		return
	}
	e.failures++
	if e.state == Dead {
		return
	}

	switch kind {
	case KindAuth, KindQuota:
		e.state = Dead
		e.until = time.Time{}
	case KindRateLimit:
		cooldown := p.rateLimitCooldown
		if retryAfter > cooldown {
			cooldown = retryAfter
		}
		p.cool(e, cooldown)
	default:
		p.cool(e, p.transientCooldown)
	}
}

// ReportSuccess clears a cooldown. Dead credentials stay dead.
func (p *Pool) ReportSuccess(c *Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e := p.lookup(c); e != nil && e.state == Cooling {
		e.state = Healthy
		e.until = time.Time{}
	}
}

// Snapshot returns a consistent copy of every credential's health.
func (p *Pool) Snapshot() []Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	ret := make([]Health, len(p.entries))
	for i, e := range p.entries {
		ret[i] = Health{Credential: e.cred, State: e.state, Until: e.until, Failures: e.failures}
	}
	return ret
}

func (p *Pool) cool(e *entry, d time.Duration) {
	until := p.now().Add(d)
	// never shorten an existing cooldown
	if e.state == Cooling && e.until.After(until) {
		return
	}
	e.state = Cooling
	e.until = until
}

func (p *Pool) lookup(c *Credential) *entry {
	for _, e := range p.entries {
		if e.cred == c {
			return e
		}
	}
	return nil
}
