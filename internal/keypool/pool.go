// Package keypool rotates upstream API credentials and tracks the
// process-wide quota suspension window.
package keypool

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"
)

// ErrNoCredentials is returned by New when no API key is configured.
var ErrNoCredentials = errors.New("no upstream API credentials configured")

const (
	defaultThreshold   = 3
	defaultCooldown    = time.Hour
	defaultResetWindow = 24 * time.Hour
)

// Options configures quota error handling.
type Options struct {
	// Threshold is the number of quota errors inside the reset window that
	// suspends quota-costly queries.
	Threshold int
	// Cooldown is how long a suspension lasts.
	Cooldown time.Duration
	// ResetWindow clears all error counts once no error was seen for this long.
	ResetWindow time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// QuotaState is a snapshot of the process-wide quota bookkeeping.
type QuotaState struct {
	TotalErrors  int       `json:"total_errors"`
	LastErrorAt  time.Time `json:"last_error_at"`
	SuspendUntil time.Time `json:"suspend_until"`
}

// Suspended reports whether quota-costly queries must be skipped at now.
func (q QuotaState) Suspended(now time.Time) bool {
	return now.Before(q.SuspendUntil)
}

type credential struct {
	key        string
	errorCount int
	lastUsed   time.Time
}

// Pool holds the configured credentials. It is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	creds   []*credential
	current int
	quota   QuotaState
	opts    Options
}

// ParseKeys splits a comma and/or whitespace separated key list, dropping
// empties and duplicates while keeping order.
func ParseKeys(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || unicode.IsSpace(r)
	})
	seen := make(map[string]bool, len(fields))
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		keys = append(keys, f)
	}
	return keys
}

// New builds a pool from keys. An empty key list is a configuration error.
func New(keys []string, opts Options) (*Pool, error) {
	if len(keys) == 0 {
		return nil, ErrNoCredentials
	}
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.ResetWindow <= 0 {
		opts.ResetWindow = defaultResetWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pool{opts: opts}
	for _, k := range keys {
		p.creds = append(p.creds, &credential{key: k})
	}
	p.creds[0].lastUsed = opts.Now()
	return p, nil
}

// Len returns the number of configured credentials.
func (p *Pool) Len() int {
	return len(p.creds)
}

// Current returns the active credential.
func (p *Pool) Current() (string, bool) {
	if p == nil {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creds[p.current].key, true
}

// Rotate advances to the next credential with no recorded errors. When every
// credential is exhausted it falls back to the least recently used one. The
// new credential becomes current immediately, so an in-flight caller can retry
// with it.
func (p *Pool) Rotate() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.creds)
	for i := 1; i <= n; i++ {
		idx := (p.current + i) % n
		if p.creds[idx].errorCount == 0 {
			return p.selectLocked(idx)
		}
	}

	lru := 0
	for i, c := range p.creds {
		if c.lastUsed.Before(p.creds[lru].lastUsed) {
			lru = i
		}
	}
	return p.selectLocked(lru)
}

func (p *Pool) selectLocked(idx int) string {
	p.current = idx
	p.creds[idx].lastUsed = p.opts.Now()
	return p.creds[idx].key
}

// ReportQuotaError records a quota rejection for key and returns the updated
// quota state. Crossing the threshold, or exhausting at least half of the
// credentials, starts a cooldown during which costly queries are suspended.
func (p *Pool) ReportQuotaError(key string) QuotaState {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Now()
	for _, c := range p.creds {
		if c.key == key {
			c.errorCount++
			break
		}
	}
	p.quota.TotalErrors++
	p.quota.LastErrorAt = now

	exhausted := 0
	for _, c := range p.creds {
		if c.errorCount > 0 {
			exhausted++
		}
	}

	if p.quota.TotalErrors >= p.opts.Threshold || exhausted*2 >= len(p.creds) {
		until := now.Add(p.opts.Cooldown)
		if until.After(p.quota.SuspendUntil) {
			p.quota.SuspendUntil = until
		}
	}
	return p.quota
}

// Sweep clears every error count once the reset window has passed since the
// last quota error. It reports whether a reset happened.
func (p *Pool) Sweep() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.quota.TotalErrors == 0 {
		return false
	}
	if p.opts.Now().Sub(p.quota.LastErrorAt) <= p.opts.ResetWindow {
		return false
	}
	for _, c := range p.creds {
		c.errorCount = 0
	}
	p.quota.TotalErrors = 0
	return true
}

// Suspended reports whether quota-costly queries are currently suspended.
func (p *Pool) Suspended() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quota.Suspended(p.opts.Now())
}

// Usable reports whether key has no recorded quota errors.
func (p *Pool) Usable(key string) bool {
	return p.ErrorCount(key) == 0
}

// ErrorCount returns the recorded quota errors for key.
func (p *Pool) ErrorCount(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.creds {
		if c.key == key {
			return c.errorCount
		}
	}
	return 0
}

// State returns a snapshot of the quota state.
func (p *Pool) State() QuotaState {
	if p == nil {
		return QuotaState{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quota
}
