package ai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/alertledger/internal/config"
	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/rs/zerolog"
)

const (
	defaultCooldown = time.Minute
	defaultTimeout  = 60 * time.Second
)

type poolEntry struct {
	provider  Provider
	coolUntil time.Time
}

// Pool rotates requests over providers. A provider that fails is skipped
// until its cooldown passes. Pool is safe for concurrent use and is meant
// to be shared by reference.
type Pool struct {
	mu       sync.Mutex
	entries  []*poolEntry
	next     int
	cooldown time.Duration
	timeout  time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewPool creates a pool over providers, tried in round-robin order.
func NewPool(log zerolog.Logger, cooldown, timeout time.Duration, providers ...Provider) *Pool {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	p := &Pool{cooldown: cooldown, timeout: timeout, now: time.Now, log: log}
	for _, pr := range providers {
		p.entries = append(p.entries, &poolEntry{provider: pr})
	}
	return p
}

// NewPoolFromConfig builds one pool entry per configured API key.
func NewPoolFromConfig(ctx context.Context, cfg config.AIConfig, log zerolog.Logger) (*Pool, error) {
	var providers []Provider
	for i, key := range cfg.Gemini.APIKeys {
		g, err := NewGeminiProvider(ctx, fmt.Sprintf("gemini#%d", i+1), key, cfg.Gemini.Model)
		if err != nil {
			return nil, err
		}
		providers = append(providers, g)
	}
	for i, key := range cfg.Anthropic.APIKeys {
		providers = append(providers, NewAnthropicProvider(fmt.Sprintf("anthropic#%d", i+1), key, cfg.Anthropic.Model))
	}
	if len(providers) == 0 {
		log.Warn().Msg("No AI providers configured; AI tiers will be skipped")
	}
	return NewPool(log, cfg.Cooldown, cfg.Timeout, providers...), nil
}

// Size returns the number of entries in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// candidates returns the entries to try for one request, starting at the
// round-robin cursor and skipping cooling entries.
func (p *Pool) candidates() []*poolEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.entries)
	if n == 0 {
		return nil
	}
	start := p.next
	p.next = (p.next + 1) % n

	now := p.now()
	out := make([]*poolEntry, 0, n)
	for i := 0; i < n; i++ {
		e := p.entries[(start+i)%n]
		if now.Before(e.coolUntil) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (p *Pool) markFailed(e *poolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.coolUntil = p.now().Add(p.cooldown)
}

// Complete sends req to the next available provider, falling through to
// the others on failure. When none succeeds the error wraps
// domain.ErrCapabilityUnavailable.
func (p *Pool) Complete(ctx context.Context, req Request) (string, error) {
	entries := p.candidates()
	if len(entries) == 0 {
		return "", fmt.Errorf("%w: no provider available", domain.ErrCapabilityUnavailable)
	}

	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		text, err := e.provider.Complete(callCtx, req)
		cancel()
		if err == nil {
			return text, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The caller gave up; the provider is not to blame.
			errs = append(errs, fmt.Errorf("%s: %w", e.provider.Name(), ctxErr))
			break
		}
		p.markFailed(e)
		p.log.Warn().Err(err).Str("provider", e.provider.Name()).Dur("cooldown", p.cooldown).Msg("AI provider failed")
		errs = append(errs, fmt.Errorf("%s: %w", e.provider.Name(), err))
	}
	return "", fmt.Errorf("%w: %w", domain.ErrCapabilityUnavailable, errors.Join(errs...))
}
