// Package middleware provides reusable model.Backend middlewares: adaptive
// rate limiting and retries of transient provider failures.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/converge/runtime/model"
	"goa.design/converge/runtime/telemetry"
	"goa.design/pulse/rmap"
)

type (
	// RateLimitConfig configures an AdaptiveRateLimiter.
	RateLimitConfig struct {
		// TokensPerMinute is the initial budget. Defaults to 60000.
		TokensPerMinute float64
		// MaxTokensPerMinute caps probing. Values below TokensPerMinute are
		// clamped to it.
		MaxTokensPerMinute float64
		// Map and Key, when both set, share the budget across processes
		// through a Pulse replicated map.
		Map *rmap.Map
		Key string
		// Logger reports budget changes. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// AdaptiveRateLimiter applies an AIMD token bucket in front of a backend.
	// It estimates the token cost of each request, blocks callers until
	// capacity is available, halves its budget when the provider reports rate
	// limiting and grows it back additively on success.
	//
	// Build one limiter per provider account and wrap every backend that
	// draws from that account with Middleware.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		recoveryRate float64

		logger telemetry.Logger

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)
	}

	limitedBackend struct {
		next    model.Backend
		limiter *AdaptiveRateLimiter
	}

	// clusterMap is the subset of rmap.Map used by the cluster-aware limiter.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}
)

const (
	defaultTPM = 60000
	// charsPerToken approximates English text tokenization.
	charsPerToken = 3
	// overheadTokens accounts for provider framing and the completion when
	// the request does not bound it.
	overheadTokens = 500
)

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter. When cfg.Map and
// cfg.Key are set, the budget is coordinated across processes; otherwise the
// limiter is process-local.
func NewAdaptiveRateLimiter(ctx context.Context, cfg RateLimitConfig) *AdaptiveRateLimiter {
	var cm clusterMap
	if cfg.Map != nil {
		cm = cfg.Map
	}
	l := newClusterAdaptiveRateLimiter(ctx, cm, cfg.Key, cfg.TokensPerMinute, cfg.MaxTokensPerMinute)
	if cfg.Logger != nil {
		l.logger = cfg.Logger
	}
	return l
}

// newAdaptiveRateLimiter constructs a process-local limiter. initialTPM and
// maxTPM are expressed in tokens per minute.
func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = defaultTPM
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := max(initialTPM*0.1, 1)
	recoveryRate := max(initialTPM*0.05, 1)
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
		logger:       telemetry.NewNoopLogger(),
	}
}

// Middleware returns a model.Middleware enforcing the limiter.
func (l *AdaptiveRateLimiter) Middleware() model.Middleware {
	return func(next model.Backend) model.Backend {
		if next == nil {
			return nil
		}
		return &limitedBackend{next: next, limiter: l}
	}
}

// CurrentTPM returns the effective tokens-per-minute budget.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// Complete enforces the limiter before delegating to the wrapped backend.
func (b *limitedBackend) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := b.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := b.next.Complete(ctx, req)
	b.limiter.observe(ctx, err)
	return resp, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req *model.Request) error {
	l.mu.Lock()
	lim := l.limiter
	l.mu.Unlock()
	tokens := estimateTokens(req)
	// WaitN rejects requests larger than the bucket; such a request can only
	// ever run with a full bucket.
	if burst := lim.Burst(); burst > 0 && tokens > burst {
		tokens = burst
	}
	return lim.WaitN(ctx, tokens)
}

func (l *AdaptiveRateLimiter) observe(ctx context.Context, err error) {
	switch {
	case err == nil:
		l.adjust(ctx, l.probeTarget, "probe")
	case errors.Is(err, model.ErrRateLimited):
		l.adjust(ctx, l.backoffTarget, "backoff")
	}
}

func (l *AdaptiveRateLimiter) backoffTarget() float64 { return max(l.currentTPM*0.5, l.minTPM) }

func (l *AdaptiveRateLimiter) probeTarget() float64 {
	return min(l.currentTPM+l.recoveryRate, l.maxTPM)
}

// adjust moves the budget to target() and notifies the cluster callbacks.
func (l *AdaptiveRateLimiter) adjust(ctx context.Context, target func() float64, reason string) {
	l.mu.Lock()
	newTPM := target()
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setTPMLocked(newTPM)
	cb := l.onProbe
	if reason == "backoff" {
		cb = l.onBackoff
	}
	l.mu.Unlock()

	if reason == "backoff" {
		l.logger.Warn(ctx, "rate limit backoff", "tpm", newTPM)
	} else {
		l.logger.Debug(ctx, "rate limit probe", "tpm", newTPM)
	}
	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) setTPMLocked(tpm float64) {
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens approximates the cost of a request: message characters
// converted at charsPerToken plus the completion allowance.
func estimateTokens(req *model.Request) int {
	chars := 0
	for _, m := range req.Messages {
		if m != nil {
			chars += len(m.Content)
		}
	}
	tokens := chars / charsPerToken
	if req.Config.MaxTokens > 0 {
		return tokens + req.Config.MaxTokens
	}
	return tokens + overheadTokens
}

// replaceTPM updates the budget to tpm clamped to [minTPM, maxTPM].
func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tpm = min(max(tpm, l.minTPM), l.maxTPM)
	if tpm != l.currentTPM {
		l.setTPMLocked(tpm)
	}
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}
	if initialTPM <= 0 {
		initialTPM = defaultTPM
	}

	// A concurrent writer may win the seed; the shared value is read back
	// below either way.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if v, ok := sharedValue(m, key); ok {
		sharedTPM = v
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	l := newAdaptiveRateLimiter(sharedTPM, maxTPM)

	floor, ceiling, step := l.minTPM, l.maxTPM, l.recoveryRate
	l.onBackoff = func(float64) {
		go updateShared(context.Background(), m, key, func(cur float64) float64 { return max(cur*0.5, floor) })
	}
	l.onProbe = func(float64) {
		go updateShared(context.Background(), m, key, func(cur float64) float64 { return min(cur+step, ceiling) })
	}

	ch := m.Subscribe()
	go func() {
		for range ch {
			if v, ok := sharedValue(m, key); ok {
				l.replaceTPM(v)
			}
		}
	}()

	return l
}

func sharedValue(m clusterMap, key string) (float64, bool) {
	cur, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(cur, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// updateShared applies next to the shared budget with compare-and-swap,
// giving up after a few contended attempts.
func updateShared(ctx context.Context, m clusterMap, key string, next func(cur float64) float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for range maxAttempts {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		nextStr := strconv.Itoa(int(next(cur)))
		if nextStr == curStr {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, nextStr)
		if err != nil || prev == curStr {
			return
		}
	}
}
