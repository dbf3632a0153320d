// Package dispatch builds the provider adapter for a stored vendor tag and
// wraps it with rate limiting and metrics.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nstogner/backrooms/pkg/domain"
	"github.com/nstogner/backrooms/pkg/metrics"
	"github.com/nstogner/backrooms/pkg/model"
	"github.com/nstogner/backrooms/pkg/model/anthropic"
	"github.com/nstogner/backrooms/pkg/model/gemini"
	"github.com/nstogner/backrooms/pkg/model/openai"
)

// BuildFunc constructs an adapter for a provider.
type BuildFunc func(ctx context.Context, p *domain.Provider) (model.Adapter, error)

// Builders is the default vendor strategy table.
var Builders = map[domain.Vendor]BuildFunc{
	domain.VendorOpenAI:    openAICompatible(domain.VendorOpenAI),
	domain.VendorMistral:   openAICompatible(domain.VendorMistral),
	domain.VendorGeneric:   openAICompatible(domain.VendorGeneric),
	domain.VendorAnthropic: func(_ context.Context, p *domain.Provider) (model.Adapter, error) { return anthropic.New(p), nil },
	domain.VendorGemini:    func(ctx context.Context, p *domain.Provider) (model.Adapter, error) { return gemini.New(ctx, p) },
}

func openAICompatible(v domain.Vendor) BuildFunc {
	return func(_ context.Context, p *domain.Provider) (model.Adapter, error) {
		return openai.New(p, v)
	}
}

// Factory implements model.Factory. Rate limiters are shared by every
// adapter built for the same provider.
type Factory struct {
	builders map[domain.Vendor]BuildFunc
	counter  model.TokenCounter

	mu       sync.Mutex
	limiters map[string]*limiter
}

var _ model.Factory = (*Factory)(nil)

// Option configures a Factory.
type Option func(*Factory)

// WithBuilders replaces the vendor strategy table.
func WithBuilders(b map[domain.Vendor]BuildFunc) Option {
	return func(f *Factory) { f.builders = b }
}

// WithTokenCounter sets the counter used to charge the tokens-per-minute limit.
func WithTokenCounter(c model.TokenCounter) Option {
	return func(f *Factory) { f.counter = c }
}

// New creates a Factory.
func New(opts ...Option) *Factory {
	f := &Factory{
		builders: Builders,
		counter:  model.Estimator,
		limiters: make(map[string]*limiter),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// For returns the adapter for p's vendor tag. A provider without a stored
// tag falls back to detection from its base URL.
func (f *Factory) For(ctx context.Context, p *domain.Provider) (model.Adapter, error) {
	vendor := model.ResolveVendor(p)
	build, ok := f.builders[vendor]
	if !ok {
		return nil, domain.Validationf("no adapter for vendor %q", vendor)
	}
	a, err := build(ctx, p)
	if err != nil {
		return nil, err
	}
	a = &instrumented{Adapter: a, vendor: string(vendor)}
	if l := f.limiter(p); l != nil {
		a = &limited{Adapter: a, providerID: p.ID, limiter: l, counter: f.counter}
	}
	return a, nil
}

// Forget drops the cached limiter for a provider.
func (f *Factory) Forget(providerID string) {
	f.mu.Lock()
	delete(f.limiters, providerID)
	f.mu.Unlock()
}

func (f *Factory) limiter(p *domain.Provider) *limiter {
	if p.RateLimits == nil || (p.RateLimits.RequestsPerMinute == 0 && p.RateLimits.TokensPerMinute == 0) {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.limiters[p.ID]; ok && l.limits == *p.RateLimits {
		return l
	}
	l := newLimiter(*p.RateLimits)
	f.limiters[p.ID] = l
	slog.Debug("rate limiter configured", "providerID", p.ID,
		"rpm", p.RateLimits.RequestsPerMinute, "tpm", p.RateLimits.TokensPerMinute)
	return l
}

type limiter struct {
	limits   domain.RateLimits
	requests *rate.Limiter
	tokens   *rate.Limiter
}

func newLimiter(rl domain.RateLimits) *limiter {
	l := &limiter{limits: rl}
	if rl.RequestsPerMinute > 0 {
		l.requests = rate.NewLimiter(rate.Limit(float64(rl.RequestsPerMinute)/60), rl.RequestsPerMinute)
	}
	if rl.TokensPerMinute > 0 {
		l.tokens = rate.NewLimiter(rate.Limit(float64(rl.TokensPerMinute)/60), rl.TokensPerMinute)
	}
	return l
}

// wait blocks until one request and n tokens are available. A request
// larger than a whole minute's budget is charged the full budget.
func (l *limiter) wait(ctx context.Context, n int) error {
	if l.requests != nil {
		if err := l.requests.Wait(ctx); err != nil {
			return err
		}
	}
	if l.tokens != nil && n > 0 {
		if err := l.tokens.WaitN(ctx, min(n, l.tokens.Burst())); err != nil {
			return err
		}
	}
	return nil
}

type limited struct {
	model.Adapter
	providerID string
	limiter    *limiter
	counter    model.TokenCounter
}

func (a *limited) acquire(ctx context.Context, tokens int) error {
	start := time.Now()
	err := a.limiter.wait(ctx, tokens)
	metrics.RateLimitWaitDuration.WithLabelValues(a.providerID).Observe(time.Since(start).Seconds())
	if err != nil {
		return domain.Wrap(domain.KindGeneration, model.Redact(err), "rate limit wait for provider %s", a.providerID)
	}
	return nil
}

func (a *limited) ListModels(ctx context.Context) ([]domain.ProviderModel, error) {
	if err := a.acquire(ctx, 0); err != nil {
		return nil, err
	}
	return a.Adapter.ListModels(ctx)
}

func (a *limited) Generate(ctx context.Context, req model.Request) (domain.Message, error) {
	if err := a.acquire(ctx, model.RequestTokens(a.counter, req)); err != nil {
		return domain.Message{}, err
	}
	return a.Adapter.Generate(ctx, req)
}

func (a *limited) Stream(ctx context.Context, req model.Request) (model.Stream, error) {
	if err := a.acquire(ctx, model.RequestTokens(a.counter, req)); err != nil {
		return nil, err
	}
	return a.Adapter.Stream(ctx, req)
}

type instrumented struct {
	model.Adapter
	vendor string
}

func (a *instrumented) ListModels(ctx context.Context) ([]domain.ProviderModel, error) {
	start := time.Now()
	models, err := a.Adapter.ListModels(ctx)
	metrics.ObserveAdapterCall(a.vendor, "list_models", start, err)
	return models, err
}

func (a *instrumented) Generate(ctx context.Context, req model.Request) (domain.Message, error) {
	start := time.Now()
	msg, err := a.Adapter.Generate(ctx, req)
	metrics.ObserveAdapterCall(a.vendor, "generate", start, err)
	return msg, err
}

func (a *instrumented) Stream(ctx context.Context, req model.Request) (model.Stream, error) {
	start := time.Now()
	s, err := a.Adapter.Stream(ctx, req)
	metrics.ObserveAdapterCall(a.vendor, "stream", start, err)
	return s, err
}
