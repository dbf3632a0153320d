// Package connection checks that a provider is reachable with its configured
// credentials.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nstogner/backrooms/pkg/domain"
	"github.com/nstogner/backrooms/pkg/metrics"
	"github.com/nstogner/backrooms/pkg/model"
)

// DefaultTimeout bounds a connection test.
const DefaultTimeout = 15 * time.Second

// Result is the outcome of a successful test.
type Result struct {
	OK     bool                   `json:"ok"`
	Models []domain.ProviderModel `json:"models"`
}

// Tester lists a provider's models to verify its configuration.
type Tester struct {
	adapters model.Factory
	timeout  time.Duration
}

// New creates a Tester. A non-positive timeout uses DefaultTimeout.
func New(adapters model.Factory, timeout time.Duration) *Tester {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tester{adapters: adapters, timeout: timeout}
}

// Test lists the models p exposes. Endpoints that are reachable but do not
// implement listing pass with p's stored catalog. Any other failure is a
// connection error with the API key scrubbed.
func (t *Tester) Test(ctx context.Context, p domain.Provider) (Result, error) {
	// Tests bypass the provider's rate limits.
	p.RateLimits = nil
	vendor := model.ResolveVendor(&p)

	res, err := t.test(ctx, &p)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ConnectionTestsTotal.WithLabelValues(string(vendor), status).Inc()
	if err != nil {
		slog.Warn("provider connection test failed", "providerID", p.ID, "vendor", vendor, "error", err)
		return Result{}, err
	}
	slog.Info("provider connection test passed", "providerID", p.ID, "vendor", vendor, "models", len(res.Models))
	return res, nil
}

func (t *Tester) test(ctx context.Context, p *domain.Provider) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	adapter, err := t.adapters.For(ctx, p)
	if err != nil {
		if domain.IsKind(err, domain.KindValidation) {
			return Result{}, err
		}
		return Result{}, model.ConnectionError(err, p.APIKey)
	}
	models, err := adapter.ListModels(ctx)
	if errors.Is(err, model.ErrListingUnsupported) {
		return Result{OK: true, Models: p.Models}, nil
	}
	if err != nil {
		return Result{}, model.ConnectionError(err, p.APIKey)
	}
	return Result{OK: true, Models: models}, nil
}
