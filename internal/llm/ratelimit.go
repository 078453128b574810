package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited throttles calls to the wrapped generator with a token bucket.
type RateLimited struct {
	next    Generator
	limiter *rate.Limiter
}

// NewRateLimited allows requestsPerMinute calls per minute to next, with a
// burst of the same size.
func NewRateLimited(next Generator, requestsPerMinute int) *RateLimited {
	burst := max(requestsPerMinute, 1)
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst),
	}
}

// Name implements Generator.
func (r *RateLimited) Name() string { return r.next.Name() }

// Generate waits for capacity, then delegates. A caller whose context ends
// before capacity frees up gets a throttled ProviderError.
func (r *RateLimited) Generate(ctx context.Context, messages []Message, params Params) (*Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, &ProviderError{Provider: r.next.Name(), Kind: KindThrottled, Code: "local_rate_limit", Err: err}
	}
	return r.next.Generate(ctx, messages, params)
}

// Unwrap returns the wrapped generator.
func (r *RateLimited) Unwrap() Generator { return r.next }
