package main

import (
	"net/http"
	"time"

	"github.com/velocityfibre/onemap-sync/internal/config"
	"github.com/velocityfibre/onemap-sync/internal/resilience"
	"github.com/velocityfibre/onemap-sync/pkg/onemap"
)

// newOneMapClient builds a OneMap client from the onemap config section.
func newOneMapClient(c config.OneMapConfig) onemap.Client {
	opts := []onemap.Option{
		onemap.WithBaseURL(c.BaseURL),
		onemap.WithLayerID(c.LayerID),
		onemap.WithPageSize(c.PageSize),
		onemap.WithPageDelay(time.Duration(c.PageDelayMs) * time.Millisecond),
		onemap.WithHTTPClient(&http.Client{Timeout: time.Duration(c.TimeoutSecs) * time.Second}),
		onemap.WithRetry(resilience.RetryFromConfig(c.Retry)),
	}
	if b := resilience.BreakerFromConfig(c.Circuit); b != nil {
		opts = append(opts, onemap.WithCircuitBreaker(b))
	}
	return onemap.NewClient(c.Email, c.Password, opts...)
}
