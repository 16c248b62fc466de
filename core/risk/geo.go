package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Cache stores resolved locations between lookups.
type Cache interface {
	Get(ctx context.Context, ip string) (Location, error)
	Set(ctx context.Context, ip string, loc Location) error
}

// GeoClient resolves IP addresses with the abstractapi geolocation API.
type GeoClient struct {
	url     string
	key     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[Location]
	cache   Cache
}

type BreakerConfig struct {
	Failures  uint32
	OpenDelay time.Duration
}

func newBreaker[T any](name string, cfg BreakerConfig) *gobreaker.CircuitBreaker[T] {
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:    name,
		Timeout: cfg.OpenDelay,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.Failures
		},
		// Only an unreachable service trips the breaker, not a bad answer.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
	})
}

// NewGeoClient returns a client for the API at baseURL. cache may be nil.
func NewGeoClient(baseURL, key string, timeout time.Duration, breaker BreakerConfig, cache Cache) *GeoClient {
	return &GeoClient{
		url:     baseURL,
		key:     key,
		client:  &http.Client{Timeout: timeout},
		breaker: newBreaker[Location]("geolocation", breaker),
		cache:   cache,
	}
}

func (g *GeoClient) Locate(ctx context.Context, ip string) (Location, error) {
	if g.cache != nil {
		if loc, err := g.cache.Get(ctx, ip); err == nil {
			return loc, nil
		}
	}

	loc, err := g.breaker.Execute(func() (Location, error) {
		return g.fetch(ctx, ip)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Location{}, fmt.Errorf("geolocation: %v: %w", err, ErrUnavailable)
		}
		return Location{}, err
	}

	if g.cache != nil {
		_ = g.cache.Set(ctx, ip, loc)
	}
	return loc, nil
}

func (g *GeoClient) fetch(ctx context.Context, ip string) (Location, error) {
	q := url.Values{}
	q.Set("api_key", g.key)
	q.Set("ip_address", ip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url+"?"+q.Encode(), nil)
	if err != nil {
		return Location{}, err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("geolocation request: %v: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Location{}, fmt.Errorf("geolocation status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var loc Location
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return Location{}, fmt.Errorf("decoding geolocation: %v: %w", err, ErrUnavailable)
	}
	return loc, nil
}
