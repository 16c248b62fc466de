package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Recaptcha verifies reCAPTCHA v3 tokens against the siteverify endpoint.
type Recaptcha struct {
	url     string
	secret  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[float64]
}

func NewRecaptcha(verifyURL, secret string, timeout time.Duration, breaker BreakerConfig) *Recaptcha {
	return &Recaptcha{
		url:     verifyURL,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
		breaker: newBreaker[float64]("recaptcha", breaker),
	}
}

type siteverify struct {
	Success    bool     `json:"success"`
	Score      float64  `json:"score"`
	Action     string   `json:"action"`
	ErrorCodes []string `json:"error-codes"`
}

func (rc *Recaptcha) Verify(ctx context.Context, token, ip string) (float64, error) {
	if token == "" {
		return 0, fmt.Errorf("missing captcha token: %w", ErrRejected)
	}

	score, err := rc.breaker.Execute(func() (float64, error) {
		return rc.verify(ctx, token, ip)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return 0, fmt.Errorf("recaptcha: %v: %w", err, ErrUnavailable)
	}
	return score, err
}

func (rc *Recaptcha) verify(ctx context.Context, token, ip string) (float64, error) {
	form := url.Values{}
	form.Set("secret", rc.secret)
	form.Set("response", token)
	if ip != "" {
		form.Set("remoteip", ip)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rc.url, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := rc.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("recaptcha request: %v: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("recaptcha status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var sv siteverify
	if err := json.NewDecoder(resp.Body).Decode(&sv); err != nil {
		return 0, fmt.Errorf("decoding recaptcha: %v: %w", err, ErrUnavailable)
	}
	if !sv.Success {
		return 0, fmt.Errorf("recaptcha %s: %w", strings.Join(sv.ErrorCodes, ","), ErrRejected)
	}
	return sv.Score, nil
}
