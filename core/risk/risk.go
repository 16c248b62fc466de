// Package risk holds the advisory checks run before an order is created:
// IP geolocation, human verification and the shop's blacklist.
package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUnavailable means a risk service could not give an answer.
	ErrUnavailable = errors.New("risk service unavailable")

	// ErrRejected means the visitor failed human verification.
	ErrRejected = errors.New("visitor failed human verification")
)

// Location is what geolocation knows about an IP address.
type Location struct {
	IP         string  `json:"ip_address"`
	City       string  `json:"city"`
	Region     string  `json:"region"`
	PostalCode string  `json:"postal_code"`
	Country    string  `json:"country_code"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Security   struct {
		VPN bool `json:"is_vpn"`
	} `json:"security"`
}

type Locator interface {
	Locate(ctx context.Context, ip string) (Location, error)
}

type Verifier interface {
	// Verify returns the human likelihood score of a captcha token.
	Verify(ctx context.Context, token, ip string) (float64, error)
}

// Screener runs geolocation and human verification for a checkout. A
// failing service rejects the checkout unless FailOpen is set, in which
// case the check is skipped and logged.
type Screener struct {
	geo      Locator
	captcha  Verifier
	minScore float64
	failOpen bool
	log      logrus.FieldLogger
}

func NewScreener(geo Locator, captcha Verifier, minScore float64, failOpen bool, log logrus.FieldLogger) *Screener {
	return &Screener{geo: geo, captcha: captcha, minScore: minScore, failOpen: failOpen, log: log}
}

// Screen verifies the captcha token and locates ip. The returned Location
// always carries ip even when it could not be resolved.
func (s *Screener) Screen(ctx context.Context, ip, captchaToken string) (Location, error) {
	log := s.log.WithField("ip", ip)

	if s.captcha != nil {
		score, err := s.captcha.Verify(ctx, captchaToken, ip)
		switch {
		case errors.Is(err, ErrRejected):
			return Location{}, err
		case err != nil:
			if !s.failOpen {
				return Location{}, err
			}
			log.WithField("message", err).Warn("skipping human verification")
		case score < s.minScore:
			return Location{}, fmt.Errorf("score %.2f under %.2f: %w", score, s.minScore, ErrRejected)
		}
	}

	loc := Location{IP: ip}
	if s.geo != nil {
		l, err := s.geo.Locate(ctx, ip)
		switch {
		case err == nil:
			loc = l
			loc.IP = ip
		case !s.failOpen:
			return Location{}, err
		default:
			log.WithField("message", err).Warn("skipping geolocation")
		}
	}

	return loc, nil
}
