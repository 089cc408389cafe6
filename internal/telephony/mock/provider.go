package mock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/acme/daily-callline/internal/telephony"
)

// Provider simulates the voice-call provider for local development.
type Provider struct {
	successRate float64
	rng         *rand.Rand
}

// NewProvider constructs a mock provider with deterministic randomness.
func NewProvider() *Provider {
	seed := time.Now().UnixNano()
	return &Provider{
		successRate: 0.8,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// PlaceCall simulates a dial request.
func (p *Provider) PlaceCall(ctx context.Context, spec telephony.CallSpec) (telephony.Result, error) {
	delay := time.Duration(50+p.rng.Intn(200)) * time.Millisecond

	select {
	case <-ctx.Done():
		return telephony.Result{Retryable: true, Error: ctx.Err().Error()}, ctx.Err()
	case <-time.After(delay):
	}

	if p.rng.Float64() <= p.successRate {
		return telephony.Result{
			Accepted:       true,
			ProviderCallID: fmt.Sprintf("mock-%d-%d", spec.CustomerID, p.rng.Int63()),
		}, nil
	}

	retryable := p.rng.Float64() < 0.7
	return telephony.Result{Retryable: retryable, Error: "simulated dial failure"}, nil
}
