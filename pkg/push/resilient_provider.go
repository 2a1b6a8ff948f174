package push

import (
	"context"

	"callrelay-backend/pkg/resilience"
)

// ResilientProvider sends through a circuit breaker so a failing upstream
// does not stall every call setup
type ResilientProvider struct {
	next    Provider
	breaker *resilience.CircuitBreaker
}

// NewResilientProvider wraps next with breaker
func NewResilientProvider(next Provider, breaker *resilience.CircuitBreaker) *ResilientProvider {
	return &ResilientProvider{
		next:    next,
		breaker: breaker,
	}
}

// Send implements Provider interface
func (p *ResilientProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	var result *SendResult
	err := p.breaker.Execute(ctx, "push_send", func(ctx context.Context) error {
		var err error
		result, err = p.next.Send(ctx, notification, tokens)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Accepts implements Provider interface
func (p *ResilientProvider) Accepts(t TokenType) bool { return p.next.Accepts(t) }

// Name implements Provider interface
func (p *ResilientProvider) Name() string { return p.next.Name() }
