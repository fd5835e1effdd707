package middleware

import (
	"context"

	"github.com/vitwit/x402-a2a/types"
)

// Payment is the verified payment attached to a request that passed the gate.
type Payment struct {
	Request  *types.VerifyRequest
	Verified *types.VerifyResponse
}

type paymentKey struct{}

func withPayment(ctx context.Context, p *Payment) context.Context {
	return context.WithValue(ctx, paymentKey{}, p)
}

// PaymentFromContext returns the payment verified for the current request.
func PaymentFromContext(ctx context.Context) (*Payment, bool) {
	p, ok := ctx.Value(paymentKey{}).(*Payment)
	return p, ok
}
