package x402

import (
	"time"

	"github.com/vitwit/x402-a2a/ledger"
	"github.com/vitwit/x402-a2a/logger"
	"github.com/vitwit/x402-a2a/metrics"
)

type Option func(*X402)

func WithLogger(l logger.Logger) Option {
	return func(x *X402) {
		x.logger = logger.OrNoop(l)
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(x *X402) {
		x.metrics = metrics.OrNoop(r)
	}
}

func WithTimeout(t time.Duration) Option {
	return func(x *X402) {
		if t > 0 {
			x.timeout = t
		}
	}
}

// WithLedger overrides the store selected by the configuration.
func WithLedger(s ledger.Store) Option {
	return func(x *X402) {
		x.ledger = s
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(x *X402) {
		if now != nil {
			x.now = now
		}
	}
}
