package metrics

import "time"

// Metric names recorded by the verification and settlement services.
const (
	VerifyTotal      = "verify_total"
	VerifyInvalid    = "verify_invalid"
	SettleTotal      = "settle_total"
	SettleFailed     = "settle_failed"
	SettleIdempotent = "settle_idempotent"
	VerifyLatency    = "verify"
	SettleLatency    = "settle"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
