package provider

import (
	"context"
	"time"
)

// Hybrid connection-attempt schedules from spec.md §4.4.2/§9, shared by STT
// initial connect, TTS initial connect, and TTS mid-stream reconnection.
var (
	// InitialConnectSchedule is the hybrid schedule for a session's first
	// upstream connection attempt: total worst-case ~9s.
	InitialConnectSchedule = []time.Duration{0, 100 * time.Millisecond, 1 * time.Second, 3 * time.Second, 5 * time.Second}

	// FastReconnectSchedule is used for mid-stream disconnects: total
	// worst-case < 1s.
	FastReconnectSchedule = []time.Duration{0, 100 * time.Millisecond, 500 * time.Millisecond}
)

// Retrier drives a connection attempt against an explicit delay schedule
// rather than a computed (e.g. doubling) backoff, so the literal timings
// spec.md prescribes are reproduced exactly.
type Retrier struct {
	Delays []time.Duration
}

// NewRetrier builds a Retrier over the given schedule.
func NewRetrier(delays []time.Duration) Retrier {
	return Retrier{Delays: delays}
}

// Do runs attempt until it succeeds, the schedule is exhausted, or ctx is
// done. attempt should return a *ClassifiedError (or any error, treated as
// KindUnknown/non-retryable) so Do can decide whether to keep trying.
// It returns the last error seen if every attempt failed.
func (r Retrier) Do(ctx context.Context, attempt func(ctx context.Context) error) error {
	var lastErr error
	for i, delay := range r.Delays {
		if i > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
	}
	return lastErr
}

func retryable(err error) bool {
	ce, ok := err.(*ClassifiedError)
	if !ok {
		return false
	}
	return ce.Kind.Retryable()
}
