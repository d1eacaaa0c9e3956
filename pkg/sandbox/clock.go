package sandbox

import (
	"context"
	"time"
)

// Clock abstracts wall time and sleeping so expiry math and retry delays are
// testable without real waits.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until the context is done, returning ctx.Err()
	// in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SystemClock returns the real wall clock.
func SystemClock() Clock {
	return systemClock{}
}
