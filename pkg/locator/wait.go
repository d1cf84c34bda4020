package locator

import (
	"context"
	"image"
	"time"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/logger"
)

// Capturer supplies frames. core.Channel satisfies it.
type Capturer interface {
	Capture(ctx context.Context) (image.Image, error)
}

// WaitFor captures frames until the named reference is found, timeout
// elapses or ctx is done. At least one attempt is always made. A failed
// capture or an unusable frame only ends that attempt. A zero poll
// interval uses the configured default.
func (l *Locator) WaitFor(ctx context.Context, c Capturer, name string, timeout, poll time.Duration, opts ...FindOption) (core.Point, bool, error) {
	// A reference that cannot load will never match
	if _, err := l.Reference(name); err != nil {
		return core.Point{}, false, err
	}
	if poll <= 0 {
		poll = l.cfg.PollInterval
	}

	deadline := time.Now().Add(timeout)
	for attempt := 1; ; attempt++ {
		frame, err := c.Capture(ctx)
		if err != nil {
			logger.Debug("WaitFor %s: capture attempt %d failed: %v", name, attempt, err)
		} else {
			m, found, err := l.Find(frame, name, opts...)
			switch {
			case err != nil:
				logger.Debug("WaitFor %s: attempt %d: %v", name, attempt, err)
			case found:
				return m.Center(), true, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return core.Point{}, false, nil
		}
		wait := poll
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return core.Point{}, false, ctx.Err()
		case <-timer.C:
		}
	}
}
