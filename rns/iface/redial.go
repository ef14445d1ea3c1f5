package iface

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultRedialMin = 500 * time.Millisecond
	DefaultRedialMax = 30 * time.Second
)

// Redial runs session until ctx ends. session dials, serves a connection
// and returns when it drops; Redial then waits with exponential backoff
// before the next attempt. A session that served traffic resets the backoff.
func Redial(ctx context.Context, log *zap.Logger, name string, min, max time.Duration, session func(ctx context.Context) (served bool, err error)) {
	if min <= 0 {
		min = DefaultRedialMin
	}
	if max < min {
		max = DefaultRedialMax
	}
	delay := min
	for {
		served, err := session(ctx)
		if ctx.Err() != nil {
			return
		}
		if served {
			delay = min
		}
		log.Debug("reconnecting", zap.String("interface", name), zap.Duration("delay", delay), zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		delay *= 2
		if delay > max {
			delay = max
		}
	}
}
