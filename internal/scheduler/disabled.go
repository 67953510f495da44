package scheduler

import (
	"context"
	"time"
)

// Disabled is the Queue used when Redis could not be reached at startup.
// Every call fails with ErrUnavailable; callers log and carry on so that
// sessions and matches keep working through direct calls.
type Disabled struct{}

func (Disabled) Schedule(context.Context, string, time.Duration, Job) (bool, error) {
	return false, ErrUnavailable
}

func (Disabled) Cancel(context.Context, string) error { return ErrUnavailable }

func (Disabled) Reschedule(context.Context, string, time.Duration, Job) error {
	return ErrUnavailable
}
