package scheduler

import "errors"

var (
	ErrStopped    = errors.New("scheduler stopped")
	ErrNotStarted = errors.New("scheduler not started")
	ErrNotFound   = errors.New("not found")
)
