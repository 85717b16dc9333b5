package engine

import "errors"

var (
	// ErrInsufficientParallelism is a configuration error, one unit is always kept for accepting.
	ErrInsufficientParallelism = errors.New("insufficient parallelism: need at least 2 units")

	ErrQueueDestroyed = errors.New("work queue destroyed")
	ErrDrainTimeout   = errors.New("drain timeout elapsed")
	ErrBodyTooLarge   = errors.New("declared body length exceeds limit")
)
