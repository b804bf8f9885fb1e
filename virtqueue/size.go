package virtqueue

import (
	"errors"
	"fmt"
)

// ErrQueueSizeInvalid is returned when a queue size is invalid.
var ErrQueueSizeInvalid = errors.New("queue size is invalid")

// MaxQueueSize is the largest queue size a split virtqueue can have.
const MaxQueueSize = 32768

// CheckQueueSize checks if the given value would be a valid size for a
// virtqueue and returns an [ErrQueueSizeInvalid], if not.
func CheckQueueSize(queueSize int) error {
	if queueSize <= 0 {
		return fmt.Errorf("%w: %d is too small", ErrQueueSizeInvalid, queueSize)
	}

	// Ring positions are taken modulo the queue size from free running 16-bit
	// indexes, which only works for powers of 2.
	if queueSize&(queueSize-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrQueueSizeInvalid, queueSize)
	}

	if queueSize > MaxQueueSize {
		return fmt.Errorf("%w: %d is larger than the maximum possible queue size %d",
			ErrQueueSizeInvalid, queueSize, MaxQueueSize)
	}

	return nil
}
