package virtqueue

import (
	"errors"
	"fmt"

	"github.com/slackhq/vring/util"
)

var (
	// ErrQueueEmpty is returned by [SplitQueue.Pop] when the guest has not
	// published any new descriptor chains.
	ErrQueueEmpty = errors.New("no descriptor chain available")

	// ErrNeedMoreCapacity is returned by [SplitQueue.Pop] when the given span
	// slice cannot hold the whole descriptor chain. Nothing was consumed and
	// the call can be retried with a larger slice.
	ErrNeedMoreCapacity = errors.New("not enough buffer spans for descriptor chain")

	// ErrQueueNotReady is returned when a queue is used before it was set up.
	ErrQueueNotReady = errors.New("queue is not set up")

	// ErrQueueBroken is returned when a queue is used after it was broken by
	// a failed setup or a protocol violation.
	ErrQueueBroken = errors.New("queue is broken")

	// ErrProtocolViolation is wrapped by every error that broke a queue
	// because of what the guest put into the rings.
	ErrProtocolViolation = errors.New("virtqueue protocol violation")

	// ErrSetup is wrapped by every error returned from a failed setup.
	ErrSetup = errors.New("virtqueue setup failed")

	errShortTranslation = errors.New("translator returned a short buffer")
)

// m is a shorthand for contextual error fields.
type m = map[string]any

// fail breaks the queue and returns the error describing why. It is the only
// way the queue enters [StateBroken] after a successful setup.
func (q *SplitQueue) fail(msg string, fields m, cause error) error {
	q.state.Store(uint32(StateBroken))

	realErr := ErrProtocolViolation
	if cause != nil {
		realErr = fmt.Errorf("%w: %w", ErrProtocolViolation, cause)
	}
	return util.NewContextualError(msg, fields, realErr)
}

// Reject breaks the queue because the device cannot handle the next chain,
// for example when it has more buffers than the device accepts. The returned
// error wraps [ErrProtocolViolation].
func (q *SplitQueue) Reject(msg string, fields map[string]any) error {
	if err := q.checkReady(); err != nil {
		return err
	}
	return q.fail(msg, fields, nil)
}

// failSetup breaks the queue after a failed setup.
func (q *SplitQueue) failSetup(err error) error {
	q.release()
	q.state.Store(uint32(StateBroken))
	return fmt.Errorf("%w: %w", ErrSetup, err)
}

// checkReady guards every operation that touches the rings.
func (q *SplitQueue) checkReady() error {
	switch q.State() {
	case StateReady:
		return nil
	case StateBroken:
		return ErrQueueBroken
	default:
		return ErrQueueNotReady
	}
}
