package vring

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/eventfd"
	"github.com/slackhq/vring/util"
	"github.com/slackhq/vring/virtqueue"
)

// initialSpans is the span capacity a worker starts popping with.
const initialSpans = 8

// Handler processes the requests of one queue. The spans of req are only
// valid until HandleRequest returns. A returned error is logged and the
// request is completed with nothing written.
type Handler interface {
	HandleRequest(req *virtqueue.Request) (written uint32, err error)
}

// gatedHandler is a Handler that only wants buffers while it has something
// to put in them, like a receive queue.
type gatedHandler interface {
	Handler
	Ready() bool
	// SetWake registers the function that must be called when Ready turns
	// true.
	SetWake(wake func())
}

// queueWorker is the processing context of one queue. Only its goroutine
// touches the queue while it runs.
type queueWorker struct {
	l       *logrus.Entry
	index   int
	queue   *virtqueue.SplitQueue
	handler Handler
	gate    gatedHandler

	// kick is signalled by the driver, call by us. wake interrupts a blocked
	// worker.
	kick  *eventfd.EventFD
	call  *eventfd.EventFD
	wake  *eventfd.EventFD
	epoll *eventfd.Epoll

	// closeLock keeps signal away from doorbells that Close released.
	closeLock sync.RWMutex
	closed    bool

	spans   [][]byte
	metrics *queueMetrics

	// extraSpans is how many more spans than the queue size a chain may have.
	extraSpans int
}

func newQueueWorker(l *logrus.Entry, device string, index int, t virtqueue.Translator, h Handler) (*queueWorker, error) {
	w := &queueWorker{
		l:       l.WithField("queue", index),
		index:   index,
		queue:   virtqueue.NewSplitQueue(t),
		handler: h,
		spans:   make([][]byte, 0, initialSpans),
		metrics: newQueueMetrics(device, index),

		extraSpans: virtqueue.MaxIndirectDescriptors,
	}

	var err error
	if w.kick, err = eventfd.New(); err != nil {
		return nil, err
	}
	if w.call, err = eventfd.New(); err != nil {
		return nil, errors.Join(err, w.Close())
	}
	if w.wake, err = eventfd.New(); err != nil {
		return nil, errors.Join(err, w.Close())
	}
	if w.epoll, err = eventfd.NewEpoll(); err != nil {
		return nil, errors.Join(err, w.Close())
	}
	if err = w.epoll.AddEvent(w.kick.FD()); err != nil {
		return nil, errors.Join(fmt.Errorf("watch kick eventfd: %w", err), w.Close())
	}
	if err = w.epoll.AddEvent(w.wake.FD()); err != nil {
		return nil, errors.Join(fmt.Errorf("watch wake eventfd: %w", err), w.Close())
	}

	if g, ok := h.(gatedHandler); ok {
		w.gate = g
		g.SetWake(w.signal)
	}
	return w, nil
}

// signal wakes up the worker. It may be called from any goroutine, even
// after Close.
func (w *queueWorker) signal() {
	w.closeLock.RLock()
	defer w.closeLock.RUnlock()
	if w.closed {
		return
	}
	if err := w.wake.Kick(); err != nil {
		w.l.WithError(err).Error("Failed to wake queue worker")
	}
}

// run processes the queue until ctx is done or the queue faults. A fault is
// logged and leaves the queue broken until it is set up again.
func (w *queueWorker) run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, w.signal)
	defer stop()

	for ctx.Err() == nil {
		w.queue.DisableNotifications()

		pushed, err := w.drain()
		if err != nil {
			w.metrics.faults.Inc(1)
			util.LogWithContextIfNeeded("Queue stopped", err, w.l)
			return nil
		}
		if pushed > 0 {
			w.notify()
		}

		if w.queue.EnableNotifications() && w.ready() {
			continue
		}

		if err := w.wait(); err != nil {
			return fmt.Errorf("queue %d: %w", w.index, err)
		}
	}

	return nil
}

func (w *queueWorker) ready() bool {
	return w.gate == nil || w.gate.Ready()
}

// drain handles requests until the queue is empty or the handler has no more
// use for buffers. It returns how many requests were completed.
func (w *queueWorker) drain() (int, error) {
	pushed := 0
	for w.ready() {
		req, err := w.pop()
		if errors.Is(err, virtqueue.ErrQueueEmpty) {
			w.metrics.empty.Inc(1)
			return pushed, nil
		}
		if err != nil {
			return pushed, err
		}

		written, err := w.handler.HandleRequest(&req)
		if err != nil {
			w.metrics.failed.Inc(1)
			w.l.WithError(err).WithField("head", req.Head).Warn("Failed to handle request")
			written = 0
		}

		w.queue.Push(req.Head, written)
		w.metrics.pushed.Inc(1)
		pushed++
	}
	return pushed, nil
}

// pop returns the next request, growing the span buffer as needed. A chain
// may have one buffer per descriptor plus a full indirect table. A longer one
// breaks the queue.
func (w *queueWorker) pop() (virtqueue.Request, error) {
	for {
		req, err := w.queue.Pop(w.spans[:0])
		if err == nil {
			w.spans = req.Spans[:0]
			w.metrics.popped.Inc(1)
			w.metrics.chainSpans.Update(int64(len(req.Spans)))
			return req, nil
		}
		if !errors.Is(err, virtqueue.ErrNeedMoreCapacity) {
			return req, err
		}

		limit := w.queue.Size() + w.extraSpans
		if cap(w.spans) >= limit {
			return req, w.queue.Reject("Descriptor chain has too many buffers", map[string]any{
				"lastAvailIndex": w.queue.LastAvailIndex(),
				"maxSpans":       limit,
			})
		}
		w.metrics.capacityRetries.Inc(1)
		w.spans = make([][]byte, 0, min(2*cap(w.spans), limit))
	}
}

// notify interrupts the driver if it asked for it.
func (w *queueWorker) notify() {
	if !w.queue.ShouldNotify() {
		w.metrics.interruptsSuppressed.Inc(1)
		return
	}

	w.metrics.interrupts.Inc(1)
	if err := w.call.Kick(); err != nil {
		w.l.WithError(err).Error("Failed to interrupt the driver")
	}
}

// wait blocks until the driver kicks or the worker is woken.
func (w *queueWorker) wait() error {
	fds, err := w.epoll.Block()
	if err != nil {
		return fmt.Errorf("wait for kick: %w", err)
	}

	for _, fd := range fds {
		switch fd {
		case w.kick.FD():
			n, err := w.kick.Drain()
			if err != nil {
				return fmt.Errorf("drain kick eventfd: %w", err)
			}
			w.metrics.kicks.Inc(int64(n))
		case w.wake.FD():
			if _, err := w.wake.Drain(); err != nil {
				return fmt.Errorf("drain wake eventfd: %w", err)
			}
		}
	}
	return nil
}

// Close releases the doorbells. The worker must not be running.
func (w *queueWorker) Close() error {
	w.closeLock.Lock()
	defer w.closeLock.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if w.epoll != nil {
		errs = append(errs, w.epoll.Close())
	}
	for _, e := range []*eventfd.EventFD{w.wake, w.call, w.kick} {
		if e != nil {
			errs = append(errs, e.Close())
		}
	}
	return errors.Join(errs...)
}
