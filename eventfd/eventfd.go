// Package eventfd wraps eventfd(2) and epoll(7) for the doorbells of a
// virtqueue: the guest kicks the device through one eventfd and the device
// interrupts the guest through another.
package eventfd

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// EventFD is a non-blocking eventfd counter. Kick and Drain may be called
// concurrently, Close may not.
type EventFD struct {
	fd int
}

func New() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create eventfd: %w", err)
	}
	return &EventFD{fd: fd}, nil
}

// Kick adds one to the counter and wakes up anyone waiting on it.
func (e *EventFD) Kick() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		// The counter is saturated, the reader will wake up regardless.
		return nil
	}
	return err
}

// Drain resets the counter and returns how many kicks it had collected.
func (e *EventFD) Drain() (uint64, error) {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

func (e *EventFD) Close() error {
	if e.fd <= 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}

func (e *EventFD) FD() int {
	return e.fd
}

// Epoll waits for any of a set of file descriptors to become readable.
type Epoll struct {
	fd     int
	events []unix.EpollEvent
	ready  []int
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create epoll: %w", err)
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, 4),
	}, nil
}

func (ep *Epoll) AddEvent(fdToAdd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fdToAdd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fdToAdd, &event)
}

// Block waits until at least one file descriptor is readable and returns the
// readable ones. The returned slice is reused by the next call. An
// interrupted wait returns no file descriptors and no error.
func (ep *Epoll) Block() ([]int, error) {
	n, err := unix.EpollWait(ep.fd, ep.events, -1)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}

	ep.ready = ep.ready[:0]
	for _, ev := range ep.events[:n] {
		ep.ready = append(ep.ready, int(ev.Fd))
	}
	return ep.ready, nil
}

func (ep *Epoll) Close() error {
	if ep.fd <= 0 {
		return nil
	}
	err := unix.Close(ep.fd)
	ep.fd = -1
	return err
}
