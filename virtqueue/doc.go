// Package virtqueue implements the device side of a split virtio queue as
// described in the virtio 1.2 standard:
// https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-270006
//
// The rings live in guest memory and are only ever reached through a
// [Translator]. The guest is treated as an untrusted concurrent writer: every
// index read from guest memory is range checked, descriptor chains are walked
// with a hard step budget, and any protocol violation breaks the queue until
// it is set up again.
//
// A [SplitQueue] must be driven by a single goroutine. The guest is the only
// other party and synchronization with it happens purely through memory
// barriers at the points the virtio memory model requires.
package virtqueue
