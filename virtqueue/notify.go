package virtqueue

import "github.com/slackhq/vring/util/virtio"

// DisableNotifications asks the guest to stop kicking the device for new
// chains. It only has an effect without event index, where the guest honours
// the used ring no-notify flag.
func (q *SplitQueue) DisableNotifications() {
	if q.State() != StateReady || q.eventIndex() {
		return
	}
	q.usedFlags |= UsedRingFlagNoNotify
	q.usedRing.SetFlags(q.usedFlags)
}

// EnableNotifications asks the guest to kick the device for the next chain
// it makes available. It returns true when chains are already pending, in
// which case the caller should keep polling instead of waiting for a kick.
func (q *SplitQueue) EnableNotifications() bool {
	if q.State() != StateReady {
		return false
	}

	if q.eventIndex() {
		q.usedRing.SetAvailableEvent(q.availableRing.Index())
	} else {
		q.usedFlags &^= UsedRingFlagNoNotify
		q.usedRing.SetFlags(q.usedFlags)
	}

	// The guest must see the request for kicks before we look for work it
	// published without kicking.
	q.memoryBarrier()

	return q.availableRing.Index() != q.lastAvailIndex
}

// ShouldNotify reports whether the guest has to be interrupted for the
// completions pushed since the last decision.
func (q *SplitQueue) ShouldNotify() bool {
	if q.State() != StateReady {
		return false
	}

	// Flush the used index before reading what the guest asked for.
	q.memoryBarrier()

	if q.features.Has(virtio.FeatureNotifyOnEmpty) &&
		q.availableRing.Index() == q.lastAvailIndex {
		return true
	}

	if !q.eventIndex() {
		return q.availableRing.Flags()&AvailableRingFlagNoInterrupt == 0
	}

	oldIndex := q.signalledUsed
	valid := q.signalledUsedValid
	newIndex := q.lastUsedIndex
	q.signalledUsed = newIndex
	q.signalledUsedValid = true

	if !valid {
		return true
	}

	return NeedEvent(q.availableRing.UsedEvent(), newIndex, oldIndex)
}

// NeedEvent reports whether moving a ring index from oldIndex to newIndex
// passed the event index the other side published, that is whether event lies
// in [oldIndex, newIndex) in wraparound-safe 16-bit arithmetic. Both sides of
// a queue use it.
func NeedEvent(event, newIndex, oldIndex uint16) bool {
	return newIndex-event-1 < newIndex-oldIndex
}
