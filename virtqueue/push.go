package virtqueue

// Push publishes the completion of the chain starting at head, with written
// being the number of bytes the device wrote into its writable buffers.
// Chains may be pushed in any order. Push does nothing unless the queue is
// ready.
func (q *SplitQueue) Push(head uint16, written uint32) {
	if q.State() != StateReady {
		return
	}

	q.usedRing.SetElement(q.lastUsedIndex, UsedElement{
		DescriptorIndex: uint32(head),
		Length:          written,
	})

	// The guest must see the element before the index that covers it.
	q.memoryBarrier()

	q.lastUsedIndex++
	q.usedRing.SetIndex(q.lastUsedIndex)

	// Once the used index wraps all the way around to the signalled value,
	// the baseline can no longer be compared against.
	if int16(q.lastUsedIndex-q.signalledUsed) < 1 {
		q.signalledUsedValid = false
	}
}
