package virtqueue

// Pop resolves the oldest descriptor chain the guest made available.
//
// The resolved spans are appended to spans[:0], so the capacity of spans
// limits how many buffers a chain may have. When a chain does not fit,
// [ErrNeedMoreCapacity] is returned and nothing is consumed. [ErrQueueEmpty]
// means there is no work. Any other error breaks the queue and wraps
// [ErrProtocolViolation]; it is returned once, later calls fail with
// [ErrQueueBroken].
func (q *SplitQueue) Pop(spans [][]byte) (Request, error) {
	if err := q.checkReady(); err != nil {
		return Request{}, err
	}

	availIndex := q.availableRing.Index()
	pending := availIndex - q.lastAvailIndex
	if int(pending) > q.size {
		return Request{}, q.fail("Guest moved available index too far", m{
			"availIndex":     availIndex,
			"lastAvailIndex": q.lastAvailIndex,
			"queueSize":      q.size,
		}, nil)
	}
	if pending == 0 {
		return Request{}, ErrQueueEmpty
	}

	// The guest fills the ring slot before it bumps the index. Do not read
	// the slot before the index.
	q.memoryBarrier()

	head := q.availableRing.Head(q.lastAvailIndex)
	if int(head) >= q.size {
		return Request{}, q.fail("Guest published out of range chain head", m{
			"head":      head,
			"queueSize": q.size,
		}, nil)
	}

	w := chainWalker{q: q, head: head, spans: spans[:0]}
	if err := w.walk(); err != nil {
		return Request{}, err
	}

	q.lastAvailIndex++
	if q.eventIndex() {
		q.usedRing.SetAvailableEvent(availIndex)
	}

	return Request{Head: head, Spans: w.spans, ReadableCount: w.readable}, nil
}

// chainWalker follows one descriptor chain. Every loop has a step budget so
// that a guest cannot make it run forever, and indirect tables are walked
// inline instead of recursing.
type chainWalker struct {
	q    *SplitQueue
	head uint16

	spans    [][]byte
	readable int
	writable int
}

func (w *chainWalker) walk() error {
	index := w.head
	for steps := 1; ; steps++ {
		if steps > w.q.size {
			return w.q.fail("Loop detected in descriptor chain", m{
				"head":      w.head,
				"index":     index,
				"queueSize": w.q.size,
			}, nil)
		}

		var desc Descriptor
		// index is always below the queue size here.
		_ = desc.Decode(w.q.descriptorTable[int(index)*DescriptorSize:])

		if desc.hasFlag(DescriptorFlagIndirect) {
			if err := w.walkIndirect(index, desc); err != nil {
				return err
			}
		} else if err := w.add(index, desc); err != nil {
			return err
		}

		if !desc.hasFlag(DescriptorFlagNext) {
			return nil
		}
		if int(desc.Next) >= w.q.size {
			return w.q.fail("Descriptor chain links out of range", m{
				"head":      w.head,
				"index":     index,
				"next":      desc.Next,
				"queueSize": w.q.size,
			}, nil)
		}
		index = desc.Next
	}
}

// walkIndirect walks the table an indirect descriptor points to. The table is
// translated once and its entries are linked through their own next fields.
func (w *chainWalker) walkIndirect(index uint16, indirect Descriptor) error {
	if indirect.Length%DescriptorSize != 0 {
		return w.q.fail("Invalid length in indirect descriptor", m{
			"head":   w.head,
			"index":  index,
			"length": indirect.Length,
		}, nil)
	}

	count := indirect.Length / DescriptorSize
	if count == 0 {
		return w.q.fail("Empty indirect descriptor table", m{
			"head":  w.head,
			"index": index,
		}, nil)
	}
	if count > MaxIndirectDescriptors {
		return w.q.fail("Indirect descriptor table too big", m{
			"head":   w.head,
			"index":  index,
			"length": indirect.Length,
		}, nil)
	}

	table, err := w.q.translator.Translate(indirect.Address, indirect.Length, false)
	if err == nil && len(table) != int(indirect.Length) {
		err = errShortTranslation
	}
	if err != nil {
		return w.q.fail("Failed to map indirect descriptor table", m{
			"head":    w.head,
			"index":   index,
			"address": indirect.Address,
			"length":  indirect.Length,
		}, err)
	}

	entry := uint32(0)
	for steps := uint32(1); ; steps++ {
		if steps > count {
			return w.q.fail("Loop detected in indirect descriptor table", m{
				"head":  w.head,
				"index": index,
				"count": count,
			}, nil)
		}

		var desc Descriptor
		_ = desc.Decode(table[entry*DescriptorSize:])

		if desc.hasFlag(DescriptorFlagIndirect) {
			return w.q.fail("Nested indirect descriptor", m{
				"head":  w.head,
				"index": index,
				"entry": entry,
			}, nil)
		}
		if err := w.add(index, desc); err != nil {
			return err
		}

		if !desc.hasFlag(DescriptorFlagNext) {
			return nil
		}
		if uint32(desc.Next) >= count {
			return w.q.fail("Indirect descriptor links out of range", m{
				"head":  w.head,
				"index": index,
				"next":  desc.Next,
				"count": count,
			}, nil)
		}
		entry = uint32(desc.Next)
	}
}

// add resolves one buffer descriptor and appends it to the spans.
func (w *chainWalker) add(index uint16, desc Descriptor) error {
	if len(w.spans) == cap(w.spans) {
		return ErrNeedMoreCapacity
	}

	writable := desc.hasFlag(DescriptorFlagWrite)
	buf, err := w.q.translator.Translate(desc.Address, desc.Length, writable)
	if err == nil && len(buf) != int(desc.Length) {
		err = errShortTranslation
	}
	if err != nil {
		return w.q.fail("Failed to map descriptor", m{
			"head":     w.head,
			"index":    index,
			"address":  desc.Address,
			"length":   desc.Length,
			"writable": writable,
		}, err)
	}

	if writable {
		w.writable++
	} else {
		if w.writable > 0 {
			return w.q.fail("Descriptor chain has out after in", m{
				"head":  w.head,
				"index": index,
			}, nil)
		}
		w.readable++
	}

	w.spans = append(w.spans, buf)
	return nil
}
