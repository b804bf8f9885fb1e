package virtqueue

// Request is one descriptor chain resolved into host memory. The first
// ReadableCount spans are readable by the device, all remaining spans are
// writable by the device.
//
// The spans point directly into guest memory and are only valid until the
// request is pushed or the queue is torn down.
type Request struct {
	// Head is the index of the first descriptor of the chain. It identifies
	// the request when it is pushed back to the guest.
	Head uint16
	// Spans holds all buffers of the chain in order.
	Spans [][]byte
	// ReadableCount is the number of device-readable spans at the start of
	// Spans.
	ReadableCount int
}

// Readable returns the device-readable spans.
func (r *Request) Readable() [][]byte {
	return r.Spans[:r.ReadableCount]
}

// Writable returns the device-writable spans.
func (r *Request) Writable() [][]byte {
	return r.Spans[r.ReadableCount:]
}

// ReadableLen returns the total number of bytes the device may read.
func (r *Request) ReadableLen() int {
	return spansLen(r.Readable())
}

// WritableLen returns the total number of bytes the device may write.
func (r *Request) WritableLen() int {
	return spansLen(r.Writable())
}

func spansLen(spans [][]byte) int {
	n := 0
	for _, s := range spans {
		n += len(s)
	}
	return n
}

// CopyOut copies device-readable bytes starting at offset into dst and returns
// the number of bytes copied.
func (r *Request) CopyOut(offset int, dst []byte) int {
	n := 0
	for _, s := range SubSpans(r.Readable(), offset, len(dst)) {
		n += copy(dst[n:], s)
	}
	return n
}

// CopyIn copies src into the device-writable buffers starting at offset and
// returns the number of bytes copied.
func (r *Request) CopyIn(offset int, src []byte) int {
	n := 0
	for _, s := range SubSpans(r.Writable(), offset, len(src)) {
		n += copy(s, src[n:])
	}
	return n
}

// SubSpans returns the spans covering length bytes starting at offset of the
// concatenation of spans. The result shares memory with spans and is shorter
// than length when spans end early.
func SubSpans(spans [][]byte, offset, length int) [][]byte {
	var out [][]byte
	for _, s := range spans {
		if length <= 0 {
			break
		}
		if offset >= len(s) {
			offset -= len(s)
			continue
		}
		s = s[offset:]
		offset = 0
		if len(s) > length {
			s = s[:length]
		}
		out = append(out, s)
		length -= len(s)
	}
	return out
}
