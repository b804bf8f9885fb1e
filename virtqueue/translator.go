package virtqueue

// Translator resolves guest-physical memory into host memory.
//
// Translate returns a slice of exactly length bytes backing the range starting
// at addr, or an error when the range is not fully mapped or when writable is
// requested for memory the device may only read. It must never panic on bad
// input and must be safe to call while the guest is writing to its memory.
type Translator interface {
	Translate(addr uint64, length uint32, writable bool) ([]byte, error)
}

// TranslatorFunc adapts a function to the [Translator] interface.
type TranslatorFunc func(addr uint64, length uint32, writable bool) ([]byte, error)

func (f TranslatorFunc) Translate(addr uint64, length uint32, writable bool) ([]byte, error) {
	return f(addr, length, writable)
}
