package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckQueueSize(t *testing.T) {
	for _, n := range []int{1, 2, 128, 256, MaxQueueSize} {
		assert.NoError(t, CheckQueueSize(n), "size %d", n)
	}

	bad := map[int]string{
		-8:               "-8 is too small",
		0:                "0 is too small",
		3:                "3 is not a power of 2",
		1000:             "1000 is not a power of 2",
		2 * MaxQueueSize: "65536 is larger than the maximum possible queue size 32768",
	}
	for n, want := range bad {
		err := CheckQueueSize(n)
		assert.ErrorIs(t, err, ErrQueueSizeInvalid)
		assert.ErrorContains(t, err, want)
	}
}
