package guest

import (
	"testing"

	"github.com/slackhq/vring/virtqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDescriptorTable(size int) *descriptorTable {
	buffers := make([]uint64, size)
	for i := range buffers {
		buffers[i] = uint64(0x10000 + i*16)
	}
	return newDescriptorTable(make([]byte, size*virtqueue.DescriptorSize), buffers, 16)
}

func TestDescriptorTable_TakeEverything(t *testing.T) {
	tests := []struct {
		name   string
		chains [][]int
	}{
		{"one chain", [][]int{{1, 1, 1, 1}}},
		{"two chains", [][]int{{1, 1}, {1, 1}}},
		{"last one alone", [][]int{{1, 1, 1}, {1}}},
		{"one at a time", [][]int{{1}, {1}, {1}, {1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dt := newTestDescriptorTable(4)

			var heads []uint16
			for _, lengths := range tt.chains {
				head, err := dt.createChain(lengths, len(lengths))
				require.NoError(t, err)
				heads = append(heads, head)
			}
			assert.Zero(t, dt.freeNum)
			assert.Equal(t, noFreeHead, dt.freeHeadIndex)

			_, err := dt.createChain([]int{1}, 1)
			assert.ErrorIs(t, err, ErrNotEnoughFreeDescriptors)

			seen := map[uint16]bool{}
			for i, head := range heads {
				indexes, err := dt.chain(head)
				require.NoError(t, err)
				assert.Len(t, indexes, len(tt.chains[i]))
				for _, index := range indexes {
					assert.False(t, seen[index], "descriptor %d used twice", index)
					seen[index] = true
				}
			}

			for _, head := range heads {
				require.NoError(t, dt.freeChain(head))
			}
			assert.Equal(t, uint16(4), dt.freeNum)

			// The whole table can be taken again.
			head, err := dt.createChain([]int{1, 1, 1, 1}, 4)
			require.NoError(t, err)
			indexes, err := dt.chain(head)
			require.NoError(t, err)
			assert.Len(t, indexes, 4)
		})
	}
}

func TestDescriptorTable_Errors(t *testing.T) {
	dt := newTestDescriptorTable(4)

	_, err := dt.createChain(nil, 0)
	assert.ErrorIs(t, err, ErrDescriptorChainEmpty)
	_, err = dt.createChain([]int{1, 1, 1, 1, 1}, 5)
	assert.ErrorIs(t, err, ErrNotEnoughFreeDescriptors)

	head, err := dt.createChain([]int{1, 1}, 1)
	require.NoError(t, err)
	indexes, err := dt.chain(head)
	require.NoError(t, err)
	assert.Zero(t, dt.descriptors[indexes[0]].Flags&virtqueue.DescriptorFlagWrite)
	assert.NotZero(t, dt.descriptors[indexes[1]].Flags&virtqueue.DescriptorFlagWrite)

	assert.ErrorIs(t, dt.freeChain(7), ErrInvalidDescriptorChain)
	require.NoError(t, dt.freeChain(head))
	assert.ErrorIs(t, dt.freeChain(head), ErrInvalidDescriptorChain)
}
