package iova

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basalt-io/unvme/test"
)

const pageSize = 0x1000

func TestAllocatorDefaults(t *testing.T) {
	a := NewAllocator(test.NewLogger(), pageSize, nil)

	ranges := a.Ranges()
	require.Len(t, ranges, 1)
	assert.Equal(t, uint64(0x10000), ranges[0].Start)
	assert.Equal(t, uint64(1<<39-1), ranges[0].Last)

	iova, err := a.AllocSticky(pageSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000), iova)
}

func TestAllocatorSticky(t *testing.T) {
	a := NewAllocator(test.NewLogger(), pageSize, []Range{{Start: 0x10000, Last: 0x7fffffffff}})

	iova, err := a.AllocSticky(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000), iova)

	iova, err = a.AllocSticky(0x2000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x11000), iova)
}

func TestAllocatorUnaligned(t *testing.T) {
	a := NewAllocator(test.NewLogger(), pageSize, nil)

	_, err := a.AllocSticky(0x1001)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = a.AllocSticky(0)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestAllocatorExhaustion(t *testing.T) {
	a := NewAllocator(test.NewLogger(), pageSize, []Range{{Start: 0x10000, Last: 0x13fff}})

	// exactly the remaining capacity fits
	iova, err := a.AllocSticky(0x4000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000), iova)

	// one more page does not
	_, err = a.AllocSticky(0x1000)
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestAllocatorExhaustionByOnePage(t *testing.T) {
	a := NewAllocator(test.NewLogger(), pageSize, []Range{{Start: 0x10000, Last: 0x13fff}})

	_, err := a.AllocSticky(0x5000)
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestAllocatorSpansRanges(t *testing.T) {
	a := NewAllocator(test.NewLogger(), pageSize, []Range{
		{Start: 0x10000, Last: 0x10fff},
		{Start: 0x40000, Last: 0x7ffff},
	})

	iova, err := a.AllocSticky(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000), iova)

	// first range is spent, placement moves to the second
	iova, err = a.AllocSticky(0x2000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x40000), iova)
}

func TestAllocatorEphemeralRecycle(t *testing.T) {
	a := NewAllocator(test.NewLogger(), pageSize, []Range{{Start: 0x10000, Last: 0x7fffffffff}})

	iova, err := a.AllocSticky(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000), iova)

	iova, err = a.AllocSticky(0x2000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x11000), iova)

	e1, err := a.AllocEphemeral(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x13000), e1)

	e2, err := a.AllocEphemeral(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x14000), e2)

	a.ReleaseEphemeral()
	a.ReleaseEphemeral()

	// cursor rewound to where the first ephemeral started
	iova, err = a.AllocSticky(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x13000), iova)
}

func TestAllocatorStickyDuringEphemeral(t *testing.T) {
	a := NewAllocator(test.NewLogger(), pageSize, nil)

	e1, err := a.AllocEphemeral(0x1000)
	require.NoError(t, err)

	// sticky allocations made while ephemerals are live advance past them
	s, err := a.AllocSticky(0x1000)
	require.NoError(t, err)
	assert.Equal(t, e1+0x1000, s)

	a.ReleaseEphemeral()

	// the rewind goes back to the watermark, handing out the released
	// ephemeral region again
	next, err := a.AllocEphemeral(0x1000)
	require.NoError(t, err)
	assert.Equal(t, e1, next)
	a.ReleaseEphemeral()
}

func TestAllocatorEphemeralConcurrent(t *testing.T) {
	a := NewAllocator(test.NewLogger(), pageSize, nil)

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := a.AllocEphemeral(0x1000)
				if err != nil {
					t.Error(err)
					return
				}
				a.ReleaseEphemeral()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), a.nephemeral.Load())
}
