package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingBufferOrder(t *testing.T) {
	req := require.New(t)
	rb := NewRingBuffer[int](3)

	rb.Push(1)
	rb.Push(2)
	req.Equal([]int{1, 2}, rb.Snapshot())
	req.Equal(2, rb.Len())

	rb.Push(3)
	rb.Push(4) // evicts 1
	req.Equal([]int{2, 3, 4}, rb.Snapshot())
	req.Equal(3, rb.Len())
}

func TestRingBufferWrapTwice(t *testing.T) {
	rb := NewRingBuffer[string](2)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		rb.Push(s)
	}
	require.Equal(t, []string{"d", "e"}, rb.Snapshot())
}
