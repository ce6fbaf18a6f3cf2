package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuffer_PushWithinCapacity(t *testing.T) {
	b := New[int](3)
	b.Push(1)
	b.Push(2)
	require.Equal(t, 2, b.Len())
	require.Equal(t, 3, b.Cap())
	require.Equal(t, []int{1, 2}, b.Items())
}

func TestBuffer_OverwritesOldest(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	require.Equal(t, 3, b.Len())
	require.Equal(t, []int{3, 4, 5}, b.Items())
	require.Equal(t, []int{4, 5}, b.Last(2))
	require.Equal(t, []int{3, 4, 5}, b.Last(10))
}

func TestBuffer_Retain(t *testing.T) {
	b := New[int](4)
	for i := 1; i <= 6; i++ {
		b.Push(i)
	}
	b.Retain(func(v int) bool { return v%2 == 0 })
	require.Equal(t, []int{4, 6}, b.Items())
	b.Push(7)
	require.Equal(t, []int{4, 6, 7}, b.Items())
}

func TestBuffer_MinimumSize(t *testing.T) {
	b := New[string](0)
	b.Push("a")
	b.Push("b")
	require.Equal(t, []string{"b"}, b.Items())
}
