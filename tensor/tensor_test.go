package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromData(t *testing.T) {
	_, err := FromData(make([]float32, 5), 1, 2, 3)
	require.Error(t, err)

	x, err := FromData(make([]float32, 6), 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, x.Shape)
	assert.Equal(t, 6, x.Len())
}

func TestHWC(t *testing.T) {
	h, w, c, err := New(1, 4, 5, 3).HWC()
	require.NoError(t, err)
	assert.Equal(t, [3]int{4, 5, 3}, [3]int{h, w, c})

	_, _, _, err = New(2, 4, 5, 3).HWC()
	assert.Error(t, err)
	_, _, _, err = New(4, 5, 3).HWC()
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	x := New(1, 1, 1, 2)
	y := x.Clone()
	y.Data[0] = 7
	y.Shape[3] = 9
	assert.Zero(t, x.Data[0])
	assert.Equal(t, 2, x.Shape[3])
}

func TestCopyFrom(t *testing.T) {
	dst := New(1, 2)
	require.NoError(t, dst.CopyFrom(&Tensor{Shape: []int{1, 2}, Data: []float32{3, 4}}))
	assert.Equal(t, []float32{3, 4}, dst.Data)
	assert.Error(t, dst.CopyFrom(New(2, 1)))
}

func TestSqueeze(t *testing.T) {
	s, err := New(1, 2, 2, 3).Squeeze()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3}, s.Shape)

	_, err = New(2, 2).Squeeze()
	assert.Error(t, err)
}

func TestFinite(t *testing.T) {
	x := New(3)
	assert.True(t, x.Finite())
	x.Data[1] = float32(math.NaN())
	assert.False(t, x.Finite())
	x.Data[1] = float32(math.Inf(-1))
	assert.False(t, x.Finite())
}
