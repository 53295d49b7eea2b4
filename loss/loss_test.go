package loss

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krau/konastyle/tensor"
)

func randFeature(r *rand.Rand, h, w, c int) *tensor.Tensor {
	f := tensor.New(1, h, w, c)
	for i := range f.Data {
		f.Data[i] = float32(r.Float64() * 4)
	}
	return f
}

func uniform(h, w int, v []float32) *tensor.Tensor {
	f := tensor.New(1, h, w, len(v))
	for i := range f.Data {
		f.Data[i] = v[i%len(v)]
	}
	return f
}

func TestGramIsSymmetric(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	g, err := Gram(randFeature(r, 5, 7, 6))
	require.NoError(t, err)
	require.Equal(t, 6, g.N)
	for i := range g.N {
		for j := range g.N {
			assert.Equal(t, g.At(i, j), g.At(j, i))
		}
	}
}

func TestGramMatchesDefinition(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	f := randFeature(r, 3, 4, 3)
	g, err := Gram(f)
	require.NoError(t, err)

	for i := range 3 {
		for j := range 3 {
			var sum float64
			for p := range 12 {
				sum += float64(f.Data[p*3+i]) * float64(f.Data[p*3+j])
			}
			assert.InDelta(t, sum/12, g.At(i, j), 1e-9)
		}
	}
}

func TestGramNormalizationIsResolutionInvariant(t *testing.T) {
	v := []float32{0.5, 2, -1}
	small, err := Gram(uniform(2, 3, v))
	require.NoError(t, err)
	large, err := Gram(uniform(8, 12, v))
	require.NoError(t, err)
	assert.InDeltaSlice(t, small.Data, large.Data, 1e-9)

	// the raw correlation sums scale with the location count
	assert.InDelta(t, 16*small.At(0, 1)*6, large.At(0, 1)*96, 1e-9)
	assert.InDelta(t, 1.0, small.At(0, 1), 1e-12)
}

func TestGramRejectsBadShape(t *testing.T) {
	_, err := Gram(tensor.New(2, 2, 3))
	assert.Error(t, err)
}

func TestZeroLosses(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	f := randFeature(r, 4, 4, 5)
	assert.Zero(t, ContentLoss(f, f.Clone()))

	g1, err := Gram(f)
	require.NoError(t, err)
	g2, err := Gram(f.Clone())
	require.NoError(t, err)
	assert.Zero(t, StyleLoss([]*Matrix{g1, g1}, []*Matrix{g2, g2}))
}

func TestStyleLossAveragesLayers(t *testing.T) {
	a := &Matrix{N: 1, Data: []float64{1}}
	b := &Matrix{N: 1, Data: []float64{3}}
	// layer losses 4 and 0
	assert.Equal(t, 2.0, StyleLoss([]*Matrix{a, b}, []*Matrix{b, b}))
}

func newObjective(t *testing.T, r *rand.Rand) (*Objective, []*tensor.Tensor) {
	t.Helper()
	style := []*tensor.Tensor{randFeature(r, 4, 4, 3), randFeature(r, 2, 2, 4)}
	content := randFeature(r, 2, 2, 4)
	o, err := NewObjective(style, content, 0.7, 1.3)
	require.NoError(t, err)
	outs := []*tensor.Tensor{randFeature(r, 4, 4, 3), randFeature(r, 2, 2, 4), randFeature(r, 2, 2, 4)}
	return o, outs
}

func TestObjectiveWeighting(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	o, outs := newObjective(t, r)

	l, grads, err := o.Evaluate(outs)
	require.NoError(t, err)
	require.Len(t, grads, 3)
	assert.True(t, l.Finite())

	g0, _ := Gram(outs[0])
	g1, _ := Gram(outs[1])
	style := StyleLoss([]*Matrix{g0, g1}, o.StyleTargets())
	assert.InDelta(t, 0.7*style, l.Style, 1e-9)
	assert.InDelta(t, 1.3*ContentLoss(outs[2], o.contentTarget), l.Content, 1e-9)
	assert.Equal(t, l.Style+l.Content, l.Total)
}

func TestObjectiveZeroAtTargets(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	style := []*tensor.Tensor{randFeature(r, 3, 3, 2)}
	content := randFeature(r, 2, 2, 3)
	o, err := NewObjective(style, content, 1, 1)
	require.NoError(t, err)

	l, grads, err := o.Evaluate([]*tensor.Tensor{style[0], content})
	require.NoError(t, err)
	assert.Zero(t, l.Total)
	for _, g := range grads {
		for _, v := range g.Data {
			assert.Zero(t, v)
		}
	}
}

func TestObjectiveGradientMatchesFiniteDifferences(t *testing.T) {
	r := rand.New(rand.NewSource(6))
	o, outs := newObjective(t, r)
	_, grads, err := o.Evaluate(outs)
	require.NoError(t, err)

	const step = 1.0 / 64
	for k, out := range outs {
		for _, i := range []int{0, out.Len() / 2, out.Len() - 1} {
			orig := out.Data[i]
			out.Data[i] = orig + step
			lp, _, err := o.Evaluate(outs)
			require.NoError(t, err)
			out.Data[i] = orig - step
			lm, _, err := o.Evaluate(outs)
			require.NoError(t, err)
			out.Data[i] = orig

			numeric := (lp.Total - lm.Total) / (2 * step)
			assert.InDelta(t, numeric, float64(grads[k].Data[i]), 1e-3*max(1, abs(numeric)), "output %d index %d", k, i)
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestObjectiveValidation(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	o, outs := newObjective(t, r)

	_, _, err := o.Evaluate(outs[:2])
	assert.Error(t, err)

	bad := []*tensor.Tensor{randFeature(r, 4, 4, 5), outs[1], outs[2]}
	_, _, err = o.Evaluate(bad)
	assert.ErrorContains(t, err, "channels")

	bad = []*tensor.Tensor{outs[0], outs[1], randFeature(r, 3, 2, 4)}
	_, _, err = o.Evaluate(bad)
	assert.ErrorContains(t, err, "content output")

	_, err = NewObjective(nil, outs[2], 1, 1)
	assert.Error(t, err)
}
