package bottleneck

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/wavae/gpu"
	"github.com/openfluke/wavae/nn"
	"github.com/openfluke/wavae/rfield"
)

// link chains stages through Parent and returns the first and last.
func link(stages ...*rfield.Field) (beg, end *rfield.Field) {
	for i := 1; i < len(stages); i++ {
		stages[i].Parent = stages[i-1]
	}
	return stages[0], stages[len(stages)-1]
}

func newCombine(t *testing.T, stages ...*rfield.Field) (*LCCombine, *rfield.Condensed) {
	t.Helper()
	beg, end := link(stages...)
	c := NewLCCombine("test")
	c.UseGPU = false
	require.NoError(t, c.SetGeometry(beg, end))
	geom, err := rfield.Condense(beg, end, "reference")
	require.NoError(t, err)
	return c, geom
}

func randomTensor(rng *rand.Rand, shape ...int) *nn.Tensor[float64] {
	x := nn.NewTensor[float64](shape...)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}
	return x
}

func TestLCCombineMatchesReceptiveField(t *testing.T) {
	cases := map[string][]*rfield.Field{
		"frame":          {rfield.NewUpsample(nil, "u", 320, 320, 0, 0)},
		"symmetric":      {rfield.NewUpsample(nil, "u", 8, 4, 2, 2)},
		"left trim only": {rfield.NewUpsample(nil, "u", 5, 3, 1, 0)},
		"right trim":     {rfield.NewUpsample(nil, "u", 8, 4, 0, 3)},
		"two upsamples": {
			rfield.NewUpsample(nil, "u1", 8, 4, 2, 2),
			rfield.NewUpsample(nil, "u2", 4, 2, 1, 1),
		},
		"upsample then conv": {
			rfield.NewUpsample(nil, "u", 4, 4, 0, 0),
			rfield.NewConv(nil, "c", 3, 1, 1, 1),
		},
	}

	rng := rand.New(rand.NewSource(1))
	for name, stages := range cases {
		t.Run(name, func(t *testing.T) {
			c, geom := newCombine(t, stages...)
			const batch, steps = 2, 6
			z := randomTensor(rng, batch, steps, 1)

			out, err := c.Forward(z)
			require.NoError(t, err)

			n := geom.OutputLen(steps)
			require.Equal(t, []int{batch, n, 1}, out.Shape)
			assert.Equal(t, n, c.OutputLen(steps))

			// output t sums every latent vector in its receptive field
			for b := 0; b < batch; b++ {
				for s := 0; s < n; s++ {
					lo, hi := geom.InputRange(s)
					var want float64
					for i := max(lo, 0); i <= min(hi, steps-1); i++ {
						want += z.Data[b*steps+i]
					}
					assert.InDelta(t, want, out.Data[b*n+s], 1e-9, "b=%d t=%d", b, s)
				}
			}
		})
	}
}

func TestLCCombineValues(t *testing.T) {
	z := nn.NewTensorFromSlice([]float64{1, 2, 3}, 1, 3, 1)

	c, _ := newCombine(t, rfield.NewUpsample(nil, "u", 8, 4, 2, 2))
	assert.Equal(t, 4, c.Stride())
	assert.Equal(t, 8, c.FilterSize())
	out, err := c.Forward(z)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 3, 3, 3, 3, 5, 5, 5, 5, 3, 3}, out.Data)

	// the padding requirement is asymmetric, all of it is trimmed from the
	// left and the tail is kept whole
	c, _ = newCombine(t, rfield.NewUpsample(nil, "u", 5, 3, 1, 0))
	l, r := c.Trims()
	assert.Equal(t, 1, l)
	assert.Equal(t, 0, r)
	out, err = c.Forward(z)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 3, 3, 2, 5, 5, 3, 3, 3}, out.Data)
}

func TestLCCombineConstant(t *testing.T) {
	// one latent vector per 320 samples: a constant stays constant
	c, _ := newCombine(t, rfield.NewUpsample(nil, "u", 320, 320, 0, 0))
	z := nn.NewTensor[float64](2, 5, 1)
	z.Fill(0.75)
	out, err := c.Forward(z)
	require.NoError(t, err)
	require.Equal(t, []int{2, 1600, 1}, out.Shape)
	for _, v := range out.Data {
		require.Equal(t, 0.75, v)
	}

	// overlapping windows scale the interior by the overlap, FilterSize/Stride
	c, _ = newCombine(t, rfield.NewUpsample(nil, "u", 8, 4, 2, 2))
	z = nn.NewTensor[float64](1, 10, 1)
	z.Fill(0.5)
	out, err = c.Forward(z)
	require.NoError(t, err)
	for i := 8; i < 32; i++ {
		assert.Equal(t, 1.0, out.Data[i], "t=%d", i)
	}
}

func TestLCCombineBackwardIsAdjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for _, stages := range [][]*rfield.Field{
		{rfield.NewUpsample(nil, "u", 8, 4, 2, 2)},
		{rfield.NewUpsample(nil, "u", 5, 3, 1, 0)},
		{rfield.NewUpsample(nil, "u", 8, 4, 0, 3)},
	} {
		c, _ := newCombine(t, stages...)
		const steps = 7
		z := randomTensor(rng, 3, steps, 1)
		out, err := c.Forward(z)
		require.NoError(t, err)
		g := randomTensor(rng, out.Shape...)

		gz, err := c.Backward(g, steps)
		require.NoError(t, err)
		require.Equal(t, z.Shape, gz.Shape)

		var lhs, rhs float64
		for i := range out.Data {
			lhs += out.Data[i] * g.Data[i]
		}
		for i := range z.Data {
			rhs += z.Data[i] * gz.Data[i]
		}
		assert.InDelta(t, lhs, rhs, 1e-9)
	}
}

func TestLCCombineErrors(t *testing.T) {
	c := NewLCCombine("unset")
	_, err := c.Forward(nn.NewTensor[float64](1, 3, 1))
	assert.ErrorIs(t, err, ErrNoGeometry)

	f := rfield.NewConv(nil, "down", 4, 2, 1, 1)
	assert.ErrorIs(t, c.SetGeometry(f, f), rfield.ErrInconsistent)

	a := rfield.NewUpsample(nil, "a", 4, 4, 0, 0)
	b := rfield.NewUpsample(nil, "b", 4, 4, 0, 0)
	assert.ErrorIs(t, c.SetGeometry(a, b), rfield.ErrNotAncestor)
	assert.ErrorIs(t, c.SetGeometry(nil, b), rfield.ErrNotAncestor)

	c, _ = newCombine(t, rfield.NewUpsample(nil, "u", 8, 4, 2, 2))
	_, err = c.Forward(nn.NewTensor[float64](1, 3, 2))
	assert.ErrorIs(t, err, ErrShape)
	_, err = c.Backward(nn.NewTensor[float64](1, 5, 1), 3)
	assert.ErrorIs(t, err, ErrShape)
}

func TestLCCombineGPU(t *testing.T) {
	if !gpu.Available() {
		t.Skip("no GPU adapter")
	}
	cpu, _ := newCombine(t, rfield.NewUpsample(nil, "u", 8, 4, 2, 2))
	onGPU, _ := newCombine(t, rfield.NewUpsample(nil, "u", 8, 4, 2, 2))
	onGPU.UseGPU = true

	z := randomTensor(rand.New(rand.NewSource(4)), 2, 9, 1)
	want, err := cpu.Forward(z)
	require.NoError(t, err)
	got, err := onGPU.Forward(z)
	require.NoError(t, err)
	require.Equal(t, want.Shape, got.Shape)
	require.True(t, onGPU.UseGPU, "GPU path fell back to CPU")
	for i := range want.Data {
		assert.InDelta(t, want.Data[i], got.Data[i], 1e-4*(1+math.Abs(want.Data[i])))
	}
}
