package gpu

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/wavae/nn"
)

func TestConvTranspose1DShader(t *testing.T) {
	l := &ConvTranspose1DLayer{Spec: ConvTranspose1DSpec{
		Batch: 2, SeqLen: 5, KernelSize: 8, Stride: 4, Padding: -2,
		Weights: make([]float32, 8),
	}}
	assert.Equal(t, 28, l.Spec.OutputLen())

	src := l.GenerateShader()
	for _, want := range []string{
		"const BATCH: u32 = 2u;",
		"const SEQ_LEN: u32 = 5u;",
		"const KERNEL_SIZE: u32 = 8u;",
		"const STRIDE: u32 = 4u;",
		"const PADDING: i32 = -2;",
		"const OUT_LEN: u32 = 28u;",
		"idx % OUT_LEN",
	} {
		assert.True(t, strings.Contains(src, want), "shader lacks %q", want)
	}
}

func TestConvTranspose1DInvalidSpec(t *testing.T) {
	for name, spec := range map[string]ConvTranspose1DSpec{
		"no batch":        {Batch: 0, SeqLen: 3, KernelSize: 2, Stride: 2, Weights: make([]float32, 2)},
		"weights":         {Batch: 1, SeqLen: 3, KernelSize: 2, Stride: 2, Weights: make([]float32, 3)},
		"no output":       {Batch: 1, SeqLen: 1, KernelSize: 2, Stride: 2, Padding: 1, Weights: make([]float32, 2)},
		"zero stride":     {Batch: 1, SeqLen: 3, KernelSize: 2, Stride: 0, Weights: make([]float32, 2)},
		"empty sequences": {Batch: 1, SeqLen: 0, KernelSize: 2, Stride: 2, Weights: make([]float32, 2)},
	} {
		l := &ConvTranspose1DLayer{Spec: spec}
		assert.Error(t, l.AllocateBuffers(nil, name), name)
	}
}

func TestConvTranspose1DRun(t *testing.T) {
	if !Available() {
		t.Skip("no GPU adapter")
	}
	c, err := GetContext()
	require.NoError(t, err)

	for _, padding := range []int{2, 0, -3} {
		spec := ConvTranspose1DSpec{
			Batch: 3, SeqLen: 7, KernelSize: 8, Stride: 4, Padding: padding,
			Weights: []float32{1, 0.5, -1, 2, 0, 0.25, 1, -0.5},
		}
		input := make([]float32, spec.Batch*spec.SeqLen)
		for i := range input {
			input[i] = float32(math.Sin(float64(i)))
		}

		l, err := NewConvTranspose1DLayer(c, spec, "test")
		require.NoError(t, err)
		got, err := l.Run(c, input)
		l.Cleanup()
		require.NoError(t, err)

		want := nn.ConvTranspose1DForward(
			nn.NewTensorFromSlice(input, spec.Batch, 1, spec.SeqLen),
			nn.NewTensorFromSlice(spec.Weights, 1, 1, spec.KernelSize),
			spec.SeqLen, 1, 1, spec.KernelSize, spec.Stride, spec.Padding, spec.Batch,
		)
		require.Len(t, got, len(want.Data))
		assert.Less(t, nn.MaxAbsDiff(want.Data, got), 1e-5, "padding %d", padding)
	}
}
