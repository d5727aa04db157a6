package bottleneck

import (
	"fmt"
	"log/slog"

	"github.com/openfluke/wavae/envconfig"
	"github.com/openfluke/wavae/gpu"
	"github.com/openfluke/wavae/nn"
	"github.com/openfluke/wavae/rfield"
)

// LCCombine spreads a per-frame scalar (one value per latent vector) over the
// decoder's output timesteps. Output t receives the sum of the values of every
// latent vector that conditions decoder output t, which makes per-frame loss
// terms commensurable with per-sample ones when batching across time.
//
// The operator is a single-channel transposed convolution with an all-ones
// kernel; its stride, width and padding come from the receptive-field
// geometry between the latent timeline and the decoder output.
type LCCombine struct {
	Name   string
	UseGPU bool

	geom       *rfield.Condensed
	stride     int
	filterSize int
	padArg     int
	lTrim      int
	rTrim      int
	kernel     *nn.Tensor[float64] // [1][1][filterSize]

	gpuLayer *gpu.ConvTranspose1DLayer
}

// NewLCCombine returns an operator with no geometry; call SetGeometry before use.
func NewLCCombine(name string) *LCCombine {
	return &LCCombine{Name: name, UseGPU: envconfig.UseGPU()}
}

// SetGeometry derives stride, filter size, padding and trims from the stages
// between beg (consuming the latent timeline) and end (producing the decoder
// output). Geometry errors from rfield are returned unchanged in the chain.
func (c *LCCombine) SetGeometry(beg, end *rfield.Field) error {
	geom, err := rfield.Condense(beg, end, c.Name)
	if err != nil {
		return fmt.Errorf("%s: %w", c.Name, err)
	}
	lOff, rOff, err := rfield.Offsets(geom, geom)
	if err != nil {
		return fmt.Errorf("%s: %w", c.Name, err)
	}
	lPad, rPad, err := geom.Pads()
	if err != nil {
		return fmt.Errorf("%s: %w", c.Name, err)
	}

	c.geom = geom
	c.stride = geom.Period
	c.filterSize = lOff - rOff + 1

	// The transposed conv takes one symmetric padding argument, related to the
	// zero-padding it implies by padAdd = filterSize - 1 - padArg. Pad by the
	// larger requirement, then trim the excess from the other side.
	padAdd := max(lPad, rPad)
	c.lTrim = padAdd - lPad
	c.rTrim = padAdd - rPad
	c.padArg = c.filterSize - 1 - padAdd

	c.kernel = nn.NewTensor[float64](1, 1, c.filterSize)
	c.kernel.Fill(1)

	c.releaseGPU()

	slog.Debug("lccombine geometry", "name", c.Name, "stride", c.stride, "filter", c.filterSize,
		"pad", c.padArg, "l_trim", c.lTrim, "r_trim", c.rTrim)
	return nil
}

// Stride is the number of decoder timesteps per latent vector.
func (c *LCCombine) Stride() int { return c.stride }

// FilterSize is the transposed-convolution kernel width.
func (c *LCCombine) FilterSize() int { return c.filterSize }

// Trims returns the positions removed from the start and end of the
// transposed-convolution output.
func (c *LCCombine) Trims() (int, int) { return c.lTrim, c.rTrim }

// OutputLen returns the decoder timesteps produced for steps latent vectors.
func (c *LCCombine) OutputLen(steps int) int {
	return nn.ConvTranspose1DOutputLen(steps, c.filterSize, c.stride, c.padArg) - c.lTrim - c.rTrim
}

// Forward maps z [B, S, 1] to [B, T, 1].
func (c *LCCombine) Forward(z *nn.Tensor[float64]) (*nn.Tensor[float64], error) {
	if c.geom == nil {
		return nil, fmt.Errorf("%s: %w", c.Name, ErrNoGeometry)
	}
	batch, steps, err := c.checkInput(z)
	if err != nil {
		return nil, err
	}

	var out *nn.Tensor[float64]
	if c.UseGPU {
		out, err = c.forwardGPU(z, batch, steps)
		if err != nil {
			slog.Warn("lccombine: GPU path failed, using CPU", "name", c.Name, "error", err)
			c.UseGPU = false
		}
	}
	if out == nil {
		out = nn.ConvTranspose1DForward(z, c.kernel, steps, 1, 1, c.filterSize, c.stride, c.padArg, batch)
	}

	trimmed := trimTime(out, c.lTrim, c.rTrim)
	return trimmed.Reshape(batch, trimmed.Dim(2), 1), nil
}

// Backward maps dL/dout [B, T, 1] to dL/dz [B, steps, 1]. The kernel is fixed,
// so no parameter gradient is produced.
func (c *LCCombine) Backward(gradOutput *nn.Tensor[float64], steps int) (*nn.Tensor[float64], error) {
	if c.geom == nil {
		return nil, fmt.Errorf("%s: %w", c.Name, ErrNoGeometry)
	}
	if len(gradOutput.Shape) != 3 || gradOutput.Dim(1) != c.OutputLen(steps) || gradOutput.Dim(2) != 1 {
		return nil, fmt.Errorf("%s: gradient shape %v, want [B %d 1]: %w", c.Name, gradOutput.Shape, c.OutputLen(steps), ErrShape)
	}
	batch := gradOutput.Dim(0)
	full := untrimTime(gradOutput.Reshape(batch, 1, gradOutput.Dim(1)), c.lTrim, c.rTrim)

	gradZ, _ := nn.ConvTranspose1DBackward(full, nil, c.kernel,
		steps, 1, 1, c.filterSize, c.stride, c.padArg, batch)
	return gradZ.Reshape(batch, steps, 1), nil
}

func (c *LCCombine) checkInput(z *nn.Tensor[float64]) (batch, steps int, err error) {
	if len(z.Shape) != 3 || z.Dim(2) != 1 {
		return 0, 0, fmt.Errorf("%s: input shape %v, want [B S 1]: %w", c.Name, z.Shape, ErrShape)
	}
	batch, steps = z.Dim(0), z.Dim(1)
	if steps < 1 || c.OutputLen(steps) < 1 {
		return 0, 0, fmt.Errorf("%s: %d latent steps yield no output: %w", c.Name, steps, ErrShape)
	}
	return batch, steps, nil
}

func (c *LCCombine) forwardGPU(z *nn.Tensor[float64], batch, steps int) (*nn.Tensor[float64], error) {
	ctx, err := gpu.GetContext()
	if err != nil {
		return nil, err
	}
	spec := gpu.ConvTranspose1DSpec{
		Batch:      batch,
		SeqLen:     steps,
		KernelSize: c.filterSize,
		Stride:     c.stride,
		Padding:    c.padArg,
		Weights:    nn.ConvertTensor[float32](c.kernel).Data,
	}
	if c.gpuLayer == nil || c.gpuLayer.Spec.Batch != batch || c.gpuLayer.Spec.SeqLen != steps {
		c.releaseGPU()
		if c.gpuLayer, err = gpu.NewConvTranspose1DLayer(ctx, spec, c.Name); err != nil {
			return nil, err
		}
	}
	res, err := c.gpuLayer.Run(ctx, nn.ConvertTensor[float32](z).Data)
	if err != nil {
		return nil, err
	}
	out := nn.NewTensorFromSlice(res, batch, 1, spec.OutputLen())
	return nn.ConvertTensor[float64](out), nil
}

func (c *LCCombine) releaseGPU() {
	if c.gpuLayer != nil {
		c.gpuLayer.Cleanup()
		c.gpuLayer = nil
	}
}

// trimTime drops l positions from the start and r from the end of the last
// axis of x [B, C, N]. r == 0 keeps everything to the end.
func trimTime(x *nn.Tensor[float64], l, r int) *nn.Tensor[float64] {
	batch, ch, n := x.Dim(0), x.Dim(1), x.Dim(2)
	keep := n - l - r
	out := nn.NewTensor[float64](batch, ch, keep)
	for b := 0; b < batch; b++ {
		for k := 0; k < ch; k++ {
			row := x.Data[(b*ch+k)*n : (b*ch+k+1)*n]
			copy(out.Data[(b*ch+k)*keep:(b*ch+k+1)*keep], row[l:n-r])
		}
	}
	return out
}

// untrimTime is the adjoint of trimTime: it zero-pads l and r positions back.
func untrimTime(x *nn.Tensor[float64], l, r int) *nn.Tensor[float64] {
	batch, ch, keep := x.Dim(0), x.Dim(1), x.Dim(2)
	n := keep + l + r
	out := nn.NewTensor[float64](batch, ch, n)
	for b := 0; b < batch; b++ {
		for k := 0; k < ch; k++ {
			copy(out.Data[(b*ch+k)*n+l:(b*ch+k)*n+l+keep], x.Data[(b*ch+k)*keep:(b*ch+k+1)*keep])
		}
	}
	return out
}
