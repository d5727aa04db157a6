package bottleneck

import (
	"fmt"

	"github.com/openfluke/wavae/nn"
	"github.com/openfluke/wavae/rfield"
)

// gatherTarget picks logPred[b, t, target[b mod B, t]] for every (b, t) of
// logPred [B*L, T, Q]. target [B, T] is implicitly repeated L times along the
// batch axis. It returns the values and their flat indices into logPred.Data.
func gatherTarget(logPred *nn.Tensor[float64], target *nn.Tensor[int], L int) ([]float64, []int, error) {
	if len(target.Shape) != 2 {
		return nil, nil, fmt.Errorf("target shape %v, want [B T]: %w", target.Shape, ErrShape)
	}
	bl, steps, nq := logPred.Dim(0), logPred.Dim(1), logPred.Dim(2)
	batch := target.Dim(0)
	if batch*L != bl || target.Dim(1) != steps {
		return nil, nil, fmt.Errorf("target shape %v repeated %d times does not match log_pred %v: %w",
			target.Shape, L, logPred.Shape, ErrShape)
	}

	values := make([]float64, bl*steps)
	index := make([]int, bl*steps)
	for b := 0; b < bl; b++ {
		for t := 0; t < steps; t++ {
			q := target.Data[(b%batch)*steps+t]
			if q < 0 || q >= nq {
				return nil, nil, fmt.Errorf("target %d at (%d, %d) outside [0, %d): %w", q, b%batch, t, nq, ErrShape)
			}
			i := (b*steps+t)*nq + q
			values[b*steps+t] = logPred.Data[i]
			index[b*steps+t] = i
		}
	}
	return values, index, nil
}

// =============================================================================
// VQ-VAE objective
// =============================================================================

// VQObjective is the VQ-VAE loss (lower is better):
//
//	mean(-log p(target) + ||sg(z)-e||^2 + Beta * ||z-sg(e)||^2)
//
// with both norms spread onto the decoder timeline by LCCombine.
type VQObjective struct {
	Combine *LCCombine
	Beta    float64
}

// DefaultBeta is the commitment weight used by van den Oord et al.
const DefaultBeta = 0.25

// VQGrad holds the gradients of the VQ-VAE loss.
type VQGrad struct {
	LogPred *nn.Tensor[float64] // [B, T, Q]
	Norms   *nn.Tensor[float64] // [B, S, 2]
}

// EncodingGrad packages the norm gradients for VQVAE.Backward together with
// the decoder's gradient on the code.
func (g *VQGrad) EncodingGrad(code *nn.Tensor[float64]) *EncodingGrad {
	return &EncodingGrad{Code: code, Norms: g.Norms}
}

// NewVQObjective returns an objective with DefaultBeta and no geometry.
func NewVQObjective() *VQObjective {
	return &VQObjective{Combine: NewLCCombine("vq.combine"), Beta: DefaultBeta}
}

// SetGeometry configures the norm upsampling, as for SGVB.
func (o *VQObjective) SetGeometry(beg, end *rfield.Field) error {
	return o.Combine.SetGeometry(beg, end)
}

// Forward returns the loss for logPred [B, T, Q], target [B, T] and the
// statistics of the quantized code.
func (o *VQObjective) Forward(logPred *nn.Tensor[float64], target *nn.Tensor[int], stats *VQStats) (float64, error) {
	if err := checkVQ(logPred, stats); err != nil {
		return 0, err
	}
	lp, _, err := gatherTarget(logPred, target, 1)
	if err != nil {
		return 0, fmt.Errorf("vq: %w", err)
	}
	codebookTerm, err := o.Combine.Forward(normChannel(stats.Norms, 0))
	if err != nil {
		return 0, err
	}
	commitTerm, err := o.Combine.Forward(normChannel(stats.Norms, 1))
	if err != nil {
		return 0, err
	}
	if codebookTerm.Size() != len(lp) {
		return 0, fmt.Errorf("vq: norms cover %d timesteps, predictions %d: %w",
			codebookTerm.Dim(1), logPred.Dim(1), ErrShape)
	}

	var sum float64
	for i, v := range lp {
		sum += -v + codebookTerm.Data[i] + o.Beta*commitTerm.Data[i]
	}
	return sum / float64(len(lp)), nil
}

// Backward returns the gradients of dOut * Forward(...).
func (o *VQObjective) Backward(logPred *nn.Tensor[float64], target *nn.Tensor[int], stats *VQStats, dOut float64) (*VQGrad, error) {
	if err := checkVQ(logPred, stats); err != nil {
		return nil, err
	}
	_, index, err := gatherTarget(logPred, target, 1)
	if err != nil {
		return nil, fmt.Errorf("vq: %w", err)
	}
	batch, steps := stats.Norms.Dim(0), stats.Norms.Dim(1)
	if o.Combine.OutputLen(steps) != logPred.Dim(1) {
		return nil, fmt.Errorf("vq: norms cover %d timesteps, predictions %d: %w",
			o.Combine.OutputLen(steps), logPred.Dim(1), ErrShape)
	}

	n := float64(len(index))
	grad := &VQGrad{
		LogPred: nn.NewTensor[float64](logPred.Shape...),
		Norms:   nn.NewTensor[float64](stats.Norms.Shape...),
	}
	for _, i := range index {
		grad.LogPred.Data[i] = -dOut / n
	}

	upstream := nn.NewTensor[float64](batch, logPred.Dim(1), 1)
	upstream.Fill(dOut / n)
	g, err := o.Combine.Backward(upstream, steps)
	if err != nil {
		return nil, err
	}
	for i, v := range g.Data {
		grad.Norms.Data[2*i] = v
		grad.Norms.Data[2*i+1] = o.Beta * v
	}
	return grad, nil
}

func checkVQ(logPred *nn.Tensor[float64], stats *VQStats) error {
	if stats == nil || stats.Norms == nil {
		return fmt.Errorf("vq: no quantization statistics: %w", ErrShape)
	}
	if len(logPred.Shape) != 3 || len(stats.Norms.Shape) != 3 || stats.Norms.Dim(2) != 2 ||
		stats.Norms.Dim(0) != logPred.Dim(0) {
		return fmt.Errorf("vq: log_pred %v, norms %v: %w", logPred.Shape, stats.Norms.Shape, ErrShape)
	}
	return nil
}

// normChannel extracts norms[:, :, k] as [B, S, 1].
func normChannel(norms *nn.Tensor[float64], k int) *nn.Tensor[float64] {
	out := nn.NewTensor[float64](norms.Dim(0), norms.Dim(1), 1)
	for i := range out.Data {
		out.Data[i] = norms.Data[2*i+k]
	}
	return out
}

// =============================================================================
// Plain reconstruction
// =============================================================================

// Reconstruction is the autoencoder loss mean(-log p(target)) over [B, T].
type Reconstruction struct{}

// Forward returns the loss for logPred [B, T, Q] and target [B, T].
func (Reconstruction) Forward(logPred *nn.Tensor[float64], target *nn.Tensor[int]) (float64, error) {
	if len(logPred.Shape) != 3 {
		return 0, fmt.Errorf("reconstruction: log_pred shape %v, want [B T Q]: %w", logPred.Shape, ErrShape)
	}
	lp, _, err := gatherTarget(logPred, target, 1)
	if err != nil {
		return 0, fmt.Errorf("reconstruction: %w", err)
	}
	var sum float64
	for _, v := range lp {
		sum -= v
	}
	return sum / float64(len(lp)), nil
}

// Backward returns dOut times the gradient of Forward with respect to logPred.
func (Reconstruction) Backward(logPred *nn.Tensor[float64], target *nn.Tensor[int], dOut float64) (*nn.Tensor[float64], error) {
	if len(logPred.Shape) != 3 {
		return nil, fmt.Errorf("reconstruction: log_pred shape %v, want [B T Q]: %w", logPred.Shape, ErrShape)
	}
	_, index, err := gatherTarget(logPred, target, 1)
	if err != nil {
		return nil, fmt.Errorf("reconstruction: %w", err)
	}
	grad := nn.NewTensor[float64](logPred.Shape...)
	for _, i := range index {
		grad.Data[i] = -dOut / float64(len(index))
	}
	return grad, nil
}
