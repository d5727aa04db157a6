package bottleneck

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/openfluke/wavae/nn"
	"github.com/openfluke/wavae/rfield"
)

// SGVB is the Monte-Carlo estimate of the variational lower bound from
// equation 8 of Kingma & Welling, https://arxiv.org/abs/1312.6114, using the
// closed-form Gaussian KL of their Appendix B.
//
// The encoder produces one latent vector per Combine.Stride() decoder
// timesteps while the decoder predicts every timestep. The per-vector KL term
// is spread onto the decoder timeline with LCCombine, so each output timestep
// carries the KL of every latent vector in its receptive field.
//
// Only the log-probability of the target quantum enters the reconstruction
// term, unlike a cross-entropy over all levels.
type SGVB struct {
	Combine *LCCombine
}

// SGVBGrad holds the gradients of the SGVB estimate.
type SGVBGrad struct {
	LogPred *nn.Tensor[float64] // [B*L, T, Q]
	Mu      *nn.Tensor[float64] // [B*L, C, S]
	Sigma   *nn.Tensor[float64] // [B*L, C, S]
}

// EncodingGrad packages the statistic gradients for VAE.Backward together
// with the decoder's gradient on the code, which may be nil.
func (g *SGVBGrad) EncodingGrad(code *nn.Tensor[float64]) *EncodingGrad {
	return &EncodingGrad{Code: code, Mu: g.Mu, Sigma: g.Sigma}
}

// NewSGVB returns an objective with no geometry; call SetGeometry before use.
func NewSGVB() *SGVB {
	return &SGVB{Combine: NewLCCombine("sgvb.combine")}
}

// SetGeometry configures the KL upsampling between the latent timeline (beg)
// and the decoder output (end).
func (s *SGVB) SetGeometry(beg, end *rfield.Field) error {
	return s.Combine.SetGeometry(beg, end)
}

// Forward returns the minibatch SGVB estimate (higher is better; negate it
// for a loss). logPred is [B*L, T, Q] log-probabilities, target is [B, T]
// quantum indices and stats are the Gaussian statistics of the code the
// decoder consumed.
func (s *SGVB) Forward(logPred *nn.Tensor[float64], target *nn.Tensor[int], stats *GaussianStats) (float64, error) {
	if err := s.check(logPred, stats); err != nil {
		return 0, err
	}
	combined, err := s.Combine.Forward(negKL(stats))
	if err != nil {
		return 0, err
	}
	lp, _, err := gatherTarget(logPred, target, stats.SamplesPerDatapoint)
	if err != nil {
		return 0, fmt.Errorf("sgvb: %w", err)
	}
	if combined.Size() != len(lp) {
		return 0, fmt.Errorf("sgvb: KL covers %d timesteps, predictions %d: %w",
			combined.Dim(1), logPred.Dim(1), ErrShape)
	}

	var sum float64
	for i, v := range lp {
		sum += combined.Data[i] + v
	}
	elbo := sum / float64(len(lp))
	if math.IsNaN(elbo) || math.IsInf(elbo, 0) {
		slog.Warn("sgvb: non-finite estimate, sigma must be positive", "value", elbo)
	}
	return elbo, nil
}

// Backward returns the gradients of dOut * Forward(...).
func (s *SGVB) Backward(logPred *nn.Tensor[float64], target *nn.Tensor[int], stats *GaussianStats, dOut float64) (*SGVBGrad, error) {
	if err := s.check(logPred, stats); err != nil {
		return nil, err
	}
	_, index, err := gatherTarget(logPred, target, stats.SamplesPerDatapoint)
	if err != nil {
		return nil, fmt.Errorf("sgvb: %w", err)
	}

	n := float64(len(index))
	grad := &SGVBGrad{
		LogPred: nn.NewTensor[float64](logPred.Shape...),
		Mu:      nn.NewTensor[float64](stats.Mu.Shape...),
		Sigma:   nn.NewTensor[float64](stats.Sigma.Shape...),
	}
	for _, i := range index {
		grad.LogPred.Data[i] = dOut / n
	}

	batch, ch, steps := stats.Mu.Dim(0), stats.Mu.Dim(1), stats.Mu.Dim(2)
	if s.Combine.OutputLen(steps) != logPred.Dim(1) {
		return nil, fmt.Errorf("sgvb: KL covers %d timesteps, predictions %d: %w",
			s.Combine.OutputLen(steps), logPred.Dim(1), ErrShape)
	}
	gradCombined := nn.NewTensor[float64](batch, logPred.Dim(1), 1)
	gradCombined.Fill(dOut / n)
	gradKL, err := s.Combine.Backward(gradCombined, steps)
	if err != nil {
		return nil, err
	}

	// d/dmu = -mu, d/dsigma = 1/sigma - sigma, per unit of negKL
	for b := 0; b < batch; b++ {
		for c := 0; c < ch; c++ {
			for t := 0; t < steps; t++ {
				i := (b*ch+c)*steps + t
				g := gradKL.Data[b*steps+t]
				mu, sigma := stats.Mu.Data[i], stats.Sigma.Data[i]
				grad.Mu.Data[i] = -mu * g
				grad.Sigma.Data[i] = (1/sigma - sigma) * g
			}
		}
	}
	return grad, nil
}

func (s *SGVB) check(logPred *nn.Tensor[float64], stats *GaussianStats) error {
	if stats == nil {
		return fmt.Errorf("sgvb: no gaussian statistics: %w", ErrShape)
	}
	if len(logPred.Shape) != 3 {
		return fmt.Errorf("sgvb: log_pred shape %v, want [B*L T Q]: %w", logPred.Shape, ErrShape)
	}
	L := stats.SamplesPerDatapoint
	if L < 1 || logPred.Dim(0)%L != 0 {
		return fmt.Errorf("sgvb: log_pred batch %d, %d samples per datapoint: %w", logPred.Dim(0), L, ErrSampleMultiple)
	}
	if !stats.Mu.SameShape(stats.Sigma) || len(stats.Mu.Shape) != 3 || stats.Mu.Dim(0) != logPred.Dim(0) {
		return fmt.Errorf("sgvb: mu %v, sigma %v, log_pred %v: %w", stats.Mu.Shape, stats.Sigma.Shape, logPred.Shape, ErrShape)
	}
	return nil
}

// negKL returns -D_KL(N(mu, sigma^2) || N(0, 1)) per latent vector, [B, S, 1].
func negKL(stats *GaussianStats) *nn.Tensor[float64] {
	batch, ch, steps := stats.Mu.Dim(0), stats.Mu.Dim(1), stats.Mu.Dim(2)
	out := nn.NewTensor[float64](batch, steps, 1)
	for b := 0; b < batch; b++ {
		for c := 0; c < ch; c++ {
			for t := 0; t < steps; t++ {
				i := (b*ch+c)*steps + t
				mu, sigma := stats.Mu.Data[i], stats.Sigma.Data[i]
				sq := sigma * sigma
				out.Data[b*steps+t] += 0.5 * (1 + math.Log(sq) - mu*mu - sq)
			}
		}
	}
	return out
}
