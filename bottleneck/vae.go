package bottleneck

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/openfluke/wavae/nn"
)

// VAE is a Gaussian bottleneck trained with the reparameterization trick.
// The projection produces 2*nOut channels: the first half is the mean, the
// second half the scale.
type VAE struct {
	Linear *nn.Projection

	// SamplesPerDatapoint is L in equation 7 of Kingma & Welling,
	// https://arxiv.org/abs/1312.6114. Each datapoint is sampled L times and
	// the batch axis of the code grows by that factor.
	SamplesPerDatapoint int

	// SigmaActivation is applied to the scale half of the projection.
	// ActivationLinear uses it as-is, so nothing keeps sigma positive;
	// ActivationSoftplus does.
	SigmaActivation nn.ActivationType

	Rand *rand.Rand
}

// NewVAE builds a VAE drawing its noise from rng.
func NewVAE(nIn, nOut, samplesPerDatapoint int, bias bool, rng *rand.Rand) *VAE {
	return &VAE{
		Linear:              nn.NewProjection("vae.linear", nIn, 2*nOut, bias, rng),
		SamplesPerDatapoint: max(samplesPerDatapoint, 1),
		SigmaActivation:     nn.ActivationLinear,
		Rand:                rng,
	}
}

// Encode maps x [B, in, T] to samples [B*L, out, T] = sigma*epsilon + mu and
// returns mu, sigma and epsilon alongside.
func (v *VAE) Encode(x *nn.Tensor[float64]) (*Encoding, error) {
	pre, err := v.Linear.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("vae: %w", err)
	}

	mu, rawSigma := splitChannels(pre)
	sigma := nn.ActivateTensor(rawSigma, v.SigmaActivation)
	if !nn.AllFinite(pre.Data) {
		slog.Warn("vae: non-finite encoder statistics", "shape", pre.Shape)
	}

	L := v.SamplesPerDatapoint
	if L > 1 {
		mu = mu.Repeat(L)
		sigma = sigma.Repeat(L)
	}

	epsilon := nn.NewTensor[float64](mu.Shape...)
	samples := nn.NewTensor[float64](mu.Shape...)
	for i := range samples.Data {
		epsilon.Data[i] = v.Rand.NormFloat64()
		samples.Data[i] = sigma.Data[i]*epsilon.Data[i] + mu.Data[i]
	}

	return &Encoding{
		Code: samples,
		Gaussian: &GaussianStats{
			Mu:                  mu,
			Sigma:               sigma,
			Epsilon:             epsilon,
			SamplesPerDatapoint: L,
		},
		pre: pre,
	}, nil
}

// Backward combines the decoder's gradient on the samples with the
// objective's gradients on mu and sigma and propagates them to x.
func (v *VAE) Backward(x *nn.Tensor[float64], enc *Encoding, grad *EncodingGrad) (*nn.Tensor[float64], error) {
	stats, ok := enc.ReparameterizationStatistics()
	if !ok || grad == nil {
		return nil, fmt.Errorf("vae: backward needs gaussian statistics and gradients: %w", ErrShape)
	}

	gradMu := nn.NewTensor[float64](stats.Mu.Shape...)
	gradSigma := nn.NewTensor[float64](stats.Sigma.Shape...)
	for _, g := range []*nn.Tensor[float64]{grad.Code, grad.Mu, grad.Sigma} {
		if g != nil && !g.SameShape(gradMu) {
			return nil, fmt.Errorf("vae: gradient shape %v, want %v: %w", g.Shape, gradMu.Shape, ErrShape)
		}
	}

	for i := range gradMu.Data {
		if grad.Code != nil {
			gradMu.Data[i] += grad.Code.Data[i]
			gradSigma.Data[i] += grad.Code.Data[i] * stats.Epsilon.Data[i]
		}
		if grad.Mu != nil {
			gradMu.Data[i] += grad.Mu.Data[i]
		}
		if grad.Sigma != nil {
			gradSigma.Data[i] += grad.Sigma.Data[i]
		}
	}

	L := stats.SamplesPerDatapoint
	if L > 1 {
		gradMu = gradMu.FoldRepeat(L)
		gradSigma = gradSigma.FoldRepeat(L)
	}

	_, rawSigma := splitChannels(enc.pre)
	for i, g := range gradSigma.Data {
		gradSigma.Data[i] = g * nn.ActivateDerivative(rawSigma.Data[i], v.SigmaActivation)
	}

	return v.Linear.Backward(x, joinChannels(gradMu, gradSigma))
}

func (v *VAE) Parameters() []*nn.Parameter {
	return v.Linear.Parameters()
}

// splitChannels splits [B, 2C, T] into the first and second channel halves.
func splitChannels(x *nn.Tensor[float64]) (first, second *nn.Tensor[float64]) {
	batch, ch, steps := x.Dim(0), x.Dim(1)/2, x.Dim(2)
	first = nn.NewTensor[float64](batch, ch, steps)
	second = nn.NewTensor[float64](batch, ch, steps)
	half := ch * steps
	for b := 0; b < batch; b++ {
		copy(first.Data[b*half:(b+1)*half], x.Data[2*b*half:(2*b+1)*half])
		copy(second.Data[b*half:(b+1)*half], x.Data[(2*b+1)*half:(2*b+2)*half])
	}
	return first, second
}

// joinChannels is the inverse of splitChannels.
func joinChannels(first, second *nn.Tensor[float64]) *nn.Tensor[float64] {
	batch, ch, steps := first.Dim(0), first.Dim(1), first.Dim(2)
	out := nn.NewTensor[float64](batch, 2*ch, steps)
	half := ch * steps
	for b := 0; b < batch; b++ {
		copy(out.Data[2*b*half:(2*b+1)*half], first.Data[b*half:(b+1)*half])
		copy(out.Data[(2*b+1)*half:(2*b+2)*half], second.Data[b*half:(b+1)*half])
	}
	return out
}
