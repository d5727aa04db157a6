// Package bottleneck implements the latent bottlenecks of a WaveNet autoencoder
// (plain AE, VAE and VQ-VAE) and the training objectives that combine their
// low-rate statistics with the decoder's per-sample predictions.
//
// Every layer follows the same pattern as the nn package: Forward/Encode
// returns fresh tensors, Backward takes the forward inputs and outputs
// explicitly, returns the input gradient and accumulates parameter gradients
// into the layer's Parameters.
package bottleneck

import (
	"errors"

	"github.com/openfluke/wavae/nn"
)

var (
	// ErrSampleMultiple means the prediction batch is not a multiple of the
	// number of samples drawn per datapoint.
	ErrSampleMultiple = errors.New("bottleneck: batch size is not a multiple of samples per datapoint")

	// ErrShape is returned for tensors whose shapes do not line up.
	ErrShape = errors.New("bottleneck: shape mismatch")

	// ErrNoGeometry is returned by LCCombine before SetGeometry succeeded.
	ErrNoGeometry = errors.New("bottleneck: geometry not set")
)

// Bottleneck maps encoder features [B, in, T] to a code for the decoder.
type Bottleneck interface {
	Encode(x *nn.Tensor[float64]) (*Encoding, error)
	Backward(x *nn.Tensor[float64], enc *Encoding, grad *EncodingGrad) (*nn.Tensor[float64], error)
	Parameters() []*nn.Parameter
}

// Encoding is the result of one Encode call. Statistics travel with the code
// instead of being cached on the layer, so an objective can only ever see the
// statistics of the code it is scoring.
type Encoding struct {
	Code *nn.Tensor[float64] // [B*L, out, T]

	Gaussian     *GaussianStats // VAE only
	Quantization *VQStats       // VQVAE only

	pre *nn.Tensor[float64] // projection output
}

// ReparameterizationStatistics returns the posterior parameters when the
// bottleneck is variational.
func (e *Encoding) ReparameterizationStatistics() (*GaussianStats, bool) {
	return e.Gaussian, e.Gaussian != nil
}

// GaussianStats holds the diagonal Gaussian posterior of a VAE, already tiled
// SamplesPerDatapoint times along the batch axis.
type GaussianStats struct {
	Mu                  *nn.Tensor[float64] // [B*L, C, T]
	Sigma               *nn.Tensor[float64] // [B*L, C, T], used as a scale
	Epsilon             *nn.Tensor[float64] // [B*L, C, T]
	SamplesPerDatapoint int
}

// VQStats records the prototype chosen at each position and the two
// commitment norms.
type VQStats struct {
	Indices []int               // [B*T], row-major over (b, t)
	Norms   *nn.Tensor[float64] // [B, T, 2]: ||sg(z)-e||^2, ||z-sg(e)||^2
}

// EncodingGrad carries gradients flowing back into a bottleneck. Fields the
// objective does not produce are left nil.
type EncodingGrad struct {
	Code  *nn.Tensor[float64] // from the decoder, shaped like Encoding.Code
	Mu    *nn.Tensor[float64] // from SGVB
	Sigma *nn.Tensor[float64] // from SGVB
	Norms *nn.Tensor[float64] // from VQObjective, shaped like VQStats.Norms
}
