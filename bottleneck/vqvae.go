package bottleneck

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/openfluke/wavae/nn"
)

// VQVAE projects encoder features and snaps each timestep to the nearest
// codebook prototype (van den Oord et al., https://arxiv.org/abs/1711.00937).
//
// Norms[b, t, 0] = ||sg(z_e(x)) - e_q(x)||^2 trains the codebook and
// Norms[b, t, 1] = ||z_e(x) - sg(e_q(x))||^2 is the encoder commitment term.
// Both have the same value; they differ only in where Backward sends the
// gradient. The code's own gradient is copied straight through to z_e(x).
type VQVAE struct {
	Linear   *nn.Projection
	Codebook *Codebook
}

// NewVQVAE builds a VQVAE with nProtos prototypes of dimension nOut.
func NewVQVAE(nIn, nOut, nProtos int, bias bool, rng *rand.Rand) *VQVAE {
	return &VQVAE{
		Linear:   nn.NewProjection("vqvae.linear", nIn, nOut, bias, rng),
		Codebook: NewCodebook("vqvae.codebook", nProtos, nOut, rng),
	}
}

func (v *VQVAE) Encode(x *nn.Tensor[float64]) (*Encoding, error) {
	pre, err := v.Linear.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("vqvae: %w", err)
	}

	code, indices, sqDist := v.Codebook.Nearest(pre)
	batch, steps := pre.Dim(0), pre.Dim(2)
	norms := nn.NewTensor[float64](batch, steps, 2)
	for i, d := range sqDist {
		norms.Data[2*i] = d
		norms.Data[2*i+1] = d
	}

	slog.Debug("vqvae encode", "positions", len(indices), "perplexity", v.Codebook.Perplexity())
	return &Encoding{
		Code:         code,
		Quantization: &VQStats{Indices: indices, Norms: norms},
		pre:          pre,
	}, nil
}

// Backward routes grad.Code straight through to the projection, adds the
// commitment gradient to it and accumulates the codebook gradient.
func (v *VQVAE) Backward(x *nn.Tensor[float64], enc *Encoding, grad *EncodingGrad) (*nn.Tensor[float64], error) {
	if enc.Quantization == nil || grad == nil {
		return nil, fmt.Errorf("vqvae: backward needs quantization statistics and gradients: %w", ErrShape)
	}
	z := enc.pre
	batch, dim, steps := z.Dim(0), z.Dim(1), z.Dim(2)
	if grad.Code != nil && !grad.Code.SameShape(z) {
		return nil, fmt.Errorf("vqvae: code gradient shape %v, want %v: %w", grad.Code.Shape, z.Shape, ErrShape)
	}
	if grad.Norms != nil && !grad.Norms.SameShape(enc.Quantization.Norms) {
		return nil, fmt.Errorf("vqvae: norm gradient shape %v, want %v: %w", grad.Norms.Shape, enc.Quantization.Norms.Shape, ErrShape)
	}

	gradZ := nn.NewTensor[float64](z.Shape...)
	if grad.Code != nil {
		copy(gradZ.Data, grad.Code.Data)
	}

	if grad.Norms != nil {
		protoGrad := v.Codebook.Protos.Grad.Data
		for b := 0; b < batch; b++ {
			for t := 0; t < steps; t++ {
				pos := b*steps + t
				k := enc.Quantization.Indices[pos]
				proto := v.Codebook.Proto(k)
				gProto := grad.Norms.Data[2*pos]
				gEnc := grad.Norms.Data[2*pos+1]
				for d := 0; d < dim; d++ {
					zi := (b*dim+d)*steps + t
					diff := z.Data[zi] - proto[d]
					gradZ.Data[zi] += 2 * diff * gEnc
					protoGrad[k*dim+d] -= 2 * diff * gProto
				}
			}
		}
	}

	return v.Linear.Backward(x, gradZ)
}

func (v *VQVAE) Parameters() []*nn.Parameter {
	return append(v.Linear.Parameters(), v.Codebook.Protos)
}
