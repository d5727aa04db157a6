package bottleneck

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/wavae/nn"
)

// AE is a deterministic bottleneck: a single pointwise projection.
type AE struct {
	Linear *nn.Projection
}

// NewAE builds an AE mapping nIn channels to nOut.
func NewAE(nIn, nOut int, bias bool, rng *rand.Rand) *AE {
	return &AE{Linear: nn.NewProjection("ae.linear", nIn, nOut, bias, rng)}
}

// Encode projects x [B, in, T] to the code [B, out, T].
func (a *AE) Encode(x *nn.Tensor[float64]) (*Encoding, error) {
	out, err := a.Linear.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("ae: %w", err)
	}
	return &Encoding{Code: out, pre: out}, nil
}

// Backward propagates the code gradient to x; the AE has no statistics.
func (a *AE) Backward(x *nn.Tensor[float64], enc *Encoding, grad *EncodingGrad) (*nn.Tensor[float64], error) {
	if grad == nil || grad.Code == nil {
		return nil, fmt.Errorf("ae: missing code gradient: %w", ErrShape)
	}
	return a.Linear.Backward(x, grad.Code)
}

func (a *AE) Parameters() []*nn.Parameter {
	return a.Linear.Parameters()
}
