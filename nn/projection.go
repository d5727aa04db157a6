package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// =============================================================================
// Pointwise (kernel size 1) Conv1D
// =============================================================================

// Projection is a Conv1D with kernel size 1: a per-timestep linear map
// between channel spaces. Weight is [out][in], Bias is [out].
type Projection struct {
	InChannels  int
	OutChannels int
	Weight      *Parameter
	Bias        *Parameter // nil when built without bias
}

// NewProjection initializes weights from N(0, 1/inChannels) and zero biases.
func NewProjection(name string, inChannels, outChannels int, bias bool, rng *rand.Rand) *Projection {
	p := &Projection{
		InChannels:  inChannels,
		OutChannels: outChannels,
		Weight:      NewParameter(name+".weight", outChannels, inChannels),
	}
	stddev := math.Sqrt(1.0 / float64(inChannels))
	for i := range p.Weight.Value.Data {
		p.Weight.Value.Data[i] = rng.NormFloat64() * stddev
	}
	if bias {
		p.Bias = NewParameter(name+".bias", outChannels)
	}
	return p
}

// Parameters returns the trainable tensors.
func (p *Projection) Parameters() []*Parameter {
	if p.Bias == nil {
		return []*Parameter{p.Weight}
	}
	return []*Parameter{p.Weight, p.Bias}
}

func (p *Projection) checkInput(x *Tensor[float64]) (batch, steps int, err error) {
	if len(x.Shape) != 3 || x.Shape[1] != p.InChannels {
		return 0, 0, fmt.Errorf("projection: input shape %v, want [B %d T]", x.Shape, p.InChannels)
	}
	if x.Shape[0] == 0 || x.Shape[2] == 0 {
		return 0, 0, fmt.Errorf("projection: empty input shape %v", x.Shape)
	}
	return x.Shape[0], x.Shape[2], nil
}

// Forward maps [B, in, T] to [B, out, T].
func (p *Projection) Forward(x *Tensor[float64]) (*Tensor[float64], error) {
	batch, steps, err := p.checkInput(x)
	if err != nil {
		return nil, err
	}

	out := NewTensor[float64](batch, p.OutChannels, steps)
	w := mat.NewDense(p.OutChannels, p.InChannels, p.Weight.Value.Data)
	inSz, outSz := p.InChannels*steps, p.OutChannels*steps

	for b := 0; b < batch; b++ {
		xb := mat.NewDense(p.InChannels, steps, x.Data[b*inSz:(b+1)*inSz])
		yb := mat.NewDense(p.OutChannels, steps, out.Data[b*outSz:(b+1)*outSz])
		yb.Mul(w, xb)

		if p.Bias != nil {
			for c := 0; c < p.OutChannels; c++ {
				row := out.Data[b*outSz+c*steps : b*outSz+(c+1)*steps]
				floats.AddConst(p.Bias.Value.Data[c], row)
			}
		}
	}

	return out, nil
}

// Backward accumulates weight and bias gradients and returns dL/dx.
func (p *Projection) Backward(x, gradOutput *Tensor[float64]) (*Tensor[float64], error) {
	batch, steps, err := p.checkInput(x)
	if err != nil {
		return nil, err
	}
	if gradOutput.Size() != batch*p.OutChannels*steps {
		return nil, fmt.Errorf("projection: gradient shape %v, want [%d %d %d]", gradOutput.Shape, batch, p.OutChannels, steps)
	}

	gradInput := NewTensor[float64](batch, p.InChannels, steps)
	w := mat.NewDense(p.OutChannels, p.InChannels, p.Weight.Value.Data)
	gw := mat.NewDense(p.OutChannels, p.InChannels, p.Weight.Grad.Data)
	inSz, outSz := p.InChannels*steps, p.OutChannels*steps

	var contrib mat.Dense
	for b := 0; b < batch; b++ {
		xb := mat.NewDense(p.InChannels, steps, x.Data[b*inSz:(b+1)*inSz])
		gb := mat.NewDense(p.OutChannels, steps, gradOutput.Data[b*outSz:(b+1)*outSz])

		// dW += G_b X_b^T
		contrib.Reset()
		contrib.Mul(gb, xb.T())
		gw.Add(gw, &contrib)

		// dX_b = W^T G_b
		dx := mat.NewDense(p.InChannels, steps, gradInput.Data[b*inSz:(b+1)*inSz])
		dx.Mul(w.T(), gb)

		if p.Bias != nil {
			for c := 0; c < p.OutChannels; c++ {
				p.Bias.Grad.Data[c] += floats.Sum(gradOutput.Data[b*outSz+c*steps : b*outSz+(c+1)*steps])
			}
		}
	}

	return gradInput, nil
}
