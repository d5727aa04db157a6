package nn

// Parameter is a trainable tensor with its accumulated gradient.
// Backward passes add into Grad; callers zero it between steps.
type Parameter struct {
	Name  string
	Value *Tensor[float64]
	Grad  *Tensor[float64]
}

// NewParameter allocates a zeroed parameter and gradient of the given shape.
func NewParameter(name string, shape ...int) *Parameter {
	return &Parameter{
		Name:  name,
		Value: NewTensor[float64](shape...),
		Grad:  NewTensor[float64](shape...),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Fill(0)
}

// ZeroGradients clears every parameter's gradient.
func ZeroGradients(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// CountParameters returns the total number of scalar weights.
func CountParameters(params []*Parameter) int {
	n := 0
	for _, p := range params {
		n += p.Value.Size()
	}
	return n
}
