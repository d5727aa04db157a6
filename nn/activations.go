package nn

import (
	"math"
)

// ActivationType selects an element-wise nonlinearity.
type ActivationType int

const (
	ActivationLinear    ActivationType = 0 // v
	ActivationSoftplus  ActivationType = 1 // log(1 + exp(v))
	ActivationSigmoid   ActivationType = 2 // 1 / (1 + exp(-v))
	ActivationTanh      ActivationType = 3 // tanh(v)
	ActivationLeakyReLU ActivationType = 4 // v if v >= 0, else v * 0.1
)

// String names the activation for logs.
func (a ActivationType) String() string {
	switch a {
	case ActivationLinear:
		return "linear"
	case ActivationSoftplus:
		return "softplus"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationTanh:
		return "tanh"
	case ActivationLeakyReLU:
		return "leaky_relu"
	default:
		return "unknown"
	}
}

// Activate applies the activation function to a single value.
func Activate[T Numeric](v T, activation ActivationType) T {
	x := float64(v)
	switch activation {
	case ActivationSoftplus:
		// log1p(exp(x)) overflows for large x; softplus(x) -> x there
		if x > 30 {
			return v
		}
		return T(math.Log1p(math.Exp(x)))
	case ActivationSigmoid:
		return T(1.0 / (1.0 + math.Exp(-x)))
	case ActivationTanh:
		return T(math.Tanh(x))
	case ActivationLeakyReLU:
		if x < 0 {
			return T(x * 0.1)
		}
		return v
	default:
		return v
	}
}

// ActivateDerivative computes the derivative of the activation function
// with respect to the PRE-activation value.
func ActivateDerivative[T Numeric](preActivation T, activation ActivationType) T {
	x := float64(preActivation)
	switch activation {
	case ActivationSoftplus:
		// d/dv log(1 + e^v) = sigmoid(v)
		return T(1.0 / (1.0 + math.Exp(-x)))
	case ActivationSigmoid:
		sig := 1.0 / (1.0 + math.Exp(-x))
		return T(sig * (1.0 - sig))
	case ActivationTanh:
		t := math.Tanh(x)
		return T(1.0 - t*t)
	case ActivationLeakyReLU:
		if x >= 0 {
			return 1
		}
		slope := 0.1
		return T(slope)
	default:
		return 1
	}
}

// ActivateTensor applies the activation element-wise into a new tensor.
func ActivateTensor[T Numeric](t *Tensor[T], activation ActivationType) *Tensor[T] {
	out := NewTensor[T](t.Shape...)
	for i, v := range t.Data {
		out.Data[i] = Activate(v, activation)
	}
	return out
}
