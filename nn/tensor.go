package nn

import "fmt"

// Numeric is the set of element types a Tensor can hold.
type Numeric interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Tensor is a dense row-major array with an explicit shape.
// Convolution activations are stored channels-first: [batch][channels][time].
type Tensor[T Numeric] struct {
	Data  []T
	Shape []int
}

// NewTensor allocates a zeroed tensor with the given shape.
func NewTensor[T Numeric](shape ...int) *Tensor[T] {
	return &Tensor[T]{
		Data:  make([]T, shapeSize(shape)),
		Shape: append([]int(nil), shape...),
	}
}

// NewTensorFromSlice wraps data without copying.
// The shape must cover exactly len(data) elements.
func NewTensorFromSlice[T Numeric](data []T, shape ...int) *Tensor[T] {
	if shapeSize(shape) != len(data) {
		panic(fmt.Sprintf("nn: shape %v does not match %d elements", shape, len(data)))
	}
	return &Tensor[T]{Data: data, Shape: append([]int(nil), shape...)}
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Size returns the number of elements.
func (t *Tensor[T]) Size() int {
	return len(t.Data)
}

// Dim returns the extent of axis i.
func (t *Tensor[T]) Dim(i int) int {
	return t.Shape[i]
}

// Clone returns a deep copy.
func (t *Tensor[T]) Clone() *Tensor[T] {
	data := make([]T, len(t.Data))
	copy(data, t.Data)
	return &Tensor[T]{Data: data, Shape: append([]int(nil), t.Shape...)}
}

// Reshape returns a view with a new shape sharing the same data,
// or nil when the element count differs.
func (t *Tensor[T]) Reshape(shape ...int) *Tensor[T] {
	if shapeSize(shape) != len(t.Data) {
		return nil
	}
	return &Tensor[T]{Data: t.Data, Shape: append([]int(nil), shape...)}
}

// SameShape reports whether both tensors have identical shapes.
func (t *Tensor[T]) SameShape(o *Tensor[T]) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Fill sets every element to v.
func (t *Tensor[T]) Fill(v T) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Repeat tiles the tensor n times along axis 0, like torch's repeat(n, 1, ...).
func (t *Tensor[T]) Repeat(n int) *Tensor[T] {
	shape := append([]int(nil), t.Shape...)
	shape[0] *= n
	out := &Tensor[T]{Data: make([]T, 0, len(t.Data)*n), Shape: shape}
	for i := 0; i < n; i++ {
		out.Data = append(out.Data, t.Data...)
	}
	return out
}

// FoldRepeat is the adjoint of Repeat: it sums the n tiles along axis 0.
func (t *Tensor[T]) FoldRepeat(n int) *Tensor[T] {
	shape := append([]int(nil), t.Shape...)
	shape[0] /= n
	out := NewTensor[T](shape...)
	tile := len(out.Data)
	for i, v := range t.Data {
		out.Data[i%tile] += v
	}
	return out
}

// ConvertTensor converts element types, e.g. float64 activations to float32 GPU buffers.
func ConvertTensor[Dst, Src Numeric](src *Tensor[Src]) *Tensor[Dst] {
	out := &Tensor[Dst]{Data: make([]Dst, len(src.Data)), Shape: append([]int(nil), src.Shape...)}
	for i, v := range src.Data {
		out.Data[i] = Dst(v)
	}
	return out
}
