// Package rfield describes the receptive-field geometry of 1D convolutional
// stacks and condenses a chain of stages into a single mapping between the
// chain's input timeline and its output timeline.
package rfield

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrInconsistent is returned when stage parameters are invalid or a chain
	// has no exact condensed form.
	ErrInconsistent = errors.New("rfield: geometrically inconsistent")

	// ErrNotAncestor is returned when the begin stage is not on the end stage's parent chain.
	ErrNotAncestor = errors.New("rfield: begin stage is not an ancestor of end stage")
)

// Kind distinguishes strided convolutions from transposed (upsampling) ones.
type Kind int

const (
	KindConv     Kind = 0 // output j reads input [j*stride - lpad, j*stride - lpad + filter - 1]
	KindUpsample Kind = 1 // transposed conv, stride outputs per input
)

func (k Kind) String() string {
	if k == KindUpsample {
		return "upsample"
	}
	return "conv"
}

// Field is one stage of a convolutional stack. Stages link to the stage that
// feeds them through Parent.
//
// For KindConv, LeftPad/RightPad are zero padding added to the input.
// For KindUpsample, they are the number of positions trimmed from the left and
// right of the full transposed-convolution output.
type Field struct {
	Name       string
	Kind       Kind
	FilterSize int
	Stride     int
	LeftPad    int
	RightPad   int
	Parent     *Field
}

// NewConv appends a strided convolution stage after parent (which may be nil).
func NewConv(parent *Field, name string, filterSize, stride, lPad, rPad int) *Field {
	return &Field{
		Name:       name,
		Kind:       KindConv,
		FilterSize: filterSize,
		Stride:     stride,
		LeftPad:    lPad,
		RightPad:   rPad,
		Parent:     parent,
	}
}

// NewUpsample appends a transposed convolution stage after parent.
func NewUpsample(parent *Field, name string, filterSize, stride, lTrim, rTrim int) *Field {
	return &Field{
		Name:       name,
		Kind:       KindUpsample,
		FilterSize: filterSize,
		Stride:     stride,
		LeftPad:    lTrim,
		RightPad:   rTrim,
		Parent:     parent,
	}
}

func (f *Field) String() string {
	return fmt.Sprintf("%s(%s k=%d s=%d pad=%d,%d)", f.Name, f.Kind, f.FilterSize, f.Stride, f.LeftPad, f.RightPad)
}

func (f *Field) validate() error {
	if f.FilterSize < 1 || f.Stride < 1 || f.LeftPad < 0 || f.RightPad < 0 {
		return fmt.Errorf("%w: invalid stage %s", ErrInconsistent, f)
	}
	return nil
}

// Ratio is the number of input positions advanced per output position.
func (f *Field) Ratio() *big.Rat {
	if f.Kind == KindUpsample {
		return big.NewRat(1, int64(f.Stride))
	}
	return big.NewRat(int64(f.Stride), 1)
}

// InputRange returns the inclusive range of input positions that output
// positions lo..hi depend on. Positions may fall outside the real input
// (into padding).
func (f *Field) InputRange(lo, hi int) (int, int) {
	if f.Kind == KindUpsample {
		return ceilDiv(lo+f.LeftPad-f.FilterSize+1, f.Stride), floorDiv(hi+f.LeftPad, f.Stride)
	}
	return lo*f.Stride - f.LeftPad, hi*f.Stride - f.LeftPad + f.FilterSize - 1
}

// outputLen is the unclamped output length for n inputs.
func (f *Field) outputLen(n int) int {
	if f.Kind == KindUpsample {
		return (n-1)*f.Stride + f.FilterSize - f.LeftPad - f.RightPad
	}
	return floorDiv(n+f.LeftPad+f.RightPad-f.FilterSize, f.Stride) + 1
}

// OutputLen is the number of outputs this stage produces for n inputs.
func (f *Field) OutputLen(n int) int {
	return max(f.outputLen(n), 0)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}

func ceilDiv(a, b int) int {
	return -floorDiv(-a, b)
}
