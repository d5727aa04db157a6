package rfield

import (
	"fmt"
	"log/slog"
	"math/big"
)

// Condensed is the composite geometry of a chain of stages, from the input of
// the begin stage to the output of the end stage.
//
// Output position j = m*Period + q depends on input positions
// Lo[q] + m*Step .. Hi[q] + m*Step.
type Condensed struct {
	Name        string
	StrideRatio *big.Rat // input positions per output position, reduced
	Period      int      // product of upsample strides
	Step        int      // product of conv strides; Step/Period == StrideRatio
	Lo, Hi      []int

	stages []*Field // begin first
}

// Condense composes the stages from beg to end. It fails with ErrNotAncestor
// when beg is not reachable from end through Parent links, and with
// ErrInconsistent when a stage is invalid or the composite map is not periodic
// in StrideRatio.
func Condense(beg, end *Field, name string) (*Condensed, error) {
	if beg == nil || end == nil {
		return nil, fmt.Errorf("%w: %s needs both ends of the chain", ErrNotAncestor, name)
	}
	var stages []*Field
	for f := end; ; f = f.Parent {
		if f == nil {
			return nil, fmt.Errorf("%w: %s from %s", ErrNotAncestor, end.Name, beg.Name)
		}
		if err := f.validate(); err != nil {
			return nil, err
		}
		stages = append([]*Field{f}, stages...)
		if f == beg {
			break
		}
	}

	// Period is kept unreduced: conv strides may cancel part of the upsampling
	// ratio, but the map still repeats only every Period outputs.
	ratio := big.NewRat(1, 1)
	period, step := big.NewInt(1), big.NewInt(1)
	for _, f := range stages {
		ratio.Mul(ratio, f.Ratio())
		if f.Kind == KindUpsample {
			period.Mul(period, big.NewInt(int64(f.Stride)))
		} else {
			step.Mul(step, big.NewInt(int64(f.Stride)))
		}
	}
	if !period.IsInt64() || !step.IsInt64() {
		return nil, fmt.Errorf("%w: stride ratio %s overflows", ErrInconsistent, ratio.RatString())
	}

	c := &Condensed{
		Name:        name,
		StrideRatio: ratio,
		Period:      int(period.Int64()),
		Step:        int(step.Int64()),
		stages:      stages,
	}
	c.Lo = make([]int, c.Period)
	c.Hi = make([]int, c.Period)

	for q := 0; q < c.Period; q++ {
		lo, hi := c.trace(q)
		if lo > hi {
			return nil, fmt.Errorf("%w: %s output %d reads no input", ErrInconsistent, name, q)
		}
		c.Lo[q], c.Hi[q] = lo, hi

		nlo, nhi := c.trace(q + c.Period)
		if nlo != lo+c.Step || nhi != hi+c.Step {
			return nil, fmt.Errorf("%w: %s is not periodic in %s", ErrInconsistent, name, ratio.RatString())
		}
	}

	slog.Debug("condensed receptive field", "name", name, "stages", len(stages),
		"ratio", ratio.RatString(), "lo", c.Lo, "hi", c.Hi)
	return c, nil
}

// trace maps an end output position back through every stage.
func (c *Condensed) trace(j int) (int, int) {
	lo, hi := j, j
	for i := len(c.stages) - 1; i >= 0; i-- {
		lo, hi = c.stages[i].InputRange(lo, hi)
	}
	return lo, hi
}

// InputRange returns the inclusive input range that output position j depends on.
func (c *Condensed) InputRange(j int) (int, int) {
	m := floorDiv(j, c.Period)
	q := j - m*c.Period
	return c.Lo[q] + m*c.Step, c.Hi[q] + m*c.Step
}

// outputLen is the unclamped composite output length; it may be negative
// when n inputs are not enough to produce any output.
func (c *Condensed) outputLen(n int) int {
	for _, f := range c.stages {
		n = f.outputLen(n)
	}
	return n
}

// OutputLen returns the number of end outputs for n begin inputs.
func (c *Condensed) OutputLen(n int) int {
	return max(c.outputLen(n), 0)
}

// Stages returns the chain, begin first.
func (c *Condensed) Stages() []*Field {
	return append([]*Field(nil), c.stages...)
}
