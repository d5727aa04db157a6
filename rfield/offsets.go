package rfield

import "fmt"

// window describes an integer-upsampling geometry: output t depends on low-rate
// positions ceil((t-left)/stride) .. floor((t+right)/stride).
type window struct {
	stride int
	left   int
	right  int
}

func (c *Condensed) window() (window, error) {
	if c.Step != 1 {
		return window{}, fmt.Errorf("%w: %s has stride ratio %s, want 1/n", ErrInconsistent, c.Name, c.StrideRatio.RatString())
	}
	s := c.Period
	w := window{stride: s, left: -s * c.Lo[0], right: s * c.Hi[0]}
	for q := 1; q < s; q++ {
		w.left = max(w.left, q-s*c.Lo[q])
		w.right = max(w.right, s*c.Hi[q]-q)
	}
	for q := 0; q < s; q++ {
		if c.Lo[q] != ceilDiv(q-w.left, s) || c.Hi[q] != floorDiv(q+w.right, s) {
			return window{}, fmt.Errorf("%w: %s is not a contiguous upsampling window", ErrInconsistent, c.Name)
		}
	}
	return w, nil
}

// Offsets returns the bounds of the high-rate span a single low-rate position of
// b influences, measured in a's high-rate units: a low-rate position i
// conditions outputs i*stride - lOff .. i*stride - rOff. Both geometries must
// describe the same integer upsampling. The span width is lOff - rOff + 1.
func Offsets(a, b *Condensed) (lOff, rOff int, err error) {
	if a.StrideRatio.Cmp(b.StrideRatio) != 0 {
		return 0, 0, fmt.Errorf("%w: %s and %s have different stride ratios", ErrInconsistent, a.Name, b.Name)
	}
	w, err := b.window()
	if err != nil {
		return 0, 0, err
	}
	return w.right, -w.left, nil
}

// Pads returns the left and right padding, in high-rate positions, that a
// transposed convolution of width lOff - rOff + 1 needs to reproduce this
// geometry's output timeline exactly.
func (c *Condensed) Pads() (lPad, rPad int, err error) {
	w, err := c.window()
	if err != nil {
		return 0, 0, err
	}
	if got, want := c.outputLen(2)-c.outputLen(1), w.stride; got != want {
		return 0, 0, fmt.Errorf("%w: %s output length grows by %d per input, want %d", ErrInconsistent, c.Name, got, want)
	}
	return w.left, w.right + c.outputLen(1) - 1, nil
}
