package data

import "math"

// MuEncode compands samples in [-1, 1] with the mu-law curve, mu = nQuant-1,
// and quantizes the result to nQuant levels 0..nQuant-1. Samples outside
// [-1, 1] are clipped.
func MuEncode(samples []float64, nQuant int) []int {
	mu := float64(nQuant - 1)
	denom := math.Log1p(mu)
	out := make([]int, len(samples))
	for i, x := range samples {
		x = max(-1, min(1, x))
		y := math.Copysign(math.Log1p(mu*math.Abs(x))/denom, x)
		out[i] = int(math.Floor((y+1)/2*mu + 0.5))
	}
	return out
}

// MuDecode maps quantized levels back to samples in [-1, 1].
func MuDecode(levels []int, nQuant int) []float64 {
	mu := float64(nQuant - 1)
	out := make([]float64, len(levels))
	for i, q := range levels {
		y := 2*float64(q)/mu - 1
		out[i] = math.Copysign((math.Pow(1+mu, math.Abs(y))-1)/mu, y)
	}
	return out
}
