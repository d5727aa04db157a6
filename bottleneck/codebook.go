package bottleneck

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/openfluke/wavae/nn"
)

// Codebook is the set of learned prototype vectors a VQVAE snaps to.
type Codebook struct {
	Size   int
	Dim    int
	Protos *nn.Parameter // [Size][Dim]

	// Usage counts how often each prototype was chosen since the last ResetUsage.
	Usage []int64
}

// NewCodebook initializes prototypes from N(0, 1/dim).
func NewCodebook(name string, size, dim int, rng *rand.Rand) *Codebook {
	cb := &Codebook{
		Size:   size,
		Dim:    dim,
		Protos: nn.NewParameter(name+".protos", size, dim),
		Usage:  make([]int64, size),
	}
	stddev := math.Sqrt(1.0 / float64(dim))
	for i := range cb.Protos.Value.Data {
		cb.Protos.Value.Data[i] = rng.NormFloat64() * stddev
	}
	return cb
}

// Proto returns prototype k as a slice into the parameter storage.
func (cb *Codebook) Proto(k int) []float64 {
	return cb.Protos.Value.Data[k*cb.Dim : (k+1)*cb.Dim]
}

// Nearest replaces every vector z[b, :, t] with its closest prototype by
// squared Euclidean distance. Ties go to the lowest index.
// It returns the quantized tensor, the chosen indices over (b, t) and the
// squared distances, which also update Usage.
func (cb *Codebook) Nearest(z *nn.Tensor[float64]) (code *nn.Tensor[float64], indices []int, sqDist []float64) {
	batch, dim, steps := z.Dim(0), z.Dim(1), z.Dim(2)
	code = nn.NewTensor[float64](batch, dim, steps)
	indices = make([]int, batch*steps)
	sqDist = make([]float64, batch*steps)

	vec := make([]float64, dim)
	diff := make([]float64, dim)
	for b := 0; b < batch; b++ {
		for t := 0; t < steps; t++ {
			for d := 0; d < dim; d++ {
				vec[d] = z.Data[(b*dim+d)*steps+t]
			}

			best, bestDist := 0, math.Inf(1)
			for k := 0; k < cb.Size; k++ {
				floats.SubTo(diff, vec, cb.Proto(k))
				if dist := floats.Dot(diff, diff); dist < bestDist {
					best, bestDist = k, dist
				}
			}

			proto := cb.Proto(best)
			for d := 0; d < dim; d++ {
				code.Data[(b*dim+d)*steps+t] = proto[d]
			}
			indices[b*steps+t] = best
			sqDist[b*steps+t] = bestDist
			cb.Usage[best]++
		}
	}
	return code, indices, sqDist
}

// ResetUsage clears the usage counters.
func (cb *Codebook) ResetUsage() {
	for i := range cb.Usage {
		cb.Usage[i] = 0
	}
}

// Perplexity is exp(entropy) of the usage distribution: 1 when a single
// prototype is used, Size when all are used equally.
func (cb *Codebook) Perplexity() float64 {
	counts := make([]float64, cb.Size)
	for i, u := range cb.Usage {
		counts[i] = float64(u)
	}
	total := floats.Sum(counts)
	if total == 0 {
		return 0
	}
	var entropy float64
	for _, c := range counts {
		if c > 0 {
			p := c / total
			entropy -= p * math.Log(p)
		}
	}
	return math.Exp(entropy)
}
