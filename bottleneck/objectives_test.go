package bottleneck

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/wavae/nn"
	"github.com/openfluke/wavae/rfield"
)

func newSGVB(t *testing.T, stages ...*rfield.Field) *SGVB {
	t.Helper()
	s := NewSGVB()
	s.Combine.UseGPU = false
	require.NoError(t, s.SetGeometry(link(stages...)))
	return s
}

// logProbs returns [B, T, Q] filled with other and hit at the target of row
// b mod len(target).
func logProbs(target *nn.Tensor[int], bl, q int, hit, other float64) *nn.Tensor[float64] {
	batch, steps := target.Dim(0), target.Dim(1)
	lp := nn.NewTensor[float64](bl, steps, q)
	lp.Fill(other)
	for b := 0; b < bl; b++ {
		for s := 0; s < steps; s++ {
			lp.Data[(b*steps+s)*q+target.Data[(b%batch)*steps+s]] = hit
		}
	}
	return lp
}

func randomTarget(rng *rand.Rand, q int, shape ...int) *nn.Tensor[int] {
	target := nn.NewTensor[int](shape...)
	for i := range target.Data {
		target.Data[i] = rng.Intn(q)
	}
	return target
}

func TestSGVBEndToEnd(t *testing.T) {
	// batch 2, 5 latent vectors of 4 channels, one vector per 320 samples
	s := newSGVB(t, rfield.NewUpsample(nil, "upsample", 320, 320, 0, 0))
	const batch, channels, steps, nq = 2, 4, 5, 4

	stats := &GaussianStats{
		Mu:                  nn.NewTensor[float64](batch, channels, steps),
		Sigma:               nn.NewTensor[float64](batch, channels, steps),
		SamplesPerDatapoint: 1,
	}
	half := channels * steps
	for i := 0; i < half; i++ {
		stats.Mu.Data[i], stats.Sigma.Data[i] = 0.5, 1
		stats.Mu.Data[half+i], stats.Sigma.Data[half+i] = 0, 2
	}

	T := 1600
	target := nn.NewTensor[int](batch, T)
	for i := range target.Data {
		target.Data[i] = (i * 7) % nq
	}
	logPred := logProbs(target, batch, nq, -1, -5)

	got, err := s.Forward(logPred, target, stats)
	require.NoError(t, err)

	// -KL is 4 * 0.5 * (1 + log 1 - 0.25 - 1) = -0.5 for the first datapoint
	// and 4 * 0.5 * (1 + log 4 - 0 - 4) for the second
	want := (-0.5+2*(-3+math.Log(4)))/2 - 1
	assert.InDelta(t, want, got, 1e-9)
}

func TestSGVBSampleMultiple(t *testing.T) {
	s := newSGVB(t, rfield.NewUpsample(nil, "u", 4, 4, 0, 0))
	stats := &GaussianStats{
		Mu:                  nn.NewTensor[float64](4, 2, 3),
		Sigma:               nn.NewTensor[float64](4, 2, 3),
		SamplesPerDatapoint: 2,
	}
	stats.Sigma.Fill(1)
	target := nn.NewTensor[int](2, 12)

	_, err := s.Forward(nn.NewTensor[float64](3, 12, 2), target, stats)
	assert.ErrorIs(t, err, ErrSampleMultiple)
	_, err = s.Backward(nn.NewTensor[float64](3, 12, 2), target, stats, 1)
	assert.ErrorIs(t, err, ErrSampleMultiple)

	// two samples of two datapoints line up with the repeated target
	got, err := s.Forward(logProbs(target, 4, 2, -2, -9), target, stats)
	require.NoError(t, err)
	assert.InDelta(t, -2.0, got, 1e-12)

	_, err = s.Forward(nn.NewTensor[float64](4, 11, 2), nn.NewTensor[int](2, 11), stats)
	assert.ErrorIs(t, err, ErrShape)

	target.Data[0] = 5
	_, err = s.Forward(nn.NewTensor[float64](4, 12, 2), target, stats)
	assert.ErrorIs(t, err, ErrShape)
}

func TestSGVBBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	s := newSGVB(t, rfield.NewUpsample(nil, "u", 8, 4, 2, 2))
	const batch, L, channels, steps, nq = 2, 2, 2, 3, 3
	T := s.Combine.OutputLen(steps)

	stats := &GaussianStats{
		Mu:                  randomTensor(rng, batch*L, channels, steps),
		Sigma:               randomTensor(rng, batch*L, channels, steps),
		SamplesPerDatapoint: L,
	}
	for i, v := range stats.Sigma.Data {
		stats.Sigma.Data[i] = 0.5 + math.Abs(v)
	}
	logPred := randomTensor(rng, batch*L, T, nq)
	target := randomTarget(rng, nq, batch, T)

	grad, err := s.Backward(logPred, target, stats, 1)
	require.NoError(t, err)

	objective := func() float64 {
		v, err := s.Forward(logPred, target, stats)
		require.NoError(t, err)
		return v
	}
	checkGradient(t, "logPred", logPred.Data, grad.LogPred.Data, objective)
	checkGradient(t, "mu", stats.Mu.Data, grad.Mu.Data, objective)
	checkGradient(t, "sigma", stats.Sigma.Data, grad.Sigma.Data, objective)
}

func TestSGVBThroughVAE(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	s := newSGVB(t, rfield.NewUpsample(nil, "u", 4, 4, 0, 0))
	v := NewVAE(3, 2, 2, true, rng)
	v.SigmaActivation = nn.ActivationSoftplus

	const batch, steps, nq = 2, 3, 4
	x := randomTensor(rng, batch, 3, steps)
	enc, err := v.Encode(x)
	require.NoError(t, err)
	stats, ok := enc.ReparameterizationStatistics()
	require.True(t, ok)

	T := s.Combine.OutputLen(steps)
	logPred := randomTensor(rng, batch*2, T, nq)
	target := randomTarget(rng, nq, batch, T)

	grad, err := s.Backward(logPred, target, stats, -1)
	require.NoError(t, err)
	nn.ZeroGradients(v.Parameters())
	gx, err := v.Backward(x, enc, grad.EncodingGrad(nil))
	require.NoError(t, err)

	// the loss is -SGVB, recomputed from fresh statistics
	objective := func() float64 {
		pre, _ := v.Linear.Forward(x)
		mu, raw := splitChannels(pre)
		fresh := &GaussianStats{
			Mu:                  mu.Repeat(2),
			Sigma:               nn.ActivateTensor(raw, v.SigmaActivation).Repeat(2),
			SamplesPerDatapoint: 2,
		}
		elbo, err := s.Forward(logPred, target, fresh)
		require.NoError(t, err)
		return -elbo
	}
	checkGradient(t, "x", x.Data, gx.Data, objective)
	checkGradient(t, "weight", v.Linear.Weight.Value.Data, v.Linear.Weight.Grad.Data, objective)
}

func TestVQObjective(t *testing.T) {
	o := NewVQObjective()
	o.Combine.UseGPU = false
	require.NoError(t, o.SetGeometry(link(rfield.NewUpsample(nil, "u", 4, 4, 0, 0))))
	assert.Equal(t, DefaultBeta, o.Beta)

	stats := &VQStats{Norms: nn.NewTensorFromSlice([]float64{1, 1, 3, 3}, 1, 2, 2)}
	target := randomTarget(rand.New(rand.NewSource(13)), 2, 1, 8)

	got, err := o.Forward(logProbs(target, 1, 2, -1, -4), target, stats)
	require.NoError(t, err)
	// 1 + mean(1, 1, 1, 1, 3, 3, 3, 3) * (1 + beta)
	assert.InDelta(t, 1+2*(1+DefaultBeta), got, 1e-12)

	_, err = o.Forward(logProbs(target, 1, 2, -1, -4), target, nil)
	assert.ErrorIs(t, err, ErrShape)
	_, err = o.Forward(nn.NewTensor[float64](1, 9, 2), nn.NewTensor[int](1, 9), stats)
	assert.ErrorIs(t, err, ErrShape)
}

func TestVQObjectiveBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(14))
	o := NewVQObjective()
	o.Combine.UseGPU = false
	o.Beta = 0.4
	require.NoError(t, o.SetGeometry(link(rfield.NewUpsample(nil, "u", 8, 4, 2, 2))))

	const batch, steps, nq = 2, 3, 3
	T := o.Combine.OutputLen(steps)
	stats := &VQStats{Norms: randomTensor(rng, batch, steps, 2)}
	logPred := randomTensor(rng, batch, T, nq)
	target := randomTarget(rng, nq, batch, T)

	grad, err := o.Backward(logPred, target, stats, 1)
	require.NoError(t, err)

	objective := func() float64 {
		v, err := o.Forward(logPred, target, stats)
		require.NoError(t, err)
		return v
	}
	checkGradient(t, "logPred", logPred.Data, grad.LogPred.Data, objective)
	checkGradient(t, "norms", stats.Norms.Data, grad.Norms.Data, objective)

	eg := grad.EncodingGrad(nil)
	assert.Same(t, grad.Norms, eg.Norms)
	assert.Nil(t, eg.Code)
}

func TestReconstruction(t *testing.T) {
	rng := rand.New(rand.NewSource(15))
	var r Reconstruction
	logPred := randomTensor(rng, 2, 6, 3)
	target := randomTarget(rng, 3, 2, 6)

	got, err := r.Forward(logPred, target)
	require.NoError(t, err)
	var want float64
	for i, q := range target.Data {
		want -= logPred.Data[i*3+q]
	}
	assert.InDelta(t, want/12, got, 1e-12)

	grad, err := r.Backward(logPred, target, 1)
	require.NoError(t, err)
	checkGradient(t, "logPred", logPred.Data, grad.Data, func() float64 {
		v, _ := r.Forward(logPred, target)
		return v
	})

	_, err = r.Forward(logPred, nn.NewTensor[int](2, 5))
	assert.ErrorIs(t, err, ErrShape)
}
