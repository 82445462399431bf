package aho

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRBFKernel(t *testing.T) {
	gp := &gaussianProcess{sigma: 1}

	assert.Equal(t, 1.0, gp.RBFKernel([]float64{1, 2}, []float64{1, 2}))
	assert.InDelta(t, math.Exp(-0.5), gp.RBFKernel([]float64{0}, []float64{1}), 1e-12)
	assert.Panics(t, func() { gp.RBFKernel([]float64{0}, []float64{0, 1}) })

	gp.SetSigma(2)
	assert.Equal(t, 2.0, gp.GetSigma())
}

func TestCholesky(t *testing.T) {
	a := [][]float64{{4, 2}, {2, 3}}

	l, err := cholesky(a)
	require.NoError(t, err)

	for i := range a {
		for j := range a {
			var v float64
			for k := range a {
				v += l[i][k] * l[j][k]
			}

			assert.InDelta(t, a[i][j], v, 1e-12)
		}
	}

	x := solveUpperT(l, solveLower(l, []float64{1, 2}))
	assert.InDelta(t, 1.0, 4*x[0]+2*x[1], 1e-12)
	assert.InDelta(t, 2.0, 2*x[0]+3*x[1], 1e-12)

	_, err = cholesky([][]float64{{1, 2}, {2, 1}})
	assert.ErrorIs(t, err, ErrModelFitting)
}

func TestGaussianProcessInterpolates(t *testing.T) {
	gp := &gaussianProcess{sigma: 0.5, noise: defaultNoise}

	gp.Update([]float64{0}, 1)
	gp.Update([]float64{1}, 3)

	assert.Equal(t, 2, gp.Len())

	mean, variance := gp.Predict([]float64{0})
	assert.InDelta(t, 1, mean, 1e-3)
	assert.Less(t, variance, 1e-3)

	mean, _ = gp.Predict([]float64{1})
	assert.InDelta(t, 3, mean, 1e-3)

	// Far from the data the prior comes back.
	mean, variance = gp.Predict([]float64{50})
	assert.InDelta(t, 2, mean, 1e-6)
	assert.InDelta(t, 1, variance, 1e-3)
}

func TestGaussianProcessFitExtraIsNotKept(t *testing.T) {
	gp := &gaussianProcess{sigma: 0.5, noise: defaultNoise}
	gp.Update([]float64{0}, 1)

	post, err := gp.Fit([][]float64{{1}}, []float64{5})
	require.NoError(t, err)

	assert.Len(t, post.X, 2)
	assert.Equal(t, 1, gp.Len())

	mean, _ := post.Predict([]float64{1})
	assert.InDelta(t, 5, mean, 1e-3)
}

func TestGaussianProcessFitErrors(t *testing.T) {
	gp := &gaussianProcess{sigma: 0.5, noise: defaultNoise}

	_, err := gp.Fit(nil, nil)
	assert.ErrorIs(t, err, ErrModelFitting)

	gp.Update([]float64{0}, math.NaN())

	_, err = gp.Fit(nil, nil)
	assert.ErrorIs(t, err, ErrModelFitting)

	// Predict degrades to the prior.
	mean, variance := gp.Predict([]float64{0})
	assert.Equal(t, 0.0, mean)
	assert.Equal(t, 1.0, variance)
}

func TestGaussianProcessDuplicatePoints(t *testing.T) {
	gp := &gaussianProcess{sigma: 0.5, noise: defaultNoise}

	for i := 0; i < 5; i++ {
		gp.Update([]float64{0.3, 0.3}, float64(i))
	}

	_, err := gp.Fit(nil, nil)
	assert.NoError(t, err)
}

func TestGaussianProcessSurrogateSuggest(t *testing.T) {
	space := NewSpace().AddFloat("x", -10, 10).AddCategorical("c", "a", "b")
	model := NewGaussianProcessSurrogate(space, WithNumCandidates(50))
	rng := rand.New(rand.NewSource(3))

	// No data: a sample.
	cfg, err := model.Suggest(rng, nil)
	require.NoError(t, err)
	require.NoError(t, space.Validate(cfg))

	for _, x := range []float64{-8, -4, 0, 4, 8} {
		require.NoError(t, model.Tell(Observation{Config: Config{"x": x, "c": "a"}, Objective: -(x - 2) * (x - 2)}))
	}

	overlay := []Observation{{JobID: 9, Config: Config{"x": 2.0, "c": "a"}, Objective: -100}}

	for i := 0; i < 10; i++ {
		cfg, err := model.Suggest(rng, overlay)
		require.NoError(t, err)
		assert.NoError(t, space.Validate(cfg))
	}

	// The overlay never sticks.
	assert.Equal(t, 5, model.Len())

	hi, _, err := model.Predict(Config{"x": 2.0, "c": "a"})
	require.NoError(t, err)

	lo, _, err := model.Predict(Config{"x": -8.0, "c": "a"})
	require.NoError(t, err)

	assert.Greater(t, hi, lo)
	assert.InDelta(t, -100, lo, 1e-2)
}

func TestGaussianProcessSurrogateErrors(t *testing.T) {
	space := NewSpace().AddFloat("x", 0, 1)
	model := NewGaussianProcessSurrogate(space)

	_, _, err := model.Predict(Config{"x": 0.5})
	assert.ErrorIs(t, err, ErrModelFitting)

	assert.ErrorIs(t, model.Tell(Observation{Config: Config{"x": 5.0}}), ErrInvalidConfiguration)

	require.NoError(t, model.Tell(Observation{Config: Config{"x": 0.5}, Objective: math.Inf(1)}))

	_, err = model.Suggest(rand.New(rand.NewSource(1)), nil)
	assert.ErrorIs(t, err, ErrModelFitting)
}
