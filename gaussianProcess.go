package aho

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

//////
// Const, vars, types.
//////

const (
	// defaultKernelWidth suits inputs normalized to [0, 1].
	defaultKernelWidth = 0.2

	// defaultNoise is the jitter added to the kernel diagonal.
	defaultNoise = 1e-6

	defaultNumCandidates = 100
)

// gaussianProcess implements a thread-safe Gaussian Process regression model
// with multidimensional inputs. It predicts the loss of untested
// configurations based on previously observed results.
//
// Fields:
// - mu: RWMutex for thread-safe access to all fields
// - X: Slice of observed input points (each point is a slice of float64)
// - Y: Slice of observed losses at each input point
// - sigma: Kernel width parameter controlling the smoothness of interpolation
// - noise: Diagonal jitter keeping the kernel matrix positive definite
//
// Memory usage:
// - O(n) for the observations, O(n^2) transiently while fitting.
type gaussianProcess struct {
	// mu protects access to all fields
	mu sync.RWMutex

	// X stores the input points. Length of inner slices must be consistent.
	X [][]float64

	// Y stores the observed losses at each point in X.
	// Must have same length as X.
	Y []float64

	// sigma is the kernel width parameter
	// Larger values = smoother interpolation
	// Smaller values = more local influence
	sigma float64

	noise float64
}

// posterior is a Gaussian process fitted on a fixed set of observations.
// It is immutable and safe for concurrent use.
type posterior struct {
	X     [][]float64
	Y     []float64
	L     [][]float64
	alpha []float64
	yMean float64
	yStd  float64
	sigma float64
	noise float64
}

//////
// Methods.
//////

// RBFKernel implements the Radial Basis Function (also known as Gaussian) kernel.
// This kernel measures the similarity between two points in the input space,
// with the similarity decreasing exponentially with distance.
//
// Mathematical formula:
//
//	k(x1, x2) = exp(-sum((x1 - x2)^2) / (2 * sigma^2))
//
// Important notes:
// - Panics if input vectors have different lengths
// - Returns 1.0 for identical points
func (gp *gaussianProcess) RBFKernel(x1, x2 []float64) float64 {
	return rbf(x1, x2, gp.GetSigma())
}

func rbf(x1, x2 []float64, sigma float64) float64 {
	if len(x1) != len(x2) {
		panic("input vectors must have the same length")
	}

	var sum float64

	for i := range x1 {
		diff := x1[i] - x2[i]

		sum += diff * diff
	}

	return math.Exp(-sum / (2 * sigma * sigma))
}

// Fit computes the posterior over the stored observations plus the extra
// (x, y) pairs. The extra pairs are only part of the returned posterior; the
// model itself is left untouched.
//
// Returns an error wrapping ErrModelFitting when the kernel matrix cannot be
// factorized even after increasing the jitter.
func (gp *gaussianProcess) Fit(extraX [][]float64, extraY []float64) (*posterior, error) {
	gp.mu.RLock()
	X := make([][]float64, 0, len(gp.X)+len(extraX))
	X = append(X, gp.X...)
	Y := make([]float64, 0, len(gp.Y)+len(extraY))
	Y = append(Y, gp.Y...)
	sigma, noise := gp.sigma, gp.noise
	gp.mu.RUnlock()

	X = append(X, extraX...)
	Y = append(Y, extraY...)

	if len(X) == 0 {
		return nil, fmt.Errorf("%w: no observations", ErrModelFitting)
	}

	for _, y := range Y {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			return nil, fmt.Errorf("%w: non-finite observation", ErrModelFitting)
		}
	}

	yMean, yStd := meanStd(Y)

	ys := make([]float64, len(Y))
	for i, y := range Y {
		ys[i] = (y - yMean) / yStd
	}

	var (
		L   [][]float64
		err error
	)

	for attempt := 0; attempt < 4; attempt++ {
		L, err = cholesky(kernelMatrix(X, sigma, noise))
		if err == nil {
			break
		}

		noise *= 100
	}

	if err != nil {
		return nil, err
	}

	alpha := solveUpperT(L, solveLower(L, ys))

	return &posterior{
		X:     X,
		Y:     Y,
		L:     L,
		alpha: alpha,
		yMean: yMean,
		yStd:  yStd,
		sigma: sigma,
		noise: noise,
	}, nil
}

// Predict estimates the expected loss and uncertainty at a given point based
// on the stored observations.
//
// Returns:
// - mean: Expected loss at the input point
// - variance: Uncertainty in the prediction (higher = less certain)
//
// Important notes:
// - Returns (0, 1) if no observations exist or the model cannot be fitted
// - O(n^3) per call; fit once with Fit and reuse the posterior for many points
func (gp *gaussianProcess) Predict(x []float64) (mean, variance float64) {
	post, err := gp.Fit(nil, nil)
	if err != nil {
		return 0, 1
	}

	return post.Predict(x)
}

// Update adds a new observation point to the Gaussian Process model.
//
// Important notes:
// - Creates a deep copy of input slice x to prevent external modifications
// - Memory usage grows with each update
func (gp *gaussianProcess) Update(x []float64, y float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	newX := make([]float64, len(x))
	copy(newX, x)

	gp.X = append(gp.X, newX)
	gp.Y = append(gp.Y, y)
}

// Len returns the number of stored observations.
func (gp *gaussianProcess) Len() int {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	return len(gp.X)
}

// SetSigma updates the kernel width parameter (sigma). No validation of the
// value is done; callers must pass a positive number.
func (gp *gaussianProcess) SetSigma(sigma float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	gp.sigma = sigma
}

// GetSigma returns the current kernel width parameter (sigma).
func (gp *gaussianProcess) GetSigma() float64 {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	return gp.sigma
}

// Predict returns the posterior mean and variance of the loss at x.
func (p *posterior) Predict(x []float64) (mean, variance float64) {
	k := make([]float64, len(p.X))
	for i := range p.X {
		k[i] = rbf(x, p.X[i], p.sigma)
	}

	mean = dot(k, p.alpha)*p.yStd + p.yMean

	v := solveLower(p.L, k)
	variance = (1 + p.noise - dot(v, v)) * p.yStd * p.yStd

	return mean, math.Max(variance, minVariance)
}

func kernelMatrix(X [][]float64, sigma, noise float64) [][]float64 {
	n := len(X)

	k := make([][]float64, n)
	for i := range k {
		k[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			v := rbf(X[i], X[j], sigma)
			k[i][j], k[j][i] = v, v
		}

		k[i][i] += noise
	}

	return k
}

//////
// Surrogate.
//////

// GaussianProcessSurrogate is a SurrogateModel backed by a Gaussian process.
// Configurations are encoded by the ConfigurationSpace and, when the space
// implements Bounded, normalized to [0, 1]. Objectives are turned into losses
// (negated) so the acquisition functions keep their lower-is-better
// convention.
//
// Every Suggest ranks NumCandidates configurations: half drawn from the space,
// half perturbed around the best observation and decoded back through the
// space.
type GaussianProcessSurrogate struct {
	space         ConfigurationSpace
	bounds        [][2]float64
	gp            *gaussianProcess
	acquisition   AcquisitionFunc
	params        AcquisitionParams
	numCandidates int
}

// GPOption configures a GaussianProcessSurrogate.
type GPOption func(*GaussianProcessSurrogate)

// WithAcquisition sets the acquisition function and its parameters.
func WithAcquisition(f AcquisitionFunc, params AcquisitionParams) GPOption {
	return func(m *GaussianProcessSurrogate) {
		if f != nil {
			m.acquisition = f
		}

		m.params = params
	}
}

// WithNumCandidates sets how many candidates are ranked per suggestion.
func WithNumCandidates(n int) GPOption {
	return func(m *GaussianProcessSurrogate) {
		if n > 0 {
			m.numCandidates = n
		}
	}
}

// WithKernelWidth sets the RBF kernel width, in normalized units.
func WithKernelWidth(sigma float64) GPOption {
	return func(m *GaussianProcessSurrogate) {
		if sigma > 0 {
			m.gp.SetSigma(sigma)
		}
	}
}

// NewGaussianProcessSurrogate returns a surrogate over space using UCB with
// Beta 2 unless options say otherwise.
func NewGaussianProcessSurrogate(space ConfigurationSpace, opts ...GPOption) *GaussianProcessSurrogate {
	m := &GaussianProcessSurrogate{
		space:         space,
		gp:            &gaussianProcess{sigma: defaultKernelWidth, noise: defaultNoise},
		acquisition:   UCB,
		params:        AcquisitionParams{Beta: 2.0, Xi: 0.01},
		numCandidates: defaultNumCandidates,
	}

	if b, ok := space.(Bounded); ok {
		m.bounds = b.Bounds()
	}

	for _, o := range opts {
		o(m)
	}

	return m
}

// Tell adds observations to the model.
func (m *GaussianProcessSurrogate) Tell(obs ...Observation) error {
	for _, o := range obs {
		x, err := m.encode(o.Config)
		if err != nil {
			return err
		}

		m.gp.Update(x, -o.Objective)
	}

	return nil
}

// Len returns the number of observations told to the model.
func (m *GaussianProcessSurrogate) Len() int { return m.gp.Len() }

// Suggest returns the candidate minimizing the acquisition function of the
// posterior fitted on the told observations plus overlay.
func (m *GaussianProcessSurrogate) Suggest(rng *rand.Rand, overlay []Observation) (Config, error) {
	extraX := make([][]float64, 0, len(overlay))
	extraY := make([]float64, 0, len(overlay))

	for _, o := range overlay {
		x, err := m.encode(o.Config)
		if err != nil {
			return nil, err
		}

		extraX = append(extraX, x)
		extraY = append(extraY, -o.Objective)
	}

	if m.gp.Len()+len(extraX) == 0 {
		return m.space.Sample(rng), nil
	}

	post, err := m.gp.Fit(extraX, extraY)
	if err != nil {
		return nil, err
	}

	params := m.params
	params.RandomState = rng
	params.BestSoFar = math.Inf(1)

	var incumbent []float64

	for i, y := range post.Y {
		if y < params.BestSoFar {
			params.BestSoFar = y
			incumbent = post.X[i]
		}
	}

	var (
		best    Config
		bestAcq = math.Inf(1)
	)

	for i := 0; i < m.numCandidates; i++ {
		var cand Config
		if i%2 == 1 && incumbent != nil {
			cand, err = m.perturb(rng, incumbent)
			if err != nil {
				continue
			}
		} else {
			cand = m.space.Sample(rng)
		}

		x, err := m.encode(cand)
		if err != nil {
			continue
		}

		mean, variance := post.Predict(x)

		acq := m.acquisition(mean, variance, params)
		if acq < bestAcq {
			bestAcq = acq
			best = cand
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: no candidate could be scored", ErrModelFitting)
	}

	return best, nil
}

// Predict returns the posterior mean and variance of the objective at cfg.
func (m *GaussianProcessSurrogate) Predict(cfg Config) (mean, variance float64, err error) {
	x, err := m.encode(cfg)
	if err != nil {
		return 0, 0, err
	}

	post, err := m.gp.Fit(nil, nil)
	if err != nil {
		return 0, 0, err
	}

	loss, variance := post.Predict(x)

	return -loss, variance, nil
}

func (m *GaussianProcessSurrogate) encode(cfg Config) ([]float64, error) {
	x, err := m.space.Encode(cfg)
	if err != nil {
		return nil, err
	}

	if m.bounds == nil {
		return x, nil
	}

	for i, b := range m.bounds {
		if span := b[1] - b[0]; span > 0 {
			x[i] = (x[i] - b[0]) / span
		} else {
			x[i] = 0
		}
	}

	return x, nil
}

func (m *GaussianProcessSurrogate) perturb(rng *rand.Rand, x []float64) (Config, error) {
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = v + rng.NormFloat64()*0.05

		if m.bounds != nil {
			b := m.bounds[i]
			y[i] = b[0] + clamp(y[i], 0, 1)*(b[1]-b[0])
		}
	}

	return m.space.Decode(y)
}
