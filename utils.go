package aho

import (
	"fmt"
	"math"
)

//////
// Helper functions.
//////

// Helper function used by PI and EI to compute the cumulative distribution
// function of the standard normal distribution.
//
// Returns:
// - Probability that a standard normal random variable is less than x.
func normalCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}

// Helper function used by EI to compute the probability density function
// of the standard normal distribution.
//
// Returns:
// - Value of the standard normal PDF at x.
func normalPDF(x float64) float64 {
	return math.Exp(-x*x/2.0) / math.Sqrt(2.0*math.Pi)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// cholesky returns the lower triangular L such that a = L * L^T.
//
// Important notes:
// - a must be symmetric; only its lower triangle is read
// - Returns an error wrapping ErrModelFitting when a is not positive definite
// - O(n^3) time, O(n^2) memory
func cholesky(a [][]float64) ([][]float64, error) {
	n := len(a)

	l := make([][]float64, n)
	for i := range l {
		l[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := a[i][j]
			for k := 0; k < j; k++ {
				sum -= l[i][k] * l[j][k]
			}

			if i == j {
				if sum <= 0 || math.IsNaN(sum) {
					return nil, fmt.Errorf("%w: matrix not positive definite at row %d", ErrModelFitting, i)
				}

				l[i][i] = math.Sqrt(sum)

				continue
			}

			l[i][j] = sum / l[j][j]
		}
	}

	return l, nil
}

// solveLower solves L * x = b by forward substitution.
func solveLower(l [][]float64, b []float64) []float64 {
	x := make([]float64, len(b))
	for i := range b {
		sum := b[i]
		for k := 0; k < i; k++ {
			sum -= l[i][k] * x[k]
		}

		x[i] = sum / l[i][i]
	}

	return x
}

// solveUpperT solves L^T * x = b by backward substitution.
func solveUpperT(l [][]float64, b []float64) []float64 {
	n := len(b)

	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		sum := b[i]
		for k := i + 1; k < n; k++ {
			sum -= l[k][i] * x[k]
		}

		x[i] = sum / l[i][i]
	}

	return x
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}

	return sum
}

func meanStd(v []float64) (mean, std float64) {
	if len(v) == 0 {
		return 0, 1
	}

	for _, x := range v {
		mean += x
	}

	mean /= float64(len(v))

	for _, x := range v {
		std += (x - mean) * (x - mean)
	}

	std = math.Sqrt(std / float64(len(v)))
	if std < 1e-12 {
		std = 1
	}

	return mean, std
}
