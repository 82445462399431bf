package aho

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUCB(t *testing.T) {
	assert.Equal(t, -3.0, UCB(1, 4, AcquisitionParams{Beta: 2}))

	// More uncertainty is more promising.
	assert.Less(t, UCB(1, 2, AcquisitionParams{Beta: 1}), UCB(1, 1, AcquisitionParams{Beta: 1}))
}

func TestProbabilityOfImprovement(t *testing.T) {
	params := AcquisitionParams{BestSoFar: 0}

	assert.InDelta(t, -0.5, ProbabilityOfImprovement(0, 1, params), 1e-12)

	// A lower predicted loss is more promising.
	assert.Less(t, ProbabilityOfImprovement(-1, 1, params), ProbabilityOfImprovement(1, 1, params))

	// Zero variance stays finite.
	assert.InDelta(t, -1.0, ProbabilityOfImprovement(-1, 0, params), 1e-12)
}

func TestExpectedImprovement(t *testing.T) {
	params := AcquisitionParams{BestSoFar: 1}

	assert.Equal(t, -1.0, ExpectedImprovement(0, 0, params))
	assert.Equal(t, 0.0, ExpectedImprovement(2, 0, params))

	assert.Less(t, ExpectedImprovement(0, 1, params), ExpectedImprovement(1, 1, params))
	assert.Less(t, ExpectedImprovement(1, 1, params), 0.0)
}

func TestThompsonSampling(t *testing.T) {
	params := AcquisitionParams{RandomState: rand.New(rand.NewSource(1))}

	assert.Equal(t, 3.0, ThompsonSampling(3, 0, params))
	assert.NotEqual(t, 3.0, ThompsonSampling(3, 1, params))
}

func TestParseAcquisitionFunc(t *testing.T) {
	for _, name := range []string{"", "ucb", "PI", "ei", "thompson"} {
		f, err := ParseAcquisitionFunc(name)
		require.NoError(t, err, name)
		assert.NotNil(t, f, name)
	}

	_, err := ParseAcquisitionFunc("knowledge_gradient")
	assert.Error(t, err)
}
