package aho

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type predictingModel struct {
	RandomSurrogate
	err error
}

func (m *predictingModel) Predict(cfg Config) (float64, float64, error) {
	return cfg["x"].(float64) * 10, 1, m.err
}

func TestLiarOverlay(t *testing.T) {
	model := NewRandomSurrogate(NewSpace().AddFloat("x", 0, 1))
	told := []float64{3, -1, 5}
	pending := []Observation{
		{JobID: 4, Config: Config{"x": 0.1}},
		{JobID: 5, Config: Config{"x": 0.2}},
	}

	tests := []struct {
		liar LiarStrategy
		want float64
	}{
		{LiarMin, -1},
		{LiarMax, 5},
		{LiarMean, 7.0 / 3},
		{LiarBeliever, -1},
	}

	for _, tt := range tests {
		t.Run(tt.liar.String(), func(t *testing.T) {
			out := tt.liar.overlay(model, told, pending)
			require.Len(t, out, 2)

			for i, o := range out {
				assert.Equal(t, pending[i].JobID, o.JobID)
				assert.Equal(t, pending[i].Config, o.Config)
				assert.InDelta(t, tt.want, o.Objective, 1e-12)
			}
		})
	}

	assert.Nil(t, LiarNone.overlay(model, told, pending))
	assert.Nil(t, LiarMin.overlay(model, nil, pending))
	assert.Nil(t, LiarMin.overlay(model, told, nil))

	// The pending slice is not modified.
	assert.Equal(t, 0.0, pending[0].Objective)
}

func TestLiarBeliever(t *testing.T) {
	model := &predictingModel{}
	pending := []Observation{{JobID: 1, Config: Config{"x": 0.5}}}

	out := LiarBeliever.overlay(model, []float64{1, 2}, pending)
	require.Len(t, out, 1)
	assert.Equal(t, 5.0, out[0].Objective)

	// Falls back to the worst observed value.
	model.err = errors.New("not fitted")

	out = LiarBeliever.overlay(model, []float64{1, 2}, pending)
	require.Len(t, out, 1)
	assert.Equal(t, 1.0, out[0].Objective)
}

func TestParseLiarStrategy(t *testing.T) {
	for _, s := range []LiarStrategy{LiarMin, LiarMax, LiarMean, LiarBeliever, LiarNone} {
		got, err := ParseLiarStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	got, err := ParseLiarStrategy("")
	require.NoError(t, err)
	assert.Equal(t, LiarMin, got)

	_, err = ParseLiarStrategy("fib")
	assert.Error(t, err)
}

func TestRandomSurrogate(t *testing.T) {
	space := NewSpace().AddInt("n", 1, 3)
	model := NewRandomSurrogate(space)

	require.NoError(t, model.Tell(Observation{}, Observation{}))
	assert.Equal(t, 2, model.Len())

	cfg, err := model.Suggest(rand.New(rand.NewSource(1)), nil)
	require.NoError(t, err)
	assert.NoError(t, space.Validate(cfg))
}
