package aho

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResults() *Results {
	done := func(id JobID, x, obj float64, meta map[string]any) Record {
		return newRecord(Job{
			ID:         id,
			Config:     Config{"x": x, "c": "a"},
			State:      JobDone,
			SubmitTime: time.Duration(id) * time.Second,
			GatherTime: time.Duration(id+1) * time.Second,
			Result:     &Result{Objective: obj, Metadata: meta},
		})
	}

	failed := newRecord(Job{
		ID:         3,
		Config:     Config{"x": 0.25, "c": "b"},
		State:      JobFailed,
		SubmitTime: 1500 * time.Millisecond,
		GatherTime: 2 * time.Second,
		Failure:    "diverged",
	})

	return &Results{
		Records: []Record{
			done(2, 0.5, -0.25, map[string]any{"loss": 1.5}),
			done(1, 1, -1, nil),
			failed,
		},
	}
}

func TestResultsBest(t *testing.T) {
	r := sampleResults()

	best, ok := r.Best()
	require.True(t, ok)
	assert.Equal(t, JobID(2), best.JobID)

	r.Minimize = true

	best, ok = r.Best()
	require.True(t, ok)
	assert.Equal(t, JobID(1), best.JobID)

	_, ok = (&Results{Records: r.Failed()}).Best()
	assert.False(t, ok)

	assert.Len(t, r.Done(), 2)
	assert.Len(t, r.Failed(), 1)
}

func TestResultsColumns(t *testing.T) {
	assert.Equal(t, []string{
		"p:c", "p:x",
		"job_id", "objective", "timestamp_submit", "timestamp_gather", "status", "failure",
		"m:loss",
	}, sampleResults().Columns())
}

func TestResultsWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleResults().WriteCSV(&buf))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, []string{"a", "0.5", "2", "-0.25", "2", "3", "done", "", "1.5"}, rows[1])
	assert.Equal(t, []string{"a", "1", "1", "-1", "1", "2", "done", "", ""}, rows[2])
	assert.Equal(t, []string{"b", "0.25", "3", "F", "1.5", "2", "failed", "diverged", ""}, rows[3])
}
