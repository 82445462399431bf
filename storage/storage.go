// Package storage records what an evaluator submitted and gathered: one
// search per evaluator, one job per submission, with the job's input, output
// and metadata.
//
// Job identifiers are "<search id>.<n>" where n counts from 0 within the
// search. Two backends are provided:
//
//	store := storage.NewMemory()
//	store, err := storage.OpenSQLite("runs.db")
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a search or a job does not exist.
var ErrNotFound = errors.New("storage: not found")

// JobData is what is stored for one job.
type JobData struct {
	In       map[string]any `json:"in"`
	Out      any            `json:"out"`
	Metadata map[string]any `json:"metadata"`
}

// Storage is implemented by the backends. Implementations are safe for
// concurrent use.
type Storage interface {
	// CreateSearch creates a new search and returns its identifier.
	CreateSearch(ctx context.Context) (string, error)

	// CreateJob creates a new job in searchID and returns its identifier.
	CreateJob(ctx context.Context, searchID string) (string, error)

	// StoreJobIn stores the input configuration of a job.
	StoreJobIn(ctx context.Context, jobID string, in map[string]any) error

	// StoreJobOut stores the output of a job: its objective, or a failure
	// string starting with "F".
	StoreJobOut(ctx context.Context, jobID string, out any) error

	// StoreJobMetadata stores one metadata entry of a job.
	StoreJobMetadata(ctx context.Context, jobID, key string, value any) error

	// LoadSearchIDs returns every search identifier, in creation order.
	LoadSearchIDs(ctx context.Context) ([]string, error)

	// LoadJobIDs returns every job identifier of searchID, in creation order.
	LoadJobIDs(ctx context.Context, searchID string) ([]string, error)

	// LoadJob returns the data of one job.
	LoadJob(ctx context.Context, jobID string) (JobData, error)

	// LoadSearch returns the data of every job of searchID keyed by job id.
	LoadSearch(ctx context.Context, searchID string) (map[string]JobData, error)

	Close() error
}

// JobID builds the identifier of the n-th job of a search.
func JobID(searchID string, n int) string {
	return fmt.Sprintf("%s.%d", searchID, n)
}

// SplitJobID returns the search identifier and the partial job identifier.
func SplitJobID(jobID string) (searchID, partial string, err error) {
	i := strings.LastIndexByte(jobID, '.')
	if i <= 0 || i == len(jobID)-1 {
		return "", "", fmt.Errorf("%w: malformed job id %q", ErrNotFound, jobID)
	}

	return jobID[:i], jobID[i+1:], nil
}
