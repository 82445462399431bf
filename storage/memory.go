package storage

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

type memorySearch struct {
	counter int
	order   []string
	jobs    map[string]*JobData
}

// Memory keeps everything in process memory. Search identifiers are "0",
// "1", ... in creation order.
type Memory struct {
	mu       sync.RWMutex
	counter  int
	order    []string
	searches map[string]*memorySearch
}

// NewMemory returns an empty in-memory storage.
func NewMemory() *Memory {
	return &Memory{searches: make(map[string]*memorySearch)}
}

func (m *Memory) CreateSearch(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := strconv.Itoa(m.counter)
	m.counter++
	m.order = append(m.order, id)
	m.searches[id] = &memorySearch{jobs: make(map[string]*JobData)}

	return id, nil
}

func (m *Memory) CreateJob(_ context.Context, searchID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.searches[searchID]
	if !ok {
		return "", fmt.Errorf("%w: search %q", ErrNotFound, searchID)
	}

	partial := strconv.Itoa(s.counter)
	s.counter++
	s.order = append(s.order, partial)
	s.jobs[partial] = &JobData{Metadata: make(map[string]any)}

	return searchID + "." + partial, nil
}

func (m *Memory) StoreJobIn(_ context.Context, jobID string, in map[string]any) error {
	return m.update(jobID, func(d *JobData) { d.In = cloneMap(in) })
}

func (m *Memory) StoreJobOut(_ context.Context, jobID string, out any) error {
	return m.update(jobID, func(d *JobData) { d.Out = out })
}

func (m *Memory) StoreJobMetadata(_ context.Context, jobID, key string, value any) error {
	return m.update(jobID, func(d *JobData) { d.Metadata[key] = value })
}

func (m *Memory) LoadSearchIDs(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]string(nil), m.order...), nil
}

func (m *Memory) LoadJobIDs(_ context.Context, searchID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.searches[searchID]
	if !ok {
		return nil, fmt.Errorf("%w: search %q", ErrNotFound, searchID)
	}

	ids := make([]string, len(s.order))
	for i, p := range s.order {
		ids[i] = searchID + "." + p
	}

	return ids, nil
}

func (m *Memory) LoadJob(_ context.Context, jobID string) (JobData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, err := m.lookup(jobID)
	if err != nil {
		return JobData{}, err
	}

	return d.clone(), nil
}

func (m *Memory) LoadSearch(_ context.Context, searchID string) (map[string]JobData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.searches[searchID]
	if !ok {
		return nil, fmt.Errorf("%w: search %q", ErrNotFound, searchID)
	}

	out := make(map[string]JobData, len(s.jobs))
	for p, d := range s.jobs {
		out[searchID+"."+p] = d.clone()
	}

	return out, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) update(jobID string, fn func(*JobData)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.lookup(jobID)
	if err != nil {
		return err
	}

	fn(d)

	return nil
}

// lookup must be called with m.mu held.
func (m *Memory) lookup(jobID string) (*JobData, error) {
	searchID, partial, err := SplitJobID(jobID)
	if err != nil {
		return nil, err
	}

	s, ok := m.searches[searchID]
	if !ok {
		return nil, fmt.Errorf("%w: search %q", ErrNotFound, searchID)
	}

	d, ok := s.jobs[partial]
	if !ok {
		return nil, fmt.Errorf("%w: job %q", ErrNotFound, jobID)
	}

	return d, nil
}

func (d *JobData) clone() JobData {
	return JobData{In: cloneMap(d.In), Out: d.Out, Metadata: cloneMap(d.Metadata)}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
