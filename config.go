package aho

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thalesfsp/aho/storage"
)

// File is a search described in YAML.
//
// Usage example:
//
//	evaluator:
//	  method: thread
//	  num_workers: 4
//	  job_timeout: 30s
//	search:
//	  max_evals: 100
//	  liar: cl_min
//	surrogate:
//	  kind: gp
//	  acquisition: ei
//	space:
//	  - {name: x, kind: float, low: -10, high: 10}
//	  - {name: act, kind: categorical, choices: [relu, tanh]}
type File struct {
	Evaluator EvaluatorSection `yaml:"evaluator"`
	Search    SearchSection    `yaml:"search"`
	Surrogate SurrogateSection `yaml:"surrogate"`
	Storage   StorageSection   `yaml:"storage"`
	Space     []ParamSection   `yaml:"space"`
}

// EvaluatorSection selects the transport and configures it.
type EvaluatorSection struct {
	Method           string `yaml:"method"`
	EvaluatorOptions `yaml:",inline"`
}

// SearchSection mirrors SearchOptions, plus the Run arguments.
type SearchSection struct {
	MaxEvals        int           `yaml:"max_evals"`
	Timeout         time.Duration `yaml:"timeout"`
	InitialSamples  int           `yaml:"initial_samples"`
	Liar            string        `yaml:"liar"`
	Minimize        bool          `yaml:"minimize"`
	Seed            int64         `yaml:"seed"`
	GatherMode      string        `yaml:"gather_mode"`
	GatherBatchSize int           `yaml:"gather_batch_size"`
	GracePeriod     time.Duration `yaml:"grace_period"`
	MaxResample     int           `yaml:"max_resample"`
}

// SurrogateSection selects the model: "gp" or "random".
type SurrogateSection struct {
	Kind          string  `yaml:"kind"`
	Acquisition   string  `yaml:"acquisition"`
	Beta          float64 `yaml:"beta"`
	Xi            float64 `yaml:"xi"`
	NumCandidates int     `yaml:"num_candidates"`
	KernelWidth   float64 `yaml:"kernel_width"`
}

// StorageSection selects where jobs are recorded: "" (nowhere), "memory" or
// "sqlite".
type StorageSection struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

// ParamSection is one parameter of the space.
type ParamSection struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`
	Low     float64  `yaml:"low"`
	High    float64  `yaml:"high"`
	Choices []string `yaml:"choices"`
}

// DefaultFile returns the values a File starts from before decoding.
func DefaultFile() *File {
	d := DefaultSearchOptions()

	return &File{
		Evaluator: EvaluatorSection{
			Method:           "thread",
			EvaluatorOptions: EvaluatorOptions{NumWorkers: 1},
		},
		Search: SearchSection{
			MaxEvals:        100,
			InitialSamples:  d.InitialSamples,
			Liar:            d.Liar.String(),
			GatherMode:      d.GatherMode.String(),
			GatherBatchSize: d.GatherBatchSize,
			GracePeriod:     d.GracePeriod,
			MaxResample:     d.MaxResample,
		},
		Surrogate: SurrogateSection{
			Kind:          "gp",
			Acquisition:   "ucb",
			Beta:          2.0,
			Xi:            0.01,
			NumCandidates: defaultNumCandidates,
			KernelWidth:   defaultKernelWidth,
		},
	}
}

// LoadFile reads and validates the search file at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read search file %s: %w", path, err)
	}

	f, err := ParseFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse search file %s: %w", path, err)
	}

	return f, nil
}

// ParseFile decodes a search file over DefaultFile. Unknown keys are
// rejected.
func ParseFile(r io.Reader) (*File, error) {
	f := DefaultFile()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	return f, f.Validate()
}

// Validate checks the values that decoding cannot.
func (f *File) Validate() error {
	if len(f.Space) == 0 {
		return fmt.Errorf("space: at least one parameter is required")
	}

	if _, err := f.BuildSpace(); err != nil {
		return err
	}

	if _, err := f.SearchOptions(); err != nil {
		return err
	}

	switch f.Surrogate.Kind {
	case "gp", "random":
	default:
		return fmt.Errorf("surrogate: unknown kind %q (use gp or random)", f.Surrogate.Kind)
	}

	if _, err := ParseAcquisitionFunc(f.Surrogate.Acquisition); err != nil {
		return fmt.Errorf("surrogate: %w", err)
	}

	switch f.Storage.Kind {
	case "", "memory":
	case "sqlite":
		if f.Storage.Path == "" {
			return fmt.Errorf("storage: sqlite needs a path")
		}
	default:
		return fmt.Errorf("storage: unknown kind %q (use memory or sqlite)", f.Storage.Kind)
	}

	return nil
}

// BuildSpace returns the declared space.
func (f *File) BuildSpace() (*Space, error) {
	space := NewSpace()

	for i, p := range f.Space {
		kind, err := ParseParamKind(p.Kind)
		if err != nil {
			return nil, fmt.Errorf("space[%d]: %w", i, err)
		}

		if err := space.AddParam(Param{Name: p.Name, Kind: kind, Low: p.Low, High: p.High, Choices: p.Choices}); err != nil {
			return nil, fmt.Errorf("space[%d]: %w", i, err)
		}
	}

	return space, nil
}

// SearchOptions returns the search options of the file. Logger and
// ProgressChan are left for the caller.
func (f *File) SearchOptions() (SearchOptions, error) {
	s := f.Search

	liar, err := ParseLiarStrategy(s.Liar)
	if err != nil {
		return SearchOptions{}, fmt.Errorf("search: %w", err)
	}

	mode, err := ParseGatherMode(s.GatherMode)
	if err != nil {
		return SearchOptions{}, fmt.Errorf("search: %w", err)
	}

	return SearchOptions{
		InitialSamples:  s.InitialSamples,
		Liar:            liar,
		Minimize:        s.Minimize,
		Seed:            s.Seed,
		GatherMode:      mode,
		GatherBatchSize: s.GatherBatchSize,
		GracePeriod:     s.GracePeriod,
		MaxResample:     s.MaxResample,
	}, nil
}

// BuildSurrogate returns the declared model over space.
func (f *File) BuildSurrogate(space ConfigurationSpace) (SurrogateModel, error) {
	s := f.Surrogate

	if s.Kind == "random" {
		return NewRandomSurrogate(space), nil
	}

	acq, err := ParseAcquisitionFunc(s.Acquisition)
	if err != nil {
		return nil, fmt.Errorf("surrogate: %w", err)
	}

	return NewGaussianProcessSurrogate(space,
		WithAcquisition(acq, AcquisitionParams{Beta: s.Beta, Xi: s.Xi}),
		WithNumCandidates(s.NumCandidates),
		WithKernelWidth(s.KernelWidth),
	), nil
}

// OpenStorage returns the declared storage, nil when none is.
func (f *File) OpenStorage() (storage.Storage, error) {
	switch f.Storage.Kind {
	case "memory":
		return storage.NewMemory(), nil
	case "sqlite":
		db, err := storage.OpenSQLite(f.Storage.Path, storage.WithMkdirAll())
		if err != nil {
			return nil, err
		}

		return db, nil
	default:
		return nil, nil
	}
}

// NewSearch builds everything the file declares around run: space, model,
// storage, evaluator and search. The returned storage, possibly nil, is the
// caller's to close.
func (f *File) NewSearch(run RunFunc, logger *slog.Logger) (*Search, storage.Storage, error) {
	space, err := f.BuildSpace()
	if err != nil {
		return nil, nil, err
	}

	model, err := f.BuildSurrogate(space)
	if err != nil {
		return nil, nil, err
	}

	opts, err := f.SearchOptions()
	if err != nil {
		return nil, nil, err
	}

	opts.Logger = logger

	store, err := f.OpenStorage()
	if err != nil {
		return nil, nil, err
	}

	evOpts := f.Evaluator.EvaluatorOptions
	evOpts.Storage = store
	evOpts.Logger = logger

	ev, err := NewEvaluator(f.Evaluator.Method, run, evOpts)
	if err != nil {
		if store != nil {
			store.Close()
		}

		return nil, nil, err
	}

	s, err := NewSearch(space, model, ev, opts)
	if err != nil {
		ev.Close(context.Background())

		if store != nil {
			store.Close()
		}

		return nil, nil, err
	}

	return s, store, nil
}
