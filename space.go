package aho

import (
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/exp/slices"
)

//////
// Const, vars, types.
//////

// ConfigurationSpace is the contract the Evaluator and the Search rely on.
// They never inspect configuration internals beyond these operations, which
// keeps the core agnostic to the concrete hyperparameter types.
type ConfigurationSpace interface {
	// Sample draws a valid configuration.
	Sample(rng *rand.Rand) Config

	// Validate returns nil when cfg is a valid point of the space, an error
	// wrapping ErrInvalidConfiguration otherwise.
	Validate(cfg Config) error

	// Encode maps a valid configuration to a model-ready numeric vector.
	Encode(cfg Config) ([]float64, error)

	// Decode maps a numeric vector back to a configuration.
	// Decode(Encode(c)) == c for every valid c.
	Decode(x []float64) (Config, error)
}

// Bounded is implemented by spaces that know the encoded bounds of every
// dimension. Surrogates use it to normalize inputs.
type Bounded interface {
	Bounds() [][2]float64
}

// ParamKind is the type of a hyperparameter.
type ParamKind int

const (
	// KindFloat is a continuous parameter, values are float64.
	KindFloat ParamKind = iota

	// KindInt is an integer parameter, values are int.
	KindInt

	// KindCategorical is an unordered choice, values are string.
	KindCategorical
)

func (k ParamKind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindCategorical:
		return "categorical"
	default:
		return "unknown"
	}
}

// ParseParamKind converts "float", "int" or "categorical" to a ParamKind.
func ParseParamKind(s string) (ParamKind, error) {
	switch s {
	case "float", "real", "continuous":
		return KindFloat, nil
	case "int", "integer":
		return KindInt, nil
	case "categorical", "choice":
		return KindCategorical, nil
	default:
		return 0, fmt.Errorf("unknown parameter kind %q", s)
	}
}

// Param describes one tunable variable.
type Param struct {
	Name string
	Kind ParamKind

	// Low and High are the inclusive bounds of float and int parameters.
	Low, High float64

	// Choices are the values of a categorical parameter.
	Choices []string
}

// Space is an immutable-after-construction set of parameters. Encoding puts
// one dimension per parameter, in declaration order: the raw value for float
// and int parameters, the choice index for categorical ones.
//
// Usage example:
//
//	space := NewSpace().
//	    AddFloat("learning_rate", 1e-4, 1e-1).
//	    AddInt("layers", 1, 8).
//	    AddCategorical("activation", "relu", "tanh")
type Space struct {
	params []Param
	index  map[string]int
}

//////
// Factory.
//////

// NewSpace returns an empty space.
func NewSpace() *Space {
	return &Space{index: make(map[string]int)}
}

//////
// Methods.
//////

// AddParam adds p to the space.
func (s *Space) AddParam(p Param) error {
	if p.Name == "" {
		return fmt.Errorf("%w: parameter without a name", ErrInvalidConfiguration)
	}

	if _, ok := s.index[p.Name]; ok {
		return fmt.Errorf("%w: duplicate parameter %q", ErrInvalidConfiguration, p.Name)
	}

	switch p.Kind {
	case KindFloat, KindInt:
		if math.IsNaN(p.Low) || math.IsNaN(p.High) || p.Low > p.High {
			return fmt.Errorf("%w: parameter %q has invalid bounds [%v, %v]", ErrInvalidConfiguration, p.Name, p.Low, p.High)
		}

		if p.Kind == KindInt {
			p.Low, p.High = math.Ceil(p.Low), math.Floor(p.High)
			if p.Low > p.High {
				return fmt.Errorf("%w: parameter %q has no integer in its bounds", ErrInvalidConfiguration, p.Name)
			}
		}
	case KindCategorical:
		if len(p.Choices) == 0 {
			return fmt.Errorf("%w: categorical parameter %q has no choices", ErrInvalidConfiguration, p.Name)
		}

		p.Choices = slices.Clone(p.Choices)
	default:
		return fmt.Errorf("%w: parameter %q has unknown kind %d", ErrInvalidConfiguration, p.Name, p.Kind)
	}

	s.index[p.Name] = len(s.params)
	s.params = append(s.params, p)

	return nil
}

// AddFloat adds a continuous parameter in [low, high]. It panics on invalid
// input; use AddParam to get an error instead.
func (s *Space) AddFloat(name string, low, high float64) *Space {
	return s.must(Param{Name: name, Kind: KindFloat, Low: low, High: high})
}

// AddInt adds an integer parameter in [low, high]. It panics on invalid input.
func (s *Space) AddInt(name string, low, high int) *Space {
	return s.must(Param{Name: name, Kind: KindInt, Low: float64(low), High: float64(high)})
}

// AddCategorical adds a categorical parameter. It panics on invalid input.
func (s *Space) AddCategorical(name string, choices ...string) *Space {
	return s.must(Param{Name: name, Kind: KindCategorical, Choices: choices})
}

func (s *Space) must(p Param) *Space {
	if err := s.AddParam(p); err != nil {
		panic(err)
	}

	return s
}

// Len returns the number of parameters.
func (s *Space) Len() int { return len(s.params) }

// Params returns a copy of the parameters in declaration order.
func (s *Space) Params() []Param { return slices.Clone(s.params) }

// Names returns the parameter names in declaration order.
func (s *Space) Names() []string {
	names := make([]string, len(s.params))
	for i, p := range s.params {
		names[i] = p.Name
	}

	return names
}

// Bounds returns the encoded bounds of every dimension.
func (s *Space) Bounds() [][2]float64 {
	out := make([][2]float64, len(s.params))
	for i, p := range s.params {
		if p.Kind == KindCategorical {
			out[i] = [2]float64{0, float64(len(p.Choices) - 1)}
			continue
		}

		out[i] = [2]float64{p.Low, p.High}
	}

	return out
}

// Sample draws a configuration uniformly.
func (s *Space) Sample(rng *rand.Rand) Config {
	cfg := make(Config, len(s.params))
	for _, p := range s.params {
		switch p.Kind {
		case KindFloat:
			cfg[p.Name] = p.Low + rng.Float64()*(p.High-p.Low)
		case KindInt:
			lo, hi := int64(p.Low), int64(p.High)
			cfg[p.Name] = int(lo + rng.Int63n(hi-lo+1))
		case KindCategorical:
			cfg[p.Name] = p.Choices[rng.Intn(len(p.Choices))]
		}
	}

	return cfg
}

// Validate checks that cfg assigns a well-typed, in-range value to every
// parameter and nothing else.
func (s *Space) Validate(cfg Config) error {
	if len(cfg) != len(s.params) {
		return fmt.Errorf("%w: expected %d values, got %d", ErrInvalidConfiguration, len(s.params), len(cfg))
	}

	for _, p := range s.params {
		v, ok := cfg[p.Name]
		if !ok {
			return fmt.Errorf("%w: missing %q", ErrInvalidConfiguration, p.Name)
		}

		if err := p.check(v); err != nil {
			return err
		}
	}

	return nil
}

// Encode returns the numeric vector of cfg.
func (s *Space) Encode(cfg Config) ([]float64, error) {
	if err := s.Validate(cfg); err != nil {
		return nil, err
	}

	x := make([]float64, len(s.params))
	for i, p := range s.params {
		switch p.Kind {
		case KindFloat:
			x[i] = cfg[p.Name].(float64)
		case KindInt:
			x[i] = float64(cfg[p.Name].(int))
		case KindCategorical:
			x[i] = float64(slices.Index(p.Choices, cfg[p.Name].(string)))
		}
	}

	return x, nil
}

// Decode maps x back to a configuration. Values outside the bounds are
// clamped; integer and categorical dimensions are rounded.
func (s *Space) Decode(x []float64) (Config, error) {
	if len(x) != len(s.params) {
		return nil, fmt.Errorf("%w: expected vector of length %d, got %d", ErrInvalidConfiguration, len(s.params), len(x))
	}

	cfg := make(Config, len(s.params))
	for i, p := range s.params {
		v := x[i]
		if math.IsNaN(v) {
			return nil, fmt.Errorf("%w: NaN in dimension %q", ErrInvalidConfiguration, p.Name)
		}

		switch p.Kind {
		case KindFloat:
			cfg[p.Name] = clamp(v, p.Low, p.High)
		case KindInt:
			cfg[p.Name] = int(clamp(math.Round(v), p.Low, p.High))
		case KindCategorical:
			idx := int(clamp(math.Round(v), 0, float64(len(p.Choices)-1)))
			cfg[p.Name] = p.Choices[idx]
		}
	}

	return cfg, nil
}

func (p Param) check(v any) error {
	switch p.Kind {
	case KindFloat:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%w: %q must be float64, got %T", ErrInvalidConfiguration, p.Name, v)
		}

		if math.IsNaN(f) || f < p.Low || f > p.High {
			return fmt.Errorf("%w: %q=%v outside [%v, %v]", ErrInvalidConfiguration, p.Name, f, p.Low, p.High)
		}
	case KindInt:
		n, ok := v.(int)
		if !ok {
			return fmt.Errorf("%w: %q must be int, got %T", ErrInvalidConfiguration, p.Name, v)
		}

		if float64(n) < p.Low || float64(n) > p.High {
			return fmt.Errorf("%w: %q=%d outside [%v, %v]", ErrInvalidConfiguration, p.Name, n, p.Low, p.High)
		}
	case KindCategorical:
		c, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: %q must be string, got %T", ErrInvalidConfiguration, p.Name, v)
		}

		if !slices.Contains(p.Choices, c) {
			return fmt.Errorf("%w: %q=%q is not one of %v", ErrInvalidConfiguration, p.Name, c, p.Choices)
		}
	}

	return nil
}
