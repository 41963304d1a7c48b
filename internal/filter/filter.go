// Package filter holds the feature-count filtering policies a PS table can be
// initialized with.
package filter

import (
	"errors"
	"fmt"
	"math"

	"github.com/localrivet/embedservice/internal/errortypes"
)

// Mode is the filter mode forwarded to the init layer.
type Mode string

const (
	ModeNone    Mode = "no_filter"
	ModeCounter Mode = "counter"
)

var (
	ErrThreshold     = errors.New("filter: invalid frequency threshold")
	ErrDefaults      = errors.New("filter: exactly one of default key and default value must be set")
	ErrDefaultType   = errors.New("filter: default has the wrong type")
	ErrUnsupported   = errors.New("filter: unsupported filter option")
	ErrMissingFilter = errors.New("filter: filter option is required")
)

// Spec is a filter policy attachable to a table: a *CounterFilter or an
// *EmbeddingVariableOption wrapping one.
type Spec interface {
	counterFilter() *CounterFilter
}

// CounterFilter admits a feature key once it has been seen FilterFreq times;
// until then lookups fall back to the default key or the default value.
type CounterFilter struct {
	FilterFreq        int      `json:"filter_freq" yaml:"filterFreq"`
	DefaultKey        *int64   `json:"default_key,omitempty" yaml:"defaultKey,omitempty"`
	DefaultValue      *float64 `json:"default_value,omitempty" yaml:"defaultValue,omitempty"`
	DefaultKeyOrValue bool     `json:"default_key_or_value" yaml:"defaultKeyOrValue"`
}

func (c *CounterFilter) counterFilter() *CounterFilter { return c }

// EmbeddingVariableOption groups the per-table variable options. Only the
// filter option is honoured; the others are carried for completeness.
type EmbeddingVariableOption struct {
	Filter          *CounterFilter
	Evict           any
	Storage         any
	FeatureFreezing any
	Communication   any
}

func (o *EmbeddingVariableOption) counterFilter() *CounterFilter {
	if o == nil {
		return nil
	}
	return o.Filter
}

// Default selects the fallback used while a key is filtered.
type Default func(*CounterFilter)

// WithDefaultKey falls back to the embedding of key.
func WithDefaultKey(key int64) Default {
	return func(c *CounterFilter) { c.DefaultKey = &key }
}

// WithDefaultValue falls back to a row filled with value.
func WithDefaultValue(value float64) Default {
	return func(c *CounterFilter) { c.DefaultValue = &value }
}

// NewCounterFilter builds a counter filter. Exactly one default must be given.
func NewCounterFilter(filterFreq int, defaults ...Default) (*CounterFilter, error) {
	if filterFreq < 0 {
		return nil, errortypes.ValidationError(ErrThreshold, "filter_freq can not be smaller than 0").
			WithField("filter_freq", filterFreq)
	}
	c := &CounterFilter{FilterFreq: filterFreq}
	for _, d := range defaults {
		if d != nil {
			d(c)
		}
	}
	if c.DefaultKey == nil && c.DefaultValue == nil {
		return nil, errortypes.ValidationError(ErrDefaults, "default_key and default_value can not be both None")
	}
	if c.DefaultKey != nil && c.DefaultValue != nil {
		return nil, errortypes.ValidationError(ErrDefaults, "default_key and default_value can not be both set")
	}
	c.DefaultKeyOrValue = c.DefaultKey != nil
	return c, nil
}

// FromValues builds a counter filter from untyped input, as decoded from
// JSON. The threshold and the default key must be integers, the default
// value any number.
func FromValues(filterFreq any, defaultKey any, defaultValue any) (*CounterFilter, error) {
	freq, ok := asInt(filterFreq)
	if !ok {
		return nil, errortypes.ValidationError(fmt.Errorf("%w: %T", ErrThreshold, filterFreq), "filter_freq must be int")
	}
	if defaultKey == nil && defaultValue == nil {
		return nil, errortypes.ValidationError(ErrDefaults, "default_key and default_value can not be both None")
	}
	if defaultKey != nil && defaultValue != nil {
		return nil, errortypes.ValidationError(ErrDefaults, "default_key and default_value can not be both set")
	}
	if defaultKey != nil {
		key, ok := asInt(defaultKey)
		if !ok {
			return nil, errortypes.ValidationError(fmt.Errorf("%w: %T", ErrDefaultType, defaultKey),
				"when default_key is not None, it must be int")
		}
		return NewCounterFilter(int(freq), WithDefaultKey(key))
	}
	value, ok := asFloat(defaultValue)
	if !ok {
		return nil, errortypes.ValidationError(fmt.Errorf("%w: %T", ErrDefaultType, defaultValue),
			"when default_value is not None, it must be float or int")
	}
	return NewCounterFilter(int(freq), WithDefaultValue(value))
}

// NewEmbeddingVariableOption wraps a counter filter into a variable option.
func NewEmbeddingVariableOption(f *CounterFilter) (*EmbeddingVariableOption, error) {
	if f == nil {
		return nil, errortypes.ValidationError(ErrMissingFilter, "filter_option can't be None")
	}
	return &EmbeddingVariableOption{Filter: f}, nil
}

// Attach resolves the filter a table is registered with. A nil spec, or a
// variable option without filter, yields ModeNone.
func Attach(spec Spec) (Mode, *CounterFilter, error) {
	if spec == nil {
		return ModeNone, nil, nil
	}
	switch s := spec.(type) {
	case *CounterFilter:
		if s == nil {
			return ModeNone, nil, nil
		}
	case *EmbeddingVariableOption:
	default:
		return ModeNone, nil, errortypes.ValidationError(fmt.Errorf("%w: %T", ErrUnsupported, spec),
			"ev_option must be EmbeddingVariableOption type")
	}
	f := spec.counterFilter()
	if f == nil {
		return ModeNone, nil, nil
	}
	cp := *f
	return ModeCounter, &cp, nil
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		// JSON numbers decode as float64; accept only integral values that
		// fit in an int64. 1<<63 is exact in float64, MaxInt64 is not.
		if n == math.Trunc(n) && n >= math.MinInt64 && n < 1<<63 {
			return int64(n), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
