// Package initializer normalizes the initializers accepted for PS tables into
// the canonical record the parameter servers understand.
package initializer

import (
	"errors"
	"fmt"

	"github.com/localrivet/embedservice/internal/errortypes"
)

// Kind tags an initializer variant.
type Kind int

const (
	KindUniform Kind = iota + 1
	KindTruncatedNormal
	KindConstant
	KindCanonical
)

// Canonical initializer modes understood by the PS.
const (
	ModeRandomUniform   = "random_uniform"
	ModeTruncatedNormal = "truncated_normal"
	ModeConstant        = "constant"
)

// ErrUnsupported is wrapped by the TypeError Normalize returns.
var ErrUnsupported = errors.New("initializer: unsupported initializer")

// Initializer is one of Uniform, TruncatedNormal, Constant or *Canonical.
type Initializer interface {
	Kind() Kind
}

// Uniform draws from [-Scale, Scale].
type Uniform struct {
	Scale float64
	Seed  int
}

// TruncatedNormal draws from a normal distribution truncated at two sigmas.
type TruncatedNormal struct {
	Mean  float64
	Sigma float64
	Seed  int
}

// Constant fills every value with Value.
type Constant struct {
	Value float64
}

// Canonical is the normalized initializer forwarded to the init layer.
type Canonical struct {
	Mode          string  `json:"initializer_mode" yaml:"mode"`
	Min           float64 `json:"min" yaml:"min"`
	Max           float64 `json:"max" yaml:"max"`
	ConstantValue float64 `json:"constant_value" yaml:"constantValue"`
	Mu            float64 `json:"mu" yaml:"mu"`
	Sigma         float64 `json:"sigma" yaml:"sigma"`
	Seed          int     `json:"seed" yaml:"seed"`
}

func (Uniform) Kind() Kind         { return KindUniform }
func (TruncatedNormal) Kind() Kind { return KindTruncatedNormal }
func (Constant) Kind() Kind        { return KindConstant }
func (*Canonical) Kind() Kind      { return KindCanonical }

// Default is the uniform initializer tables get unless told otherwise.
func Default() Uniform {
	return Uniform{Scale: 0.01}
}

// New returns a canonical record of the given mode with the default ranges.
func New(mode string) *Canonical {
	return &Canonical{
		Mode:          mode,
		Min:           -0.01,
		Max:           0.01,
		ConstantValue: 1.0,
		Mu:            0.0,
		Sigma:         1.0,
	}
}

// Normalize converts any supported variant to its canonical record.
// Any other implementation of Initializer is rejected with a TypeError.
func Normalize(init Initializer) (*Canonical, error) {
	switch v := init.(type) {
	case Uniform:
		return fromUniform(v), nil
	case *Uniform:
		if v != nil {
			return fromUniform(*v), nil
		}
	case TruncatedNormal:
		return fromTruncatedNormal(v), nil
	case *TruncatedNormal:
		if v != nil {
			return fromTruncatedNormal(*v), nil
		}
	case Constant:
		return fromConstant(v), nil
	case *Constant:
		if v != nil {
			return fromConstant(*v), nil
		}
	case *Canonical:
		if v != nil {
			c := *v
			return &c, nil
		}
	}
	return nil, errortypes.TypeError(fmt.Errorf("%w: %T", ErrUnsupported, init),
		"initializer must be a canonical initializer, Uniform, TruncatedNormal or Constant")
}

func fromUniform(u Uniform) *Canonical {
	c := New(ModeRandomUniform)
	c.Min = -u.Scale
	c.Max = u.Scale
	c.Seed = u.Seed
	return c
}

func fromTruncatedNormal(t TruncatedNormal) *Canonical {
	c := New(ModeTruncatedNormal)
	c.Mu = t.Mean
	c.Sigma = t.Sigma
	c.Seed = t.Seed
	return c
}

func fromConstant(k Constant) *Canonical {
	c := New(ModeConstant)
	c.ConstantValue = k.Value
	return c
}
