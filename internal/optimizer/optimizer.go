// Package optimizer enumerates the optimizers a PS table can be trained with,
// along with the slot variables and hyperparameter buffer each one needs.
package optimizer

import (
	"errors"
	"fmt"

	"github.com/localrivet/embedservice/internal/errortypes"
)

// Kind is a closed set of optimizer kinds.
type Kind int

const (
	// None marks a table without an optimizer. It is not trainable, keeps no
	// slots and covers the sgd default of non-PS variables.
	None Kind = iota
	Adam
	Adagrad
	AdamW
)

var (
	ErrUnsupported = errors.New("optimizer: unsupported optimizer")
	ErrParamCount  = errors.New("optimizer: wrong number of optimizer params")
)

var names = map[Kind]string{
	None:    "",
	Adam:    "adam",
	Adagrad: "adagrad",
	AdamW:   "adamw",
}

// String returns the wire name of the optimizer.
func (k Kind) String() string {
	return names[k]
}

// Parse resolves a PS table optimizer name. The empty name yields None.
// Only adam, adagrad and adamw are accepted.
func Parse(name string) (Kind, error) {
	switch name {
	case "":
		return None, nil
	case "adam":
		return Adam, nil
	case "adagrad":
		return Adagrad, nil
	case "adamw":
		return AdamW, nil
	}
	return None, errortypes.ValidationError(ErrUnsupported, "optimizer should be one of adam, adagrad, adamw").
		WithField("optimizer", name)
}

// SlotVarCount is the number of per-row optimizer state vectors.
// adam and adamw keep m and v, adagrad keeps one accumulator.
func (k Kind) SlotVarCount() int {
	switch k {
	case None:
		return 0
	case Adagrad:
		return 1
	default:
		return 2
	}
}

// Trainable reports whether a table with this optimizer is trained.
func (k Kind) Trainable() bool {
	return k != None
}

// ParamBuffer builds the hyperparameter buffer forwarded to the PS.
// adagrad takes exactly one param, its initial accumulator value. adam
// and adamw get a single zero placeholder whatever was supplied.
func (k Kind) ParamBuffer(params []float32) ([]float32, error) {
	switch k {
	case None:
		return nil, nil
	case Adagrad:
		if len(params) != 1 {
			return nil, errortypes.ValidationError(
				fmt.Errorf("%w: got %d, want 1", ErrParamCount, len(params)),
				"for adagrad optimizer, optimizer_param should have 1 param, initial_accumulator_value")
		}
		return []float32{params[0]}, nil
	default:
		return []float32{0}, nil
	}
}
