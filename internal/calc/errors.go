package calc

import (
	"errors"

	"github.com/ksys/vtag-engine/internal/calc/expr"
)

// Evaluation and authoring failures. Evaluators wrap these with context, so
// match them with errors.Is.
var (
	ErrMalformedFormula             = expr.ErrSyntax
	ErrDivisionByZero               = expr.ErrDivisionByZero
	ErrNonFinite                    = expr.ErrNonFinite
	ErrUnsupportedFunction          = errors.New("unsupported function")
	ErrInvalidComparator            = errors.New("invalid comparator")
	ErrMissingInput                 = errors.New("missing input")
	ErrDefinitionNotFoundOrDisabled = errors.New("definition not found or disabled")
	ErrCyclicDependency             = errors.New("cyclic dependency")
	ErrInvalidConfig                = errors.New("invalid calculation config")
	ErrUnknownSource                = errors.New("unknown source tag")
	ErrEvaluationTimeout            = errors.New("evaluation timed out")
)

// IsAuthoringError reports whether err should reject a definition save rather
// than be recorded as an evaluation failure.
func IsAuthoringError(err error) bool {
	return errors.Is(err, ErrMalformedFormula) ||
		errors.Is(err, ErrUnsupportedFunction) ||
		errors.Is(err, ErrInvalidComparator) ||
		errors.Is(err, ErrCyclicDependency) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrUnknownSource)
}
