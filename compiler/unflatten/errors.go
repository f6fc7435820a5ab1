package unflatten

import "tlog.app/go/errors"

var (
	// ErrPatternNotFound means the function has no dispatcher. Not a failure.
	ErrPatternNotFound = errors.New("flattening pattern not found")

	// ErrAmbiguousSlice is a local failure: one path could not be resolved.
	ErrAmbiguousSlice = errors.New("ambiguous slice")

	// ErrNoClusterHead is a local failure: no consistent cluster head.
	ErrNoClusterHead = errors.New("no cluster head")

	// ErrStructural stops processing of the function.
	ErrStructural = errors.New("structural inconsistency")

	// ErrInvariant is an internal invariant violation. Stops processing of the function.
	ErrInvariant = errors.New("internal invariant violation")
)

func isFatal(err error) bool {
	return errors.Is(err, ErrStructural) || errors.Is(err, ErrInvariant)
}
