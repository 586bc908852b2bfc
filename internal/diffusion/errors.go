package diffusion

import "errors"

// Failure classes for the sampling core. Callers classify with errors.Is;
// none of these are ever retried, since sampling is deterministic given its
// inputs and a retry would reproduce the same failure.
var (
	// ErrConfig marks invalid strength, guidance, step-count, or schedule
	// parameters. Caught at call entry.
	ErrConfig = errors.New("diffusion: invalid configuration")

	// ErrShape marks tensor rank or dimension mismatches.
	ErrShape = errors.New("diffusion: tensor shape mismatch")

	// ErrNumerical marks degenerate schedule values such as a zero
	// alpha-cumulative-product or a non-finite latent. Fatal to the
	// in-progress trajectory.
	ErrNumerical = errors.New("diffusion: numerical degeneracy")
)
