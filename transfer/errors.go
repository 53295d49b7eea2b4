package transfer

import (
	"errors"
	"fmt"
)

// ErrNonFinite reports a NaN or infinite loss or gradient. The run stops at
// the first occurrence.
var ErrNonFinite = errors.New("non-finite loss or gradient")

type Stage string

const (
	StageLoadContent    Stage = "load_content"
	StageLoadStyle      Stage = "load_style"
	StageExtractTargets Stage = "extract_targets"
	StageOptimize       Stage = "optimize"
	StageWrite          Stage = "write"
)

// StageError names the pipeline stage a run failed in. Iteration is only
// meaningful for StageOptimize.
type StageError struct {
	Stage     Stage
	Iteration int
	Err       error
}

func (e *StageError) Error() string {
	if e.Stage == StageOptimize {
		return fmt.Sprintf("%s (iteration %d): %v", e.Stage, e.Iteration, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}
