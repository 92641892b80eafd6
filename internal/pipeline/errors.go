package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/cortexhub/creation-engine/internal/pool"
)

// State is a job's position in the pipeline.
type State string

const (
	StateQueued          State = "Queued"
	StateNormalizing     State = "Normalizing"
	StatePlanning        State = "Planning"
	StateGenerating      State = "Generating"
	StateQualityChecking State = "QualityChecking"
	StateCompleted       State = "Completed"
	StateFailed          State = "Failed"
)

// ErrNotInitialized is returned by RunPipeline before Initialize.
var ErrNotInitialized = errors.New("orchestrator not initialized")

// StageError reports which stage aborted a job.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Retryable reports whether resubmitting the same job may succeed.
func Retryable(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrInvalidJob),
		errors.Is(err, ErrNotInitialized),
		errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, pool.ErrRetriesExhausted),
		pool.IsTransient(err),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var se *StageError
	return errors.As(err, &se)
}
