// internal/job/errors.go
package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/mediakit/imagestudio/internal/download"
	"github.com/mediakit/imagestudio/pkg/schema"
)

// ErrCancelled is injected by the orchestrator when a job's
// cancellation flag is observed; it is not a true failure.
var ErrCancelled = errors.New("job cancelled")

// ItemError carries the stage an item failed in plus a failure
// classification consumers can act on.
type ItemError struct {
	Stage schema.Stage
	Type  schema.FailureType
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

func stageErr(stage schema.Stage, t schema.FailureType, err error) *ItemError {
	return &ItemError{Stage: stage, Type: t, Err: err}
}

// classifyDownload maps a downloader failure onto the taxonomy:
// transient network faults versus permanent request errors.
func classifyDownload(err error) *ItemError {
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return stageErr(schema.StageDownload, schema.FailureCancelled, ErrCancelled)
	}
	var derr *download.Error
	if errors.As(err, &derr) && !derr.Transient {
		return stageErr(schema.StageDownload, schema.FailurePermanent, err)
	}
	return stageErr(schema.StageDownload, schema.FailureTransient, err)
}
