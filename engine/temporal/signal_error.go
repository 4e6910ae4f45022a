package temporal

import (
	"errors"
	"fmt"

	"go.temporal.io/api/serviceerror"

	"lars/engine"
)

// mapSignalError translates Temporal service errors returned by
// SignalWorkflow/CancelWorkflow/DescribeWorkflowExecution into the
// engine package's backend-agnostic sentinels, so the signal package can
// branch on engine.ErrWorkflowNotFound/ErrWorkflowCompleted without
// importing go.temporal.io/api itself. Unrecognized errors pass through
// wrapped, not swallowed.
func mapSignalError(err error) error {
	if err == nil {
		return nil
	}
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, err)
	}
	var failedPrecond *serviceerror.FailedPrecondition
	if errors.As(err, &failedPrecond) {
		return fmt.Errorf("%w: %s", engine.ErrWorkflowCompleted, err)
	}
	return err
}
