package ingestion

import (
	"fmt"

	"go.uber.org/multierr"

	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
)

// RowError is a non-fatal problem with one staging row.
type RowError struct {
	Row    int
	Field  string
	Reason string
}

func (e *RowError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
	}
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Reason)
}

// maxFatalSamples bounds how many row errors are folded into a FatalJobError.
const maxFatalSamples = 10

// newFatalRatioError aggregates sampled row errors once the failure ratio is breached.
func newFatalRatioError(failed, examined int, threshold float64, samples []error) error {
	if len(samples) > maxFatalSamples {
		samples = samples[:maxFatalSamples]
	}
	cause := multierr.Combine(samples...)
	msg := fmt.Sprintf("%d of %d rows failed (ratio %.2f exceeds %.2f)", failed, examined, float64(failed)/float64(examined), threshold)
	return pkgerrors.Wrap(pkgerrors.CodeFatalJob, cause, msg).
		WithDetails(map[string]any{"failed_rows": failed, "examined_rows": examined})
}

func fatalf(cause error, format string, args ...any) error {
	return pkgerrors.Wrap(pkgerrors.CodeFatalJob, cause, fmt.Sprintf(format, args...))
}
