package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors of a multi-step operation, logs them once, and returns the joined error.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	joined := errors.Join(errs...)
	if joined == nil {
		return nil
	}
	var count int
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			count++
			messages = append(messages, err.Error())
		}
	}
	logFields := append(fields,
		F("operation", operation),
		F("error_count", count),
		F("errors", messages),
	)
	Log().Error("operation errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, joined)
}
