package record

import "fmt"

// RecognitionError reports a payload that matches none of the known
// record shapes.
type RecognitionError struct {
	Reason string
}

func (e *RecognitionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("unrecognized record: %s", e.Reason)
}

func unrecognized(format string, args ...any) *RecognitionError {
	return &RecognitionError{Reason: fmt.Sprintf(format, args...)}
}
