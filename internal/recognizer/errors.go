package recognizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andresmejia3/faceengine/internal/native"
)

// ErrNoFace is matched by every NoFaceError.
var ErrNoFace = errors.New("no face detected")

// NoFaceError reports an image that yielded no usable face. Code is the native status of the
// failing call, zero when detection simply found nothing.
type NoFaceError struct {
	Source string
	Code   native.Code
}

func (e *NoFaceError) Error() string {
	if e.Code != native.OK {
		return fmt.Sprintf("%s: no face detected (error code %d)", e.Source, int64(e.Code))
	}
	return fmt.Sprintf("%s: no face detected", e.Source)
}

func (e *NoFaceError) Unwrap() []error {
	if e.Code != native.OK {
		return []error{ErrNoFace, e.Code}
	}
	return []error{ErrNoFace}
}

// BatchError collects the per-image failures of a batch registration.
type BatchError struct {
	Total  int
	Errors []error
}

func (e *BatchError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d of %d images failed: %s", len(e.Errors), e.Total, strings.Join(msgs, "; "))
}

func (e *BatchError) Unwrap() []error { return e.Errors }
