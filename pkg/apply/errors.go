package apply

import (
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// ConflictError is a field ownership conflict on apply: another field manager
// owns a field this operator wants to set.
type ConflictError struct {
	Object string
	Err    error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict applying %s: %v", e.Object, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// APIError is any cluster API failure other than a conflict or, on delete, a
// missing object.
type APIError struct {
	Object string
	Err    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("error reconciling %s: %v", e.Object, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classify maps a raw client error onto the error taxonomy. NotFound errors
// are returned as they are.
func classify(objDesc string, err error) error {
	switch {
	case err == nil:
		return nil
	case apierrors.IsConflict(err):
		return &ConflictError{Object: objDesc, Err: err}
	case apierrors.IsNotFound(err):
		return err
	default:
		return &APIError{Object: objDesc, Err: err}
	}
}
