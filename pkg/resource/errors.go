package resource

import (
	"errors"
	"fmt"
)

// ErrInactive is returned when an operation is attempted on a resource whose
// lifecycle has already ended.
var ErrInactive = errors.New("resource is no longer active")

// KindMismatchError reports a factory or caller handing the wrong resource
// kind to a pool or manager. This is a programmer error, distinct from
// transient backend failures, and is never retried.
type KindMismatchError struct {
	ResourceID string
	Want       Kind
	Got        Kind
}

func (e *KindMismatchError) Error() string {
	if e.Want == "" {
		return fmt.Sprintf("resource %s: unsupported kind %q", e.ResourceID, e.Got)
	}
	return fmt.Sprintf("resource %s: kind mismatch: want %q, got %q", e.ResourceID, e.Want, e.Got)
}
