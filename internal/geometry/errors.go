package geometry

import (
	"errors"
	"fmt"
)

var (
	// ErrKernel is the class of all tessellation failures; see KernelError.
	ErrKernel = errors.New("geometry kernel error")
	// ErrNoRepresentation is returned for elements without any shape representation.
	ErrNoRepresentation = errors.New("element has no shape representation")
	// ErrTimeout is returned when a rung exceeds its time budget.
	ErrTimeout = errors.New("geometry extraction timed out")
)

// KernelError describes why one representation item could not be tessellated.
type KernelError struct {
	ID     int
	Item   string
	Reason string
}

// Error returns the formatted error message.
func (e *KernelError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("%s: %s", e.Item, e.Reason)
	}
	return fmt.Sprintf("%s #%d: %s", e.Item, e.ID, e.Reason)
}

// Unwrap makes every KernelError match ErrKernel.
func (e *KernelError) Unwrap() error { return ErrKernel }

func kernelErr(id int, item, format string, args ...any) error {
	return &KernelError{ID: id, Item: item, Reason: fmt.Sprintf(format, args...)}
}
