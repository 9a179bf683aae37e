package image

import "fmt"

// SizingError means declared content or table overhead exceeds a requested
// fixed size. It is always raised before the backing file is touched.
type SizingError struct {
	// Partition is the one-based partition number, or 0 when the device
	// size as a whole is exceeded.
	Partition int
	NeedBytes int64
	HaveBytes int64
}

func (e *SizingError) Error() string {
	if e.Partition == 0 {
		return fmt.Sprintf("image does not fit: layout needs %d bytes, device size is fixed at %d", e.NeedBytes, e.HaveBytes)
	}
	return fmt.Sprintf("partition %d does not fit: content needs %d bytes, size is fixed at %d", e.Partition, e.NeedBytes, e.HaveBytes)
}

// StateError means the spec was mutated or built outside the collection
// phase.
type StateError struct {
	Op    string
	Phase Phase
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s: build is in phase %s", e.Op, e.Phase)
}

// PhaseError wraps a failure with the phase and partition it happened in,
// so a failed build can be diagnosed without re-running with tracing.
type PhaseError struct {
	Phase string
	// Partition is the one-based partition number, or 0 for device-level
	// phases like writing the table.
	Partition int
	Err       error
}

func (e *PhaseError) Error() string {
	if e.Partition == 0 {
		return fmt.Sprintf("%s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s partition %d: %v", e.Phase, e.Partition, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }
