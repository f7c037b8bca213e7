package sandbox

import "fmt"

// FailureKind classifies why a worker execution produced no usable
// response.
type FailureKind int

const (
	// Timeout means the deadline elapsed before the entry point returned.
	Timeout FailureKind = iota
	// ResourceExceeded means the worker went over one of its resource
	// ceilings, such as the output size limit.
	ResourceExceeded
	// RuntimeTrap means the module trapped or exited with a non-zero code.
	RuntimeTrap
	// ProtocolViolation means the module ran to completion but what it
	// wrote to stdout is not a valid output document.
	ProtocolViolation
)

func (k FailureKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case ResourceExceeded:
		return "resource exceeded"
	case RuntimeTrap:
		return "runtime trap"
	case ProtocolViolation:
		return "protocol violation"
	default:
		return "unknown"
	}
}

// Failure is the structured outcome of a failed execution. It satisfies
// error so it can flow back through the usual return path; callers that
// need the classification unwrap it with errors.As.
type Failure struct {
	Kind FailureKind
	Err  error
	// Stderr is whatever the worker wrote to its error stream, kept for
	// diagnostics.
	Stderr string
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}
