package errors

import (
	"errors"
	"fmt"
)

// Sentinel causes for fatal compilation errors. A CompileError wraps one of
// these so callers can match with errors.Is.
var (
	ErrInvalidTrace   = errors.New("invalid trace")
	ErrFrameTooDeep   = errors.New("frame depth exceeds limit")
	ErrCodeBufferFull = errors.New("code buffer cannot grow")
	ErrUnguardedCall  = errors.New("raising call without exception guard")
	ErrUnknownGuard   = errors.New("unknown guard id")
	ErrBridgeAttached = errors.New("guard already has a bridge")
)

// CompileError aborts one compilation attempt. The runtime does not JIT the
// trace and falls back to its slower path.
type CompileError struct {
	Message string
	Cause   error
}

func (e *CompileError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CompileError) Unwrap() error {
	return e.Cause
}

// IsCompileError checks if an error is a compile error
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}

// WrapCompileError wraps an existing error as a compile error
func WrapCompileError(err error, message string) *CompileError {
	return &CompileError{
		Message: message,
		Cause:   err,
	}
}

// CompileErrorf creates a compile error around cause with a formatted message
func CompileErrorf(cause error, format string, args ...interface{}) *CompileError {
	return &CompileError{
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// EncodingError reports an operand combination the encoder has no form for.
// It is raised with panic: it means the allocator or assembler broke the
// encoder's contract.
type EncodingError struct {
	Mnemonic string
	Operands string
	Reason   string
}

func (e *EncodingError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot encode %s %s: %s", e.Mnemonic, e.Operands, e.Reason)
	}
	return fmt.Sprintf("cannot encode %s %s", e.Mnemonic, e.Operands)
}
