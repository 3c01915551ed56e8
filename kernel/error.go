package kernel

// Error describes a kernel error. Kernel errors are defined as package-level
// variables that point to an Error value so callers can match them with
// errors.Is. Code that needs to attach extra context to an error should log
// it rather than wrapping, since every layer up to the syscall gateway
// compares against the sentinel values.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error message prefixed by the module that raised it.
func (e *Error) String() string {
	return "[" + e.Module + "] " + e.Message
}
