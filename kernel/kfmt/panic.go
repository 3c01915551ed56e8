package kfmt

import (
	"fmt"
	"io"

	"nucleos/kernel"
)

// Halter is implemented by the CPU.
type Halter interface {
	Halt()
}

var errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

// Panic outputs the supplied error (if not nil) to w and halts the CPU. The
// CPU does not execute any further instructions after Panic returns.
func Panic(w io.Writer, cpu Halter, e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	fmt.Fprintf(w, "\n-----------------------------------\n")
	if err != nil {
		fmt.Fprintf(w, "[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	fmt.Fprintf(w, "*** kernel panic: system halted ***")
	fmt.Fprintf(w, "\n-----------------------------------\n")

	cpu.Halt()
}
