package kfmt

import (
	"fmt"
	"io"
)

// Sink is the destination for all kernel output. Until an output device is
// attached, writes accumulate in a ring buffer; attaching a device flushes
// the buffered data to it.
type Sink struct {
	early  ringBuffer
	output io.Writer
}

// Write implements io.Writer.
func (s *Sink) Write(p []byte) (int, error) {
	if s.output == nil {
		return s.early.Write(p)
	}
	return s.output.Write(p)
}

// SetOutput sets the target for kernel output to w and copies any data
// accumulated in the early buffer to it, preceded by a notice if the buffer
// overflowed. Passing nil reverts to buffering.
func (s *Sink) SetOutput(w io.Writer) error {
	s.output = w
	if w == nil {
		return nil
	}

	if lost := s.early.dropped; lost != 0 {
		s.early.dropped = 0
		if _, err := fmt.Fprintf(w, "[kfmt] %d bytes of early output lost\n", lost); err != nil {
			return err
		}
	}

	_, err := io.Copy(w, &s.early)
	return err
}

// Output returns the attached output device or nil if output is buffered.
func (s *Sink) Output() io.Writer {
	return s.output
}

// Dropped returns the number of early output bytes discarded since the last
// flush because the buffer was full.
func (s *Sink) Dropped() uint64 {
	return s.early.dropped
}

// Buffered returns the number of bytes waiting in the early buffer.
func (s *Sink) Buffered() int {
	return s.early.Len()
}
