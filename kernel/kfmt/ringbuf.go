package kfmt

import "io"

// ringBufferSize is the capacity of the early output buffer. It must be a
// power of 2.
const ringBufferSize = 4096

// ringBuffer holds kernel output produced before a console is attached.
// Once full, each write discards the oldest bytes and counts them as
// dropped.
type ringBuffer struct {
	buffer      [ringBufferSize]byte
	start, size int
	dropped     uint64
}

func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.start+rb.size)&(ringBufferSize-1)] = b
		if rb.size < ringBufferSize {
			rb.size++
			continue
		}
		rb.start = (rb.start + 1) & (ringBufferSize - 1)
		rb.dropped++
	}

	return len(p), nil
}

// Read copies the oldest buffered bytes into p. It returns io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.size == 0 {
		return 0, io.EOF
	}

	// The contiguous run ends at the end of the array or of the data.
	n := ringBufferSize - rb.start
	if n > rb.size {
		n = rb.size
	}
	n = copy(p, rb.buffer[rb.start:rb.start+n])

	rb.start = (rb.start + n) & (ringBufferSize - 1)
	rb.size -= n
	return n, nil
}

// Len returns the number of buffered bytes.
func (rb *ringBuffer) Len() int {
	return rb.size
}
