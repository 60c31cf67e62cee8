package frame

import (
	"fmt"
)

// RingBuffer is a fixed size byte ring with independent read and write
// pointers. rdPtr == wrPtr means empty, so one slot always stays unused and the
// usable capacity is length-1. Callers provide their own locking.
type RingBuffer struct {
	name   string
	buffer []uint8
	length int
	rdPtr  int
	wrPtr  int
}

// NewRingBuffer creates a ring buffer backed by length bytes.
func NewRingBuffer(length int, name string) *RingBuffer {
	if length < 2 {
		panic("RingBuffer length must be >= 2")
	}

	return &RingBuffer{
		name:   name,
		buffer: make([]uint8, length),
		length: length,
	}
}

// Capacity returns the number of bytes the ring can hold.
func (rb *RingBuffer) Capacity() int {
	return rb.length - 1
}

// DataSize returns the number of unread bytes.
func (rb *RingBuffer) DataSize() int {
	if rb.wrPtr >= rb.rdPtr {
		return rb.wrPtr - rb.rdPtr
	}
	return rb.wrPtr + rb.length - rb.rdPtr
}

// FreeSpace returns how many bytes can be written without overtaking the reader.
func (rb *RingBuffer) FreeSpace() int {
	return rb.Capacity() - rb.DataSize()
}

func (rb *RingBuffer) IsEmpty() bool {
	return rb.rdPtr == rb.wrPtr
}

// Write appends data only if all of it fits. Nothing is written otherwise.
func (rb *RingBuffer) Write(data []uint8) bool {
	if len(data) > rb.FreeSpace() {
		return false
	}

	for _, b := range data {
		rb.buffer[rb.wrPtr] = b
		rb.wrPtr = (rb.wrPtr + 1) % rb.length
	}

	return true
}

// Overwrite appends data, discarding the oldest unread bytes to make room.
// Returns the number of bytes lost.
func (rb *RingBuffer) Overwrite(data []uint8) int {
	dropped := 0

	// Only the newest Capacity() bytes can survive
	if excess := len(data) - rb.Capacity(); excess > 0 {
		dropped += excess
		data = data[excess:]
	}

	if need := len(data) - rb.FreeSpace(); need > 0 {
		rb.Skip(need)
		dropped += need
	}

	rb.Write(data)
	return dropped
}

// At returns the unread byte at offset from the read pointer.
func (rb *RingBuffer) At(offset int) uint8 {
	return rb.buffer[(rb.rdPtr+offset)%rb.length]
}

// Sum adds n unread bytes modulo 256.
func (rb *RingBuffer) Sum(n int) uint8 {
	var sum uint8
	idx := rb.rdPtr
	for i := 0; i < n; i++ {
		sum += rb.buffer[idx]
		idx = (idx + 1) % rb.length
	}
	return sum
}

// CopyOut copies len(dst) unread bytes starting at offset without consuming them.
func (rb *RingBuffer) CopyOut(dst []uint8, offset int) {
	idx := (rb.rdPtr + offset) % rb.length
	for i := range dst {
		dst[i] = rb.buffer[idx]
		idx = (idx + 1) % rb.length
	}
}

// Skip consumes n unread bytes.
func (rb *RingBuffer) Skip(n int) {
	if n > rb.DataSize() {
		n = rb.DataSize()
	}
	rb.rdPtr = (rb.rdPtr + n) % rb.length
}

// Clear drops all unread data.
func (rb *RingBuffer) Clear() {
	rb.rdPtr = 0
	rb.wrPtr = 0
}

// GetName returns the buffer name for debugging
func (rb *RingBuffer) GetName() string {
	return rb.name
}

// String returns a string representation for debugging
func (rb *RingBuffer) String() string {
	return fmt.Sprintf("RingBuffer[%s]: size=%d, capacity=%d, rd=%d, wr=%d",
		rb.name, rb.DataSize(), rb.Capacity(), rb.rdPtr, rb.wrPtr)
}
