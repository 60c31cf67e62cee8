package frame

import (
	"bytes"
	"testing"
)

func TestRingBuffer_WriteRefusesWhenFull(t *testing.T) {
	rb := NewRingBuffer(8, "test")

	if rb.Capacity() != 7 {
		t.Fatalf("Capacity() = %d, want 7", rb.Capacity())
	}
	if !rb.Write([]byte{1, 2, 3, 4, 5}) {
		t.Fatal("Write of 5 bytes should succeed")
	}
	if rb.Write([]byte{6, 7, 8}) {
		t.Error("Write of 3 bytes into 2 free bytes should fail")
	}
	if rb.DataSize() != 5 {
		t.Errorf("DataSize() = %d, want 5 after refused write", rb.DataSize())
	}
	if !rb.Write([]byte{6, 7}) {
		t.Error("Write filling the buffer exactly should succeed")
	}
	if rb.FreeSpace() != 0 {
		t.Errorf("FreeSpace() = %d, want 0", rb.FreeSpace())
	}
}

func TestRingBuffer_Wraparound(t *testing.T) {
	rb := NewRingBuffer(8, "test")
	out := make([]byte, 4)

	for round := 0; round < 10; round++ {
		in := []byte{byte(round), byte(round + 1), byte(round + 2), byte(round + 3)}
		if !rb.Write(in) {
			t.Fatalf("round %d: Write failed", round)
		}
		rb.CopyOut(out, 0)
		if !bytes.Equal(out, in) {
			t.Fatalf("round %d: CopyOut = %v, want %v", round, out, in)
		}
		rb.Skip(4)
		if !rb.IsEmpty() {
			t.Fatalf("round %d: buffer should be empty", round)
		}
	}
}

func TestRingBuffer_OverwriteDropsOldest(t *testing.T) {
	rb := NewRingBuffer(8, "test")
	rb.Write([]byte{1, 2, 3, 4, 5})

	dropped := rb.Overwrite([]byte{6, 7, 8, 9})
	if dropped != 2 {
		t.Errorf("Overwrite dropped %d, want 2", dropped)
	}

	out := make([]byte, rb.DataSize())
	rb.CopyOut(out, 0)
	want := []byte{3, 4, 5, 6, 7, 8, 9}
	if !bytes.Equal(out, want) {
		t.Errorf("contents = %v, want %v", out, want)
	}

	dropped = rb.Overwrite([]byte{10, 11, 12, 13, 14, 15, 16, 17, 18})
	if dropped != 9 {
		t.Errorf("Overwrite of oversized chunk dropped %d, want 9", dropped)
	}
	out = make([]byte, rb.DataSize())
	rb.CopyOut(out, 0)
	want = []byte{12, 13, 14, 15, 16, 17, 18}
	if !bytes.Equal(out, want) {
		t.Errorf("contents = %v, want %v", out, want)
	}
}

func TestRingBuffer_Sum(t *testing.T) {
	rb := NewRingBuffer(4, "test")
	rb.Write([]byte{0xF0, 0x20})
	rb.Skip(2)
	rb.Write([]byte{0x80, 0x81, 0x01})

	if got := rb.Sum(3); got != 0x02 {
		t.Errorf("Sum(3) = 0x%02X, want 0x02", got)
	}
	if got := rb.At(2); got != 0x01 {
		t.Errorf("At(2) = 0x%02X, want 0x01", got)
	}
}
