package frame

import (
	"fmt"
	"sync/atomic"

	"github.com/dbehnke/canfdbridge/internal/protocol"
)

// Formatter stamps outbound frames with tag, length, sequence and checksum.
// The sequence counter is shared by every frame the formatter produces and
// wraps at the profile's field width.
type Formatter struct {
	profile  protocol.Profile
	sequence atomic.Uint32
}

// NewFormatter creates a formatter for the given profile.
func NewFormatter(profile protocol.Profile) *Formatter {
	return &Formatter{profile: profile}
}

// Profile returns the formatter's wire profile.
func (f *Formatter) Profile() protocol.Profile {
	return f.profile
}

// FormatFrame completes a frame of length bytes in buf whose payload has
// already been written at the profile's payload offset.
func (f *Formatter) FormatFrame(buf []byte, length int) error {
	overhead := f.profile.Overhead()
	if length < overhead {
		return fmt.Errorf("%w: %d < %d", ErrFrameTooShort, length, overhead)
	}
	if uint64(length) > f.profile.MaxLength() {
		return fmt.Errorf("%w: %d", ErrFrameTooLong, length)
	}
	if len(buf) < length {
		return fmt.Errorf("%w: have %d, need %d", ErrBufferTooSmall, len(buf), length)
	}

	buf[0] = protocol.TAG_SOF
	putLittleEndian(buf[f.profile.LengthOffset():], uint64(length), f.profile.LengthSize)

	seq := f.sequence.Add(1) - 1
	putLittleEndian(buf[f.profile.SequenceOffset():], uint64(seq), f.profile.SequenceSize)

	buf[length-1] = Checksum(buf[:length-1])
	return nil
}

// AppendFrame wraps payload in a complete frame and appends it to dst.
func (f *Formatter) AppendFrame(dst, payload []byte) ([]byte, error) {
	length := f.profile.Overhead() + len(payload)
	start := len(dst)

	dst = append(dst, make([]byte, length)...)
	copy(dst[start+f.profile.PayloadOffset():], payload)

	if err := f.FormatFrame(dst[start:], length); err != nil {
		return dst[:start], err
	}
	return dst, nil
}

// NextSequence returns the sequence number the next frame will carry.
func (f *Formatter) NextSequence() uint32 {
	return f.sequence.Load() & sequenceMask(f.profile)
}

// Checksum returns the byte that makes the modulo-256 sum of data plus the
// checksum zero.
func Checksum(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return ^sum + 1
}

func sequenceMask(p protocol.Profile) uint32 {
	if p.SequenceSize >= 4 {
		return 0xFFFFFFFF
	}
	return 1<<(8*uint(p.SequenceSize)) - 1
}

func putLittleEndian(dst []byte, v uint64, size int) {
	for i := 0; i < size; i++ {
		dst[i] = uint8(v >> (8 * uint(i)))
	}
}
