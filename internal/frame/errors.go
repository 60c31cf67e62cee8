package frame

import "errors"

var (
	// ErrFrameTooShort indicates a length below the profile overhead.
	ErrFrameTooShort = errors.New("frame shorter than overhead")

	// ErrFrameTooLong indicates a length the length field cannot encode.
	ErrFrameTooLong = errors.New("frame length exceeds length field")

	// ErrBufferTooSmall indicates the destination cannot hold the frame.
	ErrBufferTooSmall = errors.New("buffer too small for frame")
)
