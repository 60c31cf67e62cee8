package can

import "errors"

var (
	ErrUnknownBitrate = errors.New("unknown bitrate")
	ErrNotIdle        = errors.New("controller not idle")
	ErrNotStarted     = errors.New("bridge not started")
	ErrQueueFull      = errors.New("queue full")
)
