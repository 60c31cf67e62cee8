//go:build !linux

package hal

import (
	"errors"
	"log"
)

// SocketCANController is only available on Linux.
type SocketCANController struct {
	LoopbackController
}

// NewSocketCANController always fails off Linux.
func NewSocketCANController(iface string, logger *log.Logger) (*SocketCANController, error) {
	return nil, errors.New("socketcan is only supported on linux")
}
