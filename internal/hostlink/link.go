package hostlink

import (
	"time"

	"github.com/dbehnke/canfdbridge/internal/hal"
)

// Link is the host end of the vendor endpoint pair.
type Link interface {
	// WriteChunk sends bytes toward the device.
	WriteChunk(data []byte) error
	// ReadPacket returns one device packet, or nil after timeout.
	ReadPacket(timeout time.Duration) ([]byte, error)
	Close() error
}

// MemoryLink is the host side of an in-process hal.MemoryTransport.
type MemoryLink struct {
	transport *hal.MemoryTransport
}

// NewMemoryLink wraps transport.
func NewMemoryLink(transport *hal.MemoryTransport) *MemoryLink {
	return &MemoryLink{transport: transport}
}

func (m *MemoryLink) WriteChunk(data []byte) error {
	return m.transport.HostWrite(data)
}

func (m *MemoryLink) ReadPacket(timeout time.Duration) ([]byte, error) {
	return m.transport.HostRead(timeout)
}

func (m *MemoryLink) Close() error {
	return m.transport.Close()
}
