package hal

import (
	"errors"
	"io"
	"sync"
	"time"
)

// MEMORY_READ_POLL bounds how long Read waits for host data.
const MEMORY_READ_POLL = 50 * time.Millisecond

var ErrTransportClosed = errors.New("transport closed")

// MemoryTransport is an in-process vendor endpoint pair. The host side writes
// with HostWrite and collects packets with HostRead; each HostRead completes
// the outstanding device write.
type MemoryTransport struct {
	out    chan []byte // host to device
	in     chan []byte // device to host
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	onComplete func()
}

// NewMemoryTransport creates a transport buffering depth chunks each way.
func NewMemoryTransport(depth int) *MemoryTransport {
	if depth < 1 {
		depth = 1
	}
	return &MemoryTransport{
		out:    make(chan []byte, depth),
		in:     make(chan []byte, depth),
		closed: make(chan struct{}),
	}
}

// Read returns the next host chunk or 0 bytes after MEMORY_READ_POLL.
// A chunk larger than p is truncated. After Close it returns io.EOF.
func (m *MemoryTransport) Read(p []byte) (int, error) {
	select {
	case data := <-m.out:
		return copy(p, data), nil
	case <-m.closed:
		return 0, io.EOF
	case <-time.After(MEMORY_READ_POLL):
		return 0, nil
	}
}

// Write queues one device packet for the host.
func (m *MemoryTransport) Write(packet []byte) error {
	select {
	case <-m.closed:
		return ErrTransportClosed
	default:
	}

	select {
	case m.in <- append([]byte(nil), packet...):
		return nil
	default:
		return errors.New("memory transport IN buffer full")
	}
}

// WriteAvailable reports whether the IN side has room.
func (m *MemoryTransport) WriteAvailable() bool {
	return len(m.in) < cap(m.in)
}

func (m *MemoryTransport) SetTxCompleteHandler(fn func()) {
	m.mu.Lock()
	m.onComplete = fn
	m.mu.Unlock()
}

// HostWrite sends bytes toward the device.
func (m *MemoryTransport) HostWrite(data []byte) error {
	select {
	case m.out <- append([]byte(nil), data...):
		return nil
	case <-m.closed:
		return ErrTransportClosed
	}
}

// HostRead waits up to timeout for a device packet and completes the write.
func (m *MemoryTransport) HostRead(timeout time.Duration) ([]byte, error) {
	select {
	case pkt := <-m.in:
		m.mu.Lock()
		fn := m.onComplete
		m.mu.Unlock()
		if fn != nil {
			fn()
		}
		return pkt, nil
	case <-m.closed:
		return nil, ErrTransportClosed
	case <-time.After(timeout):
		return nil, nil
	}
}

// Close unblocks both sides.
func (m *MemoryTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}
