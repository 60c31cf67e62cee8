package hal

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// SerialConfig selects the tty carrying the vendor stream, for example a USB
// gadget port on the device or a CDC-ACM port on a test rig.
type SerialConfig struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
}

// SerialTransport carries the vendor endpoint pair over a serial port.
// Writes are handed to a writer goroutine and complete asynchronously.
type SerialTransport struct {
	port serial.Port

	packets chan []byte
	busy    atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	mu         sync.Mutex
	onComplete func()
	writeErr   error
}

// OpenSerialTransport opens the port 8N1 and starts the writer.
func OpenSerialTransport(cfg SerialConfig) (*SerialTransport, error) {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}

	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %q: %w", cfg.Port, err)
	}
	if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	p.ResetInputBuffer()

	t := &SerialTransport{
		port:    p,
		packets: make(chan []byte, 1),
		done:    make(chan struct{}),
	}
	t.wg.Add(1)
	go t.writer()
	return t, nil
}

// Read returns 0 bytes when the read timeout expires.
func (t *SerialTransport) Read(p []byte) (int, error) {
	return t.port.Read(p)
}

// Write queues one packet for the writer goroutine.
func (t *SerialTransport) Write(packet []byte) error {
	if !t.busy.CompareAndSwap(false, true) {
		return errors.New("serial transport busy")
	}

	select {
	case t.packets <- append([]byte(nil), packet...):
		return nil
	case <-t.done:
		t.busy.Store(false)
		return ErrTransportClosed
	}
}

func (t *SerialTransport) WriteAvailable() bool {
	return !t.busy.Load()
}

func (t *SerialTransport) SetTxCompleteHandler(fn func()) {
	t.mu.Lock()
	t.onComplete = fn
	t.mu.Unlock()
}

// LastWriteError returns the most recent error seen by the writer.
func (t *SerialTransport) LastWriteError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeErr
}

func (t *SerialTransport) writer() {
	defer t.wg.Done()

	for {
		select {
		case <-t.done:
			return
		case pkt := <-t.packets:
			for len(pkt) > 0 {
				n, err := t.port.Write(pkt)
				if err != nil {
					t.mu.Lock()
					t.writeErr = err
					t.mu.Unlock()
					break
				}
				pkt = pkt[n:]
			}

			t.busy.Store(false)

			t.mu.Lock()
			fn := t.onComplete
			t.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	}
}

// Close stops the writer and closes the port.
func (t *SerialTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		t.wg.Wait()
		err = t.port.Close()
	})
	return err
}
