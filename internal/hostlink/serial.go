package hostlink

import (
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/dbehnke/canfdbridge/internal/protocol"
)

// SerialLink talks to a device exposing the vendor stream on a serial port.
// Device packets are fixed size, so packet boundaries are recovered by count.
type SerialLink struct {
	port       serial.Port
	packetSize int
	buf        []byte
}

// OpenSerialLink opens portName 8N1.
func OpenSerialLink(portName string, baud, packetSize int) (*SerialLink, error) {
	if packetSize == 0 {
		packetSize = protocol.USB_PACKET_SIZE
	}

	p, err := serial.Open(portName, &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %q: %w", portName, err)
	}
	p.ResetInputBuffer()

	return &SerialLink{port: p, packetSize: packetSize, buf: make([]byte, packetSize)}, nil
}

func (s *SerialLink) WriteChunk(data []byte) error {
	for len(data) > 0 {
		n, err := s.port.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// ReadPacket collects packetSize bytes. A packet started before timeout is
// read to completion.
func (s *SerialLink) ReadPacket(timeout time.Duration) ([]byte, error) {
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return nil, err
	}

	got := 0
	for got < s.packetSize {
		n, err := s.port.Read(s.buf[got:])
		if err != nil {
			return nil, err
		}
		if n == 0 && got == 0 {
			return nil, nil
		}
		got += n
	}
	return append([]byte(nil), s.buf...), nil
}

func (s *SerialLink) Close() error {
	return s.port.Close()
}
