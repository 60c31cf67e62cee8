//go:build linux

package hal

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	brutella "github.com/brutella/can"

	"github.com/dbehnke/canfdbridge/internal/can"
)

// Raw SocketCAN identifier flag for 29 bit frames
const canEFFFlag = 0x80000000

// SocketCANController drives a Linux SocketCAN interface. Bit timing is owned
// by the kernel interface configuration; Configure only records it. Only
// classic frames are carried.
type SocketCANController struct {
	iface  string
	logger *log.Logger

	mu         sync.Mutex
	bus        *brutella.Bus
	timing     can.BitrateConfig
	started    bool
	irqEnabled bool
	isr        can.ISR

	timestamp atomic.Uint32
}

// NewSocketCANController creates a controller for interface iface ("can0").
func NewSocketCANController(iface string, logger *log.Logger) (*SocketCANController, error) {
	if iface == "" {
		return nil, errors.New("socketcan interface name required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &SocketCANController{iface: iface, logger: logger}, nil
}

func (s *SocketCANController) Configure(cfg can.BitrateConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return can.ErrNotIdle
	}
	s.timing = cfg
	s.logger.Printf("%s: requested %s (interface bitrate is set with ip link)", s.iface, cfg)
	return nil
}

func (s *SocketCANController) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	bus, err := brutella.NewBusForInterfaceWithName(s.iface)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.iface, err)
	}
	bus.Subscribe(s)

	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			s.logger.Printf("%s: receive loop ended: %v", s.iface, err)
		}
	}()

	s.bus = bus
	s.started = true
	return nil
}

func (s *SocketCANController) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	bus := s.bus
	s.started = false
	s.bus = nil
	s.mu.Unlock()

	return bus.Disconnect()
}

// Timing returns the last requested timing.
func (s *SocketCANController) Timing() can.BitrateConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timing
}

// Submit writes the frame synchronously and reports completion at once.
func (s *SocketCANController) Submit(el can.TxElement) error {
	if el.Format == can.FD {
		return fmt.Errorf("%s: CAN-FD frames not supported", s.iface)
	}

	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus == nil {
		return ErrNotStarted
	}

	frm := brutella.Frame{
		ID:     el.ID,
		Length: uint8(el.Len()),
	}
	if el.IDType == can.ExtendedID {
		frm.ID |= canEFFFlag
	}
	copy(frm.Data[:], el.Payload())

	if err := bus.Publish(frm); err != nil {
		return err
	}

	if isr := s.port(); isr != nil {
		isr.TxFifoEmpty()
	}
	return nil
}

func (s *SocketCANController) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.started
}

func (s *SocketCANController) ActivateNotifications(isr can.ISR) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isr = isr
	return nil
}

func (s *SocketCANController) DeactivateNotifications() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isr = nil
	return nil
}

func (s *SocketCANController) EnableInterrupt() {
	s.mu.Lock()
	s.irqEnabled = true
	s.mu.Unlock()
}

func (s *SocketCANController) DisableInterrupt() {
	s.mu.Lock()
	s.irqEnabled = false
	s.mu.Unlock()
}

// Handle receives frames from the bus reader goroutine.
func (s *SocketCANController) Handle(frm brutella.Frame) {
	isr := s.port()
	if isr == nil {
		return
	}
	isr.RxFifoNewMessage(can.RxElement{
		Message:   fromSocketCAN(frm),
		Timestamp: s.timestamp.Add(1),
	})
}

func (s *SocketCANController) port() can.ISR {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || !s.irqEnabled {
		return nil
	}
	return s.isr
}

func fromSocketCAN(frm brutella.Frame) can.Message {
	msg := can.Message{ID: frm.ID & can.MaxExtendedID, Format: can.Classic}
	if frm.ID&canEFFFlag != 0 {
		msg.IDType = can.ExtendedID
	} else {
		msg.ID &= can.MaxStandardID
	}

	n := min(int(frm.Length), can.MaxClassicDLC)
	msg.DLC = uint8(n)
	copy(msg.Data[:], frm.Data[:n])
	return msg
}
