package hostlink

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/dbehnke/canfdbridge/internal/protocol"
)

// USBConfig locates the device's vendor interface.
type USBConfig struct {
	VID         uint16
	PID         uint16
	Config      int
	Interface   int
	InEndpoint  int
	OutEndpoint int
	PacketSize  int
}

// DefaultUSBConfig returns endpoint numbers for a single vendor interface.
func DefaultUSBConfig(vid, pid uint16) USBConfig {
	return USBConfig{
		VID:         vid,
		PID:         pid,
		Config:      1,
		Interface:   0,
		InEndpoint:  1,
		OutEndpoint: 1,
		PacketSize:  protocol.USB_PACKET_SIZE,
	}
}

// USBLink opens the device's vendor bulk endpoints with libusb.
type USBLink struct {
	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	iface  *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	buf    []byte
}

// OpenUSBLink finds the device by VID/PID and claims its vendor interface.
func OpenUSBLink(cfg USBConfig) (*USBLink, error) {
	if cfg.PacketSize == 0 {
		cfg.PacketSize = protocol.USB_PACKET_SIZE
	}

	l := &USBLink{ctx: gousb.NewContext(), buf: make([]byte, cfg.PacketSize)}

	var err error
	l.device, err = l.ctx.OpenDeviceWithVIDPID(gousb.ID(cfg.VID), gousb.ID(cfg.PID))
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to open %04x:%04x: %w", cfg.VID, cfg.PID, err)
	}
	if l.device == nil {
		l.Close()
		return nil, fmt.Errorf("device %04x:%04x not found", cfg.VID, cfg.PID)
	}

	if err := l.device.SetAutoDetach(true); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to set auto detach: %w", err)
	}

	l.config, err = l.device.Config(cfg.Config)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to select config %d: %w", cfg.Config, err)
	}

	l.iface, err = l.config.Interface(cfg.Interface, 0)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to claim interface %d: %w", cfg.Interface, err)
	}

	l.in, err = l.iface.InEndpoint(cfg.InEndpoint)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to open IN endpoint %d: %w", cfg.InEndpoint, err)
	}

	l.out, err = l.iface.OutEndpoint(cfg.OutEndpoint)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to open OUT endpoint %d: %w", cfg.OutEndpoint, err)
	}

	return l, nil
}

func (l *USBLink) WriteChunk(data []byte) error {
	_, err := l.out.Write(data)
	return err
}

func (l *USBLink) ReadPacket(timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := l.in.ReadContext(ctx, l.buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	return append([]byte(nil), l.buf[:n]...), nil
}

func (l *USBLink) Close() error {
	if l.iface != nil {
		l.iface.Close()
	}
	if l.config != nil {
		l.config.Close()
	}
	if l.device != nil {
		l.device.Close()
	}
	return l.ctx.Close()
}
