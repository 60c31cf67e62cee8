package device

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/dbehnke/canfdbridge/internal/can"
	"github.com/dbehnke/canfdbridge/internal/command"
	"github.com/dbehnke/canfdbridge/internal/frame"
	"github.com/dbehnke/canfdbridge/internal/protocol"
	"github.com/dbehnke/canfdbridge/internal/usb"
)

// Config holds everything needed to assemble a bridge device.
type Config struct {
	Profile          protocol.Profile
	RingBufferSize   int
	CommandFrameSize int
	Overflow         frame.OverflowPolicy
	LengthPrefix     bool

	PacketSize        int
	EgressQueueLength int
	ZeroFill          bool

	TxQueueLength int
	RxQueueLength int
	Arbitration   can.ArbitrationBitrate
	Data          can.DataBitrate

	Debug bool
}

// DefaultConfig returns the stock device configuration.
func DefaultConfig() Config {
	return Config{
		Profile:           protocol.Profile16,
		RingBufferSize:    protocol.DEFAULT_RING_BUFFER_SIZE,
		CommandFrameSize:  protocol.DEFAULT_CMD_FRAME_SIZE,
		Overflow:          frame.OverflowReject,
		PacketSize:        protocol.USB_PACKET_SIZE,
		EgressQueueLength: protocol.EGRESS_QUEUE_LENGTH,
		TxQueueLength:     protocol.TX_QUEUE_LENGTH,
		RxQueueLength:     protocol.RX_QUEUE_LENGTH,
		Arbitration:       can.Arbitration500K,
		Data:              can.Data1M,
	}
}

// Stats aggregates the counters of every pipeline stage.
type Stats struct {
	Parser   frame.Stats
	Commands command.Stats
	Bridge   can.Stats
	Egress   usb.EgressStats
	Vendor   usb.VendorStats
}

// Device owns one complete host-to-bus pipeline: vendor reader, frame
// parser, command dispatcher, CAN bridge and egress queue.
type Device struct {
	cfg    Config
	logger *log.Logger

	formatter  *frame.Formatter
	parser     *frame.Parser
	dispatcher *command.Dispatcher
	bridge     *can.Bridge
	egress     *usb.EgressQueue
	vendor     *usb.VendorClass

	connected atomic.Bool
}

// New assembles a device around a CAN controller and a vendor transport.
func New(cfg Config, ctrl can.Controller, transport usb.Transport, logger *log.Logger) (*Device, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.Profile.LengthSize == 0 {
		cfg.Profile = protocol.Profile16
	}
	if cfg.PacketSize == 0 {
		cfg.PacketSize = protocol.USB_PACKET_SIZE
	}

	d := &Device{cfg: cfg, logger: logger}

	egress, err := usb.NewEgressQueue(usb.EgressConfig{
		PacketSize:  cfg.PacketSize,
		QueueLength: cfg.EgressQueueLength,
		ZeroFill:    cfg.ZeroFill,
		Debug:       cfg.Debug,
	}, transport, prefixed(logger, "[USB] "))
	if err != nil {
		return nil, fmt.Errorf("failed to create egress queue: %w", err)
	}
	d.egress = egress

	d.formatter = frame.NewFormatter(cfg.Profile)
	encoder, err := can.NewReportEncoder(d.formatter, cfg.PacketSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create report encoder: %w", err)
	}

	d.bridge, err = can.NewBridge(can.Config{
		TxQueueLength: cfg.TxQueueLength,
		RxQueueLength: cfg.RxQueueLength,
		Arbitration:   cfg.Arbitration,
		Data:          cfg.Data,
		Debug:         cfg.Debug,
	}, ctrl, encoder, egress, prefixed(logger, "[CAN] "))
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN bridge: %w", err)
	}

	d.dispatcher = command.NewDispatcher(d.bridge, cfg.Profile, prefixed(logger, "[CMD] "))
	d.dispatcher.SetDebug(cfg.Debug)
	d.dispatcher.SetConnectHook(d.SetConnected)

	d.parser, err = frame.NewParser(frame.Config{
		Profile:          cfg.Profile,
		RingBufferSize:   cfg.RingBufferSize,
		CommandFrameSize: cfg.CommandFrameSize,
		Overflow:         cfg.Overflow,
	}, d.dispatcher.Handle)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame parser: %w", err)
	}

	d.vendor = usb.NewVendorClass(usb.VendorConfig{
		LengthPrefix: cfg.LengthPrefix,
		Debug:        cfg.Debug,
	}, transport, d.parser, prefixed(logger, "[USB] "))

	return d, nil
}

func prefixed(logger *log.Logger, prefix string) *log.Logger {
	return log.New(logger.Writer(), prefix, logger.Flags())
}

// Run starts the bridge task and the USB class task and blocks until ctx is
// done. The bridge is stopped on return.
func (d *Device) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	run := func(name string, fn func(context.Context) error) {
		defer wg.Done()
		if err := fn(ctx); err != nil {
			errs <- fmt.Errorf("%s: %w", name, err)
		}
		cancel()
	}

	wg.Add(2)
	go run("bridge task", d.bridge.Run)
	go run("usb class task", d.vendor.Run)

	d.logger.Printf("Device running: profile %s, %d byte packets", d.cfg.Profile, d.cfg.PacketSize)

	wg.Wait()
	d.bridge.Stop()
	close(errs)

	return <-errs
}

// SetConnected tracks the host session. Connecting resets the egress queue
// and primes the IN endpoint with a zero packet.
func (d *Device) SetConnected(connected bool) {
	d.connected.Store(connected)
	if connected {
		if !d.egress.Prime() {
			d.logger.Printf("Failed to prime IN endpoint")
		}
		return
	}
	d.egress.Reset()
}

// Connected reports whether the host has an open session.
func (d *Device) Connected() bool {
	return d.connected.Load()
}

// Bridge exposes the CAN bridge for tracing and inspection.
func (d *Device) Bridge() *can.Bridge {
	return d.bridge
}

// Vendor exposes the USB class task, mainly so tests can feed it directly.
func (d *Device) Vendor() *usb.VendorClass {
	return d.vendor
}

// Stats collects the counters of every stage.
func (d *Device) Stats() Stats {
	return Stats{
		Parser:   d.parser.Stats(),
		Commands: d.dispatcher.Stats(),
		Bridge:   d.bridge.Stats(),
		Egress:   d.egress.Stats(),
		Vendor:   d.vendor.Stats(),
	}
}
