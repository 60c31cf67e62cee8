package usb

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/dbehnke/canfdbridge/internal/frame"
	"github.com/dbehnke/canfdbridge/internal/protocol"
)

// readErrorBackoff spaces out retries after a transport read error.
const readErrorBackoff = 100 * time.Millisecond

// VendorConfig configures the vendor class reader.
type VendorConfig struct {
	// LengthPrefix treats byte 0 of each read as the count of parser bytes
	// that follow.
	LengthPrefix bool
	ReadSize     int
	Debug        bool
}

// VendorStats counts reader activity.
type VendorStats struct {
	Reads        uint64
	Bytes        uint64 // Bytes handed to the parser
	PrefixErrors uint64 // Reads whose prefix exceeded the bytes received
	Retries      uint64 // Chunks accepted only after draining the parser
	Dropped      uint64 // Chunks the parser refused even after draining
	ReadErrors   uint64
}

// VendorClass is the USB class task: it reads the vendor endpoint and feeds
// the frame parser.
type VendorClass struct {
	transport    Transport
	parser       *frame.Parser
	logger       *log.Logger
	debug        bool
	lengthPrefix bool
	buf          []byte

	reads        atomic.Uint64
	bytes        atomic.Uint64
	prefixErrors atomic.Uint64
	retries      atomic.Uint64
	dropped      atomic.Uint64
	readErrors   atomic.Uint64
}

// NewVendorClass creates a reader for transport feeding parser.
func NewVendorClass(cfg VendorConfig, transport Transport, parser *frame.Parser, logger *log.Logger) *VendorClass {
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = protocol.USB_MAX_PACKET_SIZE
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &VendorClass{
		transport:    transport,
		parser:       parser,
		logger:       logger,
		debug:        cfg.Debug,
		lengthPrefix: cfg.LengthPrefix,
		buf:          make([]byte, cfg.ReadSize),
	}
}

// Run reads until ctx is done or the transport reports io.EOF.
func (v *VendorClass) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := v.transport.Read(v.buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			v.readErrors.Add(1)
			v.logger.Printf("Vendor read error: %v", err)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readErrorBackoff):
			}
			continue
		}
		if n == 0 {
			continue
		}

		v.Feed(v.buf[:n])
	}
}

// Feed passes one endpoint read to the parser and processes any complete
// frames. A chunk the parser refuses is retried after processing, and again
// after skipping a stalled tag.
func (v *VendorClass) Feed(data []byte) {
	v.reads.Add(1)

	if v.lengthPrefix {
		if len(data) <= 1 {
			return
		}
		count := int(data[0])
		data = data[1:]
		if count > len(data) {
			v.prefixErrors.Add(1)
			if v.debug {
				v.logger.Printf("Length prefix %d exceeds %d received bytes", count, len(data))
			}
		} else {
			data = data[:count]
		}
	}
	if len(data) == 0 {
		return
	}

	if !v.parser.Receive(data) {
		v.parser.Process()
		if !v.parser.Receive(data) {
			// A spurious tag claiming a long frame can hold the ring full
			v.parser.Resync()
			v.parser.Process()
			if !v.parser.Receive(data) {
				v.dropped.Add(1)
				if v.debug {
					v.logger.Printf("Parser full, dropped %d bytes", len(data))
				}
				return
			}
		}
		v.retries.Add(1)
	}
	v.bytes.Add(uint64(len(data)))

	v.parser.Process()
}

// Stats returns a snapshot of the reader counters.
func (v *VendorClass) Stats() VendorStats {
	return VendorStats{
		Reads:        v.reads.Load(),
		Bytes:        v.bytes.Load(),
		PrefixErrors: v.prefixErrors.Load(),
		Retries:      v.retries.Load(),
		Dropped:      v.dropped.Load(),
		ReadErrors:   v.readErrors.Load(),
	}
}
