package frame

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dbehnke/canfdbridge/internal/protocol"
)

// OverflowPolicy decides what Receive does when the ring cannot take a chunk.
type OverflowPolicy int

const (
	// OverflowReject refuses the whole chunk and reports backpressure.
	OverflowReject OverflowPolicy = iota
	// OverflowOverwrite discards the oldest unread bytes and always accepts.
	OverflowOverwrite
)

// ParseOverflowPolicy resolves "reject" or "overwrite".
func ParseOverflowPolicy(name string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "reject", "block":
		return OverflowReject, nil
	case "overwrite", "drop-oldest":
		return OverflowOverwrite, nil
	}
	return OverflowReject, fmt.Errorf("unknown overflow policy %q", name)
}

func (p OverflowPolicy) String() string {
	if p == OverflowOverwrite {
		return "overwrite"
	}
	return "reject"
}

// Handler receives the payload of each validated frame. The slice is only
// valid until the handler returns. seq is the sender's sequence number.
type Handler func(payload []byte, seq uint32)

// Config holds parser sizing.
type Config struct {
	Profile          protocol.Profile
	RingBufferSize   int
	CommandFrameSize int
	Overflow         OverflowPolicy
}

// Stats counts parser activity since creation.
type Stats struct {
	Frames      uint64 // Frames handed to the handler
	ResyncSkips uint64 // Non-tag bytes skipped while hunting for a frame
	BadLength   uint64 // Tags rejected for an out of range length
	BadChecksum uint64 // Tags rejected for a non-zero checksum
	Oversize    uint64 // Valid frames whose payload exceeded the command buffer
	Rejected    uint64 // Receive calls refused for lack of space
	Overwritten uint64 // Unread bytes discarded by the overwrite policy
}

// Parser accumulates a byte stream and extracts checksummed frames from it,
// resynchronising one byte at a time after any validation failure.
type Parser struct {
	mu      sync.Mutex // guards ring
	procMu  sync.Mutex // serialises Process so frames are handled in order
	ring    *RingBuffer
	profile protocol.Profile
	policy  OverflowPolicy
	cmdBuf  []byte
	handler Handler

	frames      atomic.Uint64
	resync      atomic.Uint64
	badLength   atomic.Uint64
	badChecksum atomic.Uint64
	oversize    atomic.Uint64
	rejected    atomic.Uint64
	overwritten atomic.Uint64
}

// NewParser creates a parser that calls handler for every valid frame.
func NewParser(cfg Config, handler Handler) (*Parser, error) {
	if handler == nil {
		return nil, fmt.Errorf("frame parser requires a handler")
	}
	if cfg.RingBufferSize == 0 {
		cfg.RingBufferSize = protocol.DEFAULT_RING_BUFFER_SIZE
	}
	if cfg.CommandFrameSize == 0 {
		cfg.CommandFrameSize = protocol.DEFAULT_CMD_FRAME_SIZE
	}
	if cfg.Profile.LengthSize == 0 {
		cfg.Profile = protocol.Profile16
	}
	if cfg.RingBufferSize <= cfg.Profile.Overhead() {
		return nil, fmt.Errorf("ring buffer size %d cannot hold a %d byte frame overhead",
			cfg.RingBufferSize, cfg.Profile.Overhead())
	}

	return &Parser{
		ring:    NewRingBuffer(cfg.RingBufferSize, "frame-parser"),
		profile: cfg.Profile,
		policy:  cfg.Overflow,
		cmdBuf:  make([]byte, cfg.CommandFrameSize),
		handler: handler,
	}, nil
}

// Receive appends bytes to the ring. With OverflowReject a chunk that does not
// fit is refused whole and false is returned; callers should treat that as
// backpressure, run Process and retry. OverflowOverwrite always returns true.
func (p *Parser) Receive(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.policy == OverflowOverwrite {
		if dropped := p.ring.Overwrite(data); dropped > 0 {
			p.overwritten.Add(uint64(dropped))
		}
		return true
	}

	if !p.ring.Write(data) {
		p.rejected.Add(1)
		return false
	}
	return true
}

// Process scans the unread bytes and dispatches every complete, valid frame
// exactly once. The handler runs without the ring lock held, so it may call
// Receive. It must not call Process. Returns the number of frames handled.
func (p *Parser) Process() int {
	p.procMu.Lock()
	defer p.procMu.Unlock()

	handled := 0
	for {
		length, seq, ok := p.next()
		if !ok {
			return handled
		}
		p.handler(p.cmdBuf[:length], seq)
		handled++
	}
}

// next finds the next valid frame, copies its payload into cmdBuf and consumes
// it. Returns false when more data is needed.
func (p *Parser) next() (int, uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	overhead := p.profile.Overhead()
	maxLength := uint64(p.ring.Capacity())

	for !p.ring.IsEmpty() {
		if p.ring.At(0) != protocol.TAG_SOF {
			p.ring.Skip(1)
			p.resync.Add(1)
			continue
		}

		available := p.ring.DataSize()
		if available < overhead {
			return 0, 0, false
		}

		length := p.readField(p.profile.LengthOffset(), p.profile.LengthSize)
		if length < uint64(overhead) || length > maxLength {
			p.ring.Skip(1)
			p.badLength.Add(1)
			continue
		}

		if uint64(available) < length {
			return 0, 0, false
		}

		if p.ring.Sum(int(length)) != 0 {
			p.ring.Skip(1)
			p.badChecksum.Add(1)
			continue
		}

		payloadLen := int(length) - overhead
		if payloadLen > len(p.cmdBuf) {
			p.ring.Skip(int(length))
			p.oversize.Add(1)
			continue
		}

		seq := uint32(p.readField(p.profile.SequenceOffset(), p.profile.SequenceSize))
		p.ring.CopyOut(p.cmdBuf[:payloadLen], p.profile.PayloadOffset())
		p.ring.Skip(int(length))
		p.frames.Add(1)
		return payloadLen, seq, true
	}

	return 0, 0, false
}

func (p *Parser) readField(offset, size int) uint64 {
	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(p.ring.At(offset+i)) << (8 * uint(i))
	}
	return v
}

// Resync discards the byte at the read position so scanning restarts at the
// next tag. Receivers use it when the ring is full of a frame whose claimed
// length can never arrive.
func (p *Parser) Resync() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.ring.IsEmpty() {
		p.ring.Skip(1)
		p.resync.Add(1)
	}
}

// Buffered returns the number of unread bytes.
func (p *Parser) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring.DataSize()
}

// Reset drops all unread bytes.
func (p *Parser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring.Clear()
}

// Profile returns the parser's wire profile.
func (p *Parser) Profile() protocol.Profile {
	return p.profile
}

// Stats returns a snapshot of the parser counters.
func (p *Parser) Stats() Stats {
	return Stats{
		Frames:      p.frames.Load(),
		ResyncSkips: p.resync.Load(),
		BadLength:   p.badLength.Load(),
		BadChecksum: p.badChecksum.Load(),
		Oversize:    p.oversize.Load(),
		Rejected:    p.rejected.Load(),
		Overwritten: p.overwritten.Load(),
	}
}
