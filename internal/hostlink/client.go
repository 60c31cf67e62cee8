package hostlink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbehnke/canfdbridge/internal/can"
	"github.com/dbehnke/canfdbridge/internal/frame"
	"github.com/dbehnke/canfdbridge/internal/protocol"
)

// READ_POLL bounds each packet read so Run notices cancellation.
const READ_POLL = 100 * time.Millisecond

// Report is one CAN message received from the device.
type Report struct {
	Message   can.Message
	Sequence  uint32 // Sequence number of the first frame
	Fragments int
}

// ClientConfig must match the device build.
type ClientConfig struct {
	Profile      protocol.Profile
	PacketSize   int
	LengthPrefix bool
	ReportBuffer int
	Debug        bool
}

// ClientStats counts host-side receive activity.
type ClientStats struct {
	Reports    uint64
	KeepAlives uint64
	Gaps       uint64 // Sequence discontinuities
	Orphans    uint64 // Split reports abandoned before completion, or stray continuations
	BadReports uint64
	Dropped    uint64 // Reports lost because Reports() was not drained
}

type partial struct {
	report Report
	total  int
	data   []byte
	seq    uint32
}

// Client drives a bridge device from the host: it encodes commands with the
// device's framing and turns device packets back into messages.
type Client struct {
	link      Link
	cfg       ClientConfig
	logger    *log.Logger
	formatter *frame.Formatter
	parser    *frame.Parser
	seqMask   uint32

	writeMu sync.Mutex

	reports chan Report
	pending *partial
	lastSeq uint32
	haveSeq bool

	reportCount atomic.Uint64
	keepAlives  atomic.Uint64
	gaps        atomic.Uint64
	orphans     atomic.Uint64
	badReports  atomic.Uint64
	dropped     atomic.Uint64
}

// NewClient creates a client over link.
func NewClient(cfg ClientConfig, link Link, logger *log.Logger) (*Client, error) {
	if link == nil {
		return nil, errors.New("client requires a link")
	}
	if cfg.Profile.LengthSize == 0 {
		cfg.Profile = protocol.Profile16
	}
	if cfg.PacketSize == 0 {
		cfg.PacketSize = protocol.USB_PACKET_SIZE
	}
	if cfg.ReportBuffer == 0 {
		cfg.ReportBuffer = 64
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	c := &Client{
		link:      link,
		cfg:       cfg,
		logger:    logger,
		formatter: frame.NewFormatter(cfg.Profile),
		reports:   make(chan Report, cfg.ReportBuffer),
		seqMask:   uint32(uint64(1)<<(8*uint(cfg.Profile.SequenceSize)) - 1),
	}

	var err error
	c.parser, err = frame.NewParser(frame.Config{
		Profile:          cfg.Profile,
		RingBufferSize:   4 * protocol.USB_MAX_PACKET_SIZE,
		CommandFrameSize: protocol.USB_MAX_PACKET_SIZE,
		Overflow:         frame.OverflowOverwrite,
	}, c.handleFrame)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Connect asks the device to start the bridge.
func (c *Client) Connect() error {
	return c.command(protocol.CMD_CONNECT, 0x01)
}

// Disconnect asks the device to stop the bridge.
func (c *Client) Disconnect() error {
	return c.command(protocol.CMD_CONNECT, 0x00)
}

// SetBitrate selects entries of the device timing table.
func (c *Client) SetBitrate(arb can.ArbitrationBitrate, data can.DataBitrate) error {
	if _, err := can.LookupTiming(arb, data); err != nil {
		return err
	}
	return c.command(protocol.CMD_SET_BITRATE, uint8(arb), uint8(data))
}

// SendCAN transmits a classic frame.
func (c *Client) SendCAN(msg can.Message) error {
	if msg.Format != can.Classic {
		return errors.New("SendCAN requires a classic frame")
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	payload := []byte{protocol.CMD_CAN_SEND}
	payload, err := c.appendID(payload, msg)
	if err != nil {
		return err
	}
	payload = append(payload, msg.DLC)
	payload = append(payload, msg.Payload()...)
	return c.write(payload)
}

// SendFD transmits a CAN-FD frame.
func (c *Client) SendFD(msg can.Message) error {
	if msg.Format != can.FD {
		return errors.New("SendFD requires an FD frame")
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	payload := []byte{protocol.CMD_CAN_SEND_FD}
	payload, err := c.appendID(payload, msg)
	if err != nil {
		return err
	}
	var flags uint8
	if msg.BitrateSwitch {
		flags |= protocol.CAN_SEND_FD_FLAG_BRS
	}
	payload = append(payload, flags, msg.DLC)
	payload = append(payload, msg.Payload()...)
	return c.write(payload)
}

// appendID writes the identifier at the profile's width. The device infers an
// extended identifier from values above the standard range.
func (c *Client) appendID(dst []byte, msg can.Message) ([]byte, error) {
	if msg.IDType == can.ExtendedID && msg.ID <= can.MaxStandardID {
		return nil, fmt.Errorf("extended identifier 0x%X is indistinguishable from a standard one", msg.ID)
	}

	switch c.cfg.Profile.IdentifierSize {
	case 4:
		return binary.LittleEndian.AppendUint32(dst, msg.ID), nil
	default:
		if msg.ID > 0xFFFF {
			return nil, fmt.Errorf("identifier 0x%X does not fit the %s profile", msg.ID, c.cfg.Profile)
		}
		return binary.LittleEndian.AppendUint16(dst, uint16(msg.ID)), nil
	}
}

func (c *Client) command(params ...byte) error {
	return c.write(params)
}

// write frames payload and sends it, split into prefixed packets when the
// device expects a length prefix.
func (c *Client) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data, err := c.formatter.AppendFrame(nil, payload)
	if err != nil {
		return err
	}

	if !c.cfg.LengthPrefix {
		return c.link.WriteChunk(data)
	}

	room := c.cfg.PacketSize - 1
	for len(data) > 0 {
		n := min(room, len(data))
		pkt := make([]byte, c.cfg.PacketSize)
		pkt[0] = uint8(n)
		copy(pkt[1:], data[:n])
		if err := c.link.WriteChunk(pkt); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Reports delivers received messages.
func (c *Client) Reports() <-chan Report {
	return c.reports
}

// Run reads device packets until ctx is done or the link fails.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		pkt, err := c.link.ReadPacket(READ_POLL)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("link read failed: %w", err)
		}
		if pkt != nil {
			c.HandlePacket(pkt)
		}
	}
}

// HandlePacket consumes one [count][frame][pad] device packet. Run and
// HandlePacket must not be used concurrently.
func (c *Client) HandlePacket(pkt []byte) {
	if len(pkt) == 0 {
		return
	}
	count := int(pkt[0])
	if count == 0 {
		c.keepAlives.Add(1)
		return
	}
	if 1+count > len(pkt) {
		c.badReports.Add(1)
		if c.cfg.Debug {
			c.logger.Printf("Packet count %d exceeds %d bytes", count, len(pkt)-1)
		}
		return
	}

	c.parser.Receive(pkt[1 : 1+count])
	c.parser.Process()
}

func (c *Client) handleFrame(payload []byte, seq uint32) {
	if c.haveSeq && seq != (c.lastSeq+1)&c.seqMask {
		c.gaps.Add(1)
		if c.cfg.Debug {
			c.logger.Printf("Sequence gap: %d after %d", seq, c.lastSeq)
		}
	}
	c.lastSeq = seq
	c.haveSeq = true

	r, err := can.DecodeReport(payload)
	if err != nil {
		c.badReports.Add(1)
		if c.cfg.Debug {
			c.logger.Printf("Bad report: %v", err)
		}
		return
	}

	switch {
	case r.Continuation:
		c.continueReport(r, seq)
	case r.Continued:
		c.abandon()
		p := &partial{
			report: Report{Message: can.Message{ID: r.ID, IDType: r.IDType, Format: r.Format}, Sequence: seq, Fragments: 1},
			total:  int(r.Count),
			seq:    seq,
		}
		p.data = append(p.data, r.Data...)
		c.pending = p
	default:
		c.abandon()
		report := Report{Message: can.Message{ID: r.ID, IDType: r.IDType, Format: r.Format}, Sequence: seq, Fragments: 1}
		c.emit(report, r.Data)
	}
}

// continueReport appends a continuation to the pending report when it is the
// very next frame, names the same identifier and starts where the data ends.
func (c *Client) continueReport(r can.ReportFragment, seq uint32) {
	p := c.pending
	if p == nil || seq != (p.seq+1)&c.seqMask || r.ID != p.report.Message.ID || int(r.Count) != len(p.data) {
		if p == nil {
			c.orphans.Add(1)
		}
		c.abandon()
		return
	}

	p.data = append(p.data, r.Data...)
	p.seq = seq
	p.report.Fragments++

	if len(p.data) >= p.total {
		c.pending = nil
		c.emit(p.report, p.data[:p.total])
	}
}

func (c *Client) abandon() {
	if c.pending != nil {
		c.pending = nil
		c.orphans.Add(1)
	}
}

func (c *Client) emit(report Report, data []byte) {
	if err := report.Message.SetPayload(data); err != nil {
		c.badReports.Add(1)
		return
	}

	select {
	case c.reports <- report:
		c.reportCount.Add(1)
	default:
		c.dropped.Add(1)
	}
}

// Stats returns the receive counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Reports:    c.reportCount.Load(),
		KeepAlives: c.keepAlives.Load(),
		Gaps:       c.gaps.Load(),
		Orphans:    c.orphans.Load(),
		BadReports: c.badReports.Load(),
		Dropped:    c.dropped.Load(),
	}
}

// Close closes the link.
func (c *Client) Close() error {
	return c.link.Close()
}
