package can

import (
	"encoding/binary"
	"fmt"

	"github.com/dbehnke/canfdbridge/internal/frame"
	"github.com/dbehnke/canfdbridge/internal/protocol"
)

// ReportCommand selects the device-to-host command id for a message.
func ReportCommand(format Format, idType IDType) uint8 {
	cmd := uint8(protocol.CMD_D2H_CAN_STD)
	if format == FD {
		cmd += 2
	}
	if idType == ExtendedID {
		cmd++
	}
	return cmd
}

// ReportEncoder turns received messages into fixed-size host packets of the
// form [count][frame][zero pad]. A report whose payload does not fit one
// packet is split: the first packet carries the continued flag and the total
// byte count, each following packet is a CMD_D2H_CONTINUATION frame carrying
// the byte offset of its data. ReportEncoder is not safe for concurrent use.
type ReportEncoder struct {
	formatter  *frame.Formatter
	packetSize int
	capacity   int
	scratch    []byte
}

// NewReportEncoder creates an encoder producing packetSize byte packets.
func NewReportEncoder(formatter *frame.Formatter, packetSize int) (*ReportEncoder, error) {
	if packetSize > protocol.USB_MAX_PACKET_SIZE {
		return nil, fmt.Errorf("packet size %d exceeds %d", packetSize, protocol.USB_MAX_PACKET_SIZE)
	}

	capacity := packetSize - protocol.USB_COUNT_SIZE - formatter.Profile().Overhead() - protocol.REPORT_HEADER_LENGTH
	if capacity < 1 {
		return nil, fmt.Errorf("packet size %d leaves no room for report data", packetSize)
	}

	return &ReportEncoder{
		formatter:  formatter,
		packetSize: packetSize,
		capacity:   capacity,
		scratch:    make([]byte, packetSize),
	}, nil
}

// Capacity returns the payload bytes that fit in one packet.
func (e *ReportEncoder) Capacity() int {
	return e.capacity
}

// PacketSize returns the size of every emitted packet.
func (e *ReportEncoder) PacketSize() int {
	return e.packetSize
}

// Encode emits one or more packets for msg. The packet slice passed to emit
// is reused on the next call, so emit must copy it. Encoding stops at the
// first packet emit refuses; the number of accepted packets is returned with
// ErrQueueFull.
func (e *ReportEncoder) Encode(msg *Message, emit func([]byte) bool) (int, error) {
	data := msg.Payload()
	total := len(data)

	cmd := ReportCommand(msg.Format, msg.IDType)
	first := total
	if total > e.capacity {
		first = e.capacity
		cmd |= protocol.CMD_D2H_CONTINUED_FLAG
	}

	pkt, err := e.packet(cmd, msg.ID, uint8(total), data[:first])
	if err != nil {
		return 0, err
	}
	if !emit(pkt) {
		return 0, ErrQueueFull
	}

	sent := 1
	for offset := first; offset < total; {
		n := min(e.capacity, total-offset)
		pkt, err := e.packet(protocol.CMD_D2H_CONTINUATION, msg.ID, uint8(offset), data[offset:offset+n])
		if err != nil {
			return sent, err
		}
		if !emit(pkt) {
			return sent, ErrQueueFull
		}
		sent++
		offset += n
	}

	return sent, nil
}

func (e *ReportEncoder) packet(cmd uint8, id uint32, count uint8, data []byte) ([]byte, error) {
	clear(e.scratch)

	p := e.formatter.Profile()
	length := p.Overhead() + protocol.REPORT_HEADER_LENGTH + len(data)
	buf := e.scratch[protocol.USB_COUNT_SIZE:]

	payload := buf[p.PayloadOffset():]
	payload[0] = cmd
	binary.LittleEndian.PutUint32(payload[1:], id)
	payload[1+protocol.REPORT_ID_SIZE] = count
	copy(payload[protocol.REPORT_HEADER_LENGTH:], data)

	if err := e.formatter.FormatFrame(buf, length); err != nil {
		return nil, err
	}
	e.scratch[0] = uint8(length)
	return e.scratch, nil
}

// ReportFragment is one decoded device-to-host frame payload.
type ReportFragment struct {
	Command      uint8
	ID           uint32
	IDType       IDType
	Format       Format
	Continued    bool  // First part of a split report
	Continuation bool  // Follow-up part; Count is the byte offset
	Count        uint8 // Total byte count, or offset for continuations
	Data         []byte
}

// DecodeReport parses a device-to-host frame payload. Data aliases payload.
func DecodeReport(payload []byte) (ReportFragment, error) {
	if len(payload) < protocol.REPORT_HEADER_LENGTH {
		return ReportFragment{}, fmt.Errorf("report payload %d bytes too short", len(payload))
	}

	r := ReportFragment{
		Command: payload[0],
		ID:      binary.LittleEndian.Uint32(payload[1:]),
		Count:   payload[1+protocol.REPORT_ID_SIZE],
		Data:    payload[protocol.REPORT_HEADER_LENGTH:],
	}

	cmd := r.Command
	switch {
	case cmd == protocol.CMD_D2H_CONTINUATION:
		r.Continuation = true
		return r, nil
	case cmd&protocol.CMD_D2H_CONTINUED_FLAG != 0:
		r.Continued = true
		cmd &^= protocol.CMD_D2H_CONTINUED_FLAG
	}

	if cmd < protocol.CMD_D2H_CAN_STD || cmd > protocol.CMD_D2H_FD_EXT {
		return ReportFragment{}, fmt.Errorf("unknown report command 0x%02X", r.Command)
	}
	if cmd&0x01 != 0 {
		r.IDType = ExtendedID
	}
	if cmd&0x02 != 0 {
		r.Format = FD
	}
	if !r.Continued && int(r.Count) != len(r.Data) {
		return ReportFragment{}, fmt.Errorf("report count %d does not match %d data bytes", r.Count, len(r.Data))
	}
	return r, nil
}
