package can

import (
	"bytes"
	"testing"

	"github.com/dbehnke/canfdbridge/internal/frame"
	"github.com/dbehnke/canfdbridge/internal/protocol"
)

type collector struct {
	packets [][]byte
	limit   int
}

func (c *collector) emit(pkt []byte) bool {
	if c.limit > 0 && len(c.packets) >= c.limit {
		return false
	}
	c.packets = append(c.packets, append([]byte(nil), pkt...))
	return true
}

// framePayload checks the count prefix and checksum and returns the frame payload.
func framePayload(t *testing.T, profile protocol.Profile, pkt []byte) []byte {
	t.Helper()
	count := int(pkt[0])
	frm := pkt[1 : 1+count]

	var sum uint8
	for _, b := range frm {
		sum += b
	}
	if sum != 0 {
		t.Fatalf("frame checksum sum = 0x%02X, want 0", sum)
	}
	for _, b := range pkt[1+count:] {
		if b != 0 {
			t.Fatalf("padding not zero: % X", pkt[1+count:])
		}
	}
	return frm[profile.PayloadOffset() : count-1]
}

func TestReportCommand(t *testing.T) {
	tests := []struct {
		format Format
		idType IDType
		want   uint8
	}{
		{Classic, StandardID, 0x20},
		{Classic, ExtendedID, 0x21},
		{FD, StandardID, 0x22},
		{FD, ExtendedID, 0x23},
	}

	for _, tt := range tests {
		if got := ReportCommand(tt.format, tt.idType); got != tt.want {
			t.Errorf("ReportCommand(%v, %v) = 0x%02X, want 0x%02X", tt.format, tt.idType, got, tt.want)
		}
	}
}

func TestReportEncoder_SinglePacket(t *testing.T) {
	enc, err := NewReportEncoder(frame.NewFormatter(protocol.Profile16), protocol.USB_PACKET_SIZE)
	if err != nil {
		t.Fatalf("NewReportEncoder failed: %v", err)
	}
	if enc.Capacity() != 51 {
		t.Errorf("Capacity() = %d, want 51", enc.Capacity())
	}

	msg := classicMessage(0x321, 0, 1, 2, 3, 4, 5, 6, 7)
	c := &collector{}
	n, err := enc.Encode(&msg, c.emit)
	if err != nil || n != 1 {
		t.Fatalf("Encode = %d, %v, want 1, nil", n, err)
	}

	payload := framePayload(t, protocol.Profile16, c.packets[0])
	want := []byte{0x20, 0x21, 0x03, 0x00, 0x00, 0x08, 0, 1, 2, 3, 4, 5, 6, 7}
	if !bytes.Equal(payload, want) {
		t.Errorf("payload = % X, want % X", payload, want)
	}
}

func TestReportEncoder_FragmentsFD64(t *testing.T) {
	// 71 byte packets leave 58 bytes of report data with the 16 bit profile
	f := frame.NewFormatter(protocol.Profile16)
	enc, err := NewReportEncoder(f, 71)
	if err != nil {
		t.Fatalf("NewReportEncoder failed: %v", err)
	}
	if enc.Capacity() != 58 {
		t.Fatalf("Capacity() = %d, want 58", enc.Capacity())
	}

	msg := Message{ID: 0x123, IDType: StandardID, Format: FD}
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(0x80 + i)
	}
	msg.SetPayload(data)
	if msg.DLC != 15 {
		t.Fatalf("DLC = %d, want 15", msg.DLC)
	}

	c := &collector{}
	n, err := enc.Encode(&msg, c.emit)
	if err != nil || n != 2 {
		t.Fatalf("Encode = %d, %v, want 2, nil", n, err)
	}

	first, err := DecodeReport(framePayload(t, protocol.Profile16, c.packets[0]))
	if err != nil {
		t.Fatalf("DecodeReport(first) failed: %v", err)
	}
	if !first.Continued || first.Command != 0x62 || first.Format != FD || first.IDType != StandardID {
		t.Errorf("first = %+v, want continued FD standard (0x62)", first)
	}
	if first.Count != 64 || len(first.Data) != 58 {
		t.Errorf("first count = %d, data = %d bytes, want 64 and 58", first.Count, len(first.Data))
	}

	second, err := DecodeReport(framePayload(t, protocol.Profile16, c.packets[1]))
	if err != nil {
		t.Fatalf("DecodeReport(second) failed: %v", err)
	}
	if !second.Continuation || second.ID != 0x123 || second.Count != 58 || len(second.Data) != 6 {
		t.Errorf("second = %+v, want continuation at offset 58 with 6 bytes", second)
	}
	if !bytes.Equal(append(first.Data, second.Data...), data) {
		t.Error("reassembled data does not match")
	}

	// Continuation frames carry consecutive sequence numbers
	seq := func(pkt []byte) int { return int(pkt[4]) | int(pkt[5])<<8 }
	if seq(c.packets[1]) != seq(c.packets[0])+1 {
		t.Errorf("sequences %d, %d not consecutive", seq(c.packets[0]), seq(c.packets[1]))
	}
}

func TestReportEncoder_SmallPacketsChain(t *testing.T) {
	enc, err := NewReportEncoder(frame.NewFormatter(protocol.Profile32), 40)
	if err != nil {
		t.Fatalf("NewReportEncoder failed: %v", err)
	}
	// 40 - 1 - 10 - 6
	if enc.Capacity() != 23 {
		t.Fatalf("Capacity() = %d, want 23", enc.Capacity())
	}

	msg := Message{ID: 0x1FFFFFFF, IDType: ExtendedID, Format: FD}
	data := bytes.Repeat([]byte{0x5A}, 64)
	msg.SetPayload(data)

	c := &collector{}
	n, err := enc.Encode(&msg, c.emit)
	if err != nil || n != 3 {
		t.Fatalf("Encode = %d, %v, want 3, nil", n, err)
	}

	wantOffsets := []uint8{64, 23, 46}
	for i, pkt := range c.packets {
		r, err := DecodeReport(framePayload(t, protocol.Profile32, pkt))
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if r.Count != wantOffsets[i] {
			t.Errorf("packet %d count = %d, want %d", i, r.Count, wantOffsets[i])
		}
	}
}

func TestReportEncoder_RefusedPacket(t *testing.T) {
	enc, _ := NewReportEncoder(frame.NewFormatter(protocol.Profile16), protocol.USB_PACKET_SIZE)

	msg := Message{ID: 0x10, Format: FD}
	msg.SetPayload(make([]byte, 64))

	c := &collector{limit: 1}
	n, err := enc.Encode(&msg, c.emit)
	if n != 1 || err != ErrQueueFull {
		t.Errorf("Encode = %d, %v, want 1, ErrQueueFull", n, err)
	}
}

func TestNewReportEncoder_Limits(t *testing.T) {
	f := frame.NewFormatter(protocol.Profile16)
	if _, err := NewReportEncoder(f, 13); err == nil {
		t.Error("Expected error for packet with no room for data")
	}
	if _, err := NewReportEncoder(f, 512); err == nil {
		t.Error("Expected error for packet larger than the count byte allows")
	}
}

func TestDecodeReport_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"short", []byte{0x20, 0x01}},
		{"unknown command", []byte{0x30, 0, 0, 0, 0, 0}},
		{"count mismatch", []byte{0x20, 0, 0, 0, 0, 3, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeReport(tt.payload); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
