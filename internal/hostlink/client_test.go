package hostlink

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dbehnke/canfdbridge/internal/can"
	"github.com/dbehnke/canfdbridge/internal/device"
	"github.com/dbehnke/canfdbridge/internal/frame"
	"github.com/dbehnke/canfdbridge/internal/hal"
	"github.com/dbehnke/canfdbridge/internal/protocol"
)

type captureLink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (l *captureLink) WriteChunk(data []byte) error {
	l.mu.Lock()
	l.chunks = append(l.chunks, append([]byte(nil), data...))
	l.mu.Unlock()
	return nil
}

func (l *captureLink) ReadPacket(timeout time.Duration) ([]byte, error) {
	time.Sleep(timeout)
	return nil, nil
}

func (l *captureLink) Close() error { return nil }

func waitReport(t *testing.T, c *Client) Report {
	t.Helper()
	select {
	case r := <-c.Reports():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for report")
	}
	return Report{}
}

func TestClient_AgainstDevice(t *testing.T) {
	transport := hal.NewMemoryTransport(16)
	dev, err := device.New(device.DefaultConfig(), hal.NewLoopbackController(true), transport, nil)
	if err != nil {
		t.Fatalf("device.New failed: %v", err)
	}
	client, err := NewClient(ClientConfig{}, NewMemoryLink(transport), nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); dev.Run(ctx) }()
	go func() { defer wg.Done(); client.Run(ctx) }()
	defer func() {
		cancel()
		wg.Wait()
		transport.Close()
	}()

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for dev.Bridge().State() != can.StateStarted && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	classic := can.Message{ID: 0x321}
	classic.SetPayload([]byte{0, 1, 2, 3, 4, 5, 6, 7})
	if err := client.SendCAN(classic); err != nil {
		t.Fatalf("SendCAN failed: %v", err)
	}

	r := waitReport(t, client)
	if r.Message.ID != 0x321 || !bytes.Equal(r.Message.Payload(), classic.Payload()) {
		t.Errorf("report = %s, want echo of %s", &r.Message, &classic)
	}

	fd := can.Message{ID: 0x1234, IDType: can.ExtendedID, Format: can.FD, BitrateSwitch: true}
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(255 - i)
	}
	fd.SetPayload(data)
	if err := client.SendFD(fd); err != nil {
		t.Fatalf("SendFD failed: %v", err)
	}

	r = waitReport(t, client)
	if r.Fragments != 2 {
		t.Errorf("Fragments = %d, want 2", r.Fragments)
	}
	if r.Message.Format != can.FD || r.Message.IDType != can.ExtendedID || r.Message.ID != 0x1234 {
		t.Errorf("report = %s, want extended FD 0x1234", &r.Message)
	}
	if !bytes.Equal(r.Message.Payload(), data) {
		t.Errorf("payload = % X, want % X", r.Message.Payload(), data)
	}

	if client.Stats().KeepAlives == 0 {
		t.Error("prime packet was not seen as a keep-alive")
	}
	if client.Stats().Gaps != 0 || client.Stats().Orphans != 0 {
		t.Errorf("stats = %+v, want no gaps or orphans", client.Stats())
	}
}

// devicePackets encodes msgs the way the device does.
func devicePackets(t *testing.T, f *frame.Formatter, msgs ...can.Message) [][]byte {
	t.Helper()
	enc, err := can.NewReportEncoder(f, protocol.USB_PACKET_SIZE)
	if err != nil {
		t.Fatalf("NewReportEncoder failed: %v", err)
	}

	var out [][]byte
	for i := range msgs {
		enc.Encode(&msgs[i], func(pkt []byte) bool {
			out = append(out, append([]byte(nil), pkt...))
			return true
		})
	}
	return out
}

func fdMessage(id uint32, n int) can.Message {
	m := can.Message{ID: id, Format: can.FD}
	m.SetPayload(bytes.Repeat([]byte{byte(id)}, n))
	return m
}

func TestClient_ReassemblyRules(t *testing.T) {
	f := frame.NewFormatter(protocol.Profile16)
	pkts := devicePackets(t, f, fdMessage(0x10, 64), fdMessage(0x20, 64), fdMessage(0x30, 8))
	if len(pkts) != 5 {
		t.Fatalf("encoded %d packets, want 5", len(pkts))
	}

	client, _ := NewClient(ClientConfig{}, &captureLink{}, nil)

	// First report complete, second loses its continuation
	client.HandlePacket(pkts[0])
	client.HandlePacket(pkts[1])
	client.HandlePacket(pkts[2])
	client.HandlePacket(pkts[4])

	first := waitReport(t, client)
	if first.Message.ID != 0x10 || first.Message.Len() != 64 {
		t.Errorf("first = %s, want 0x10 with 64 bytes", &first.Message)
	}
	third := waitReport(t, client)
	if third.Message.ID != 0x30 || third.Message.Len() != 8 {
		t.Errorf("second delivered = %s, want 0x30 with 8 bytes", &third.Message)
	}

	stats := client.Stats()
	if stats.Orphans != 1 {
		t.Errorf("Orphans = %d, want 1", stats.Orphans)
	}
	if stats.Gaps != 1 {
		t.Errorf("Gaps = %d, want 1", stats.Gaps)
	}
	if stats.Reports != 2 {
		t.Errorf("Reports = %d, want 2", stats.Reports)
	}
}

func TestClient_StrayContinuation(t *testing.T) {
	f := frame.NewFormatter(protocol.Profile16)
	pkts := devicePackets(t, f, fdMessage(0x10, 64))

	client, _ := NewClient(ClientConfig{}, &captureLink{}, nil)
	client.HandlePacket(pkts[1])

	if client.Stats().Orphans != 1 || client.Stats().Reports != 0 {
		t.Errorf("stats = %+v, want one orphan and no reports", client.Stats())
	}
}

func TestClient_MisplacedContinuation(t *testing.T) {
	first := devicePackets(t, frame.NewFormatter(protocol.Profile16), fdMessage(0x10, 64))[0]

	// Same identifier and next sequence number, wrong offset
	f := frame.NewFormatter(protocol.Profile16)
	if _, err := f.AppendFrame(nil, []byte{0}); err != nil {
		t.Fatalf("AppendFrame failed: %v", err)
	}
	payload := []byte{protocol.CMD_D2H_CONTINUATION, 0x10, 0, 0, 0, 10, 0xAA, 0xBB}
	cont, err := f.AppendFrame([]byte{0}, payload)
	if err != nil {
		t.Fatalf("AppendFrame failed: %v", err)
	}
	cont[0] = byte(len(cont) - 1)

	client, _ := NewClient(ClientConfig{}, &captureLink{}, nil)
	client.HandlePacket(first)
	client.HandlePacket(cont)

	stats := client.Stats()
	if stats.Orphans != 1 {
		t.Errorf("Orphans = %d, want 1", stats.Orphans)
	}
	if stats.Reports != 0 || stats.Gaps != 0 {
		t.Errorf("stats = %+v, want no reports and no gaps", stats)
	}
}

func TestClient_PacketChecks(t *testing.T) {
	client, _ := NewClient(ClientConfig{}, &captureLink{}, nil)

	client.HandlePacket(make([]byte, protocol.USB_PACKET_SIZE))
	client.HandlePacket([]byte{0x40, 0xFF})

	stats := client.Stats()
	if stats.KeepAlives != 1 || stats.BadReports != 1 {
		t.Errorf("stats = %+v, want one keep-alive and one bad report", stats)
	}
}

func TestClient_LengthPrefixedWrites(t *testing.T) {
	link := &captureLink{}
	client, _ := NewClient(ClientConfig{LengthPrefix: true}, link, nil)

	if err := client.SendFD(fdMessage(0x55, 64)); err != nil {
		t.Fatalf("SendFD failed: %v", err)
	}

	// 6 framing + 1 command + 2 identifier + flags + DLC + 64 data
	if len(link.chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(link.chunks))
	}
	if link.chunks[0][0] != 63 || link.chunks[1][0] != 12 {
		t.Errorf("prefixes = %d, %d, want 63 and 12", link.chunks[0][0], link.chunks[1][0])
	}
	for i, c := range link.chunks {
		if len(c) != protocol.USB_PACKET_SIZE {
			t.Errorf("chunk %d length = %d, want %d", i, len(c), protocol.USB_PACKET_SIZE)
		}
	}
}

func TestClient_CommandEncoding(t *testing.T) {
	link := &captureLink{}
	client, _ := NewClient(ClientConfig{Profile: protocol.Profile32}, link, nil)

	client.Connect()
	client.SetBitrate(can.Arbitration1M, can.Data2M)
	msg := can.Message{ID: 0x12345678, IDType: can.ExtendedID}
	msg.SetPayload([]byte{0xAA})
	client.SendCAN(msg)

	want := [][]byte{
		{0x01, 0x01},
		{0x02, 0x01, 0x02},
		{0x10, 0x78, 0x56, 0x34, 0x12, 0x01, 0xAA},
	}
	if len(link.chunks) != len(want) {
		t.Fatalf("chunks = %d, want %d", len(link.chunks), len(want))
	}
	p := protocol.Profile32
	for i, chunk := range link.chunks {
		payload := chunk[p.PayloadOffset() : len(chunk)-1]
		if !bytes.Equal(payload, want[i]) {
			t.Errorf("command %d payload = % X, want % X", i, payload, want[i])
		}
	}

	if err := client.SetBitrate(can.ArbitrationBitrate(7), can.Data1M); err == nil {
		t.Error("SetBitrate with unknown index should fail")
	}
	if err := client.SendCAN(can.Message{ID: 0x10, IDType: can.ExtendedID}); err == nil {
		t.Error("extended identifier in the standard range should be refused")
	}
	if err := client.SendCAN(can.Message{Format: can.FD}); err == nil {
		t.Error("SendCAN with an FD message should fail")
	}
}
