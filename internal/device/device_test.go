package device

import (
	"context"
	"testing"
	"time"

	"github.com/dbehnke/canfdbridge/internal/can"
	"github.com/dbehnke/canfdbridge/internal/frame"
	"github.com/dbehnke/canfdbridge/internal/hal"
	"github.com/dbehnke/canfdbridge/internal/protocol"
)

type testRig struct {
	dev       *Device
	ctrl      *hal.LoopbackController
	transport *hal.MemoryTransport
	host      *frame.Formatter
	done      chan error
	cancel    context.CancelFunc
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()

	ctrl := hal.NewLoopbackController(true)
	transport := hal.NewMemoryTransport(16)

	dev, err := New(cfg, ctrl, transport, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rig := &testRig{
		dev:       dev,
		ctrl:      ctrl,
		transport: transport,
		host:      frame.NewFormatter(cfg.Profile),
		done:      make(chan error, 1),
		cancel:    cancel,
	}
	go func() { rig.done <- dev.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-rig.done:
		case <-time.After(2 * time.Second):
			t.Error("device did not stop")
		}
		transport.Close()
	})
	return rig
}

func (r *testRig) command(t *testing.T, payload ...byte) {
	t.Helper()
	data, err := r.host.AppendFrame(nil, payload)
	if err != nil {
		t.Fatalf("AppendFrame failed: %v", err)
	}
	if err := r.transport.HostWrite(data); err != nil {
		t.Fatalf("HostWrite failed: %v", err)
	}
}

func (r *testRig) packet(t *testing.T) []byte {
	t.Helper()
	pkt, err := r.transport.HostRead(time.Second)
	if err != nil || pkt == nil {
		t.Fatalf("HostRead = %v, %v, want a packet", pkt, err)
	}
	return pkt
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDevice_ConnectSendEcho(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())

	rig.command(t, protocol.CMD_CONNECT, 0x01)

	prime := rig.packet(t)
	if len(prime) != protocol.USB_PACKET_SIZE || prime[0] != 0 {
		t.Fatalf("prime packet = % X, want zero packet", prime[:4])
	}
	if !rig.dev.Connected() {
		t.Error("Connected() = false after CONNECT")
	}
	waitFor(t, "bridge start", func() bool { return rig.dev.Bridge().State() == can.StateStarted })

	rig.command(t, protocol.CMD_CAN_SEND, 0x21, 0x03, 0x02, 0xBE, 0xEF)

	pkt := rig.packet(t)
	count := int(pkt[0])
	frm := pkt[1 : 1+count]
	r, err := can.DecodeReport(frm[protocol.Profile16.PayloadOffset() : count-1])
	if err != nil {
		t.Fatalf("DecodeReport failed: %v", err)
	}
	if r.ID != 0x321 || r.Command != protocol.CMD_D2H_CAN_STD || len(r.Data) != 2 || r.Data[0] != 0xBE {
		t.Errorf("report = %+v, want standard 0x321 [BE EF]", r)
	}

	stats := rig.dev.Stats()
	if stats.Commands.OK != 2 {
		t.Errorf("Commands.OK = %d, want 2", stats.Commands.OK)
	}
	if stats.Parser.Frames != 2 {
		t.Errorf("Parser.Frames = %d, want 2", stats.Parser.Frames)
	}
}

func TestDevice_Disconnect(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())

	rig.command(t, protocol.CMD_CONNECT, 0x01)
	rig.packet(t)
	rig.command(t, protocol.CMD_CONNECT, 0x00)

	waitFor(t, "bridge stop", func() bool { return rig.dev.Bridge().State() != can.StateStarted })
	if rig.dev.Connected() {
		t.Error("Connected() = true after disconnect")
	}

	// Bus traffic is not reported while disconnected
	if rig.ctrl.Inject(can.Message{ID: 0x10}) {
		t.Error("Inject delivered to a stopped bridge")
	}
}

func TestDevice_LengthPrefixProfile32(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profile = protocol.Profile32
	cfg.LengthPrefix = true
	rig := newTestRig(t, cfg)

	data, _ := rig.host.AppendFrame(nil, []byte{protocol.CMD_CONNECT, 0x01})
	packet := append([]byte{byte(len(data))}, data...)
	packet = append(packet, make([]byte, 8)...)
	rig.transport.HostWrite(packet)

	rig.packet(t)
	if !rig.dev.Connected() {
		t.Error("Connected() = false after prefixed CONNECT")
	}
}

func TestNew_InvalidPacketSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PacketSize = 8
	if _, err := New(cfg, hal.NewLoopbackController(false), hal.NewMemoryTransport(1), nil); err == nil {
		t.Error("Expected error for a packet too small to carry a report")
	}
}
