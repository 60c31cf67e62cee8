package usb

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dbehnke/canfdbridge/internal/frame"
	"github.com/dbehnke/canfdbridge/internal/protocol"
)

type fakeTransport struct {
	mu         sync.Mutex
	writes     [][]byte
	busy       bool
	failWrite  bool
	onComplete func()
	reads      chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reads: make(chan []byte, 8)}
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	select {
	case data, ok := <-f.reads:
		if !ok {
			return 0, errors.New("closed")
		}
		return copy(p, data), nil
	case <-time.After(10 * time.Millisecond):
		return 0, nil
	}
}

func (f *fakeTransport) Write(packet []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("endpoint stalled")
	}
	f.writes = append(f.writes, append([]byte(nil), packet...))
	return nil
}

func (f *fakeTransport) WriteAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.busy
}

func (f *fakeTransport) SetTxCompleteHandler(fn func()) {
	f.onComplete = fn
}

func (f *fakeTransport) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

func newTestEgress(t *testing.T, tr *fakeTransport, cfg EgressConfig) *EgressQueue {
	t.Helper()
	q, err := NewEgressQueue(cfg, tr, nil)
	if err != nil {
		t.Fatalf("NewEgressQueue failed: %v", err)
	}
	if tr.onComplete == nil {
		t.Fatal("egress queue did not register for completions")
	}
	return q
}

func TestEgressQueue_DirectWriteWhenIdle(t *testing.T) {
	tr := newFakeTransport()
	q := newTestEgress(t, tr, EgressConfig{})

	if !q.Send([]byte{1, 2, 3}) {
		t.Fatal("Send failed")
	}

	writes := tr.written()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	if len(writes[0]) != protocol.USB_PACKET_SIZE {
		t.Errorf("packet length = %d, want %d", len(writes[0]), protocol.USB_PACKET_SIZE)
	}
	if !bytes.Equal(writes[0][:4], []byte{1, 2, 3, 0}) {
		t.Errorf("packet = % X, want zero padded 01 02 03", writes[0][:4])
	}
	if q.Stats().Direct != 1 {
		t.Errorf("Direct = %d, want 1", q.Stats().Direct)
	}
}

func TestEgressQueue_OrderAcrossCompletions(t *testing.T) {
	tr := newFakeTransport()
	q := newTestEgress(t, tr, EgressConfig{})

	for i := byte(1); i <= 3; i++ {
		q.Send([]byte{i})
	}
	if len(tr.written()) != 1 || q.Pending() != 2 {
		t.Fatalf("writes = %d, pending = %d, want 1 and 2", len(tr.written()), q.Pending())
	}

	tr.onComplete()
	tr.onComplete()
	tr.onComplete()

	writes := tr.written()
	if len(writes) != 3 {
		t.Fatalf("writes = %d, want 3", len(writes))
	}
	for i, w := range writes {
		if w[0] != byte(i+1) {
			t.Errorf("write %d = %d, want %d", i, w[0], i+1)
		}
	}

	// Idle again: the next packet goes straight out
	q.Send([]byte{9})
	if len(tr.written()) != 4 {
		t.Errorf("writes = %d, want 4", len(tr.written()))
	}
}

func TestEgressQueue_FullDrops(t *testing.T) {
	tr := newFakeTransport()
	q := newTestEgress(t, tr, EgressConfig{QueueLength: 2})

	results := []bool{q.Send([]byte{1}), q.Send([]byte{2}), q.Send([]byte{3}), q.Send([]byte{4})}
	want := []bool{true, true, true, false}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("Send %d = %v, want %v", i+1, results[i], want[i])
		}
	}

	stats := q.Stats()
	if stats.Dropped != 1 || stats.Queued != 2 || stats.HighWater != 2 {
		t.Errorf("stats = %+v, want 1 dropped, 2 queued, high water 2", stats)
	}
}

func TestEgressQueue_BusyTransportQueues(t *testing.T) {
	tr := newFakeTransport()
	tr.busy = true
	q := newTestEgress(t, tr, EgressConfig{})

	q.Send([]byte{1})
	if len(tr.written()) != 0 || q.Pending() != 1 {
		t.Fatalf("writes = %d, pending = %d, want 0 and 1", len(tr.written()), q.Pending())
	}

	tr.onComplete()
	if len(tr.written()) != 1 {
		t.Errorf("writes = %d after completion, want 1", len(tr.written()))
	}
}

func TestEgressQueue_ZeroFill(t *testing.T) {
	tests := []struct {
		name     string
		zeroFill bool
		want     int
	}{
		{"enabled", true, 2},
		{"disabled", false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			q := newTestEgress(t, tr, EgressConfig{ZeroFill: tt.zeroFill})

			q.Send([]byte{0xAA})
			tr.onComplete()

			writes := tr.written()
			if len(writes) != tt.want {
				t.Fatalf("writes = %d, want %d", len(writes), tt.want)
			}
			if tt.zeroFill && !bytes.Equal(writes[1], make([]byte, protocol.USB_PACKET_SIZE)) {
				t.Error("keep-alive packet should be all zero")
			}
		})
	}
}

func TestEgressQueue_Prime(t *testing.T) {
	tr := newFakeTransport()
	q := newTestEgress(t, tr, EgressConfig{})

	q.Send([]byte{1})
	q.Send([]byte{2})

	if !q.Prime() {
		t.Fatal("Prime failed")
	}
	if q.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after Prime", q.Pending())
	}

	writes := tr.written()
	if last := writes[len(writes)-1]; !bytes.Equal(last, make([]byte, protocol.USB_PACKET_SIZE)) {
		t.Errorf("last write = % X, want zero packet", last)
	}
}

func TestEgressQueue_WriteError(t *testing.T) {
	tr := newFakeTransport()
	tr.failWrite = true
	q := newTestEgress(t, tr, EgressConfig{})

	if q.Send([]byte{1}) {
		t.Error("Send should fail when the write fails")
	}
	if q.Stats().WriteErrors != 1 {
		t.Errorf("WriteErrors = %d, want 1", q.Stats().WriteErrors)
	}
	if q.Send(make([]byte, protocol.USB_PACKET_SIZE+1)) {
		t.Error("Send of an oversized packet should fail")
	}
}

func TestEgressQueue_RecoversFromFailedCompletionWrite(t *testing.T) {
	tr := newFakeTransport()
	q := newTestEgress(t, tr, EgressConfig{QueueLength: 4})

	q.Send([]byte{1})
	q.Send([]byte{2})
	q.Send([]byte{3})

	tr.mu.Lock()
	tr.failWrite = true
	tr.mu.Unlock()
	tr.onComplete()

	if q.Pending() != 2 {
		t.Fatalf("Pending() = %d after failed write, want 2", q.Pending())
	}

	tr.mu.Lock()
	tr.failWrite = false
	tr.mu.Unlock()

	for i := byte(4); i <= 6; i++ {
		if !q.Send([]byte{i}) {
			t.Fatalf("Send %d dropped", i)
		}
	}
	for q.Pending() > 0 {
		tr.onComplete()
	}

	writes := tr.written()
	if len(writes) != 6 {
		t.Fatalf("writes = %d, want 6", len(writes))
	}
	for i, w := range writes {
		if w[0] != byte(i+1) {
			t.Errorf("write %d = %d, want %d", i, w[0], i+1)
		}
	}

	stats := q.Stats()
	if stats.WriteErrors != 1 || stats.Dropped != 0 {
		t.Errorf("stats = %+v, want 1 write error and no drops", stats)
	}
}

type payloads struct {
	mu  sync.Mutex
	got [][]byte
}

func (p *payloads) handle(payload []byte, seq uint32) {
	p.mu.Lock()
	p.got = append(p.got, append([]byte(nil), payload...))
	p.mu.Unlock()
}

func (p *payloads) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.got)
}

func newTestVendor(t *testing.T, tr Transport, cfg VendorConfig, ringSize int) (*VendorClass, *frame.Parser, *payloads) {
	t.Helper()
	rec := &payloads{}
	parser, err := frame.NewParser(frame.Config{Profile: protocol.Profile16, RingBufferSize: ringSize}, rec.handle)
	if err != nil {
		t.Fatalf("NewParser failed: %v", err)
	}
	return NewVendorClass(cfg, tr, parser, nil), parser, rec
}

func TestVendorClass_LengthPrefix(t *testing.T) {
	v, _, rec := newTestVendor(t, newFakeTransport(), VendorConfig{LengthPrefix: true}, 0)

	f := frame.NewFormatter(protocol.Profile16)
	data, _ := f.AppendFrame(nil, []byte{0x01, 0x01})

	// Padded packet: prefix, frame, trailing junk that must be ignored
	packet := append([]byte{byte(len(data))}, data...)
	packet = append(packet, 0xFF, 0xFF, 0xFF)
	v.Feed(packet)

	if rec.count() != 1 {
		t.Fatalf("handled %d frames, want 1", rec.count())
	}

	v.Feed([]byte{0x05})
	v.Feed(nil)
	if got := v.Stats(); got.Bytes != uint64(len(data)) {
		t.Errorf("Bytes = %d, want %d", got.Bytes, len(data))
	}

	v.Feed([]byte{0x10, 0x01})
	if v.Stats().PrefixErrors != 1 {
		t.Errorf("PrefixErrors = %d, want 1", v.Stats().PrefixErrors)
	}
}

func TestVendorClass_RawStream(t *testing.T) {
	v, _, rec := newTestVendor(t, newFakeTransport(), VendorConfig{}, 0)

	f := frame.NewFormatter(protocol.Profile16)
	data, _ := f.AppendFrame(nil, []byte{0x10, 0x21, 0x03, 0x00})
	data, _ = f.AppendFrame(data, []byte{0x01, 0x00})

	v.Feed(data[:7])
	v.Feed(data[7:])

	if rec.count() != 2 {
		t.Errorf("handled %d frames, want 2", rec.count())
	}
}

func TestVendorClass_RecoversFromStalledTag(t *testing.T) {
	v, parser, rec := newTestVendor(t, newFakeTransport(), VendorConfig{}, 64)

	// Spurious tag claiming 62 bytes with only 60 buffered
	stall := append([]byte{0xFF, 0x3E, 0x00}, make([]byte, 57)...)
	v.Feed(stall)
	if parser.Buffered() != 60 {
		t.Fatalf("Buffered() = %d, want 60", parser.Buffered())
	}

	f := frame.NewFormatter(protocol.Profile16)
	data, _ := f.AppendFrame(nil, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
	v.Feed(data)

	if rec.count() != 1 {
		t.Fatalf("handled %d frames, want 1", rec.count())
	}
	if v.Stats().Retries != 1 {
		t.Errorf("Retries = %d, want 1", v.Stats().Retries)
	}
}

func TestVendorClass_Run(t *testing.T) {
	tr := newFakeTransport()
	v, _, rec := newTestVendor(t, tr, VendorConfig{}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- v.Run(ctx) }()

	f := frame.NewFormatter(protocol.Profile16)
	data, _ := f.AppendFrame(nil, []byte{0x01, 0x01})
	tr.reads <- data

	deadline := time.Now().Add(time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if rec.count() != 1 {
		t.Errorf("handled %d frames, want 1", rec.count())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
