package usb

import (
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/dbehnke/canfdbridge/internal/protocol"
)

// EgressConfig sizes the egress queue.
type EgressConfig struct {
	PacketSize  int
	QueueLength int
	ZeroFill    bool // Write a zero packet when a completion finds the queue empty
	Debug       bool
}

// EgressStats counts egress activity since creation.
type EgressStats struct {
	Direct      uint64 // Packets written without queueing
	Queued      uint64 // Packets parked while the endpoint was busy
	Dropped     uint64 // Packets refused because the queue was full
	Dequeued    uint64 // Queued packets written on completion
	KeepAlives  uint64 // Zero packets written
	WriteErrors uint64
	HighWater   int // Deepest queue occupancy seen
}

// EgressQueue writes fixed-size packets to a transport, parking them in a
// preallocated FIFO while a previous write is outstanding. OnTxComplete must
// be called when the transport finishes a write.
type EgressQueue struct {
	transport Transport
	logger    *log.Logger
	debug     bool
	zeroFill  bool

	mu         sync.Mutex
	packetSize int
	slots      [][]byte
	head       int
	count      int
	inFlight   bool
	zero       []byte
	stats      EgressStats
}

// NewEgressQueue creates a queue and registers for completion events when
// the transport offers them.
func NewEgressQueue(cfg EgressConfig, transport Transport, logger *log.Logger) (*EgressQueue, error) {
	if transport == nil {
		return nil, fmt.Errorf("egress queue requires a transport")
	}
	if cfg.PacketSize == 0 {
		cfg.PacketSize = protocol.USB_PACKET_SIZE
	}
	if cfg.PacketSize < 0 || cfg.PacketSize > protocol.USB_MAX_PACKET_SIZE {
		return nil, fmt.Errorf("invalid packet size %d", cfg.PacketSize)
	}
	if cfg.QueueLength <= 0 {
		cfg.QueueLength = protocol.EGRESS_QUEUE_LENGTH
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	slab := make([]byte, cfg.PacketSize*cfg.QueueLength)
	slots := make([][]byte, cfg.QueueLength)
	for i := range slots {
		slots[i] = slab[i*cfg.PacketSize : (i+1)*cfg.PacketSize]
	}

	q := &EgressQueue{
		transport:  transport,
		logger:     logger,
		debug:      cfg.Debug,
		zeroFill:   cfg.ZeroFill,
		packetSize: cfg.PacketSize,
		slots:      slots,
		zero:       make([]byte, cfg.PacketSize),
	}

	if rn, ok := transport.(ReadyNotifier); ok {
		rn.SetTxCompleteHandler(q.OnTxComplete)
	}
	return q, nil
}

// Send writes the packet now if the endpoint is idle, otherwise queues a copy.
// Short packets are zero padded; long ones are refused. Returns false when
// the packet was dropped.
func (q *EgressQueue) Send(packet []byte) bool {
	if len(packet) > q.packetSize {
		q.logger.Printf("Packet of %d bytes exceeds %d", len(packet), q.packetSize)
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.inFlight && q.count > 0 && q.transport.WriteAvailable() {
		// A completion write failed earlier; restart the drain so this
		// packet lines up behind the ones already waiting.
		q.writeHeadLocked()
	}

	if !q.inFlight && q.count == 0 && q.transport.WriteAvailable() {
		slot := q.slots[q.head]
		clear(slot)
		copy(slot, packet)
		if q.writeLocked(slot) {
			q.stats.Direct++
			return true
		}
		return false
	}

	if q.count == len(q.slots) {
		q.stats.Dropped++
		if q.debug {
			q.logger.Printf("Egress queue full, dropping packet")
		}
		return false
	}

	slot := q.slots[(q.head+q.count)%len(q.slots)]
	clear(slot)
	copy(slot, packet)
	q.count++
	q.stats.Queued++
	if q.count > q.stats.HighWater {
		q.stats.HighWater = q.count
	}
	return true
}

// OnTxComplete writes the oldest queued packet, or a zero packet when the
// queue is empty and zero fill is on. A packet whose write fails stays at the
// head and is retried by the next Send.
func (q *EgressQueue) OnTxComplete() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inFlight = false

	if q.count > 0 {
		q.writeHeadLocked()
		return
	}

	if q.zeroFill {
		if q.writeLocked(q.zero) {
			q.stats.KeepAlives++
		}
	}
}

func (q *EgressQueue) writeHeadLocked() {
	if !q.writeLocked(q.slots[q.head]) {
		return
	}
	q.head = (q.head + 1) % len(q.slots)
	q.count--
	q.stats.Dequeued++
}

func (q *EgressQueue) writeLocked(packet []byte) bool {
	if err := q.transport.Write(packet); err != nil {
		q.stats.WriteErrors++
		q.logger.Printf("Packet write failed: %v", err)
		return false
	}
	q.inFlight = true
	return true
}

// Reset discards queued packets and forgets any outstanding write.
func (q *EgressQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.head = 0
	q.count = 0
	q.inFlight = false
}

// Prime resets the queue and writes one zero packet so the host's first IN
// request completes.
func (q *EgressQueue) Prime() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.head = 0
	q.count = 0
	q.inFlight = false

	if !q.writeLocked(q.zero) {
		return false
	}
	q.stats.KeepAlives++
	return true
}

// Pending returns the number of queued packets.
func (q *EgressQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// PacketSize returns the fixed packet size.
func (q *EgressQueue) PacketSize() int {
	return q.packetSize
}

// Stats returns a snapshot of the egress counters.
func (q *EgressQueue) Stats() EgressStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
