package can

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/dbehnke/canfdbridge/internal/protocol"
)

// State is the bridge controller state.
type State int

const (
	StateReady State = iota
	StateConfigured
	StateStarted
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateConfigured:
		return "CONFIGURED"
	case StateStarted:
		return "STARTED"
	}
	return "UNKNOWN"
}

// Direction tags trace callbacks.
type Direction int

const (
	DirectionTx Direction = iota // Host to bus
	DirectionRx                  // Bus to host
)

func (d Direction) String() string {
	if d == DirectionRx {
		return "RX"
	}
	return "TX"
}

// TraceFunc observes bridged messages. It runs on the bridge task and must
// not block.
type TraceFunc func(dir Direction, msg *Message)

// Sink accepts encoded host packets. Send copies the packet and reports
// false when it has no room.
type Sink interface {
	Send(packet []byte) bool
}

// Config holds bridge sizing and the default bitrate used by Connect.
type Config struct {
	TxQueueLength int
	RxQueueLength int
	Arbitration   ArbitrationBitrate
	Data          DataBitrate
	Debug         bool
}

// Stats counts bridge activity since creation.
type Stats struct {
	TxQueued    uint64 // Messages accepted by Send
	TxDropped   uint64 // Send refused for a full queue or stopped bridge
	TxSubmitted uint64 // Messages handed to the controller
	TxErrors    uint64 // Controller refused a submission
	RxReceived  uint64 // Messages queued by the receive callback
	RxDropped   uint64 // Receive callback found the queue full
	RxReported  uint64 // Messages fully encoded to the host
	RxUnsent    uint64 // Messages whose packets the sink refused
	Reconfigs   uint64 // Successful Configure calls
}

// Bridge moves messages between the host command path and a CAN controller.
// Send and the controller callbacks only touch bounded queues and event bits;
// Run is the single task that talks to the controller and the host sink.
type Bridge struct {
	ctrl    Controller
	encoder *ReportEncoder
	sink    Sink
	logger  *log.Logger
	debug   bool

	txQueue  *Queue[TxElement]
	rxQueue  *Queue[RxElement]
	notify   *Notifier
	inFlight atomic.Bool
	isr      isrPort

	mu     sync.Mutex // guards state, timing and the remembered bitrate
	state  State
	timing BitrateConfig
	arb    ArbitrationBitrate
	data   DataBitrate

	trace atomic.Pointer[TraceFunc]

	txQueued    atomic.Uint64
	txDropped   atomic.Uint64
	txSubmitted atomic.Uint64
	txErrors    atomic.Uint64
	rxReceived  atomic.Uint64
	rxDropped   atomic.Uint64
	rxReported  atomic.Uint64
	rxUnsent    atomic.Uint64
	reconfigs   atomic.Uint64
}

// NewBridge creates a bridge in the READY state. encoder and sink may be nil,
// in which case received messages are only traced.
func NewBridge(cfg Config, ctrl Controller, encoder *ReportEncoder, sink Sink, logger *log.Logger) (*Bridge, error) {
	if ctrl == nil {
		return nil, errors.New("bridge requires a controller")
	}
	if _, err := LookupTiming(cfg.Arbitration, cfg.Data); err != nil {
		return nil, err
	}
	if cfg.TxQueueLength == 0 {
		cfg.TxQueueLength = protocol.TX_QUEUE_LENGTH
	}
	if cfg.RxQueueLength == 0 {
		cfg.RxQueueLength = protocol.RX_QUEUE_LENGTH
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	b := &Bridge{
		ctrl:    ctrl,
		encoder: encoder,
		sink:    sink,
		logger:  logger,
		debug:   cfg.Debug,
		txQueue: NewQueue[TxElement](cfg.TxQueueLength),
		rxQueue: NewQueue[RxElement](cfg.RxQueueLength),
		notify:  NewNotifier(),
		state:   StateReady,
		arb:     cfg.Arbitration,
		data:    cfg.Data,
	}
	b.isr = isrPort{b: b}
	return b, nil
}

// Configure applies the timing pair. It fails without side effects while the
// bridge is started or the controller is not idle.
func (b *Bridge) Configure(arb ArbitrationBitrate, data DataBitrate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.configureLocked(arb, data)
}

func (b *Bridge) configureLocked(arb ArbitrationBitrate, data DataBitrate) bool {
	if b.state == StateStarted || !b.ctrl.Idle() {
		if b.debug {
			b.logger.Printf("Configure rejected: %v", ErrNotIdle)
		}
		return false
	}

	timing, err := LookupTiming(arb, data)
	if err != nil {
		b.logger.Printf("Configure rejected: %v", err)
		return false
	}

	if err := b.ctrl.Configure(timing); err != nil {
		b.logger.Printf("Controller configure failed: %v", err)
		return false
	}

	b.timing = timing
	b.arb = arb
	b.data = data
	b.state = StateConfigured
	b.reconfigs.Add(1)

	if b.debug {
		b.logger.Printf("Configured %s", timing)
	}
	return true
}

// Start arms notifications and joins the bus. The bridge must be configured.
func (b *Bridge) Start() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startLocked()
}

func (b *Bridge) startLocked() bool {
	switch b.state {
	case StateStarted:
		return true
	case StateReady:
		if b.debug {
			b.logger.Printf("Start rejected: bridge not configured")
		}
		return false
	}

	b.inFlight.Store(false)

	if err := b.ctrl.Start(); err != nil {
		b.logger.Printf("Controller start failed: %v", err)
		return false
	}
	if err := b.ctrl.ActivateNotifications(b.isr); err != nil {
		b.logger.Printf("Notification activation failed: %v", err)
		b.ctrl.Stop()
		return false
	}
	b.ctrl.EnableInterrupt()

	b.state = StateStarted
	if b.debug {
		b.logger.Printf("Bridge started")
	}
	return true
}

// Stop leaves the bus. The interrupt line is disabled before notifications
// are detached, then the controller halts. Pending transmissions are
// discarded.
func (b *Bridge) Stop() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopLocked()
}

func (b *Bridge) stopLocked() bool {
	if b.state != StateStarted {
		return true
	}

	b.ctrl.DisableInterrupt()

	ok := true
	if err := b.ctrl.DeactivateNotifications(); err != nil {
		b.logger.Printf("Notification deactivation failed: %v", err)
		ok = false
	}
	if err := b.ctrl.Stop(); err != nil {
		b.logger.Printf("Controller stop failed: %v", err)
		ok = false
	}

	b.state = StateConfigured
	if n := b.txQueue.Reset(); n > 0 && b.debug {
		b.logger.Printf("Discarded %d pending transmissions", n)
	}
	b.inFlight.Store(false)

	if b.debug {
		b.logger.Printf("Bridge stopped")
	}
	return ok
}

// Connect (re)starts the bridge with the remembered bitrate.
func (b *Bridge) Connect() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.stopLocked() {
		return false
	}
	if !b.configureLocked(b.arb, b.data) {
		return false
	}
	return b.startLocked()
}

// Disconnect stops the bridge.
func (b *Bridge) Disconnect() bool {
	return b.Stop()
}

// SetBitrate reconfigures the bridge, restarting it if it was started. On
// failure the previous timing stays active.
func (b *Bridge) SetBitrate(arb ArbitrationBitrate, data DataBitrate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := LookupTiming(arb, data); err != nil {
		b.logger.Printf("SetBitrate rejected: %v", err)
		return false
	}

	wasStarted := b.state == StateStarted
	if wasStarted && !b.stopLocked() {
		return false
	}

	ok := b.configureLocked(arb, data)
	if wasStarted && !b.startLocked() {
		return false
	}
	return ok
}

// Send queues msg for transmission without blocking. It returns false when
// the bridge is not started, the message is invalid or the queue is full.
func (b *Bridge) Send(msg Message) bool {
	if b.State() != StateStarted {
		b.txDropped.Add(1)
		if b.debug {
			b.logger.Printf("Send dropped: %v", ErrNotStarted)
		}
		return false
	}
	if err := msg.Validate(); err != nil {
		b.txDropped.Add(1)
		if b.debug {
			b.logger.Printf("Send dropped: %v", err)
		}
		return false
	}

	if !b.txQueue.TryPush(TxElement{Message: msg}) {
		b.txDropped.Add(1)
		if b.debug {
			b.logger.Printf("Send dropped: TX %v", ErrQueueFull)
		}
		return false
	}
	b.txQueued.Add(1)

	if b.inFlight.CompareAndSwap(false, true) {
		b.notify.Signal(EventTxReady)
	}
	return true
}

// Run is the bridge task. It blocks on the event bits until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		events, err := b.notify.Wait(ctx)
		if err != nil {
			return nil
		}

		if events&EventTxReady != 0 {
			b.serviceTx()
		}
		if events&EventRxAvailable != 0 {
			b.serviceRx()
		}
	}
}

// serviceTx submits the head of the TX queue. An empty queue clears the
// in-flight flag, re-checking for a Send that raced the clear.
func (b *Bridge) serviceTx() {
	for {
		el, ok := b.txQueue.TryPop()
		if !ok {
			b.inFlight.Store(false)
			if b.txQueue.Len() == 0 || !b.inFlight.CompareAndSwap(false, true) {
				return
			}
			continue
		}

		b.inFlight.Store(true)
		if err := b.ctrl.Submit(el); err != nil {
			b.txErrors.Add(1)
			b.logger.Printf("Submit failed: %v", err)
			continue
		}
		b.txSubmitted.Add(1)
		b.traceMessage(DirectionTx, &el.Message)
		return
	}
}

// serviceRx drains the RX queue; event bits coalesce so one wake-up may
// cover several messages.
func (b *Bridge) serviceRx() {
	for {
		el, ok := b.rxQueue.TryPop()
		if !ok {
			return
		}
		b.report(&el)
	}
}

func (b *Bridge) report(el *RxElement) {
	b.traceMessage(DirectionRx, &el.Message)

	if b.encoder == nil || b.sink == nil {
		return
	}

	if _, err := b.encoder.Encode(&el.Message, b.sink.Send); err != nil {
		b.rxUnsent.Add(1)
		if b.debug {
			b.logger.Printf("Report for id=0x%X not sent: %v", el.ID, err)
		}
		return
	}
	b.rxReported.Add(1)
}

func (b *Bridge) traceMessage(dir Direction, msg *Message) {
	if fn := b.trace.Load(); fn != nil {
		(*fn)(dir, msg)
	}
	if b.debug {
		b.logger.Printf("%s %s", dir, msg)
	}
}

// SetTrace installs fn as the trace hook; nil removes it.
func (b *Bridge) SetTrace(fn TraceFunc) {
	if fn == nil {
		b.trace.Store(nil)
		return
	}
	b.trace.Store(&fn)
}

// State returns the current controller state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Timing returns the active timing pair.
func (b *Bridge) Timing() BitrateConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timing
}

// Bitrate returns the remembered bitrate selection.
func (b *Bridge) Bitrate() (ArbitrationBitrate, DataBitrate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arb, b.data
}

// TxPending returns the number of queued transmissions.
func (b *Bridge) TxPending() int {
	return b.txQueue.Len()
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		TxQueued:    b.txQueued.Load(),
		TxDropped:   b.txDropped.Load(),
		TxSubmitted: b.txSubmitted.Load(),
		TxErrors:    b.txErrors.Load(),
		RxReceived:  b.rxReceived.Load(),
		RxDropped:   b.rxDropped.Load(),
		RxReported:  b.rxReported.Load(),
		RxUnsent:    b.rxUnsent.Load(),
		Reconfigs:   b.reconfigs.Load(),
	}
}

// isrPort is the ISR handed to the controller.
type isrPort struct {
	b *Bridge
}

func (p isrPort) RxFifoNewMessage(el RxElement) {
	if !p.b.rxQueue.TryPush(el) {
		p.b.rxDropped.Add(1)
		return
	}
	p.b.rxReceived.Add(1)
	p.b.notify.Signal(EventRxAvailable)
}

func (p isrPort) TxFifoEmpty() {
	p.b.notify.Signal(EventTxReady)
}
