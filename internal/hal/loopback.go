package hal

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dbehnke/canfdbridge/internal/can"
)

// ErrNotStarted is returned when a controller is used before Start.
var ErrNotStarted = errors.New("controller not started")

// LOOPBACK_TX_FIFO_DEPTH matches the hardware TX FIFO the bridge drives.
const LOOPBACK_TX_FIFO_DEPTH = 3

// LoopbackController is a software CAN-FD controller. Transmitted frames are
// published on Frames() and, with echo enabled, received back. Completion and
// receive callbacks run on the controller's own goroutine, as interrupts would.
type LoopbackController struct {
	echo bool

	mu         sync.Mutex
	timing     can.BitrateConfig
	started    bool
	irqEnabled bool
	isr        can.ISR
	txFifo     chan can.TxElement
	done       chan struct{}
	wg         sync.WaitGroup

	frames    chan can.Message
	timestamp atomic.Uint32
	missed    atomic.Uint64
}

// NewLoopbackController creates a stopped controller. With echo set every
// transmitted frame is also delivered to the receive path.
func NewLoopbackController(echo bool) *LoopbackController {
	return &LoopbackController{
		echo:   echo,
		frames: make(chan can.Message, 64),
	}
}

func (l *LoopbackController) Configure(cfg can.BitrateConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return can.ErrNotIdle
	}
	l.timing = cfg
	return nil
}

func (l *LoopbackController) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}

	l.txFifo = make(chan can.TxElement, LOOPBACK_TX_FIFO_DEPTH)
	l.done = make(chan struct{})
	l.started = true

	l.wg.Add(1)
	go l.transmitter(l.txFifo, l.done)
	return nil
}

func (l *LoopbackController) Stop() error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = false
	close(l.done)
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}

// Submit places el in the TX FIFO; completion is reported asynchronously.
func (l *LoopbackController) Submit(el can.TxElement) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return ErrNotStarted
	}

	select {
	case l.txFifo <- el:
		return nil
	default:
		return can.ErrQueueFull
	}
}

func (l *LoopbackController) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.started
}

func (l *LoopbackController) ActivateNotifications(isr can.ISR) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isr = isr
	return nil
}

func (l *LoopbackController) DeactivateNotifications() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isr = nil
	return nil
}

func (l *LoopbackController) EnableInterrupt() {
	l.mu.Lock()
	l.irqEnabled = true
	l.mu.Unlock()
}

func (l *LoopbackController) DisableInterrupt() {
	l.mu.Lock()
	l.irqEnabled = false
	l.mu.Unlock()
}

// Inject delivers msg as if it arrived from the bus. It returns false when
// the controller is stopped or its interrupt is masked.
func (l *LoopbackController) Inject(msg can.Message) bool {
	isr := l.port()
	if isr == nil {
		l.missed.Add(1)
		return false
	}
	isr.RxFifoNewMessage(can.RxElement{Message: msg, Timestamp: l.timestamp.Add(1)})
	return true
}

// Frames delivers every frame the controller transmitted. Frames are dropped
// when nobody reads.
func (l *LoopbackController) Frames() <-chan can.Message {
	return l.frames
}

// Timing returns the last applied timing.
func (l *LoopbackController) Timing() can.BitrateConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timing
}

// Missed counts received frames lost to a masked interrupt.
func (l *LoopbackController) Missed() uint64 {
	return l.missed.Load()
}

func (l *LoopbackController) port() can.ISR {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started || !l.irqEnabled {
		return nil
	}
	return l.isr
}

func (l *LoopbackController) transmitter(fifo <-chan can.TxElement, done <-chan struct{}) {
	defer l.wg.Done()

	for {
		select {
		case <-done:
			return
		case el := <-fifo:
			select {
			case l.frames <- el.Message:
			default:
			}

			if l.echo {
				l.Inject(el.Message)
			}

			if isr := l.port(); isr != nil {
				isr.TxFifoEmpty()
			}
		}
	}
}
