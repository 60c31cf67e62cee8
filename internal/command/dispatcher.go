package command

import (
	"encoding/binary"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/dbehnke/canfdbridge/internal/can"
	"github.com/dbehnke/canfdbridge/internal/protocol"
)

// Bridge is the part of the CAN bridge the dispatcher drives. None of the
// methods may block on bus activity.
type Bridge interface {
	Connect() bool
	Disconnect() bool
	SetBitrate(arb can.ArbitrationBitrate, data can.DataBitrate) bool
	Send(msg can.Message) bool
}

// Status is the outcome of one dispatched command. The host never sees it;
// it drives counters and debug logging.
type Status int

const (
	StatusOK        Status = iota
	StatusRejected         // Bridge refused the request
	StatusBadLength        // Payload size wrong for the command
	StatusBadParam         // Parameter out of range
	StatusUnknown          // Unrecognised command id
	StatusEmpty            // Zero length payload
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRejected:
		return "rejected"
	case StatusBadLength:
		return "bad length"
	case StatusBadParam:
		return "bad parameter"
	case StatusUnknown:
		return "unknown command"
	case StatusEmpty:
		return "empty"
	}
	return "invalid"
}

// Stats counts dispatch outcomes.
type Stats struct {
	OK        uint64
	Rejected  uint64
	BadLength uint64
	BadParam  uint64
	Unknown   uint64
	Empty     uint64
}

// Dispatcher decodes command payloads and routes them to the bridge.
// Malformed commands are dropped; there is no negative acknowledgement.
type Dispatcher struct {
	bridge  Bridge
	profile protocol.Profile
	logger  *log.Logger
	debug   bool

	hookMu    sync.RWMutex
	onConnect func(connected bool)

	counts [StatusEmpty + 1]atomic.Uint64
}

// NewDispatcher creates a dispatcher for the given wire profile.
func NewDispatcher(bridge Bridge, profile protocol.Profile, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Dispatcher{
		bridge:  bridge,
		profile: profile,
		logger:  logger,
	}
}

// SetDebug enables per-command logging.
func (d *Dispatcher) SetDebug(debug bool) {
	d.debug = debug
}

// SetConnectHook registers fn to run on every CONNECT before the bridge acts.
func (d *Dispatcher) SetConnectHook(fn func(connected bool)) {
	d.hookMu.Lock()
	d.onConnect = fn
	d.hookMu.Unlock()
}

// Handle adapts Dispatch to the frame parser's handler signature.
func (d *Dispatcher) Handle(payload []byte, seq uint32) {
	status := d.Dispatch(payload)
	if d.debug && status != StatusOK {
		d.logger.Printf("Frame seq=%d dropped: %s", seq, status)
	}
}

// Dispatch runs one command payload.
func (d *Dispatcher) Dispatch(payload []byte) Status {
	status := d.dispatch(payload)
	d.counts[status].Add(1)
	return status
}

func (d *Dispatcher) dispatch(payload []byte) Status {
	if len(payload) == 0 {
		return StatusEmpty
	}

	switch payload[protocol.OFFSET_COMMAND_ID] {
	case protocol.CMD_CONNECT:
		return d.connect(payload)
	case protocol.CMD_SET_BITRATE:
		return d.setBitrate(payload)
	case protocol.CMD_CAN_SEND:
		return d.canSend(payload)
	case protocol.CMD_CAN_SEND_FD:
		return d.canSendFD(payload)
	}

	if d.debug {
		d.logger.Printf("Unknown command 0x%02X (%d bytes)", payload[0], len(payload))
	}
	return StatusUnknown
}

func (d *Dispatcher) connect(payload []byte) Status {
	if len(payload) != protocol.CONNECT_LENGTH {
		return d.badLength("CONNECT", len(payload))
	}

	connected := payload[1] == 0x01

	d.hookMu.RLock()
	hook := d.onConnect
	d.hookMu.RUnlock()
	if hook != nil {
		hook(connected)
	}

	var ok bool
	if connected {
		ok = d.bridge.Connect()
	} else {
		ok = d.bridge.Disconnect()
	}

	if d.debug {
		d.logger.Printf("CONNECT %v: ok=%v", connected, ok)
	}
	if !ok {
		return StatusRejected
	}
	return StatusOK
}

func (d *Dispatcher) setBitrate(payload []byte) Status {
	if len(payload) != protocol.SET_BITRATE_LENGTH {
		return d.badLength("SET_BITRATE", len(payload))
	}

	arb := can.ArbitrationBitrate(payload[1])
	data := can.DataBitrate(payload[2])
	if _, err := can.LookupTiming(arb, data); err != nil {
		if d.debug {
			d.logger.Printf("SET_BITRATE: %v", err)
		}
		return StatusBadParam
	}

	if !d.bridge.SetBitrate(arb, data) {
		return StatusRejected
	}
	return StatusOK
}

// canSend handles [cmd][identifier][dlc][data...] with at most eight data bytes.
func (d *Dispatcher) canSend(payload []byte) Status {
	hdr := d.profile.CanSendHeader()
	if len(payload) < hdr || len(payload) > hdr+can.MaxClassicDLC {
		return d.badLength("CAN_SEND", len(payload))
	}

	dlc := payload[hdr-1]
	if dlc > can.MaxClassicDLC {
		if d.debug {
			d.logger.Printf("CAN_SEND: DLC %d exceeds %d", dlc, can.MaxClassicDLC)
		}
		return StatusBadParam
	}
	if len(payload) < hdr+int(dlc) {
		return d.badLength("CAN_SEND", len(payload))
	}

	msg, ok := d.newMessage(payload, can.Classic)
	if !ok {
		return StatusBadParam
	}
	msg.DLC = dlc
	copy(msg.Data[:], payload[hdr:hdr+int(dlc)])

	return d.send(msg)
}

// canSendFD handles [cmd][identifier][flags][dlc code][data...].
func (d *Dispatcher) canSendFD(payload []byte) Status {
	hdr := d.profile.CanSendFDHeader()
	if len(payload) < hdr || len(payload) > hdr+can.MaxDataLength {
		return d.badLength("CAN_SEND_FD", len(payload))
	}

	flags := payload[hdr-2]
	dlc := payload[hdr-1]
	if dlc > 15 {
		if d.debug {
			d.logger.Printf("CAN_SEND_FD: DLC code %d exceeds 15", dlc)
		}
		return StatusBadParam
	}

	n := protocol.DLCToBytes(dlc)
	if len(payload) < hdr+n {
		return d.badLength("CAN_SEND_FD", len(payload))
	}

	msg, ok := d.newMessage(payload, can.FD)
	if !ok {
		return StatusBadParam
	}
	msg.DLC = dlc
	msg.BitrateSwitch = flags&protocol.CAN_SEND_FD_FLAG_BRS != 0
	copy(msg.Data[:], payload[hdr:hdr+n])

	return d.send(msg)
}

// newMessage reads the little-endian identifier; values above the standard
// range select an extended identifier.
func (d *Dispatcher) newMessage(payload []byte, format can.Format) (can.Message, bool) {
	var id uint32
	field := payload[protocol.OFFSET_MSGID : protocol.OFFSET_MSGID+d.profile.IdentifierSize]
	if d.profile.IdentifierSize == 4 {
		id = binary.LittleEndian.Uint32(field)
	} else {
		id = uint32(binary.LittleEndian.Uint16(field))
	}

	if id > can.MaxExtendedID {
		if d.debug {
			d.logger.Printf("Identifier 0x%X out of range", id)
		}
		return can.Message{}, false
	}

	msg := can.Message{ID: id, IDType: can.StandardID, Format: format}
	if id > can.MaxStandardID {
		msg.IDType = can.ExtendedID
	}
	return msg, true
}

func (d *Dispatcher) send(msg can.Message) Status {
	if !d.bridge.Send(msg) {
		if d.debug {
			d.logger.Printf("Send refused: %s", &msg)
		}
		return StatusRejected
	}
	return StatusOK
}

func (d *Dispatcher) badLength(name string, n int) Status {
	if d.debug {
		d.logger.Printf("%s: unexpected payload length %d", name, n)
	}
	return StatusBadLength
}

// Stats returns the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		OK:        d.counts[StatusOK].Load(),
		Rejected:  d.counts[StatusRejected].Load(),
		BadLength: d.counts[StatusBadLength].Load(),
		BadParam:  d.counts[StatusBadParam].Load(),
		Unknown:   d.counts[StatusUnknown].Load(),
		Empty:     d.counts[StatusEmpty].Load(),
	}
}
