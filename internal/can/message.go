package can

import (
	"fmt"

	"github.com/dbehnke/canfdbridge/internal/protocol"
)

// IDType selects the identifier width.
type IDType uint8

const (
	StandardID IDType = iota
	ExtendedID
)

func (t IDType) String() string {
	if t == ExtendedID {
		return "EXT"
	}
	return "STD"
}

// Format selects classic CAN or CAN-FD framing.
type Format uint8

const (
	Classic Format = iota
	FD
)

func (f Format) String() string {
	if f == FD {
		return "FD"
	}
	return "CAN"
}

// Identifier limits
const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF

	MaxClassicDLC = 8
	MaxDataLength = 64
)

// Message is one CAN or CAN-FD frame. Data holds Len() valid bytes.
type Message struct {
	ID            uint32
	IDType        IDType
	Format        Format
	DLC           uint8 // Length code, 0..8 classic, 0..15 FD
	BitrateSwitch bool
	Data          [MaxDataLength]byte
}

// Len returns the payload size in bytes. A classic frame never carries more
// than eight bytes whatever its DLC.
func (m *Message) Len() int {
	if m.Format == Classic {
		if m.DLC > MaxClassicDLC {
			return MaxClassicDLC
		}
		return int(m.DLC)
	}
	return protocol.DLCToBytes(m.DLC)
}

// Payload returns the valid data bytes.
func (m *Message) Payload() []byte {
	return m.Data[:m.Len()]
}

// SetPayload copies data into the message and sets the smallest DLC that
// holds it.
func (m *Message) SetPayload(data []byte) error {
	if m.Format == Classic && len(data) > MaxClassicDLC {
		return fmt.Errorf("classic frame payload %d bytes exceeds %d", len(data), MaxClassicDLC)
	}
	if len(data) > MaxDataLength {
		return fmt.Errorf("payload %d bytes exceeds %d", len(data), MaxDataLength)
	}

	m.Data = [MaxDataLength]byte{}
	copy(m.Data[:], data)
	m.DLC = protocol.BytesToDLC(len(data))
	return nil
}

// Validate checks identifier range and DLC against the frame format.
func (m *Message) Validate() error {
	switch m.IDType {
	case StandardID:
		if m.ID > MaxStandardID {
			return fmt.Errorf("standard identifier 0x%X out of range", m.ID)
		}
	case ExtendedID:
		if m.ID > MaxExtendedID {
			return fmt.Errorf("extended identifier 0x%X out of range", m.ID)
		}
	default:
		return fmt.Errorf("unknown identifier type %d", m.IDType)
	}

	if m.Format == Classic {
		if m.DLC > MaxClassicDLC {
			return fmt.Errorf("classic DLC %d exceeds %d", m.DLC, MaxClassicDLC)
		}
		if m.BitrateSwitch {
			return fmt.Errorf("bitrate switch set on classic frame")
		}
	} else if m.DLC > 15 {
		return fmt.Errorf("FD DLC %d exceeds 15", m.DLC)
	}
	return nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s id=0x%X dlc=%d [% X]", m.Format, m.IDType, m.ID, m.DLC, m.Payload())
}

// TxElement is a message queued for transmission.
type TxElement struct {
	Message
}

// RxElement is a message taken from the controller's receive FIFO.
type RxElement struct {
	Message
	Timestamp uint32
}
