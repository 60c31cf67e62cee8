package database

import (
	"fmt"
	"time"
)

// StatsSnapshot is one sample of the device pipeline counters. Counters are
// cumulative since the device started.
type StatsSnapshot struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	// Frame parser
	ParserFrames      uint64 `json:"parser_frames"`
	ParserResync      uint64 `json:"parser_resync"`
	ParserBadLength   uint64 `json:"parser_bad_length"`
	ParserBadChecksum uint64 `json:"parser_bad_checksum"`
	ParserOversize    uint64 `json:"parser_oversize"`
	ParserRejected    uint64 `json:"parser_rejected"`
	ParserOverwritten uint64 `json:"parser_overwritten"`

	// Command dispatcher
	CommandsOK      uint64 `json:"commands_ok"`
	CommandsDropped uint64 `json:"commands_dropped"`

	// CAN bridge
	TxQueued    uint64 `json:"tx_queued"`
	TxDropped   uint64 `json:"tx_dropped"`
	TxSubmitted uint64 `json:"tx_submitted"`
	TxErrors    uint64 `json:"tx_errors"`
	RxReceived  uint64 `json:"rx_received"`
	RxDropped   uint64 `json:"rx_dropped"`
	RxReported  uint64 `json:"rx_reported"`
	RxUnsent    uint64 `json:"rx_unsent"`

	// USB egress
	EgressDirect      uint64 `json:"egress_direct"`
	EgressQueued      uint64 `json:"egress_queued"`
	EgressDropped     uint64 `json:"egress_dropped"`
	EgressKeepAlives  uint64 `json:"egress_keep_alives"`
	EgressWriteErrors uint64 `json:"egress_write_errors"`
}

// TableName specifies the table name for GORM
func (StatsSnapshot) TableName() string {
	return "stats_snapshots"
}

// LossTotal sums every counter that records lost data.
func (s StatsSnapshot) LossTotal() uint64 {
	return s.ParserRejected + s.ParserOverwritten + s.ParserOversize +
		s.TxDropped + s.TxErrors + s.RxDropped + s.RxUnsent +
		s.EgressDropped + s.EgressWriteErrors
}

// String returns a one-line summary
func (s StatsSnapshot) String() string {
	return fmt.Sprintf("frames=%d tx=%d/%d rx=%d/%d lost=%d",
		s.ParserFrames, s.TxSubmitted, s.TxQueued, s.RxReported, s.RxReceived, s.LossTotal())
}

// TraceRecord is one bridged CAN message.
type TraceRecord struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	Direction string    `gorm:"size:2;index" json:"direction"`
	CANID     uint32    `gorm:"column:can_id;index" json:"can_id"`
	Extended  bool      `json:"extended"`
	FD        bool      `json:"fd"`
	BRS       bool      `json:"brs"`
	DLC       uint8     `json:"dlc"`
	Data      []byte    `json:"data"`
}

// TableName specifies the table name for GORM
func (TraceRecord) TableName() string {
	return "can_traces"
}

// IsValid checks the record has a known direction
func (r TraceRecord) IsValid() bool {
	return r.Direction == "TX" || r.Direction == "RX"
}

// String returns a candump style line
func (r TraceRecord) String() string {
	id := fmt.Sprintf("%03X", r.CANID)
	if r.Extended {
		id = fmt.Sprintf("%08X", r.CANID)
	}
	sep := "#"
	if r.FD {
		sep = "##"
	}
	return fmt.Sprintf("%s %s%s%X", r.Direction, id, sep, r.Data)
}
