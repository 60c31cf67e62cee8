package protocol

// Host link framing constants

const (
	// Frame layout
	TAG_SOF       = 0xFF // Start of frame sentinel
	TAG_SIZE      = 1    // Tag field width
	CHECKSUM_SIZE = 1    // Trailing checksum width

	// Buffer constants
	DEFAULT_RING_BUFFER_SIZE = 1024 // Parser ring buffer
	DEFAULT_CMD_FRAME_SIZE   = 128  // Largest command payload accepted by the parser

	// USB vendor endpoint
	USB_PACKET_SIZE     = 64 // Fixed IN/OUT packet size
	USB_COUNT_SIZE      = 1  // Leading byte count in each vendor packet
	USB_MAX_PACKET_SIZE = 256

	// Bounded queues
	TX_QUEUE_LENGTH     = 3
	RX_QUEUE_LENGTH     = 3
	EGRESS_QUEUE_LENGTH = 10
)

// Command identifiers (byte 0 of a frame payload)
const (
	CMD_CONNECT     = 0x01 // 1 byte: 0x01 connect, other disconnect
	CMD_SET_BITRATE = 0x02 // 1 byte arbitration index + 1 byte data index
	CMD_CAN_SEND    = 0x10 // identifier + DLC + up to 8 bytes
	CMD_CAN_SEND_FD = 0x11 // identifier + flags + DLC code + payload

	// Device to host reports
	CMD_DEVICE_TO_HOST     = 0x20
	CMD_D2H_CAN_STD        = 0x20
	CMD_D2H_CAN_EXT        = 0x21
	CMD_D2H_FD_STD         = 0x22
	CMD_D2H_FD_EXT         = 0x23
	CMD_D2H_CONTINUATION   = 0x2F // Remainder of a report that did not fit one packet
	CMD_D2H_CONTINUED_FLAG = 0x40 // Set on the first packet of a split report
)

// Command payload offsets
const (
	OFFSET_COMMAND_ID = 0
	OFFSET_MSGID      = 1

	CONNECT_LENGTH     = 2
	SET_BITRATE_LENGTH = 3

	CAN_SEND_FD_FLAG_BRS = 0x01

	// Report payload: command + 4 byte identifier + byte count (or offset)
	REPORT_ID_SIZE       = 4
	REPORT_HEADER_LENGTH = 1 + REPORT_ID_SIZE + 1
)
