package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dbehnke/canfdbridge/internal/can"
	"github.com/dbehnke/canfdbridge/internal/device"
	"github.com/dbehnke/canfdbridge/internal/frame"
	"github.com/dbehnke/canfdbridge/internal/protocol"
)

// Config represents the bridge configuration
type Config struct {
	filename string

	// Protocol section
	profile          string
	lengthPrefix     bool
	ringBufferSize   uint32
	commandFrameSize uint32
	overflowPolicy   string

	// CAN section
	canDriver      string
	canInterface   string
	canArbitration string
	canData        string
	canTxQueue     uint32
	canRxQueue     uint32
	canDebug       bool

	// USB section
	usbPort        string
	usbBaud        uint32
	usbPacketSize  uint32
	usbEgressQueue uint32
	usbZeroFill    bool
	usbDebug       bool

	// Database section
	databaseEnabled         bool
	databasePath            string
	databaseSnapshotSeconds uint32
	databaseRetentionHours  uint32
	databaseTrace           bool
	databaseDebug           bool

	// Log section
	logFilePath string
	logDebug    bool
}

// NewConfig creates a new configuration instance
func NewConfig(filename string) *Config {
	return &Config{
		filename: filename,
		// Set reasonable defaults
		profile:          "16",
		ringBufferSize:   protocol.DEFAULT_RING_BUFFER_SIZE,
		commandFrameSize: protocol.DEFAULT_CMD_FRAME_SIZE,
		overflowPolicy:   "reject",

		canDriver:      "loopback",
		canInterface:   "can0",
		canArbitration: "500000",
		canData:        "1000000",
		canTxQueue:     protocol.TX_QUEUE_LENGTH,
		canRxQueue:     protocol.RX_QUEUE_LENGTH,

		usbBaud:        115200,
		usbPacketSize:  protocol.USB_PACKET_SIZE,
		usbEgressQueue: protocol.EGRESS_QUEUE_LENGTH,

		// Telemetry is opt-in
		databaseEnabled:         false,
		databasePath:            "data/canfdbridge.db",
		databaseSnapshotSeconds: 10,
		databaseRetentionHours:  168,
	}
}

// Load loads configuration from the specified file
func (c *Config) Load() error {
	file, err := os.Open(c.filename)
	if err != nil {
		return fmt.Errorf("failed to open config file %s: %w", c.filename, err)
	}
	defer file.Close()

	return c.parseINIScanner(bufio.NewScanner(file))
}

// LoadFromString loads configuration from a string (useful for testing)
func (c *Config) LoadFromString(data string) error {
	return c.parseINIScanner(bufio.NewScanner(strings.NewReader(data)))
}

func (c *Config) parseINIScanner(scanner *bufio.Scanner) error {
	var currentSection string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if len(line) == 0 || line[0] == '#' || line[0] == ';' {
			continue
		}

		if line[0] == '[' && line[len(line)-1] == ']' {
			currentSection = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch currentSection {
		case "Protocol":
			c.parseProtocolSection(key, value)
		case "CAN":
			c.parseCANSection(key, value)
		case "USB":
			c.parseUSBSection(key, value)
		case "Database":
			c.parseDatabaseSection(key, value)
		case "Log":
			c.parseLogSection(key, value)
		}
	}

	return scanner.Err()
}

func (c *Config) parseProtocolSection(key, value string) {
	switch key {
	case "Profile":
		c.profile = value
	case "LengthPrefix":
		c.lengthPrefix = c.parseBool(value)
	case "RingBufferSize":
		c.parseUint(value, &c.ringBufferSize)
	case "CommandFrameSize":
		c.parseUint(value, &c.commandFrameSize)
	case "OverflowPolicy":
		c.overflowPolicy = strings.ToLower(value)
	}
}

func (c *Config) parseCANSection(key, value string) {
	switch key {
	case "Driver":
		c.canDriver = strings.ToLower(value)
	case "Interface":
		c.canInterface = value
	case "Arbitration":
		c.canArbitration = value
	case "Data":
		c.canData = value
	case "TxQueue":
		c.parseUint(value, &c.canTxQueue)
	case "RxQueue":
		c.parseUint(value, &c.canRxQueue)
	case "Debug":
		c.canDebug = c.parseBool(value)
	}
}

func (c *Config) parseUSBSection(key, value string) {
	switch key {
	case "Port":
		c.usbPort = value
	case "Baud":
		c.parseUint(value, &c.usbBaud)
	case "PacketSize":
		c.parseUint(value, &c.usbPacketSize)
	case "EgressQueue":
		c.parseUint(value, &c.usbEgressQueue)
	case "ZeroFill":
		c.usbZeroFill = c.parseBool(value)
	case "Debug":
		c.usbDebug = c.parseBool(value)
	}
}

func (c *Config) parseDatabaseSection(key, value string) {
	switch key {
	case "Enabled":
		c.databaseEnabled = c.parseBool(value)
	case "Path":
		c.databasePath = value
	case "SnapshotSeconds":
		c.parseUint(value, &c.databaseSnapshotSeconds)
	case "RetentionHours":
		c.parseUint(value, &c.databaseRetentionHours)
	case "Trace":
		c.databaseTrace = c.parseBool(value)
	case "Debug":
		c.databaseDebug = c.parseBool(value)
	}
}

func (c *Config) parseLogSection(key, value string) {
	switch key {
	case "FilePath":
		c.logFilePath = value
	case "Debug":
		c.logDebug = c.parseBool(value)
	}
}

func (c *Config) parseBool(value string) bool {
	return value == "1" || strings.ToLower(value) == "true" || strings.ToLower(value) == "yes"
}

// parseUint leaves dst untouched when value is not a number
func (c *Config) parseUint(value string, dst *uint32) {
	if v, err := strconv.ParseUint(value, 10, 32); err == nil {
		*dst = uint32(v)
	}
}

// DeviceConfig resolves the Protocol, CAN and USB sections into a device
// configuration. Named values (profile, policy, bitrates) are checked here.
func (c *Config) DeviceConfig() (device.Config, error) {
	cfg := device.DefaultConfig()

	profile, err := protocol.ParseProfile(c.profile)
	if err != nil {
		return cfg, fmt.Errorf("[Protocol] Profile: %w", err)
	}
	policy, err := frame.ParseOverflowPolicy(c.overflowPolicy)
	if err != nil {
		return cfg, fmt.Errorf("[Protocol] OverflowPolicy: %w", err)
	}
	arb, err := can.ParseArbitrationBitrate(c.canArbitration)
	if err != nil {
		return cfg, fmt.Errorf("[CAN] Arbitration: %w", err)
	}
	data, err := can.ParseDataBitrate(c.canData)
	if err != nil {
		return cfg, fmt.Errorf("[CAN] Data: %w", err)
	}

	cfg.Profile = profile
	cfg.LengthPrefix = c.lengthPrefix
	cfg.RingBufferSize = int(c.ringBufferSize)
	cfg.CommandFrameSize = int(c.commandFrameSize)
	cfg.Overflow = policy
	cfg.PacketSize = int(c.usbPacketSize)
	cfg.EgressQueueLength = int(c.usbEgressQueue)
	cfg.ZeroFill = c.usbZeroFill
	cfg.TxQueueLength = int(c.canTxQueue)
	cfg.RxQueueLength = int(c.canRxQueue)
	cfg.Arbitration = arb
	cfg.Data = data
	cfg.Debug = c.canDebug || c.usbDebug
	return cfg, nil
}

// Getter methods for Protocol section
func (c *Config) GetProfile() string          { return c.profile }
func (c *Config) GetLengthPrefix() bool       { return c.lengthPrefix }
func (c *Config) GetRingBufferSize() uint32   { return c.ringBufferSize }
func (c *Config) GetCommandFrameSize() uint32 { return c.commandFrameSize }
func (c *Config) GetOverflowPolicy() string   { return c.overflowPolicy }

// Getter methods for CAN section
func (c *Config) GetCANDriver() string      { return c.canDriver }
func (c *Config) GetCANInterface() string   { return c.canInterface }
func (c *Config) GetCANArbitration() string { return c.canArbitration }
func (c *Config) GetCANData() string        { return c.canData }
func (c *Config) GetCANTxQueue() uint32     { return c.canTxQueue }
func (c *Config) GetCANRxQueue() uint32     { return c.canRxQueue }
func (c *Config) GetCANDebug() bool         { return c.canDebug }

// Getter methods for USB section
func (c *Config) GetUSBPort() string        { return c.usbPort }
func (c *Config) GetUSBBaud() uint32        { return c.usbBaud }
func (c *Config) GetUSBPacketSize() uint32  { return c.usbPacketSize }
func (c *Config) GetUSBEgressQueue() uint32 { return c.usbEgressQueue }
func (c *Config) GetUSBZeroFill() bool      { return c.usbZeroFill }
func (c *Config) GetUSBDebug() bool         { return c.usbDebug }

// Getter methods for Database section
func (c *Config) GetDatabaseEnabled() bool { return c.databaseEnabled }
func (c *Config) GetDatabasePath() string  { return c.databasePath }
func (c *Config) GetDatabaseTrace() bool   { return c.databaseTrace }
func (c *Config) GetDatabaseDebug() bool   { return c.databaseDebug }

func (c *Config) GetDatabaseSnapshotInterval() time.Duration {
	return time.Duration(c.databaseSnapshotSeconds) * time.Second
}

func (c *Config) GetDatabaseRetention() time.Duration {
	return time.Duration(c.databaseRetentionHours) * time.Hour
}

// Getter methods for Log section
func (c *Config) GetLogFilePath() string { return c.logFilePath }
func (c *Config) GetLogDebug() bool      { return c.logDebug }
