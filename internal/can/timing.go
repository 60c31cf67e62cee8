package can

import (
	"fmt"
	"strconv"
	"strings"
)

// KERNEL_CLOCK_HZ is the CAN peripheral clock the timing table is computed for.
const KERNEL_CLOCK_HZ = 80000000

// Timing is one bit-timing tuple in time quanta.
type Timing struct {
	Prescaler     uint16
	SyncJumpWidth uint8
	TimeSeg1      uint8
	TimeSeg2      uint8
}

// Bitrate returns the bit rate the tuple yields at clock Hz.
func (t Timing) Bitrate(clock uint32) uint32 {
	quanta := 1 + uint32(t.TimeSeg1) + uint32(t.TimeSeg2)
	if t.Prescaler == 0 || quanta == 0 {
		return 0
	}
	return clock / uint32(t.Prescaler) / quanta
}

func (t Timing) String() string {
	return fmt.Sprintf("presc=%d sjw=%d seg1=%d seg2=%d", t.Prescaler, t.SyncJumpWidth, t.TimeSeg1, t.TimeSeg2)
}

// BitrateConfig pairs the arbitration and data phase timings.
type BitrateConfig struct {
	Nominal Timing
	Data    Timing
}

func (c BitrateConfig) String() string {
	return fmt.Sprintf("nominal %d bit/s, data %d bit/s",
		c.Nominal.Bitrate(KERNEL_CLOCK_HZ), c.Data.Bitrate(KERNEL_CLOCK_HZ))
}

// ArbitrationBitrate indexes the nominal timing table.
type ArbitrationBitrate uint8

const (
	Arbitration500K ArbitrationBitrate = iota
	Arbitration1M
)

// DataBitrate indexes the data phase timing table.
type DataBitrate uint8

const (
	Data500K DataBitrate = iota
	Data1M
	Data2M
)

var arbitrationTimings = [...]Timing{
	Arbitration500K: {Prescaler: 2, SyncJumpWidth: 16, TimeSeg1: 63, TimeSeg2: 16},
	Arbitration1M:   {Prescaler: 1, SyncJumpWidth: 16, TimeSeg1: 63, TimeSeg2: 16},
}

var dataTimings = [...]Timing{
	Data500K: {Prescaler: 4, SyncJumpWidth: 8, TimeSeg1: 31, TimeSeg2: 8},
	Data1M:   {Prescaler: 2, SyncJumpWidth: 8, TimeSeg1: 31, TimeSeg2: 8},
	Data2M:   {Prescaler: 1, SyncJumpWidth: 8, TimeSeg1: 31, TimeSeg2: 8},
}

// LookupTiming resolves a pair of table indices. Unknown indices fail.
func LookupTiming(arb ArbitrationBitrate, data DataBitrate) (BitrateConfig, error) {
	if int(arb) >= len(arbitrationTimings) {
		return BitrateConfig{}, fmt.Errorf("%w: arbitration index %d", ErrUnknownBitrate, arb)
	}
	if int(data) >= len(dataTimings) {
		return BitrateConfig{}, fmt.Errorf("%w: data index %d", ErrUnknownBitrate, data)
	}
	return BitrateConfig{Nominal: arbitrationTimings[arb], Data: dataTimings[data]}, nil
}

// ParseArbitrationBitrate accepts a rate in bit/s, optionally suffixed k or M.
func ParseArbitrationBitrate(s string) (ArbitrationBitrate, error) {
	rate, err := parseRate(s)
	if err != nil {
		return 0, err
	}
	for i, t := range arbitrationTimings {
		if t.Bitrate(KERNEL_CLOCK_HZ) == rate {
			return ArbitrationBitrate(i), nil
		}
	}
	return 0, fmt.Errorf("%w: arbitration %d bit/s", ErrUnknownBitrate, rate)
}

// ParseDataBitrate accepts a rate in bit/s, optionally suffixed k or M.
func ParseDataBitrate(s string) (DataBitrate, error) {
	rate, err := parseRate(s)
	if err != nil {
		return 0, err
	}
	for i, t := range dataTimings {
		if t.Bitrate(KERNEL_CLOCK_HZ) == rate {
			return DataBitrate(i), nil
		}
	}
	return 0, fmt.Errorf("%w: data %d bit/s", ErrUnknownBitrate, rate)
}

func parseRate(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "K"):
		mult = 1000
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		mult = 1000000
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid bitrate %q: %w", s, err)
	}
	return uint32(v * mult), nil
}
