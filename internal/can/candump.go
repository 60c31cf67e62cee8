package can

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ParseCandump reads the compact frame notation used by can-utils:
// "123#DEADBEEF" for classic frames and "123##1DEADBEEF" for FD frames,
// where the digit after "##" holds the FD flags (bit 0 is bitrate switch).
// Eight identifier digits select an extended identifier. Data bytes may be
// separated by dots.
func ParseCandump(s string) (Message, error) {
	var msg Message

	idPart, rest, ok := strings.Cut(strings.TrimSpace(s), "#")
	if !ok {
		return msg, fmt.Errorf("frame %q: missing '#'", s)
	}

	switch len(idPart) {
	case 3:
		msg.IDType = StandardID
	case 8:
		msg.IDType = ExtendedID
	default:
		return msg, fmt.Errorf("frame %q: identifier must be 3 or 8 hex digits", s)
	}
	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil {
		return msg, fmt.Errorf("frame %q: %w", s, err)
	}
	msg.ID = uint32(id)

	if strings.HasPrefix(rest, "#") {
		msg.Format = FD
		rest = rest[1:]
		if rest == "" {
			return msg, fmt.Errorf("frame %q: missing FD flags", s)
		}
		flags, err := strconv.ParseUint(rest[:1], 16, 8)
		if err != nil {
			return msg, fmt.Errorf("frame %q: bad FD flags: %w", s, err)
		}
		msg.BitrateSwitch = flags&0x1 != 0
		rest = rest[1:]
	}

	data, err := hex.DecodeString(strings.ReplaceAll(rest, ".", ""))
	if err != nil {
		return msg, fmt.Errorf("frame %q: %w", s, err)
	}
	if err := msg.SetPayload(data); err != nil {
		return msg, fmt.Errorf("frame %q: %w", s, err)
	}
	return msg, msg.Validate()
}

// FormatCandump is the inverse of ParseCandump.
func FormatCandump(msg *Message) string {
	var b strings.Builder
	if msg.IDType == ExtendedID {
		fmt.Fprintf(&b, "%08X#", msg.ID)
	} else {
		fmt.Fprintf(&b, "%03X#", msg.ID)
	}
	if msg.Format == FD {
		flags := 0
		if msg.BitrateSwitch {
			flags = 1
		}
		fmt.Fprintf(&b, "#%X", flags)
	}
	fmt.Fprintf(&b, "%X", msg.Payload())
	return b.String()
}
