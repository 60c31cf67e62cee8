package protocol

import (
	"fmt"
	"strings"
)

// Profile selects the width of the length/sequence fields of a frame and of
// the identifier carried by CAN_SEND. The two profiles are not wire compatible
// and a build talks exactly one of them.
type Profile struct {
	Name           string
	LengthSize     int
	SequenceSize   int
	IdentifierSize int
}

var (
	Profile16 = Profile{Name: "16", LengthSize: 2, SequenceSize: 2, IdentifierSize: 2}
	Profile32 = Profile{Name: "32", LengthSize: 4, SequenceSize: 4, IdentifierSize: 4}
)

// ParseProfile resolves a profile name ("16" or "32").
func ParseProfile(name string) (Profile, error) {
	switch strings.TrimSpace(name) {
	case "16", "2":
		return Profile16, nil
	case "32", "4":
		return Profile32, nil
	}
	return Profile{}, fmt.Errorf("unknown protocol profile %q", name)
}

// Overhead is the number of framing bytes around a payload.
func (p Profile) Overhead() int {
	return TAG_SIZE + p.LengthSize + p.SequenceSize + CHECKSUM_SIZE
}

func (p Profile) LengthOffset() int   { return TAG_SIZE }
func (p Profile) SequenceOffset() int { return TAG_SIZE + p.LengthSize }
func (p Profile) PayloadOffset() int  { return TAG_SIZE + p.LengthSize + p.SequenceSize }

// MaxLength is the largest frame length the length field can encode.
func (p Profile) MaxLength() uint64 {
	return 1<<(8*uint(p.LengthSize)) - 1
}

// CanSendHeader is the size of a CAN_SEND payload before the data bytes.
func (p Profile) CanSendHeader() int {
	return 1 + p.IdentifierSize + 1
}

// CanSendFDHeader is the size of a CAN_SEND_FD payload before the data bytes.
func (p Profile) CanSendFDHeader() int {
	return 1 + p.IdentifierSize + 2
}

func (p Profile) String() string {
	return fmt.Sprintf("profile-%s (overhead %d)", p.Name, p.Overhead())
}
