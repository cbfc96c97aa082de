// Package twcmessage classifies a validated 14-byte twcframe body into a
// typed Message and builds the bytes for the six outbound message kinds.
// spec.md §4.3 and §9 call for replacing the source's dynamic
// dispatch/regex matching with a tagged variant and a small decoding table;
// Kind is that tag.
package twcmessage

import (
	"encoding/binary"
	"fmt"

	"github.com/timcantryn/TWCManager/twcframe"
)

// TwcId is a device address on the bus: two bytes, network order, not
// semantically ordered. 0x0000 is the unset address; linkready messages
// carry the sender's sign and a zero byte in their receiver field.
type TwcId [2]byte

func (id TwcId) String() string { return fmt.Sprintf("%02X%02X", id[0], id[1]) }

// IsZero reports whether id is the broadcast/unset address 0x0000.
func (id TwcId) IsZero() bool { return id == TwcId{} }

// Sign is a single opaque byte, stable for a session, carried in linkready
// messages and regenerated whenever a device's id conflicts with another.
type Sign byte

// Kind tags which of the six known message shapes (or Unknown) a Message is.
type Kind int

const (
	KindUnknown Kind = iota
	KindSlaveLinkReady
	KindSlaveHeartbeat
	KindMasterLinkReady1
	KindMasterLinkReady2
	KindMasterHeartbeat
	KindMasterIdle4h
)

func (k Kind) String() string {
	switch k {
	case KindSlaveLinkReady:
		return "SlaveLinkReady"
	case KindSlaveHeartbeat:
		return "SlaveHeartbeat"
	case KindMasterLinkReady1:
		return "MasterLinkReady1"
	case KindMasterLinkReady2:
		return "MasterLinkReady2"
	case KindMasterHeartbeat:
		return "MasterHeartbeat"
	case KindMasterIdle4h:
		return "MasterIdle4h"
	default:
		return "Unknown"
	}
}

// Message is the tagged variant spec.md §3 defines. Only the fields
// applicable to Kind are meaningful; Raw always holds the original 14-byte
// body for logging (spec.md §4.6 "Any Unknown -> log verbatim hex").
type Message struct {
	Kind Kind
	Raw  [twcframe.BodyLen]byte

	Sender   TwcId
	Receiver TwcId

	// SlaveLinkReady
	Sign              Sign
	MaxAmpsAdvertised uint16 // cA

	// SlaveHeartbeat
	Status    byte
	ReqMaxCA  uint16
	ActualCA  uint16
	SlaveFill [2]byte

	// MasterLinkReady1/2
	MasterSign Sign

	// MasterHeartbeat
	Cmd       byte
	CapCA     uint16
	PlugFlag  byte
	MasterFill [3]byte
}

// Message type bytes, big-endian, matching spec.md §4.3's classification
// table.
var (
	typeSlaveLinkReady   = [2]byte{0xFD, 0xE2}
	typeSlaveHeartbeat   = [2]byte{0xFD, 0xE0}
	typeMasterLinkReady1 = [2]byte{0xFC, 0xE1}
	typeMasterLinkReady2 = [2]byte{0xFB, 0xE2}
	typeMasterHeartbeat  = [2]byte{0xFB, 0xE0}
	typeMasterIdle4h     = [2]byte{0xFC, 0x1D}
)

// Parse classifies a validated 14-byte body (as produced by
// twcframe.Decoder.AddByte) into a Message. Unrecognized type bytes or
// payload shapes produce KindUnknown, never an error: classification
// failure is not a framing failure.
func Parse(body [twcframe.BodyLen]byte) Message {
	msg := Message{Raw: body}
	typ := [2]byte{body[0], body[1]}
	msg.Sender = TwcId{body[2], body[3]}
	msg.Receiver = TwcId{body[4], body[5]}
	payload := body[6:13]

	switch {
	case typ == typeSlaveLinkReady && payload[0] == 0x1F && payload[1] == 0x40 && isZero(payload[2:]):
		msg.Kind = KindSlaveLinkReady
		msg.Sign = Sign(msg.Receiver[0])
		msg.MaxAmpsAdvertised = binary.BigEndian.Uint16(payload[0:2])
	case typ == typeSlaveHeartbeat:
		msg.Kind = KindSlaveHeartbeat
		msg.Status = payload[0]
		msg.ReqMaxCA = binary.BigEndian.Uint16(payload[1:3])
		msg.ActualCA = binary.BigEndian.Uint16(payload[3:5])
		copy(msg.SlaveFill[:], payload[5:7])
	case typ == typeMasterLinkReady1 && isZero(payload):
		msg.Kind = KindMasterLinkReady1
		msg.MasterSign = Sign(msg.Receiver[0])
	case typ == typeMasterLinkReady2 && isZero(payload):
		msg.Kind = KindMasterLinkReady2
		msg.MasterSign = Sign(msg.Receiver[0])
	case typ == typeMasterHeartbeat:
		msg.Kind = KindMasterHeartbeat
		msg.Cmd = payload[0]
		msg.CapCA = binary.BigEndian.Uint16(payload[1:3])
		msg.PlugFlag = payload[3]
		copy(msg.MasterFill[:], payload[4:7])
	case typ == typeMasterIdle4h && isZero(body[2:13]):
		msg.Kind = KindMasterIdle4h
	default:
		msg.Kind = KindUnknown
	}
	return msg
}

func isZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}
