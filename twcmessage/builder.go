package twcmessage

import (
	"encoding/binary"

	"github.com/timcantryn/TWCManager/twcframe"
)

func newBody(typ [2]byte, sender, receiver TwcId) [twcframe.BodyLen]byte {
	var body [twcframe.BodyLen]byte
	body[0], body[1] = typ[0], typ[1]
	body[2], body[3] = sender[0], sender[1]
	body[4], body[5] = receiver[0], receiver[1]
	return body
}

// BuildMasterLinkReady1 builds the first of the two startup beacons a
// booting master sends (spec.md §6: receiver = own_sign || 0x00, 7 zero
// payload bytes).
func BuildMasterLinkReady1(own TwcId, sign Sign) []byte {
	body := newBody(typeMasterLinkReady1, own, TwcId{byte(sign), 0x00})
	return twcframe.EncodeFrame(twcframe.EncodeBody(body[:]))
}

// BuildMasterLinkReady2 builds the second startup beacon.
func BuildMasterLinkReady2(own TwcId, sign Sign) []byte {
	body := newBody(typeMasterLinkReady2, own, TwcId{byte(sign), 0x00})
	return twcframe.EncodeFrame(twcframe.EncodeBody(body[:]))
}

// BuildSlaveLinkReady builds the diagnostic slave-mode beacon (C7),
// advertising an 80.00A-capable device as spec.md §6 describes.
func BuildSlaveLinkReady(own TwcId, sign Sign) []byte {
	body := newBody(typeSlaveLinkReady, own, TwcId{byte(sign), 0x00})
	body[6], body[7] = 0x1F, 0x40
	return twcframe.EncodeFrame(twcframe.EncodeBody(body[:]))
}

// BuildMasterHeartbeat builds a unicast master->slave heartbeat with the
// given command and cap (cA). flag is the "plugged in" byte (spec.md §6);
// pass 0 unless mirroring a specific plug state.
func BuildMasterHeartbeat(own, slave TwcId, cmd byte, capCA uint16, flag byte) []byte {
	body := newBody(typeMasterHeartbeat, own, slave)
	body[6] = cmd
	binary.BigEndian.PutUint16(body[7:9], capCA)
	body[9] = flag
	return twcframe.EncodeFrame(twcframe.EncodeBody(body[:]))
}

// BuildSlaveHeartbeat builds the diagnostic slave-mode heartbeat reply (C7),
// mirroring the master's cap as its own requested/actual current.
func BuildSlaveHeartbeat(own, master TwcId, status byte, reqMaxCA, actualCA uint16) []byte {
	body := newBody(typeSlaveHeartbeat, own, master)
	body[6] = status
	binary.BigEndian.PutUint16(body[7:9], reqMaxCA)
	binary.BigEndian.PutUint16(body[9:11], actualCA)
	return twcframe.EncodeFrame(twcframe.EncodeBody(body[:]))
}

// BuildMasterIdle4h builds the all-zero idle-timeout frame (FC 1D).
func BuildMasterIdle4h() []byte {
	body := newBody(typeMasterIdle4h, TwcId{}, TwcId{})
	return twcframe.EncodeFrame(twcframe.EncodeBody(body[:]))
}
