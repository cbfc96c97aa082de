// Package twcslave implements the diagnostic slave-side state machine
// (spec.md §4.7, C7): it impersonates a single TWC so a master can be
// exercised without real charging hardware on the bus. It shares the
// twcframe/twcmessage stack with twcmaster but owns none of the
// registry/allocation logic, since a real slave has no notion of other
// slaves.
package twcslave

import (
	"math/rand"
	"time"

	"github.com/golang/glog"

	"github.com/timcantryn/TWCManager/twcclock"
	"github.com/timcantryn/TWCManager/twcframe"
	"github.com/timcantryn/TWCManager/twcmessage"
)

// beaconInterval is the idle linkready cadence spec.md §4.7 calls for.
const beaconInterval = 10 * time.Second

// Slave is the C7 diagnostic state machine.
type Slave struct {
	transport *twcframe.Transport
	decoder   *twcframe.Decoder
	clock     twcclock.Clock
	rng       *rand.Rand

	ownID   twcmessage.TwcId
	ownSign twcmessage.Sign

	lastBeaconAt time.Time

	// reqMaxCA/actualCA are what this simulated slave reports in its
	// heartbeat replies; they mirror whatever cap the master last granted,
	// per spec.md §4.7.
	reqMaxCA  uint16
	actualCA  uint16
}

// New builds a Slave impersonating ownID/ownSign.
func New(transport *twcframe.Transport, clock twcclock.Clock, ownID twcmessage.TwcId, ownSign twcmessage.Sign, seed int64) *Slave {
	return &Slave{
		transport: transport,
		decoder:   twcframe.NewDecoder(),
		clock:     clock,
		rng:       rand.New(rand.NewSource(seed)),
		ownID:     ownID,
		ownSign:   ownSign,
	}
}

// OwnID returns the slave's current bus address, which may have changed
// since New if an id conflict was observed.
func (s *Slave) OwnID() twcmessage.TwcId { return s.ownID }

// Tick runs one outer scheduling step: drain inbound bytes, then, if idle
// and the beacon interval has elapsed, emit a SlaveLinkReady.
func (s *Slave) Tick() {
	now := s.clock.Now()
	for {
		b, ok, err := s.transport.ReadByte()
		if err != nil {
			glog.Warningf("twcslave: transport read error: %v", err)
			break
		}
		if !ok {
			break
		}
		s.handleByte(b)
	}

	if s.decoder.Idle() && now.Sub(s.lastBeaconAt) >= beaconInterval {
		s.sendLinkReady(now)
	}
}

func (s *Slave) handleByte(b byte) {
	body, err := s.decoder.AddByte(b)
	if err != nil {
		if _, ok := err.(twcframe.TrailerRewritten); ok {
			glog.Infof("twcslave: %v", err)
		} else {
			glog.Warningf("twcslave: framing error: %v", err)
		}
	}
	if body == nil {
		return
	}
	var raw [twcframe.BodyLen]byte
	copy(raw[:], body)
	s.handleMessage(twcmessage.Parse(raw))
}

func (s *Slave) handleMessage(msg twcmessage.Message) {
	switch msg.Kind {
	case twcmessage.KindMasterLinkReady2:
		// spec.md §4.7: "on receipt of master linkready2 emit one
		// immediately", independent of the 10 s idle cadence.
		s.sendLinkReady(s.clock.Now())

	case twcmessage.KindMasterHeartbeat:
		if msg.Receiver != s.ownID {
			return
		}
		s.reqMaxCA = msg.CapCA
		s.actualCA = msg.CapCA
		reply := twcmessage.BuildSlaveHeartbeat(s.ownID, msg.Sender, 0x01, s.reqMaxCA, s.actualCA)
		s.send(reply)
	}

	if (msg.Kind == twcmessage.KindMasterLinkReady1 || msg.Kind == twcmessage.KindMasterLinkReady2) && msg.Sender == s.ownID {
		s.randomizeIdentity()
	}
}

// randomizeIdentity implements spec.md §4.7's conflict recovery: a new
// random id/sign avoids colliding with the master's.
func (s *Slave) randomizeIdentity() {
	var next twcmessage.TwcId
	s.rng.Read(next[:])
	s.ownID = next
	s.ownSign = twcmessage.Sign(s.rng.Intn(256))
	glog.Warningf("twcslave: id conflict, now impersonating %s", s.ownID)
}

func (s *Slave) sendLinkReady(now time.Time) {
	s.lastBeaconAt = now
	s.send(twcmessage.BuildSlaveLinkReady(s.ownID, s.ownSign))
}

func (s *Slave) send(frame []byte) {
	if err := s.transport.WriteFrame(frame); err != nil {
		glog.Warningf("twcslave: write failed: %v", err)
	}
}
