// Package twcmaster drives the startup linkready bursts, per-slave
// round-robin heartbeats, slave expiry, and ID-conflict handling that make
// up the master state machine (spec.md §4.6, C6). It is the component that
// reads from twcregistry/twcallocation and writes back out through
// twcmessage/twcframe.
package twcmaster

import (
	"time"

	"github.com/golang/glog"

	"github.com/timcantryn/TWCManager/twcallocation"
	"github.com/timcantryn/TWCManager/twcclock"
	"github.com/timcantryn/TWCManager/twcframe"
	"github.com/timcantryn/TWCManager/twcmessage"
	"github.com/timcantryn/TWCManager/twcregistry"
	"github.com/timcantryn/TWCManager/twcstatus"
)

// Phase is the C6 lifecycle: Booting sends the startup linkready burst,
// Cruising is steady-state operation.
type Phase int

const (
	Booting Phase = iota
	Cruising
)

func (p Phase) String() string {
	if p == Booting {
		return "Booting"
	}
	return "Cruising"
}

const (
	// startupBurstTotal is the 5+5 linkready1/linkready2 burst spec.md
	// §4.6 Booting sends before transitioning to Cruising.
	startupBurstTotal  = 10
	startupLinkReady1N = 5

	// slaveSilenceTimeout is the per-slave expiry window (spec.md §3, §5).
	slaveSilenceTimeout = 26 * time.Second
	// heartbeatInterval throttles round-robin sends to any one slave
	// (spec.md §5: ">= 1s between heartbeats to any given slave").
	heartbeatInterval = 1 * time.Second
	// greenPollInterval is C8's minimum poll spacing (spec.md §4.8).
	greenPollInterval = 60 * time.Second
)

// PowerSource is C8, invoked from the Cruising idle branch.
type PowerSource interface {
	Poll(now time.Time) (capCA int32, changed bool)
}

// Config configures a new Master.
type Config struct {
	OwnID      twcmessage.TwcId
	OwnSign    twcmessage.Sign
	WiringCapA int32
	// InitialGlobalCapCA seeds the global cap before any C8 poll succeeds;
	// spec.md §3 default is 1 (degrades to "tell every slave 0A" per §7).
	InitialGlobalCapCA int32
}

// Master is the C6 state machine plus the C4/C5 state it owns.
type Master struct {
	transport *twcframe.Transport
	decoder   *twcframe.Decoder
	registry  *twcregistry.Registry
	clock     twcclock.Clock
	power     PowerSource
	status    *twcstatus.Store

	ownID      twcmessage.TwcId
	ownSign    twcmessage.Sign
	wiringCapA int32

	phase           Phase
	startupMsgsLeft int
	globalCapCA     int32
	lastGreenPollAt time.Time
}

// New builds a Master ready to run. status may be nil to disable the
// diagnostic snapshot publication.
func New(cfg Config, transport *twcframe.Transport, clock twcclock.Clock, power PowerSource, status *twcstatus.Store) *Master {
	return &Master{
		transport:       transport,
		decoder:         twcframe.NewDecoder(),
		registry:        twcregistry.New(),
		clock:           clock,
		power:           power,
		status:          status,
		ownID:           cfg.OwnID,
		ownSign:         cfg.OwnSign,
		wiringCapA:      cfg.WiringCapA,
		phase:           Booting,
		startupMsgsLeft: startupBurstTotal,
		globalCapCA:     cfg.InitialGlobalCapCA,
	}
}

// Registry exposes the slave registry, e.g. for tests.
func (m *Master) Registry() *twcregistry.Registry { return m.registry }

// SetGlobalCapCA lets an external caller (e.g. a config-reload path) push a
// new cap directly; twcpower normally does this via the Cruising idle
// branch instead.
func (m *Master) SetGlobalCapCA(capCA int32) { m.globalCapCA = capCA }

// Tick runs one outer scheduling step (spec.md §5): drain every
// currently-available inbound byte, then — only if the inbound stream is
// idle — perform one unit of state-machine work.
func (m *Master) Tick() {
	now := m.clock.Now()
	for {
		b, ok, err := m.transport.ReadByte()
		if err != nil {
			glog.Warningf("twcmaster: transport read error: %v", err)
			break
		}
		if !ok {
			break
		}
		m.handleByte(b, now)
	}

	if m.decoder.Idle() {
		switch m.phase {
		case Booting:
			m.stepBooting(now)
		case Cruising:
			m.stepCruising(now)
		}
	}

	m.publishStatus(now)
}

func (m *Master) handleByte(b byte, now time.Time) {
	body, err := m.decoder.AddByte(b)
	if err != nil {
		if _, ok := err.(twcframe.TrailerRewritten); ok {
			glog.Infof("twcmaster: %v", err)
		} else {
			glog.Errorf("twcmaster: framing error: %v", err)
		}
	}
	if body == nil {
		return
	}
	var raw [twcframe.BodyLen]byte
	copy(raw[:], body)
	m.handleMessage(twcmessage.Parse(raw), now)
}

func (m *Master) handleMessage(msg twcmessage.Message, now time.Time) {
	switch msg.Kind {
	case twcmessage.KindSlaveLinkReady:
		if msg.Sender == m.ownID {
			glog.Warningf("twcmaster: id conflict: slave linkready claims our id %s, restarting link establishment", m.ownID)
			m.phase = Booting
			m.startupMsgsLeft = startupBurstTotal
			return
		}
		rec := m.registry.Upsert(msg.Sender, now)
		_ = rec
		glog.Infof("twcmaster: slave added [%s]", msg.Sender)
		m.send(twcmessage.BuildMasterHeartbeat(m.ownID, msg.Sender, 0x00, 0, 0))

	case twcmessage.KindSlaveHeartbeat:
		rec := m.registry.Get(msg.Sender)
		if rec == nil {
			glog.Errorf("twcmaster: heartbeat from unknown slave %s, dropping", msg.Sender)
			return
		}
		sample := twcallocation.Sample{ReqMaxCA: msg.ReqMaxCA, ActualCA: msg.ActualCA, Fresh: true}
		decision := twcallocation.Compute(rec, sample, m.globalCapCA, m.wiringCapA, m.registry, now)
		m.globalCapCA = decision.ClampedGlobalCA
		m.send(twcmessage.BuildMasterHeartbeat(m.ownID, msg.Sender, decision.Cmd, uint16(decision.PermittedCA), 0))

	case twcmessage.KindUnknown:
		glog.Errorf("twcmaster: unknown message:\n%s", twcframe.HexDump(msg.Raw[:]))

	default:
		// MasterLinkReady1/2, MasterHeartbeat, MasterIdle4h: these are our
		// own message kinds, echoed back by a misbehaving bus tap or another
		// master; nothing to act on.
	}
}

func (m *Master) stepBooting(now time.Time) {
	if m.startupMsgsLeft <= 0 {
		m.phase = Cruising
		return
	}
	if m.startupMsgsLeft > startupBurstTotal-startupLinkReady1N {
		m.send(twcmessage.BuildMasterLinkReady1(m.ownID, m.ownSign))
	} else {
		m.send(twcmessage.BuildMasterLinkReady2(m.ownID, m.ownSign))
	}
	m.startupMsgsLeft--
	if m.startupMsgsLeft <= 0 {
		m.phase = Cruising
	}
}

func (m *Master) stepCruising(now time.Time) {
	if m.registry.Len() > 0 && now.Sub(m.transport.LastTxAt()) > heartbeatInterval {
		m.sendRoundRobinHeartbeat(now)
	}
	if m.power != nil && now.Sub(m.lastGreenPollAt) > greenPollInterval {
		m.lastGreenPollAt = now
		if capCA, changed := m.power.Poll(now); changed {
			glog.Infof("twcmaster: global cap updated to %dcA", capCA)
			m.globalCapCA = capCA
		}
	}
}

func (m *Master) sendRoundRobinHeartbeat(now time.Time) {
	rec := m.registry.NextRoundRobin()
	if rec == nil {
		return
	}
	if now.Sub(rec.LastRxAt) > slaveSilenceTimeout {
		glog.Warningf("twcmaster: slave %s silent for %s, expiring", rec.ID, now.Sub(rec.LastRxAt))
		m.registry.Delete(rec.ID)
		return
	}
	if rec.LastReqMaxCA == twcregistry.Unseen {
		// No heartbeat received from this slave yet: keep the link alive
		// without a cap opinion.
		m.send(twcmessage.BuildMasterHeartbeat(m.ownID, rec.ID, 0x00, 0, 0))
		return
	}
	sample := twcallocation.Sample{ReqMaxCA: uint16(rec.LastReqMaxCA), ActualCA: uint16(valOrZero(rec.LastActualCA)), Fresh: false}
	decision := twcallocation.Compute(rec, sample, m.globalCapCA, m.wiringCapA, m.registry, now)
	m.globalCapCA = decision.ClampedGlobalCA
	m.send(twcmessage.BuildMasterHeartbeat(m.ownID, rec.ID, decision.Cmd, uint16(decision.PermittedCA), 0))
}

func valOrZero(v int32) int32 {
	if v < 0 {
		return 0
	}
	return v
}

func (m *Master) send(frame []byte) {
	if err := m.transport.WriteFrame(frame); err != nil {
		glog.Warningf("twcmaster: write failed: %v", err)
	}
}

func (m *Master) publishStatus(now time.Time) {
	if m.status == nil {
		return
	}
	ids := m.registry.IDs()
	slaves := make([]twcstatus.SlaveStatus, 0, len(ids))
	for _, id := range ids {
		rec := m.registry.Get(id)
		slaves = append(slaves, twcstatus.SlaveStatus{
			ID:          id.String(),
			LastSeenAgo: now.Sub(rec.LastRxAt),
			ReqMaxCA:    rec.LastReqMaxCA,
			ActualCA:    rec.LastActualCA,
		})
	}
	m.status.Publish(twcstatus.Snapshot{
		OwnID:       m.ownID.String(),
		Phase:       m.phase.String(),
		GlobalCapCA: m.globalCapCA,
		WiringCapA:  m.wiringCapA,
		Slaves:      slaves,
		AsOf:        now,
	})
}
