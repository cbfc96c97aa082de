// Package twcallocation computes each slave's next permitted-max-amps from
// the global cap, the wiring cap, the slave count, per-slave history, and
// the anti-flap/firmware-bug mitigations spec.md §4.5 (C5) specifies.
package twcallocation

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/timcantryn/TWCManager/twcregistry"
)

const (
	// minViableCA is the 5.00A fair-share floor below which a slave is told
	// to stop rather than limp along (spec.md §4.5 step 4).
	minViableCA = 500
	// firmwareBugCapCA is the forced floor (21.00A) that works around the
	// droop-to-5.2A bug described in spec.md §4.5 step 5.
	firmwareBugCapCA = 2100
	// actualSampleThresholdCA is the minimum swing in reported draw that
	// counts as a "significant" change (spec.md §4.5 step 1).
	actualSampleThresholdCA = 80
	// wakingCA: a slave drawing less than this is still in the car's
	// wake-up window and should not be cycled off (spec.md §4.5 step 4).
	wakingCA = 400

	onHold  = 60 * time.Second
	offHold = 60 * time.Second
	reduceThrottle = 10 * time.Second
)

// Decision is what Compute tells the caller to commit and transmit.
type Decision struct {
	PermittedCA     int32 // the value Compute committed to rec.LastReqMaxCA
	Cmd             byte  // 0x05 "set cap" or 0x00 steady-state acknowledge
	ClampedGlobalCA int32 // globalCapCA after invariant #1's clamp, for the caller to persist
}

// Sample is the pair of values a SlaveHeartbeat carries: what the slave
// says it is currently requesting, and what it is actually drawing, both in
// cA. Fresh is false for the proactive round-robin send (spec.md §4.6
// Cruising), where there is no new inbound heartbeat to sample and step 1
// is skipped; ReqMaxCA is still used as the baseline for the step-7 emit
// comparison, and the round-robin caller fills it from the record's stored
// LastReqMaxCA (the last committed cap).
type Sample struct {
	ReqMaxCA uint16
	ActualCA uint16
	Fresh    bool
}

// Compute runs the full C5 algorithm for a slave, either reactively (Fresh
// sample, in response to an inbound SlaveHeartbeat) or proactively (stale
// sample, from the round-robin scheduler with no fresh data this tick). reg
// is used only to evaluate the invariant-#2 safety check (spec.md §4.5 step
// 6). Compute writes the step-1 sample and the step-6 commit into rec (a
// record owned by reg) itself; it never adds or removes records in reg.
func Compute(rec *twcregistry.Record, sample Sample, globalCapCA int32, wiringCapA int32, reg *twcregistry.Registry, now time.Time) Decision {
	// Step 1: sample update (skipped entirely for a stale/proactive sample).
	if sample.Fresh {
		if rec.LastReqMaxCA == twcregistry.Unseen {
			// Seeding the sentinel from the slave's own first report is not
			// a commanded change (spec.md §4.5 step 1 only seeds the
			// value): leave LastReqMaxChangedAt alone so a brand-new slave
			// doesn't look like it was just held at 0A by us.
			rec.LastReqMaxCA = int32(sample.ReqMaxCA)
		}
		actual := int32(sample.ActualCA)
		if rec.LastActualCA == twcregistry.Unseen || abs32(actual-rec.LastActualCA) > actualSampleThresholdCA {
			rec.LastActualCA = actual
			rec.LastActualChangedAt = now
		}
		rec.LastRxAt = now
	}
	actual := rec.LastActualCA

	// Step 2: global clamp (invariant #1).
	wiringCapCA := int32(wiringCapA) * 100
	if globalCapCA > wiringCapCA {
		glog.Warningf("twcallocation: global cap %dcA exceeds wiring cap %dcA, clamping", globalCapCA, wiringCapCA)
		globalCapCA = wiringCapCA
	}

	// Step 3: fair share.
	n := int32(reg.Len())
	if n < 1 {
		n = 1
	}
	desired := globalCapCA / n

	previous := rec.LastReqMaxCA

	if desired < minViableCA {
		// Step 4: under-threshold branch.
		target := int32(0)
		if previous > 0 {
			recentReqChange := now.Sub(rec.LastReqMaxChangedAt) < onHold
			recentActualChange := now.Sub(rec.LastActualChangedAt) < onHold
			waking := actual < wakingCA
			if recentReqChange || recentActualChange || waking {
				target = previous
			}
		}
		desired = target
	} else {
		// Step 5: over-threshold branch, snapped down to the whole amp.
		desired = (desired / 100) * 100

		switch {
		case previous == 0 && now.Sub(rec.LastReqMaxChangedAt) < offHold:
			desired = 0
		case desired < firmwareBugCapCA && (desired > previous || (previous-actual > 100 && now.Sub(rec.LastActualChangedAt) > 10*time.Second)):
			desired = firmwareBugCapCA
		case desired < previous && now.Sub(rec.LastReqMaxChangedAt) < reduceThrottle:
			desired = previous
		}
	}

	// Step 6: safety commit against invariant #2.
	committed := desired
	if reg.SumReqMaxExcluding(rec.ID, desired) > wiringCapCA {
		glog.Errorf("twcallocation: rejecting %dcA for slave %s: would exceed wiring cap %dcA, reverting to %dcA", desired, rec.ID, wiringCapCA, previous)
		committed = previous
	}
	if committed != rec.LastReqMaxCA {
		rec.LastReqMaxChangedAt = now
	}
	rec.LastReqMaxCA = committed

	// Step 7: emit.
	cmd := byte(0x00)
	if uint16(committed) != sample.ReqMaxCA {
		cmd = 0x05
	}

	return Decision{PermittedCA: committed, Cmd: cmd, ClampedGlobalCA: globalCapCA}
}

func abs32(x int32) int32 {
	if x < 0 {
		return -x
	}
	return x
}

// String renders a Decision for debug logging.
func (d Decision) String() string {
	return fmt.Sprintf("cap=%dcA cmd=0x%02X", d.PermittedCA, d.Cmd)
}
