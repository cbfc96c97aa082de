package twcallocation

import (
	"testing"
	"time"

	"github.com/timcantryn/TWCManager/twcregistry"
)

func newRegWithOneSlave(now time.Time) (*twcregistry.Registry, twcregistry.TwcId) {
	reg := twcregistry.New()
	id := twcregistry.TwcId{0x12, 0x34}
	reg.Upsert(id, now)
	return reg, id
}

func TestComputeFairShareSingleSlaveSteadyState(t *testing.T) {
	now := time.Now()
	reg, id := newRegWithOneSlave(now)
	rec := reg.Get(id)
	rec.LastReqMaxCA = 6000
	rec.LastReqMaxChangedAt = now.Add(-time.Hour)
	rec.LastActualCA = 5900
	rec.LastActualChangedAt = now.Add(-time.Hour)

	sample := Sample{ReqMaxCA: 6000, Fresh: false}
	decision := Compute(rec, sample, 6000, 60, reg, now)

	if decision.PermittedCA != 6000 {
		t.Fatalf("single slave at steady state should keep the whole cap: got %d", decision.PermittedCA)
	}
	if decision.Cmd != 0x00 {
		t.Fatalf("unchanged allocation should ack, not set: got cmd 0x%02X", decision.Cmd)
	}
}

func TestComputeClampsGlobalCapToWiring(t *testing.T) {
	now := time.Now()
	reg, id := newRegWithOneSlave(now)
	rec := reg.Get(id)

	sample := Sample{Fresh: true}
	decision := Compute(rec, sample, 10000, 30, reg, now)

	if decision.ClampedGlobalCA != 3000 {
		t.Fatalf("global cap should clamp to the 30A wiring cap (3000cA): got %d", decision.ClampedGlobalCA)
	}
}

func TestComputeUnderFloorHoldsDuringOnHoldWindow(t *testing.T) {
	start := time.Now()
	reg, id := newRegWithOneSlave(start)
	rec := reg.Get(id)
	rec.LastReqMaxCA = 800
	rec.LastReqMaxChangedAt = start
	rec.LastActualCA = 750
	rec.LastActualChangedAt = start
	reg.Upsert(twcregistry.TwcId{0x56, 0x78}, start)

	sample := Sample{ReqMaxCA: 800, Fresh: false}
	decision := Compute(rec, sample, 600, 60, reg, start.Add(5*time.Second))

	if decision.PermittedCA != 800 {
		t.Fatalf("a recently-changed slave under the fair-share floor should hold its previous value: got %d", decision.PermittedCA)
	}
}

func TestComputeFirmwareBugFloorAppliesOnIncrease(t *testing.T) {
	now := time.Now()
	reg, id := newRegWithOneSlave(now)
	rec := reg.Get(id)
	rec.LastReqMaxCA = 1000
	rec.LastReqMaxChangedAt = now.Add(-time.Minute)
	rec.LastActualCA = 980
	rec.LastActualChangedAt = now.Add(-time.Minute)

	sample := Sample{ReqMaxCA: 1000, Fresh: false}
	decision := Compute(rec, sample, 1500, 60, reg, now)

	if decision.PermittedCA != firmwareBugCapCA {
		t.Fatalf("an increase that would land below the firmware-bug floor should snap to it: got %d, want %d", decision.PermittedCA, firmwareBugCapCA)
	}
}

func TestComputeReduceThrottleHoldsRecentValue(t *testing.T) {
	now := time.Now()
	reg, id := newRegWithOneSlave(now)
	rec := reg.Get(id)
	rec.LastReqMaxCA = 5000
	rec.LastReqMaxChangedAt = now.Add(-2 * time.Second)
	rec.LastActualCA = 4900
	rec.LastActualChangedAt = now.Add(-2 * time.Second)

	sample := Sample{ReqMaxCA: 5000, Fresh: false}
	decision := Compute(rec, sample, 4000, 60, reg, now)

	if decision.PermittedCA != 5000 {
		t.Fatalf("a reduction within the 10s throttle window should hold the previous value: got %d", decision.PermittedCA)
	}
}

func TestComputeSafetyCommitRevertsOnOverCommit(t *testing.T) {
	now := time.Now()
	reg := twcregistry.New()
	a := twcregistry.TwcId{0x01, 0x00}
	b := twcregistry.TwcId{0x02, 0x00}
	reg.Upsert(a, now)
	reg.Upsert(b, now)

	recA := reg.Get(a)
	recA.LastReqMaxCA = 1000
	recA.LastReqMaxChangedAt = now.Add(-time.Minute)
	recA.LastActualCA = 980
	recA.LastActualChangedAt = now.Add(-time.Minute)

	recB := reg.Get(b)
	recB.LastReqMaxCA = 2500

	// globalCapCA/2 = 1500cA for A, which the firmware-bug floor would push
	// up to 2100cA; combined with B's already-committed 2500cA that exceeds
	// the 40A (4000cA) wiring cap, so the safety commit must revert A.
	sample := Sample{ReqMaxCA: 1000, Fresh: false}
	decision := Compute(recA, sample, 3000, 40, reg, now)

	if decision.PermittedCA != 1000 {
		t.Fatalf("safety commit should have reverted to the previous value 1000, got %d", decision.PermittedCA)
	}
}

func TestComputeFreshSampleUpdatesActualOnSignificantSwing(t *testing.T) {
	now := time.Now()
	reg, id := newRegWithOneSlave(now)
	rec := reg.Get(id)
	rec.LastReqMaxCA = 6000
	rec.LastActualCA = 5000
	rec.LastActualChangedAt = now.Add(-time.Hour)

	sample := Sample{ReqMaxCA: 6000, ActualCA: 5200, Fresh: true}
	Compute(rec, sample, 6000, 60, reg, now)

	if rec.LastActualCA != 5200 {
		t.Fatalf("a swing above the 80cA significance threshold should update LastActualCA: got %d", rec.LastActualCA)
	}
	if !rec.LastActualChangedAt.Equal(now) {
		t.Fatal("LastActualChangedAt should advance to now on a significant swing")
	}
}

func TestComputeFreshSampleIgnoresInsignificantSwing(t *testing.T) {
	now := time.Now()
	reg, id := newRegWithOneSlave(now)
	rec := reg.Get(id)
	rec.LastReqMaxCA = 6000
	rec.LastActualCA = 5000
	changedAt := now.Add(-time.Hour)
	rec.LastActualChangedAt = changedAt

	sample := Sample{ReqMaxCA: 6000, ActualCA: 5050, Fresh: true}
	Compute(rec, sample, 6000, 60, reg, now)

	if rec.LastActualCA != 5000 {
		t.Fatalf("a swing below the 80cA significance threshold should not update LastActualCA: got %d", rec.LastActualCA)
	}
	if !rec.LastActualChangedAt.Equal(changedAt) {
		t.Fatal("LastActualChangedAt should not advance on an insignificant swing")
	}
}

func TestComputeFreshSlaveFirstHeartbeatGetsFullAllocation(t *testing.T) {
	// spec.md §8 end-to-end scenario 1: own id 7777, wiring cap 40A, global
	// cap 4000cA, a slave just linked up (sentinels untouched) sends its
	// first heartbeat 04 00 00 00 19 00 00 (reqMax=0, actual=0x0019=25cA).
	// The brand-new record's LastReqMaxChangedAt must not look like a
	// just-commanded 0A hold, so the reply should carry the full 40.00A
	// (4000cA) fair share, not 0.
	now := time.Now()
	reg, id := newRegWithOneSlave(now)
	rec := reg.Get(id)

	sample := Sample{ReqMaxCA: 0, ActualCA: 25, Fresh: true}
	decision := Compute(rec, sample, 4000, 40, reg, now)

	if decision.PermittedCA != 4000 {
		t.Fatalf("a freshly linked slave's first heartbeat should get the full fair share: got %d, want 4000", decision.PermittedCA)
	}
	if decision.Cmd != 0x05 {
		t.Fatalf("a change from the slave's reported 0 should emit cmd=0x05: got 0x%02X", decision.Cmd)
	}
}

func TestComputeStaleSampleSkipsStep1(t *testing.T) {
	now := time.Now()
	reg, id := newRegWithOneSlave(now)
	rec := reg.Get(id)
	rec.LastReqMaxCA = 2000
	rec.LastActualCA = 1900
	rec.LastActualChangedAt = now.Add(-time.Hour)

	sample := Sample{ReqMaxCA: 2000, ActualCA: 9999, Fresh: false}
	Compute(rec, sample, 6000, 60, reg, now)

	if rec.LastActualCA != 1900 {
		t.Fatalf("a stale (proactive) sample must not update LastActualCA: got %d", rec.LastActualCA)
	}
}
