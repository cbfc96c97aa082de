// Package twcregistry tracks known slaves: their last-seen time, last
// reported requested-max and actual-draw amps, and the timestamps of their
// last significant changes (spec.md §3 SlaveRecord, §4.4 C4).
package twcregistry

import (
	"time"

	"github.com/golang/glog"

	"github.com/timcantryn/TWCManager/twcmessage"
)

// Unseen is the sentinel for "no heartbeat observed yet" on the two amp
// fields (spec.md §3).
const Unseen int32 = -1

// MaxSlaves bounds the fleet this engine tracks (spec.md §1 Non-goals: "no
// discovery across more than a small fleet").
const MaxSlaves = 3

// Record is one slave's tracked state.
type Record struct {
	ID TwcId

	LastRxAt time.Time

	LastReqMaxCA  int32
	LastActualCA  int32

	LastReqMaxChangedAt  time.Time
	LastActualChangedAt time.Time
}

// TwcId re-exports twcmessage.TwcId so callers of this package don't need to
// import twcmessage just to key the registry.
type TwcId = twcmessage.TwcId

// Registry owns the bounded set of known slaves, in insertion order, plus
// the round-robin cursor the master state machine advances.
//
// Not safe for concurrent use: spec.md §5 mandates a single mutator thread.
type Registry struct {
	order   []TwcId
	records map[TwcId]*Record
	rrIndex int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{records: make(map[TwcId]*Record)}
}

// Len returns the number of tracked slaves.
func (r *Registry) Len() int { return len(r.order) }

// Get returns the record for id, or nil if unknown.
func (r *Registry) Get(id TwcId) *Record { return r.records[id] }

// Upsert is idempotent on existing ids. Inserting a new id when the
// registry is already at MaxSlaves evicts the oldest (first-inserted)
// record, logging a warning (spec.md §4.4). New records start with
// Unseen sentinels on both amp fields.
func (r *Registry) Upsert(id TwcId, now time.Time) *Record {
	if rec, ok := r.records[id]; ok {
		return rec
	}
	if len(r.order) >= MaxSlaves {
		victim := r.order[0]
		r.order = r.order[1:]
		delete(r.records, victim)
		glog.Warningf("twcregistry: registry full, evicting oldest slave %s to admit %s", victim, id)
		if r.rrIndex > 0 {
			r.rrIndex--
		}
	}
	rec := &Record{
		ID:           id,
		LastRxAt:     now,
		LastReqMaxCA: Unseen,
		LastActualCA: Unseen,
		// LastReqMaxChangedAt is left at the zero time: no cap has ever
		// been commanded to this slave yet, so the 60s off-hold in
		// twcallocation must not treat it as "just held at 0A" (that
		// would stall the slave's very first real allocation).
		LastActualChangedAt: now,
	}
	r.order = append(r.order, id)
	r.records[id] = rec
	return rec
}

// Touch updates last-seen time for an existing slave. It is a no-op if id
// is unknown.
func (r *Registry) Touch(id TwcId, now time.Time) {
	if rec, ok := r.records[id]; ok {
		rec.LastRxAt = now
	}
}

// Delete removes a slave, e.g. after the 26s silence expiry (spec.md §4.6).
func (r *Registry) Delete(id TwcId) {
	if _, ok := r.records[id]; !ok {
		return
	}
	delete(r.records, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			if r.rrIndex > i || (r.rrIndex == len(r.order) && r.rrIndex > 0) {
				r.rrIndex--
			}
			break
		}
	}
}

// IDs returns the tracked ids in stable insertion order. The returned slice
// must not be mutated by the caller.
func (r *Registry) IDs() []TwcId { return r.order }

// NextRoundRobin advances the round-robin cursor and returns the next
// slave's record, or nil if the registry is empty. The cursor wraps.
func (r *Registry) NextRoundRobin() *Record {
	if len(r.order) == 0 {
		return nil
	}
	if r.rrIndex >= len(r.order) {
		r.rrIndex = 0
	}
	id := r.order[r.rrIndex]
	r.rrIndex = (r.rrIndex + 1) % len(r.order)
	return r.records[id]
}

// SumReqMax sums LastReqMaxCA across all tracked slaves, clamping each
// negative sentinel to 0 before summing (spec.md invariant #2).
func (r *Registry) SumReqMax() int32 {
	var sum int32
	for _, id := range r.order {
		v := r.records[id].LastReqMaxCA
		if v > 0 {
			sum += v
		}
	}
	return sum
}

// SumReqMaxExcluding is SumReqMax but treats id's own contribution as
// candidate instead of its stored value, used by the safety commit in
// twcallocation to test a prospective new value before committing it.
func (r *Registry) SumReqMaxExcluding(id TwcId, candidate int32) int32 {
	var sum int32
	if candidate > 0 {
		sum = candidate
	}
	for _, other := range r.order {
		if other == id {
			continue
		}
		v := r.records[other].LastReqMaxCA
		if v > 0 {
			sum += v
		}
	}
	return sum
}
