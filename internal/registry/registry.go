package registry

import (
	"container/list"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/saviobatista/rid-tracker/internal/types"
)

// PilotPrefix is prepended to the owning aircraft's display id
const PilotPrefix = "pilot-"

// DefaultMaxAircraft is the capacity used when none is configured
const DefaultMaxAircraft = 30

var ErrNoIdentity = errors.New("record has neither serial nor hardware address")

// Policy selects which aircraft is evicted when the registry is full
type Policy int

const (
	// PolicyFIFO evicts by first-seen order; updates never reorder.
	PolicyFIFO Policy = iota
	// PolicyLRU moves an aircraft to the back of the queue on every update.
	PolicyLRU
)

func (p Policy) String() string {
	if p == PolicyLRU {
		return "lru"
	}
	return "fifo"
}

// ParsePolicy maps a configuration value to a Policy
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "fifo":
		return PolicyFIFO, nil
	case "lru":
		return PolicyLRU, nil
	default:
		return PolicyFIFO, fmt.Errorf("unknown eviction policy %q", s)
	}
}

// Config holds the registry limits
type Config struct {
	MaxAircraft int
	Policy      Policy
}

// Result describes what a single Upsert did
type Result struct {
	Entity  types.Entity
	Created bool
	// RenamedFrom holds the previous display id when a new serial replaced it.
	RenamedFrom string
	// Absorbed holds the id of an address-less duplicate merged into Entity.
	Absorbed string
	// SerialConflict holds a declared serial already shown by another
	// aircraft with its own hardware address. Entity keeps its address as
	// display id.
	SerialConflict string
	// Evicted lists aircraft removed to make room for a new one.
	Evicted      []types.Entity
	PilotVisible bool
	PilotRemoved bool
}

type aircraft struct {
	key    string
	entity types.Entity
}

// Registry owns every live aircraft and pilot entity.
//
// Aircraft are held in a bounded queue indexed by internal key, hardware
// address and serial. Pilots are keyed by the internal key of their owner.
// When both locks are needed amu is taken before pmu.
type Registry struct {
	cfg Config

	amu       sync.Mutex
	order     *list.List
	byKey     map[string]*list.Element
	byAddress map[string]string
	bySerial  map[string]string

	pmu    sync.Mutex
	pilots map[string]*types.Entity
}

// New creates an empty registry
func New(cfg Config) *Registry {
	if cfg.MaxAircraft <= 0 {
		cfg.MaxAircraft = DefaultMaxAircraft
	}
	return &Registry{
		cfg:       cfg,
		order:     list.New(),
		byKey:     make(map[string]*list.Element),
		byAddress: make(map[string]string),
		bySerial:  make(map[string]string),
		pilots:    make(map[string]*types.Entity),
	}
}

// Upsert merges a canonical record into the registry, creating the aircraft
// if its identity is unknown, and derives or removes the pilot entity from
// the record's pilot position.
func (r *Registry) Upsert(rec *types.CanonicalRecord) (Result, error) {
	var res Result
	if rec == nil || rec.Identity.Empty() {
		return res, ErrNoIdentity
	}

	r.amu.Lock()
	defer r.amu.Unlock()

	el := r.resolve(rec.Identity, &res)
	if el == nil {
		el = r.admit(rec, &res)
		res.Created = true
	} else if r.cfg.Policy == PolicyLRU {
		r.order.MoveToBack(el)
	}

	a := el.Value.(*aircraft)
	merge(&a.entity, rec)
	res.Entity = copyEntity(a.entity)

	r.pmu.Lock()
	if rec.PilotPosition.Valid(true) {
		r.pilots[a.key] = derivePilot(r.pilots[a.key], &a.entity, rec.PilotPosition)
		res.PilotVisible = true
	} else if _, ok := r.pilots[a.key]; ok {
		delete(r.pilots, a.key)
		res.PilotRemoved = true
	}
	r.pmu.Unlock()

	return res, nil
}

// resolve finds the aircraft a record belongs to, updating the indexes for
// renames and late-attached addresses. It returns nil for a new identity.
func (r *Registry) resolve(id types.IdentityHint, res *Result) *list.Element {
	addr, serial := id.HardwareAddress, id.Serial

	if addr != "" {
		if key, ok := r.byAddress[addr]; ok {
			el := r.byKey[key]
			a := el.Value.(*aircraft)
			if serial != "" && serial != a.entity.ID {
				r.rename(a, serial, res)
			}
			return el
		}
		if serial == "" {
			return nil
		}
		if key, ok := r.bySerial[serial]; ok {
			el := r.byKey[key]
			a := el.Value.(*aircraft)
			if a.entity.HardwareAddress == "" {
				a.entity.HardwareAddress = addr
				r.byAddress[addr] = key
				return el
			}
		}
		return nil
	}

	if key, ok := r.bySerial[serial]; ok {
		return r.byKey[key]
	}
	return nil
}

// rename replaces the display id of an address-keyed aircraft. An
// address-less aircraft already shown under the new serial is the same
// physical aircraft and is folded into this one. A serial held by another
// addressed aircraft is left with its owner.
func (r *Registry) rename(a *aircraft, serial string, res *Result) {
	if other, ok := r.bySerial[serial]; ok && other != a.key {
		if el := r.byKey[other]; el != nil {
			dup := el.Value.(*aircraft)
			if dup.entity.HardwareAddress != "" {
				res.SerialConflict = serial
				return
			}
			a.entity.DescriptionFragments = appendFragments(a.entity.DescriptionFragments, dup.entity.DescriptionFragments...)
			r.remove(el)
			res.Absorbed = dup.entity.ID
		}
	}
	if r.bySerial[a.entity.ID] == a.key {
		delete(r.bySerial, a.entity.ID)
	}
	res.RenamedFrom = a.entity.ID
	a.entity.ID = serial
	r.bySerial[serial] = a.key
}

// admit creates a new aircraft, evicting the oldest ones while at capacity
func (r *Registry) admit(rec *types.CanonicalRecord, res *Result) *list.Element {
	for r.order.Len() >= r.cfg.MaxAircraft {
		front := r.order.Front()
		res.Evicted = append(res.Evicted, copyEntity(front.Value.(*aircraft).entity))
		r.remove(front)
	}

	addr, serial := rec.Identity.HardwareAddress, rec.Identity.Serial
	a := &aircraft{}
	if addr != "" {
		a.key = "mac:" + addr
	} else {
		a.key = "sn:" + serial
	}
	a.entity = types.Entity{
		ID:              serial,
		SessionID:       uuid.NewString(),
		HardwareAddress: addr,
		Kind:            types.KindAircraft,
		FirstSeen:       rec.ObservedAt,
	}
	if serial != "" {
		if _, taken := r.bySerial[serial]; taken {
			res.SerialConflict = serial
			a.entity.ID = addr
		} else {
			r.bySerial[serial] = a.key
		}
	}
	if a.entity.ID == "" {
		a.entity.ID = addr
	}

	el := r.order.PushBack(a)
	r.byKey[a.key] = el
	if addr != "" {
		r.byAddress[addr] = a.key
	}
	return el
}

// remove drops an aircraft from every index along with its pilot. The caller
// holds amu.
func (r *Registry) remove(el *list.Element) {
	a := r.order.Remove(el).(*aircraft)
	delete(r.byKey, a.key)
	if a.entity.HardwareAddress != "" && r.byAddress[a.entity.HardwareAddress] == a.key {
		delete(r.byAddress, a.entity.HardwareAddress)
	}
	if r.bySerial[a.entity.ID] == a.key {
		delete(r.bySerial, a.entity.ID)
	}

	r.pmu.Lock()
	delete(r.pilots, a.key)
	r.pmu.Unlock()
}

// Evict removes every aircraft not seen for longer than maxAge, together with
// its pilot. Pilots whose owner is gone are removed as well.
func (r *Registry) Evict(now time.Time, maxAge time.Duration) []types.Entity {
	r.amu.Lock()
	defer r.amu.Unlock()

	var evicted []types.Entity
	for el := r.order.Front(); el != nil; {
		next := el.Next()
		a := el.Value.(*aircraft)
		if now.Sub(a.entity.LastSeen) > maxAge {
			evicted = append(evicted, copyEntity(a.entity))
			r.remove(el)
		}
		el = next
	}

	r.pmu.Lock()
	for key := range r.pilots {
		if _, ok := r.byKey[key]; !ok {
			delete(r.pilots, key)
		}
	}
	r.pmu.Unlock()

	return evicted
}

// Snapshot returns copies of all live entities: aircraft in queue order, then
// pilots ordered by id.
func (r *Registry) Snapshot() []types.Entity {
	r.amu.Lock()
	out := make([]types.Entity, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		out = append(out, copyEntity(el.Value.(*aircraft).entity))
	}
	r.amu.Unlock()

	r.pmu.Lock()
	pilots := make([]types.Entity, 0, len(r.pilots))
	for _, p := range r.pilots {
		pilots = append(pilots, copyEntity(*p))
	}
	r.pmu.Unlock()

	sort.Slice(pilots, func(i, j int) bool { return pilots[i].ID < pilots[j].ID })
	return append(out, pilots...)
}

// Get returns a copy of the entity with the given display id
func (r *Registry) Get(id string) (types.Entity, bool) {
	r.amu.Lock()
	for el := r.order.Front(); el != nil; el = el.Next() {
		if a := el.Value.(*aircraft); a.entity.ID == id {
			r.amu.Unlock()
			return copyEntity(a.entity), true
		}
	}
	r.amu.Unlock()

	r.pmu.Lock()
	defer r.pmu.Unlock()
	for _, p := range r.pilots {
		if p.ID == id {
			return copyEntity(*p), true
		}
	}
	return types.Entity{}, false
}

// AircraftCount returns the number of live aircraft
func (r *Registry) AircraftCount() int {
	r.amu.Lock()
	defer r.amu.Unlock()
	return r.order.Len()
}

// PilotCount returns the number of live pilots
func (r *Registry) PilotCount() int {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	return len(r.pilots)
}

// merge overwrites telemetry from the record. An absent position or signal
// keeps the previous value; description fragments accumulate.
func merge(e *types.Entity, rec *types.CanonicalRecord) {
	if rec.Position.Present {
		e.Position = rec.Position
	}
	e.Altitude = rec.Altitude
	e.HeightAboveGround = rec.HeightAboveGround
	e.HorizontalSpeed = rec.HorizontalSpeed
	e.VerticalSpeed = rec.VerticalSpeed
	if rec.SignalStrength != nil {
		v := *rec.SignalStrength
		e.SignalStrength = &v
	}
	if rec.Description != "" {
		e.DescriptionFragments = appendFragments(e.DescriptionFragments, rec.Description)
	}
	e.LastSeen = rec.ObservedAt
}

func derivePilot(prev *types.Entity, owner *types.Entity, pos types.Coordinate) *types.Entity {
	p := &types.Entity{
		ID:                   PilotPrefix + owner.ID,
		SessionID:            owner.SessionID,
		Kind:                 types.KindPilot,
		Owner:                owner.ID,
		Position:             pos,
		DescriptionFragments: append([]string(nil), owner.DescriptionFragments...),
		FirstSeen:            owner.LastSeen,
		LastSeen:             owner.LastSeen,
	}
	if prev != nil {
		p.FirstSeen = prev.FirstSeen
	}
	return p
}

func appendFragments(dst []string, frags ...string) []string {
	for _, f := range frags {
		dup := false
		for _, have := range dst {
			if have == f {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, f)
		}
	}
	return dst
}

func copyEntity(e types.Entity) types.Entity {
	e.DescriptionFragments = append([]string(nil), e.DescriptionFragments...)
	if e.SignalStrength != nil {
		v := *e.SignalStrength
		e.SignalStrength = &v
	}
	return e
}
