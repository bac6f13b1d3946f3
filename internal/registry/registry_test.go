package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/saviobatista/rid-tracker/internal/types"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func record(serial, addr string, at time.Time) *types.CanonicalRecord {
	return &types.CanonicalRecord{
		Identity:        types.IdentityHint{Serial: serial, HardwareAddress: addr},
		Position:        types.NewCoordinate(52.1, 4.3),
		Altitude:        100,
		HorizontalSpeed: 5,
		ObservedAt:      at,
	}
}

func withPilot(rec *types.CanonicalRecord, lat, lon float64) *types.CanonicalRecord {
	rec.PilotPosition = types.NewCoordinate(lat, lon)
	return rec
}

func mustUpsert(t *testing.T, r *Registry, rec *types.CanonicalRecord) Result {
	t.Helper()
	res, err := r.Upsert(rec)
	if err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	return res
}

func TestUpsertRejectsEmptyIdentity(t *testing.T) {
	r := New(Config{})
	if _, err := r.Upsert(record("", "", base)); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("Expected ErrNoIdentity, got %v", err)
	}
	if _, err := r.Upsert(nil); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("Expected ErrNoIdentity for nil record, got %v", err)
	}
	if r.AircraftCount() != 0 {
		t.Errorf("Expected empty registry, got %d", r.AircraftCount())
	}
}

func TestUpsertIdempotent(t *testing.T) {
	r := New(Config{MaxAircraft: 5})

	first := mustUpsert(t, r, record("X1", "aa:bb:cc:dd:ee:ff", base))
	if !first.Created {
		t.Error("Expected first upsert to create the aircraft")
	}
	second := mustUpsert(t, r, record("X1", "aa:bb:cc:dd:ee:ff", base.Add(time.Second)))
	if second.Created {
		t.Error("Expected second upsert to update in place")
	}

	if r.AircraftCount() != 1 {
		t.Fatalf("Expected 1 aircraft, got %d", r.AircraftCount())
	}
	e, ok := r.Get("X1")
	if !ok {
		t.Fatal("Expected X1 to be present")
	}
	if !e.LastSeen.Equal(base.Add(time.Second)) {
		t.Errorf("Expected last_seen from second record, got %v", e.LastSeen)
	}
	if !e.FirstSeen.Equal(base) {
		t.Errorf("Expected first_seen from first record, got %v", e.FirstSeen)
	}
	if e.SessionID == "" || e.SessionID != first.Entity.SessionID {
		t.Errorf("Expected stable session id, got %q and %q", first.Entity.SessionID, e.SessionID)
	}
}

func TestUpsertCapacity(t *testing.T) {
	const n = 4
	r := New(Config{MaxAircraft: n})

	var evicted []types.Entity
	for i := 0; i <= n; i++ {
		res := mustUpsert(t, r, record(fmt.Sprintf("SN%d", i), "", base.Add(time.Duration(i)*time.Second)))
		evicted = append(evicted, res.Evicted...)
	}

	if r.AircraftCount() != n {
		t.Fatalf("Expected %d aircraft, got %d", n, r.AircraftCount())
	}
	if _, ok := r.Get("SN0"); ok {
		t.Error("Expected first-inserted aircraft to be evicted")
	}
	if len(evicted) != 1 || evicted[0].ID != "SN0" {
		t.Errorf("Expected SN0 to be reported evicted, got %+v", evicted)
	}
	for i := 1; i <= n; i++ {
		if _, ok := r.Get(fmt.Sprintf("SN%d", i)); !ok {
			t.Errorf("Expected SN%d to survive", i)
		}
	}
}

func TestCapacityEvictsPilotWithAircraft(t *testing.T) {
	r := New(Config{MaxAircraft: 1})

	mustUpsert(t, r, withPilot(record("A", "", base), 52.0, 4.0))
	if r.PilotCount() != 1 {
		t.Fatalf("Expected 1 pilot, got %d", r.PilotCount())
	}
	mustUpsert(t, r, record("B", "", base.Add(time.Second)))

	if r.PilotCount() != 0 {
		t.Errorf("Expected pilot to be evicted with its aircraft, got %d", r.PilotCount())
	}
}

func TestEvictionPolicy(t *testing.T) {
	tests := []struct {
		name     string
		policy   Policy
		survivor string
		evicted  string
	}{
		{"fifo keeps insertion order", PolicyFIFO, "B", "A"},
		{"lru promotes on update", PolicyLRU, "A", "B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(Config{MaxAircraft: 2, Policy: tt.policy})
			mustUpsert(t, r, record("A", "", base))
			mustUpsert(t, r, record("B", "", base.Add(time.Second)))
			mustUpsert(t, r, record("A", "", base.Add(2*time.Second)))
			mustUpsert(t, r, record("C", "", base.Add(3*time.Second)))

			if _, ok := r.Get(tt.survivor); !ok {
				t.Errorf("Expected %s to survive", tt.survivor)
			}
			if _, ok := r.Get(tt.evicted); ok {
				t.Errorf("Expected %s to be evicted", tt.evicted)
			}
		})
	}
}

func TestEvictStaleness(t *testing.T) {
	const maxAge = 10 * time.Second
	r := New(Config{})
	now := base.Add(time.Minute)

	mustUpsert(t, r, withPilot(record("OLD", "", now.Add(-(maxAge+time.Second))), 52.0, 4.0))
	mustUpsert(t, r, withPilot(record("FRESH", "", now.Add(-(maxAge-time.Second))), 52.0, 4.0))
	mustUpsert(t, r, record("EDGE", "", now.Add(-maxAge)))

	evicted := r.Evict(now, maxAge)

	if len(evicted) != 1 || evicted[0].ID != "OLD" {
		t.Fatalf("Expected only OLD to be evicted, got %+v", evicted)
	}
	if _, ok := r.Get("OLD"); ok {
		t.Error("Expected OLD to be gone")
	}
	if _, ok := r.Get("FRESH"); !ok {
		t.Error("Expected FRESH to survive")
	}
	if _, ok := r.Get("EDGE"); !ok {
		t.Error("Expected an aircraft exactly max_age old to survive")
	}
	if _, ok := r.Get(PilotPrefix + "OLD"); ok {
		t.Error("Expected pilot of OLD to share its eviction")
	}
	if _, ok := r.Get(PilotPrefix + "FRESH"); !ok {
		t.Error("Expected pilot of FRESH to survive")
	}
}

func TestPilotLifecycle(t *testing.T) {
	r := New(Config{})

	res := mustUpsert(t, r, withPilot(record("X1", "", base), 52.09, 4.19))
	if !res.PilotVisible {
		t.Error("Expected pilot to be visible")
	}
	p, ok := r.Get("pilot-X1")
	if !ok {
		t.Fatal("Expected pilot-X1")
	}
	if p.Kind != types.KindPilot || p.Owner != "X1" {
		t.Errorf("Unexpected pilot %+v", p)
	}
	if p.Position != types.NewCoordinate(52.09, 4.19) {
		t.Errorf("Unexpected pilot position %+v", p.Position)
	}

	res = mustUpsert(t, r, withPilot(record("X1", "", base.Add(time.Second)), 0, 0))
	if !res.PilotRemoved {
		t.Error("Expected pilot removal to be reported")
	}
	if _, ok := r.Get("pilot-X1"); ok {
		t.Error("Expected pilot to be removed after a zero pilot position")
	}
	if _, ok := r.Get("X1"); !ok {
		t.Error("Expected aircraft to persist")
	}
}

func TestPilotRemovedOnAbsentOrInvalidPosition(t *testing.T) {
	tests := []struct {
		name string
		pos  types.Coordinate
	}{
		{"absent", types.NoCoordinate},
		{"out of range", types.NewCoordinate(95, 4)},
		{"zero latitude", types.NewCoordinate(0, 4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(Config{})
			mustUpsert(t, r, withPilot(record("X1", "", base), 52.0, 4.0))

			rec := record("X1", "", base.Add(time.Second))
			rec.PilotPosition = tt.pos
			mustUpsert(t, r, rec)

			if r.PilotCount() != 0 {
				t.Errorf("Expected no pilots, got %d", r.PilotCount())
			}
		})
	}
}

func TestPilotCopiesDescriptionFragments(t *testing.T) {
	r := New(Config{})
	rec := withPilot(record("X1", "", base), 52.0, 4.0)
	rec.Description = "Mavic 3"
	mustUpsert(t, r, rec)

	rec = withPilot(record("X1", "", base.Add(time.Second)), 52.0, 4.0)
	rec.Description = "Survey"
	mustUpsert(t, r, rec)

	rec = withPilot(record("X1", "", base.Add(2*time.Second)), 52.0, 4.0)
	rec.Description = "Mavic 3"
	mustUpsert(t, r, rec)

	a, _ := r.Get("X1")
	if len(a.DescriptionFragments) != 2 {
		t.Errorf("Expected 2 deduplicated fragments, got %v", a.DescriptionFragments)
	}
	p, _ := r.Get("pilot-X1")
	if len(p.DescriptionFragments) != 2 {
		t.Errorf("Expected pilot to copy fragments, got %v", p.DescriptionFragments)
	}
	if !p.LastSeen.Equal(a.LastSeen) {
		t.Errorf("Expected pilot to share owner clock, got %v vs %v", p.LastSeen, a.LastSeen)
	}
	if !p.FirstSeen.Equal(base) {
		t.Errorf("Expected pilot first_seen to be kept, got %v", p.FirstSeen)
	}
}

func TestRenameByHardwareAddress(t *testing.T) {
	r := New(Config{})
	const mac = "aa:bb:cc:dd:ee:ff"

	res := mustUpsert(t, r, withPilot(record("", mac, base), 52.0, 4.0))
	if res.Entity.ID != mac {
		t.Fatalf("Expected address as display id, got %q", res.Entity.ID)
	}

	res = mustUpsert(t, r, withPilot(record("1581F5FK", mac, base.Add(time.Second)), 52.0, 4.0))
	if res.Created {
		t.Error("Expected rename, not a new aircraft")
	}
	if res.RenamedFrom != mac {
		t.Errorf("Expected RenamedFrom %q, got %q", mac, res.RenamedFrom)
	}
	if r.AircraftCount() != 1 {
		t.Fatalf("Expected 1 aircraft, got %d", r.AircraftCount())
	}
	e, ok := r.Get("1581F5FK")
	if !ok {
		t.Fatal("Expected renamed aircraft")
	}
	if e.HardwareAddress != mac {
		t.Errorf("Expected address to be kept, got %q", e.HardwareAddress)
	}
	if _, ok := r.Get("pilot-1581F5FK"); !ok {
		t.Error("Expected pilot to follow the new display id")
	}
	if _, ok := r.Get("pilot-" + mac); ok {
		t.Error("Expected old pilot id to be gone")
	}

	// A second serial on the same address renames again.
	mustUpsert(t, r, record("NEW", mac, base.Add(2*time.Second)))
	if _, ok := r.Get("NEW"); !ok {
		t.Error("Expected second rename")
	}
	if r.AircraftCount() != 1 {
		t.Errorf("Expected 1 aircraft, got %d", r.AircraftCount())
	}
}

func TestSerialOnlyRecordsMatchAddressedAircraft(t *testing.T) {
	r := New(Config{})
	mustUpsert(t, r, record("X1", "aa:bb:cc:dd:ee:ff", base))
	mustUpsert(t, r, record("X1", "", base.Add(time.Second)))

	if r.AircraftCount() != 1 {
		t.Errorf("Expected serial to match the addressed aircraft, got %d aircraft", r.AircraftCount())
	}
}

func TestAddressAttachedToSerialOnlyAircraft(t *testing.T) {
	r := New(Config{})
	mustUpsert(t, r, record("X1", "", base))
	res := mustUpsert(t, r, record("X1", "aa:bb:cc:dd:ee:ff", base.Add(time.Second)))

	if res.Created {
		t.Error("Expected the address to attach to the existing aircraft")
	}
	e, _ := r.Get("X1")
	if e.HardwareAddress != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("Expected address attached, got %q", e.HardwareAddress)
	}

	// Later address-only records resolve through the attached address.
	mustUpsert(t, r, record("", "aa:bb:cc:dd:ee:ff", base.Add(2*time.Second)))
	if r.AircraftCount() != 1 {
		t.Errorf("Expected 1 aircraft, got %d", r.AircraftCount())
	}
}

func TestDistinctAddressesSameSerial(t *testing.T) {
	r := New(Config{})
	mustUpsert(t, r, record("X1", "aa:bb:cc:dd:ee:01", base))
	res := mustUpsert(t, r, record("X1", "aa:bb:cc:dd:ee:02", base.Add(time.Second)))

	if !res.Created {
		t.Error("Expected a second address to create a distinct aircraft")
	}
	if r.AircraftCount() != 2 {
		t.Errorf("Expected 2 aircraft, got %d", r.AircraftCount())
	}
	if res.SerialConflict != "X1" || res.Entity.ID != "aa:bb:cc:dd:ee:02" {
		t.Errorf("Expected conflict on X1 with address as id, got %q/%q", res.SerialConflict, res.Entity.ID)
	}
	assertUniqueIDs(t, r)

	// Serial-only records still reach the first owner.
	mustUpsert(t, r, record("X1", "", base.Add(2*time.Second)))
	if e, _ := r.Get("X1"); e.HardwareAddress != "aa:bb:cc:dd:ee:01" {
		t.Errorf("Expected X1 to stay with its first owner, got %q", e.HardwareAddress)
	}
}

func TestRenameToSerialHeldByAddressedAircraft(t *testing.T) {
	r := New(Config{})
	mustUpsert(t, r, record("X1", "aa:bb:cc:dd:ee:01", base))
	mustUpsert(t, r, record("", "aa:bb:cc:dd:ee:02", base.Add(time.Second)))

	res := mustUpsert(t, r, record("X1", "aa:bb:cc:dd:ee:02", base.Add(2*time.Second)))
	if res.SerialConflict != "X1" {
		t.Errorf("Expected conflict on X1, got %q", res.SerialConflict)
	}
	if res.RenamedFrom != "" {
		t.Errorf("Expected no rename, got RenamedFrom %q", res.RenamedFrom)
	}
	if res.Entity.ID != "aa:bb:cc:dd:ee:02" {
		t.Errorf("Expected address to stay the display id, got %q", res.Entity.ID)
	}
	if r.AircraftCount() != 2 {
		t.Fatalf("Expected 2 aircraft, got %d", r.AircraftCount())
	}
	assertUniqueIDs(t, r)

	mustUpsert(t, r, record("X1", "", base.Add(3*time.Second)))
	if e, _ := r.Get("X1"); e.HardwareAddress != "aa:bb:cc:dd:ee:01" {
		t.Errorf("Expected X1 to stay indexed to its owner, got %q", e.HardwareAddress)
	}
}

func assertUniqueIDs(t *testing.T, r *Registry) {
	t.Helper()
	seen := map[string]bool{}
	for _, e := range r.Snapshot() {
		if seen[e.ID] {
			t.Errorf("Duplicate display id %q in snapshot", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestRenameAbsorbsAddresslessDuplicate(t *testing.T) {
	r := New(Config{})
	mustUpsert(t, r, record("", "aa:bb:cc:dd:ee:ff", base))
	dup := record("X1", "", base.Add(time.Second))
	dup.Description = "from serial-only feed"
	mustUpsert(t, r, dup)

	res := mustUpsert(t, r, record("X1", "aa:bb:cc:dd:ee:ff", base.Add(2*time.Second)))
	if res.Absorbed != "X1" {
		t.Errorf("Expected X1 duplicate to be absorbed, got %q", res.Absorbed)
	}
	if r.AircraftCount() != 1 {
		t.Fatalf("Expected 1 aircraft, got %d", r.AircraftCount())
	}
	e, _ := r.Get("X1")
	if e.HardwareAddress != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("Expected the addressed aircraft to survive, got %+v", e)
	}
	if len(e.DescriptionFragments) != 1 {
		t.Errorf("Expected absorbed fragments, got %v", e.DescriptionFragments)
	}
}

func TestMergeKeepsAbsentFields(t *testing.T) {
	r := New(Config{})
	rec := record("X1", "", base)
	rssi := -60.0
	rec.SignalStrength = &rssi
	mustUpsert(t, r, rec)

	rec = record("X1", "", base.Add(time.Second))
	rec.Position = types.NoCoordinate
	rec.Altitude = 150
	mustUpsert(t, r, rec)

	e, _ := r.Get("X1")
	if e.Position != types.NewCoordinate(52.1, 4.3) {
		t.Errorf("Expected previous position to be kept, got %+v", e.Position)
	}
	if e.SignalStrength == nil || *e.SignalStrength != -60 {
		t.Errorf("Expected previous signal to be kept, got %v", e.SignalStrength)
	}
	if e.Altitude != 150 {
		t.Errorf("Expected altitude overwrite, got %f", e.Altitude)
	}
}

func TestSnapshotOrderAndIsolation(t *testing.T) {
	r := New(Config{})
	mustUpsert(t, r, withPilot(record("B", "", base), 52.0, 4.0))
	mustUpsert(t, r, withPilot(record("A", "", base.Add(time.Second)), 52.0, 4.0))

	snap := r.Snapshot()
	ids := make([]string, len(snap))
	for i, e := range snap {
		ids[i] = e.ID
	}
	want := []string{"B", "A", "pilot-A", "pilot-B"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("Expected order %v, got %v", want, ids)
	}

	snap[0].ID = "mutated"
	if _, ok := r.Get("B"); !ok {
		t.Error("Mutating a snapshot must not affect the registry")
	}
}

func TestEvictRemovesOrphanPilots(t *testing.T) {
	r := New(Config{})
	r.pilots["sn:ghost"] = &types.Entity{ID: "pilot-ghost", Kind: types.KindPilot}

	r.Evict(base, time.Hour)
	if r.PilotCount() != 0 {
		t.Errorf("Expected orphan pilot to be removed, got %d", r.PilotCount())
	}
}

func TestConcurrentUpsertAndSnapshot(t *testing.T) {
	r := New(Config{MaxAircraft: 10})
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				rec := withPilot(record(fmt.Sprintf("W%d-%d", w, i%15), "", base.Add(time.Duration(i)*time.Millisecond)), 52.0, 4.0)
				if _, err := r.Upsert(rec); err != nil {
					t.Errorf("Upsert() failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			r.Snapshot()
			r.Evict(base, time.Hour)
		}
	}()
	wg.Wait()

	if r.AircraftCount() > 10 {
		t.Errorf("Capacity exceeded: %d", r.AircraftCount())
	}
	if r.PilotCount() > r.AircraftCount() {
		t.Errorf("More pilots (%d) than aircraft (%d)", r.PilotCount(), r.AircraftCount())
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyFIFO, false},
		{"fifo", PolicyFIFO, false},
		{"lru", PolicyLRU, false},
		{"random", PolicyFIFO, true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
