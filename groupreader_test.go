package modbus

import (
	"context"
	"testing"
)

func newGroupedDevice(t *testing.T, mappings ...*Mapping) *Device {
	t.Helper()
	d := NewDevice("fixture", 1)
	if err := d.CreateGroups(mappings); err != nil {
		t.Fatalf("CreateGroups: %v", err)
	}
	return d
}

// Scenario S1: two TakeBit mappings sharing one holding register merge
// into a single group and a single read, and each bit fires independently.
func TestGroupReaderBitMergeS1(t *testing.T) {
	m0 := mustMapping(t, MappingConfig{Kind: HoldingRegister, Addresses: []uint16{10}, OutputType: OutBool, Operation: opTakeBit(0)})
	m1 := mustMapping(t, MappingConfig{Kind: HoldingRegister, Addresses: []uint16{10}, OutputType: OutBool, Operation: opTakeBit(1)})
	d := newGroupedDevice(t, m0, m1)

	if len(d.Groups()) != 1 {
		t.Fatalf("expected the two bit mappings to merge into one group, got %d", len(d.Groups()))
	}

	tr := newFakeTransport()
	tr.setHolding(1, 10, 0b10)

	var changed []MappingHandle
	d.OnChangeBool = func(h MappingHandle, v bool) { changed = append(changed, h) }

	if err := ReadGroup(context.Background(), tr, d, d.Groups()[0]); err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}

	if d.Mapping(0).BoolValue() {
		t.Errorf("expected bit 0 of 0b10 to decode false")
	}
	if !d.Mapping(1).BoolValue() {
		t.Errorf("expected bit 1 of 0b10 to decode true")
	}
	if len(changed) != 2 {
		t.Fatalf("expected both bit mappings to fire on first read, got %d", len(changed))
	}
}

// Scenario S4: contiguous whole-register mappings merge into one group and
// one read; a gap forces a second group and a second read.
func TestGroupReaderMergesContiguousSplitsGaps(t *testing.T) {
	m0 := regMapping(t, 0)
	m1 := regMapping(t, 1)
	m10 := regMapping(t, 10)
	d := newGroupedDevice(t, m0, m1, m10)

	if len(d.Groups()) != 2 {
		t.Fatalf("expected a contiguous group and a separate far group, got %d", len(d.Groups()))
	}

	tr := newFakeTransport()
	tr.setHolding(1, 0, 111)
	tr.setHolding(1, 1, 222)
	tr.setHolding(1, 10, 333)

	for _, g := range d.Groups() {
		if err := ReadGroup(context.Background(), tr, d, g); err != nil {
			t.Fatalf("ReadGroup: %v", err)
		}
	}

	if got := d.Mapping(0).Decoded().Uint16(); got != 111 {
		t.Errorf("mapping 0 = %d, want 111", got)
	}
	if got := d.Mapping(1).Decoded().Uint16(); got != 222 {
		t.Errorf("mapping 1 = %d, want 222", got)
	}
	if got := d.Mapping(2).Decoded().Uint16(); got != 333 {
		t.Errorf("mapping 2 = %d, want 333", got)
	}
}

// Scenario S5: read-restricted mappings are grouped but never read.
func TestGroupReaderSkipsReadRestrictedGroup(t *testing.T) {
	restricted := mustMapping(t, MappingConfig{Kind: HoldingRegister, Addresses: []uint16{50}, OutputType: OutU16, Operation: opNone(), ReadRestricted: true})
	d := newGroupedDevice(t, restricted)

	if len(d.Groups()) != 1 || !d.Groups()[0].ReadRestricted {
		t.Fatalf("expected a single read-restricted group")
	}

	tr := newFakeTransport()
	tr.failNextRead() // would fail loudly if ReadGroup tried to read it

	if err := ReadGroup(context.Background(), tr, d, d.Groups()[0]); err != nil {
		t.Fatalf("ReadGroup on a read-restricted group should be a no-op, got: %v", err)
	}
}

func TestGroupReaderPropagatesTransportError(t *testing.T) {
	d := newGroupedDevice(t, regMapping(t, 0))
	tr := newFakeTransport()
	tr.failNextRead()

	if err := ReadGroup(context.Background(), tr, d, d.Groups()[0]); err == nil {
		t.Fatalf("expected transport read failure to propagate")
	}
}
