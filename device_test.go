package modbus

import "testing"

func TestCreateGroupsMergesAndSplitsByKindAndAddress(t *testing.T) {
	d := NewDevice("plc-1", 7)
	mappings := []*Mapping{
		regMapping(t, 2),
		regMapping(t, 3),
		mustMapping(t, MappingConfig{Kind: InputRegister, Addresses: []uint16{0}, OutputType: OutU16, Operation: opNone()}),
		regMapping(t, 0),
	}
	if err := d.CreateGroups(mappings); err != nil {
		t.Fatalf("CreateGroups: %v", err)
	}

	if len(d.Groups()) != 3 {
		t.Fatalf("expected 3 groups (holding@0, holding@2-3, input@0), got %d", len(d.Groups()))
	}
	for _, m := range d.mappings {
		if m.SlaveAddress != 7 {
			t.Errorf("expected every mapping stamped with the device's slave address, got %d", m.SlaveAddress)
		}
	}
}

func TestCreateGroupsRejectsSecondCall(t *testing.T) {
	d := NewDevice("plc-1", 7)
	if err := d.CreateGroups([]*Mapping{regMapping(t, 0)}); err != nil {
		t.Fatalf("first CreateGroups: %v", err)
	}
	if err := d.CreateGroups([]*Mapping{regMapping(t, 1)}); err == nil {
		t.Fatalf("expected a second CreateGroups call on the same device to be rejected")
	}
}

func TestCreateGroupsPopulatesRewriteList(t *testing.T) {
	d := NewDevice("plc-1", 7)
	m := mustMapping(t, MappingConfig{Kind: HoldingRegister, Addresses: []uint16{0}, OutputType: OutU16, Operation: opNone(), RepeatedWrite: 5})
	other := regMapping(t, 1)
	if err := d.CreateGroups([]*Mapping{m, other}); err != nil {
		t.Fatalf("CreateGroups: %v", err)
	}

	list := d.RewriteList()
	if len(list) != 1 {
		t.Fatalf("expected exactly one mapping in the rewrite list, got %d", len(list))
	}
	if got := d.Mapping(list[0]); got.Reference != m.Reference {
		t.Fatalf("expected the repeated-write mapping in the rewrite list")
	}
}

func TestSetMappingRepeatedWriteTogglesList(t *testing.T) {
	d := NewDevice("plc-1", 7)
	m := regMapping(t, 0)
	if err := d.CreateGroups([]*Mapping{m}); err != nil {
		t.Fatalf("CreateGroups: %v", err)
	}
	if len(d.RewriteList()) != 0 {
		t.Fatalf("expected an empty rewrite list initially")
	}

	d.SetMappingRepeatedWrite(0, 10)
	if len(d.RewriteList()) != 1 {
		t.Fatalf("expected the mapping to join the rewrite list once an interval is set")
	}

	d.SetMappingRepeatedWrite(0, 0)
	if len(d.RewriteList()) != 0 {
		t.Fatalf("expected the mapping to leave the rewrite list once disabled")
	}
}

func TestDeviceFireStatusUpdatesStatusAndCallback(t *testing.T) {
	d := NewDevice("plc-1", 7)
	var seen []bool
	d.OnStatus = func(online bool) { seen = append(seen, online) }

	d.fireStatus(true)
	if !d.Status() {
		t.Fatalf("expected Status() true after fireStatus(true)")
	}
	d.fireStatus(false)
	if d.Status() {
		t.Fatalf("expected Status() false after fireStatus(false)")
	}
	if len(seen) != 2 || seen[0] != true || seen[1] != false {
		t.Fatalf("expected both status transitions delivered in order, got %v", seen)
	}
}

func TestCreateGroupsKeepsReadRestrictedSeparateFromNormal(t *testing.T) {
	d := NewDevice("plc-1", 7)
	normal := regMapping(t, 0)
	restricted := mustMapping(t, MappingConfig{Kind: HoldingRegister, Addresses: []uint16{1}, OutputType: OutU16, Operation: opNone(), ReadRestricted: true})

	if err := d.CreateGroups([]*Mapping{normal, restricted}); err != nil {
		t.Fatalf("CreateGroups: %v", err)
	}
	if len(d.Groups()) != 2 {
		t.Fatalf("expected a normal group and a separate read-restricted group, got %d", len(d.Groups()))
	}

	var sawRestricted, sawNormal bool
	for _, g := range d.Groups() {
		if g.ReadRestricted {
			sawRestricted = true
		} else {
			sawNormal = true
		}
	}
	if !sawRestricted || !sawNormal {
		t.Fatalf("expected one restricted and one normal group")
	}
}
