package modbus

import "sort"

// claimed marks what occupies one physical register address within a
// Group: none, a single whole-register mapping, or one-or-more bits.
type claimedKind int

const (
	claimNone claimedKind = iota
	claimWhole
	claimBits
)

// claim is one entry of a Group's claim set — an "<address>" or
// "<address>.<bit>" token resolved to the mapping that owns it.
type claim struct {
	address uint16
	bit     int // -1 for a whole-register claim
	mapping MappingHandle
}

// Group is a set of same-kind, same-slave mappings readable in a single
// Modbus request, grounded in the teacher's
// GroupDeviceRegisterWithLogicalContinuity address-contiguity test but
// generalized with a claim-key algebra that also handles mixed
// whole-register and single-bit mappings sharing one address span.
type Group struct {
	Kind           RegisterKind
	SlaveAddress   int16
	ReadRestricted bool

	claims       []claim
	addressState map[uint16]claimedKind
	start, end   uint16
	hasSpan      bool
}

func newGroup(kind RegisterKind, slave int16, readRestricted bool) *Group {
	return &Group{
		Kind:           kind,
		SlaveAddress:   slave,
		ReadRestricted: readRestricted,
		addressState:   make(map[uint16]claimedKind),
	}
}

// StartingAddress is the minimum claimed address.
func (g *Group) StartingAddress() uint16 { return g.start }

// AddressCount is the number of distinct physical addresses claimed.
func (g *Group) AddressCount() int { return len(g.addressState) }

// Claims returns the group's claim set ordered by address ascending, then
// by bit ascending (a whole-register claim, bit -1, sorts before any bit
// claim at the same address — though per the group invariants the two
// never coexist at one address).
func (g *Group) Claims() []claim {
	out := append([]claim(nil), g.claims...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].address != out[j].address {
			return out[i].address < out[j].address
		}
		return out[i].bit < out[j].bit
	})
	return out
}

// Mappings returns the distinct mapping handles in claim order — the
// order GroupReader dispatches decoded values and callbacks in.
func (g *Group) Mappings() []MappingHandle {
	claims := g.Claims()
	out := make([]MappingHandle, 0, len(claims))
	var last MappingHandle = -1
	seenLast := false
	for _, c := range claims {
		if seenLast && c.mapping == last {
			continue
		}
		out = append(out, c.mapping)
		last = c.mapping
		seenLast = true
	}
	return out
}

// seed initializes an empty group from its first mapping, bypassing the
// contiguity checks AddMapping applies to later mappings.
func (g *Group) seed(h MappingHandle, m *Mapping) {
	if m.Operation.Kind == OpTakeBit {
		g.insertBit(m.Address(), m.Operation.BitIndex, h)
	} else {
		for _, a := range m.Addresses {
			g.insertWhole(a, h)
		}
	}
}

func (g *Group) insertWhole(addr uint16, h MappingHandle) {
	g.addressState[addr] = claimWhole
	g.claims = append(g.claims, claim{address: addr, bit: -1, mapping: h})
	g.extendSpan(addr)
}

func (g *Group) insertBit(addr uint16, bit int, h MappingHandle) {
	g.addressState[addr] = claimBits
	g.claims = append(g.claims, claim{address: addr, bit: bit, mapping: h})
	g.extendSpan(addr)
}

func (g *Group) extendSpan(addr uint16) {
	if !g.hasSpan {
		g.start, g.end, g.hasSpan = addr, addr, true
		return
	}
	if addr < g.start {
		g.start = addr
	}
	if addr > g.end {
		g.end = addr
	}
}

func (g *Group) hasBitClaim(addr uint16, bit int) bool {
	for _, c := range g.claims {
		if c.address == addr && c.bit == bit {
			return true
		}
	}
	return false
}

// AddMapping reports whether m may join this group without breaking
// contiguity, via one of two acceptance paths: a single-bit claim
// abutting or within the group's existing span, or a whole-register span
// that is non-overlapping and contiguous with it. On acceptance, m's
// claims are inserted and the span is extended in place.
func (g *Group) AddMapping(h MappingHandle, m *Mapping) bool {
	if m.Kind != g.Kind || m.SlaveAddress != g.SlaveAddress || m.ReadRestricted {
		return false
	}

	if m.Operation.Kind == OpTakeBit {
		addr := m.Address()
		bit := m.Operation.BitIndex
		if g.addressState[addr] == claimWhole {
			return false
		}
		if g.hasBitClaim(addr, bit) {
			return false
		}
		if g.hasSpan {
			within := addr >= g.start && addr <= g.end
			abuts := (g.start > 0 && addr == g.start-1) || addr == g.end+1
			if !within && !abuts {
				return false
			}
		}
		g.insertBit(addr, bit, h)
		return true
	}

	addrs := m.Addresses
	spanStart, spanEnd := addrs[0], addrs[len(addrs)-1]
	if g.hasSpan {
		overlap := spanStart <= g.end && spanEnd >= g.start
		if overlap {
			return false
		}
		contiguous := spanEnd+1 == g.start || g.end+1 == spanStart
		if !contiguous {
			return false
		}
	}
	for _, a := range addrs {
		if g.addressState[a] != claimNone {
			return false
		}
	}
	for _, a := range addrs {
		g.insertWhole(a, h)
	}
	return true
}

// appendReadRestricted adds a read-restricted mapping to a per-kind
// aggregator group. Contiguity is deliberately not enforced here:
// read-restricted groups are never read, so nothing requires their
// members to share a contiguous address span.
func (g *Group) appendReadRestricted(h MappingHandle, m *Mapping) bool {
	if m.Kind != g.Kind || m.SlaveAddress != g.SlaveAddress || !m.ReadRestricted {
		return false
	}
	if m.Operation.Kind == OpTakeBit {
		g.insertBit(m.Address(), m.Operation.BitIndex, h)
	} else {
		for _, a := range m.Addresses {
			g.insertWhole(a, h)
		}
	}
	return true
}
