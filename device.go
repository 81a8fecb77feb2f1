package modbus

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Device is a single Modbus slave: it owns the arena of Mappings attached
// to it, the Groups produced by the grouping algorithm, the subset of
// mappings due for periodic rewrite, and the three callback slots. Change
// callbacks fire from its read-task; OnStatus fires from its read-task and
// from the Reader's supervisor around a reconnect. A Device is registered
// with one Reader (by pointer in the Reader's slave-address map); it carries no
// back-reference to that Reader, so callbacks and writes are addressed by
// MappingHandle rather than by pointer.
type Device struct {
	Name         string
	SlaveAddress int16

	OnChangeBool  func(h MappingHandle, v bool)
	OnChangeBytes func(h MappingHandle, words []uint16)
	OnStatus      func(online bool)

	mappings []*Mapping
	groups   []*Group

	rewriteMu   sync.Mutex
	rewriteList []MappingHandle

	statusMu sync.RWMutex
	status   bool
}

// NewDevice constructs an empty Device. slaveAddress identifies the
// station on the wire; it is stamped onto every Mapping CreateGroups is
// given.
func NewDevice(name string, slaveAddress int16) *Device {
	return &Device{Name: name, SlaveAddress: slaveAddress}
}

// Mapping returns the mapping stored at handle h.
func (d *Device) Mapping(h MappingHandle) *Mapping { return d.mappings[h] }

// Groups returns the device's groups in creation order.
func (d *Device) Groups() []*Group { return d.groups }

// RewriteList returns a snapshot of mappings currently due for periodic
// keep-alive rewrite.
func (d *Device) RewriteList() []MappingHandle {
	d.rewriteMu.Lock()
	defer d.rewriteMu.Unlock()
	return append([]MappingHandle(nil), d.rewriteList...)
}

// Status reports the device's last-known online flag.
func (d *Device) Status() bool {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()
	return d.status
}

func (d *Device) setStatus(online bool) {
	d.statusMu.Lock()
	d.status = online
	d.statusMu.Unlock()
}

// CreateGroups is the grouping algorithm: it takes ownership of mappings,
// attaches d.SlaveAddress to each, and partitions them into the minimal
// set of Groups defined by the claim-key contiguity rules in group.go.
// CreateGroups may be called only once per Device — the read-task that
// walks a device's groups assumes the group list never changes underfoot
// once polling starts (the teacher's per-device read-task exits
// permanently the first time it finds nothing to do, for the same
// reason), so grouping after the Reader has started polling is rejected
// outright rather than silently tolerated.
func (d *Device) CreateGroups(mappings []*Mapping) error {
	if len(d.mappings) != 0 || len(d.groups) != 0 {
		return newConfigError("CreateGroups", fmt.Errorf("%w: device %q already grouped", ErrInvalidConfiguration, d.Name))
	}

	handles := make([]MappingHandle, len(mappings))
	for i, m := range mappings {
		m.SlaveAddress = d.SlaveAddress
		d.mappings = append(d.mappings, m)
		handles[i] = MappingHandle(i)
	}

	sort.Slice(handles, func(i, j int) bool {
		a, b := d.mappings[handles[i]], d.mappings[handles[j]]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Address() != b.Address() {
			return a.Address() < b.Address()
		}
		if a.RegisterCount != b.RegisterCount {
			return a.RegisterCount < b.RegisterCount
		}
		if a.OutputType != b.OutputType {
			return a.OutputType < b.OutputType
		}
		return bitIndexOf(a) < bitIndexOf(b)
	})

	restricted := make(map[RegisterKind]int) // kind -> index into d.groups
	var current *Group
	var currentIdx int

	for _, h := range handles {
		m := d.mappings[h]

		if m.repeatedWrite > 0 {
			d.rewriteList = append(d.rewriteList, h)
		}

		if m.ReadRestricted {
			idx, ok := restricted[m.Kind]
			if !ok {
				g := newGroup(m.Kind, d.SlaveAddress, true)
				d.groups = append(d.groups, g)
				idx = len(d.groups) - 1
				restricted[m.Kind] = idx
			}
			d.groups[idx].appendReadRestricted(h, m)
			m.groupIndex = idx
			continue
		}

		if current != nil && current.Kind == m.Kind && current.AddMapping(h, m) {
			m.groupIndex = currentIdx
			continue
		}

		g := newGroup(m.Kind, d.SlaveAddress, false)
		g.seed(h, m)
		d.groups = append(d.groups, g)
		currentIdx = len(d.groups) - 1
		current = g
		m.groupIndex = currentIdx
	}

	return nil
}

func bitIndexOf(m *Mapping) int {
	if m.Operation.Kind == OpTakeBit {
		return m.Operation.BitIndex
	}
	return -1
}

// SetMappingRepeatedWrite changes the keep-alive rewrite interval for the
// mapping at h, adding or removing it from the device's rewrite list on a
// 0-vs-positive transition.
func (d *Device) SetMappingRepeatedWrite(h MappingHandle, interval time.Duration) {
	m := d.mappings[h]
	wasActive := m.RepeatedWrite() > 0
	m.setRepeatedWrite(interval)
	isActive := interval > 0

	if wasActive == isActive {
		return
	}

	d.rewriteMu.Lock()
	defer d.rewriteMu.Unlock()
	if isActive {
		d.rewriteList = append(d.rewriteList, h)
		return
	}
	for i, rh := range d.rewriteList {
		if rh == h {
			d.rewriteList = append(d.rewriteList[:i], d.rewriteList[i+1:]...)
			break
		}
	}
}

func (d *Device) fireChangeBool(h MappingHandle, v bool) {
	if d.OnChangeBool != nil {
		d.OnChangeBool(h, v)
	}
}

func (d *Device) fireChangeBytes(h MappingHandle, words []uint16) {
	if d.OnChangeBytes != nil {
		d.OnChangeBytes(h, words)
	}
}

func (d *Device) fireStatus(online bool) {
	d.setStatus(online)
	if d.OnStatus != nil {
		d.OnStatus(online)
	}
}
