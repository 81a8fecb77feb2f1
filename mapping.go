package modbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UnsetSlaveAddress is the sentinel carried by a Mapping before it has been
// attached to a Device — the glossary's "signed 16-bit to accommodate an
// unset sentinel of -1".
const UnsetSlaveAddress int16 = -1

// MappingConfig is the construction-time description of a logical signal.
// NewMapping validates it against the legal RegisterKind/OutputType/
// OperationType table and the read-restricted/repeated-write/default-value
// invariants before producing a Mapping.
type MappingConfig struct {
	// Reference must be unique per device. If empty, NewMapping assigns a
	// generated one (grounded in the teacher's per-register UUID field,
	// register.go's DeviceRegister.UUID).
	Reference string

	Kind RegisterKind

	// Addresses is the ordered, contiguous register address span this
	// mapping occupies: one entry for OpNone and TakeBit, two for the
	// merge and float-merge operations, and one or more for String.
	Addresses []uint16

	OutputType OutputType
	Operation  Operation

	DefaultValue    *string
	RepeatedWrite   time.Duration
	DeadbandValue   float64
	FrequencyFilter time.Duration
	ReadRestricted  bool
	AutoLocalUpdate bool
}

// Mapping is a typed logical signal view onto one or more adjacent Modbus
// registers. It lives inside the owning Device's mapping arena; other
// components refer to it by MappingHandle, a stable index, rather than by
// pointer or back-reference.
type Mapping struct {
	Reference     string
	SlaveAddress  int16
	Kind          RegisterKind
	Addresses     []uint16
	RegisterCount int

	OutputType OutputType
	Operation  Operation

	DefaultValue    *string
	DeadbandValue   float64
	FrequencyFilter time.Duration
	ReadRestricted  bool
	AutoLocalUpdate bool

	mu            sync.Mutex
	repeatedWrite time.Duration
	boolValue     bool
	wordValues    []uint16
	decoded       TypedValue
	initialized   bool
	valid         bool
	lastUpdate    time.Time

	deviceIndex int
	groupIndex  int
}

// MappingHandle is a stable reference to a Mapping within its owning
// Device, used by callbacks and the Reader's write API in place of a
// pointer or back-reference.
type MappingHandle int

// Address is the mapping's starting address — Addresses[0].
func (m *Mapping) Address() uint16 { return m.Addresses[0] }

// NewMapping validates cfg and constructs a Mapping. The returned mapping
// has SlaveAddress == UnsetSlaveAddress until a Device attaches it.
func NewMapping(cfg MappingConfig) (*Mapping, error) {
	if len(cfg.Addresses) == 0 {
		return nil, newConfigError("NewMapping", fmt.Errorf("%w: no addresses given", ErrInvalidConfiguration))
	}
	for i := 1; i < len(cfg.Addresses); i++ {
		if cfg.Addresses[i] != cfg.Addresses[i-1]+1 {
			return nil, newConfigError("NewMapping", fmt.Errorf("%w: addresses must be contiguous and ascending", ErrInvalidConfiguration))
		}
	}
	registerCount := len(cfg.Addresses)

	if err := validateCombination(cfg.Kind, cfg.OutputType, cfg.Operation, registerCount); err != nil {
		return nil, err
	}

	writable := cfg.Kind.Writable()
	if cfg.ReadRestricted && !writable {
		return nil, newConfigError("NewMapping", fmt.Errorf("%w: read_restricted requires a writable kind", ErrInvalidConfiguration))
	}
	if cfg.RepeatedWrite > 0 && !writable {
		return nil, newConfigError("NewMapping", fmt.Errorf("%w: repeated_write requires a writable kind", ErrInvalidConfiguration))
	}
	if cfg.DefaultValue != nil && !writable {
		return nil, newConfigError("NewMapping", fmt.Errorf("%w: default_value requires a writable kind", ErrInvalidConfiguration))
	}

	ref := cfg.Reference
	if ref == "" {
		ref = uuid.NewString()
	}

	m := &Mapping{
		Reference:       ref,
		SlaveAddress:    UnsetSlaveAddress,
		Kind:            cfg.Kind,
		Addresses:       append([]uint16(nil), cfg.Addresses...),
		RegisterCount:   registerCount,
		OutputType:      cfg.OutputType,
		Operation:       cfg.Operation,
		DefaultValue:    cfg.DefaultValue,
		repeatedWrite:   cfg.RepeatedWrite,
		DeadbandValue:   cfg.DeadbandValue,
		FrequencyFilter: cfg.FrequencyFilter,
		ReadRestricted:  cfg.ReadRestricted,
		AutoLocalUpdate: cfg.AutoLocalUpdate,
		wordValues:      make([]uint16, registerCount),
		groupIndex:      -1,
		deviceIndex:     -1,
	}
	return m, nil
}

// validateCombination enforces the legal-combinations table: which
// OperationKind and register count are allowed for a given (RegisterKind,
// OutputType) pair.
func validateCombination(kind RegisterKind, out OutputType, op Operation, registerCount int) error {
	fail := func(msg string) error {
		return newConfigError("validateCombination", fmt.Errorf("%w: %s", ErrInvalidConfiguration, msg))
	}

	switch kind {
	case Coil, DiscreteInput:
		if out != OutBool || op.Kind != OpNone {
			return fail("coil/discrete-input mappings must be Bool with OpNone")
		}
		if registerCount != 1 {
			return fail("coil/discrete-input mappings occupy exactly one address")
		}
	case HoldingRegister, InputRegister:
		switch op.Kind {
		case OpNone:
			if registerCount != 1 || (out != OutU16 && out != OutI16) {
				return fail("OpNone on a register kind requires one address and U16/I16 output")
			}
		case OpTakeBit:
			if registerCount != 1 || out != OutBool {
				return fail("TakeBit requires one address and Bool output")
			}
			if op.BitIndex < 0 || op.BitIndex > 15 {
				return fail("TakeBit bit index must be 0..15")
			}
		case OpMergeBigEndian, OpMergeLittleEndian:
			if registerCount != 2 || (out != OutU32 && out != OutI32) {
				return fail("Merge requires two addresses and U32/I32 output")
			}
		case OpMergeFloatBigEndian, OpMergeFloatLittleEndian:
			if registerCount != 2 || out != OutF32 {
				return fail("MergeFloat requires two addresses and F32 output")
			}
		case OpStringifyAsciiBE, OpStringifyAsciiLE, OpStringifyUnicodeBE, OpStringifyUnicodeLE:
			if out != OutString || registerCount < 1 {
				return fail("Stringify requires String output and at least one address")
			}
		default:
			return fail("unrecognized operation")
		}
	default:
		return fail("unrecognized register kind")
	}
	return nil
}

// IsInitialized reports whether the mapping has ever been updated.
func (m *Mapping) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// IsValid reports the mapping's validity flag, cleared by a failed write
// and restored by the next successful update. A failed read leaves it
// unchanged.
func (m *Mapping) IsValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid
}

// SetValid forcibly sets the validity flag. A Reader calls
// SetValid(false) after a failed write so the next successful read always
// fires a change notification regardless of value equality.
func (m *Mapping) SetValid(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.valid = v
}

// LastUpdate returns the timestamp of the last successful update.
func (m *Mapping) LastUpdate() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUpdate
}

// RepeatedWrite returns the current keep-alive rewrite interval, 0 if off.
func (m *Mapping) RepeatedWrite() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repeatedWrite
}

// setRepeatedWrite updates the keep-alive interval. Callers (Device) must
// add/remove the mapping from the owning device's rewrite list, under that
// device's rewrite-list mutex, when the 0-vs-positive transition flips.
func (m *Mapping) setRepeatedWrite(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repeatedWrite = d
}

// BoolValue returns the mapping's cached boolean value. Valid only when
// OutputType == OutBool.
func (m *Mapping) BoolValue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.boolValue
}

// WordValues returns a copy of the mapping's cached raw register words.
// Valid only when OutputType != OutBool.
func (m *Mapping) WordValues() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint16, len(m.wordValues))
	copy(out, m.wordValues)
	return out
}

// Decoded returns the mapping's cached typed decoded value.
func (m *Mapping) Decoded() TypedValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decoded
}

// endianOf derives the Endian a merge/stringify operation uses.
func endianOf(op Operation) Endian {
	switch op.Kind {
	case OpMergeLittleEndian, OpMergeFloatLittleEndian, OpStringifyAsciiLE, OpStringifyUnicodeLE:
		return LittleEndianWords
	default:
		return BigEndianWords
	}
}

// decodeWords applies the mapping's operation to a raw word vector and
// returns the cached typed value.
func (m *Mapping) decodeWords(words []uint16) (TypedValue, error) {
	switch m.OutputType {
	case OutU16:
		return u16Value(words[0]), nil
	case OutI16:
		return i16Value(U16ToI16(words[0])), nil
	case OutU32:
		v, err := RegistersToU32(words, endianOf(m.Operation))
		if err != nil {
			return TypedValue{}, err
		}
		return u32Value(v), nil
	case OutI32:
		v, err := RegistersToI32(words, endianOf(m.Operation))
		if err != nil {
			return TypedValue{}, err
		}
		return i32Value(v), nil
	case OutF32:
		v, err := RegistersToF32(words, endianOf(m.Operation))
		if err != nil {
			return TypedValue{}, err
		}
		return f32Value(v), nil
	case OutString:
		e := endianOf(m.Operation)
		if m.Operation.Kind == OpStringifyUnicodeBE || m.Operation.Kind == OpStringifyUnicodeLE {
			return stringValue(RegistersToUnicodeString(words, e)), nil
		}
		return stringValue(RegistersToAsciiString(words, e)), nil
	default:
		return TypedValue{}, newConfigError("decodeWords", fmt.Errorf("%w: output type %s has no word decode", ErrInvalidConfiguration, m.OutputType))
	}
}

// DoesUpdateBool is the does_update predicate for a Bool-output mapping
// (Coil, DiscreteInput, or TakeBit on a register). It mutates nothing.
func (m *Mapping) DoesUpdateBool(new bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doesUpdateLocked(boolValue(new), func() bool { return new == m.boolValue })
}

// UpdateBool applies new as the mapping's current value, returning whether
// the value observably changed.
func (m *Mapping) UpdateBool(new bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := !m.initialized || !m.valid || new != m.boolValue
	m.boolValue = new
	m.decoded = boolValue(new)
	m.initialized = true
	m.valid = true
	m.lastUpdate = time.Now()
	return changed
}

// DoesUpdateWords is the does_update predicate for a non-Bool mapping fed
// a raw register word vector.
func (m *Mapping) DoesUpdateWords(new []uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	decoded, err := m.decodeWords(new)
	if err != nil {
		// A decode failure on an otherwise-legal mapping cannot happen;
		// treat conservatively as an update so callers observe it.
		return true
	}
	return m.doesUpdateLocked(decoded, func() bool { return wordsEqual(new, m.wordValues) })
}

// UpdateWords applies new as the mapping's current raw words, returning
// whether the value observably changed.
func (m *Mapping) UpdateWords(new []uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	decoded, err := m.decodeWords(new)
	changed := !m.initialized || !m.valid || !wordsEqual(new, m.wordValues)
	m.wordValues = append([]uint16(nil), new...)
	if err == nil {
		m.decoded = decoded
	}
	m.initialized = true
	m.valid = true
	m.lastUpdate = time.Now()
	return changed
}

// doesUpdateLocked implements steps 1-5 of does_update given the
// newly-decoded value and an equality thunk for the raw representation.
// Caller holds m.mu.
func (m *Mapping) doesUpdateLocked(newDecoded TypedValue, rawEqual func() bool) bool {
	if !m.initialized || !m.valid {
		return true
	}
	if rawEqual() {
		return false
	}
	if m.FrequencyFilter > 0 && time.Since(m.lastUpdate) < m.FrequencyFilter {
		return false
	}
	if m.DeadbandValue > 0 {
		delta := newDecoded.AsFloat64() - m.decoded.AsFloat64()
		return delta >= m.DeadbandValue || delta <= -m.DeadbandValue
	}
	return true
}

func wordsEqual(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
