package modbus

import (
	"context"
	"fmt"
)

// ReadGroup performs the single physical Modbus request a Group
// represents, decodes the response against every claim in address order,
// and reports the full-change status for that group: per mapping, a
// DoesUpdate/Update pass and the matching callback fire exactly as
// enhancement-poller.go's per-register update loop does, generalized
// from one DeviceRegister per read to the group's claim-key cursor walk.
//
// Read-restricted groups are never read: ReadGroup returns immediately
// and fires nothing.
func ReadGroup(ctx context.Context, t Transport, device *Device, g *Group) error {
	if g.ReadRestricted {
		return nil
	}

	claims := g.Claims()
	if len(claims) == 0 {
		return nil
	}

	if g.Kind == Coil || g.Kind == DiscreteInput {
		return readBoolGroup(ctx, t, device, g, claims)
	}
	return readRegisterGroup(ctx, t, device, g, claims)
}

func readBoolGroup(ctx context.Context, t Transport, device *Device, g *Group, claims []claim) error {
	start := g.StartingAddress()
	count := uint16(g.AddressCount())

	var bits []bool
	var err error
	if g.Kind == Coil {
		bits, err = t.ReadCoils(ctx, uint16(g.SlaveAddress), start, count)
	} else {
		bits, err = t.ReadDiscreteInputs(ctx, uint16(g.SlaveAddress), start, count)
	}
	if err != nil {
		return err
	}
	if len(bits) != int(count) {
		return fmt.Errorf("modbus: transport returned %d bits, wanted %d", len(bits), count)
	}

	for _, c := range claims {
		v := bits[c.address-start]
		m := device.Mapping(c.mapping)
		if m.DoesUpdateBool(v) {
			m.UpdateBool(v)
			device.fireChangeBool(c.mapping, v)
		}
	}
	return nil
}

func readRegisterGroup(ctx context.Context, t Transport, device *Device, g *Group, claims []claim) error {
	start := g.StartingAddress()
	count := uint16(g.AddressCount())

	var words []uint16
	var err error
	if g.Kind == HoldingRegister {
		words, err = t.ReadHoldingRegisters(ctx, uint16(g.SlaveAddress), start, count)
	} else {
		words, err = t.ReadInputRegisters(ctx, uint16(g.SlaveAddress), start, count)
	}
	if err != nil {
		return err
	}
	if len(words) != int(count) {
		return fmt.Errorf("modbus: transport returned %d registers, wanted %d", len(words), count)
	}

	i := 0
	for i < len(claims) {
		c := claims[i]
		wordIdx := int(c.address - start)

		if c.bit >= 0 {
			// A run of single-bit claims all sharing one register word:
			// consume exactly one word and distribute its bits.
			word := words[wordIdx]
			bits := SeparateBits(word)
			for i < len(claims) && claims[i].address == c.address {
				bc := claims[i]
				v := bits[bc.bit]
				m := device.Mapping(bc.mapping)
				if m.DoesUpdateBool(v) {
					m.UpdateBool(v)
					device.fireChangeBool(bc.mapping, v)
				}
				i++
			}
			continue
		}

		m := device.Mapping(c.mapping)
		span := words[wordIdx : wordIdx+m.RegisterCount]
		if m.DoesUpdateWords(span) {
			m.UpdateWords(span)
			device.fireChangeBytes(c.mapping, span)
		}
		i += m.RegisterCount
	}

	return nil
}
