package modbus

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// This file adapts the teacher's CSVRegisterParser (csv_parser.go) from a
// flat DeviceRegister record to a MappingConfig record: same
// read-all/validate-row/round-trip shape, with the fixed-width byte-order
// string column replaced by separate operation-family and endian columns
// since a MappingConfig's Operation carries more structure than a
// DataType+DataOrder pair does.
var csvHeaders = []string{
	"reference", "slaveAddress", "kind", "startAddress", "registerCount",
	"outputType", "operationFamily", "endian", "bitIndex",
	"defaultValue", "repeatedWriteMs", "deadbandValue", "frequencyFilterMs",
	"readRestricted", "autoLocalUpdate",
}

// LoadMappingConfigs parses a CSV mapping set produced by WriteMappingConfigs,
// grouping rows into their MappingConfig slice by the slave address column
// so the caller can hand each group straight to Device.CreateGroups.
func LoadMappingConfigs(r io.Reader) (map[int16][]MappingConfig, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("modbus: read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("modbus: empty csv")
	}

	header := records[0]
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{"reference", "slaveAddress", "kind", "startAddress", "registerCount", "outputType", "operationFamily"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("modbus: missing required csv column %q", required)
		}
	}

	byDevice := make(map[int16][]MappingConfig)
	for i, rec := range records[1:] {
		slave, cfg, err := parseMappingRow(rec, col)
		if err != nil {
			return nil, fmt.Errorf("modbus: csv row %d: %w", i+2, err)
		}
		byDevice[slave] = append(byDevice[slave], cfg)
	}
	return byDevice, nil
}

func parseMappingRow(rec []string, col map[string]int) (int16, MappingConfig, error) {
	field := func(name string) string {
		if idx, ok := col[name]; ok && idx < len(rec) {
			return strings.TrimSpace(rec[idx])
		}
		return ""
	}

	slaveAddr, err := strconv.ParseInt(field("slaveAddress"), 10, 16)
	if err != nil {
		return 0, MappingConfig{}, fmt.Errorf("invalid slaveAddress: %w", err)
	}

	kind, err := parseRegisterKind(field("kind"))
	if err != nil {
		return 0, MappingConfig{}, err
	}

	start, err := strconv.ParseUint(field("startAddress"), 10, 16)
	if err != nil {
		return 0, MappingConfig{}, fmt.Errorf("invalid startAddress: %w", err)
	}
	count, err := strconv.ParseUint(field("registerCount"), 10, 16)
	if err != nil || count == 0 {
		return 0, MappingConfig{}, fmt.Errorf("invalid registerCount")
	}
	addrs := make([]uint16, count)
	for i := range addrs {
		addrs[i] = uint16(start) + uint16(i)
	}

	outType, err := parseOutputType(field("outputType"))
	if err != nil {
		return 0, MappingConfig{}, err
	}

	endian := BigEndianWords
	if strings.EqualFold(field("endian"), "LITTLE") {
		endian = LittleEndianWords
	}

	bitIndex := 0
	if s := field("bitIndex"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, MappingConfig{}, fmt.Errorf("invalid bitIndex: %w", err)
		}
		bitIndex = v
	}

	op, err := parseOperationFamily(field("operationFamily"), endian, bitIndex)
	if err != nil {
		return 0, MappingConfig{}, err
	}

	var defaultValue *string
	if s := field("defaultValue"); s != "" {
		defaultValue = &s
	}

	repeatedWrite, err := parseMillisField(field("repeatedWriteMs"))
	if err != nil {
		return 0, MappingConfig{}, fmt.Errorf("invalid repeatedWriteMs: %w", err)
	}
	frequencyFilter, err := parseMillisField(field("frequencyFilterMs"))
	if err != nil {
		return 0, MappingConfig{}, fmt.Errorf("invalid frequencyFilterMs: %w", err)
	}

	var deadband float64
	if s := field("deadbandValue"); s != "" {
		deadband, err = strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, MappingConfig{}, fmt.Errorf("invalid deadbandValue: %w", err)
		}
	}

	return int16(slaveAddr), MappingConfig{
		Reference:       field("reference"),
		Kind:            kind,
		Addresses:       addrs,
		OutputType:      outType,
		Operation:       op,
		DefaultValue:    defaultValue,
		RepeatedWrite:   repeatedWrite,
		DeadbandValue:   deadband,
		FrequencyFilter: frequencyFilter,
		ReadRestricted:  parseBoolField(field("readRestricted")),
		AutoLocalUpdate: parseBoolField(field("autoLocalUpdate")),
	}, nil
}

func parseMillisField(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Millisecond, nil
}

func parseBoolField(s string) bool {
	v, _ := strconv.ParseBool(s)
	return v
}

func parseRegisterKind(s string) (RegisterKind, error) {
	switch strings.ToUpper(s) {
	case "COIL":
		return Coil, nil
	case "INPUT_CONTACT":
		return DiscreteInput, nil
	case "HOLDING_REGISTER":
		return HoldingRegister, nil
	case "INPUT_REGISTER":
		return InputRegister, nil
	default:
		return 0, fmt.Errorf("unrecognized kind %q", s)
	}
}

func parseOutputType(s string) (OutputType, error) {
	switch strings.ToUpper(s) {
	case "BOOL":
		return OutBool, nil
	case "UINT16":
		return OutU16, nil
	case "INT16":
		return OutI16, nil
	case "UINT32":
		return OutU32, nil
	case "INT32":
		return OutI32, nil
	case "FLOAT":
		return OutF32, nil
	case "STRING":
		return OutString, nil
	default:
		return 0, fmt.Errorf("unrecognized outputType %q", s)
	}
}

func parseOperationFamily(s string, endian Endian, bitIndex int) (Operation, error) {
	switch strings.ToUpper(s) {
	case "NONE":
		return opNone(), nil
	case "TAKE_BIT":
		return opTakeBit(bitIndex), nil
	case "MERGE":
		return opMerge(endian), nil
	case "MERGE_FLOAT":
		return opMergeFloat(endian), nil
	case "STRINGIFY_ASCII":
		return opStringifyAscii(endian), nil
	case "STRINGIFY_UNICODE":
		return opStringifyUnicode(endian), nil
	default:
		return Operation{}, fmt.Errorf("unrecognized operationFamily %q", s)
	}
}

func operationFamily(k OperationKind) string {
	switch k {
	case OpNone:
		return "NONE"
	case OpTakeBit:
		return "TAKE_BIT"
	case OpMergeBigEndian, OpMergeLittleEndian:
		return "MERGE"
	case OpMergeFloatBigEndian, OpMergeFloatLittleEndian:
		return "MERGE_FLOAT"
	case OpStringifyAsciiBE, OpStringifyAsciiLE:
		return "STRINGIFY_ASCII"
	default:
		return "STRINGIFY_UNICODE"
	}
}

func operationEndian(k OperationKind) Endian {
	switch k {
	case OpMergeLittleEndian, OpMergeFloatLittleEndian, OpStringifyAsciiLE, OpStringifyUnicodeLE:
		return LittleEndianWords
	default:
		return BigEndianWords
	}
}

// WriteMappingConfigs writes byDevice in the format LoadMappingConfigs
// reads: one row per MappingConfig, carrying its owning slave address.
func WriteMappingConfigs(w io.Writer, byDevice map[int16][]MappingConfig) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write(csvHeaders); err != nil {
		return err
	}
	for slave, cfgs := range byDevice {
		for _, cfg := range cfgs {
			rec := mappingConfigRecord(cfg, slave)
			if err := cw.Write(rec); err != nil {
				return fmt.Errorf("modbus: write csv record for %q: %w", cfg.Reference, err)
			}
		}
	}
	return nil
}

func mappingConfigRecord(cfg MappingConfig, slaveAddress int16) []string {
	defaultValue := ""
	if cfg.DefaultValue != nil {
		defaultValue = *cfg.DefaultValue
	}
	bitIndex := 0
	if cfg.Operation.Kind == OpTakeBit {
		bitIndex = cfg.Operation.BitIndex
	}
	endian := "BIG"
	if operationEndian(cfg.Operation.Kind) == LittleEndianWords {
		endian = "LITTLE"
	}

	return []string{
		cfg.Reference,
		strconv.FormatInt(int64(slaveAddress), 10),
		cfg.Kind.String(),
		strconv.FormatUint(uint64(cfg.Addresses[0]), 10),
		strconv.Itoa(len(cfg.Addresses)),
		cfg.OutputType.String(),
		operationFamily(cfg.Operation.Kind),
		endian,
		strconv.Itoa(bitIndex),
		defaultValue,
		strconv.FormatInt(cfg.RepeatedWrite.Milliseconds(), 10),
		strconv.FormatFloat(cfg.DeadbandValue, 'f', -1, 64),
		strconv.FormatInt(cfg.FrequencyFilter.Milliseconds(), 10),
		strconv.FormatBool(cfg.ReadRestricted),
		strconv.FormatBool(cfg.AutoLocalUpdate),
	}
}
