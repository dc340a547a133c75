package meter_modbus

import (
	"fmt"
	"sort"
	"strings"
)

type RegisterKind uint8

const (
	INPUT_REGISTER RegisterKind = iota + 1
	HOLDING_REGISTER
)

func (k RegisterKind) String() string {
	switch k {
	case INPUT_REGISTER:
		return "input"
	case HOLDING_REGISTER:
		return "holding"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func ParseRegisterKind(s string) (RegisterKind, error) {
	switch strings.ToLower(s) {
	case "input", "in", "":
		return INPUT_REGISTER, nil
	case "holding", "hold":
		return HOLDING_REGISTER, nil
	default:
		return 0, fmt.Errorf("unknown register kind %q", s)
	}
}

// WireType is the physical encoding of a register value.
type WireType uint8

const (
	WIRE_BITS WireType = iota + 1
	WIRE_UINT8
	WIRE_UINT16
	WIRE_UINT32
	WIRE_UINT64
	WIRE_INT8
	WIRE_INT16
	WIRE_INT32
	WIRE_INT64
	WIRE_FLOAT16
	WIRE_FLOAT32
	WIRE_STRING
)

var wireTypeNames = map[WireType]string{
	WIRE_BITS:    "bits",
	WIRE_UINT8:   "uint8",
	WIRE_UINT16:  "uint16",
	WIRE_UINT32:  "uint32",
	WIRE_UINT64:  "uint64",
	WIRE_INT8:    "int8",
	WIRE_INT16:   "int16",
	WIRE_INT32:   "int32",
	WIRE_INT64:   "int64",
	WIRE_FLOAT16: "float16",
	WIRE_FLOAT32: "float32",
	WIRE_STRING:  "string",
}

func (w WireType) String() string {
	if name, ok := wireTypeNames[w]; ok {
		return name
	}
	return fmt.Sprintf("wire(%d)", uint8(w))
}

func ParseWireType(s string) (WireType, error) {
	lower := strings.ToLower(s)
	for wt, name := range wireTypeNames {
		if name == lower {
			return wt, nil
		}
	}
	return 0, fmt.Errorf("unknown wire type %q", s)
}

// Words returns how many 16-bit registers the codec consumes for w.
// Reserved types report 0.
func (w WireType) Words() uint16 {
	switch w {
	case WIRE_INT16:
		return 1
	case WIRE_INT32, WIRE_UINT32, WIRE_FLOAT32:
		return 2
	default:
		return 0
	}
}

type ValueType uint8

const (
	VALUE_FLOAT ValueType = iota
	VALUE_INT
)

func (v ValueType) String() string {
	if v == VALUE_INT {
		return "int"
	}
	return "float"
}

func ParseValueType(s string) (ValueType, error) {
	switch strings.ToLower(s) {
	case "float", "":
		return VALUE_FLOAT, nil
	case "int":
		return VALUE_INT, nil
	default:
		return 0, fmt.Errorf("unknown value type %q", s)
	}
}

// Convert coerces a decoded number into the target value type.
func (v ValueType) Convert(value float64) float64 {
	if v == VALUE_INT {
		return float64(int64(value))
	}
	return value
}

// Format is presentation metadata. The engine carries it but never reads it.
type Format struct {
	Unit    string
	Choices []any
	Codes   map[string]any
}

func UnitFormat(unit string) Format {
	return Format{Unit: unit}
}

func (f Format) IsUnit() bool {
	return f.Choices == nil && f.Codes == nil
}

type RegisterDescriptor struct {
	Address     uint16
	Length      uint16
	Kind        RegisterKind
	WireType    WireType
	ValueType   ValueType
	Label       string
	Format      Format
	BatchGroup  uint
	ScaleFactor float64
}

// Scale returns the descriptor scale factor, treating an unset factor as 1.
func (d RegisterDescriptor) Scale() float64 {
	if d.ScaleFactor == 0 {
		return 1
	}
	return d.ScaleFactor
}

func (d RegisterDescriptor) End() uint32 {
	return uint32(d.Address) + uint32(d.Length)
}

// Directory maps symbolic keys to register descriptors for one meter model.
type Directory map[string]RegisterDescriptor

func (d Directory) Lookup(key string) (RegisterDescriptor, error) {
	desc, ok := d[key]
	if !ok {
		return RegisterDescriptor{}, notFound(key)
	}
	return desc, nil
}

// Keys returns the keys of the given kind ordered by batch group and address.
func (d Directory) Keys(kind RegisterKind) []string {
	var keys []string
	for k, desc := range d {
		if desc.Kind == kind {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := d[keys[i]], d[keys[j]]
		if a.BatchGroup != b.BatchGroup {
			return a.BatchGroup < b.BatchGroup
		}
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Validate checks the invariants the batch planner relies on.
func (d Directory) Validate() error {
	for _, kind := range []RegisterKind{INPUT_REGISTER, HOLDING_REGISTER} {
		groups := map[uint][]string{}
		for _, k := range d.Keys(kind) {
			desc := d[k]
			if desc.Length == 0 {
				return fmt.Errorf("register %q: zero length", k)
			}
			if n := desc.WireType.Words(); n > 0 && desc.Length < n {
				return fmt.Errorf("register %q: %s needs %d registers, length is %d", k, desc.WireType, n, desc.Length)
			}
			if desc.BatchGroup == 0 {
				return fmt.Errorf("register %q: batch group must be positive", k)
			}
			groups[desc.BatchGroup] = append(groups[desc.BatchGroup], k)
		}
		for group, keys := range groups {
			for i := 1; i < len(keys); i++ {
				prev, cur := d[keys[i-1]], d[keys[i]]
				if uint32(cur.Address) < prev.End() {
					return fmt.Errorf("%s batch %d: %q overlaps %q", kind, group, keys[i], keys[i-1])
				}
			}
			first, last := d[keys[0]], d[keys[len(keys)-1]]
			if span := last.End() - uint32(first.Address); span > MAX_REGISTERS_PER_READ {
				return fmt.Errorf("%s batch %d: span of %d registers exceeds %d", kind, group, span, MAX_REGISTERS_PER_READ)
			}
		}
	}
	return nil
}
