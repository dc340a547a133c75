package meter_modbus

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/exp/constraints"
)

type ByteOrder uint8

const (
	BIG_ENDIAN ByteOrder = iota
	LITTLE_ENDIAN
)

func (o ByteOrder) String() string {
	if o == LITTLE_ENDIAN {
		return "little"
	}
	return "big"
}

func ParseByteOrder(s string) (ByteOrder, error) {
	switch strings.ToLower(s) {
	case "big", "":
		return BIG_ENDIAN, nil
	case "little":
		return LITTLE_ENDIAN, nil
	default:
		return 0, fmt.Errorf("unknown byte order %q", s)
	}
}

type Number interface {
	constraints.Integer | constraints.Float
}

// PayloadDecoder is a cursor over a register buffer.
type PayloadDecoder struct {
	words     []uint16
	pos       int
	byteOrder ByteOrder
	wordOrder ByteOrder
}

func NewPayloadDecoder(words []uint16, byteOrder, wordOrder ByteOrder) *PayloadDecoder {
	return &PayloadDecoder{
		words:     words,
		byteOrder: byteOrder,
		wordOrder: wordOrder,
	}
}

func (d *PayloadDecoder) Remaining() int {
	return len(d.words) - d.pos
}

func (d *PayloadDecoder) Skip(n uint16) error {
	if int(n) > d.Remaining() {
		return fmt.Errorf("%w: skip %d with %d words left", ErrShortResponse, n, d.Remaining())
	}
	d.pos += int(n)
	return nil
}

// Decode reads the next value of type wt and advances the cursor.
func (d *PayloadDecoder) Decode(wt WireType) (float64, error) {
	n := wt.Words()
	if n == 0 {
		return 0, unsupported(wt)
	}
	if int(n) > d.Remaining() {
		return 0, fmt.Errorf("%w: %s needs %d words, %d left", ErrShortResponse, wt, n, d.Remaining())
	}
	raw := d.combine(d.words[d.pos : d.pos+int(n)])
	d.pos += int(n)

	switch wt {
	case WIRE_INT16:
		return float64(int16(raw)), nil
	case WIRE_INT32:
		return float64(int32(raw)), nil
	case WIRE_UINT32:
		return float64(uint32(raw)), nil
	case WIRE_FLOAT32:
		return float64(math.Float32frombits(uint32(raw))), nil
	}
	return 0, unsupported(wt)
}

func (d *PayloadDecoder) combine(words []uint16) uint64 {
	var raw uint64
	for i := range words {
		w := words[i]
		if d.wordOrder == LITTLE_ENDIAN {
			w = words[len(words)-1-i]
		}
		if d.byteOrder == LITTLE_ENDIAN {
			w = w<<8 | w>>8
		}
		raw = raw<<16 | uint64(w)
	}
	return raw
}

// PayloadBuilder encodes values into registers ready for a write.
type PayloadBuilder struct {
	words     []uint16
	byteOrder ByteOrder
	wordOrder ByteOrder
}

func NewPayloadBuilder(byteOrder, wordOrder ByteOrder) *PayloadBuilder {
	return &PayloadBuilder{
		byteOrder: byteOrder,
		wordOrder: wordOrder,
	}
}

func (b *PayloadBuilder) Add(value float64, wt WireType) error {
	var raw uint64
	switch wt {
	case WIRE_INT16:
		v := math.Trunc(value)
		if v < math.MinInt16 || v > math.MaxInt16 {
			return fmt.Errorf("%w: %v as %s", ErrValueOutOfRange, value, wt)
		}
		raw = uint64(uint16(int16(v)))
	case WIRE_INT32:
		v := math.Trunc(value)
		if v < math.MinInt32 || v > math.MaxInt32 {
			return fmt.Errorf("%w: %v as %s", ErrValueOutOfRange, value, wt)
		}
		raw = uint64(uint32(int32(v)))
	case WIRE_UINT32:
		v := math.Trunc(value)
		if v < 0 || v > math.MaxUint32 {
			return fmt.Errorf("%w: %v as %s", ErrValueOutOfRange, value, wt)
		}
		raw = uint64(uint32(v))
	case WIRE_FLOAT32:
		if math.Abs(value) > math.MaxFloat32 && !math.IsInf(value, 0) {
			return fmt.Errorf("%w: %v as %s", ErrValueOutOfRange, value, wt)
		}
		raw = uint64(math.Float32bits(float32(value)))
	default:
		return unsupported(wt)
	}
	b.words = append(b.words, b.split(raw, int(wt.Words()))...)
	return nil
}

func (b *PayloadBuilder) split(raw uint64, n int) []uint16 {
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		w := uint16(raw >> (16 * (n - 1 - i)))
		if b.byteOrder == LITTLE_ENDIAN {
			w = w<<8 | w>>8
		}
		if b.wordOrder == LITTLE_ENDIAN {
			out[n-1-i] = w
		} else {
			out[i] = w
		}
	}
	return out
}

func (b *PayloadBuilder) Registers() []uint16 {
	return b.words
}

func (b *PayloadBuilder) Reset() {
	b.words = nil
}

// Encode is a one-shot helper over PayloadBuilder.
func Encode[T Number](value T, wt WireType, byteOrder, wordOrder ByteOrder) ([]uint16, error) {
	b := NewPayloadBuilder(byteOrder, wordOrder)
	if err := b.Add(float64(value), wt); err != nil {
		return nil, err
	}
	return b.Registers(), nil
}

// Decode is a one-shot helper over PayloadDecoder.
func Decode(words []uint16, wt WireType, byteOrder, wordOrder ByteOrder) (float64, error) {
	return NewPayloadDecoder(words, byteOrder, wordOrder).Decode(wt)
}
