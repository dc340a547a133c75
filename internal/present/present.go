// Package present renders meter readings for humans and scripts.
package present

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	mm "github.com/berfenger/meter2mqtt/pkg/meter_modbus"
)

// FormatValue renders value with the register format. List formats are indexed
// by the integer value, map formats are keyed by its hex string (0x1f).
func FormatValue(desc mm.RegisterDescriptor, value float64) string {
	f := desc.Format
	switch {
	case f.Choices != nil:
		idx := int(value)
		if idx >= 0 && idx < len(f.Choices) && float64(idx) == value {
			return fmt.Sprint(f.Choices[idx])
		}
		return formatNumber(desc, value)
	case f.Codes != nil:
		code := fmt.Sprintf("%#x", int64(value))
		if v, ok := f.Codes[code]; ok {
			return fmt.Sprint(v)
		}
		return code
	default:
		return strings.TrimSpace(formatNumber(desc, value) + " " + f.Unit)
	}
}

func formatNumber(desc mm.RegisterDescriptor, value float64) string {
	if desc.ValueType == mm.VALUE_INT && value == math.Trunc(value) && desc.Scale() >= 1 {
		return fmt.Sprintf("%d", int64(value))
	}
	return fmt.Sprintf("%.2f", value)
}

// Text writes "label: value unit" lines for the keys of kind found in values.
func Text(w io.Writer, dir mm.Directory, kind mm.RegisterKind, values map[string]float64) error {
	for _, key := range dir.Keys(kind) {
		value, ok := values[key]
		if !ok {
			continue
		}
		desc := dir[key]
		label := desc.Label
		if label == "" {
			label = key
		}
		if _, err := fmt.Fprintf(w, "\t%s: %s\n", label, FormatValue(desc, value)); err != nil {
			return err
		}
	}
	return nil
}

// Reading is the JSON shape of one meter snapshot.
type Reading struct {
	Meter   string             `json:"meter,omitempty"`
	Input   map[string]float64 `json:"input,omitempty"`
	Holding map[string]float64 `json:"holding,omitempty"`
	Errors  []string           `json:"errors,omitempty"`
}

func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(v)
}
