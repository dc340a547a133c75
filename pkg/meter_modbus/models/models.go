// Package models holds the register maps of the supported meters.
package models

import (
	"embed"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	mm "github.com/berfenger/meter2mqtt/pkg/meter_modbus"
	"gopkg.in/yaml.v3"
)

//go:embed *.yaml
var modelFiles embed.FS

type Model struct {
	Name      string
	Baud      uint
	Parity    string
	StopBits  uint
	ByteOrder mm.ByteOrder
	WordOrder mm.ByteOrder
	Registers mm.Directory
}

// NewMeter binds the model to a transport. Caller options override the model defaults.
func (m Model) NewMeter(t mm.Transport, opts ...mm.Option) *mm.Meter {
	return mm.NewMeter(t, m.Registers, append(m.options(), opts...)...)
}

// NewChild binds the model to a unit on the bus of parent.
func (m Model) NewChild(parent *mm.Meter, unit uint8, opts ...mm.Option) *mm.Meter {
	return parent.NewChild(unit, m.Registers, append(m.options(), opts...)...)
}

func (m Model) options() []mm.Option {
	return []mm.Option{
		mm.WithModel(m.Name),
		mm.WithByteOrder(m.ByteOrder),
		mm.WithWordOrder(m.WordOrder),
	}
}

type modelFile struct {
	Model     string                   `yaml:"model"`
	Baud      uint                     `yaml:"baud"`
	Parity    string                   `yaml:"parity"`
	StopBits  uint                     `yaml:"stopbits"`
	ByteOrder string                   `yaml:"byte_order"`
	WordOrder string                   `yaml:"word_order"`
	Registers map[string]registerEntry `yaml:"registers"`
}

type registerEntry struct {
	Address   uint16     `yaml:"address"`
	Length    uint16     `yaml:"length"`
	Kind      string     `yaml:"kind"`
	WireType  string     `yaml:"wire_type"`
	ValueType string     `yaml:"value_type"`
	Label     string     `yaml:"label"`
	Format    yamlFormat `yaml:"format"`
	Batch     uint       `yaml:"batch"`
	Scale     float64    `yaml:"scale"`
}

// yamlFormat accepts a unit string, a list of choices or a map of codes.
type yamlFormat mm.Format

func (f *yamlFormat) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		f.Unit = node.Value
	case yaml.SequenceNode:
		var choices []any
		if err := node.Decode(&choices); err != nil {
			return err
		}
		f.Choices = choices
	case yaml.MappingNode:
		var codes map[string]any
		if err := node.Decode(&codes); err != nil {
			return err
		}
		f.Codes = codes
	default:
		return fmt.Errorf("line %d: unsupported format node", node.Line)
	}
	return nil
}

func Parse(data []byte) (Model, error) {
	var file modelFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Model{}, err
	}
	if file.Model == "" {
		return Model{}, fmt.Errorf("model name is required")
	}
	m := Model{
		Name:      file.Model,
		Baud:      file.Baud,
		Parity:    strings.ToUpper(file.Parity),
		StopBits:  file.StopBits,
		Registers: mm.Directory{},
	}
	var err error
	if m.ByteOrder, err = mm.ParseByteOrder(file.ByteOrder); err != nil {
		return Model{}, fmt.Errorf("%s: %w", file.Model, err)
	}
	if m.WordOrder, err = mm.ParseByteOrder(file.WordOrder); err != nil {
		return Model{}, fmt.Errorf("%s: %w", file.Model, err)
	}
	for key, r := range file.Registers {
		desc, err := r.descriptor()
		if err != nil {
			return Model{}, fmt.Errorf("%s register %q: %w", file.Model, key, err)
		}
		m.Registers[key] = desc
	}
	if err := m.Registers.Validate(); err != nil {
		return Model{}, fmt.Errorf("%s: %w", file.Model, err)
	}
	return m, nil
}

func (r registerEntry) descriptor() (mm.RegisterDescriptor, error) {
	kind, err := mm.ParseRegisterKind(r.Kind)
	if err != nil {
		return mm.RegisterDescriptor{}, err
	}
	wt, err := mm.ParseWireType(r.WireType)
	if err != nil {
		return mm.RegisterDescriptor{}, err
	}
	vt, err := mm.ParseValueType(r.ValueType)
	if err != nil {
		return mm.RegisterDescriptor{}, err
	}
	return mm.RegisterDescriptor{
		Address:     r.Address,
		Length:      r.Length,
		Kind:        kind,
		WireType:    wt,
		ValueType:   vt,
		Label:       r.Label,
		Format:      mm.Format(r.Format),
		BatchGroup:  r.Batch,
		ScaleFactor: r.Scale,
	}, nil
}

func LoadFile(file string) (Model, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return Model{}, err
	}
	return Parse(data)
}

// Catalog indexes models by upper case name.
type Catalog map[string]Model

var (
	builtinOnce sync.Once
	builtin     Catalog
	builtinErr  error
)

// Builtin returns the embedded models. A copy is returned so callers may Add to it.
func Builtin() (Catalog, error) {
	builtinOnce.Do(func() {
		builtin = Catalog{}
		entries, err := modelFiles.ReadDir(".")
		if err != nil {
			builtinErr = err
			return
		}
		for _, e := range entries {
			data, err := modelFiles.ReadFile(path.Join(".", e.Name()))
			if err != nil {
				builtinErr = err
				return
			}
			m, err := Parse(data)
			if err != nil {
				builtinErr = fmt.Errorf("%s: %w", e.Name(), err)
				return
			}
			builtin.Add(m)
		}
	})
	if builtinErr != nil {
		return nil, builtinErr
	}
	out := make(Catalog, len(builtin))
	for k, v := range builtin {
		out[k] = v
	}
	return out, nil
}

func (c Catalog) Add(m Model) {
	c[strings.ToUpper(m.Name)] = m
}

// AddFile parses a model file and adds it, replacing a model of the same name.
func (c Catalog) AddFile(file string) (Model, error) {
	m, err := LoadFile(file)
	if err != nil {
		return Model{}, err
	}
	c.Add(m)
	return m, nil
}

func (c Catalog) Lookup(name string) (Model, error) {
	m, ok := c[strings.ToUpper(name)]
	if !ok {
		return Model{}, fmt.Errorf("unknown meter model %q, expected one of %s", name, strings.Join(c.Names(), ", "))
	}
	return m, nil
}

func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for _, m := range c {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return names
}

// Lookup finds a builtin model by name, case insensitive.
func Lookup(name string) (Model, error) {
	c, err := Builtin()
	if err != nil {
		return Model{}, err
	}
	return c.Lookup(name)
}

func Names() []string {
	c, err := Builtin()
	if err != nil {
		return nil
	}
	return c.Names()
}
