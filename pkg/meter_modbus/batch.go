package meter_modbus

import (
	"errors"

	"go.uber.org/zap"
)

// batchPlan is one contiguous read covering every key of a batch group.
type batchPlan struct {
	kind  RegisterKind
	group uint
	start uint16
	count uint16
	keys  []string
}

// planBatches groups keys of kind by batch group. Groups are scanned from 1 up to
// the highest group present; empty groups are skipped.
func planBatches(dir Directory, kind RegisterKind) []batchPlan {
	byGroup := map[uint][]string{}
	var maxGroup uint
	for _, k := range dir.Keys(kind) {
		g := dir[k].BatchGroup
		byGroup[g] = append(byGroup[g], k)
		if g > maxGroup {
			maxGroup = g
		}
	}

	var plans []batchPlan
	for g := uint(1); g <= maxGroup; g++ {
		keys := byGroup[g]
		if len(keys) == 0 {
			continue
		}
		start := dir[keys[0]].Address
		var end uint32
		for _, k := range keys {
			if e := dir[k].End(); e > end {
				end = e
			}
		}
		plans = append(plans, batchPlan{
			kind:  kind,
			group: g,
			start: start,
			count: uint16(end - uint32(start)),
			keys:  keys,
		})
	}
	return plans
}

// ReadAll reads every register of kind, one transaction per batch group.
// Groups lost to I/O failures are left out of the result and only reported
// when the meter is strict. Registers with unsupported wire types are always
// reported, the rest of their group is still decoded.
func (m *Meter) ReadAll(kind RegisterKind, scaled bool) (map[string]float64, error) {
	results := map[string]float64{}
	var errs []error
	for _, plan := range planBatches(m.registers, kind) {
		values, err := m.readBatch(plan, scaled)
		for k, v := range values {
			results[k] = v
		}
		if err == nil {
			continue
		}
		if errors.Is(err, ErrIOFailure) && !m.strict {
			m.logger.Warn("batch read failed", zap.Stringer("kind", kind), zap.Uint("group", plan.group), zap.Error(err))
			continue
		}
		errs = append(errs, err)
	}
	return results, errors.Join(errs...)
}

func (m *Meter) readBatch(plan batchPlan, scaled bool) (map[string]float64, error) {
	var skipped []error
	for _, k := range plan.keys {
		if wt := m.registers[k].WireType; wt.Words() == 0 {
			skipped = append(skipped, &RegisterError{Key: k, Err: unsupported(wt)})
		}
	}
	if len(skipped) == len(plan.keys) {
		return nil, &BatchError{Kind: plan.kind, Group: plan.group, Err: errors.Join(skipped...)}
	}

	words, err := m.retry.readRegisters(m.bus, plan.kind, plan.start, plan.count, m.unit, m.instrument)
	if err != nil {
		return nil, &BatchError{Kind: plan.kind, Group: plan.group, Err: err}
	}

	out := make(map[string]float64, len(plan.keys))
	decoder := NewPayloadDecoder(words, m.byteOrder, m.wordOrder)
	cursor := plan.start
	for _, k := range plan.keys {
		desc := m.registers[k]
		if err := decoder.Skip(desc.Address - cursor); err != nil {
			return out, &BatchError{Kind: plan.kind, Group: plan.group, Err: &RegisterError{Key: k, Err: err}}
		}
		cursor = desc.Address + desc.Length

		n := desc.WireType.Words()
		if n == 0 {
			if err := decoder.Skip(desc.Length); err != nil {
				return out, &BatchError{Kind: plan.kind, Group: plan.group, Err: &RegisterError{Key: k, Err: err}}
			}
			continue
		}
		value, err := decoder.Decode(desc.WireType)
		if err == nil && desc.Length > n {
			err = decoder.Skip(desc.Length - n)
		}
		if err != nil {
			return out, &BatchError{Kind: plan.kind, Group: plan.group, Err: &RegisterError{Key: k, Err: err}}
		}
		value = desc.ValueType.Convert(value)
		if scaled {
			value *= desc.Scale()
		}
		out[k] = value
	}

	if len(skipped) > 0 {
		return out, &BatchError{Kind: plan.kind, Group: plan.group, Err: errors.Join(skipped...)}
	}
	return out, nil
}
