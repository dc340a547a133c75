package meter_modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirectoryKeysOrder(t *testing.T) {
	assert := assert.New(t)

	keys := testDirectory().Keys(INPUT_REGISTER)
	assert.Equal([]string{"voltage", "current", "energy", "pf"}, keys)

	keys = testDirectory().Keys(HOLDING_REGISTER)
	assert.Equal([]string{"demand_time", "counter", "limit"}, keys)
}

func TestDirectoryValidate(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(testDirectory().Validate())

	dir := testDirectory()
	dir["overlap"] = RegisterDescriptor{Address: 0x0001, Length: 2, Kind: INPUT_REGISTER, WireType: WIRE_FLOAT32, BatchGroup: 1}
	assert.Error(dir.Validate())

	dir = testDirectory()
	dir["far"] = RegisterDescriptor{Address: 0x0100, Length: 2, Kind: INPUT_REGISTER, WireType: WIRE_FLOAT32, BatchGroup: 1}
	assert.Error(dir.Validate())

	dir = testDirectory()
	dir["short"] = RegisterDescriptor{Address: 0x0400, Length: 1, Kind: INPUT_REGISTER, WireType: WIRE_FLOAT32, BatchGroup: 7}
	assert.Error(dir.Validate())

	dir = testDirectory()
	dir["nogroup"] = RegisterDescriptor{Address: 0x0400, Length: 2, Kind: INPUT_REGISTER, WireType: WIRE_FLOAT32}
	assert.Error(dir.Validate())

	// the same address in both kinds is fine
	dir = testDirectory()
	dir["shadow"] = RegisterDescriptor{Address: 0x0000, Length: 2, Kind: HOLDING_REGISTER, WireType: WIRE_FLOAT32, BatchGroup: 4}
	assert.NoError(dir.Validate())
}

func TestParseEnums(t *testing.T) {
	assert := assert.New(t)

	wt, err := ParseWireType("FLOAT32")
	assert.NoError(err)
	assert.Equal(WIRE_FLOAT32, wt)
	_, err = ParseWireType("float128")
	assert.Error(err)

	kind, err := ParseRegisterKind("holding")
	assert.NoError(err)
	assert.Equal(HOLDING_REGISTER, kind)

	vt, err := ParseValueType("int")
	assert.NoError(err)
	assert.Equal(-3.0, vt.Convert(-3.9))
	assert.Equal(2.5, VALUE_FLOAT.Convert(2.5))
}
