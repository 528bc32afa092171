package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitLength(t *testing.T) {
	variable, err := NewVariable(0, "some variable", UNSIGNED16, AttributeSdoRw, "0x10")
	assert.Nil(t, err)
	assert.Equal(t, 16, variable.BitLength())

	variable, _ = NewVariable(0, "some string", VISIBLE_STRING, AttributeSdoRw, "abcd")
	assert.Equal(t, 32, variable.BitLength())
}

func TestPhys(t *testing.T) {
	odict := Default()
	variable, err := odict.Index(0x200B).SubIndex(0)
	assert.Nil(t, err)
	assert.Equal(t, 0.1, variable.Factor)
	assert.Equal(t, -40.0, variable.Offset)
	assert.Equal(t, "degC", variable.Unit)

	// Raw 0 scales to the offset
	phys, err := variable.DecodePhys(variable.Value())
	assert.Nil(t, err)
	assert.InDelta(t, -40.0, phys, 0.001)

	// Raw value is rounded to the nearest step
	data, err := variable.EncodePhys(-39.9)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0x01, 0x00}, data)

	phys, err = variable.DecodePhys([]byte{0xE8, 0x03})
	assert.Nil(t, err)
	assert.InDelta(t, 60.0, phys, 0.001)
}

func TestPhysUnscaled(t *testing.T) {
	variable, _ := NewVariable(0, "plain", UNSIGNED16, AttributeSdoRw, "0x64")
	phys, err := variable.DecodePhys(variable.Value())
	assert.Nil(t, err)
	assert.InDelta(t, 100.0, phys, 0.001)
}

func TestDesc(t *testing.T) {
	variable, _ := NewVariable(0, "mode", INTEGER8, AttributeSdoRw, "0x00")
	variable.AddValueDescription(0, "Disabled")
	variable.AddValueDescription(1, "Velocity")
	variable.AddValueDescription(-1, "Fault")

	desc, err := variable.DecodeDesc([]byte{0x01})
	assert.Nil(t, err)
	assert.Equal(t, "Velocity", desc)

	desc, err = variable.DecodeDesc([]byte{0xFF})
	assert.Nil(t, err)
	assert.Equal(t, "Fault", desc)

	_, err = variable.DecodeDesc([]byte{0x05})
	assert.NotNil(t, err)

	data, err := variable.EncodeDesc("Velocity")
	assert.Nil(t, err)
	assert.Equal(t, []byte{0x01}, data)

	_, err = variable.EncodeDesc("Unknown state")
	assert.NotNil(t, err)
}

func TestBits(t *testing.T) {
	variable, _ := NewVariable(0, "status", UNSIGNED16, AttributeSdoRw, "0x0000")
	variable.AddBitDefinition("fault", []int{3})
	variable.AddBitDefinition("mode", []int{9, 8})

	data, err := variable.EncodeBits(variable.Value(), "fault", 1)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0x08, 0x00}, data)

	data, err = variable.EncodeBits(data, "mode", 0b10)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0x08, 0x02}, data)

	value, err := variable.DecodeBits(data, "mode")
	assert.Nil(t, err)
	assert.EqualValues(t, 0b10, value)

	value, err = variable.DecodeBits(data, []int{3})
	assert.Nil(t, err)
	assert.EqualValues(t, 1, value)

	// Other bits are left untouched when encoding
	data, err = variable.EncodeBits(data, "fault", 0)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0x00, 0x02}, data)

	_, err = variable.DecodeBits(data, "unknown")
	assert.NotNil(t, err)
}

func TestCheckLimits(t *testing.T) {
	variable, _ := NewVariable(0, "limited", INTEGER16, AttributeSdoRw, "0")
	// No limits, anything goes
	assert.Nil(t, variable.CheckLimits([]byte{0xF0, 0xFF}))

	variable.lowLimit, _ = EncodeFromString("-100", INTEGER16, 0)
	variable.highLimit, _ = EncodeFromString("100", INTEGER16, 0)
	low, _ := EncodeFromString("-100", INTEGER16, 0)
	high, _ := EncodeFromString("100", INTEGER16, 0)
	assert.Nil(t, variable.CheckLimits(low))
	assert.Nil(t, variable.CheckLimits(high))

	below, _ := EncodeFromString("-101", INTEGER16, 0)
	above, _ := EncodeFromString("101", INTEGER16, 0)
	assert.Equal(t, ErrValueLow, variable.CheckLimits(below))
	assert.Equal(t, ErrValueHigh, variable.CheckLimits(above))

	percentage, _ := NewVariable(0, "percentage", UNSIGNED8, AttributeSdoRw, "0")
	percentage.highLimit = []byte{100}
	assert.Nil(t, percentage.CheckLimits([]byte{100}))
	assert.Equal(t, ErrValueHigh, percentage.CheckLimits([]byte{101}))

	// Limits only apply to numeric objects
	name, _ := NewVariable(0, "name", VISIBLE_STRING, AttributeSdoRw, "ab")
	name.highLimit = []byte{0}
	assert.Nil(t, name.CheckLimits([]byte("abcdef")))
}

func TestRestoreDefault(t *testing.T) {
	variable, _ := NewVariable(0, "some variable", UNSIGNED8, AttributeSdoRw, "0x10")
	variable.SetValue([]byte{0x55})
	assert.Equal(t, []byte{0x55}, variable.Value())
	variable.RestoreDefault()
	assert.Equal(t, []byte{0x10}, variable.Value())
}
