package pdo

import (
	"github.com/christiansandberg/canopen/pkg/od"
)

// Variable is one object dictionary variable mapped into a [Map]
// payload. Reads and writes go through the payload bytes of the map,
// the value stored in the local dictionary is not touched.
type Variable struct {
	pdoMap *Map
	od     *od.Variable
	name   string
	// Index and SubIndex of the mapped object
	Index    uint16
	SubIndex uint8
	offset   int // position of the first bit inside the payload
	length   int // mapped size in bits
}

// Name returns the qualified dictionary name, e.g. "Identity.VendorId"
func (variable *Variable) Name() string {
	return variable.name
}

// Offset returns the position of the first bit inside the payload
func (variable *Variable) Offset() int {
	return variable.offset
}

// BitLength returns the mapped size in bits
func (variable *Variable) BitLength() int {
	return variable.length
}

func (variable *Variable) signed() bool {
	if variable.od == nil {
		return false
	}
	switch variable.od.DataType {
	case od.INTEGER8, od.INTEGER16, od.INTEGER32, od.INTEGER64:
		return true
	}
	return false
}

// Data extracts the bits of this variable from the payload. Values
// mapped shorter than their dictionary type are widened to the type
// size, with sign extension for the signed integer types.
func (variable *Variable) Data() []byte {
	pdoMap := variable.pdoMap
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	return variable.dataLocked()
}

func (variable *Variable) dataLocked() []byte {
	size := (variable.length + 7) / 8
	if variable.od != nil {
		if odSize := (variable.od.BitLength() + 7) / 8; odSize > size {
			size = odSize
		}
	}
	out := make([]byte, size)
	copyBits(out, 0, variable.pdoMap.data, variable.offset, variable.length)
	if variable.signed() && variable.length > 0 && variable.length < size*8 {
		top := variable.length - 1
		if out[top/8]&(1<<uint(top%8)) != 0 {
			for i := variable.length; i < size*8; i++ {
				out[i/8] |= 1 << uint(i%8)
			}
		}
	}
	return out
}

// SetData writes the low bits of data into the payload slice of this
// variable and triggers an update of the map, which transmits event
// driven maps the host produces. Bits beyond the mapped length are
// ignored.
func (variable *Variable) SetData(data []byte) error {
	pdoMap := variable.pdoMap
	pdoMap.mu.Lock()
	if needed := (variable.offset + variable.length + 7) / 8; len(pdoMap.data) < needed {
		grown := make([]byte, needed)
		copy(grown, pdoMap.data)
		pdoMap.data = grown
	}
	copyBits(pdoMap.data, variable.offset, data, 0, variable.length)
	pdoMap.mu.Unlock()
	return pdoMap.Update()
}

// Phys returns the payload value scaled with the factor and offset of
// the dictionary entry
func (variable *Variable) Phys() (float64, error) {
	if variable.od == nil {
		return 0, ErrNoSuchEntry
	}
	return variable.od.DecodePhys(variable.Data())
}

// SetPhys scales a physical value and writes it into the payload
func (variable *Variable) SetPhys(phys float64) error {
	if variable.od == nil {
		return ErrNoSuchEntry
	}
	data, err := variable.od.EncodePhys(phys)
	if err != nil {
		return err
	}
	return variable.SetData(data)
}
