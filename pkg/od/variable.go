package od

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

var regexNodeId = regexp.MustCompile(`\+?\$NODEID\+?`)

// Variable is the main data representation for a value stored inside of OD.
// It is used to store a "VAR" or "DOMAIN" object type as well as
// any sub entry of a "RECORD" or "ARRAY" object type.
type Variable struct {
	mu           sync.RWMutex
	valueDefault []byte
	value        []byte
	// Name of this variable
	Name string
	// The CiA 301 data type of this variable
	DataType byte
	// Attribute contains the access type as well as the mapping
	// information. e.g. AttributeSdoRw | AttributeRpdo
	Attribute uint8
	// The minimum value for this variable
	lowLimit []byte
	// The maximum value for this variable
	highLimit []byte
	// The subindex for this variable if part of an ARRAY or RECORD
	SubIndex uint8
	// Factor and Offset scale between the raw value on the wire
	// and the physical value, i.e. phys = raw*Factor + Offset.
	// A Factor of 0 is treated as 1 (no scaling).
	Factor float64
	Offset float64
	// Unit of the physical value, informational only
	Unit              string
	valueDescriptions map[int64]string
	bitDefinitions    map[string][]int
}

// Value returns a copy of the current value
func (variable *Variable) Value() []byte {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	value := make([]byte, len(variable.value))
	copy(value, variable.value)
	return value
}

// SetValue overwrites the current value without any size or
// attribute check. Checked writes go through the SDO server.
func (variable *Variable) SetValue(value []byte) {
	variable.mu.Lock()
	defer variable.mu.Unlock()
	variable.value = make([]byte, len(value))
	copy(variable.value, value)
}

// DataLength returns the length of the current value in bytes
func (variable *Variable) DataLength() uint32 {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	return uint32(len(variable.value))
}

// DefaultValue returns the default value as a byte slice
func (variable *Variable) DefaultValue() []byte {
	return variable.valueDefault
}

// RestoreDefault resets the current value to the default value
func (variable *Variable) RestoreDefault() {
	variable.mu.Lock()
	defer variable.mu.Unlock()
	variable.value = make([]byte, len(variable.valueDefault))
	copy(variable.value, variable.valueDefault)
}

// BitLength returns the size of this variable in bits
func (variable *Variable) BitLength() int {
	switch variable.DataType {
	case BOOLEAN, UNSIGNED8, INTEGER8:
		return 8
	case UNSIGNED16, INTEGER16:
		return 16
	case UNSIGNED32, INTEGER32, REAL32:
		return 32
	case UNSIGNED64, INTEGER64, REAL64:
		return 64
	default:
		return 8 * int(variable.DataLength())
	}
}

// PDOMappable returns true if this variable may be mapped into a PDO
func (variable *Variable) PDOMappable() bool {
	return variable.Attribute&AttributeTrpdo != 0
}

// CheckLimits verifies that an encoded value respects the low and
// high limits declared in the EDS, when present. Only integer types
// are checked.
func (variable *Variable) CheckLimits(data []byte) error {
	if len(variable.lowLimit) == 0 && len(variable.highLimit) == 0 {
		return nil
	}
	switch variable.DataType {
	case INTEGER8, INTEGER16, INTEGER32, INTEGER64:
		value, err := decodeSignedValue(data, variable.DataType)
		if err != nil {
			return err
		}
		if len(variable.lowLimit) > 0 {
			if low, err := decodeSignedValue(variable.lowLimit, variable.DataType); err == nil && value < low {
				return ErrValueLow
			}
		}
		if len(variable.highLimit) > 0 {
			if high, err := decodeSignedValue(variable.highLimit, variable.DataType); err == nil && value > high {
				return ErrValueHigh
			}
		}
	case BOOLEAN, UNSIGNED8, UNSIGNED16, UNSIGNED32, UNSIGNED64:
		value, err := uintFromBytes(data)
		if err != nil {
			return err
		}
		if len(variable.lowLimit) > 0 {
			if low, err := uintFromBytes(variable.lowLimit); err == nil && value < low {
				return ErrValueLow
			}
		}
		if len(variable.highLimit) > 0 {
			if high, err := uintFromBytes(variable.highLimit); err == nil && value > high {
				return ErrValueHigh
			}
		}
	}
	return nil
}

func (variable *Variable) clone() *Variable {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	value := make([]byte, len(variable.value))
	copy(value, variable.value)
	valueDefault := make([]byte, len(variable.valueDefault))
	copy(valueDefault, variable.valueDefault)
	return &Variable{
		valueDefault:      valueDefault,
		value:             value,
		Name:              variable.Name,
		DataType:          variable.DataType,
		Attribute:         variable.Attribute,
		lowLimit:          variable.lowLimit,
		highLimit:         variable.highLimit,
		SubIndex:          variable.SubIndex,
		Factor:            variable.Factor,
		Offset:            variable.Offset,
		Unit:              variable.Unit,
		valueDescriptions: variable.valueDescriptions,
		bitDefinitions:    variable.bitDefinitions,
	}
}

// AddValueDescription associates a raw value with a string description
func (variable *Variable) AddValueDescription(value int64, description string) {
	if variable.valueDescriptions == nil {
		variable.valueDescriptions = map[int64]string{}
	}
	variable.valueDescriptions[value] = description
}

// AddBitDefinition associates one or several bit positions with a name
func (variable *Variable) AddBitDefinition(name string, bits []int) {
	if variable.bitDefinitions == nil {
		variable.bitDefinitions = map[string][]int{}
	}
	variable.bitDefinitions[name] = bits
}

// BitDefinition returns the bit positions registered under a name
func (variable *Variable) BitDefinition(name string) ([]int, bool) {
	bits, ok := variable.bitDefinitions[name]
	return bits, ok
}

func (variable *Variable) factor() float64 {
	if variable.Factor == 0 {
		return 1
	}
	return variable.Factor
}

// DecodePhys converts encoded data into the physical value,
// i.e. phys = raw*factor + offset. Only integer types are scaled,
// reals are returned as is.
func (variable *Variable) DecodePhys(data []byte) (float64, error) {
	value, err := DecodeToType(data, variable.DataType)
	if err != nil {
		return 0, err
	}
	switch raw := value.(type) {
	case uint64:
		return float64(raw)*variable.factor() + variable.Offset, nil
	case int64:
		return float64(raw)*variable.factor() + variable.Offset, nil
	case float64:
		return raw, nil
	default:
		return 0, ErrTypeMismatch
	}
}

// EncodePhys converts a physical value to encoded data,
// i.e. raw = round((phys - offset) / factor)
func (variable *Variable) EncodePhys(phys float64) ([]byte, error) {
	switch variable.DataType {
	case REAL32, REAL64:
		return EncodeFromString(strconv.FormatFloat(phys, 'f', -1, 64), variable.DataType, 0)
	}
	raw := int64(math.Round((phys - variable.Offset) / variable.factor()))
	return EncodeFromString(strconv.FormatInt(raw, 10), variable.DataType, 0)
}

// DecodeDesc converts encoded data into its registered string description
func (variable *Variable) DecodeDesc(data []byte) (string, error) {
	if len(variable.valueDescriptions) == 0 {
		return "", fmt.Errorf("no value descriptions for %v", variable.Name)
	}
	raw, err := decodeSignedValue(data, variable.DataType)
	if err != nil {
		return "", err
	}
	description, ok := variable.valueDescriptions[raw]
	if !ok {
		return "", fmt.Errorf("no value description for %v", raw)
	}
	return description, nil
}

// EncodeDesc converts a string description back into encoded data
func (variable *Variable) EncodeDesc(description string) ([]byte, error) {
	for value, other := range variable.valueDescriptions {
		if other == description {
			return EncodeFromString(strconv.FormatInt(value, 10), variable.DataType, 0)
		}
	}
	valid := make([]string, 0, len(variable.valueDescriptions))
	for _, other := range variable.valueDescriptions {
		valid = append(valid, other)
	}
	sort.Strings(valid)
	return nil, fmt.Errorf("no value corresponds to %q, valid values are %v", description, strings.Join(valid, ", "))
}

// DecodeBits extracts the given bit positions from the encoded data,
// shifted down so that the lowest given position becomes bit 0.
// bits is either a name registered with [Variable.AddBitDefinition]
// or a list of positions.
func (variable *Variable) DecodeBits(data []byte, bits any) (uint64, error) {
	positions, err := variable.bitPositions(bits)
	if err != nil {
		return 0, err
	}
	raw, err := uintFromBytes(data)
	if err != nil {
		return 0, err
	}
	mask, lowest := bitMask(positions)
	return (raw & mask) >> lowest, nil
}

// EncodeBits sets the given bit positions inside the encoded data
// to value, leaving all other bits untouched
func (variable *Variable) EncodeBits(data []byte, bits any, value uint64) ([]byte, error) {
	positions, err := variable.bitPositions(bits)
	if err != nil {
		return nil, err
	}
	raw, err := uintFromBytes(data)
	if err != nil {
		return nil, err
	}
	mask, lowest := bitMask(positions)
	raw &= ^mask
	raw |= (value << lowest) & mask
	return bytesFromUint(raw, len(data)), nil
}

func (variable *Variable) bitPositions(bits any) ([]int, error) {
	switch b := bits.(type) {
	case string:
		positions, ok := variable.bitDefinitions[b]
		if !ok {
			return nil, fmt.Errorf("no bit definition %q for %v", b, variable.Name)
		}
		return positions, nil
	case []int:
		if len(b) == 0 {
			return nil, ErrDevIncompat
		}
		return b, nil
	case int:
		return []int{b}, nil
	default:
		return nil, ErrDevIncompat
	}
}

func bitMask(positions []int) (mask uint64, lowest int) {
	lowest = positions[0]
	for _, position := range positions {
		mask |= 1 << position
		if position < lowest {
			lowest = position
		}
	}
	return mask, lowest
}

// NewVariable creates a variable with an EDS string value e.g. "0x10"
func NewVariable(
	subindex uint8,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Variable, error) {
	encoded, err := EncodeFromString(value, datatype, 0)
	if err != nil {
		return nil, err
	}
	encodedCopy := make([]byte, len(encoded))
	copy(encodedCopy, encoded)
	variable := &Variable{
		SubIndex:     subindex,
		Name:         name,
		value:        encoded,
		valueDefault: encodedCopy,
		Attribute:    attribute,
		DataType:     datatype,
		Factor:       1,
	}
	return variable, nil
}

// NewVariableFromSection creates a variable from an EDS / DCF ini section
func NewVariableFromSection(
	section *ini.Section,
	name string,
	nodeId uint8,
	index uint16,
	subindex uint8,
) (*Variable, error) {

	variable := &Variable{
		Name:     name,
		SubIndex: subindex,
		Factor:   1,
	}

	// Get AccessType
	accessType, err := section.GetKey("AccessType")
	if err != nil {
		return nil, fmt.Errorf("failed to get 'AccessType' for %x : %x", index, subindex)
	}

	// Get PDOMapping to know if pdo mappable
	var pdoMapping bool
	if pM, err := section.GetKey("PDOMapping"); err == nil {
		pdoMapping, err = pM.Bool()
		if err != nil {
			return nil, err
		}
	} else {
		pdoMapping = true
	}

	dataType, err := strconv.ParseInt(section.Key("DataType").Value(), 0, 16)
	if err != nil {
		return nil, fmt.Errorf("failed to parse 'DataType' for %x : %x, because %v", index, subindex, err)
	}
	variable.DataType = byte(dataType)
	variable.Attribute = EncodeAttribute(accessType.String(), pdoMapping, variable.DataType)

	if highLimit, err := section.GetKey("HighLimit"); err == nil {
		variable.highLimit, err = EncodeFromString(highLimit.Value(), variable.DataType, 0)
		if err != nil {
			log.Warnf("[OD] error parsing HighLimit for x%x|x%x : %v", index, subindex, err)
		}
	}

	if lowLimit, err := section.GetKey("LowLimit"); err == nil {
		variable.lowLimit, err = EncodeFromString(lowLimit.Value(), variable.DataType, 0)
		if err != nil {
			log.Warnf("[OD] error parsing LowLimit for x%x|x%x : %v", index, subindex, err)
		}
	}

	if factor, err := section.GetKey("Factor"); err == nil {
		variable.Factor, err = factor.Float64()
		if err != nil {
			log.Warnf("[OD] error parsing Factor for x%x|x%x : %v", index, subindex, err)
			variable.Factor = 1
		}
	}

	if offset, err := section.GetKey("Offset"); err == nil {
		variable.Offset, err = offset.Float64()
		if err != nil {
			log.Warnf("[OD] error parsing Offset for x%x|x%x : %v", index, subindex, err)
		}
	}

	if unit, err := section.GetKey("Unit"); err == nil {
		variable.Unit = unit.Value()
	}

	if defaultValue, err := section.GetKey("DefaultValue"); err == nil {
		variable.valueDefault, err = encodeEdsValue(defaultValue.Value(), variable.DataType, nodeId)
		if err != nil {
			return nil, fmt.Errorf("failed to parse 'DefaultValue' for x%x|x%x, because %v (datatype :x%x)", index, subindex, err, variable.DataType)
		}
		variable.value = make([]byte, len(variable.valueDefault))
		copy(variable.value, variable.valueDefault)
	}

	// A DCF may override the actual value, the default is kept as is
	if parameterValue, err := section.GetKey("ParameterValue"); err == nil {
		variable.value, err = encodeEdsValue(parameterValue.Value(), variable.DataType, nodeId)
		if err != nil {
			return nil, fmt.Errorf("failed to parse 'ParameterValue' for x%x|x%x, because %v (datatype :x%x)", index, subindex, err, variable.DataType)
		}
	}

	return variable, nil
}

// Encode an EDS value string, applying any $NODEID offset
func encodeEdsValue(value string, datatype uint8, nodeId uint8) ([]byte, error) {
	if strings.Contains(value, "$NODEID") {
		value = regexNodeId.ReplaceAllString(value, "")
	} else {
		nodeId = 0
	}
	return EncodeFromString(value, datatype, nodeId)
}
