package od

import (
	"encoding/binary"
	"math"
	"strconv"
)

// EncodeFromString encodes an EDS value string into bytes respecting
// the CANopen datatype. offset is added to numerical values, it is
// used for the $NODEID shift inside of default values.
func EncodeFromString(value string, datatype uint8, offset uint8) ([]byte, error) {

	var data []byte
	var err error
	var parsedInt int64
	var parsedUint uint64

	switch datatype {
	case VISIBLE_STRING, OCTET_STRING, UNICODE_STRING:
		return []byte(value), nil
	case DOMAIN:
		return []byte{}, nil
	}

	if value == "" {
		// Treat empty string as a 0 value for numerical types
		value = "0"
	}

	switch datatype {
	case BOOLEAN, UNSIGNED8:
		parsedUint, err = strconv.ParseUint(value, 0, 8)
		data = []byte{byte(uint8(parsedUint + uint64(offset)))}

	case INTEGER8:
		parsedInt, err = strconv.ParseInt(value, 0, 8)
		data = []byte{byte(parsedInt + int64(offset))}

	case UNSIGNED16:
		parsedUint, err = strconv.ParseUint(value, 0, 16)
		data = make([]byte, 2)
		binary.LittleEndian.PutUint16(data, uint16(parsedUint+uint64(offset)))

	case INTEGER16:
		parsedInt, err = strconv.ParseInt(value, 0, 16)
		data = make([]byte, 2)
		binary.LittleEndian.PutUint16(data, uint16(parsedInt+int64(offset)))

	case UNSIGNED32:
		parsedUint, err = strconv.ParseUint(value, 0, 32)
		data = make([]byte, 4)
		binary.LittleEndian.PutUint32(data, uint32(parsedUint+uint64(offset)))

	case INTEGER32:
		parsedInt, err = strconv.ParseInt(value, 0, 32)
		data = make([]byte, 4)
		binary.LittleEndian.PutUint32(data, uint32(parsedInt+int64(offset)))

	case REAL32:
		var parsedFloat float64
		parsedFloat, err = strconv.ParseFloat(value, 32)
		data = make([]byte, 4)
		binary.LittleEndian.PutUint32(data, math.Float32bits(float32(parsedFloat)))

	case UNSIGNED64:
		parsedUint, err = strconv.ParseUint(value, 0, 64)
		data = make([]byte, 8)
		binary.LittleEndian.PutUint64(data, parsedUint+uint64(offset))

	case INTEGER64:
		parsedInt, err = strconv.ParseInt(value, 0, 64)
		data = make([]byte, 8)
		binary.LittleEndian.PutUint64(data, uint64(parsedInt+int64(offset)))

	case REAL64:
		var parsedFloat float64
		parsedFloat, err = strconv.ParseFloat(value, 64)
		data = make([]byte, 8)
		binary.LittleEndian.PutUint64(data, math.Float64bits(parsedFloat))

	default:
		return nil, ErrTypeMismatch
	}
	return data, err
}

// EncodeFromType encodes a generic Go value into bytes. Integers and
// floats are encoded little endian in their natural width, strings and
// byte slices are passed through.
func EncodeFromType(data any) ([]byte, error) {
	switch val := data.(type) {
	case bool:
		if val {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case uint8:
		return []byte{val}, nil
	case int8:
		return []byte{byte(val)}, nil
	case uint16:
		encoded := make([]byte, 2)
		binary.LittleEndian.PutUint16(encoded, val)
		return encoded, nil
	case int16:
		encoded := make([]byte, 2)
		binary.LittleEndian.PutUint16(encoded, uint16(val))
		return encoded, nil
	case uint32:
		encoded := make([]byte, 4)
		binary.LittleEndian.PutUint32(encoded, val)
		return encoded, nil
	case int32:
		encoded := make([]byte, 4)
		binary.LittleEndian.PutUint32(encoded, uint32(val))
		return encoded, nil
	case uint64:
		encoded := make([]byte, 8)
		binary.LittleEndian.PutUint64(encoded, val)
		return encoded, nil
	case int64:
		encoded := make([]byte, 8)
		binary.LittleEndian.PutUint64(encoded, uint64(val))
		return encoded, nil
	case float32:
		encoded := make([]byte, 4)
		binary.LittleEndian.PutUint32(encoded, math.Float32bits(val))
		return encoded, nil
	case float64:
		encoded := make([]byte, 8)
		binary.LittleEndian.PutUint64(encoded, math.Float64bits(val))
		return encoded, nil
	case string:
		return []byte(val), nil
	case []byte:
		return val, nil
	default:
		return nil, ErrTypeMismatch
	}
}

// EncodeFromGeneric encodes a generic Go value into bytes honoring the
// width of the given CANopen datatype, e.g. an int given for an
// UNSIGNED8 object encodes to a single byte. Values outside of the
// datatype range return ErrValueHigh or ErrValueLow.
func EncodeFromGeneric(value any, dataType uint8) ([]byte, error) {
	switch val := value.(type) {
	case string:
		return EncodeFromString(val, dataType, 0)
	case []byte:
		return val, nil
	case bool:
		if val {
			return encodeUnsigned(1, dataType)
		}
		return encodeUnsigned(0, dataType)
	case uint:
		return encodeUnsigned(uint64(val), dataType)
	case uint8:
		return encodeUnsigned(uint64(val), dataType)
	case uint16:
		return encodeUnsigned(uint64(val), dataType)
	case uint32:
		return encodeUnsigned(uint64(val), dataType)
	case uint64:
		return encodeUnsigned(val, dataType)
	case int:
		return encodeSigned(int64(val), dataType)
	case int8:
		return encodeSigned(int64(val), dataType)
	case int16:
		return encodeSigned(int64(val), dataType)
	case int32:
		return encodeSigned(int64(val), dataType)
	case int64:
		return encodeSigned(val, dataType)
	case float32:
		return encodeFloat(float64(val), dataType)
	case float64:
		return encodeFloat(val, dataType)
	default:
		return nil, ErrTypeMismatch
	}
}

func encodeUnsigned(value uint64, dataType uint8) ([]byte, error) {
	var size int
	switch dataType {
	case BOOLEAN, UNSIGNED8:
		size = 1
	case UNSIGNED16:
		size = 2
	case UNSIGNED32:
		size = 4
	case UNSIGNED64:
		size = 8
	case INTEGER8, INTEGER16, INTEGER32, INTEGER64:
		if value > math.MaxInt64 {
			return nil, ErrValueHigh
		}
		return encodeSigned(int64(value), dataType)
	case REAL32, REAL64:
		return encodeFloat(float64(value), dataType)
	default:
		return nil, ErrTypeMismatch
	}
	if size < 8 && value >= uint64(1)<<(size*8) {
		return nil, ErrValueHigh
	}
	return bytesFromUint(value, size), nil
}

func encodeSigned(value int64, dataType uint8) ([]byte, error) {
	var min, max int64
	var size int
	switch dataType {
	case INTEGER8:
		min, max, size = math.MinInt8, math.MaxInt8, 1
	case INTEGER16:
		min, max, size = math.MinInt16, math.MaxInt16, 2
	case INTEGER32:
		min, max, size = math.MinInt32, math.MaxInt32, 4
	case INTEGER64:
		min, max, size = math.MinInt64, math.MaxInt64, 8
	case BOOLEAN, UNSIGNED8, UNSIGNED16, UNSIGNED32, UNSIGNED64:
		if value < 0 {
			return nil, ErrValueLow
		}
		return encodeUnsigned(uint64(value), dataType)
	case REAL32, REAL64:
		return encodeFloat(float64(value), dataType)
	default:
		return nil, ErrTypeMismatch
	}
	if value < min {
		return nil, ErrValueLow
	}
	if value > max {
		return nil, ErrValueHigh
	}
	return bytesFromUint(uint64(value), size), nil
}

func encodeFloat(value float64, dataType uint8) ([]byte, error) {
	switch dataType {
	case REAL32:
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, math.Float32bits(float32(value)))
		return data, nil
	case REAL64:
		data := make([]byte, 8)
		binary.LittleEndian.PutUint64(data, math.Float64bits(value))
		return data, nil
	default:
		return nil, ErrTypeMismatch
	}
}

// CheckSize checks consistency between length and datatype
func CheckSize(length int, dataType uint8) error {
	switch dataType {
	case BOOLEAN, UNSIGNED8, INTEGER8:
		if length < 1 {
			return ErrDataShort
		} else if length > 1 {
			return ErrDataLong
		}
	case UNSIGNED16, INTEGER16:
		if length < 2 {
			return ErrDataShort
		} else if length > 2 {
			return ErrDataLong
		}
	case UNSIGNED32, INTEGER32, REAL32:
		if length < 4 {
			return ErrDataShort
		} else if length > 4 {
			return ErrDataLong
		}
	case UNSIGNED64, INTEGER64, REAL64:
		if length < 8 {
			return ErrDataShort
		} else if length > 8 {
			return ErrDataLong
		}
	// All other datatypes, no size check
	default:
		return nil
	}
	return nil
}

// DecodeToType decodes a byte array given the CANopen data type.
// The returned value is either string, int64, uint64 or float64.
func DecodeToType(data []byte, dataType uint8) (v any, e error) {
	e = CheckSize(len(data), dataType)
	if e != nil {
		return nil, e
	}
	switch dataType {
	case BOOLEAN, UNSIGNED8:
		return uint64(data[0]), nil
	case INTEGER8:
		return int64(int8(data[0])), nil
	case UNSIGNED16:
		return uint64(binary.LittleEndian.Uint16(data)), nil
	case INTEGER16:
		return int64(int16(binary.LittleEndian.Uint16(data))), nil
	case UNSIGNED32:
		return uint64(binary.LittleEndian.Uint32(data)), nil
	case INTEGER32:
		return int64(int32(binary.LittleEndian.Uint32(data))), nil
	case UNSIGNED64:
		return binary.LittleEndian.Uint64(data), nil
	case INTEGER64:
		return int64(binary.LittleEndian.Uint64(data)), nil
	case REAL32:
		parsed := binary.LittleEndian.Uint32(data)
		return float64(math.Float32frombits(parsed)), nil
	case REAL64:
		parsed := binary.LittleEndian.Uint64(data)
		return math.Float64frombits(parsed), nil
	case VISIBLE_STRING, OCTET_STRING, UNICODE_STRING:
		return string(data), nil
	case DOMAIN:
		return string(data), nil
	default:
		return nil, ErrTypeMismatch
	}
}

// DecodeToString decodes a byte array into a human readable string,
// numerical values are formatted in the given base.
func DecodeToString(data []byte, dataType uint8, base int) (string, error) {
	value, err := DecodeToType(data, dataType)
	if err != nil {
		return "", err
	}
	switch val := value.(type) {
	case uint64:
		return strconv.FormatUint(val, base), nil
	case int64:
		return strconv.FormatInt(val, base), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case string:
		return val, nil
	default:
		return "", ErrTypeMismatch
	}
}

// decodeSignedValue decodes any integer datatype into an int64, used
// for value description lookups where the sign matters but not the width.
func decodeSignedValue(data []byte, dataType uint8) (int64, error) {
	value, err := DecodeToType(data, dataType)
	if err != nil {
		return 0, err
	}
	switch val := value.(type) {
	case uint64:
		return int64(val), nil
	case int64:
		return val, nil
	default:
		return 0, ErrTypeMismatch
	}
}

// uintFromBytes reads up to 8 little endian bytes into a uint64
func uintFromBytes(data []byte) (uint64, error) {
	if len(data) > 8 {
		return 0, ErrDataLong
	}
	var padded [8]byte
	copy(padded[:], data)
	return binary.LittleEndian.Uint64(padded[:]), nil
}

// bytesFromUint writes a uint64 into size little endian bytes
func bytesFromUint(value uint64, size int) []byte {
	var padded [8]byte
	binary.LittleEndian.PutUint64(padded[:], value)
	if size > 8 {
		size = 8
	}
	data := make([]byte, size)
	copy(data, padded[:size])
	return data
}

// EncodeAttribute builds the attribute from the EDS access type and
// pdo mapping information
func EncodeAttribute(accessType string, pdoMapping bool, dataType uint8) uint8 {
	var attribute uint8

	switch accessType {
	case "rw":
		attribute = AttributeSdoRw
	case "ro", "const":
		attribute = AttributeSdoR
	case "wo":
		attribute = AttributeSdoW
	default:
		attribute = AttributeSdoRw
	}
	if pdoMapping {
		attribute |= AttributeTrpdo
	}
	if dataType == VISIBLE_STRING || dataType == OCTET_STRING || dataType == UNICODE_STRING {
		attribute |= AttributeStr
	}
	return attribute
}

// DecodeAttribute returns the EDS access type string for an attribute
func DecodeAttribute(attribute uint8) string {
	switch {
	case attribute&AttributeSdoRw == AttributeSdoRw:
		return "rw"
	case attribute&AttributeSdoR > 0:
		return "ro"
	case attribute&AttributeSdoW > 0:
		return "wo"
	default:
		return "rw"
	}
}
