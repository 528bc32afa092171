package od

import (
	"embed"
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/ini.v1"
)

//go:embed base.eds
var f embed.FS
var rawDefaultOd []byte

// Index & subindex section matching, an entry section looks like
// [1018] and a sub entry section like [1018sub1]
var matchIdxRegExp = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
var matchSubidxRegExp = regexp.MustCompile(`^([0-9A-Fa-f]{4})[Ss]ub([0-9A-Fa-f]+)$`)

// Default returns the embedded default object dictionary, which
// contains the communication profile area of a generic CiA 301 device.
func Default() *ObjectDictionary {
	defaultOd, err := Parse(rawDefaultOd, 0)
	if err != nil {
		panic(err)
	}
	return defaultOd
}

// Parse an EDS or DCF file.
// file can be a path, an *os.File, an io.ReadCloser or a []byte.
// nodeId is used to resolve $NODEID expressions inside default values.
// If nodeId is 0 and the file is a DCF with a [DeviceComissioning]
// section, the node id is taken from there instead.
func Parse(file any, nodeId uint8) (*ObjectDictionary, error) {
	edsFile, err := ini.Load(file)
	if err != nil {
		return nil, err
	}
	odict := NewOD()

	// DCF files carry the concrete node id and bitrate
	if section, err := edsFile.GetSection("DeviceComissioning"); err == nil {
		if key, err := section.GetKey("NodeID"); err == nil {
			parsed, err := strconv.ParseUint(key.Value(), 0, 8)
			if err != nil {
				return nil, fmt.Errorf("failed to parse 'NodeID' : %v", err)
			}
			odict.NodeId = uint8(parsed)
		}
		if key, err := section.GetKey("Baudrate"); err == nil {
			parsed, err := strconv.ParseUint(key.Value(), 0, 16)
			if err != nil {
				return nil, fmt.Errorf("failed to parse 'Baudrate' : %v", err)
			}
			odict.Baudrate = uint16(parsed)
		}
	}
	if nodeId == 0 {
		nodeId = odict.NodeId
	} else {
		odict.NodeId = nodeId
	}

	for _, section := range edsFile.Sections() {
		sectionName := section.Name()

		// Match indexes : this adds new entries to the dictionary
		if matchIdxRegExp.MatchString(sectionName) {
			idx, err := strconv.ParseUint(sectionName, 16, 16)
			if err != nil {
				return nil, err
			}
			index := uint16(idx)
			name := section.Key("ParameterName").String()
			objType, err := strconv.ParseUint(section.Key("ObjectType").Value(), 0, 8)
			objectType := uint8(objType)

			// If no object type, default to VAR (CiA 306)
			if err != nil {
				objectType = ObjectTypeVAR
			}

			switch objectType {
			case ObjectTypeVAR, ObjectTypeDOMAIN:
				variable, err := NewVariableFromSection(section, name, nodeId, index, 0)
				if err != nil {
					return nil, err
				}
				odict.addEntry(NewEntry(index, name, variable, objectType))

			case ObjectTypeARRAY:
				// Array objects do not allow holes in subindex numbers
				// so pre-init slice up to subnumber
				subNumber, err := strconv.ParseUint(section.Key("SubNumber").Value(), 0, 8)
				if err != nil {
					return nil, fmt.Errorf("array x%x has no 'SubNumber' : %v", index, err)
				}
				odict.AddVariableList(index, name, NewArray(uint8(subNumber)))

			case ObjectTypeRECORD:
				// Record objects allow holes, sub objects are appended
				odict.AddVariableList(index, name, NewRecord())

			default:
				return nil, fmt.Errorf("unknown object type x%x whilst parsing EDS", objectType)
			}
			continue
		}

		// Match sub indexes, the parent entry must already exist
		if matchSubidxRegExp.MatchString(sectionName) {
			idx, err := strconv.ParseUint(sectionName[0:4], 16, 16)
			if err != nil {
				return nil, err
			}
			// Subindex part is from the 7th letter onwards
			sidx, err := strconv.ParseUint(sectionName[7:], 16, 8)
			if err != nil {
				return nil, err
			}
			index := uint16(idx)
			subindex := uint8(sidx)
			name := section.Key("ParameterName").String()

			entry := odict.Index(index)
			if entry == nil {
				return nil, fmt.Errorf("sub entry x%x|x%x has no parent entry", index, subindex)
			}
			err = entry.addSectionMember(section, name, nodeId, subindex)
			if err != nil {
				return nil, err
			}
		}
	}
	return odict, nil
}

func init() {
	rawDefaultOd, _ = f.ReadFile("base.eds")
}
