package od

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// ObjectDictionary holds all entries of a CANopen node according to
// CiA 301. This is the in-memory representation of an EDS or DCF file.
// It is built once at node creation ; after that the protocol engines
// only read it, except for values stored inside a [Variable] which are
// guarded by the variable itself.
type ObjectDictionary struct {
	// NodeId read from a DCF [DeviceComissioning] section, 0 if absent
	NodeId uint8
	// Baudrate in kbit/s read from a DCF [DeviceComissioning] section
	Baudrate            uint16
	entriesByIndexValue map[uint16]*Entry
	entriesByIndexName  map[string]*Entry
}

// NewOD creates an empty object dictionary
func NewOD() *ObjectDictionary {
	return &ObjectDictionary{
		entriesByIndexValue: make(map[uint16]*Entry),
		entriesByIndexName:  make(map[string]*Entry),
	}
}

// Add an entry to OD, any existing entry will be replaced
func (odict *ObjectDictionary) addEntry(entry *Entry) {
	if _, exists := odict.entriesByIndexValue[entry.Index]; exists {
		log.Warnf("[OD] overwritting entry x%x", entry.Index)
	}
	odict.entriesByIndexValue[entry.Index] = entry
	odict.entriesByIndexName[entry.Name] = entry
}

// AddVariableType adds an entry of type VAR to OD.
// The value is given with its EDS string representation e.g. "0x22".
// Any existing entry at this index is overwritten.
func (odict *ObjectDictionary) AddVariableType(
	index uint16,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Entry, error) {
	variable, err := NewVariable(0, name, datatype, attribute, value)
	if err != nil {
		return nil, err
	}
	entry := NewEntry(index, name, variable, ObjectTypeVAR)
	odict.addEntry(entry)
	return entry, nil
}

// AddVariableList adds an entry of type ARRAY or RECORD depending on [VariableList]
func (odict *ObjectDictionary) AddVariableList(index uint16, name string, varList *VariableList) *Entry {
	entry := NewEntry(index, name, varList, varList.objectType)
	odict.addEntry(entry)
	return entry
}

func (odict *ObjectDictionary) addPDO(pdoNb uint16, isRPDO bool) error {
	if pdoNb < 1 || pdoNb > 512 {
		return ErrDevIncompat
	}
	indexOffset := pdoNb - 1
	pdoType := "RPDO"
	cobBase := 0x200 + 0x100*((pdoNb-1)%4)
	if !isRPDO {
		indexOffset += 0x400
		pdoType = "TPDO"
		cobBase = 0x180 + 0x100*((pdoNb-1)%4)
	}

	pdoComm := NewRecord()
	pdoComm.AddSubObject(0, "Highest sub-index supported", UNSIGNED8, AttributeSdoR, "0x6")
	pdoComm.AddSubObject(1, fmt.Sprintf("COB-ID used by %s", pdoType), UNSIGNED32, AttributeSdoRw, fmt.Sprintf("0x%X", cobBase))
	pdoComm.AddSubObject(2, "Transmission type", UNSIGNED8, AttributeSdoRw, "0xFE")
	pdoComm.AddSubObject(3, "Inhibit time", UNSIGNED16, AttributeSdoRw, "0x0")
	pdoComm.AddSubObject(4, "Reserved", UNSIGNED8, AttributeSdoRw, "0x0")
	pdoComm.AddSubObject(5, "Event timer", UNSIGNED16, AttributeSdoRw, "0x0")
	pdoComm.AddSubObject(6, "SYNC start value", UNSIGNED8, AttributeSdoRw, "0x0")
	odict.AddVariableList(EntryRPDOCommunicationStart+indexOffset, fmt.Sprintf("%s communication parameter %d", pdoType, pdoNb), pdoComm)

	pdoMap := NewRecord()
	pdoMap.AddSubObject(0, "Number of mapped application objects in PDO", UNSIGNED8, AttributeSdoRw, "0x0")
	for i := uint8(1); i <= MaxMappedEntriesPdo; i++ {
		pdoMap.AddSubObject(i, fmt.Sprintf("Application object %d", i), UNSIGNED32, AttributeSdoRw, "0x0")
	}
	odict.AddVariableList(EntryRPDOMappingStart+indexOffset, fmt.Sprintf("%s mapping parameter %d", pdoType, pdoNb), pdoMap)
	return nil
}

// AddRPDO adds RPDO communication and mapping parameter records for
// the given PDO number (1-based), with defaults from the pre-defined
// connection set.
func (odict *ObjectDictionary) AddRPDO(rpdoNb uint16) error {
	return odict.addPDO(rpdoNb, true)
}

// AddTPDO is the TPDO counterpart of [ObjectDictionary.AddRPDO]
func (odict *ObjectDictionary) AddTPDO(tpdoNb uint16) error {
	return odict.addPDO(tpdoNb, false)
}

// Index returns the entry at the given index, which can be a string
// (entry name), an int or an uint16. Returns nil if no entry is found,
// so lookups can be chained with [Entry.SubIndex].
func (odict *ObjectDictionary) Index(index any) *Entry {
	switch ind := index.(type) {
	case string:
		return odict.entriesByIndexName[ind]
	case int:
		return odict.entriesByIndexValue[uint16(ind)]
	case uint:
		return odict.entriesByIndexValue[uint16(ind)]
	case uint16:
		return odict.entriesByIndexValue[ind]
	default:
		return nil
	}
}

// Entries returns the map of indexes and entries
func (odict *ObjectDictionary) Entries() map[uint16]*Entry {
	return odict.entriesByIndexValue
}

// FindVariable resolves a variable by qualified name.
// "Producer heartbeat time" finds a VAR entry, "Identity.VendorId"
// finds the VendorId sub entry of the Identity record or array.
func (odict *ObjectDictionary) FindVariable(name string) (*Entry, *Variable, error) {
	entryName, subName, qualified := strings.Cut(name, ".")
	entry := odict.Index(entryName)
	if entry == nil {
		return nil, nil, ErrIdxNotExist
	}
	if !qualified {
		variable, err := entry.SubIndex(0)
		if err != nil {
			return nil, nil, err
		}
		return entry, variable, nil
	}
	variable, err := entry.SubIndex(subName)
	if err != nil {
		return nil, nil, err
	}
	return entry, variable, nil
}

// An Entry is an object at a specific index of an [ObjectDictionary].
// Following CiA 301 it is either
//   - a VAR or DOMAIN, holding a single [Variable]
//   - an ARRAY or RECORD holding a [VariableList], whose sub entries
//     are in turn of type VAR.
type Entry struct {
	Index             uint16
	Name              string
	ObjectType        uint8
	object            any
	subEntriesNameMap map[string]uint8
}

func NewEntry(index uint16, name string, object any, objectType uint8) *Entry {
	return &Entry{
		Index:             index,
		Name:              name,
		ObjectType:        objectType,
		object:            object,
		subEntriesNameMap: map[string]uint8{},
	}
}

// SubIndex returns the [Variable] at a given subindex.
// subindex can be a string (sub entry name), an int, or an uint8.
// For VAR and DOMAIN entries only subindex 0 resolves.
func (entry *Entry) SubIndex(subindex any) (*Variable, error) {
	if entry == nil {
		return nil, ErrIdxNotExist
	}
	switch object := entry.object.(type) {
	case *Variable:
		if subindex != 0 && subindex != "" && subindex != uint8(0) {
			return nil, ErrSubNotExist
		}
		return object, nil
	case *VariableList:
		var converted uint8
		switch sub := subindex.(type) {
		case string:
			var ok bool
			converted, ok = entry.subEntriesNameMap[sub]
			if !ok {
				return nil, ErrSubNotExist
			}
		case int:
			if sub < 0 || sub > 255 {
				return nil, ErrDevIncompat
			}
			converted = uint8(sub)
		case uint8:
			converted = sub
		default:
			return nil, ErrDevIncompat
		}
		return object.GetSubObject(converted)
	default:
		return nil, ErrDevIncompat
	}
}

// AddSubObject adds a sub entry to an ARRAY or RECORD entry
func (entry *Entry) AddSubObject(
	subindex uint8,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Variable, error) {
	vList, ok := entry.object.(*VariableList)
	if !ok {
		return nil, fmt.Errorf("cannot add sub object to %v", objectTypeName[entry.ObjectType])
	}
	variable, err := vList.AddSubObject(subindex, name, datatype, attribute, value)
	if err != nil {
		return nil, err
	}
	entry.subEntriesNameMap[name] = subindex
	return variable, nil
}

// Add a parsed EDS section as a sub entry, only for ARRAY and RECORD
func (entry *Entry) addSectionMember(section *ini.Section, name string, nodeId uint8, subindex uint8) error {
	vList, ok := entry.object.(*VariableList)
	if !ok {
		return fmt.Errorf("cannot add member to %v entry x%x", objectTypeName[entry.ObjectType], entry.Index)
	}
	variable, err := NewVariableFromSection(section, name, nodeId, entry.Index, subindex)
	if err != nil {
		return err
	}
	err = vList.addVariable(subindex, variable)
	if err != nil {
		return err
	}
	entry.subEntriesNameMap[name] = subindex
	return nil
}

// SubCount returns the number of sub entries, 1 for VAR and DOMAIN
func (entry *Entry) SubCount() int {
	switch object := entry.object.(type) {
	case *Variable:
		return 1
	case *VariableList:
		return len(object.Variables)
	default:
		return 0
	}
}

// SubEntries returns the declared sub entries in subindex order.
// For VAR and DOMAIN the single variable is returned, array slots
// that were never declared are skipped
func (entry *Entry) SubEntries() []*Variable {
	switch object := entry.object.(type) {
	case *Variable:
		return []*Variable{object}
	case *VariableList:
		object.mu.Lock()
		defer object.mu.Unlock()
		variables := make([]*Variable, 0, len(object.Variables))
		for _, variable := range object.Variables {
			if variable != nil {
				variables = append(variables, variable)
			}
		}
		sort.Slice(variables, func(i, j int) bool {
			return variables[i].SubIndex < variables[j].SubIndex
		})
		return variables
	default:
		return nil
	}
}

// Uint8 reads the current value at a subindex as an uint8
func (entry *Entry) Uint8(subindex uint8) (uint8, error) {
	data, err := entry.readSized(subindex, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// Uint16 reads the current value at a subindex as an uint16
func (entry *Entry) Uint16(subindex uint8) (uint16, error) {
	data, err := entry.readSized(subindex, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

// Uint32 reads the current value at a subindex as an uint32
func (entry *Entry) Uint32(subindex uint8) (uint32, error) {
	data, err := entry.readSized(subindex, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// Uint64 reads the current value at a subindex as an uint64
func (entry *Entry) Uint64(subindex uint8) (uint64, error) {
	data, err := entry.readSized(subindex, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

func (entry *Entry) readSized(subindex uint8, size int) ([]byte, error) {
	variable, err := entry.SubIndex(subindex)
	if err != nil {
		return nil, err
	}
	data := variable.Value()
	if len(data) != size {
		return nil, ErrTypeMismatch
	}
	return data, nil
}

// VariableList is the data representation for
// storing a "RECORD" or "ARRAY" object type
type VariableList struct {
	mu         sync.Mutex
	objectType uint8 // either "RECORD" or "ARRAY"
	Variables  []*Variable
}

func NewRecord() *VariableList {
	return &VariableList{objectType: ObjectTypeRECORD, Variables: []*Variable{}}
}

func NewArray(length uint8) *VariableList {
	return &VariableList{objectType: ObjectTypeARRAY, Variables: make([]*Variable, length)}
}

// GetSubObject returns the [Variable] at a given subindex.
// For arrays, a missing subindex is synthesized on demand from the
// template at subindex 1, the way generic array entries behave.
func (vList *VariableList) GetSubObject(subindex uint8) (*Variable, error) {
	vList.mu.Lock()
	defer vList.mu.Unlock()
	if vList.objectType == ObjectTypeARRAY {
		if int(subindex) < len(vList.Variables) && vList.Variables[subindex] != nil {
			return vList.Variables[subindex], nil
		}
		return vList.synthesize(subindex)
	}
	for i, variable := range vList.Variables {
		if variable.SubIndex == subindex {
			return vList.Variables[i], nil
		}
	}
	return nil, ErrSubNotExist
}

// Clone the array template for a subindex that was never declared
func (vList *VariableList) synthesize(subindex uint8) (*Variable, error) {
	if subindex < 1 || len(vList.Variables) < 2 || vList.Variables[1] == nil {
		return nil, ErrSubNotExist
	}
	template := vList.Variables[1]
	variable := template.clone()
	variable.Name = fmt.Sprintf("%s_%x", template.Name, subindex)
	variable.SubIndex = subindex
	for int(subindex) >= len(vList.Variables) {
		vList.Variables = append(vList.Variables, nil)
	}
	vList.Variables[subindex] = variable
	return variable, nil
}

// AddSubObject adds a [Variable] to the VariableList.
// For an ARRAY the subindex is the actual position inside the array,
// for a RECORD any valid subindex value can be appended.
func (vList *VariableList) AddSubObject(
	subindex uint8,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Variable, error) {
	variable, err := NewVariable(subindex, name, datatype, attribute, value)
	if err != nil {
		return nil, err
	}
	err = vList.addVariable(subindex, variable)
	if err != nil {
		return nil, err
	}
	return variable, nil
}

func (vList *VariableList) addVariable(subindex uint8, variable *Variable) error {
	vList.mu.Lock()
	defer vList.mu.Unlock()
	if vList.objectType == ObjectTypeARRAY {
		if int(subindex) >= len(vList.Variables) {
			return ErrDevIncompat
		}
		vList.Variables[subindex] = variable
		return nil
	}
	vList.Variables = append(vList.Variables, variable)
	return nil
}
