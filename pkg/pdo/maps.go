package pdo

import (
	"fmt"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/od"
	"github.com/christiansandberg/canopen/pkg/sdo"
)

// Maps is the ordered collection of one PDO direction of a node, built
// from the communication records found in the dictionary. Numbering
// starts at 1 like in the device documentation, so Number(1) of the
// receive maps works on the records at 0x1400 and 0x1600.
type Maps struct {
	client  *sdo.Client
	maps    map[uint16]*Map
	numbers []uint16
}

// NewRpdo returns the receive maps of the node, the ones the host
// produces. The pre-defined connection set supplies fallback COB-IDs
// for the first four maps.
func NewRpdo(client *sdo.Client, odict *od.ObjectDictionary) (*Maps, error) {
	return NewMaps(client, odict, od.EntryRPDOCommunicationStart, od.EntryRPDOMappingStart, RpdoBaseCobId)
}

// NewTpdo returns the transmit maps of the node, the ones the node
// produces and the host consumes
func NewTpdo(client *sdo.Client, odict *od.ObjectDictionary) (*Maps, error) {
	return NewMaps(client, odict, od.EntryTPDOCommunicationStart, od.EntryTPDOMappingStart, TpdoBaseCobId)
}

// NewMaps scans the dictionary for communication records starting at
// comOffset and creates a map for every record found, with the
// matching mapping record at the same distance from mapOffset. A non
// zero cobBase assigns pre-defined COB-IDs to the first four maps.
func NewMaps(client *sdo.Client, odict *od.ObjectDictionary, comOffset uint16, mapOffset uint16, cobBase uint32) (*Maps, error) {
	if client == nil || odict == nil {
		return nil, canopen.ErrIllegalArgument
	}
	maps := &Maps{client: client, maps: make(map[uint16]*Map)}
	for slot := uint16(0); slot < MaxMaps; slot++ {
		if odict.Index(comOffset+slot) == nil {
			continue
		}
		pdoMap, err := NewMap(client, odict, comOffset+slot, mapOffset+slot)
		if err != nil {
			return nil, err
		}
		if cobBase != 0 && slot < 4 {
			pdoMap.predefinedCobId = cobBase + uint32(slot)*0x100 + uint32(client.NodeId())
		}
		maps.maps[slot+1] = pdoMap
		maps.numbers = append(maps.numbers, slot+1)
	}
	return maps, nil
}

// Number returns the map with the given 1-based number, nil when the
// dictionary has no record for it
func (maps *Maps) Number(number uint16) *Map {
	return maps.maps[number]
}

// CobId returns the map currently configured with the given COB-ID
func (maps *Maps) CobId(cobId uint32) (*Map, bool) {
	for _, number := range maps.numbers {
		if pdoMap := maps.maps[number]; pdoMap.CobId() == cobId {
			return pdoMap, true
		}
	}
	return nil, false
}

// Find returns the first mapped variable with the given qualified
// name across all maps
func (maps *Maps) Find(name string) (*Variable, bool) {
	for _, number := range maps.numbers {
		if variable, ok := maps.maps[number].Find(name); ok {
			return variable, true
		}
	}
	return nil, false
}

func (maps *Maps) Len() int {
	return len(maps.maps)
}

// Numbers returns the existing map numbers in ascending order
func (maps *Maps) Numbers() []uint16 {
	return append([]uint16{}, maps.numbers...)
}

// Read loads the configuration of every map from the node
func (maps *Maps) Read() error {
	for _, number := range maps.numbers {
		if err := maps.maps[number].Read(); err != nil {
			return fmt.Errorf("pdo: reading map %d : %w", number, err)
		}
	}
	return nil
}

// ReadFromOd loads the configuration of every map from the values
// stored in the local dictionary
func (maps *Maps) ReadFromOd() error {
	for _, number := range maps.numbers {
		if err := maps.maps[number].ReadFromOd(); err != nil {
			return fmt.Errorf("pdo: reading map %d from dictionary : %w", number, err)
		}
	}
	return nil
}

// Save writes the configuration of every map to the node
func (maps *Maps) Save() error {
	for _, number := range maps.numbers {
		if err := maps.maps[number].Save(); err != nil {
			return fmt.Errorf("pdo: writing map %d : %w", number, err)
		}
	}
	return nil
}

// OnSync forwards one SYNC to the trigger engine of every map
func (maps *Maps) OnSync(counter uint8) error {
	for _, number := range maps.numbers {
		if err := maps.maps[number].OnSync(counter); err != nil {
			return err
		}
	}
	return nil
}

// Stop cancels all periodic transmissions
func (maps *Maps) Stop() {
	for _, number := range maps.numbers {
		maps.maps[number].Stop()
	}
}

// Unsubscribe removes the frame subscriptions of all maps
func (maps *Maps) Unsubscribe() {
	for _, number := range maps.numbers {
		maps.maps[number].Unsubscribe()
	}
}
