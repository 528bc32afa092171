package node

import (
	"bytes"
	"errors"
	"sort"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/emergency"
	"github.com/christiansandberg/canopen/pkg/nmt"
	"github.com/christiansandberg/canopen/pkg/od"
	"github.com/christiansandberg/canopen/pkg/pdo"
	"github.com/christiansandberg/canopen/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

// RemoteNode drives one node on the bus. Its dictionary is the local
// description of the remote device, values are accessed over SDO, the
// PDO maps exchange process data, the NMT master tracks the heartbeat
// and commands state changes and the emergency consumer collects what
// the node reports.
type RemoteNode struct {
	*BaseNode
	SDO  *sdo.Client
	RPDO *pdo.Maps
	TPDO *pdo.Maps
	NMT  *nmt.Master
	EMCY *emergency.Consumer
}

// NewRemoteNode creates the services for one remote node and
// subscribes them to its COB-IDs
func NewRemoteNode(bm *canopen.BusManager, odict *od.ObjectDictionary, nodeId uint8) (*RemoteNode, error) {
	base, err := newBaseNode(bm, odict, nodeId)
	if err != nil {
		return nil, err
	}
	client, err := sdo.NewClient(bm, odict, nodeId, 0)
	if err != nil {
		return nil, err
	}
	rpdo, err := pdo.NewRpdo(client, odict)
	if err != nil {
		return nil, err
	}
	tpdo, err := pdo.NewTpdo(client, odict)
	if err != nil {
		return nil, err
	}
	master, err := nmt.NewMaster(bm, nodeId)
	if err != nil {
		return nil, err
	}
	consumer, err := emergency.NewConsumer(bm, nodeId)
	if err != nil {
		return nil, err
	}
	return &RemoteNode{
		BaseNode: base,
		SDO:      client,
		RPDO:     rpdo,
		TPDO:     tpdo,
		NMT:      master,
		EMCY:     consumer,
	}, nil
}

// Read fetches the decoded value of a dictionary object over SDO.
// index and subindex take values or names, the way the dictionary
// lookups do.
func (node *RemoteNode) Read(index any, subindex any) (any, error) {
	variable, err := node.SDO.Variable(index, subindex)
	if err != nil {
		return nil, err
	}
	return variable.Value()
}

// Write encodes a value following the dictionary datatype and
// downloads it over SDO
func (node *RemoteNode) Write(index any, subindex any, value any) error {
	variable, err := node.SDO.Variable(index, subindex)
	if err != nil {
		return err
	}
	return variable.SetValue(value)
}

// StoreParameters asks the node to store its parameters in non
// volatile memory. Subindex 1 stores all parameters, 2 the
// communication parameters, 3 the application parameters, 4 and up
// are manufacturer specific groups.
func (node *RemoteNode) StoreParameters(subindex uint8) error {
	return node.SDO.Download(od.EntryStoreParameters, subindex, []byte("save"), false)
}

// RestoreParameters asks the node to reload default parameters.
// Subindexes group the parameters as in [RemoteNode.StoreParameters].
func (node *RemoteNode) RestoreParameters(subindex uint8) error {
	return node.SDO.Download(od.EntryRestoreParameters, subindex, []byte("load"), false)
}

// LoadConfiguration commissions the node from the dictionary. The PDO
// configuration found in the communication and mapping records is
// written first through the map engine, then every writable value
// differing from its default, the values a DCF sets with
// ParameterValue, is downloaded. Nodes answering such a write with
// the read only abort are tolerated, the way broken devices that
// apply the value anyway behave.
func (node *RemoteNode) LoadConfiguration() error {
	if err := node.RPDO.ReadFromOd(); err != nil {
		return err
	}
	if err := node.TPDO.ReadFromOd(); err != nil {
		return err
	}
	if err := node.RPDO.Save(); err != nil {
		return err
	}
	if err := node.TPDO.Save(); err != nil {
		return err
	}
	entries := node.odict.Entries()
	indexes := make([]int, 0, len(entries))
	for index := range entries {
		indexes = append(indexes, int(index))
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		index := uint16(i)
		if index >= od.EntryRPDOCommunicationStart && index < 0x1C00 {
			continue
		}
		for _, variable := range entries[index].SubEntries() {
			if variable.Attribute&od.AttributeSdoW == 0 {
				continue
			}
			value := variable.Value()
			if len(value) == 0 || bytes.Equal(value, variable.DefaultValue()) {
				continue
			}
			if err := node.configure(index, variable, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// configure downloads one commissioned value
func (node *RemoteNode) configure(index uint16, variable *od.Variable, value []byte) error {
	log.Infof("[NODE][x%x] configuring x%x:x%x (%s)", node.id, index, variable.SubIndex, variable.Name)
	err := node.SDO.Download(index, variable.SubIndex, value, false)
	if err == nil {
		return nil
	}
	var abort sdo.Abort
	if !errors.As(err, &abort) {
		log.Warnf("[NODE][x%x] could not configure x%x:x%x : %v", node.id, index, variable.SubIndex, err)
		return nil
	}
	if abort == sdo.AbortReadOnly {
		log.Warnf("[NODE][x%x] x%x:x%x rejected the write as read only", node.id, index, variable.SubIndex)
		return nil
	}
	return err
}

// Close stops periodic activity and removes every bus subscription of
// the node services
func (node *RemoteNode) Close() {
	node.RPDO.Stop()
	node.TPDO.Stop()
	node.RPDO.Unsubscribe()
	node.TPDO.Unsubscribe()
	node.NMT.Close()
	node.EMCY.Close()
	node.SDO.Close()
}
