package node

import (
	"sync"
	"time"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/emergency"
	"github.com/christiansandberg/canopen/pkg/nmt"
	"github.com/christiansandberg/canopen/pkg/od"
	"github.com/christiansandberg/canopen/pkg/sdo"
)

// LocalNode answers on the bus like a real device : an SDO server
// serves the dictionary, the NMT state machine applies commands and
// produces the heartbeat, the emergency producer reports errors. It
// is a development aid, not a compliant device, received PDOs are not
// processed.
type LocalNode struct {
	*BaseNode
	SDO  *sdo.Server
	NMT  *nmt.Slave
	EMCY *emergency.Producer

	mu             sync.Mutex
	readCallbacks  []func(index uint16, subindex uint8)
	writeCallbacks []func(index uint16, subindex uint8)
}

// NewLocalNode creates the services of a local node. The boot-up
// message is sent right away and the heartbeat producer starts when
// the dictionary carries a producer heartbeat time.
func NewLocalNode(bm *canopen.BusManager, odict *od.ObjectDictionary, nodeId uint8) (*LocalNode, error) {
	base, err := newBaseNode(bm, odict, nodeId)
	if err != nil {
		return nil, err
	}
	server, err := sdo.NewServer(bm, odict, nodeId)
	if err != nil {
		return nil, err
	}
	producer, err := emergency.NewProducer(bm, nodeId)
	if err != nil {
		return nil, err
	}
	slave, err := nmt.NewSlave(bm, odict, nodeId)
	if err != nil {
		return nil, err
	}
	node := &LocalNode{
		BaseNode: base,
		SDO:      server,
		NMT:      slave,
		EMCY:     producer,
	}
	server.SetReadCallback(node.onRead)
	server.SetWriteCallback(node.onWrite)
	return node, nil
}

// AddReadCallback registers a hook invoked before a value is served
// by the SDO server, a chance to refresh the stored value
func (node *LocalNode) AddReadCallback(callback func(index uint16, subindex uint8)) {
	node.mu.Lock()
	defer node.mu.Unlock()
	node.readCallbacks = append(node.readCallbacks, callback)
}

// AddWriteCallback registers a hook invoked after a value was written
// through the SDO server
func (node *LocalNode) AddWriteCallback(callback func(index uint16, subindex uint8)) {
	node.mu.Lock()
	defer node.mu.Unlock()
	node.writeCallbacks = append(node.writeCallbacks, callback)
}

func (node *LocalNode) onRead(index uint16, subindex uint8) {
	node.mu.Lock()
	callbacks := append([]func(uint16, uint8){}, node.readCallbacks...)
	node.mu.Unlock()
	for _, callback := range callbacks {
		callback(index, subindex)
	}
}

// onWrite follows dictionary writes, a new producer heartbeat time
// takes effect immediately
func (node *LocalNode) onWrite(index uint16, subindex uint8) {
	if index == od.EntryProducerHeartbeat {
		if producerTime, err := node.odict.Index(index).Uint16(0); err == nil {
			node.NMT.SetProducerPeriod(time.Duration(producerTime) * time.Millisecond)
		}
	}
	node.mu.Lock()
	callbacks := append([]func(uint16, uint8){}, node.writeCallbacks...)
	node.mu.Unlock()
	for _, callback := range callbacks {
		callback(index, subindex)
	}
}

// Close stops the heartbeat producer and removes every bus
// subscription of the node services
func (node *LocalNode) Close() {
	node.NMT.Close()
	node.SDO.Close()
}
