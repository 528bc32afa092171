// Package node assembles the per node protocol services. A RemoteNode
// drives one node on the bus from the host side, a LocalNode answers
// on the bus like a real device, which covers development and testing
// without hardware.
package node

import (
	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/od"
)

// Node is the common view of a remote or local node once it is
// attached to a network
type Node interface {
	Id() uint8
	OD() *od.ObjectDictionary
	Close()
}

// BaseNode carries what every node has : an id, the dictionary
// describing it and the bus access
type BaseNode struct {
	*canopen.BusManager
	id    uint8
	odict *od.ObjectDictionary
}

func newBaseNode(bm *canopen.BusManager, odict *od.ObjectDictionary, nodeId uint8) (*BaseNode, error) {
	if bm == nil || odict == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if nodeId < 1 || nodeId > 127 {
		return nil, canopen.ErrInvalidNodeId
	}
	return &BaseNode{BusManager: bm, id: nodeId, odict: odict}, nil
}

// Id returns the node id
func (node *BaseNode) Id() uint8 {
	return node.id
}

// OD returns the object dictionary describing the node
func (node *BaseNode) OD() *od.ObjectDictionary {
	return node.odict
}
