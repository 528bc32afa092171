// Package network is the top level entry point for master style
// applications. A Network owns the bus connection, keeps track of the
// nodes attached to it and groups the bus wide services : the SYNC and
// TIME producers, the LSS master and a passive node scanner.
package network

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/can"
	"github.com/christiansandberg/canopen/pkg/lss"
	"github.com/christiansandberg/canopen/pkg/nmt"
	"github.com/christiansandberg/canopen/pkg/node"
	"github.com/christiansandberg/canopen/pkg/od"
	s "github.com/christiansandberg/canopen/pkg/sync"
	t "github.com/christiansandberg/canopen/pkg/time"
)

type Network struct {
	*canopen.BusManager
	Scanner *NodeScanner
	SYNC    *s.Producer
	TIME    *t.Producer
	LSS     *lss.Master
	bus     can.Bus
	mu      sync.Mutex
	nodes   map[uint8]node.Node
}

// NewNetwork creates a network on the given bus. The bus can be nil,
// Connect will then create one from an interface type, a channel and
// a bitrate.
func NewNetwork(bus can.Bus) (*Network, error) {
	bm := canopen.NewBusManager(bus)
	syncProducer, err := s.NewProducer(bm, nil)
	if err != nil {
		return nil, err
	}
	timeProducer, err := t.NewProducer(bm)
	if err != nil {
		return nil, err
	}
	lssMaster, err := lss.NewMaster(bm)
	if err != nil {
		return nil, err
	}
	network := &Network{
		BusManager: bm,
		Scanner:    NewNodeScanner(bm),
		SYNC:       syncProducer,
		TIME:       timeProducer,
		LSS:        lssMaster,
		bus:        bus,
		nodes:      make(map[uint8]node.Node),
	}
	bm.SetDefaultListener(network.Scanner)
	return network, nil
}

// Connect opens the bus connection and starts frame reception. When no
// bus was given at creation it expects an interface type, a channel
// and a bitrate, e.g. Connect("socketcan", "can0", 500000) or
// Connect("virtual", "127.0.0.1:18888", 0).
func (network *Network) Connect(args ...any) error {
	if network.bus == nil {
		if len(args) < 3 {
			return canopen.ErrIllegalArgument
		}
		canInterface, okInterface := args[0].(string)
		channel, okChannel := args[1].(string)
		bitrate, okBitrate := args[2].(int)
		if !okInterface || !okChannel || !okBitrate {
			return canopen.ErrIllegalArgument
		}
		bus, err := can.NewBus(canInterface, channel, bitrate)
		if err != nil {
			return err
		}
		network.bus = bus
		network.SetBus(bus)
	}
	err := network.bus.Connect(args...)
	if err != nil {
		return err
	}
	return network.bus.Subscribe(network.BusManager)
}

// Disconnect closes every node, stops the bus wide producers and
// releases the bus
func (network *Network) Disconnect() error {
	network.mu.Lock()
	nodes := make([]node.Node, 0, len(network.nodes))
	for _, attached := range network.nodes {
		nodes = append(nodes, attached)
	}
	network.nodes = make(map[uint8]node.Node)
	network.mu.Unlock()
	for _, attached := range nodes {
		attached.Close()
	}
	network.SYNC.Stop()
	network.TIME.Stop()
	network.LSS.Close()
	network.BusManager.Close()
	if network.bus == nil {
		return nil
	}
	return network.bus.Disconnect()
}

// AddRemoteNode registers a node living somewhere else on the bus and
// returns the services for driving it. The dictionary describing the
// node can be an EDS file path, an od.ObjectDictionary or nil for the
// default dictionary.
func (network *Network) AddRemoteNode(nodeId uint8, odict any) (*node.RemoteNode, error) {
	dict, err := resolveOd(odict, nodeId)
	if err != nil {
		return nil, err
	}
	network.mu.Lock()
	defer network.mu.Unlock()
	if _, ok := network.nodes[nodeId]; ok {
		return nil, canopen.ErrIdConflict
	}
	remote, err := node.NewRemoteNode(network.BusManager, dict, nodeId)
	if err != nil {
		return nil, err
	}
	network.nodes[nodeId] = remote
	log.Infof("[NETWORK][x%x] added remote node", nodeId)
	return remote, nil
}

// CreateLocalNode spins up a node served by this process : an SDO
// server, a heartbeat producer and an emergency producer answering on
// the bus under the given id. The dictionary is resolved like in
// AddRemoteNode.
func (network *Network) CreateLocalNode(nodeId uint8, odict any) (*node.LocalNode, error) {
	dict, err := resolveOd(odict, nodeId)
	if err != nil {
		return nil, err
	}
	network.mu.Lock()
	defer network.mu.Unlock()
	if _, ok := network.nodes[nodeId]; ok {
		return nil, canopen.ErrIdConflict
	}
	local, err := node.NewLocalNode(network.BusManager, dict, nodeId)
	if err != nil {
		return nil, err
	}
	network.nodes[nodeId] = local
	log.Infof("[NETWORK][x%x] created local node", nodeId)
	return local, nil
}

// Node returns a node previously added to or created on this network
func (network *Network) Node(nodeId uint8) (node.Node, error) {
	network.mu.Lock()
	defer network.mu.Unlock()
	attached, ok := network.nodes[nodeId]
	if !ok {
		return nil, fmt.Errorf("network: no node with id %d", nodeId)
	}
	return attached, nil
}

// Nodes returns the nodes attached to this network by id
func (network *Network) Nodes() map[uint8]node.Node {
	network.mu.Lock()
	defer network.mu.Unlock()
	nodes := make(map[uint8]node.Node, len(network.nodes))
	for id, attached := range network.nodes {
		nodes[id] = attached
	}
	return nodes
}

// RemoveNode closes the node services and detaches the node from the
// network
func (network *Network) RemoveNode(nodeId uint8) error {
	network.mu.Lock()
	attached, ok := network.nodes[nodeId]
	delete(network.nodes, nodeId)
	network.mu.Unlock()
	if !ok {
		return fmt.Errorf("network: no node with id %d", nodeId)
	}
	attached.Close()
	return nil
}

// Command sends an NMT command to a specific node, id 0 addresses
// every node at once. Commands are not confirmed, use heartbeat to
// check the outcome.
func (network *Network) Command(nodeId uint8, command nmt.Command) error {
	_, ok := nmt.CommandDescription[command]
	if nodeId > 127 || !ok {
		return canopen.ErrIllegalArgument
	}
	log.Debugf("[NETWORK][x%x] sending nmt command : %v", nodeId, nmt.CommandDescription[command])
	return network.SendMessage(nmt.ServiceId, []byte{uint8(command), nodeId}, false)
}

// resolveOd accepts the different ways of describing a node : an EDS
// or DCF file path, a dictionary value or pointer, or nil for the
// default dictionary shipped with this module.
func resolveOd(odict any, nodeId uint8) (*od.ObjectDictionary, error) {
	switch dict := odict.(type) {
	case string:
		return od.Parse(dict, nodeId)
	case od.ObjectDictionary:
		return &dict, nil
	case *od.ObjectDictionary:
		return dict, nil
	case nil:
		return od.Default(), nil
	default:
		return nil, fmt.Errorf("expecting a file path or an ObjectDictionary, got : %T", odict)
	}
}
