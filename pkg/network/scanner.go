package network

import (
	"sync"

	log "github.com/sirupsen/logrus"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/can"
	"github.com/christiansandberg/canopen/pkg/emergency"
	"github.com/christiansandberg/canopen/pkg/nmt"
	"github.com/christiansandberg/canopen/pkg/sdo"
)

// Services that carry the sender node id in the lower 7 bits of their
// COB-ID
var scannerServices = []uint16{
	nmt.HeartbeatServiceId,
	sdo.ServerServiceId,
	0x180,
	0x280,
	0x380,
	0x480,
	emergency.ServiceId,
}

// NodeScanner records which node ids are alive on the bus. It is
// wired as the bus manager default listener, so it only sees frames
// that no other service claimed. Any frame from a node transmit
// service is enough to reveal its sender.
type NodeScanner struct {
	*canopen.BusManager
	mu    sync.Mutex
	nodes []uint8
	seen  map[uint8]bool
}

func NewNodeScanner(bm *canopen.BusManager) *NodeScanner {
	return &NodeScanner{BusManager: bm, seen: make(map[uint8]bool)}
}

// Handle inspects an unclaimed frame and records its sender
func (scanner *NodeScanner) Handle(frame can.Frame) {
	service := uint16(frame.ID & 0x780)
	nodeId := uint8(frame.ID & 0x7F)
	if nodeId == 0 {
		return
	}
	match := false
	for _, svc := range scannerServices {
		if svc == service {
			match = true
			break
		}
	}
	if !match {
		return
	}
	scanner.mu.Lock()
	defer scanner.mu.Unlock()
	if scanner.seen[nodeId] {
		return
	}
	scanner.seen[nodeId] = true
	scanner.nodes = append(scanner.nodes, nodeId)
	log.Debugf("[SCANNER][x%x] new node detected from service x%x", nodeId, service)
}

// Nodes returns the detected node ids in discovery order
func (scanner *NodeScanner) Nodes() []uint8 {
	scanner.mu.Lock()
	defer scanner.mu.Unlock()
	nodes := make([]uint8, len(scanner.nodes))
	copy(nodes, scanner.nodes)
	return nodes
}

// Reset forgets every detected node
func (scanner *NodeScanner) Reset() {
	scanner.mu.Lock()
	defer scanner.mu.Unlock()
	scanner.nodes = nil
	scanner.seen = make(map[uint8]bool)
}

// Search probes node ids from 1 up to limit by requesting the device
// type object of each one. Nodes answer on their SDO transmit COB-ID
// and an SDO abort reveals a node just as well as a valid response.
// Answers come in asynchronously, poll Nodes for the result.
func (scanner *NodeScanner) Search(limit uint8) error {
	if limit > 127 {
		limit = 127
	}
	request := []byte{0x40, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00}
	for nodeId := uint16(1); nodeId <= uint16(limit); nodeId++ {
		err := scanner.SendMessage(sdo.ClientServiceId+nodeId, request, false)
		if err != nil {
			return err
		}
	}
	return nil
}
