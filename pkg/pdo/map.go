package pdo

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/can"
	"github.com/christiansandberg/canopen/pkg/od"
	"github.com/christiansandberg/canopen/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

// Map is one process data object of a remote node : up to 8 bytes of
// payload shared by the mapped variables. The communication and
// mapping records live on the node and are accessed over SDO with
// [Map.Read] and [Map.Save]. Received frames update the payload. Maps
// the host produces, the receive PDOs of the node, are sent with
// [Map.Transmit], periodically with [Map.Start], or by the trigger
// engine through [Map.OnSync] and event driven payload updates.
type Map struct {
	*canopen.BusManager
	client   *sdo.Client
	odict    *od.ObjectDictionary
	comIndex uint16
	mapIndex uint16
	// tx is set when the host is the producer of this map, which is
	// the case for the receive PDOs of the remote node
	tx              bool
	predefinedCobId uint32

	mu            sync.Mutex
	cobId         uint32
	enabled       bool
	rtrAllowed    bool
	transType     uint8
	hasTransType  bool
	inhibitTime   uint16
	hasInhibit    bool
	eventTimer    uint16
	hasEventTimer bool
	syncStart     uint8
	hasSyncStart  bool

	variables []*Variable
	bits      int
	data      []byte

	subscribedCobId uint32
	subscribed      bool
	task            *canopen.PeriodicTask
	period          time.Duration
	timestamp       time.Time
	received        chan struct{}
	callbacks       []func(*Map)
	lastTransmit    time.Time
	syncData        []byte
	syncCounter     uint8
	syncStartSeen   bool
}

// NewMap creates an unconfigured map backed by the communication and
// mapping records at the given indexes of the node the client talks
// to. The dictionary is used to resolve mapped objects. Call
// [Map.Read] to load the configuration stored on the node.
func NewMap(client *sdo.Client, odict *od.ObjectDictionary, comIndex uint16, mapIndex uint16) (*Map, error) {
	if client == nil || odict == nil {
		return nil, canopen.ErrIllegalArgument
	}
	return &Map{
		BusManager: client.BusManager,
		client:     client,
		odict:      odict,
		comIndex:   comIndex,
		mapIndex:   mapIndex,
		tx:         comIndex >= od.EntryRPDOCommunicationStart && comIndex < od.EntryRPDOMappingStart,
		rtrAllowed: true,
		received:   make(chan struct{}),
	}, nil
}

// CobId returns the configured COB-ID, without the flag bits
func (pdoMap *Map) CobId() uint32 {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	return pdoMap.cobId
}

// SetCobId changes the COB-ID written on the next [Map.Save]
func (pdoMap *Map) SetCobId(cobId uint32) {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	pdoMap.cobId = cobId &^ (PdoNotValid | RtrNotAllowed)
}

// PredefinedCobId returns the COB-ID this map has in the pre-defined
// connection set, 0 when it has none
func (pdoMap *Map) PredefinedCobId() uint32 {
	return pdoMap.predefinedCobId
}

// Enabled returns true when the valid bit of the COB-ID entry is clear
func (pdoMap *Map) Enabled() bool {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	return pdoMap.enabled
}

func (pdoMap *Map) SetEnabled(enabled bool) {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	pdoMap.enabled = enabled
}

// RtrAllowed returns true when the node answers remote requests for
// this map
func (pdoMap *Map) RtrAllowed() bool {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	return pdoMap.rtrAllowed
}

func (pdoMap *Map) SetRtrAllowed(allowed bool) {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	pdoMap.rtrAllowed = allowed
}

func (pdoMap *Map) TransmissionType() uint8 {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	return pdoMap.transType
}

func (pdoMap *Map) SetTransmissionType(transType uint8) {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	pdoMap.transType = transType
	pdoMap.hasTransType = true
}

// InhibitTime returns the minimum spacing between transmissions, in
// multiples of 100 microseconds
func (pdoMap *Map) InhibitTime() uint16 {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	return pdoMap.inhibitTime
}

func (pdoMap *Map) SetInhibitTime(inhibit uint16) {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	pdoMap.inhibitTime = inhibit
	pdoMap.hasInhibit = true
}

// EventTimer returns the event timer in milliseconds
func (pdoMap *Map) EventTimer() uint16 {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	return pdoMap.eventTimer
}

func (pdoMap *Map) SetEventTimer(eventTimer uint16) {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	pdoMap.eventTimer = eventTimer
	pdoMap.hasEventTimer = true
}

// SyncStart returns the SYNC counter value transmissions start at
func (pdoMap *Map) SyncStart() uint8 {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	return pdoMap.syncStart
}

func (pdoMap *Map) SetSyncStart(syncStart uint8) {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	pdoMap.syncStart = syncStart
	pdoMap.hasSyncStart = true
	pdoMap.syncStartSeen = false
}

// Data returns a copy of the current payload
func (pdoMap *Map) Data() []byte {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	return append([]byte{}, pdoMap.data...)
}

// BitLength returns the summed size of all mapped variables
func (pdoMap *Map) BitLength() int {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	return pdoMap.bits
}

// Variables returns the mapped variables in payload order
func (pdoMap *Map) Variables() []*Variable {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	return append([]*Variable{}, pdoMap.variables...)
}

// Find returns the mapped variable with the given qualified
// dictionary name, e.g. "Identity.VendorId"
func (pdoMap *Map) Find(name string) (*Variable, bool) {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	for _, variable := range pdoMap.variables {
		if variable.name == name {
			return variable, true
		}
	}
	return nil, false
}

// Timestamp returns the reception time of the last received frame
func (pdoMap *Map) Timestamp() time.Time {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	return pdoMap.timestamp
}

// Period returns the time between the last two received frames, or
// the period periodic transmission was started with
func (pdoMap *Map) Period() time.Duration {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	return pdoMap.period
}

// Name describes the map the way the node sees it, e.g. TxPDO1_node4
// for the first transmit PDO of node 4
func (pdoMap *Map) Name() string {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	return pdoMap.nameLocked()
}

func (pdoMap *Map) nameLocked() string {
	if pdoMap.cobId == 0 {
		return "Unknown"
	}
	direction := "Rx"
	mapId := pdoMap.cobId >> 8
	if pdoMap.cobId&0x80 != 0 {
		direction = "Tx"
	} else {
		mapId--
	}
	return fmt.Sprintf("%sPDO%d_node%d", direction, mapId, pdoMap.cobId&0x7F)
}

// String lists the mapped variables with their sizes
func (pdoMap *Map) String() string {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	parts := make([]string, 0, len(pdoMap.variables))
	for _, variable := range pdoMap.variables {
		parts = append(parts, fmt.Sprintf("%s x%x:x%x (%d bits)",
			variable.name, variable.Index, variable.SubIndex, variable.length))
	}
	return fmt.Sprintf("%s | cob-id x%x | %s",
		pdoMap.nameLocked(), pdoMap.cobId, strings.Join(parts, ", "))
}

// Clear removes all mapped variables
func (pdoMap *Map) Clear() {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	pdoMap.variables = nil
	pdoMap.bits = 0
	pdoMap.data = nil
}

// AddVariable appends a dictionary variable as the next mapped entry,
// using its full size. Index and subindex are numbers or names, like
// the dictionary lookups accept.
func (pdoMap *Map) AddVariable(index any, subindex any) (*Variable, error) {
	return pdoMap.AddVariableBits(index, subindex, 0)
}

// AddVariableBits maps only the given number of bits of a variable,
// so that several small fields can share payload bytes. A length of 0
// selects the full size.
func (pdoMap *Map) AddVariableBits(index any, subindex any, length int) (*Variable, error) {
	entry := pdoMap.odict.Index(index)
	if entry == nil {
		return nil, ErrNoSuchEntry
	}
	odVar, err := entry.SubIndex(subindex)
	if err != nil {
		return nil, ErrNoSuchEntry
	}
	if !odVar.PDOMappable() {
		return nil, ErrNotMappable
	}
	if length == 0 {
		length = odVar.BitLength()
	}
	name := entry.Name
	if odVar.Name != entry.Name {
		name = entry.Name + "." + odVar.Name
	}
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	if pdoMap.bits+length > int(MaxPdoLength)*8 {
		return nil, ErrMappingTooLong
	}
	variable := &Variable{
		pdoMap:   pdoMap,
		od:       odVar,
		name:     name,
		Index:    entry.Index,
		SubIndex: odVar.SubIndex,
		offset:   pdoMap.bits,
		length:   length,
	}
	pdoMap.variables = append(pdoMap.variables, variable)
	pdoMap.bits += length
	pdoMap.data = make([]byte, (pdoMap.bits+7)/8)
	log.Debugf("[PDO][%s] mapped %s | x%x:x%x | bits %d to %d", pdoMap.nameLocked(),
		name, variable.Index, variable.SubIndex, variable.offset, variable.offset+length-1)
	return variable, nil
}

// Read loads the map configuration from the node over SDO and
// subscribes to the frame when the map is enabled. Optional
// communication parameters the node does not implement are skipped.
func (pdoMap *Map) Read() error {
	cobId, err := pdoMap.client.ReadUint32(pdoMap.comIndex, 1)
	if err != nil {
		return err
	}
	transType, err := pdoMap.client.ReadUint8(pdoMap.comIndex, 2)
	if err != nil {
		return err
	}
	pdoMap.mu.Lock()
	pdoMap.cobId = cobId &^ (PdoNotValid | RtrNotAllowed)
	pdoMap.enabled = cobId&PdoNotValid == 0
	pdoMap.rtrAllowed = cobId&RtrNotAllowed == 0
	pdoMap.transType = transType
	pdoMap.hasTransType = true
	pdoMap.hasInhibit = false
	pdoMap.hasEventTimer = false
	pdoMap.hasSyncStart = false
	pdoMap.syncStartSeen = false
	name := pdoMap.nameLocked()
	enabled := pdoMap.enabled
	pdoMap.mu.Unlock()
	log.Debugf("[PDO][%s] read | cob-id x%x | enabled %v | transmission type %d",
		name, cobId&^(PdoNotValid|RtrNotAllowed), enabled, transType)

	if transType >= TransmissionTypeSyncEventLo {
		pdoMap.readOptional(name)
	}
	pdoMap.Clear()
	count, err := pdoMap.client.ReadUint8(pdoMap.mapIndex, 0)
	if err != nil {
		return err
	}
	for sub := uint8(1); sub <= count; sub++ {
		value, err := pdoMap.client.ReadUint32(pdoMap.mapIndex, sub)
		if err != nil {
			return err
		}
		index := uint16(value >> 16)
		subindex := uint8(value >> 8)
		bits := int(uint8(value))
		if index == 0 || bits == 0 {
			continue
		}
		if _, err := pdoMap.AddVariableBits(index, subindex, bits); err != nil {
			log.Warnf("[PDO][%s] skipping mapped entry x%x:x%x : %v", name, index, subindex, err)
		}
	}
	return pdoMap.Subscribe()
}

// ReadFromOd loads the map configuration from the values stored in
// the local dictionary instead of asking the node, the way a DCF
// describes a pre-commissioned map. Nothing is sent on the bus, the
// frame subscription is still made when the map comes out enabled.
func (pdoMap *Map) ReadFromOd() error {
	com := pdoMap.odict.Index(pdoMap.comIndex)
	mapping := pdoMap.odict.Index(pdoMap.mapIndex)
	cobId, err := com.Uint32(1)
	if err != nil {
		return err
	}
	transType, err := com.Uint8(2)
	if err != nil {
		return err
	}
	pdoMap.mu.Lock()
	pdoMap.cobId = cobId &^ (PdoNotValid | RtrNotAllowed)
	pdoMap.enabled = cobId&PdoNotValid == 0
	pdoMap.rtrAllowed = cobId&RtrNotAllowed == 0
	pdoMap.transType = transType
	pdoMap.hasTransType = true
	pdoMap.hasInhibit = false
	pdoMap.hasEventTimer = false
	pdoMap.hasSyncStart = false
	pdoMap.syncStartSeen = false
	name := pdoMap.nameLocked()
	pdoMap.mu.Unlock()
	log.Debugf("[PDO][%s] read from dictionary | cob-id x%x | transmission type %d",
		name, cobId&^(PdoNotValid|RtrNotAllowed), transType)

	if inhibit, err := com.Uint16(3); err == nil {
		pdoMap.SetInhibitTime(inhibit)
	}
	if eventTimer, err := com.Uint16(5); err == nil {
		pdoMap.SetEventTimer(eventTimer)
	}
	if syncStart, err := com.Uint8(6); err == nil {
		pdoMap.SetSyncStart(syncStart)
	}
	pdoMap.Clear()
	count, err := mapping.Uint8(0)
	if err != nil {
		return err
	}
	for sub := uint8(1); sub <= count; sub++ {
		value, err := mapping.Uint32(sub)
		if err != nil {
			return err
		}
		index := uint16(value >> 16)
		subindex := uint8(value >> 8)
		bits := int(uint8(value))
		if index == 0 || bits == 0 {
			continue
		}
		if _, err := pdoMap.AddVariableBits(index, subindex, bits); err != nil {
			log.Warnf("[PDO][%s] skipping mapped entry x%x:x%x : %v", name, index, subindex, err)
		}
	}
	return pdoMap.Subscribe()
}

// readOptional fetches inhibit time, event timer and SYNC start,
// tolerating nodes that implement none of them
func (pdoMap *Map) readOptional(name string) {
	if inhibit, err := pdoMap.client.ReadUint16(pdoMap.comIndex, 3); err == nil {
		pdoMap.SetInhibitTime(inhibit)
	} else {
		log.Debugf("[PDO][%s] could not read inhibit time : %v", name, err)
	}
	if eventTimer, err := pdoMap.client.ReadUint16(pdoMap.comIndex, 5); err == nil {
		pdoMap.SetEventTimer(eventTimer)
	} else {
		log.Debugf("[PDO][%s] could not read event timer : %v", name, err)
	}
	if syncStart, err := pdoMap.client.ReadUint8(pdoMap.comIndex, 6); err == nil {
		pdoMap.SetSyncStart(syncStart)
	} else {
		log.Debugf("[PDO][%s] could not read sync start value : %v", name, err)
	}
}

// Save writes the map configuration to the node over SDO. The map is
// disabled while the mapping entries are rewritten and enabled again
// afterwards when it is marked enabled. Nodes with a fixed length
// mapping array that refuse writes to the entry count are tolerated.
func (pdoMap *Map) Save() error {
	pdoMap.mu.Lock()
	cobId := pdoMap.cobId
	enabled := pdoMap.enabled
	flags := uint32(0)
	if !pdoMap.rtrAllowed {
		flags |= RtrNotAllowed
	}
	transType, hasTransType := pdoMap.transType, pdoMap.hasTransType
	inhibit, hasInhibit := pdoMap.inhibitTime, pdoMap.hasInhibit
	eventTimer, hasEventTimer := pdoMap.eventTimer, pdoMap.hasEventTimer
	syncStart, hasSyncStart := pdoMap.syncStart, pdoMap.hasSyncStart
	name := pdoMap.nameLocked()
	pdoMap.mu.Unlock()

	log.Infof("[PDO][%s] writing configuration | cob-id x%x", name, cobId)
	err := pdoMap.client.WriteRaw(pdoMap.comIndex, 1, cobId|PdoNotValid|flags, false)
	if err != nil {
		return err
	}
	if hasTransType {
		if err := pdoMap.client.WriteRaw(pdoMap.comIndex, 2, transType, false); err != nil {
			return err
		}
	}
	if hasInhibit {
		if err := pdoMap.client.WriteRaw(pdoMap.comIndex, 3, inhibit, false); err != nil {
			return err
		}
	}
	if hasEventTimer {
		if err := pdoMap.client.WriteRaw(pdoMap.comIndex, 5, eventTimer, false); err != nil {
			return err
		}
	}
	if hasSyncStart {
		if err := pdoMap.client.WriteRaw(pdoMap.comIndex, 6, syncStart, false); err != nil {
			return err
		}
	}

	err = pdoMap.client.WriteRaw(pdoMap.mapIndex, 0, uint8(0), false)
	if err != nil {
		var abort sdo.Abort
		if !errors.As(err, &abort) {
			return err
		}
		// a fixed length mapping array refuses the count write, pad
		// with empty entries so every slot gets overwritten below
		if err := pdoMap.fillMap(); err != nil {
			return err
		}
	}
	variables := pdoMap.Variables()
	for i, variable := range variables {
		value := uint32(variable.Index)<<16 | uint32(variable.SubIndex)<<8 | uint32(variable.length)
		if err := pdoMap.client.WriteRaw(pdoMap.mapIndex, uint8(i+1), value, false); err != nil {
			return err
		}
	}
	err = pdoMap.client.WriteRaw(pdoMap.mapIndex, 0, uint8(len(variables)), false)
	if err != nil {
		var abort sdo.Abort
		if !errors.As(err, &abort) || abort != sdo.AbortReadOnly {
			return err
		}
		log.Warnf("[PDO][%s] mapping count is read only, not written", name)
	}

	if !enabled {
		return nil
	}
	if err := pdoMap.client.WriteRaw(pdoMap.comIndex, 1, cobId|flags, false); err != nil {
		return err
	}
	return pdoMap.Subscribe()
}

// fillMap pads the variable list with empty entries up to the mapping
// count reported by the node
func (pdoMap *Map) fillMap() error {
	count, err := pdoMap.client.ReadUint8(pdoMap.mapIndex, 0)
	if err != nil {
		return err
	}
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	for len(pdoMap.variables) < int(count) {
		pdoMap.variables = append(pdoMap.variables, &Variable{pdoMap: pdoMap, name: "Dummy"})
	}
	return nil
}

// Subscribe registers the map for reception of its frame. Normally
// done by [Map.Read] and [Map.Save], useful alone when the local
// configuration is known to match the node already.
func (pdoMap *Map) Subscribe() error {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	if !pdoMap.enabled || pdoMap.cobId == 0 {
		return nil
	}
	if pdoMap.subscribed {
		if pdoMap.subscribedCobId == pdoMap.cobId {
			return nil
		}
		pdoMap.BusManager.Unsubscribe(pdoMap.subscribedCobId, false, pdoMap)
		pdoMap.subscribed = false
	}
	if err := pdoMap.BusManager.Subscribe(pdoMap.cobId, 0x7FF, false, pdoMap); err != nil {
		return err
	}
	pdoMap.subscribedCobId = pdoMap.cobId
	pdoMap.subscribed = true
	return nil
}

// Unsubscribe removes the frame subscription
func (pdoMap *Map) Unsubscribe() {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	if pdoMap.subscribed {
		pdoMap.BusManager.Unsubscribe(pdoMap.subscribedCobId, false, pdoMap)
		pdoMap.subscribed = false
	}
}

// Handle implements [can.FrameListener] and updates the payload from
// a received frame. Frames are ignored while the map itself is being
// transmitted periodically.
func (pdoMap *Map) Handle(frame can.Frame) {
	now := time.Now()
	pdoMap.mu.Lock()
	if frame.ID != pdoMap.cobId || pdoMap.task != nil {
		pdoMap.mu.Unlock()
		return
	}
	data := make([]byte, frame.DLC)
	copy(data, frame.Data[:frame.DLC])
	pdoMap.data = data
	if !pdoMap.timestamp.IsZero() {
		pdoMap.period = now.Sub(pdoMap.timestamp)
	}
	pdoMap.timestamp = now
	close(pdoMap.received)
	pdoMap.received = make(chan struct{})
	callbacks := append([]func(*Map){}, pdoMap.callbacks...)
	pdoMap.mu.Unlock()
	for _, callback := range callbacks {
		callback(pdoMap)
	}
}

// AddCallback registers a function invoked from the receive goroutine
// for every received frame of this map
func (pdoMap *Map) AddCallback(callback func(*Map)) {
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	pdoMap.callbacks = append(pdoMap.callbacks, callback)
}

// WaitForReception blocks until the next frame for this map arrives
// and returns its reception time
func (pdoMap *Map) WaitForReception(timeout time.Duration) (time.Time, error) {
	pdoMap.mu.Lock()
	received := pdoMap.received
	pdoMap.mu.Unlock()
	select {
	case <-received:
		pdoMap.mu.Lock()
		defer pdoMap.mu.Unlock()
		return pdoMap.timestamp, nil
	case <-time.After(timeout):
		return time.Time{}, canopen.ErrTimeout
	case <-pdoMap.Done():
		return time.Time{}, canopen.ErrDisconnected
	}
}

// Transmit sends the current payload once
func (pdoMap *Map) Transmit() error {
	pdoMap.mu.Lock()
	if pdoMap.cobId == 0 {
		pdoMap.mu.Unlock()
		return canopen.ErrIllegalArgument
	}
	cobId := uint16(pdoMap.cobId)
	data := append([]byte{}, pdoMap.data...)
	pdoMap.lastTransmit = time.Now()
	pdoMap.mu.Unlock()
	return pdoMap.SendMessage(cobId, data, false)
}

// RemoteRequest asks the node to transmit this map by sending a
// remote frame. Skipped silently when the map is disabled or remote
// requests are not allowed.
func (pdoMap *Map) RemoteRequest() error {
	pdoMap.mu.Lock()
	cobId := uint16(pdoMap.cobId)
	allowed := pdoMap.enabled && pdoMap.rtrAllowed && pdoMap.cobId != 0
	pdoMap.mu.Unlock()
	if !allowed {
		return nil
	}
	return pdoMap.SendMessage(cobId, nil, true)
}

// Start begins periodic transmission of the payload. A zero period
// falls back to the configured event timer.
func (pdoMap *Map) Start(period time.Duration) error {
	pdoMap.Stop()
	pdoMap.mu.Lock()
	defer pdoMap.mu.Unlock()
	if period == 0 && pdoMap.hasEventTimer {
		period = time.Duration(pdoMap.eventTimer) * time.Millisecond
	}
	if period <= 0 || pdoMap.cobId == 0 {
		return canopen.ErrIllegalArgument
	}
	log.Debugf("[PDO][%s] starting transmission every %v", pdoMap.nameLocked(), period)
	pdoMap.period = period
	data := append([]byte{}, pdoMap.data...)
	pdoMap.task = pdoMap.SendPeriodic(uint16(pdoMap.cobId), data, period, false)
	return nil
}

// Stop cancels periodic transmission. No frame is sent after it
// returns.
func (pdoMap *Map) Stop() {
	pdoMap.mu.Lock()
	task := pdoMap.task
	pdoMap.task = nil
	pdoMap.mu.Unlock()
	if task != nil {
		task.Stop()
	}
}

// Update pushes the payload to a running periodic transmission. With
// no transmission running, an event driven map the host produces is
// transmitted directly, unless the inhibit time is still running, in
// which case the frame is dropped.
func (pdoMap *Map) Update() error {
	now := time.Now()
	pdoMap.mu.Lock()
	if pdoMap.task != nil {
		task := pdoMap.task
		data := append([]byte{}, pdoMap.data...)
		pdoMap.mu.Unlock()
		task.Update(data)
		return nil
	}
	send := pdoMap.tx && pdoMap.enabled && pdoMap.cobId != 0 &&
		pdoMap.hasTransType && pdoMap.transType >= TransmissionTypeSyncEventLo &&
		!pdoMap.inhibitedLocked(now)
	var cobId uint16
	var data []byte
	if send {
		pdoMap.lastTransmit = now
		cobId = uint16(pdoMap.cobId)
		data = append([]byte{}, pdoMap.data...)
	}
	pdoMap.mu.Unlock()
	if !send {
		return nil
	}
	return pdoMap.SendMessage(cobId, data, false)
}

// OnSync runs the synchronous trigger engine for one SYNC, given the
// counter value it carried (0 when the SYNC payload is empty). A map
// with transmission type 0 is sent when its payload changed since the
// last transmission, types 1 to 240 every that many SYNCs. A
// transmission falling inside the inhibit time is dropped, not
// deferred.
func (pdoMap *Map) OnSync(counter uint8) error {
	now := time.Now()
	pdoMap.mu.Lock()
	if !pdoMap.tx || !pdoMap.enabled || pdoMap.cobId == 0 ||
		!pdoMap.hasTransType || pdoMap.transType > TransmissionTypeSync240 {
		pdoMap.mu.Unlock()
		return nil
	}
	if pdoMap.hasSyncStart && pdoMap.syncStart != 0 && !pdoMap.syncStartSeen {
		if counter != pdoMap.syncStart {
			pdoMap.mu.Unlock()
			return nil
		}
		pdoMap.syncStartSeen = true
	}
	send := false
	if pdoMap.transType == TransmissionTypeSyncAcyclic {
		send = pdoMap.syncData == nil || !bytes.Equal(pdoMap.syncData, pdoMap.data)
	} else {
		pdoMap.syncCounter++
		if pdoMap.syncCounter >= pdoMap.transType {
			pdoMap.syncCounter = 0
			send = true
		}
	}
	if send && pdoMap.inhibitedLocked(now) {
		send = false
	}
	var cobId uint16
	var data []byte
	if send {
		pdoMap.lastTransmit = now
		pdoMap.syncData = append([]byte{}, pdoMap.data...)
		cobId = uint16(pdoMap.cobId)
		data = append([]byte{}, pdoMap.data...)
	}
	pdoMap.mu.Unlock()
	if !send {
		return nil
	}
	return pdoMap.SendMessage(cobId, data, false)
}

// inhibit time is in multiples of 100 microseconds
func (pdoMap *Map) inhibitedLocked(now time.Time) bool {
	if !pdoMap.hasInhibit || pdoMap.inhibitTime == 0 || pdoMap.lastTransmit.IsZero() {
		return false
	}
	return now.Sub(pdoMap.lastTransmit) < time.Duration(pdoMap.inhibitTime)*100*time.Microsecond
}
