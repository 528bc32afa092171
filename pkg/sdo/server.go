package sdo

import (
	"encoding/binary"
	"sync"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/can"
	"github.com/christiansandberg/canopen/pkg/od"
	log "github.com/sirupsen/logrus"
)

const (
	serverStateIdle uint8 = iota
	serverStateDownloading
	serverStateUploading
)

// Server answers SDO requests addressed to a local node. It supports
// expedited and segmented transfers in both directions and requires
// no goroutine of its own, every request is answered from the receive
// callback. Block uploads are answered by switching to the normal
// upload protocol, which a server is allowed to do. Block downloads
// are refused.
type Server struct {
	*canopen.BusManager
	mu                  sync.Mutex
	od                  *od.ObjectDictionary
	nodeId              uint8
	cobIdClientToServer uint32
	cobIdServerToClient uint32
	state               uint8
	index               uint16
	subindex            uint8
	variable            *od.Variable
	toggle              uint8
	buf                 []byte
	sizeIndicated       uint32
	readCallback        func(index uint16, subindex uint8)
	writeCallback       func(index uint16, subindex uint8)
}

// NewServer creates an SDO server for a local node and subscribes it
// to the client requests
func NewServer(bm *canopen.BusManager, odict *od.ObjectDictionary, nodeId uint8) (*Server, error) {
	if bm == nil || odict == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if nodeId < 1 || nodeId > 127 {
		return nil, canopen.ErrInvalidNodeId
	}
	server := &Server{
		BusManager:          bm,
		od:                  odict,
		nodeId:              nodeId,
		cobIdClientToServer: uint32(ClientServiceId) + uint32(nodeId),
		cobIdServerToClient: uint32(ServerServiceId) + uint32(nodeId),
	}
	err := bm.Subscribe(server.cobIdClientToServer, 0x7FF, false, server)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// SetReadCallback registers a hook invoked before an object is read,
// giving the owner a chance to refresh the stored value
func (s *Server) SetReadCallback(callback func(index uint16, subindex uint8)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCallback = callback
}

// SetWriteCallback registers a hook invoked after an object was
// successfully written
func (s *Server) SetWriteCallback(callback func(index uint16, subindex uint8)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCallback = callback
}

// Handle implements [can.FrameListener], called for every request
// sent by a client
func (s *Server) Handle(frame can.Frame) {
	if frame.DLC != 8 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	command := frame.Data[0]
	switch command & maskCommand {
	case requestDownload:
		s.onDownloadInitiate(frame)
	case requestDownloadSegment:
		s.onDownloadSegment(frame)
	case requestUpload:
		s.onUploadInitiate(frame)
	case requestUploadSegment:
		s.onUploadSegment(frame)
	case requestBlockUpload:
		s.onBlockUpload(frame)
	case requestBlockDownload:
		index := binary.LittleEndian.Uint16(frame.Data[1:3])
		log.Debugf("[SERVER][RX] refusing block download for x%x:x%x", index, frame.Data[3])
		s.abort(index, frame.Data[3], AbortCmd)
	case requestAbort:
		abort := Abort(binary.LittleEndian.Uint32(frame.Data[4:]))
		log.Warnf("[SERVER][RX] client aborted transfer of x%x:x%x : %v",
			s.index, s.subindex, abort)
		s.state = serverStateIdle
	default:
		s.abort(binary.LittleEndian.Uint16(frame.Data[1:3]), frame.Data[3], AbortCmd)
	}
}

// lookup resolves the addressed variable and checks the requested
// access, sending the abort itself on failure
func (s *Server) lookup(index uint16, subindex uint8, write bool) (*od.Variable, bool) {
	entry := s.od.Index(index)
	if entry == nil {
		s.abort(index, subindex, AbortNotExist)
		return nil, false
	}
	variable, err := entry.SubIndex(subindex)
	if err != nil {
		s.abort(index, subindex, abortFromOd(err))
		return nil, false
	}
	if write && variable.Attribute&od.AttributeSdoW == 0 {
		s.abort(index, subindex, AbortReadOnly)
		return nil, false
	}
	if !write && variable.Attribute&od.AttributeSdoR == 0 {
		s.abort(index, subindex, AbortWriteOnly)
		return nil, false
	}
	return variable, true
}

func (s *Server) onDownloadInitiate(frame can.Frame) {
	index := binary.LittleEndian.Uint16(frame.Data[1:3])
	subindex := frame.Data[3]
	command := frame.Data[0]
	variable, ok := s.lookup(index, subindex, true)
	if !ok {
		return
	}
	if command&flagExpedited != 0 {
		size := 4
		if command&flagSizeIndicated != 0 {
			size = 4 - int((command>>2)&0x3)
		}
		if !s.writeToOd(variable, index, subindex, frame.Data[4:4+size]) {
			return
		}
		log.Debugf("[SERVER][RX] DOWNLOAD EXPEDITED | x%x:x%x %v", index, subindex, frame.Data)
		s.respondDownload(index, subindex)
		return
	}
	s.state = serverStateDownloading
	s.index = index
	s.subindex = subindex
	s.variable = variable
	s.toggle = 0
	s.buf = s.buf[:0]
	s.sizeIndicated = 0
	if command&flagSizeIndicated != 0 {
		s.sizeIndicated = binary.LittleEndian.Uint32(frame.Data[4:])
	}
	log.Debugf("[SERVER][RX] DOWNLOAD SEGMENTED | x%x:x%x, %v bytes indicated", index, subindex, s.sizeIndicated)
	s.respondDownload(index, subindex)
}

func (s *Server) onDownloadSegment(frame can.Frame) {
	if s.state != serverStateDownloading {
		s.abort(s.index, s.subindex, AbortCmd)
		return
	}
	command := frame.Data[0]
	if command&flagToggle != s.toggle {
		s.abort(s.index, s.subindex, AbortToggleBit)
		return
	}
	length := 7 - (command>>1)&0x7
	s.buf = append(s.buf, frame.Data[1:1+length]...)
	if s.sizeIndicated > 0 && uint32(len(s.buf)) > s.sizeIndicated {
		s.abort(s.index, s.subindex, AbortDataLong)
		return
	}
	if command&flagNoMoreData != 0 {
		if s.sizeIndicated > 0 && uint32(len(s.buf)) != s.sizeIndicated {
			s.abort(s.index, s.subindex, AbortDataShort)
			return
		}
		if !s.writeToOd(s.variable, s.index, s.subindex, s.buf) {
			return
		}
		log.Debugf("[SERVER][RX] DOWNLOAD SEGMENTED DONE | x%x:x%x, %v bytes", s.index, s.subindex, len(s.buf))
		s.state = serverStateIdle
	}
	response := [8]byte{responseDownloadSegment | s.toggle}
	s.toggle ^= flagToggle
	s.respond(response)
}

func (s *Server) onUploadInitiate(frame can.Frame) {
	index := binary.LittleEndian.Uint16(frame.Data[1:3])
	subindex := frame.Data[3]
	variable, ok := s.lookup(index, subindex, false)
	if !ok {
		return
	}
	if s.readCallback != nil {
		s.readCallback(index, subindex)
	}
	value := variable.Value()
	if len(value) >= 1 && len(value) <= 4 {
		response := [8]byte{
			responseUpload | flagExpedited | flagSizeIndicated | uint8(4-len(value))<<2,
			byte(index), byte(index >> 8), subindex,
		}
		copy(response[4:], value)
		log.Debugf("[SERVER][TX] UPLOAD EXPEDITED | x%x:x%x %v", index, subindex, response)
		s.respond(response)
		return
	}
	s.state = serverStateUploading
	s.index = index
	s.subindex = subindex
	s.toggle = 0
	s.buf = value
	response := [8]byte{
		responseUpload | flagSizeIndicated,
		byte(index), byte(index >> 8), subindex,
	}
	binary.LittleEndian.PutUint32(response[4:], uint32(len(value)))
	log.Debugf("[SERVER][TX] UPLOAD SEGMENTED | x%x:x%x, %v bytes", index, subindex, len(value))
	s.respond(response)
}

func (s *Server) onUploadSegment(frame can.Frame) {
	if s.state != serverStateUploading {
		s.abort(s.index, s.subindex, AbortCmd)
		return
	}
	if frame.Data[0]&flagToggle != s.toggle {
		s.abort(s.index, s.subindex, AbortToggleBit)
		return
	}
	length := len(s.buf)
	if length > BlockSeqSize {
		length = BlockSeqSize
	}
	response := [8]byte{responseUploadSegment | s.toggle | uint8(BlockSeqSize-length)<<1}
	copy(response[1:], s.buf[:length])
	s.buf = s.buf[length:]
	if len(s.buf) == 0 {
		response[0] |= flagNoMoreData
		s.state = serverStateIdle
	}
	s.toggle ^= flagToggle
	s.respond(response)
}

// onBlockUpload switches the requested block upload to the normal
// upload protocol, the client carries on with whichever protocol the
// response announces
func (s *Server) onBlockUpload(frame can.Frame) {
	subCommand := frame.Data[0] & 0x03
	if subCommand != subInitiate {
		// acknowledge, start or end of a block transfer this server
		// never started
		if subCommand == subEnd {
			return
		}
		s.abort(s.index, s.subindex, AbortCmd)
		return
	}
	index := binary.LittleEndian.Uint16(frame.Data[1:3])
	log.Debugf("[SERVER][RX] switching block upload of x%x:x%x to normal upload", index, frame.Data[3])
	s.onUploadInitiate(frame)
}

// writeToOd validates and stores a received value, sending the abort
// itself on failure
func (s *Server) writeToOd(variable *od.Variable, index uint16, subindex uint8, data []byte) bool {
	switch variable.DataType {
	case od.VISIBLE_STRING, od.OCTET_STRING, od.UNICODE_STRING:
		capacity := len(variable.DefaultValue())
		if capacity > 0 && len(data) > capacity && variable.Attribute&od.AttributeStr == 0 {
			s.abort(index, subindex, AbortDataLong)
			return false
		}
	case od.DOMAIN:
		// any length goes
	default:
		if err := od.CheckSize(len(data), variable.DataType); err != nil {
			s.abort(index, subindex, abortFromOd(err))
			return false
		}
		if err := variable.CheckLimits(data); err != nil {
			s.abort(index, subindex, abortFromOd(err))
			return false
		}
	}
	variable.SetValue(data)
	if s.writeCallback != nil {
		s.writeCallback(index, subindex)
	}
	return true
}

func (s *Server) respondDownload(index uint16, subindex uint8) {
	response := [8]byte{responseDownload, byte(index), byte(index >> 8), subindex}
	s.respond(response)
}

func (s *Server) respond(response [8]byte) {
	err := s.SendMessage(uint16(s.cobIdServerToClient), response[:], false)
	if err != nil {
		log.Warnf("[SERVER][TX] could not send response : %v", err)
	}
}

func (s *Server) abort(index uint16, subindex uint8, abort Abort) {
	response := [8]byte{responseAbort, byte(index), byte(index >> 8), subindex}
	binary.LittleEndian.PutUint32(response[4:], uint32(abort))
	log.Warnf("[SERVER][TX] aborting x%x:x%x : %v", index, subindex, abort)
	s.state = serverStateIdle
	s.respond(response)
}

// Close removes the request subscription
func (s *Server) Close() {
	s.Unsubscribe(s.cobIdClientToServer, false, s)
}
