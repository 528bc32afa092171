package sdo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/christiansandberg/canopen/internal/crc"
	log "github.com/sirupsen/logrus"
)

// BlockUploadReader streams the value of a single object out of a
// remote node using the block upload protocol : the server pushes
// trains of up to 127 segments which are acknowledged as a whole,
// protected by an optional CRC. A server may answer the initiate
// request with a normal upload response instead, in that case the
// reader transparently degrades to the segmented protocol.
type BlockUploadReader struct {
	client    *Client
	index     uint16
	subindex  uint8
	fallback  *UploadReader
	size      uint32
	sizeKnown bool
	blksize   uint8
	ackseq    uint8
	crcOn     bool
	crc       crc.CRC16
	serverCRC crc.CRC16
	buf       []byte
	pos       uint32
	done      bool
	confirmed bool
	closed    bool
	unlock    bool
}

// newBlockUploadReader negotiates the block upload and starts the
// first train of segments, the caller must hold the client lock
func (c *Client) newBlockUploadReader(index uint16, subindex uint8) (*BlockUploadReader, error) {
	request := [8]byte{
		requestBlockUpload | flagCRCSupported,
		byte(index), byte(index >> 8), subindex,
		BlockMaxSize, // requested segments per block
		0,            // no protocol switch threshold
	}
	response, err := c.requestResponse(request, index, subindex)
	if err != nil {
		return nil, err
	}
	command := response.raw[0]
	if command&maskCommand == responseUpload {
		// server switched to a normal transfer
		log.Debugf("[CLIENT][x%x] server answered block upload of x%x:x%x with a normal upload",
			c.nodeId, index, subindex)
		fallback, err := c.newUploadReaderFromResponse(index, subindex, response)
		if err != nil {
			return nil, err
		}
		return &BlockUploadReader{client: c, index: index, subindex: subindex, fallback: fallback}, nil
	}
	if command&maskCommand != responseBlockUpload || command&0x01 != subInitiate {
		c.abort(index, subindex, AbortCmd)
		return nil, fmt.Errorf("%w : x%x", ErrUnexpectedResponse, command)
	}
	if response.GetIndex() != index || response.GetSubindex() != subindex {
		c.abort(index, subindex, AbortCmd)
		return nil, fmt.Errorf("%w : x%x:x%x instead of x%x:x%x",
			ErrWrongIndex, response.GetIndex(), response.GetSubindex(), index, subindex)
	}
	reader := &BlockUploadReader{
		client:   c,
		index:    index,
		subindex: subindex,
		blksize:  BlockMaxSize,
		crcOn:    command&flagCRCSupported != 0,
	}
	if command&flagBlockSize != 0 {
		reader.size = binary.LittleEndian.Uint32(response.raw[4:])
		reader.sizeKnown = true
	}
	start := [8]byte{requestBlockUpload | subStart}
	if err := c.sendRequest(start); err != nil {
		return nil, err
	}
	return reader, nil
}

// Size returns the total transfer size indicated by the server, if
// it indicated one
func (r *BlockUploadReader) Size() (uint32, bool) {
	if r.fallback != nil {
		return r.fallback.Size()
	}
	return r.size, r.sizeKnown
}

// Tell returns the number of bytes received from the server so far
func (r *BlockUploadReader) Tell() int {
	if r.fallback != nil {
		return r.fallback.Tell()
	}
	return int(r.pos)
}

func (r *BlockUploadReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	if r.fallback != nil {
		return r.fallback.Read(p)
	}
	if len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}
		if err := r.readSegment(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// readSegment receives the next segment of the running train,
// requesting a retransmission when segments got lost
func (r *BlockUploadReader) readSegment() error {
	c := r.client
	response, err := c.readResponse()
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			// the previous acknowledge may have been lost, re-sending
			// it makes the server repeat the train
			response, err = r.retransmit()
		}
		if err != nil {
			r.abortOn(err)
			return err
		}
	}
	seqno := response.raw[0] & maskSeqno
	if seqno != r.ackseq+1 {
		log.Warnf("[CLIENT][x%x] block upload x%x:x%x : expected segment %v, got %v",
			c.nodeId, r.index, r.subindex, r.ackseq+1, seqno)
		response, err = r.retransmit()
		if err != nil {
			r.abortOn(err)
			return err
		}
	}
	r.ackseq++
	command := response.raw[0]
	data := response.raw[1:8]
	last := command&flagNoMoreBlocks != 0
	if r.ackseq >= r.blksize || last {
		r.ackBlock()
	}
	if last {
		unused, err := r.endUpload()
		if err != nil {
			return err
		}
		data = data[:BlockSeqSize-unused]
		r.done = true
	}
	if r.crcOn {
		r.crc.Block(data)
		if r.done && r.crc != r.serverCRC {
			c.abort(r.index, r.subindex, AbortCRC)
			return fmt.Errorf("%w : computed x%x, server sent x%x", ErrCRC, uint16(r.crc), uint16(r.serverCRC))
		}
	}
	r.buf = append(r.buf, data...)
	r.pos += uint32(len(data))
	return nil
}

// ackBlock confirms the received train and grants the next one
func (r *BlockUploadReader) ackBlock() {
	request := [8]byte{requestBlockUpload | subAck, r.ackseq, r.blksize}
	if err := r.client.sendRequest(request); err != nil {
		log.Warnf("[CLIENT][x%x] could not acknowledge block : %v", r.client.nodeId, err)
	}
	if r.ackseq == r.blksize {
		r.ackseq = 0
	}
}

// retransmit re-sends the acknowledge for the segments received so
// far and discards frames until the train is back in sequence
func (r *BlockUploadReader) retransmit() (SDOResponse, error) {
	c := r.client
	log.Warnf("[CLIENT][x%x] block upload x%x:x%x : %v of %v segments received, requesting retransmission",
		c.nodeId, r.index, r.subindex, r.ackseq, r.blksize)
	r.ackBlock()
	for i := 0; i < int(r.blksize); i++ {
		response, err := c.readResponse()
		if err != nil {
			return response, err
		}
		if response.raw[0]&maskSeqno == r.ackseq+1 {
			return response, nil
		}
	}
	return SDOResponse{}, ErrSeqNumber
}

// endUpload reads the end frame carrying the CRC and the number of
// unused bytes in the last segment
func (r *BlockUploadReader) endUpload() (uint8, error) {
	c := r.client
	response, err := c.readResponse()
	if err != nil {
		r.abortOn(err)
		return 0, err
	}
	command := response.raw[0]
	if command&maskCommand != responseBlockUpload || command&0x03 != subEnd {
		c.abort(r.index, r.subindex, AbortCmd)
		return 0, fmt.Errorf("%w : x%x", ErrUnexpectedResponse, command)
	}
	r.serverCRC = response.GetCRC()
	return (command >> 2) & 0x7, nil
}

// abortOn sends the abort matching a local communication failure.
// Aborts already received from the server are not answered.
func (r *BlockUploadReader) abortOn(err error) {
	abort := Abort(0)
	if errors.As(err, &abort) {
		return
	}
	switch {
	case errors.Is(err, ErrTimeout):
		r.client.abort(r.index, r.subindex, AbortTimeout)
	case errors.Is(err, ErrSeqNumber):
		r.client.abort(r.index, r.subindex, AbortSeqNum)
	}
}

// Close confirms the end of a finished transfer and releases the
// client for the next one
func (r *BlockUploadReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.fallback != nil {
		r.fallback.Close()
	} else if r.done && !r.confirmed {
		r.confirmed = true
		end := [8]byte{requestBlockUpload | subEnd}
		if err := r.client.sendRequest(end); err != nil {
			log.Warnf("[CLIENT][x%x] could not confirm end of block upload : %v", r.client.nodeId, err)
		}
	}
	if r.unlock {
		r.client.mu.Unlock()
	}
	return nil
}
