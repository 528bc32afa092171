package sdo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/internal/crc"
	log "github.com/sirupsen/logrus"
)

// BlockDownloadWriter streams a value into a single object of a
// remote node using the block download protocol : segments are pushed
// without individual acknowledges and confirmed one train at a time,
// protected by an optional CRC. The total size must be known when the
// transfer starts.
type BlockDownloadWriter struct {
	client   *Client
	index    uint16
	subindex uint8
	size     uint32
	blksize  uint8
	seqno    uint8
	// block keeps the segments of the running train for retransmission
	block     [][]byte
	pending   []byte
	crcOn     bool
	crc       crc.CRC16
	pos       uint32
	lastBytes int
	done      bool
	finished  bool
	closed    bool
	unlock    bool
}

// newBlockDownloadWriter negotiates the block download, the caller
// must hold the client lock
func (c *Client) newBlockDownloadWriter(index uint16, subindex uint8, size int) (*BlockDownloadWriter, error) {
	if size <= 0 {
		return nil, canopen.ErrIllegalArgument
	}
	request := [8]byte{
		requestBlockDownload | flagCRCSupported | flagBlockSize,
		byte(index), byte(index >> 8), subindex,
	}
	binary.LittleEndian.PutUint32(request[4:], uint32(size))
	response, err := c.requestResponse(request, index, subindex)
	if err != nil {
		return nil, err
	}
	command := response.raw[0]
	if command&maskCommand != responseBlockDownload || command&0x03 != subInitiate {
		c.abort(index, subindex, AbortCmd)
		return nil, fmt.Errorf("%w : x%x", ErrUnexpectedResponse, command)
	}
	if response.GetIndex() != index || response.GetSubindex() != subindex {
		c.abort(index, subindex, AbortCmd)
		return nil, fmt.Errorf("%w : x%x:x%x instead of x%x:x%x",
			ErrWrongIndex, response.GetIndex(), response.GetSubindex(), index, subindex)
	}
	blksize := response.GetBlockSize()
	if blksize < 1 || blksize > BlockMaxSize {
		c.abort(index, subindex, AbortBlockSize)
		return nil, fmt.Errorf("%w : server granted block size %v", ErrUnexpectedResponse, blksize)
	}
	return &BlockDownloadWriter{
		client:   c,
		index:    index,
		subindex: subindex,
		size:     uint32(size),
		blksize:  blksize,
		crcOn:    command&flagCRCSupported != 0,
	}, nil
}

// Tell returns the number of bytes handed to the server so far,
// including segments not yet acknowledged
func (w *BlockDownloadWriter) Tell() int {
	return int(w.pos)
}

func (w *BlockDownloadWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if w.done {
		return 0, ErrTransferDone
	}
	if w.pos+uint32(len(w.pending))+uint32(len(p)) > w.size {
		return 0, fmt.Errorf("%w : writing past indicated size %v", ErrSizeMismatch, w.size)
	}
	w.pending = append(w.pending, p...)
	for len(w.pending) >= BlockSeqSize {
		last := w.pos+BlockSeqSize >= w.size
		if err := w.sendSegment(w.pending[:BlockSeqSize], last); err != nil {
			return len(p), err
		}
		w.pending = w.pending[BlockSeqSize:]
	}
	// the last segment may be shorter than 7 bytes, flush it as soon
	// as the indicated size is reached
	if len(w.pending) > 0 && w.pos+uint32(len(w.pending)) == w.size {
		if err := w.sendSegment(w.pending, true); err != nil {
			return len(p), err
		}
		w.pending = nil
	}
	return len(p), nil
}

// sendSegment pushes one segment of the running train. The train is
// acknowledged once full or once the last segment was pushed.
func (w *BlockDownloadWriter) sendSegment(chunk []byte, last bool) error {
	w.seqno++
	frame := [8]byte{w.seqno}
	if last {
		frame[0] |= flagNoMoreBlocks
		w.lastBytes = len(chunk)
		w.done = true
	}
	copy(frame[1:], chunk)
	if err := w.client.sendRequest(frame); err != nil {
		return err
	}
	if w.crcOn {
		w.crc.Block(chunk)
	}
	segment := make([]byte, len(chunk))
	copy(segment, chunk)
	w.block = append(w.block, segment)
	w.pos += uint32(len(chunk))
	if w.seqno >= w.blksize || last {
		return w.ackBlock()
	}
	return nil
}

// ackBlock waits for the server confirmation of the running train and
// retransmits segments it did not receive
func (w *BlockDownloadWriter) ackBlock() error {
	c := w.client
	for {
		response, err := c.readResponse()
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				c.abort(w.index, w.subindex, AbortTimeout)
			}
			return err
		}
		command := response.raw[0]
		if command&maskCommand != responseBlockDownload || command&0x03 != subAck {
			c.abort(w.index, w.subindex, AbortCmd)
			return fmt.Errorf("%w : x%x", ErrUnexpectedResponse, command)
		}
		ackseq := int(response.raw[1])
		blksize := response.raw[2]
		if blksize < 1 || blksize > BlockMaxSize {
			c.abort(w.index, w.subindex, AbortBlockSize)
			return fmt.Errorf("%w : server granted block size %v", ErrUnexpectedResponse, blksize)
		}
		w.blksize = blksize
		if ackseq > len(w.block) {
			c.abort(w.index, w.subindex, AbortSeqNum)
			return fmt.Errorf("%w : server acknowledged %v of %v segments", ErrUnexpectedResponse, ackseq, len(w.block))
		}
		if ackseq == len(w.block) {
			w.block = w.block[:0]
			w.seqno = 0
			return nil
		}
		// the server missed everything after ackseq, the remaining
		// segments start over as a new train
		log.Warnf("[CLIENT][x%x] block download x%x:x%x : server received %v of %v segments, retransmitting",
			c.nodeId, w.index, w.subindex, ackseq, len(w.block))
		w.block = append([][]byte{}, w.block[ackseq:]...)
		w.seqno = 0
		for i, segment := range w.block {
			w.seqno++
			frame := [8]byte{w.seqno}
			if w.done && i == len(w.block)-1 {
				frame[0] |= flagNoMoreBlocks
			}
			copy(frame[1:], segment)
			if err := c.sendRequest(frame); err != nil {
				return err
			}
		}
	}
}

// finish performs the end of transfer handshake carrying the CRC
func (w *BlockDownloadWriter) finish() error {
	if w.finished {
		return nil
	}
	if !w.done {
		return fmt.Errorf("sdo: block download incomplete, wrote %v of %v bytes : %w",
			w.pos, w.size, io.ErrShortWrite)
	}
	w.finished = true
	c := w.client
	command := requestBlockDownload | subEnd | uint8(BlockSeqSize-w.lastBytes)<<2
	request := [8]byte{command}
	if w.crcOn {
		binary.LittleEndian.PutUint16(request[1:], uint16(w.crc))
	}
	response, err := c.requestResponse(request, w.index, w.subindex)
	if err != nil {
		return err
	}
	if response.raw[0]&maskCommand != responseBlockDownload || response.raw[0]&0x03 != subEnd {
		c.abort(w.index, w.subindex, AbortCmd)
		return fmt.Errorf("%w : x%x", ErrUnexpectedResponse, response.raw[0])
	}
	return nil
}

// Close terminates the transfer and releases the client for the next
// one
func (w *BlockDownloadWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.finish()
	if w.unlock {
		w.client.mu.Unlock()
	}
	return err
}
