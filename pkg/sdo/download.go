package sdo

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DownloadWriter streams a value into a single object of a remote
// node. It is created by [Client.Writer] or [Client.Download].
// Written bytes are grouped into segments of 7 and each segment is
// confirmed before the next one is sent. When the total size fits in
// 4 bytes the whole transfer collapses into a single expedited
// request.
type DownloadWriter struct {
	client    *Client
	index     uint16
	subindex  uint8
	toggle    uint8
	size      uint32
	sizeKnown bool
	expedited bool
	pos       uint32
	pending   []byte
	done      bool
	finished  bool
	closed    bool
	unlock    bool
}

// newDownloadWriter starts a download. For a segmented transfer the
// initiate request is exchanged immediately, an expedited transfer is
// deferred until the data bytes are written. The caller must hold the
// client lock. A negative size means unknown.
func (c *Client) newDownloadWriter(index uint16, subindex uint8, size int, forceSegment bool) (*DownloadWriter, error) {
	writer := &DownloadWriter{client: c, index: index, subindex: subindex}
	if size >= 0 {
		writer.size = uint32(size)
		writer.sizeKnown = true
	}
	if size >= 1 && size <= 4 && !forceSegment {
		writer.expedited = true
		return writer, nil
	}
	command := requestDownload
	request := [8]byte{command, byte(index), byte(index >> 8), subindex}
	if writer.sizeKnown {
		request[0] |= flagSizeIndicated
		binary.LittleEndian.PutUint32(request[4:], writer.size)
	}
	response, err := c.requestResponse(request, index, subindex)
	if err != nil {
		return nil, err
	}
	if err := c.checkDownloadResponse(response, index, subindex); err != nil {
		return nil, err
	}
	return writer, nil
}

// checkDownloadResponse validates an initiate or expedited download
// acknowledge from the server
func (c *Client) checkDownloadResponse(response SDOResponse, index uint16, subindex uint8) error {
	command := response.raw[0]
	if command&maskCommand != responseDownload {
		c.abort(index, subindex, AbortCmd)
		return fmt.Errorf("%w : x%x", ErrUnexpectedResponse, command)
	}
	if response.GetIndex() != index || response.GetSubindex() != subindex {
		c.abort(index, subindex, AbortCmd)
		return fmt.Errorf("%w : x%x:x%x instead of x%x:x%x",
			ErrWrongIndex, response.GetIndex(), response.GetSubindex(), index, subindex)
	}
	return nil
}

// Tell returns the number of bytes confirmed by the server so far
func (w *DownloadWriter) Tell() int {
	return int(w.pos)
}

func (w *DownloadWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if w.done {
		return 0, ErrTransferDone
	}
	if w.sizeKnown && w.pos+uint32(len(w.pending))+uint32(len(p)) > w.size {
		return 0, fmt.Errorf("%w : writing past indicated size %v", ErrSizeMismatch, w.size)
	}
	w.pending = append(w.pending, p...)
	if w.expedited {
		if uint32(len(w.pending)) < w.size {
			return len(p), nil
		}
		return len(p), w.writeExpedited()
	}
	for len(w.pending) >= BlockSeqSize {
		last := w.sizeKnown && w.pos+BlockSeqSize >= w.size
		if err := w.writeSegment(w.pending[:BlockSeqSize], last); err != nil {
			return len(p), err
		}
		w.pending = w.pending[BlockSeqSize:]
	}
	// flush a final partial segment as soon as the indicated size is
	// reached
	if w.sizeKnown && len(w.pending) > 0 && w.pos+uint32(len(w.pending)) == w.size {
		if err := w.writeSegment(w.pending, true); err != nil {
			return len(p), err
		}
		w.pending = nil
	}
	return len(p), nil
}

// writeExpedited sends the initiate request with the data bytes
// folded in and awaits the single acknowledge
func (w *DownloadWriter) writeExpedited() error {
	c := w.client
	size := len(w.pending)
	command := requestDownload | flagExpedited | flagSizeIndicated | uint8(4-size)<<2
	request := [8]byte{command, byte(w.index), byte(w.index >> 8), w.subindex}
	copy(request[4:], w.pending)
	response, err := c.requestResponse(request, w.index, w.subindex)
	if err != nil {
		return err
	}
	if err := c.checkDownloadResponse(response, w.index, w.subindex); err != nil {
		return err
	}
	w.pos = uint32(size)
	w.pending = nil
	w.done = true
	return nil
}

// writeSegment sends one segment of up to 7 bytes and awaits its
// acknowledge
func (w *DownloadWriter) writeSegment(chunk []byte, last bool) error {
	c := w.client
	command := requestDownloadSegment | w.toggle | uint8(7-len(chunk))<<1
	if last {
		command |= flagNoMoreData
	}
	request := [8]byte{command}
	copy(request[1:], chunk)
	response, err := c.requestResponse(request, w.index, w.subindex)
	if err != nil {
		return err
	}
	if response.raw[0]&maskCommand != responseDownloadSegment {
		c.abort(w.index, w.subindex, AbortCmd)
		return fmt.Errorf("%w : x%x", ErrUnexpectedResponse, response.raw[0])
	}
	if response.GetToggle() != w.toggle {
		c.abort(w.index, w.subindex, AbortToggleBit)
		return ErrToggleBit
	}
	w.toggle ^= flagToggle
	w.pos += uint32(len(chunk))
	if last {
		w.done = true
	}
	return nil
}

// finish terminates the transfer. A segmented download that was not
// explicitly ended yet sends its remaining bytes, or an empty last
// segment when the total size was not known in advance.
func (w *DownloadWriter) finish() error {
	if w.finished {
		return nil
	}
	w.finished = true
	if w.done {
		return nil
	}
	if w.expedited {
		return fmt.Errorf("sdo: expedited download incomplete : %w", io.ErrShortWrite)
	}
	err := w.writeSegment(w.pending, true)
	w.pending = nil
	return err
}

// Close terminates the transfer and releases the client for the next
// one
func (w *DownloadWriter) Close() error {
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
