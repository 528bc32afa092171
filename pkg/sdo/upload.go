package sdo

import (
	"encoding/binary"
	"fmt"
	"io"
)

// UploadReader streams the value of a single object out of a remote
// node. It is created by [Client.Reader] or [Client.Upload] and reads
// one segment of up to 7 bytes from the wire whenever its buffer runs
// out. Expedited responses are served entirely from memory.
type UploadReader struct {
	client    *Client
	index     uint16
	subindex  uint8
	toggle    uint8
	size      uint32
	sizeKnown bool
	pos       uint32
	buf       []byte
	done      bool
	closed    bool
	unlock    bool
}

// newUploadReader sends the initiate request and interprets the
// response, the caller must hold the client lock
func (c *Client) newUploadReader(index uint16, subindex uint8) (*UploadReader, error) {
	request := [8]byte{requestUpload, byte(index), byte(index >> 8), subindex}
	response, err := c.requestResponse(request, index, subindex)
	if err != nil {
		return nil, err
	}
	return c.newUploadReaderFromResponse(index, subindex, response)
}

// newUploadReaderFromResponse builds the reader from an already
// received initiate response. Also used when a server answers a block
// upload request with a normal upload response (protocol switch).
func (c *Client) newUploadReaderFromResponse(index uint16, subindex uint8, response SDOResponse) (*UploadReader, error) {
	command := response.raw[0]
	if command&maskCommand != responseUpload {
		c.abort(index, subindex, AbortCmd)
		return nil, fmt.Errorf("%w : x%x", ErrUnexpectedResponse, command)
	}
	if response.GetIndex() != index || response.GetSubindex() != subindex {
		c.abort(index, subindex, AbortCmd)
		return nil, fmt.Errorf("%w : x%x:x%x instead of x%x:x%x",
			ErrWrongIndex, response.GetIndex(), response.GetSubindex(), index, subindex)
	}
	reader := &UploadReader{client: c, index: index, subindex: subindex}
	if command&flagExpedited != 0 {
		size := uint32(4)
		if command&flagSizeIndicated != 0 {
			size = 4 - uint32((command>>2)&0x3)
			reader.size = size
			reader.sizeKnown = true
		}
		reader.buf = append(reader.buf, response.raw[4:4+size]...)
		reader.pos = size
		reader.done = true
		return reader, nil
	}
	if command&flagSizeIndicated != 0 {
		reader.size = binary.LittleEndian.Uint32(response.raw[4:])
		reader.sizeKnown = true
	}
	return reader, nil
}

// Size returns the total transfer size indicated by the server, if
// it indicated one
func (r *UploadReader) Size() (uint32, bool) {
	return r.size, r.sizeKnown
}

// Tell returns the number of bytes received from the server so far
func (r *UploadReader) Tell() int {
	return int(r.pos)
}

func (r *UploadReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.ErrClosedPipe
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

// readSegment fetches the next segment of up to 7 bytes into the
// buffer
func (r *UploadReader) readSegment() error {
	c := r.client
	request := [8]byte{requestUploadSegment | r.toggle}
	response, err := c.requestResponse(request, r.index, r.subindex)
	if err != nil {
		return err
	}
	command := response.raw[0]
	if command&maskCommand != responseUploadSegment {
		c.abort(r.index, r.subindex, AbortCmd)
		return fmt.Errorf("%w : x%x", ErrUnexpectedResponse, command)
	}
	if response.GetToggle() != r.toggle {
		c.abort(r.index, r.subindex, AbortToggleBit)
		return ErrToggleBit
	}
	r.toggle ^= flagToggle
	length := 7 - (command>>1)&0x7
	if command&flagNoMoreData != 0 {
		r.done = true
	}
	r.buf = append(r.buf, response.raw[1:1+length]...)
	r.pos += uint32(length)
	return nil
}

// Close releases the client for the next transfer. An upload that was
// not read to the end is simply left to time out on the server.
func (r *UploadReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.unlock {
		r.client.mu.Unlock()
	}
	return nil
}
