package sdo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/can"
	"github.com/christiansandberg/canopen/pkg/od"
	log "github.com/sirupsen/logrus"
)

// Client accesses the object dictionary of a single remote node.
// All transfers are confirmed : a request is sent and the matching
// response is awaited, so every method blocks until the transfer is
// finished, fails or times out. A client holds one transfer at a time,
// concurrent calls from multiple goroutines are serialized.
type Client struct {
	*canopen.BusManager
	mu                  sync.Mutex
	od                  *od.ObjectDictionary
	nodeId              uint8
	cobIdClientToServer uint32
	cobIdServerToClient uint32
	// responses is fed by the receive goroutine via Handle. Sized for
	// a full block of segments plus some margin.
	responses   chan SDOResponse
	timeout     time.Duration
	retries     int
	nonBlocking bool
}

// NewClient creates an SDO client for the given remote node id and
// subscribes it to the server responses. The object dictionary may be
// nil in which case the od backed helpers are unavailable and uploads
// are returned exactly as received. A timeout of 0 selects
// [DefaultTimeout].
func NewClient(bm *canopen.BusManager, odict *od.ObjectDictionary, nodeId uint8, timeout time.Duration) (*Client, error) {
	if bm == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if nodeId < 1 || nodeId > 127 {
		return nil, canopen.ErrInvalidNodeId
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	client := &Client{
		BusManager:          bm,
		od:                  odict,
		nodeId:              nodeId,
		cobIdClientToServer: uint32(ClientServiceId) + uint32(nodeId),
		cobIdServerToClient: uint32(ServerServiceId) + uint32(nodeId),
		responses:           make(chan SDOResponse, BlockMaxSize+10),
		timeout:             timeout,
		retries:             DefaultRetries,
	}
	err := bm.Subscribe(client.cobIdServerToClient, 0x7FF, false, client)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Handle implements [can.FrameListener], called for every frame sent
// by the server
func (c *Client) Handle(frame can.Frame) {
	if frame.DLC != 8 {
		return
	}
	select {
	case c.responses <- SDOResponse{raw: frame.Data}:
	default:
		log.Warnf("[CLIENT][RX][x%x] dropping response, buffer full : %v", c.nodeId, frame.Data)
	}
}

// NodeId returns the node id of the server this client talks to
func (c *Client) NodeId() uint8 {
	return c.nodeId
}

// SetTimeout changes the response timeout for a single request
func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.timeout = timeout
	}
}

// SetRetries changes how many times a request is attempted before
// giving up
func (c *Client) SetRetries(retries int) {
	if retries > 0 {
		c.retries = retries
	}
}

// SetNonBlocking makes transfer methods return [ErrBusy] instead of
// waiting when another transfer is already ongoing
func (c *Client) SetNonBlocking(nonBlocking bool) {
	c.nonBlocking = nonBlocking
}

// Close removes the response subscription
func (c *Client) Close() {
	c.Unsubscribe(c.cobIdServerToClient, false, c)
}

func (c *Client) lock() error {
	if c.nonBlocking {
		if !c.mu.TryLock() {
			return ErrBusy
		}
		return nil
	}
	c.mu.Lock()
	return nil
}

func (c *Client) sendRequest(request [8]byte) error {
	log.Debugf("[CLIENT][TX][x%x] %v", c.nodeId, request)
	return c.SendMessage(uint16(c.cobIdClientToServer), request[:], false)
}

// readResponse waits for the next frame from the server. An abort
// from the server is returned as an [Abort] error.
func (c *Client) readResponse() (SDOResponse, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case response := <-c.responses:
		log.Debugf("[CLIENT][RX][x%x] %v", c.nodeId, response.raw)
		if response.IsAbort() {
			return response, response.GetAbortCode()
		}
		return response, nil
	case <-timer.C:
		return SDOResponse{}, ErrTimeout
	case <-c.Done():
		return SDOResponse{}, canopen.ErrDisconnected
	}
}

// requestResponse performs one confirmed exchange with the server.
// Stale responses from a previous transfer are discarded first. On
// timeout the request is re-sent up to the configured retry count,
// then the transfer is aborted with [AbortTimeout].
func (c *Client) requestResponse(request [8]byte, index uint16, subindex uint8) (SDOResponse, error) {
	for len(c.responses) > 0 {
		stale := <-c.responses
		log.Warnf("[CLIENT][RX][x%x] discarded stale response : %v", c.nodeId, stale.raw)
	}
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if err := c.sendRequest(request); err != nil {
			return SDOResponse{}, err
		}
		response, err := c.readResponse()
		if err == nil {
			return response, nil
		}
		abort := Abort(0)
		if errors.As(err, &abort) {
			// server refused, retrying would not help
			return response, err
		}
		if !errors.Is(err, ErrTimeout) {
			return response, err
		}
		lastErr = err
		if attempt+1 < c.retries {
			log.Warnf("[CLIENT][x%x] no response for x%x:x%x, retrying", c.nodeId, index, subindex)
		}
	}
	c.abort(index, subindex, AbortTimeout)
	return SDOResponse{}, lastErr
}

// abort notifies the server that the ongoing transfer failed on the
// client side. Failure to send is ignored, the server will time out
// on its own.
func (c *Client) abort(index uint16, subindex uint8, abort Abort) {
	request := [8]byte{requestAbort, byte(index), byte(index >> 8), subindex}
	binary.LittleEndian.PutUint32(request[4:], uint32(abort))
	log.Warnf("[CLIENT][TX][x%x] aborting x%x:x%x : %v", c.nodeId, index, subindex, abort)
	err := c.SendMessage(uint16(c.cobIdClientToServer), request[:], false)
	if err != nil {
		log.Debugf("[CLIENT][x%x] could not send abort : %v", c.nodeId, err)
	}
}

// Upload reads the complete value of an object from the server,
// using an expedited or segmented transfer as decided by the server.
// When the server does not indicate a size, the result is truncated
// to the size found in the object dictionary for fixed size types.
// Some servers pad expedited responses with zeroes.
func (c *Client) Upload(index uint16, subindex uint8) ([]byte, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	reader, err := c.newUploadReader(index, subindex)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if size, ok := reader.Size(); ok && uint32(len(data)) != size {
		return nil, fmt.Errorf("%w : indicated %v, received %v", ErrSizeMismatch, size, len(data))
	}
	if _, ok := reader.Size(); !ok {
		data = c.truncateToOdSize(index, subindex, data)
	}
	return data, nil
}

// truncateToOdSize caps data to the size declared in the object
// dictionary. Variable length types are kept as is.
func (c *Client) truncateToOdSize(index uint16, subindex uint8, data []byte) []byte {
	if c.od == nil {
		return data
	}
	entry := c.od.Index(index)
	if entry == nil {
		return data
	}
	variable, err := entry.SubIndex(subindex)
	if err != nil {
		return data
	}
	switch variable.DataType {
	case od.VISIBLE_STRING, od.OCTET_STRING, od.UNICODE_STRING, od.DOMAIN:
		return data
	}
	size := variable.BitLength() / 8
	if size > 0 && size < len(data) {
		return data[:size]
	}
	return data
}

// Download writes a complete value to an object on the server. Values
// of up to 4 bytes are sent expedited unless forceSegment is set.
func (c *Client) Download(index uint16, subindex uint8, data []byte, forceSegment bool) error {
	if err := c.lock(); err != nil {
		return err
	}
	defer c.mu.Unlock()
	writer, err := c.newDownloadWriter(index, subindex, len(data), forceSegment)
	if err != nil {
		return err
	}
	if _, err := writer.Write(data); err != nil {
		return err
	}
	return writer.finish()
}

// UploadBlock reads the complete value of an object using a block
// transfer. Servers are allowed to fall back to a segmented or
// expedited transfer, this is handled transparently.
func (c *Client) UploadBlock(index uint16, subindex uint8) ([]byte, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	reader, err := c.newBlockUploadReader(index, subindex)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if err := reader.Close(); err != nil {
		return nil, err
	}
	return data, nil
}

// DownloadBlock writes a complete value to an object on the server
// using a block transfer
func (c *Client) DownloadBlock(index uint16, subindex uint8, data []byte) error {
	if err := c.lock(); err != nil {
		return err
	}
	defer c.mu.Unlock()
	writer, err := c.newBlockDownloadWriter(index, subindex, len(data))
	if err != nil {
		return err
	}
	if _, err := writer.Write(data); err != nil {
		return err
	}
	return writer.finish()
}

// Reader opens a streaming upload. The returned reader must be closed
// to release the client for the next transfer.
func (c *Client) Reader(index uint16, subindex uint8) (*UploadReader, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	reader, err := c.newUploadReader(index, subindex)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	reader.unlock = true
	return reader, nil
}

// Writer opens a streaming download. Pass a negative size when the
// total length is not known in advance, the end of data is then
// signalled by closing the writer. The returned writer must be closed
// to terminate the transfer and release the client.
func (c *Client) Writer(index uint16, subindex uint8, size int, forceSegment bool) (*DownloadWriter, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	writer, err := c.newDownloadWriter(index, subindex, size, forceSegment)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	writer.unlock = true
	return writer, nil
}

// BlockReader opens a streaming upload using a block transfer. When
// the server falls back to a segmented transfer the returned reader
// follows that protocol instead. The reader must be closed.
func (c *Client) BlockReader(index uint16, subindex uint8) (*BlockUploadReader, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	reader, err := c.newBlockUploadReader(index, subindex)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	reader.unlock = true
	return reader, nil
}

// BlockWriter opens a streaming download using a block transfer. The
// total size must be known in advance. The writer must be closed to
// terminate the transfer and release the client.
func (c *Client) BlockWriter(index uint16, subindex uint8, size int) (*BlockDownloadWriter, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	writer, err := c.newBlockDownloadWriter(index, subindex, size)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	writer.unlock = true
	return writer, nil
}
