package sdo

import (
	"encoding/binary"

	"github.com/christiansandberg/canopen/pkg/od"
)

// Helper function for reading directly a uint8
func (c *Client) ReadUint8(index uint16, subindex uint8) (uint8, error) {
	data, err := c.Upload(index, subindex)
	if err != nil {
		return 0, err
	}
	if len(data) != 1 {
		return 0, od.ErrTypeMismatch
	}
	return data[0], nil
}

// Helper function for reading directly a uint16
func (c *Client) ReadUint16(index uint16, subindex uint8) (uint16, error) {
	data, err := c.Upload(index, subindex)
	if err != nil {
		return 0, err
	}
	if len(data) != 2 {
		return 0, od.ErrTypeMismatch
	}
	return binary.LittleEndian.Uint16(data), nil
}

// Helper function for reading directly a uint32
func (c *Client) ReadUint32(index uint16, subindex uint8) (uint32, error) {
	data, err := c.Upload(index, subindex)
	if err != nil {
		return 0, err
	}
	if len(data) != 4 {
		return 0, od.ErrTypeMismatch
	}
	return binary.LittleEndian.Uint32(data), nil
}

// Helper function for reading directly a uint64
func (c *Client) ReadUint64(index uint16, subindex uint8) (uint64, error) {
	data, err := c.Upload(index, subindex)
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, od.ErrTypeMismatch
	}
	return binary.LittleEndian.Uint64(data), nil
}

// WriteRaw encodes a generic Go value in its natural width and
// downloads it. Use [Client.Download] for pre-encoded bytes.
func (c *Client) WriteRaw(index uint16, subindex uint8, data any, forceSegment bool) error {
	encoded, err := od.EncodeFromType(data)
	if err != nil {
		return err
	}
	return c.Download(index, subindex, encoded, forceSegment)
}
