package sdo

import (
	"errors"

	"github.com/christiansandberg/canopen/pkg/od"
)

// ErrNoOd is returned by the od backed accessors when the client was
// created without an object dictionary
var ErrNoOd = errors.New("sdo: client has no object dictionary")

// Entry gives access to the remote values of an object dictionary
// entry. The local object dictionary only describes the object, the
// values themselves always travel over the bus.
type Entry struct {
	client *Client
	entry  *od.Entry
}

// Entry returns a remote accessor for the object at the given index.
// index can be an index value or an entry name, as in
// [od.ObjectDictionary.Index].
func (c *Client) Entry(index any) (*Entry, error) {
	if c.od == nil {
		return nil, ErrNoOd
	}
	entry := c.od.Index(index)
	if entry == nil {
		return nil, od.ErrIdxNotExist
	}
	return &Entry{client: c, entry: entry}, nil
}

// Variable returns a remote accessor for a single variable, resolving
// index and subindex as in [Client.Entry] and [Entry.Sub]
func (c *Client) Variable(index any, subindex any) (*Variable, error) {
	entry, err := c.Entry(index)
	if err != nil {
		return nil, err
	}
	return entry.Sub(subindex)
}

// Find returns a remote accessor for a variable by qualified name,
// e.g. "Identity.VendorId". An unqualified name resolves subindex 0.
func (c *Client) Find(name string) (*Variable, error) {
	if c.od == nil {
		return nil, ErrNoOd
	}
	entry, variable, err := c.od.FindVariable(name)
	if err != nil {
		return nil, err
	}
	return &Variable{
		client:   c,
		index:    entry.Index,
		subindex: variable.SubIndex,
		od:       variable,
	}, nil
}

// Index returns the index of the described object
func (e *Entry) Index() uint16 {
	return e.entry.Index
}

// Name returns the name of the described object
func (e *Entry) Name() string {
	return e.entry.Name
}

// Sub returns a remote accessor for the variable at the given
// subindex. subindex can be a subindex value or a sub entry name, as
// in [od.Entry.SubIndex].
func (e *Entry) Sub(subindex any) (*Variable, error) {
	variable, err := e.entry.SubIndex(subindex)
	if err != nil {
		return nil, err
	}
	return &Variable{
		client:   e.client,
		index:    e.entry.Index,
		subindex: variable.SubIndex,
		od:       variable,
	}, nil
}

// Variable gives access to the remote value of a single object
// dictionary variable. Every read and write is a complete SDO
// transfer, the od variable provides the datatype, scaling and
// description metadata.
type Variable struct {
	client   *Client
	index    uint16
	subindex uint8
	od       *od.Variable
}

// Od returns the object dictionary description of this variable
func (v *Variable) Od() *od.Variable {
	return v.od
}

// Raw reads the encoded value from the remote node
func (v *Variable) Raw() ([]byte, error) {
	return v.client.Upload(v.index, v.subindex)
}

// SetRaw writes an encoded value to the remote node
func (v *Variable) SetRaw(data []byte) error {
	return v.client.Download(v.index, v.subindex, data, false)
}

// Value reads the remote value decoded following the od datatype.
// The returned value is either string, int64, uint64 or float64.
func (v *Variable) Value() (any, error) {
	data, err := v.Raw()
	if err != nil {
		return nil, err
	}
	return od.DecodeToType(data, v.od.DataType)
}

// SetValue encodes a generic Go value following the od datatype and
// writes it to the remote node
func (v *Variable) SetValue(value any) error {
	data, err := od.EncodeFromGeneric(value, v.od.DataType)
	if err != nil {
		return err
	}
	return v.SetRaw(data)
}

// Uint8 reads the remote value as an uint8
func (v *Variable) Uint8() (uint8, error) {
	return v.client.ReadUint8(v.index, v.subindex)
}

// Uint16 reads the remote value as an uint16
func (v *Variable) Uint16() (uint16, error) {
	return v.client.ReadUint16(v.index, v.subindex)
}

// Uint32 reads the remote value as an uint32
func (v *Variable) Uint32() (uint32, error) {
	return v.client.ReadUint32(v.index, v.subindex)
}

// Uint64 reads the remote value as an uint64
func (v *Variable) Uint64() (uint64, error) {
	return v.client.ReadUint64(v.index, v.subindex)
}

// Phys reads the remote value scaled to its physical unit
func (v *Variable) Phys() (float64, error) {
	data, err := v.Raw()
	if err != nil {
		return 0, err
	}
	return v.od.DecodePhys(data)
}

// SetPhys writes a physical value, scaled back to its raw encoding
func (v *Variable) SetPhys(phys float64) error {
	data, err := v.od.EncodePhys(phys)
	if err != nil {
		return err
	}
	return v.SetRaw(data)
}

// Desc reads the remote value as its registered string description
func (v *Variable) Desc() (string, error) {
	data, err := v.Raw()
	if err != nil {
		return "", err
	}
	return v.od.DecodeDesc(data)
}

// SetDesc writes the raw value registered for a string description
func (v *Variable) SetDesc(description string) error {
	data, err := v.od.EncodeDesc(description)
	if err != nil {
		return err
	}
	return v.SetRaw(data)
}

// Bits reads the given bit positions of the remote value, shifted
// down to bit 0. bits is either a name registered in the od or a list
// of positions.
func (v *Variable) Bits(bits any) (uint64, error) {
	data, err := v.Raw()
	if err != nil {
		return 0, err
	}
	return v.od.DecodeBits(data, bits)
}

// SetBits modifies the given bit positions of the remote value,
// reading the current value first and writing back the changed one
func (v *Variable) SetBits(bits any, value uint64) error {
	data, err := v.Raw()
	if err != nil {
		return err
	}
	data, err = v.od.EncodeBits(data, bits, value)
	if err != nil {
		return err
	}
	return v.SetRaw(data)
}
