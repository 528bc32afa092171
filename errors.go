package canopen

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrNotConnected    = errors.New("no CAN bus connected")
	ErrDisconnected    = errors.New("network was disconnected")
	ErrTimeout         = errors.New("operation timed out")
	ErrIdConflict      = errors.New("id already exists on network, this will create conflicts")
	ErrInvalidNodeId   = errors.New("node id must be between 1 and 127")
)
