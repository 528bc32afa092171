package virtual

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/christiansandberg/canopen/pkg/can"
)

// Virtual CAN bus implementation over TCP, used for testing.
// Frames are exchanged through a broker that forwards them to all
// other connected clients, with the same wire format as
// https://github.com/windelbouwman/virtualcan : a 4 byte big-endian
// length prefix followed by the big-endian encoded frame.

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
	can.RegisterInterface("virtualcan", NewVirtualCanBus)
}

const readPeriod = 100 * time.Millisecond

type VirtualCanBus struct {
	mu           sync.Mutex
	channel      string
	conn         net.Conn
	receiveOwn   bool
	framehandler can.FrameListener
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	isRunning    bool
	rxError      bool
}

func NewVirtualCanBus(channel string) (can.Bus, error) {
	return &VirtualCanBus{channel: channel, stopChan: make(chan struct{})}, nil
}

// Serialize a CAN frame into the expected binary format
func serializeFrame(frame can.Frame) ([]byte, error) {
	buffer := new(bytes.Buffer)
	err := binary.Write(buffer, binary.BigEndian, frame)
	if err != nil {
		return nil, err
	}
	dataBytes := buffer.Bytes()
	frameBytes := make([]byte, 4, 4+len(dataBytes))
	binary.BigEndian.PutUint32(frameBytes, uint32(len(dataBytes)))
	return append(frameBytes, dataBytes...), nil
}

// Deserialize a CAN frame from the expected binary format
func deserializeFrame(buffer []byte) (*can.Frame, error) {
	var frame can.Frame
	err := binary.Read(bytes.NewBuffer(buffer), binary.BigEndian, &frame)
	if err != nil {
		return nil, err
	}
	return &frame, nil
}

// "Connect" to the broker e.g. localhost:18888
func (vcan *VirtualCanBus) Connect(...any) error {
	conn, err := net.Dial("tcp", vcan.channel)
	if err != nil {
		return err
	}
	vcan.conn = conn
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return err
		}
	}
	return nil
}

// "Disconnect" from the broker
func (vcan *VirtualCanBus) Disconnect() error {
	vcan.stopOnce.Do(func() { close(vcan.stopChan) })
	vcan.wg.Wait()
	if vcan.conn != nil {
		return vcan.conn.Close()
	}
	return nil
}

// "Send" implementation of Bus interface
func (vcan *VirtualCanBus) Send(frame can.Frame) error {
	// Local loopback
	if vcan.receiveOwn && vcan.framehandler != nil {
		vcan.framehandler.Handle(frame)
	} else if vcan.conn == nil {
		return errors.New("no active connection, abort send")
	}
	if vcan.conn == nil {
		return nil
	}
	frameBytes, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	_ = vcan.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
	_, err = vcan.conn.Write(frameBytes)
	return err
}

// "Subscribe" implementation of Bus interface
func (vcan *VirtualCanBus) Subscribe(framehandler can.FrameListener) error {
	vcan.mu.Lock()
	defer vcan.mu.Unlock()
	vcan.framehandler = framehandler
	if vcan.isRunning {
		return nil
	}
	// Receive incoming traffic and pass it to the framehandler
	vcan.wg.Add(1)
	vcan.isRunning = true
	vcan.rxError = false
	go vcan.handleReception()
	return nil
}

// Receive a single CAN frame, possibly timing out
func (vcan *VirtualCanBus) Recv() (*can.Frame, error) {
	if vcan.conn == nil {
		return nil, fmt.Errorf("no active connection, abort receive")
	}
	_ = vcan.conn.SetReadDeadline(time.Now().Add(readPeriod))
	headerBytes := make([]byte, 4)
	n, err := io.ReadFull(vcan.conn, headerBytes)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() && n == 0 {
			// Idle bus, no frame pending
			return nil, err
		}
		return nil, fmt.Errorf("read header failed : %v", err)
	}
	length := binary.BigEndian.Uint32(headerBytes)
	frameBytes := make([]byte, length)
	_ = vcan.conn.SetReadDeadline(time.Now().Add(readPeriod))
	if _, err := io.ReadFull(vcan.conn, frameBytes); err != nil {
		return nil, fmt.Errorf("read frame failed : %v", err)
	}
	return deserializeFrame(frameBytes)
}

// Handle incoming traffic
func (vcan *VirtualCanBus) handleReception() {
	defer func() {
		vcan.mu.Lock()
		vcan.isRunning = false
		vcan.mu.Unlock()
		vcan.wg.Done()
	}()
	for {
		select {
		case <-vcan.stopChan:
			return
		default:
			// Avoid deadlocking if lock is taken (disconnect, subscribe, ...)
			if !vcan.mu.TryLock() {
				break
			}
			frame, err := vcan.Recv()
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// No frame received, this is OK
			} else if err != nil {
				log.Errorf("[VIRTUAL] listening routine closed : %v", err)
				vcan.rxError = true
				vcan.mu.Unlock()
				return
			} else if vcan.framehandler != nil {
				vcan.framehandler.Handle(*frame)
			}
			vcan.mu.Unlock()
		}
	}
}

// SetReceiveOwn enables local loopback of sent frames, i.e. the
// framehandler also receives frames sent through this bus.
func (vcan *VirtualCanBus) SetReceiveOwn(receiveOwn bool) {
	vcan.receiveOwn = receiveOwn
}
