package virtual

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christiansandberg/canopen/pkg/can"
)

func startBroker(t *testing.T) *Server {
	t.Helper()
	server, err := NewServer("127.0.0.1:0")
	require.Nil(t, err)
	t.Cleanup(func() { server.Stop() })
	return server
}

func newVcan(t *testing.T, channel string) *VirtualCanBus {
	t.Helper()
	canBus, err := NewVirtualCanBus(channel)
	require.Nil(t, err)
	vcan, ok := canBus.(*VirtualCanBus)
	require.True(t, ok)
	require.Nil(t, vcan.Connect())
	t.Cleanup(func() { vcan.Disconnect() })
	return vcan
}

type FrameReceiver struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (frameReceiver *FrameReceiver) Handle(frame can.Frame) {
	frameReceiver.mu.Lock()
	defer frameReceiver.mu.Unlock()
	frameReceiver.frames = append(frameReceiver.frames, frame)
}

func (frameReceiver *FrameReceiver) Frames() []can.Frame {
	frameReceiver.mu.Lock()
	defer frameReceiver.mu.Unlock()
	frames := make([]can.Frame, len(frameReceiver.frames))
	copy(frames, frameReceiver.frames)
	return frames
}

func TestSendAndSubscribe(t *testing.T) {
	server := startBroker(t)
	vcan1 := newVcan(t, server.Addr())
	vcan2 := newVcan(t, server.Addr())
	frameReceiver := &FrameReceiver{}
	require.Nil(t, vcan2.Subscribe(frameReceiver))

	// Send 10 frames from vcan1, check order and content on vcan2
	frame := can.Frame{ID: 0x111, Flags: 0, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	for i := 0; i < 10; i++ {
		frame.Data[0] = uint8(i)
		require.Nil(t, vcan1.Send(frame))
	}
	assert.Eventually(t, func() bool {
		return len(frameReceiver.Frames()) == 10
	}, 2*time.Second, 10*time.Millisecond)
	for i, received := range frameReceiver.Frames() {
		assert.EqualValues(t, 0x111, received.ID)
		assert.EqualValues(t, i, received.Data[0])
	}
}

func TestNoEchoToSender(t *testing.T) {
	server := startBroker(t)
	vcan1 := newVcan(t, server.Addr())
	vcan2 := newVcan(t, server.Addr())
	receiver1 := &FrameReceiver{}
	receiver2 := &FrameReceiver{}
	require.Nil(t, vcan1.Subscribe(receiver1))
	require.Nil(t, vcan2.Subscribe(receiver2))

	require.Nil(t, vcan1.Send(can.Frame{ID: 0x222, DLC: 2, Data: [8]byte{0xAA, 0xBB}}))
	assert.Eventually(t, func() bool {
		return len(receiver2.Frames()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	// Broker must not echo back to the sender
	assert.Empty(t, receiver1.Frames())
}

func TestReceiveOwn(t *testing.T) {
	server := startBroker(t)
	vcan := newVcan(t, server.Addr())
	vcan.SetReceiveOwn(true)
	frameReceiver := &FrameReceiver{}
	require.Nil(t, vcan.Subscribe(frameReceiver))

	require.Nil(t, vcan.Send(can.Frame{ID: 0x333, DLC: 1, Data: [8]byte{0x01}}))
	assert.Eventually(t, func() bool {
		return len(frameReceiver.Frames()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 0x333, frameReceiver.Frames()[0].ID)
}

func TestFrameSerialization(t *testing.T) {
	frame := can.Frame{ID: 0x7E5, Flags: 0, DLC: 8, Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}
	raw, err := serializeFrame(frame)
	require.Nil(t, err)
	// 4 byte length prefix + 14 byte big-endian frame
	require.Len(t, raw, 18)
	assert.EqualValues(t, 14, raw[3])
	decoded, err := deserializeFrame(raw[4:])
	require.Nil(t, err)
	assert.Equal(t, frame, *decoded)
}
