package sync

import (
	s "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/can"
	"github.com/christiansandberg/canopen/pkg/od"
)

// recordBus keeps every sent frame, safe for the producer goroutine
type recordBus struct {
	mu     s.Mutex
	frames []can.Frame
}

func (b *recordBus) Connect(...any) error              { return nil }
func (b *recordBus) Disconnect() error                 { return nil }
func (b *recordBus) Subscribe(can.FrameListener) error { return nil }

func (b *recordBus) Send(frame can.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, frame)
	return nil
}

func (b *recordBus) all() []can.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]can.Frame{}, b.frames...)
}

func TestNewProducer(t *testing.T) {
	_, err := NewProducer(nil, nil)
	assert.Equal(t, canopen.ErrIllegalArgument, err)

	bus := &recordBus{}
	producer, err := NewProducer(canopen.NewBusManager(bus), nil)
	require.NoError(t, err)
	assert.Equal(t, ServiceId, producer.cobId)
}

func TestTransmit(t *testing.T) {
	bus := &recordBus{}
	producer, err := NewProducer(canopen.NewBusManager(bus), od.Default())
	require.NoError(t, err)

	require.NoError(t, producer.Transmit())
	require.NoError(t, producer.Transmit())

	frames := bus.all()
	require.Len(t, frames, 2)
	for _, frame := range frames {
		assert.Equal(t, uint32(ServiceId), frame.ID)
		assert.Equal(t, uint8(0), frame.DLC)
	}
}

func TestTransmitCounter(t *testing.T) {
	odict := od.Default()
	variable, err := odict.Index(0x1019).SubIndex(0)
	require.NoError(t, err)
	variable.SetValue([]byte{3})

	bus := &recordBus{}
	producer, err := NewProducer(canopen.NewBusManager(bus), odict)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, producer.Transmit())
	}

	frames := bus.all()
	require.Len(t, frames, 4)
	for i, counter := range []uint8{1, 2, 3, 1} {
		assert.Equal(t, uint8(1), frames[i].DLC)
		assert.Equal(t, counter, frames[i].Data[0])
	}
}

func TestCobIdFromDictionary(t *testing.T) {
	odict := od.Default()
	variable, err := odict.Index(0x1005).SubIndex(0)
	require.NoError(t, err)
	variable.SetValue([]byte{0xA0, 0x00, 0x00, 0x40})

	bus := &recordBus{}
	producer, err := NewProducer(canopen.NewBusManager(bus), odict)
	require.NoError(t, err)

	require.NoError(t, producer.Transmit())
	frames := bus.all()
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(0xA0), frames[0].ID)
}

func TestStartStop(t *testing.T) {
	bus := &recordBus{}
	producer, err := NewProducer(canopen.NewBusManager(bus), od.Default())
	require.NoError(t, err)

	assert.Equal(t, canopen.ErrIllegalArgument, producer.Start(0))

	require.NoError(t, producer.Start(2*time.Millisecond))
	assert.Eventually(t, func() bool {
		return len(bus.all()) >= 3
	}, time.Second, time.Millisecond)

	producer.Stop()
	sent := len(bus.all())
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, bus.all(), sent)
}
