package emergency

import (
	"sync"
	"testing"
	"time"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nodeIdTest uint8 = 2

type recordBus struct {
	mu     sync.Mutex
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

func newTestConsumer(t *testing.T) (*Consumer, *canopen.BusManager) {
	bm := canopen.NewBusManager(&recordBus{})
	consumer, err := NewConsumer(bm, nodeIdTest)
	require.NoError(t, err)
	return consumer, bm
}

func TestConsumerParse(t *testing.T) {
	consumer, bm := newTestConsumer(t)
	received := make([]*Error, 0)
	consumer.AddCallback(func(emergency *Error) { received = append(received, emergency) })

	bm.Notify(ServiceId+uint16(nodeIdTest), []byte{0x01, 0x10, ErrRegGeneric, 1, 2, 3, 4, 5}, false)

	active := consumer.Active()
	require.Len(t, active, 1)
	assert.EqualValues(t, 0x1001, active[0].Code)
	assert.EqualValues(t, ErrRegGeneric, active[0].Register)
	assert.Equal(t, [5]byte{1, 2, 3, 4, 5}, active[0].Data)
	assert.False(t, active[0].Timestamp.IsZero())
	require.Len(t, received, 1)
	assert.Equal(t, active[0], received[0])

	// frames with a wrong length are dropped
	bm.Notify(ServiceId+uint16(nodeIdTest), []byte{0x01, 0x10, 0x01}, false)
	assert.Len(t, consumer.Log(), 1)
}

func TestConsumerErrorReset(t *testing.T) {
	consumer, bm := newTestConsumer(t)
	bm.Notify(ServiceId+uint16(nodeIdTest), []byte{0x00, 0x81, 0x11, 0, 0, 0, 0, 0}, false)
	bm.Notify(ServiceId+uint16(nodeIdTest), []byte{0x10, 0x81, 0x11, 0, 0, 0, 0, 0}, false)
	assert.Len(t, consumer.Active(), 2)

	// code 0x0000 clears the active list but stays in the log
	bm.Notify(ServiceId+uint16(nodeIdTest), []byte{0x00, 0x00, 0x00, 0, 0, 0, 0, 0}, false)
	assert.Empty(t, consumer.Active())
	assert.Len(t, consumer.Log(), 3)

	consumer.Reset()
	assert.Empty(t, consumer.Log())
}

func TestConsumerWait(t *testing.T) {
	consumer, bm := newTestConsumer(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		bm.Notify(ServiceId+uint16(nodeIdTest), []byte{0x30, 0x81, 0x11, 0, 0, 0, 0, 0}, false)
	}()
	emergency, err := consumer.Wait(time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, ErrHeartbeat, emergency.Code)

	_, err = consumer.Wait(10 * time.Millisecond)
	assert.ErrorIs(t, err, canopen.ErrTimeout)
}

func TestErrorDescriptions(t *testing.T) {
	assert.Equal(t, "Life Guard Error or Heartbeat Error", (&Error{Code: ErrHeartbeat}).Description())
	// codes without an exact entry fall back to their class
	assert.Equal(t, "Generic Error", (&Error{Code: 0x1001}).Description())
	assert.Equal(t, "Voltage", (&Error{Code: 0x3456}).Description())
	assert.Equal(t, "emergency x1000 : Generic Error", (&Error{Code: ErrGeneric}).Error())
}

func TestProducer(t *testing.T) {
	bus := &recordBus{}
	bm := canopen.NewBusManager(bus)
	producer, err := NewProducer(bm, nodeIdTest)
	require.NoError(t, err)

	require.NoError(t, producer.Send(ErrTempDevice, ErrRegTemperature, []byte{0xAA}))
	require.NoError(t, producer.Reset())
	assert.Error(t, producer.Send(ErrGeneric, 0, make([]byte, 6)))

	frames := bus.all()
	require.Len(t, frames, 2)
	assert.EqualValues(t, ServiceId+uint16(nodeIdTest), frames[0].ID)
	assert.Equal(t, [8]byte{0x00, 0x42, ErrRegTemperature, 0xAA, 0, 0, 0, 0}, frames[0].Data)
	assert.Equal(t, [8]byte{}, frames[1].Data)
}
