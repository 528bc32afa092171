package node

import (
	"errors"
	"sync"
	"testing"
	"time"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/can"
	"github.com/christiansandberg/canopen/pkg/nmt"
	"github.com/christiansandberg/canopen/pkg/od"
	"github.com/christiansandberg/canopen/pkg/sdo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nodeIdTest uint8 = 5

// echoBus hands every sent frame straight back to the bus manager, so
// a local node and the remote node services driving it see each
// other's frames like on a real bus
type echoBus struct {
	mu     sync.Mutex
	bm     *canopen.BusManager
	frames []can.Frame
}

func (b *echoBus) Connect(...any) error              { return nil }
func (b *echoBus) Disconnect() error                 { return nil }
func (b *echoBus) Subscribe(can.FrameListener) error { return nil }

func (b *echoBus) Send(frame can.Frame) error {
	b.mu.Lock()
	b.frames = append(b.frames, frame)
	bm := b.bm
	b.mu.Unlock()
	if bm != nil {
		bm.Handle(frame)
	}
	return nil
}

func (b *echoBus) sent(cobId uint32) []can.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := []can.Frame{}
	for _, frame := range b.frames {
		if frame.ID == cobId {
			frames = append(frames, frame)
		}
	}
	return frames
}

func newLoop() (*echoBus, *canopen.BusManager) {
	bus := &echoBus{}
	bm := canopen.NewBusManager(bus)
	bus.bm = bm
	return bus, bm
}

func setEntry(t *testing.T, odict *od.ObjectDictionary, index uint16, subindex uint8, value any) {
	t.Helper()
	variable, err := odict.Index(index).SubIndex(subindex)
	require.NoError(t, err)
	data, err := od.EncodeFromType(value)
	require.NoError(t, err)
	variable.SetValue(data)
}

func TestNewNodeValidation(t *testing.T) {
	_, bm := newLoop()
	odict := od.Default()

	_, err := NewRemoteNode(nil, odict, nodeIdTest)
	assert.ErrorIs(t, err, canopen.ErrIllegalArgument)
	_, err = NewRemoteNode(bm, nil, nodeIdTest)
	assert.ErrorIs(t, err, canopen.ErrIllegalArgument)
	_, err = NewRemoteNode(bm, odict, 0)
	assert.ErrorIs(t, err, canopen.ErrInvalidNodeId)
	_, err = NewLocalNode(bm, odict, 128)
	assert.ErrorIs(t, err, canopen.ErrInvalidNodeId)

	remote, err := NewRemoteNode(bm, odict, nodeIdTest)
	require.NoError(t, err)
	assert.Equal(t, nodeIdTest, remote.Id())
	assert.Equal(t, odict, remote.OD())
	assert.NotNil(t, remote.SDO)
	assert.NotNil(t, remote.NMT)
	assert.NotNil(t, remote.EMCY)
	assert.Equal(t, 4, remote.RPDO.Len())
	assert.Equal(t, 4, remote.TPDO.Len())
}

func TestLocalNodeBootup(t *testing.T) {
	bus, bm := newLoop()
	local, err := NewLocalNode(bm, od.Default(), nodeIdTest)
	require.NoError(t, err)

	bootups := bus.sent(0x700 + uint32(nodeIdTest))
	require.Len(t, bootups, 1)
	assert.Equal(t, uint8(1), bootups[0].DLC)
	assert.Equal(t, nmt.StateInitializing, bootups[0].Data[0])
	assert.Equal(t, nmt.StatePreOperational, local.NMT.State())
}

func TestLocalNodeHeartbeatFollowsProducerTime(t *testing.T) {
	bus, bm := newLoop()
	odict := od.Default()
	_, err := NewLocalNode(bm, odict, nodeIdTest)
	require.NoError(t, err)
	client, err := sdo.NewClient(bm, odict, nodeIdTest, 50*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, client.WriteRaw(od.EntryProducerHeartbeat, 0, uint16(2), false))
	assert.Eventually(t, func() bool {
		beats := 0
		for _, frame := range bus.sent(0x700 + uint32(nodeIdTest)) {
			if frame.DLC == 1 && frame.Data[0] == nmt.StatePreOperational {
				beats++
			}
		}
		return beats >= 3
	}, time.Second, time.Millisecond)

	// writing zero stops the producer
	require.NoError(t, client.WriteRaw(od.EntryProducerHeartbeat, 0, uint16(0), false))
	count := len(bus.sent(0x700 + uint32(nodeIdTest)))
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, len(bus.sent(0x700+uint32(nodeIdTest))), count+1)
}

func TestLocalNodeCallbacks(t *testing.T) {
	_, bm := newLoop()
	odict := od.Default()
	local, err := NewLocalNode(bm, odict, nodeIdTest)
	require.NoError(t, err)
	client, err := sdo.NewClient(bm, odict, nodeIdTest, 50*time.Millisecond)
	require.NoError(t, err)

	type access struct {
		index    uint16
		subindex uint8
	}
	var reads, writes []access
	local.AddReadCallback(func(index uint16, subindex uint8) {
		reads = append(reads, access{index, subindex})
	})
	local.AddWriteCallback(func(index uint16, subindex uint8) {
		writes = append(writes, access{index, subindex})
	})

	require.NoError(t, client.WriteRaw(0x1005, 0, uint32(0x80), false))
	_, err = client.ReadUint32(0x1005, 0)
	require.NoError(t, err)

	assert.Contains(t, writes, access{0x1005, 0})
	assert.Contains(t, reads, access{0x1005, 0})
}

func TestRemoteNodeReadWrite(t *testing.T) {
	_, bm := newLoop()
	remote, err := NewRemoteNode(bm, od.Default(), nodeIdTest)
	require.NoError(t, err)
	remote.SDO.SetTimeout(50 * time.Millisecond)
	assert.Equal(t, nmt.StateUnknown, remote.NMT.State())

	deviceOd := od.Default()
	_, err = NewLocalNode(bm, deviceOd, nodeIdTest)
	require.NoError(t, err)
	// the boot-up of the local node reached the heartbeat consumer
	assert.Equal(t, nmt.StateInitializing, remote.NMT.State())

	require.NoError(t, remote.Write("Producer heartbeat time", 0, uint16(50)))
	value, err := remote.Read(od.EntryProducerHeartbeat, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), value)
	producerTime, err := deviceOd.Index(od.EntryProducerHeartbeat).Uint16(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(50), producerTime)

	// the heartbeat producer the write started reports PRE-OPERATIONAL
	assert.Eventually(t, func() bool {
		return remote.NMT.State() == nmt.StatePreOperational
	}, time.Second, time.Millisecond)

	_, err = remote.Read(0x5000, 0)
	assert.Error(t, err)
}

func TestRemoteNodeStoreRestore(t *testing.T) {
	bus, bm := newLoop()
	deviceOd := od.Default()
	_, err := NewLocalNode(bm, deviceOd, nodeIdTest)
	require.NoError(t, err)
	remote, err := NewRemoteNode(bm, od.Default(), nodeIdTest)
	require.NoError(t, err)
	remote.SDO.SetTimeout(50 * time.Millisecond)

	bus.mu.Lock()
	bus.frames = nil
	bus.mu.Unlock()

	require.NoError(t, remote.StoreParameters(1))
	requests := bus.sent(0x600 + uint32(nodeIdTest))
	require.Len(t, requests, 1)
	assert.Equal(t, [8]byte{0x23, 0x10, 0x10, 0x01, 's', 'a', 'v', 'e'}, requests[0].Data)
	stored, err := deviceOd.Index(od.EntryStoreParameters).Uint32(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x65766173), stored)

	require.NoError(t, remote.RestoreParameters(1))
	restored, err := deviceOd.Index(od.EntryRestoreParameters).Uint32(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x64616F6C), restored)
}

func TestRemoteNodeLoadConfiguration(t *testing.T) {
	_, bm := newLoop()
	deviceOd := od.Default()
	_, err := NewLocalNode(bm, deviceOd, nodeIdTest)
	require.NoError(t, err)

	hostOd := od.Default()
	_, err = hostOd.AddVariableType(0x6040, "Controlword", od.UNSIGNED16, od.AttributeSdoRw|od.AttributeRpdo, "0x0")
	require.NoError(t, err)
	remote, err := NewRemoteNode(bm, hostOd, nodeIdTest)
	require.NoError(t, err)
	remote.SDO.SetTimeout(50 * time.Millisecond)

	// commission the first receive map and the heartbeat time
	setEntry(t, hostOd, od.EntryRPDOCommunicationStart, 1, uint32(0x205))
	setEntry(t, hostOd, od.EntryRPDOCommunicationStart, 2, uint8(255))
	setEntry(t, hostOd, od.EntryRPDOMappingStart, 0, uint8(1))
	setEntry(t, hostOd, od.EntryRPDOMappingStart, 1, uint32(0x60400010))
	setEntry(t, hostOd, od.EntryProducerHeartbeat, 0, uint16(100))

	require.NoError(t, remote.LoadConfiguration())

	cobId, err := deviceOd.Index(od.EntryRPDOCommunicationStart).Uint32(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x205), cobId)
	count, err := deviceOd.Index(od.EntryRPDOMappingStart).Uint8(0)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), count)
	mapped, err := deviceOd.Index(od.EntryRPDOMappingStart).Uint32(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x60400010), mapped)
	producerTime, err := deviceOd.Index(od.EntryProducerHeartbeat).Uint16(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(100), producerTime)

	// the map engine came out configured
	rpdo1 := remote.RPDO.Number(1)
	assert.Equal(t, uint32(0x205), rpdo1.CobId())
	assert.True(t, rpdo1.Enabled())
	require.Len(t, rpdo1.Variables(), 1)
	assert.Equal(t, 16, rpdo1.Variables()[0].BitLength())

	// the commissioned heartbeat time reached the device
	assert.Eventually(t, func() bool {
		return remote.NMT.State() == nmt.StatePreOperational
	}, time.Second, time.Millisecond)
}

func TestRemoteNodeLoadConfigurationAborts(t *testing.T) {
	t.Run("read only write tolerated", func(t *testing.T) {
		_, bm := newLoop()
		deviceOd := od.Default()
		_, err := deviceOd.AddVariableType(0x2000, "Device setting", od.UNSIGNED8, od.AttributeSdoR, "0x05")
		require.NoError(t, err)
		_, err = NewLocalNode(bm, deviceOd, nodeIdTest)
		require.NoError(t, err)

		hostOd := od.Default()
		_, err = hostOd.AddVariableType(0x2000, "Device setting", od.UNSIGNED8, od.AttributeSdoRw, "0x05")
		require.NoError(t, err)
		setEntry(t, hostOd, 0x2000, 0, uint8(7))
		remote, err := NewRemoteNode(bm, hostOd, nodeIdTest)
		require.NoError(t, err)
		remote.SDO.SetTimeout(50 * time.Millisecond)

		require.NoError(t, remote.LoadConfiguration())
		value, err := deviceOd.Index(0x2000).Uint8(0)
		require.NoError(t, err)
		assert.Equal(t, uint8(5), value)
	})

	t.Run("missing object fails", func(t *testing.T) {
		_, bm := newLoop()
		_, err := NewLocalNode(bm, od.Default(), nodeIdTest)
		require.NoError(t, err)

		hostOd := od.Default()
		_, err = hostOd.AddVariableType(0x2001, "Host only", od.UNSIGNED8, od.AttributeSdoRw, "0x00")
		require.NoError(t, err)
		setEntry(t, hostOd, 0x2001, 0, uint8(1))
		remote, err := NewRemoteNode(bm, hostOd, nodeIdTest)
		require.NoError(t, err)
		remote.SDO.SetTimeout(50 * time.Millisecond)

		err = remote.LoadConfiguration()
		require.Error(t, err)
		var abort sdo.Abort
		require.True(t, errors.As(err, &abort))
		assert.Equal(t, sdo.AbortNotExist, abort)
	})
}

func TestRemoteNodeClose(t *testing.T) {
	_, bm := newLoop()
	remote, err := NewRemoteNode(bm, od.Default(), nodeIdTest)
	require.NoError(t, err)

	bm.Notify(0x700+uint16(nodeIdTest), []byte{nmt.StateOperational}, false)
	assert.Equal(t, nmt.StateOperational, remote.NMT.State())

	remote.Close()
	bm.Notify(0x700+uint16(nodeIdTest), []byte{nmt.StateStopped}, false)
	assert.Equal(t, nmt.StateOperational, remote.NMT.State())
}

func TestLocalNodeClose(t *testing.T) {
	_, bm := newLoop()
	odict := od.Default()
	local, err := NewLocalNode(bm, odict, nodeIdTest)
	require.NoError(t, err)
	client, err := sdo.NewClient(bm, odict, nodeIdTest, 20*time.Millisecond)
	require.NoError(t, err)

	_, err = client.ReadUint16(od.EntryProducerHeartbeat, 0)
	require.NoError(t, err)

	local.Close()
	_, err = client.ReadUint16(od.EntryProducerHeartbeat, 0)
	assert.Error(t, err)
}
