package sdo

import (
	"testing"
	"time"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/internal/crc"
	"github.com/christiansandberg/canopen/pkg/can"
	"github.com/christiansandberg/canopen/pkg/od"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nodeIdTest uint8 = 2

// exchange is one scripted request / response pair : the request the
// client is expected to send and the responses injected back
type exchange struct {
	req  []byte
	resp [][]byte
}

// scriptBus stands in for a remote SDO server. Every frame sent by the
// client is compared against the script and answered with the scripted
// responses. Everything runs on the test goroutine, responses are
// buffered by the client until it reads them.
type scriptBus struct {
	t     *testing.T
	bm    *canopen.BusManager
	steps []exchange
	pos   int
}

func (s *scriptBus) Connect(...any) error              { return nil }
func (s *scriptBus) Disconnect() error                 { return nil }
func (s *scriptBus) Subscribe(can.FrameListener) error { return nil }

func (s *scriptBus) Send(frame can.Frame) error {
	s.t.Helper()
	require.Less(s.t, s.pos, len(s.steps), "unexpected request %v", frame.Data)
	step := s.steps[s.pos]
	s.pos++
	if step.req != nil {
		assert.Equal(s.t, step.req, frame.Data[:], "request %v", s.pos)
	}
	for _, payload := range step.resp {
		s.bm.Notify(ServerServiceId+uint16(nodeIdTest), payload, false)
	}
	return nil
}

// done verifies that the whole script was consumed
func (s *scriptBus) done() {
	assert.Equal(s.t, len(s.steps), s.pos, "script not fully consumed")
}

func newTestClient(t *testing.T, odict *od.ObjectDictionary, steps []exchange) (*Client, *scriptBus) {
	bus := &scriptBus{t: t, steps: steps}
	bm := canopen.NewBusManager(bus)
	bus.bm = bm
	client, err := NewClient(bm, odict, nodeIdTest, 50*time.Millisecond)
	require.NoError(t, err)
	return client, bus
}

func TestNewClient(t *testing.T) {
	bm := canopen.NewBusManager(nil)
	_, err := NewClient(nil, nil, 10, 0)
	assert.Equal(t, canopen.ErrIllegalArgument, err)
	_, err = NewClient(bm, nil, 0, 0)
	assert.Equal(t, canopen.ErrInvalidNodeId, err)
	_, err = NewClient(bm, nil, 128, 0)
	assert.Equal(t, canopen.ErrInvalidNodeId, err)
	client, err := NewClient(bm, nil, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 10, client.NodeId())
}

func TestClientUploadExpedited(t *testing.T) {
	t.Run("size indicated", func(t *testing.T) {
		client, bus := newTestClient(t, nil, []exchange{{
			req:  []byte{0x40, 0x00, 0x10, 0x00, 0, 0, 0, 0},
			resp: [][]byte{{0x43, 0x00, 0x10, 0x00, 0x92, 0x01, 0x02, 0x00}},
		}})
		data, err := client.Upload(0x1000, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x92, 0x01, 0x02, 0x00}, data)
		value, err := od.DecodeToType(data, od.UNSIGNED32)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x00020192), value)
		bus.done()
	})
	t.Run("padded response truncated to od size", func(t *testing.T) {
		client, bus := newTestClient(t, od.Default(), []exchange{{
			req:  []byte{0x40, 0x01, 0x10, 0x00, 0, 0, 0, 0},
			resp: [][]byte{{0x42, 0x01, 0x10, 0x00, 0x05, 0x00, 0x00, 0x00}},
		}})
		data, err := client.Upload(0x1001, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x05}, data)
		bus.done()
	})
}

func TestClientUploadSegmented(t *testing.T) {
	client, bus := newTestClient(t, nil, []exchange{
		{
			req:  []byte{0x40, 0x08, 0x10, 0x00, 0, 0, 0, 0},
			resp: [][]byte{{0x41, 0x08, 0x10, 0x00, 12, 0, 0, 0}},
		},
		{
			req:  []byte{0x60, 0, 0, 0, 0, 0, 0, 0},
			resp: [][]byte{{0x00, 'H', 'e', 'l', 'l', 'o', ' ', 'W'}},
		},
		{
			req:  []byte{0x70, 0, 0, 0, 0, 0, 0, 0},
			resp: [][]byte{{0x15, 'o', 'r', 'l', 'd', '!', 0, 0}},
		},
	})
	data, err := client.Upload(0x1008, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello World!"), data)
	bus.done()
}

func TestClientUploadErrors(t *testing.T) {
	t.Run("abort from server", func(t *testing.T) {
		client, bus := newTestClient(t, nil, []exchange{{
			req:  []byte{0x40, 0x77, 0x77, 0x00, 0, 0, 0, 0},
			resp: [][]byte{{0x80, 0x77, 0x77, 0x00, 0x00, 0x00, 0x02, 0x06}},
		}})
		_, err := client.Upload(0x7777, 0)
		assert.ErrorIs(t, err, AbortNotExist)
		bus.done()
	})
	t.Run("unexpected command specifier", func(t *testing.T) {
		client, bus := newTestClient(t, nil, []exchange{
			{
				req:  []byte{0x40, 0x00, 0x10, 0x00, 0, 0, 0, 0},
				resp: [][]byte{{0x60, 0x00, 0x10, 0x00, 0, 0, 0, 0}},
			},
			{req: []byte{0x80, 0x00, 0x10, 0x00, 0x01, 0x00, 0x04, 0x05}},
		})
		_, err := client.Upload(0x1000, 0)
		assert.ErrorIs(t, err, ErrUnexpectedResponse)
		bus.done()
	})
	t.Run("wrong index echo", func(t *testing.T) {
		client, bus := newTestClient(t, nil, []exchange{
			{
				req:  []byte{0x40, 0x00, 0x10, 0x00, 0, 0, 0, 0},
				resp: [][]byte{{0x43, 0x01, 0x10, 0x00, 0, 0, 0, 0}},
			},
			{req: []byte{0x80, 0x00, 0x10, 0x00, 0x01, 0x00, 0x04, 0x05}},
		})
		_, err := client.Upload(0x1000, 0)
		assert.ErrorIs(t, err, ErrWrongIndex)
		bus.done()
	})
	t.Run("toggle bit mismatch", func(t *testing.T) {
		client, bus := newTestClient(t, nil, []exchange{
			{
				req:  []byte{0x40, 0x08, 0x10, 0x00, 0, 0, 0, 0},
				resp: [][]byte{{0x41, 0x08, 0x10, 0x00, 12, 0, 0, 0}},
			},
			{
				req:  []byte{0x60, 0, 0, 0, 0, 0, 0, 0},
				resp: [][]byte{{0x10, 'H', 'e', 'l', 'l', 'o', ' ', 'W'}},
			},
			{req: []byte{0x80, 0x08, 0x10, 0x00, 0x00, 0x00, 0x03, 0x05}},
		})
		_, err := client.Upload(0x1008, 0)
		assert.ErrorIs(t, err, ErrToggleBit)
		bus.done()
	})
	t.Run("size mismatch", func(t *testing.T) {
		client, bus := newTestClient(t, nil, []exchange{
			{
				req:  []byte{0x40, 0x08, 0x10, 0x00, 0, 0, 0, 0},
				resp: [][]byte{{0x41, 0x08, 0x10, 0x00, 5, 0, 0, 0}},
			},
			{
				req:  []byte{0x60, 0, 0, 0, 0, 0, 0, 0},
				resp: [][]byte{{0x01, 'H', 'e', 'l', 'l', 'o', ' ', 'W'}},
			},
		})
		_, err := client.Upload(0x1008, 0)
		assert.ErrorIs(t, err, ErrSizeMismatch)
		bus.done()
	})
}

func TestClientDownloadExpedited(t *testing.T) {
	client, bus := newTestClient(t, nil, []exchange{{
		req:  []byte{0x2B, 0x17, 0x10, 0x00, 0xE8, 0x03, 0, 0},
		resp: [][]byte{{0x60, 0x17, 0x10, 0x00, 0, 0, 0, 0}},
	}})
	err := client.Download(0x1017, 0, []byte{0xE8, 0x03}, false)
	require.NoError(t, err)
	bus.done()
}

func TestClientDownloadSegmented(t *testing.T) {
	t.Run("known size", func(t *testing.T) {
		client, bus := newTestClient(t, nil, []exchange{
			{
				req:  []byte{0x21, 0x00, 0x20, 0x00, 12, 0, 0, 0},
				resp: [][]byte{{0x60, 0x00, 0x20, 0x00, 0, 0, 0, 0}},
			},
			{
				req:  []byte{0x00, 'H', 'e', 'l', 'l', 'o', ' ', 'W'},
				resp: [][]byte{{0x20, 0, 0, 0, 0, 0, 0, 0}},
			},
			{
				req:  []byte{0x15, 'o', 'r', 'l', 'd', '!', 0, 0},
				resp: [][]byte{{0x30, 0, 0, 0, 0, 0, 0, 0}},
			},
		})
		err := client.Download(0x2000, 0, []byte("Hello World!"), false)
		require.NoError(t, err)
		bus.done()
	})
	t.Run("force segment", func(t *testing.T) {
		client, bus := newTestClient(t, nil, []exchange{
			{
				req:  []byte{0x21, 0x00, 0x20, 0x00, 2, 0, 0, 0},
				resp: [][]byte{{0x60, 0x00, 0x20, 0x00, 0, 0, 0, 0}},
			},
			{
				req:  []byte{0x0B, 0xE8, 0x03, 0, 0, 0, 0, 0},
				resp: [][]byte{{0x20, 0, 0, 0, 0, 0, 0, 0}},
			},
		})
		err := client.Download(0x2000, 0, []byte{0xE8, 0x03}, true)
		require.NoError(t, err)
		bus.done()
	})
	t.Run("unknown size ends with empty segment", func(t *testing.T) {
		client, bus := newTestClient(t, nil, []exchange{
			{
				req:  []byte{0x20, 0x00, 0x20, 0x00, 0, 0, 0, 0},
				resp: [][]byte{{0x60, 0x00, 0x20, 0x00, 0, 0, 0, 0}},
			},
			{
				req:  []byte{0x00, '1', '2', '3', '4', '5', '6', '7'},
				resp: [][]byte{{0x20, 0, 0, 0, 0, 0, 0, 0}},
			},
			{
				req:  []byte{0x1F, 0, 0, 0, 0, 0, 0, 0},
				resp: [][]byte{{0x30, 0, 0, 0, 0, 0, 0, 0}},
			},
		})
		writer, err := client.Writer(0x2000, 0, -1, false)
		require.NoError(t, err)
		n, err := writer.Write([]byte("1234567"))
		require.NoError(t, err)
		assert.Equal(t, 7, n)
		require.NoError(t, writer.Close())
		bus.done()
	})
}

func TestClientDownloadBlock(t *testing.T) {
	data := []byte("0123456789")
	checksum := crc.CRC16(0)
	checksum.Block(data)
	endRequest := []byte{0xD1, byte(checksum), byte(checksum >> 8), 0, 0, 0, 0, 0}

	t.Run("single train", func(t *testing.T) {
		client, bus := newTestClient(t, nil, []exchange{
			{
				req:  []byte{0xC6, 0x00, 0x20, 0x00, 10, 0, 0, 0},
				resp: [][]byte{{0xA4, 0x00, 0x20, 0x00, 127, 0, 0, 0}},
			},
			{req: []byte{0x01, '0', '1', '2', '3', '4', '5', '6'}},
			{
				req:  []byte{0x82, '7', '8', '9', 0, 0, 0, 0},
				resp: [][]byte{{0xA2, 2, 127, 0, 0, 0, 0, 0}},
			},
			{
				req:  endRequest,
				resp: [][]byte{{0xA1, 0, 0, 0, 0, 0, 0, 0}},
			},
		})
		err := client.DownloadBlock(0x2000, 0, data)
		require.NoError(t, err)
		bus.done()
	})
	t.Run("lost segment retransmitted", func(t *testing.T) {
		client, bus := newTestClient(t, nil, []exchange{
			{
				req:  []byte{0xC6, 0x00, 0x20, 0x00, 10, 0, 0, 0},
				resp: [][]byte{{0xA4, 0x00, 0x20, 0x00, 127, 0, 0, 0}},
			},
			{req: []byte{0x01, '0', '1', '2', '3', '4', '5', '6'}},
			{
				req: []byte{0x82, '7', '8', '9', 0, 0, 0, 0},
				// server only received the first segment
				resp: [][]byte{{0xA2, 1, 127, 0, 0, 0, 0, 0}},
			},
			{
				req:  []byte{0x81, '7', '8', '9', 0, 0, 0, 0},
				resp: [][]byte{{0xA2, 1, 127, 0, 0, 0, 0, 0}},
			},
			{
				req:  endRequest,
				resp: [][]byte{{0xA1, 0, 0, 0, 0, 0, 0, 0}},
			},
		})
		err := client.DownloadBlock(0x2000, 0, data)
		require.NoError(t, err)
		bus.done()
	})
}

func TestClientUploadBlock(t *testing.T) {
	data := []byte("this is a long value")
	checksum := crc.CRC16(0)
	checksum.Block(data)
	// 20 bytes, last segment carries 6 so 1 byte is unused
	endFrame := []byte{0xC5, byte(checksum), byte(checksum >> 8), 0, 0, 0, 0, 0}

	t.Run("three segments with crc", func(t *testing.T) {
		client, bus := newTestClient(t, nil, []exchange{
			{
				req:  []byte{0xA4, 0x01, 0x20, 0x00, 127, 0, 0, 0},
				resp: [][]byte{{0xC6, 0x01, 0x20, 0x00, 20, 0, 0, 0}},
			},
			{
				req: []byte{0xA3, 0, 0, 0, 0, 0, 0, 0},
				resp: [][]byte{
					{0x01, 't', 'h', 'i', 's', ' ', 'i', 's'},
					{0x02, ' ', 'a', ' ', 'l', 'o', 'n', 'g'},
					{0x83, ' ', 'v', 'a', 'l', 'u', 'e', 0},
				},
			},
			{
				req:  []byte{0xA2, 3, 127, 0, 0, 0, 0, 0},
				resp: [][]byte{endFrame},
			},
			{req: []byte{0xA1, 0, 0, 0, 0, 0, 0, 0}},
		})
		received, err := client.UploadBlock(0x2001, 0)
		require.NoError(t, err)
		assert.Equal(t, data, received)
		bus.done()
	})
	t.Run("crc mismatch", func(t *testing.T) {
		badEnd := make([]byte, 8)
		copy(badEnd, endFrame)
		badEnd[1]++
		client, bus := newTestClient(t, nil, []exchange{
			{
				req:  []byte{0xA4, 0x01, 0x20, 0x00, 127, 0, 0, 0},
				resp: [][]byte{{0xC6, 0x01, 0x20, 0x00, 20, 0, 0, 0}},
			},
			{
				req: []byte{0xA3, 0, 0, 0, 0, 0, 0, 0},
				resp: [][]byte{
					{0x01, 't', 'h', 'i', 's', ' ', 'i', 's'},
					{0x02, ' ', 'a', ' ', 'l', 'o', 'n', 'g'},
					{0x83, ' ', 'v', 'a', 'l', 'u', 'e', 0},
				},
			},
			{
				req:  []byte{0xA2, 3, 127, 0, 0, 0, 0, 0},
				resp: [][]byte{badEnd},
			},
			{req: []byte{0x80, 0x01, 0x20, 0x00, 0x04, 0x00, 0x04, 0x05}},
		})
		_, err := client.UploadBlock(0x2001, 0)
		assert.ErrorIs(t, err, ErrCRC)
		bus.done()
	})
	t.Run("server switches to normal upload", func(t *testing.T) {
		client, bus := newTestClient(t, nil, []exchange{{
			req:  []byte{0xA4, 0x00, 0x10, 0x00, 127, 0, 0, 0},
			resp: [][]byte{{0x43, 0x00, 0x10, 0x00, 0x92, 0x01, 0x02, 0x00}},
		}})
		received, err := client.UploadBlock(0x1000, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x92, 0x01, 0x02, 0x00}, received)
		bus.done()
	})
}

func TestClientTimeout(t *testing.T) {
	t.Run("abort after timeout", func(t *testing.T) {
		client, bus := newTestClient(t, nil, []exchange{
			{req: []byte{0x40, 0x00, 0x10, 0x00, 0, 0, 0, 0}},
			{req: []byte{0x80, 0x00, 0x10, 0x00, 0x00, 0x00, 0x04, 0x05}},
		})
		client.SetTimeout(5 * time.Millisecond)
		_, err := client.Upload(0x1000, 0)
		assert.ErrorIs(t, err, ErrTimeout)
		bus.done()
	})
	t.Run("retry succeeds", func(t *testing.T) {
		client, bus := newTestClient(t, nil, []exchange{
			{req: []byte{0x40, 0x00, 0x10, 0x00, 0, 0, 0, 0}},
			{
				req:  []byte{0x40, 0x00, 0x10, 0x00, 0, 0, 0, 0},
				resp: [][]byte{{0x43, 0x00, 0x10, 0x00, 0x92, 0x01, 0x02, 0x00}},
			},
		})
		client.SetTimeout(5 * time.Millisecond)
		client.SetRetries(2)
		data, err := client.Upload(0x1000, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x92, 0x01, 0x02, 0x00}, data)
		bus.done()
	})
	t.Run("next transfer unaffected", func(t *testing.T) {
		client, bus := newTestClient(t, nil, []exchange{
			{req: []byte{0x40, 0x00, 0x10, 0x00, 0, 0, 0, 0}},
			{req: []byte{0x80, 0x00, 0x10, 0x00, 0x00, 0x00, 0x04, 0x05}},
			{
				req:  []byte{0x40, 0x01, 0x10, 0x00, 0, 0, 0, 0},
				resp: [][]byte{{0x4F, 0x01, 0x10, 0x00, 0x05, 0, 0, 0}},
			},
		})
		client.SetTimeout(5 * time.Millisecond)
		_, err := client.Upload(0x1000, 0)
		assert.ErrorIs(t, err, ErrTimeout)
		data, err := client.Upload(0x1001, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x05}, data)
		bus.done()
	})
}

func TestClientBusy(t *testing.T) {
	client, bus := newTestClient(t, nil, []exchange{
		{
			req:  []byte{0x40, 0x00, 0x10, 0x00, 0, 0, 0, 0},
			resp: [][]byte{{0x43, 0x00, 0x10, 0x00, 0x92, 0x01, 0x02, 0x00}},
		},
		{
			req:  []byte{0x40, 0x01, 0x10, 0x00, 0, 0, 0, 0},
			resp: [][]byte{{0x4F, 0x01, 0x10, 0x00, 0x05, 0, 0, 0}},
		},
	})
	client.SetNonBlocking(true)
	reader, err := client.Reader(0x1000, 0)
	require.NoError(t, err)
	_, err = client.Upload(0x1001, 0)
	assert.ErrorIs(t, err, ErrBusy)
	require.NoError(t, reader.Close())
	data, err := client.Upload(0x1001, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05}, data)
	bus.done()
}

func TestAbortDescriptions(t *testing.T) {
	assert.Equal(t, "SDO protocol timed out", AbortTimeout.Description())
	assert.Contains(t, AbortToggleBit.Error(), "x5030000")
	assert.Contains(t, AbortToggleBit.Error(), "Toggle bit not altered")
	// unknown codes fall back to the general description
	assert.Equal(t, "General error", Abort(0x12345678).Description())
}
