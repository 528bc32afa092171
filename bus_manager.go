package canopen

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/christiansandberg/canopen/pkg/can"
)

// BusManager is a wrapper around the CAN bus interface.
// It is the single ingress point for received frames and the sole
// egress : subscribers register per COB-ID and are called back, in
// registration order, from the bus receive goroutine. Handlers must
// not block; anything that waits does so on its own goroutine.
type BusManager struct {
	mu              sync.Mutex
	bus             can.Bus
	frameListeners  map[uint32][]can.FrameListener
	defaultListener can.FrameListener
	periodicTasks   []*PeriodicTask
	done            chan struct{}
	closeOnce       sync.Once
}

func NewBusManager(bus can.Bus) *BusManager {
	return &BusManager{
		bus:            bus,
		frameListeners: make(map[uint32][]can.FrameListener),
		done:           make(chan struct{}),
	}
}

// Implements the FrameListener interface
// This handles all received CAN frames from Bus
func (bm *BusManager) Handle(frame can.Frame) {
	bm.mu.Lock()
	listeners, ok := bm.frameListeners[frame.ID]
	if !ok || len(listeners) == 0 {
		defaultListener := bm.defaultListener
		bm.mu.Unlock()
		// Frames nobody asked for are offered to the default
		// listener (node scanner) and otherwise dropped
		if defaultListener != nil {
			defaultListener.Handle(frame)
		}
		return
	}
	listeners = append([]can.FrameListener{}, listeners...)
	bm.mu.Unlock()
	for _, listener := range listeners {
		listener.Handle(frame)
	}
}

// Set bus
func (bm *BusManager) SetBus(bus can.Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() can.Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Send a CAN frame on the bus
func (bm *BusManager) Send(frame can.Frame) error {
	bm.mu.Lock()
	bus := bm.bus
	bm.mu.Unlock()
	if bus == nil {
		return ErrNotConnected
	}
	select {
	case <-bm.done:
		return ErrDisconnected
	default:
	}
	err := bus.Send(frame)
	if err != nil {
		log.Warnf("[CAN] send failed : %v", err)
	}
	return err
}

// SendMessage builds and sends a frame with the given COB-ID and payload.
// With rtr set, a remote transmission request of DLC len(data) is sent
// and data bytes are ignored.
func (bm *BusManager) SendMessage(cobId uint16, data []byte, rtr bool) error {
	if len(data) > 8 {
		return ErrIllegalArgument
	}
	id := uint32(cobId) & can.CanSffMask
	if rtr {
		id |= can.CanRtrFlag
	}
	frame := can.NewFrame(id, 0, uint8(len(data)))
	if !rtr {
		copy(frame.Data[:], data)
	}
	return bm.Send(frame)
}

// Subscribe adds a callback for a specific COB-ID.
// Mask is applied to ident ; matching against received frames is exact.
func (bm *BusManager) Subscribe(ident uint32, mask uint32, rtr bool, callback can.FrameListener) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = ident & mask & can.CanSffMask
	if rtr {
		ident |= can.CanRtrFlag
	}
	for _, existing := range bm.frameListeners[ident] {
		if existing == callback {
			log.Warnf("[CAN] callback for id x%x already added", ident)
			return nil
		}
	}
	bm.frameListeners[ident] = append(bm.frameListeners[ident], callback)
	return nil
}

// Unsubscribe removes a previously added callback.
// Safe to call from any goroutine, including with a frame in flight :
// dispatch works on a snapshot, so a callback may still see one last
// frame that was already being delivered.
func (bm *BusManager) Unsubscribe(ident uint32, rtr bool, callback can.FrameListener) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = ident & can.CanSffMask
	if rtr {
		ident |= can.CanRtrFlag
	}
	listeners := bm.frameListeners[ident]
	for i, existing := range listeners {
		if existing == callback {
			bm.frameListeners[ident] = append(listeners[:i:i], listeners[i+1:]...)
			return
		}
	}
}

// SetDefaultListener registers the handler for frames that match no
// subscription (used by the node scanner).
func (bm *BusManager) SetDefaultListener(listener can.FrameListener) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.defaultListener = listener
}

// Notify injects a frame as if it had been received from the bus.
// Useful for testing without a real transport.
func (bm *BusManager) Notify(cobId uint16, data []byte, rtr bool) {
	id := uint32(cobId) & can.CanSffMask
	if rtr {
		id |= can.CanRtrFlag
	}
	frame := can.NewFrame(id, 0, uint8(len(data)))
	copy(frame.Data[:], data)
	bm.Handle(frame)
}

// Done is closed when the bus manager shuts down. Blocking operations
// select on it so that disconnecting releases every waiter.
func (bm *BusManager) Done() <-chan struct{} {
	return bm.done
}

// Close stops all periodic tasks and releases all waiters.
// The underlying bus is not touched.
func (bm *BusManager) Close() {
	bm.closeOnce.Do(func() { close(bm.done) })
	bm.mu.Lock()
	tasks := append([]*PeriodicTask{}, bm.periodicTasks...)
	bm.periodicTasks = nil
	bm.mu.Unlock()
	for _, task := range tasks {
		task.Stop()
	}
}
