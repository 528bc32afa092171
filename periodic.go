package canopen

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/christiansandberg/canopen/pkg/can"
)

// PeriodicTask transmits a frame at a fixed period until stopped.
// Used for SYNC, heartbeat producing, event-timer PDOs and node guarding.
type PeriodicTask struct {
	bm       *BusManager
	mu       sync.Mutex
	frame    can.Frame
	ticker   *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// SendPeriodic starts transmitting the given payload every period.
// The returned task keeps firing until Stop, Update changes the payload
// of subsequent transmissions. The first frame goes out immediately.
func (bm *BusManager) SendPeriodic(cobId uint16, data []byte, period time.Duration, rtr bool) *PeriodicTask {
	id := uint32(cobId) & can.CanSffMask
	if rtr {
		id |= can.CanRtrFlag
	}
	frame := can.NewFrame(id, 0, uint8(len(data)))
	if !rtr {
		copy(frame.Data[:], data)
	}
	task := &PeriodicTask{
		bm:     bm,
		frame:  frame,
		ticker: time.NewTicker(period),
		stop:   make(chan struct{}),
	}
	bm.mu.Lock()
	bm.periodicTasks = append(bm.periodicTasks, task)
	bm.mu.Unlock()
	task.wg.Add(1)
	go task.run()
	return task
}

func (task *PeriodicTask) run() {
	defer task.wg.Done()
	task.transmit()
	for {
		select {
		case <-task.stop:
			return
		case <-task.bm.done:
			return
		case <-task.ticker.C:
			task.transmit()
		}
	}
}

func (task *PeriodicTask) transmit() {
	task.mu.Lock()
	frame := task.frame
	task.mu.Unlock()
	if err := task.bm.Send(frame); err != nil {
		log.Warnf("[PERIODIC] send x%x failed : %v", frame.ID, err)
	}
}

// Update replaces the payload used for subsequent transmissions
func (task *PeriodicTask) Update(data []byte) {
	task.mu.Lock()
	defer task.mu.Unlock()
	task.frame.DLC = uint8(len(data))
	task.frame.Data = [8]byte{}
	copy(task.frame.Data[:], data)
}

// Stop cancels the task. It only returns once the transmit goroutine
// has exited, so no frame is sent after Stop.
func (task *PeriodicTask) Stop() {
	task.stopOnce.Do(func() { close(task.stop) })
	task.wg.Wait()
	task.ticker.Stop()
}
