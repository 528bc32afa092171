// Package sync implements the CiA 301 SYNC producer
package sync

import (
	s "sync"
	"time"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/od"
	log "github.com/sirupsen/logrus"
)

const ServiceId uint16 = 0x80

// Producer emits SYNC messages, either one-shot or periodically.
// With a counter overflow above 1 (object 0x1019) every SYNC carries a
// counter cycling from 1 to the overflow value, otherwise the payload
// is empty
type Producer struct {
	*canopen.BusManager
	mu       s.Mutex
	cobId    uint16
	counter  uint8
	overflow uint8
	stop     chan struct{}
	wg       s.WaitGroup
}

// NewProducer creates a SYNC producer. The COB-ID is taken from object
// 0x1005 and the counter overflow from 0x1019 when the dictionary
// defines them
func NewProducer(bm *canopen.BusManager, odict *od.ObjectDictionary) (*Producer, error) {
	if bm == nil {
		return nil, canopen.ErrIllegalArgument
	}
	producer := &Producer{BusManager: bm, cobId: ServiceId}
	if odict != nil {
		if cobId, err := odict.Index(0x1005).Uint32(0); err == nil {
			producer.cobId = uint16(cobId & 0x7FF)
		}
		if overflow, err := odict.Index(0x1019).Uint8(0); err == nil && overflow > 1 {
			producer.overflow = overflow
		}
	}
	return producer, nil
}

// Transmit sends a single SYNC now
func (producer *Producer) Transmit() error {
	producer.mu.Lock()
	var data []byte
	if producer.overflow > 1 {
		producer.counter++
		if producer.counter > producer.overflow {
			producer.counter = 1
		}
		data = []byte{producer.counter}
	}
	cobId := producer.cobId
	producer.mu.Unlock()
	return producer.SendMessage(cobId, data, false)
}

// Start transmits a SYNC every period until Stop. The first SYNC goes
// out immediately
func (producer *Producer) Start(period time.Duration) error {
	if period <= 0 {
		return canopen.ErrIllegalArgument
	}
	producer.Stop()
	stop := make(chan struct{})
	producer.mu.Lock()
	producer.stop = stop
	producer.mu.Unlock()
	producer.wg.Add(1)
	go producer.run(period, stop)
	return nil
}

func (producer *Producer) run(period time.Duration, stop chan struct{}) {
	defer producer.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	producer.transmit()
	for {
		select {
		case <-stop:
			return
		case <-producer.Done():
			return
		case <-ticker.C:
			producer.transmit()
		}
	}
}

func (producer *Producer) transmit() {
	if err := producer.Transmit(); err != nil {
		log.Warnf("[SYNC] transmit failed : %v", err)
	}
}

// Stop cancels periodic transmission. No SYNC is sent after Stop
// returns
func (producer *Producer) Stop() {
	producer.mu.Lock()
	stop := producer.stop
	producer.stop = nil
	producer.mu.Unlock()
	if stop != nil {
		close(stop)
		producer.wg.Wait()
	}
}
