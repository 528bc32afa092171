// Package time implements the CiA 301 TIME stamp producer
package time

import (
	"encoding/binary"
	s "sync"
	"time"

	canopen "github.com/christiansandberg/canopen"
	log "github.com/sirupsen/logrus"
)

const ServiceId uint16 = 0x100

// Seconds between the unix epoch and 1984-01-01, the CiA 301 time base
const epochOffset int64 = 441763200

const msPerDay = 24 * 60 * 60 * 1000

// EncodeTimeOfDay splits a timestamp into the TIME_OF_DAY wire fields,
// milliseconds after midnight and days since 1984-01-01
func EncodeTimeOfDay(timestamp time.Time) (ms uint32, days uint16) {
	delta := timestamp.UnixMilli() - epochOffset*1000
	if delta < 0 {
		return 0, 0
	}
	return uint32(delta % msPerDay), uint16(delta / msPerDay)
}

// DecodeTimeOfDay is the inverse of [EncodeTimeOfDay], the returned
// time is in UTC
func DecodeTimeOfDay(ms uint32, days uint16) time.Time {
	delta := int64(days)*msPerDay + int64(ms&0x0FFFFFFF)
	return time.UnixMilli(epochOffset*1000 + delta).UTC()
}

// Producer emits TIME stamp messages, either one-shot or periodically
type Producer struct {
	*canopen.BusManager
	mu    s.Mutex
	cobId uint16
	stop  chan struct{}
	wg    s.WaitGroup
}

func NewProducer(bm *canopen.BusManager) (*Producer, error) {
	if bm == nil {
		return nil, canopen.ErrIllegalArgument
	}
	return &Producer{BusManager: bm, cobId: ServiceId}, nil
}

// Transmit sends the given timestamp on the bus
func (producer *Producer) Transmit(timestamp time.Time) error {
	ms, days := EncodeTimeOfDay(timestamp)
	var data [6]byte
	binary.LittleEndian.PutUint32(data[0:4], ms)
	binary.LittleEndian.PutUint16(data[4:6], days)
	return producer.SendMessage(producer.cobId, data[:], false)
}

// Start transmits the current time every period until Stop. The first
// message goes out immediately
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
	if err := producer.Transmit(time.Now()); err != nil {
		log.Warnf("[TIME] transmit failed : %v", err)
	}
}

// Stop cancels periodic transmission
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
