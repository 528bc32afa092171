// Package emergency implements the CiA 301 emergency (EMCY) service.
// A Consumer collects the emergencies produced by one remote node, a
// Producer emits emergencies for a local node.
package emergency

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	canopen "github.com/christiansandberg/canopen"
	"github.com/christiansandberg/canopen/pkg/can"
	log "github.com/sirupsen/logrus"
)

const ServiceId uint16 = 0x80

// Error register bits (object 0x1001)
const (
	ErrRegGeneric       = 0x01 // bit 0 - generic error
	ErrRegCurrent       = 0x02 // bit 1 - current
	ErrRegVoltage       = 0x04 // bit 2 - voltage
	ErrRegTemperature   = 0x08 // bit 3 - temperature
	ErrRegCommunication = 0x10 // bit 4 - communication error
	ErrRegDevProfile    = 0x20 // bit 5 - device profile specific
	ErrRegReserved      = 0x40 // bit 6 - reserved (always 0)
	ErrRegManufacturer  = 0x80 // bit 7 - manufacturer specific
)

// Standard error codes
const (
	ErrNoError          = 0x0000
	ErrGeneric          = 0x1000
	ErrCurrent          = 0x2000
	ErrCurrentInput     = 0x2100
	ErrCurrentInside    = 0x2200
	ErrCurrentOutput    = 0x2300
	ErrVoltage          = 0x3000
	ErrVoltageMains     = 0x3100
	ErrVoltageInside    = 0x3200
	ErrVoltageOutput    = 0x3300
	ErrTemperature      = 0x4000
	ErrTempAmbient      = 0x4100
	ErrTempDevice       = 0x4200
	ErrHardware         = 0x5000
	ErrSoftwareDevice   = 0x6000
	ErrSoftwareInternal = 0x6100
	ErrSoftwareUser     = 0x6200
	ErrDataSet          = 0x6300
	ErrAdditionalModul  = 0x7000
	ErrMonitoring       = 0x8000
	ErrCommunication    = 0x8100
	ErrCanOverrun       = 0x8110
	ErrCanPassive       = 0x8120
	ErrHeartbeat        = 0x8130
	ErrBusOffRecovered  = 0x8140
	ErrCanIdCollision   = 0x8150
	ErrProtocolError    = 0x8200
	ErrPdoLength        = 0x8210
	ErrPdoLengthExc     = 0x8220
	ErrDamMpdo          = 0x8230
	ErrSyncDataLength   = 0x8240
	ErrRpdoTimeout      = 0x8250
	ErrExternalError    = 0x9000
	ErrAdditionalFunc   = 0xF000
	ErrDeviceSpecific   = 0xFF00
	Err401OutCurHi      = 0x2310
	Err401OutShorted    = 0x2320
	Err401OutLoadDump   = 0x2330
	Err401InVoltHi      = 0x3110
	Err401InVoltLow     = 0x3120
	Err401InternVoltHi  = 0x3210
	Err401InternVoltLow = 0x3220
	Err401OutVoltHigh   = 0x3310
	Err401OutVoltLow    = 0x3320
)

var errorCodeDescriptionMap = map[uint16]string{
	ErrNoError:          "Reset or No Error",
	ErrGeneric:          "Generic Error",
	ErrCurrent:          "Current",
	ErrCurrentInput:     "Current, device input side",
	ErrCurrentInside:    "Current inside the device",
	ErrCurrentOutput:    "Current, device output side",
	ErrVoltage:          "Voltage",
	ErrVoltageMains:     "Mains Voltage",
	ErrVoltageInside:    "Voltage inside the device",
	ErrVoltageOutput:    "Output Voltage",
	ErrTemperature:      "Temperature",
	ErrTempAmbient:      "Ambient Temperature",
	ErrTempDevice:       "Device Temperature",
	ErrHardware:         "Device Hardware",
	ErrSoftwareDevice:   "Device Software",
	ErrSoftwareInternal: "Internal Software",
	ErrSoftwareUser:     "User Software",
	ErrDataSet:          "Data Set",
	ErrAdditionalModul:  "Additional Modules",
	ErrMonitoring:       "Monitoring",
	ErrCommunication:    "Communication",
	ErrCanOverrun:       "CAN Overrun (Objects lost)",
	ErrCanPassive:       "CAN in Error Passive Mode",
	ErrHeartbeat:        "Life Guard Error or Heartbeat Error",
	ErrBusOffRecovered:  "Recovered from bus off",
	ErrCanIdCollision:   "CAN-ID collision",
	ErrProtocolError:    "Protocol Error",
	ErrPdoLength:        "PDO not processed due to length error",
	ErrPdoLengthExc:     "PDO length exceeded",
	ErrDamMpdo:          "DAM MPDO not processed, destination object not available",
	ErrSyncDataLength:   "Unexpected SYNC data length",
	ErrRpdoTimeout:      "RPDO timeout",
	ErrExternalError:    "External Error",
	ErrAdditionalFunc:   "Additional Functions",
	ErrDeviceSpecific:   "Device specific",
	Err401OutCurHi:      "DS401, Current at outputs too high (overload)",
	Err401OutShorted:    "DS401, Short circuit at outputs",
	Err401OutLoadDump:   "DS401, Load dump at outputs",
	Err401InVoltHi:      "DS401, Input voltage too high",
	Err401InVoltLow:     "DS401, Input voltage too low",
	Err401InternVoltHi:  "DS401, Internal voltage too high",
	Err401InternVoltLow: "DS401, Internal voltage too low",
	Err401OutVoltHigh:   "DS401, Output voltage too high",
	Err401OutVoltLow:    "DS401, Output voltage too low",
}

// classDescription resolves codes without an exact description to
// their CiA 301 error class
var classDescription = []struct {
	code uint16
	mask uint16
	text string
}{
	{0x0000, 0xFF00, "Error Reset / No Error"},
	{0x1000, 0xFF00, "Generic Error"},
	{0x2000, 0xF000, "Current"},
	{0x3000, 0xF000, "Voltage"},
	{0x4000, 0xF000, "Temperature"},
	{0x5000, 0xFF00, "Device Hardware"},
	{0x6000, 0xF000, "Device Software"},
	{0x7000, 0xFF00, "Additional Modules"},
	{0x8000, 0xF000, "Monitoring"},
	{0x9000, 0xFF00, "External Error"},
	{0xF000, 0xFF00, "Additional Functions"},
	{0xFF00, 0xFF00, "Device Specific"},
}

// Error is one received emergency message
type Error struct {
	Code      uint16
	Register  byte
	Data      [5]byte
	Timestamp time.Time
}

// Description returns the human readable meaning of the error code
func (emergency *Error) Description() string {
	if description, ok := errorCodeDescriptionMap[emergency.Code]; ok {
		return description
	}
	for _, class := range classDescription {
		if emergency.Code&class.mask == class.code {
			return class.text
		}
	}
	return ""
}

func (emergency *Error) Error() string {
	text := fmt.Sprintf("emergency x%04x", emergency.Code)
	if description := emergency.Description(); description != "" {
		text += " : " + description
	}
	return text
}

// Consumer collects the emergencies of one remote node.
// Emergencies accumulate in Log, Active holds those not yet cleared by
// an error reset (code 0x0000)
type Consumer struct {
	*canopen.BusManager
	mu        sync.Mutex
	nodeId    uint8
	active    []*Error
	log       []*Error
	received  chan struct{}
	callbacks []func(emergency *Error)
}

func NewConsumer(bm *canopen.BusManager, nodeId uint8) (*Consumer, error) {
	if bm == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if nodeId < 1 || nodeId > 127 {
		return nil, canopen.ErrInvalidNodeId
	}
	consumer := &Consumer{
		BusManager: bm,
		nodeId:     nodeId,
		received:   make(chan struct{}),
	}
	err := bm.Subscribe(uint32(ServiceId)+uint32(nodeId), 0x7FF, false, consumer)
	if err != nil {
		return nil, err
	}
	return consumer, nil
}

// Handle implements [can.FrameListener], called on every emergency of
// the monitored node
func (consumer *Consumer) Handle(frame can.Frame) {
	if frame.DLC != 8 {
		return
	}
	emergency := &Error{
		Code:      binary.LittleEndian.Uint16(frame.Data[0:2]),
		Register:  frame.Data[2],
		Timestamp: time.Now(),
	}
	copy(emergency.Data[:], frame.Data[3:])
	consumer.mu.Lock()
	if emergency.Code == ErrNoError {
		consumer.active = consumer.active[:0]
	} else {
		consumer.active = append(consumer.active, emergency)
	}
	consumer.log = append(consumer.log, emergency)
	close(consumer.received)
	consumer.received = make(chan struct{})
	callbacks := consumer.callbacks
	consumer.mu.Unlock()
	log.Debugf("[EMCY][x%x] received | %v", consumer.nodeId, emergency)
	for _, callback := range callbacks {
		callback(emergency)
	}
}

// Active returns the emergencies not yet cleared by an error reset
func (consumer *Consumer) Active() []*Error {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	return append([]*Error{}, consumer.active...)
}

// Log returns every emergency received so far, error resets included
func (consumer *Consumer) Log() []*Error {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	return append([]*Error{}, consumer.log...)
}

// Reset forgets all received emergencies
func (consumer *Consumer) Reset() {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	consumer.active = nil
	consumer.log = nil
}

// AddCallback registers a hook invoked with every received emergency
func (consumer *Consumer) AddCallback(callback func(emergency *Error)) {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	consumer.callbacks = append(consumer.callbacks, callback)
}

// Wait blocks until the next emergency arrives
func (consumer *Consumer) Wait(timeout time.Duration) (*Error, error) {
	consumer.mu.Lock()
	arrived := consumer.received
	consumer.mu.Unlock()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-arrived:
		consumer.mu.Lock()
		defer consumer.mu.Unlock()
		return consumer.log[len(consumer.log)-1], nil
	case <-timer.C:
		return nil, canopen.ErrTimeout
	case <-consumer.Done():
		return nil, canopen.ErrDisconnected
	}
}

// Close removes the emergency subscription
func (consumer *Consumer) Close() {
	consumer.Unsubscribe(uint32(ServiceId)+uint32(consumer.nodeId), false, consumer)
}

// Producer emits emergency messages for a local node
type Producer struct {
	*canopen.BusManager
	cobId uint16
}

func NewProducer(bm *canopen.BusManager, nodeId uint8) (*Producer, error) {
	if bm == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if nodeId < 1 || nodeId > 127 {
		return nil, canopen.ErrInvalidNodeId
	}
	return &Producer{BusManager: bm, cobId: ServiceId + uint16(nodeId)}, nil
}

// Send emits an emergency with up to 5 bytes of manufacturer data
func (producer *Producer) Send(code uint16, register byte, data []byte) error {
	if len(data) > 5 {
		return canopen.ErrIllegalArgument
	}
	var payload [8]byte
	binary.LittleEndian.PutUint16(payload[0:2], code)
	payload[2] = register
	copy(payload[3:], data)
	log.Debugf("[EMCY][TX] x%03x | code x%04x register x%02x", producer.cobId, code, register)
	return producer.SendMessage(producer.cobId, payload[:], false)
}

// Reset emits the error reset emergency, consumers clear their active
// list on it
func (producer *Producer) Reset() error {
	return producer.Send(ErrNoError, 0, nil)
}
