package canmotor

import (
	"math"

	"github.com/go-daq/canbus"
)

const (
	bitsPerByte = 8
	// maxFieldRPM is the largest speed the 12 bit rpm field holds.
	maxFieldRPM = 0x7FF
)

// Motor controller state nibble.
const (
	stateDisable byte = 0x00
	stateEnable  byte = 0x01
)

// Motor controller mode nibble. Only closed-loop speed is used.
const modeSpeed byte = 0x00

// command is the 8 byte drive frame understood by each wheel's motor controller.
type command struct {
	state   byte
	mode    byte
	rpm     int16 // 12 bits, signed
	current int16 // 12 bits
	encoder int32
}

func speedCommand(rpm, current int16) command {
	return command{state: stateEnable, mode: modeSpeed, rpm: rpm, current: current}
}

func disableCommand(current int16) command {
	return command{state: stateDisable, mode: modeSpeed, current: current}
}

func (cmd command) toFrame(id uint32) canbus.Frame {
	frame := canbus.Frame{
		ID:   id,
		Data: make([]byte, 0, 8),
		Kind: canbus.EFF,
	}
	frame.Data = append(frame.Data, (cmd.state&0x0F)|((cmd.mode&0x0F)<<4))
	frame.Data = append(frame.Data, byte(cmd.rpm&0xFF))
	frame.Data = append(frame.Data, byte((cmd.rpm>>8)&0x0F)|byte((cmd.current&0x0F)<<4))
	frame.Data = append(frame.Data, byte((cmd.current>>4)&0xFF))
	frame.Data = append(frame.Data, byte(cmd.encoder&0xFF))
	frame.Data = append(frame.Data, byte((cmd.encoder>>8)&0xFF))
	frame.Data = append(frame.Data, byte((cmd.encoder>>16)&0xFF))
	frame.Data = append(frame.Data, byte((cmd.encoder>>24)&0xFF))
	return frame
}

// signal locates a scaled integer inside a CAN payload.
type signal struct {
	scalar       float64
	offset       float64
	start        uint8 // least significant bit
	length       uint8 // bits, at most 32
	littleEndian bool
	signed       bool
}

// Status frame layout, little endian: motor RPM, encoder ticks, phase current in centiamps.
var (
	signalStatusRPM     = signal{scalar: 1, start: 0, length: 16, littleEndian: true, signed: true}
	signalStatusTicks   = signal{scalar: 1, start: 16, length: 32, littleEndian: true, signed: true}
	signalStatusCurrent = signal{scalar: 0.01, start: 48, length: 16, littleEndian: true, signed: true}
)

// byteMask returns the bits of byte byteNum that belong to a signal spanning bits lsb..msb of the payload.
func byteMask(byteNum, lsb, msb uint8) uint8 {
	first := int(byteNum) * bitsPerByte
	last := first + bitsPerByte - 1

	lo, hi := 0, bitsPerByte-1
	if int(lsb) > first {
		lo = int(lsb) - first
	}
	if int(msb) < last {
		hi = int(msb) - first
	}
	return uint8((math.MaxUint8 << (hi + 1)) ^ (math.MaxUint8 << lo))
}

// raw extracts the unscaled value of s, sign extended when s is signed.
func raw(data []byte, s signal) int64 {
	lsb := s.start
	msb := lsb + s.length - 1
	startByte, stopByte := lsb/bitsPerByte, msb/bitsPerByte
	if int(stopByte) >= len(data) {
		return 0
	}

	var v uint64
	for i := startByte; i <= stopByte; i++ {
		shift := i - startByte
		if !s.littleEndian {
			shift = stopByte - i
		}
		v |= uint64(data[i]&byteMask(i, lsb, msb)) << (uint64(shift) * bitsPerByte)
	}
	v >>= lsb - bitsPerByte*startByte

	if s.signed && v&(1<<(s.length-1)) != 0 {
		v |= math.MaxUint64 << s.length
		return int64(v)
	}
	return int64(v)
}

// extract returns the scaled value of s.
func extract(data []byte, s signal) float64 {
	return float64(raw(data, s))*s.scalar + s.offset
}
