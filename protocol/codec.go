package protocol

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math"
)

var le = binary.LittleEndian

// Checksum computes the CRC-32 (IEEE) self-checksum of an encoded datagram:
// the CRC over the whole packet with the checksum field (bytes 8..12)
// treated as zero. The caller's buffer is not modified.
func Checksum(packet []byte) uint32 {
	crc := crc32.NewIEEE()
	if len(packet) <= 8 {
		crc.Write(packet)
		return crc.Sum32()
	}
	var zero [4]byte
	crc.Write(packet[:8])
	if len(packet) < 12 {
		crc.Write(zero[:len(packet)-8])
		return crc.Sum32()
	}
	crc.Write(zero[:])
	crc.Write(packet[12:])
	return crc.Sum32()
}

// Encode serialises a message into a fresh datagram. The header's
// MessageLength and Checksum fields are computed in a second pass and
// patched in; the values in m.Header are ignored for those two fields.
func Encode(m Message) ([]byte, error) {
	buf := make([]byte, 0, MaxDatagramSize)

	switch m.Header.Source {
	case SourceServer:
		buf = append(buf, "DSUS"...)
	case SourceClient:
		buf = append(buf, "DSUC"...)
	default:
		return nil, ErrInvalidMagic
	}
	buf = le.AppendUint16(buf, m.Header.ProtocolVersion)
	buf = le.AppendUint16(buf, 0) // message length, patched below
	buf = le.AppendUint32(buf, 0) // checksum, patched below
	buf = le.AppendUint32(buf, m.Header.SourceID)

	buf = le.AppendUint32(buf, uint32(m.Type))

	buf, err := appendPayload(buf, m.Payload)
	if err != nil {
		return nil, err
	}

	le.PutUint16(buf[6:8], uint16(len(buf)-HeaderSize))
	le.PutUint32(buf[8:12], Checksum(buf))
	return buf, nil
}

// Decode parses a datagram received from the given peer role. The magic
// string must match the role: a server decodes client-origin packets and
// vice versa. Validation order is magic, protocol version, length bound,
// checksum (optional), message type, payload. Trailing bytes beyond the
// declared message length are tolerated.
func Decode(source MessageSource, packet []byte, verifyChecksum bool) (Message, error) {
	if len(packet) < HeaderSize {
		return Message{}, ErrTruncatedPacket
	}

	var wantMagic string
	switch source {
	case SourceServer:
		wantMagic = "DSUS"
	case SourceClient:
		wantMagic = "DSUC"
	default:
		return Message{}, ErrInvalidMagic
	}
	if string(packet[:4]) != wantMagic {
		return Message{}, ErrInvalidMagic
	}

	header := MessageHeader{
		Source:          source,
		ProtocolVersion: le.Uint16(packet[4:6]),
		MessageLength:   le.Uint16(packet[6:8]),
		Checksum:        le.Uint32(packet[8:12]),
		SourceID:        le.Uint32(packet[12:16]),
	}

	if header.ProtocolVersion != ProtocolVersion {
		return Message{}, ErrInvalidVersion
	}
	if len(packet)-HeaderSize < int(header.MessageLength) {
		return Message{}, ErrTruncatedPacket
	}
	if verifyChecksum && Checksum(packet) != header.Checksum {
		return Message{}, ErrBadChecksum
	}

	r := &cursor{buf: packet, off: HeaderSize}

	rawType := r.u32()
	if r.err != nil {
		return Message{}, r.err
	}
	msgType := MessageType(rawType)
	switch msgType {
	case TypeProtocolVersion, TypeConnectedControllers, TypeControllerData:
	default:
		return Message{}, &InvalidEnumError{Field: "message type", Value: rawType}
	}

	payload, err := parsePayload(r, source, msgType)
	if err != nil {
		return Message{}, err
	}

	return Message{Header: header, Type: msgType, Payload: payload}, nil
}

func appendPayload(buf []byte, payload MessagePayload) ([]byte, error) {
	switch p := payload.(type) {
	case nil, NoPayload:
		return buf, nil
	case VersionPayload:
		return le.AppendUint16(buf, p.Version), nil
	case ConnectedControllersRequest:
		if p.Amount < 0 || p.Amount > SlotCount {
			return nil, ErrInvalidCount
		}
		buf = le.AppendUint32(buf, uint32(p.Amount))
		for i := int32(0); i < p.Amount; i++ {
			buf = append(buf, p.SlotNumbers[i])
		}
		return buf, nil
	case ConnectedControllerResponse:
		buf = appendControllerInfo(buf, p.Info)
		return append(buf, 0), nil
	case ControllerDataRequest:
		return appendControllerDataRequest(buf, p), nil
	case ControllerDataPayload:
		buf = appendControllerInfo(buf, p.Info)
		return appendControllerData(buf, p.PacketNumber, p.Data), nil
	default:
		return nil, errors.New("unknown message payload")
	}
}

func appendControllerInfo(buf []byte, info ControllerInfo) []byte {
	buf = append(buf, info.Slot)
	buf = append(buf, uint8(info.SlotState))
	buf = append(buf, uint8(info.DeviceType))
	buf = append(buf, uint8(info.ConnectionType))
	buf = appendUint48(buf, info.MACAddress)
	return append(buf, uint8(info.BatteryStatus))
}

func appendTouchData(buf []byte, touch TouchData) []byte {
	buf = append(buf, boolByte(touch.Active), touch.ID)
	buf = le.AppendUint16(buf, touch.PositionX)
	return le.AppendUint16(buf, touch.PositionY)
}

func appendControllerDataRequest(buf []byte, req ControllerDataRequest) []byte {
	switch req.Kind {
	case RequestSlotNumber:
		buf = append(buf, uint8(RequestSlotNumber), req.Slot)
		return appendUint48(buf, 0)
	case RequestMAC:
		buf = append(buf, uint8(RequestMAC), 0)
		return appendUint48(buf, req.MAC)
	default:
		buf = append(buf, uint8(RequestReportAll), 0)
		return appendUint48(buf, 0)
	}
}

func appendControllerData(buf []byte, packetNumber uint32, data ControllerData) []byte {
	buf = append(buf, boolByte(data.Connected))
	buf = le.AppendUint32(buf, packetNumber)

	buf = append(buf, packBits([8]bool{
		data.DPadLeft,
		data.DPadDown,
		data.DPadRight,
		data.DPadUp,
		data.Start,
		data.RightStickButton,
		data.LeftStickButton,
		data.Select,
	}))
	buf = append(buf, packBits([8]bool{
		data.Square,
		data.Cross,
		data.Circle,
		data.Triangle,
		data.R1,
		data.L1,
		data.R2,
		data.L2,
	}))

	buf = append(buf, data.PS, data.Touch)
	buf = append(buf, data.LeftStickX, data.LeftStickY, data.RightStickX, data.RightStickY)
	buf = append(buf,
		data.AnalogDPadLeft, data.AnalogDPadDown, data.AnalogDPadRight, data.AnalogDPadUp,
		data.AnalogSquare, data.AnalogCross, data.AnalogCircle, data.AnalogTriangle,
		data.AnalogR1, data.AnalogL1, data.AnalogR2, data.AnalogL2,
	)

	buf = appendTouchData(buf, data.FirstTouch)
	buf = appendTouchData(buf, data.SecondTouch)

	buf = le.AppendUint64(buf, data.MotionDataTimestamp)

	buf = appendFloat32(buf, data.AccelerometerX)
	buf = appendFloat32(buf, data.AccelerometerY)
	buf = appendFloat32(buf, data.AccelerometerZ)

	buf = appendFloat32(buf, data.GyroscopePitch)
	buf = appendFloat32(buf, data.GyroscopeYaw)
	return appendFloat32(buf, data.GyroscopeRoll)
}

func parsePayload(r *cursor, source MessageSource, msgType MessageType) (MessagePayload, error) {
	if source == SourceServer {
		switch msgType {
		case TypeProtocolVersion:
			version := r.u16()
			if r.err != nil {
				return nil, r.err
			}
			return VersionPayload{Version: version}, nil
		case TypeConnectedControllers:
			info, err := parseControllerInfo(r)
			if err != nil {
				return nil, err
			}
			terminator := r.u8()
			if r.err != nil {
				return nil, r.err
			}
			if terminator != 0 {
				return nil, ErrMalformedTerminator
			}
			return ConnectedControllerResponse{Info: info}, nil
		default:
			info, err := parseControllerInfo(r)
			if err != nil {
				return nil, err
			}
			packetNumber, data, err := parseControllerData(r)
			if err != nil {
				return nil, err
			}
			return ControllerDataPayload{PacketNumber: packetNumber, Info: info, Data: data}, nil
		}
	}

	switch msgType {
	case TypeProtocolVersion:
		return NoPayload{}, nil
	case TypeConnectedControllers:
		amount := r.i32()
		if r.err != nil {
			return nil, r.err
		}
		if amount < 0 || amount > SlotCount {
			return nil, ErrInvalidCount
		}
		var slots [SlotCount]uint8
		for i := int32(0); i < amount; i++ {
			slot := r.u8()
			if r.err != nil {
				return nil, r.err
			}
			if slot >= SlotCount {
				return nil, ErrInvalidSlotNumber
			}
			slots[i] = slot
		}
		return ConnectedControllersRequest{Amount: amount, SlotNumbers: slots}, nil
	default:
		return parseControllerDataRequest(r)
	}
}

func parseControllerInfo(r *cursor) (ControllerInfo, error) {
	slot := r.u8()
	slotState := r.u8()
	deviceType := r.u8()
	connectionType := r.u8()
	mac := r.u48()
	battery := r.u8()
	if r.err != nil {
		return ControllerInfo{}, r.err
	}

	if slot >= SlotCount {
		return ControllerInfo{}, ErrInvalidSlotNumber
	}
	if slotState > uint8(SlotConnected) {
		return ControllerInfo{}, &InvalidEnumError{Field: "slot state", Value: uint32(slotState)}
	}
	if deviceType > uint8(DeviceFullGyro) {
		return ControllerInfo{}, &InvalidEnumError{Field: "device type", Value: uint32(deviceType)}
	}
	if connectionType > uint8(ConnectionBluetooth) {
		return ControllerInfo{}, &InvalidEnumError{Field: "connection type", Value: uint32(connectionType)}
	}
	switch BatteryStatus(battery) {
	case BatteryNotApplicable, BatteryDying, BatteryLow, BatteryMedium,
		BatteryHigh, BatteryFull, BatteryCharging, BatteryCharged:
	default:
		return ControllerInfo{}, &InvalidEnumError{Field: "battery status", Value: uint32(battery)}
	}

	return ControllerInfo{
		Slot:           slot,
		SlotState:      SlotState(slotState),
		DeviceType:     DeviceType(deviceType),
		ConnectionType: ConnectionType(connectionType),
		MACAddress:     mac,
		BatteryStatus:  BatteryStatus(battery),
	}, nil
}

func parseTouchData(r *cursor) (TouchData, error) {
	active := r.u8()
	id := r.u8()
	x := r.u16()
	y := r.u16()
	if r.err != nil {
		return TouchData{}, r.err
	}
	if active > 1 {
		return TouchData{}, &InvalidEnumError{Field: "touch active", Value: uint32(active)}
	}
	return TouchData{Active: active == 1, ID: id, PositionX: x, PositionY: y}, nil
}

func parseControllerDataRequest(r *cursor) (MessagePayload, error) {
	kind := r.u8()
	if r.err != nil {
		return nil, r.err
	}
	switch RequestKind(kind) {
	case RequestReportAll:
		return ReportAll(), nil
	case RequestSlotNumber:
		slot := r.u8()
		if r.err != nil {
			return nil, r.err
		}
		if slot >= SlotCount {
			return nil, ErrInvalidSlotNumber
		}
		return BySlot(slot), nil
	case RequestMAC:
		r.u8() // unused slot field
		mac := r.u48()
		if r.err != nil {
			return nil, r.err
		}
		return ByMAC(mac), nil
	default:
		return nil, &InvalidEnumError{Field: "controller data request", Value: uint32(kind)}
	}
}

func parseControllerData(r *cursor) (uint32, ControllerData, error) {
	connected := r.u8()
	packetNumber := r.u32()
	buttonsA := r.u8()
	buttonsB := r.u8()
	ps := r.u8()
	touch := r.u8()
	lsx := r.u8()
	lsy := r.u8()
	rsx := r.u8()
	rsy := r.u8()

	var analog [12]uint8
	for i := range analog {
		analog[i] = r.u8()
	}
	if r.err != nil {
		return 0, ControllerData{}, r.err
	}
	if connected > 1 {
		return 0, ControllerData{}, &InvalidEnumError{Field: "connected", Value: uint32(connected)}
	}

	firstTouch, err := parseTouchData(r)
	if err != nil {
		return 0, ControllerData{}, err
	}
	secondTouch, err := parseTouchData(r)
	if err != nil {
		return 0, ControllerData{}, err
	}

	timestamp := r.u64()
	accelX := r.f32()
	accelY := r.f32()
	accelZ := r.f32()
	gyroPitch := r.f32()
	gyroYaw := r.f32()
	gyroRoll := r.f32()
	if r.err != nil {
		return 0, ControllerData{}, r.err
	}

	data := ControllerData{
		Connected: connected == 1,

		DPadLeft:         buttonsA&0b1000_0000 != 0,
		DPadDown:         buttonsA&0b0100_0000 != 0,
		DPadRight:        buttonsA&0b0010_0000 != 0,
		DPadUp:           buttonsA&0b0001_0000 != 0,
		Start:            buttonsA&0b0000_1000 != 0,
		RightStickButton: buttonsA&0b0000_0100 != 0,
		LeftStickButton:  buttonsA&0b0000_0010 != 0,
		Select:           buttonsA&0b0000_0001 != 0,

		Square:   buttonsB&0b1000_0000 != 0,
		Cross:    buttonsB&0b0100_0000 != 0,
		Circle:   buttonsB&0b0010_0000 != 0,
		Triangle: buttonsB&0b0001_0000 != 0,
		R1:       buttonsB&0b0000_1000 != 0,
		L1:       buttonsB&0b0000_0100 != 0,
		R2:       buttonsB&0b0000_0010 != 0,
		L2:       buttonsB&0b0000_0001 != 0,

		PS:    ps,
		Touch: touch,

		LeftStickX:  lsx,
		LeftStickY:  lsy,
		RightStickX: rsx,
		RightStickY: rsy,

		AnalogDPadLeft:  analog[0],
		AnalogDPadDown:  analog[1],
		AnalogDPadRight: analog[2],
		AnalogDPadUp:    analog[3],
		AnalogSquare:    analog[4],
		AnalogCross:     analog[5],
		AnalogCircle:    analog[6],
		AnalogTriangle:  analog[7],
		AnalogR1:        analog[8],
		AnalogL1:        analog[9],
		AnalogR2:        analog[10],
		AnalogL2:        analog[11],

		FirstTouch:  firstTouch,
		SecondTouch: secondTouch,

		MotionDataTimestamp: timestamp,

		AccelerometerX: accelX,
		AccelerometerY: accelY,
		AccelerometerZ: accelZ,

		GyroscopePitch: gyroPitch,
		GyroscopeYaw:   gyroYaw,
		GyroscopeRoll:  gyroRoll,
	}
	return packetNumber, data, nil
}

// cursor reads sequential little-endian fields, recording the first
// truncation error.
type cursor struct {
	buf []byte
	off int
	err error
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if c.off+n > len(c.buf) {
		c.err = ErrTruncatedPacket
		return nil
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) u8() uint8 {
	if b := c.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (c *cursor) u16() uint16 {
	if b := c.take(2); b != nil {
		return le.Uint16(b)
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if b := c.take(4); b != nil {
		return le.Uint32(b)
	}
	return 0
}

func (c *cursor) i32() int32 {
	return int32(c.u32())
}

func (c *cursor) u48() uint64 {
	if b := c.take(6); b != nil {
		return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 |
			uint64(b[3])<<24 | uint64(b[4])<<32 | uint64(b[5])<<40
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if b := c.take(8); b != nil {
		return le.Uint64(b)
	}
	return 0
}

func (c *cursor) f32() float32 {
	return math.Float32frombits(c.u32())
}

func appendUint48(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24), byte(v>>32), byte(v>>40))
}

func appendFloat32(buf []byte, f float32) []byte {
	return le.AppendUint32(buf, math.Float32bits(f))
}

func packBits(bits [8]bool) uint8 {
	var packed uint8
	for i, set := range bits {
		if set {
			packed |= 1 << (7 - i)
		}
	}
	return packed
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
