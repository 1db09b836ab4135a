package wire

import (
	"encoding/binary"
	"fmt"
)

// Device error codes carried in Error payloads. Zero is reserved for
// "no error" so a connection's sticky error slot can be tested cheaply.
const (
	ErrcodeNone             int32 = 0
	ErrcodeDeviceInternal   int32 = 1
	ErrcodeDeviceFatal      int32 = 2
	ErrcodeCorruptedProgram int32 = 3
	ErrcodeBadSession       int32 = 4
)

// DeviceError is the structured error record a service reports back to
// the host: an error code plus full provenance of where it was raised.
// Device is filled in by the receiving connection, not transmitted.
type DeviceError struct {
	Errcode  int32
	Filename string
	Lineno   int32
	Funcname string
	Message  string
	Device   string
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	dev := e.Device
	if dev == "" {
		dev = "device"
	}
	return fmt.Sprintf("%s: %s:%d %s (function %s, errcode %d)",
		dev, e.Filename, e.Lineno, e.Message, e.Funcname, e.Errcode)
}

// EncodeError serializes a DeviceError into an Error Command.
func EncodeError(e *DeviceError) *Command {
	size := 8 + 2 + len(e.Filename) + 2 + len(e.Funcname) + 2 + len(e.Message)
	payload := make([]byte, 0, size)
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], uint32(e.Errcode))
	payload = append(payload, scratch[:]...)
	binary.LittleEndian.PutUint32(scratch[:], uint32(e.Lineno))
	payload = append(payload, scratch[:]...)
	payload = appendString(payload, e.Filename)
	payload = appendString(payload, e.Funcname)
	payload = appendString(payload, e.Message)
	return &Command{Tag: TagError, Payload: payload}
}

// DecodeError parses the payload of an Error Command.
func DecodeError(payload []byte) (*DeviceError, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("%w: short error payload", ErrMalformedMessage)
	}
	e := &DeviceError{
		Errcode: int32(binary.LittleEndian.Uint32(payload[0:])),
		Lineno:  int32(binary.LittleEndian.Uint32(payload[4:])),
	}
	rest := payload[8:]
	var err error
	if e.Filename, rest, err = readString(rest); err != nil {
		return nil, err
	}
	if e.Funcname, rest, err = readString(rest); err != nil {
		return nil, err
	}
	if e.Message, _, err = readString(rest); err != nil {
		return nil, err
	}
	return e, nil
}

func appendString(buf []byte, s string) []byte {
	var n [2]byte
	binary.LittleEndian.PutUint16(n[:], uint16(len(s)))
	buf = append(buf, n[:]...)
	return append(buf, s...)
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("%w: truncated string", ErrMalformedMessage)
	}
	n := int(binary.LittleEndian.Uint16(buf))
	if len(buf) < 2+n {
		return "", nil, fmt.Errorf("%w: truncated string", ErrMalformedMessage)
	}
	return string(buf[2 : 2+n]), buf[2+n:], nil
}
