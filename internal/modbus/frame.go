package modbus

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
)

// Frame is a Modbus TCP ADU: the 7 byte MBAP header, the function code and
// the PDU data.
type Frame struct {
	TransactionID uint16 // request/response correlation
	ProtocolID    uint16 // always 0x0000
	Length        uint16 // bytes following the length field
	UnitID        uint8
	FunctionCode  uint8
	Data          []byte
}

const (
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleRegisters = 0x10

	exceptionBit = 0x80
	headerLen    = 7

	// MaxReadQuantity is the register limit of one read request.
	MaxReadQuantity = 125
	// MaxWriteQuantity is the register limit of one write request.
	MaxWriteQuantity = 123

	maxPDU = 253
)

// ExceptionError is a Modbus exception response.
type ExceptionError struct {
	Function uint8
	Code     uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X on function 0x%02X", e.Code, e.Function)
}

func (f *Frame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2) // unit id + function code

	frame := make([]byte, headerLen+1+len(f.Data))
	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID
	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)
	return frame
}

// DecodeFrame parses one complete ADU.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < headerLen+1 {
		return nil, fmt.Errorf("frame too short: %d bytes: %w", len(data), types.ErrProtocolViolation)
	}

	frame := &Frame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}
	if frame.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID 0x%04X: %w", frame.ProtocolID, types.ErrProtocolViolation)
	}
	if int(frame.Length) != len(data)-6 {
		return nil, fmt.Errorf("length field %d does not match %d bytes: %w", frame.Length, len(data)-6, types.ErrProtocolViolation)
	}
	if len(data) > headerLen+1 {
		frame.Data = data[headerLen+1:]
	}
	return frame, nil
}

// ReadFrame reads one ADU from r using the MBAP length field.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || length > maxPDU+1 {
		return nil, fmt.Errorf("invalid frame length %d: %w", length, types.ErrProtocolViolation)
	}
	buf := make([]byte, headerLen+length-1)
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[headerLen:]); err != nil {
		return nil, err
	}
	return DecodeFrame(buf)
}

// Err returns the exception carried by a response, if any.
func (f *Frame) Err() error {
	if f.FunctionCode&exceptionBit == 0 {
		return nil
	}
	e := &ExceptionError{Function: f.FunctionCode &^ exceptionBit}
	if len(f.Data) > 0 {
		e.Code = f.Data[0]
	}
	return e
}

func newRequest(unitID, fc uint8, data []byte) *Frame {
	return &Frame{UnitID: unitID, FunctionCode: fc, Data: data}
}

func readRegistersRequest(fc, unitID uint8, startAddr, quantity uint16) *Frame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], quantity)
	return newRequest(unitID, fc, data)
}

func ReadHoldingRegistersRequest(unitID uint8, startAddr, quantity uint16) *Frame {
	return readRegistersRequest(FuncCodeReadHoldingRegisters, unitID, startAddr, quantity)
}

func ReadInputRegistersRequest(unitID uint8, startAddr, quantity uint16) *Frame {
	return readRegistersRequest(FuncCodeReadInputRegisters, unitID, startAddr, quantity)
}

func WriteSingleRegisterRequest(unitID uint8, addr, value uint16) *Frame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], value)
	return newRequest(unitID, FuncCodeWriteSingleRegister, data)
}

func WriteMultipleRegistersRequest(unitID uint8, startAddr uint16, values []uint16) *Frame {
	data := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+2*i:], v)
	}
	return newRequest(unitID, FuncCodeWriteMultipleRegisters, data)
}

// ParseRegisterResponse decodes a holding or input register response.
func (f *Frame) ParseRegisterResponse() ([]uint16, error) {
	if err := f.Err(); err != nil {
		return nil, err
	}
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short: %w", types.ErrProtocolViolation)
	}

	byteCount := int(f.Data[0])
	if byteCount%2 != 0 || len(f.Data) < byteCount+1 {
		return nil, fmt.Errorf("incomplete response data: %w", types.ErrProtocolViolation)
	}

	registers := make([]uint16, byteCount/2)
	for i := range registers {
		offset := 1 + i*2
		registers[i] = binary.BigEndian.Uint16(f.Data[offset : offset+2])
	}
	return registers, nil
}
