package modbus

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// slave is an in-process Modbus TCP server over two register banks.
type slave struct {
	ln      net.Listener
	mu      sync.Mutex
	holding map[uint16]uint16
	input   map[uint16]uint16
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
}

func newSlave(t *testing.T) *slave {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &slave{
		ln:      ln,
		holding: make(map[uint16]uint16),
		input:   make(map[uint16]uint16),
		conns:   make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.accept()
	t.Cleanup(s.close)
	return s
}

func (s *slave) addr() string { return s.ln.Addr().String() }

func (s *slave) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *slave) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	for {
		req, err := ReadFrame(conn)
		if err != nil {
			return
		}
		resp := &Frame{TransactionID: req.TransactionID, UnitID: req.UnitID, FunctionCode: req.FunctionCode}
		resp.Data = s.handle(req)
		if resp.Data[0] == 0xFF {
			resp.FunctionCode |= exceptionBit
			resp.Data = resp.Data[1:]
		}
		if _, err := conn.Write(resp.Encode()); err != nil {
			return
		}
	}
}

// handle returns the response PDU data. A leading 0xFF marks an exception.
func (s *slave) handle(req *Frame) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := binary.BigEndian.Uint16(req.Data[0:2])
	arg := binary.BigEndian.Uint16(req.Data[2:4])
	switch req.FunctionCode {
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		bank := s.holding
		if req.FunctionCode == FuncCodeReadInputRegisters {
			bank = s.input
		}
		out := []byte{byte(2 * arg)}
		for i := uint16(0); i < arg; i++ {
			v, ok := bank[addr+i]
			if !ok {
				return []byte{0xFF, 0x02}
			}
			out = binary.BigEndian.AppendUint16(out, v)
		}
		return out
	case FuncCodeWriteSingleRegister:
		s.holding[addr] = arg
		return req.Data
	case FuncCodeWriteMultipleRegisters:
		for i := uint16(0); i < arg; i++ {
			s.holding[addr+i] = binary.BigEndian.Uint16(req.Data[5+2*i:])
		}
		return req.Data[:4]
	}
	return []byte{0xFF, 0x01}
}

func (s *slave) set(bank map[uint16]uint16, start uint16, values ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range values {
		bank[start+uint16(i)] = v
	}
}

func (s *slave) get(addr uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holding[addr]
}

// drop closes every accepted connection.
func (s *slave) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
		delete(s.conns, c)
	}
}

func (s *slave) close() {
	if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		panic(err)
	}
	s.drop()
	s.wg.Wait()
}
