package modbus

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
)

// Client is a Modbus TCP master with one request in flight at a time.
type Client struct {
	address       string
	timeout       time.Duration
	mu            sync.Mutex
	conn          net.Conn
	transactionID uint16
}

func NewClient(address string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Client{address: address, timeout: timeout}
}

func (c *Client) Address() string { return c.address }

// Connect dials the slave unless a connection is open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.address, err)
	}
	c.conn = conn
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// SendFrame sends request and waits for the matching response. A transport
// error drops the connection so the next request redials.
func (c *Client) SendFrame(ctx context.Context, request *Frame) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	c.transactionID++
	request.TransactionID = c.transactionID

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := c.conn.Write(request.Encode()); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("write failed: %w", err)
	}

	response, err := ReadFrame(c.conn)
	if err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("read failed: %w", err)
	}
	if response.TransactionID != request.TransactionID {
		c.closeLocked()
		return nil, fmt.Errorf("transaction ID mismatch: expected %d, got %d: %w",
			request.TransactionID, response.TransactionID, types.ErrProtocolViolation)
	}
	if response.FunctionCode&^exceptionBit != request.FunctionCode {
		return nil, fmt.Errorf("function code mismatch: expected 0x%02X, got 0x%02X: %w",
			request.FunctionCode, response.FunctionCode, types.ErrProtocolViolation)
	}
	return response, nil
}

func (c *Client) readRegisters(ctx context.Context, req *Frame, quantity uint16) ([]uint16, error) {
	if quantity == 0 || quantity > MaxReadQuantity {
		return nil, fmt.Errorf("read of %d registers: %w", quantity, types.ErrProtocolViolation)
	}
	response, err := c.SendFrame(ctx, req)
	if err != nil {
		return nil, err
	}
	regs, err := response.ParseRegisterResponse()
	if err != nil {
		return nil, err
	}
	if len(regs) != int(quantity) {
		return nil, fmt.Errorf("got %d registers, asked for %d: %w", len(regs), quantity, types.ErrProtocolViolation)
	}
	return regs, nil
}

func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID uint8, startAddr, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, ReadHoldingRegistersRequest(unitID, startAddr, quantity), quantity)
}

func (c *Client) ReadInputRegisters(ctx context.Context, unitID uint8, startAddr, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, ReadInputRegistersRequest(unitID, startAddr, quantity), quantity)
}

func (c *Client) WriteSingleRegister(ctx context.Context, unitID uint8, addr, value uint16) error {
	response, err := c.SendFrame(ctx, WriteSingleRegisterRequest(unitID, addr, value))
	if err != nil {
		return err
	}
	return response.Err()
}

func (c *Client) WriteMultipleRegisters(ctx context.Context, unitID uint8, startAddr uint16, values []uint16) error {
	if len(values) == 0 || len(values) > MaxWriteQuantity {
		return fmt.Errorf("write of %d registers: %w", len(values), types.ErrProtocolViolation)
	}
	response, err := c.SendFrame(ctx, WriteMultipleRegistersRequest(unitID, startAddr, values))
	if err != nil {
		return err
	}
	return response.Err()
}
