package roboclaw

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"go.bug.st/serial"
)

// Channel is the byte stream to the controller. A read must return after
// the configured timeout with n == 0 when nothing arrived.
type Channel interface {
	io.Reader
	io.Writer
	io.Closer
}

// Opener opens a Channel on a named port.
type Opener func(port string, baud int, timeout time.Duration) (Channel, error)

// OpenSerial opens an 8N1 serial port with the given read timeout.
func OpenSerial(port string, baud int, timeout time.Duration) (Channel, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", port, err)
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to set timeout on %s: %w", port, err)
	}
	return p, nil
}

// ControllerConfig holds connection configuration for the controller handle.
type ControllerConfig struct {
	PortPath string
	BaudRate int
	Address  byte
	Opener   Opener // defaults to OpenSerial
}

// Controller is the handle to one physical controller. Every request/response
// exchange holds the handle's lock for exactly that exchange.
type Controller struct {
	lock     *Lock
	addr     byte
	portName string
	baudRate int
	ch       Channel
	open     Opener
}

// ControllerInfo is a point-in-time view of the handle.
type ControllerInfo struct {
	Address  byte   `json:"address"`
	PortName string `json:"portName"`
	BaudRate int    `json:"baudRate"`
	Open     bool   `json:"open"`
}

// NewController creates a handle without opening the port.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Address == 0 {
		cfg.Address = DefaultAddress
	}
	if cfg.PortPath == "" {
		cfg.PortPath = DefaultPort
	}
	if cfg.Opener == nil {
		cfg.Opener = OpenSerial
	}
	return &Controller{
		lock:     NewLock(),
		addr:     cfg.Address,
		portName: cfg.PortPath,
		baudRate: cfg.BaudRate,
		open:     cfg.Opener,
	}
}

// Address returns the packet serial address. It never changes after creation.
func (c *Controller) Address() byte { return c.addr }

// Info returns the current port settings.
func (c *Controller) Info(ctx context.Context) (ControllerInfo, error) {
	if err := c.lock.Acquire(ctx, "controller info"); err != nil {
		return ControllerInfo{}, err
	}
	defer c.lock.Release()
	return ControllerInfo{Address: c.addr, PortName: c.portName, BaudRate: c.baudRate, Open: c.ch != nil}, nil
}

// Connect opens the configured port, replacing any open channel.
func (c *Controller) Connect(ctx context.Context) error {
	if err := c.lock.Acquire(ctx, "connect"); err != nil {
		return err
	}
	defer c.lock.Release()
	return c.reopenLocked(c.portName, c.baudRate)
}

// Reconfigure switches to another port and baud rate. The old channel is
// closed before the new one is opened; on failure the handle has no channel.
func (c *Controller) Reconfigure(ctx context.Context, port string, baud int) error {
	if baud <= 0 {
		return Errorf(KindLogical, "reconfigure", "%w: baud rate %d", ErrOutOfRange, baud)
	}
	if err := c.lock.Acquire(ctx, "reconfigure"); err != nil {
		return err
	}
	defer c.lock.Release()
	return c.reopenLocked(port, baud)
}

// Detach closes the channel and records port as the current port name
// without opening anything. Used when the simulator takes over.
func (c *Controller) Detach(ctx context.Context, port string) error {
	if err := c.lock.Acquire(ctx, "detach"); err != nil {
		return err
	}
	defer c.lock.Release()
	err := c.closeLocked()
	c.portName = port
	return err
}

// SetBaud records a new baud rate. The channel is only reopened when open is true.
func (c *Controller) SetBaud(ctx context.Context, baud int, open bool) error {
	if baud <= 0 {
		return Errorf(KindLogical, "set baud", "%w: baud rate %d", ErrOutOfRange, baud)
	}
	if err := c.lock.Acquire(ctx, "set baud"); err != nil {
		return err
	}
	defer c.lock.Release()
	if !open {
		c.baudRate = baud
		return nil
	}
	return c.reopenLocked(c.portName, baud)
}

// Close releases the channel.
func (c *Controller) Close(ctx context.Context) error {
	if err := c.lock.Acquire(ctx, "close"); err != nil {
		return err
	}
	defer c.lock.Release()
	return c.closeLocked()
}

func (c *Controller) reopenLocked(port string, baud int) error {
	c.closeLocked()
	c.portName = port
	c.baudRate = baud
	ch, err := c.open(port, baud, ReadTimeout)
	if err != nil {
		return &Error{Kind: KindTransport, Op: "open", Err: err}
	}
	c.ch = ch
	log.Printf("[roboclaw] opened %s at %d baud", port, baud)
	return nil
}

func (c *Controller) closeLocked() error {
	if c.ch == nil {
		return nil
	}
	err := c.ch.Close()
	c.ch = nil
	return err
}

// Exchange sends one request and returns the raw response bytes.
func (c *Controller) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	if err := c.lock.Acquire(ctx, "exchange"); err != nil {
		return nil, err
	}
	defer c.lock.Release()
	return sendAndRead(c.ch, req)
}

// sendAndRead writes the full request then performs one bounded read.
func sendAndRead(ch Channel, req []byte) ([]byte, error) {
	if ch == nil {
		return nil, ErrNoChannel
	}
	if err := writeAll(ch, req); err != nil {
		return nil, err
	}
	buf := make([]byte, readBufSize)
	n, err := ch.Read(buf)
	if n == 0 {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
		}
		return nil, ErrTimeout
	}
	return buf[:n], nil
}

func writeAll(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: short write", ErrWriteFailed)
		}
		data = data[n:]
	}
	return nil
}
