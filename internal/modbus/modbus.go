// Package modbus wraps a goburrow Modbus client with a background
// reconnect-and-poll loop, over a local RTU line or an HTTP bridge.
package modbus

import (
	"context"
	"errors"
	"time"

	"github.com/goburrow/modbus"

	"github.com/w1xm/dish_interface/internal/logging"
)

type modbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type Client struct {
	// Port and BaudRate create a local serial connection
	Port string
	// BaudRate defaults to 19200
	BaudRate int
	SlaveId  byte
	// URL creates a remote connection through a modbus_server bridge
	URL      string
	Password string

	// Poll is called in a loop while the connection is active, at most
	// once per Interval.
	Poll     func(ctx context.Context) error
	Interval time.Duration
	Logger   logging.Logger

	handler modbusHandler
	modbus.Client
}

// Connect builds the transport and starts polling in the background. It
// does not wait for the first successful connection.
func (c *Client) Connect(ctx context.Context) error {
	if c.Poll == nil {
		return errors.New("modbus: Poll is required")
	}
	if c.Logger == nil {
		c.Logger = logging.Noop()
	}
	if c.URL != "" {
		h := NewHTTPHandler(c.URL, c.Password)
		if c.SlaveId != 0 {
			h.SlaveId = c.SlaveId
		}
		c.handler = h
	} else {
		if c.Port == "" {
			return errors.New("modbus: Port or URL is required")
		}
		c.handler = NewRTUHandler(c.Port, c.BaudRate, c.SlaveId)
	}
	c.Client = modbus.NewClient(c.handler)
	go c.reconnectLoop(ctx)
	return nil
}

// NewRTUHandler configures an 8N1 RTU line with a one second timeout.
func NewRTUHandler(port string, baud int, slaveID byte) *modbus.RTUClientHandler {
	if baud == 0 {
		baud = 19200
	}
	if slaveID == 0 {
		slaveID = 1
	}
	handler := modbus.NewRTUClientHandler(port)
	handler.BaudRate = baud
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = 1 * time.Second
	handler.SlaveId = slaveID
	return handler
}

func (c *Client) endpoint() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Port
}

func (c *Client) reconnectLoop(ctx context.Context) {
	log := c.Logger.With(logging.String("endpoint", c.endpoint()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}

		if err := c.handler.Connect(); err != nil {
			log.Warn(ctx, "opening modbus connection", logging.Err(err))
			continue
		}
		log.Info(ctx, "modbus connected")
		if err := c.watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn(ctx, "modbus poll failed", logging.Err(err))
		}
	}
}

func (c *Client) watch(ctx context.Context) error {
	defer c.handler.Close()
	var tick <-chan time.Time
	if c.Interval > 0 {
		t := time.NewTicker(c.Interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := c.Poll(ctx); err != nil {
			return err
		}
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		}
	}
}

// BytesToBits unpacks coil or discrete input bytes, least significant bit first.
func BytesToBits(bs []byte) []bool {
	var out []bool
	for _, b := range bs {
		for i := 0; i < 8; i++ {
			out = append(out, (b>>uint(i)&1) == 1)
		}
	}
	return out
}
