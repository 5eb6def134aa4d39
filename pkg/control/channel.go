package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pqsky/skybridge/internal/constants"
	qerrors "github.com/pqsky/skybridge/internal/errors"
)

// Channel is one newline-delimited JSON connection carrying control
// messages. Sends are serialized; receives are expected from a single
// reader goroutine.
type Channel struct {
	conn    net.Conn
	scanner *bufio.Scanner

	mu sync.Mutex // guards writes
}

// NewChannel wraps an established connection.
func NewChannel(conn net.Conn) *Channel {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 1024), constants.MaxControlLine)
	return &Channel{conn: conn, scanner: sc}
}

// Send writes one message as a JSON line.
func (c *Channel) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", qerrors.ErrControlMessage, err)
	}
	if len(data)+1 > constants.MaxControlLine {
		return fmt.Errorf("%w: message exceeds %d bytes", qerrors.ErrControlMessage, constants.MaxControlLine)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

// SendAll writes a batch of messages, stopping at the first error.
func (c *Channel) SendAll(msgs []Message) error {
	for _, m := range msgs {
		if err := c.Send(m); err != nil {
			return err
		}
	}
	return nil
}

// Receive blocks for the next message. Lines that are not valid JSON
// objects are rejected with ErrControlMessage; the connection stays usable.
func (c *Channel) Receive() (Message, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("control channel closed: %w", net.ErrClosed)
	}
	var msg Message
	if err := json.Unmarshal(c.scanner.Bytes(), &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", qerrors.ErrControlMessage, err)
	}
	if msg.Kind == "" {
		return Message{}, fmt.Errorf("%w: missing kind", qerrors.ErrControlMessage)
	}
	return msg, nil
}

// SetDeadline bounds both reads and writes.
func (c *Channel) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// RemoteAddr returns the peer address.
func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close tears down the connection.
func (c *Channel) Close() error { return c.conn.Close() }
