// Package transport provides the framed TCP connection used by both protocol
// roles. Each frame is one serialized message terminated by a newline; frames
// larger than the configured bound are rejected.
package transport

import (
	"bufio"
	"context"
	"net"
	"sync"

	mcperrors "github.com/Meg1134/mcpwire/pkg/errors"
)

// DefaultMaxFrameSize bounds a single frame at 1 MiB. Inbound frames beyond
// this are refused rather than buffered without limit.
const DefaultMaxFrameSize = 1 << 20

// FrameConn wraps a net.Conn with newline-delimited framing. Reads are owned
// by a single loop per connection; writes may come from many goroutines and
// are serialized by an internal mutex so frames never interleave.
type FrameConn struct {
	conn      net.Conn
	reader    *bufio.Reader
	writeMu   sync.Mutex
	maxFrame  int
	closeOnce sync.Once
	closeErr  error
}

// NewFrameConn wraps an established connection. A non-positive maxFrameSize
// selects DefaultMaxFrameSize.
func NewFrameConn(conn net.Conn, maxFrameSize int) *FrameConn {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &FrameConn{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		maxFrame: maxFrameSize,
	}
}

// Dial establishes a framed TCP connection to address.
func Dial(ctx context.Context, address string, maxFrameSize int) (*FrameConn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, mcperrors.ConnectionFailed(address, err)
	}
	return NewFrameConn(conn, maxFrameSize), nil
}

// ReadFrame reads one frame, stripping the trailing newline. It returns an
// error for a frame exceeding the configured bound; the connection is
// desynchronized at that point and must be closed by the caller.
func (c *FrameConn) ReadFrame() ([]byte, error) {
	var frame []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		frame = append(frame, chunk...)
		if len(frame) > c.maxFrame {
			return nil, mcperrors.FrameTooLarge(len(frame), c.maxFrame)
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return nil, err
	}

	frame = frame[:len(frame)-1]
	if len(frame) > 0 && frame[len(frame)-1] == '\r' {
		frame = frame[:len(frame)-1]
	}
	return frame, nil
}

// WriteFrame writes one frame followed by a newline. Safe for concurrent use.
func (c *FrameConn) WriteFrame(data []byte) error {
	if len(data)+1 > c.maxFrame {
		return mcperrors.FrameTooLarge(len(data)+1, c.maxFrame)
	}

	// Single Write call so the frame and its terminator cannot be split by
	// a concurrent writer.
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(buf)
	return err
}

// Close closes the underlying connection. Idempotent.
func (c *FrameConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// LocalAddr returns the local network address.
func (c *FrameConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *FrameConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
